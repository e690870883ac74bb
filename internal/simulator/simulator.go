// Package simulator serves a deterministic live DASH and HLS origin for
// development and integration testing. Manifests are computed from the
// wall clock on every request, so the presentation slides like a real
// packager's output without any background state.
package simulator

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/psychrist666/liveline/internal/config"
	"github.com/psychrist666/liveline/internal/logger"
	"github.com/psychrist666/liveline/internal/middleware"
)

// Simulator is a self-contained live origin. All responses derive from
// the injected clock, so a fixed now function yields fixed output.
type Simulator struct {
	cfg    config.SimulatorConfig
	log    zerolog.Logger
	now    func() time.Time
	etag   string
	router *gin.Engine
}

// Option customizes a Simulator.
type Option func(*Simulator)

// WithNowFunc replaces the wall clock, pinning the presentation for
// tests.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// New creates a simulator and builds its router.
func New(cfg config.SimulatorConfig, opts ...Option) *Simulator {
	s := &Simulator{
		cfg:  cfg,
		log:  logger.Component("simulator"),
		now:  time.Now,
		etag: `"` + uuid.NewString() + `"`,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRouter()
	return s
}

// Router returns the configured gin engine.
func (s *Simulator) Router() *gin.Engine {
	return s.router
}

func (s *Simulator) setupRouter() {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(middleware.RequestLogger())
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	router.GET("/live/manifest.mpd", s.liveManifest)
	router.HEAD("/live/manifest.mpd", s.manifestHead(mimeDASH))
	router.GET("/static/manifest.mpd", s.staticManifest)
	router.HEAD("/static/manifest.mpd", s.manifestHead(mimeDASH))
	router.GET("/live/playlist.m3u8", s.livePlaylist)
	router.HEAD("/live/playlist.m3u8", s.manifestHead(mimeHLS))
	router.GET("/live/segments/:name", s.segment)
	router.GET("/static/segments/:name", s.segment)
	router.GET("/utc", s.utcNow)
	router.HEAD("/utc", s.utcHead)
	router.GET("/healthz", s.health)

	s.router = router
}

// manifestHead answers probe requests with the manifest's content type
// and no body.
func (s *Simulator) manifestHead(contentType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", contentType)
		c.Status(http.StatusOK)
	}
}

// segment serves a synthetic media segment. Payloads are filler; only
// the URL space needs to line up with the manifests.
func (s *Simulator) segment(c *gin.Context) {
	name := c.Param("name")

	var contentType string
	switch {
	case strings.HasSuffix(name, ".m4s"):
		contentType = "video/iso.segment"
	case strings.HasSuffix(name, ".mp4"):
		contentType = "video/mp4"
	case strings.HasSuffix(name, ".ts"):
		contentType = "video/mp2t"
	default:
		c.Status(http.StatusNotFound)
		return
	}

	payload := make([]byte, 1024)
	copy(payload, name)
	c.Data(http.StatusOK, contentType, payload)
}

// utcNow serves the xsdate/iso flavor of UTCTiming: the current time as
// the response body.
func (s *Simulator) utcNow(c *gin.Context) {
	c.String(http.StatusOK, s.now().UTC().Format(time.RFC3339Nano))
}

// utcHead serves the http-head flavor: the current time in the Date
// header.
func (s *Simulator) utcHead(c *gin.Context) {
	c.Header("Date", s.now().UTC().Format(http.TimeFormat))
	c.Status(http.StatusOK)
}

type healthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

func (s *Simulator) health(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Time:   s.now().UTC().Format(time.RFC3339),
	})
}
