// Command liveline follows an adaptive streaming manifest. It parses
// the presentation at the given URI, keeps live content updated on the
// source's cadence, and logs the seek range as the window slides.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/psychrist666/liveline/internal/clock"
	"github.com/psychrist666/liveline/internal/config"
	"github.com/psychrist666/liveline/internal/dash"
	"github.com/psychrist666/liveline/internal/fetch"
	"github.com/psychrist666/liveline/internal/hls"
	"github.com/psychrist666/liveline/internal/logger"
	"github.com/psychrist666/liveline/internal/manifest"
	"github.com/psychrist666/liveline/internal/media"
	"github.com/psychrist666/liveline/internal/metrics"
	"github.com/psychrist666/liveline/internal/registry"
	"github.com/psychrist666/liveline/internal/server"
	"github.com/psychrist666/liveline/internal/stats"
	"github.com/psychrist666/liveline/internal/watch"
)

const (
	statusInterval  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

func main() {
	mimeFlag := flag.String("mime", "", "manifest MIME type, skips extension and probe detection")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <manifest-uri>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	uri := flag.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.Pretty)
	log := logger.Component("main")

	met := metrics.New()
	agg := stats.New()
	fetcher := fetch.NewHTTPClient(cfg.HTTP, met)
	clk := clock.New(fetcher, cfg.Clock.Timeout, met)

	hooks := manifest.Hooks{
		FilterAllPeriods: func(periods []*manifest.Period) {
			log.Info().Int("periods", len(periods)).Msg("Presentation parsed")
		},
		FilterNewPeriod: func(p *manifest.Period) {
			log.Info().Str("period", p.ID).Float64("start", p.StartTime).Msg("Period added")
		},
		OnTimelineRegionAdded: func(r media.TimelineRegion) {
			log.Info().
				Str("scheme", r.SchemeIDURI).
				Str("id", r.ID).
				Float64("start", r.StartTime).
				Float64("end", r.EndTime).
				Msg("Timeline region added")
		},
		OnError: func(err error) {
			log.Warn().Err(err).Msg("Manifest update failed")
		},
	}

	reg := registry.New()
	reg.Register(registry.MimeDASH, func() registry.Parser {
		return dash.New(dash.Dependencies{
			Fetcher: fetcher,
			Clock:   clk,
			Hooks:   hooks,
			Config:  cfg.Engine,
			Metrics: met,
			Stats:   agg,
		})
	})
	hlsFactory := func() registry.Parser {
		return hls.New(hls.Dependencies{
			Fetcher: fetcher,
			Hooks:   hooks,
			Config:  cfg.Engine,
			Metrics: met,
			Stats:   agg,
		})
	}
	reg.Register(registry.MimeHLS, hlsFactory)
	reg.Register(registry.MimeHLSApple, hlsFactory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory, ok := resolveFactory(ctx, reg, fetcher, uri, *mimeFlag)
	if !ok {
		log.Error().Str("uri", uri).Msg("No parser registered for manifest")
		os.Exit(1)
	}

	if cfg.Metrics.Enabled {
		msrv := server.New(cfg.Metrics.Addr, metricsRouter(met))
		go func() {
			if err := msrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			if err := msrv.Shutdown(sctx); err != nil {
				log.Warn().Err(err).Msg("Metrics server shutdown error")
			}
		}()
	}

	parser := factory()
	man, err := parser.Start(ctx, uri)
	if err != nil {
		log.Error().Err(err).Str("uri", uri).Msg("Failed to load manifest")
		os.Exit(1)
	}
	if man == nil {
		return
	}
	defer parser.Stop()

	if path, ok := localPath(uri); ok {
		if updater, canKick := parser.(interface{ Update() }); canKick {
			if w := watchManifestFile(log, path, updater.Update); w != nil {
				defer w.Stop()
			}
		}
	}

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	logStatus(log, man, agg)
	for {
		select {
		case <-sigCh:
			log.Info().Msg("Shutdown signal received")
			return
		case <-ticker.C:
			logStatus(log, man, agg)
		}
	}
}

// resolveFactory picks a parser factory by explicit MIME type, URI
// extension, or a HEAD probe, in that order.
func resolveFactory(ctx context.Context, reg *registry.Registry, fetcher fetch.Fetcher, uri, mimeType string) (registry.Factory, bool) {
	if mimeType != "" {
		return reg.ForMimeType(mimeType)
	}
	if factory, ok := reg.ForURI(uri); ok {
		return factory, true
	}
	return reg.ResolveByProbe(ctx, fetcher, uri)
}

func metricsRouter(met *metrics.Metrics) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(met.Handler()))
	return router
}

// watchManifestFile kicks the parser whenever a local manifest is
// rewritten, covering packagers that publish to disk without a
// minimumUpdatePeriod. Returns nil when watching could not begin.
func watchManifestFile(log zerolog.Logger, path string, kick func()) *watch.FileWatcher {
	w, err := watch.NewFile(path, kick)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("File watch unavailable")
		return nil
	}
	if err := w.Start(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("File watch failed to start")
		return nil
	}
	log.Info().Str("path", path).Msg("Watching manifest file")
	return w
}

func localPath(uri string) (string, bool) {
	if strings.HasPrefix(uri, "file://") {
		return strings.TrimPrefix(uri, "file://"), true
	}
	if !strings.Contains(uri, "://") {
		return uri, true
	}
	return "", false
}

func logStatus(log zerolog.Logger, man *manifest.Manifest, agg *stats.Aggregator) {
	snap := agg.Snapshot()
	ev := log.Info().
		Bool("live", man.IsLive()).
		Int("periods", man.PeriodCount()).
		Float64("seek_start", man.Timeline.SeekRangeStart(0)).
		Float64("seek_end", man.Timeline.SeekRangeEnd()).
		Int64("updates", snap.Count).
		Int64("failures", snap.Failures)
	if !math.IsNaN(snap.P50) {
		ev = ev.Float64("update_p50_s", snap.P50).Float64("update_p99_s", snap.P99)
	}
	ev.Msg("Presentation status")
}
