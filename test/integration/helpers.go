//go:build integration
// +build integration

package integration

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/psychrist666/liveline/internal/clock"
	"github.com/psychrist666/liveline/internal/config"
	"github.com/psychrist666/liveline/internal/dash"
	"github.com/psychrist666/liveline/internal/fetch"
	"github.com/psychrist666/liveline/internal/hls"
	"github.com/psychrist666/liveline/internal/logger"
	"github.com/psychrist666/liveline/internal/manifest"
	"github.com/psychrist666/liveline/internal/media"
	"github.com/psychrist666/liveline/internal/metrics"
	"github.com/psychrist666/liveline/internal/simulator"
	"github.com/psychrist666/liveline/internal/stats"
)

// startSimulator serves a simulator on a random port. Tests talk to it
// over real HTTP so the fetcher, conditional requests, and URI
// resolution all run end to end.
func startSimulator(t *testing.T) *httptest.Server {
	t.Helper()
	logger.Init("error", false)
	sim := simulator.New(simulatorConfig())
	srv := httptest.NewServer(sim.Router())
	t.Cleanup(srv.Close)
	return srv
}

// simulatorConfig uses a short minimum update period so live refresh
// tests finish quickly.
func simulatorConfig() config.SimulatorConfig {
	return config.SimulatorConfig{
		SegmentDuration:            2 * time.Second,
		TimeShiftBufferDepth:       60 * time.Second,
		MinimumUpdatePeriod:        200 * time.Millisecond,
		SuggestedPresentationDelay: 10 * time.Second,
		UTCTimingScheme:            clock.SchemeXSDate2014,
	}
}

func engineConfig() config.EngineConfig {
	return config.EngineConfig{
		MinUpdatePeriodFloor:     100 * time.Millisecond,
		DefaultPresentationDelay: 10 * time.Second,
		AutoCorrectDrift:         true,
	}
}

func httpConfig() config.HTTPConfig {
	return config.HTTPConfig{
		Timeout:        5 * time.Second,
		UserAgent:      "liveline-test/0.1",
		RetryAttempts:  1,
		RetryBaseDelay: 50 * time.Millisecond,
		RetryMaxDelay:  200 * time.Millisecond,
		ConditionalGET: true,
	}
}

// recorder collects hook callbacks across goroutines.
type recorder struct {
	mu      sync.Mutex
	regions []media.TimelineRegion
	errs    []error
}

func (r *recorder) hooks() manifest.Hooks {
	return manifest.Hooks{
		OnTimelineRegionAdded: func(region media.TimelineRegion) {
			r.mu.Lock()
			r.regions = append(r.regions, region)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) regionSchemes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.regions))
	for _, region := range r.regions {
		out = append(out, region.SchemeIDURI)
	}
	return out
}

func (r *recorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

// engineDeps bundles one test's engine instances. Each test gets its
// own metrics registry, so parallel tests never collide.
type engineDeps struct {
	metrics *metrics.Metrics
	stats   *stats.Aggregator
	fetcher *fetch.HTTPClient
	clock   *clock.Synchronizer
	rec     *recorder
}

func newEngineDeps(t *testing.T) *engineDeps {
	t.Helper()
	met := metrics.New()
	fetcher := fetch.NewHTTPClient(httpConfig(), met)
	return &engineDeps{
		metrics: met,
		stats:   stats.New(),
		fetcher: fetcher,
		clock:   clock.New(fetcher, 2*time.Second, met),
		rec:     &recorder{},
	}
}

func (d *engineDeps) newDASH() *dash.Parser {
	return dash.New(dash.Dependencies{
		Fetcher: d.fetcher,
		Clock:   d.clock,
		Hooks:   d.rec.hooks(),
		Config:  engineConfig(),
		Metrics: d.metrics,
		Stats:   d.stats,
	})
}

func (d *engineDeps) newHLS() *hls.Parser {
	return hls.New(hls.Dependencies{
		Fetcher: d.fetcher,
		Hooks:   d.rec.hooks(),
		Config:  engineConfig(),
		Metrics: d.metrics,
		Stats:   d.stats,
	})
}
