// Package metrics exposes Prometheus collectors for the manifest engine.
// A nil *Metrics is valid and records nothing, so callers never need to
// guard instrumentation sites.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values for update and sync counters.
const (
	ResultSuccess     = "success"
	ResultNotModified = "not_modified"
	ResultError       = "error"
)

// Metrics holds Prometheus counters and gauges for the manifest engine.
type Metrics struct {
	registry                *prometheus.Registry
	manifestUpdatesTotal    *prometheus.CounterVec
	manifestRequestDuration prometheus.Histogram
	fetchAttemptsTotal      *prometheus.CounterVec
	clockSyncTotal          *prometheus.CounterVec
	clockOffsetSeconds      prometheus.Gauge
	periods                 prometheus.Gauge
	segmentsEvictedTotal    prometheus.Counter
	timelineRegionsTotal    prometheus.Counter
	availabilityWindow      *prometheus.GaugeVec
}

// New creates and registers Prometheus metrics for the manifest engine.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	manifestUpdatesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liveline_manifest_updates_total",
		Help: "Total number of manifest update attempts by result",
	}, []string{"result"})
	manifestRequestDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "liveline_manifest_request_duration_seconds",
		Help:    "Duration of manifest fetch plus parse plus merge",
		Buckets: prometheus.DefBuckets,
	})
	fetchAttemptsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liveline_fetch_attempts_total",
		Help: "Total number of individual fetch attempts by resource type and outcome",
	}, []string{"type", "outcome"})
	clockSyncTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liveline_clock_sync_total",
		Help: "Total number of clock synchronization attempts by result",
	}, []string{"result"})
	clockOffsetSeconds := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "liveline_clock_offset_seconds",
		Help: "Current server minus local clock offset",
	})
	periods := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "liveline_periods",
		Help: "Number of periods in the live manifest",
	})
	segmentsEvictedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "liveline_segments_evicted_total",
		Help: "Total number of segment references evicted from the availability window",
	})
	timelineRegionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "liveline_timeline_regions_total",
		Help: "Total number of distinct timeline regions raised",
	})
	availabilityWindow := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "liveline_availability_window_seconds",
		Help: "Segment availability window edges in presentation time",
	}, []string{"edge"})

	registry.MustRegister(
		manifestUpdatesTotal,
		manifestRequestDuration,
		fetchAttemptsTotal,
		clockSyncTotal,
		clockOffsetSeconds,
		periods,
		segmentsEvictedTotal,
		timelineRegionsTotal,
		availabilityWindow,
	)

	return &Metrics{
		registry:                registry,
		manifestUpdatesTotal:    manifestUpdatesTotal,
		manifestRequestDuration: manifestRequestDuration,
		fetchAttemptsTotal:      fetchAttemptsTotal,
		clockSyncTotal:          clockSyncTotal,
		clockOffsetSeconds:      clockOffsetSeconds,
		periods:                 periods,
		segmentsEvictedTotal:    segmentsEvictedTotal,
		timelineRegionsTotal:    timelineRegionsTotal,
		availabilityWindow:      availabilityWindow,
	}
}

// RecordUpdate increments the update counter for the given result label.
func (m *Metrics) RecordUpdate(result string) {
	if m == nil {
		return
	}
	m.manifestUpdatesTotal.WithLabelValues(result).Inc()
}

// ObserveUpdateDuration records one update round-trip duration.
func (m *Metrics) ObserveUpdateDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.manifestRequestDuration.Observe(d.Seconds())
}

// RecordFetchAttempt increments the fetch attempt counter. The type label
// comes from fetch.RequestType.String.
func (m *Metrics) RecordFetchAttempt(resourceType string, ok bool) {
	if m == nil {
		return
	}
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	m.fetchAttemptsTotal.WithLabelValues(resourceType, outcome).Inc()
}

// RecordClockSync increments the sync counter for the given result label.
func (m *Metrics) RecordClockSync(result string) {
	if m == nil {
		return
	}
	m.clockSyncTotal.WithLabelValues(result).Inc()
}

// SetClockOffset sets the current clock offset gauge.
func (m *Metrics) SetClockOffset(offset time.Duration) {
	if m == nil {
		return
	}
	m.clockOffsetSeconds.Set(offset.Seconds())
}

// SetPeriods sets the period count gauge.
func (m *Metrics) SetPeriods(n int) {
	if m == nil {
		return
	}
	m.periods.Set(float64(n))
}

// AddEvictedSegments adds to the evicted segments counter.
func (m *Metrics) AddEvictedSegments(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.segmentsEvictedTotal.Add(float64(n))
}

// IncTimelineRegions increments the timeline regions counter.
func (m *Metrics) IncTimelineRegions() {
	if m == nil {
		return
	}
	m.timelineRegionsTotal.Inc()
}

// SetAvailabilityWindow sets the availability window edge gauges.
func (m *Metrics) SetAvailabilityWindow(start, end float64) {
	if m == nil {
		return
	}
	m.availabilityWindow.WithLabelValues("start").Set(start)
	m.availabilityWindow.WithLabelValues("end").Set(end)
}

// Handler returns an http.Handler that serves the Prometheus registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
