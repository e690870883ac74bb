// Package stats aggregates manifest update latencies into streaming
// quantile estimates for status reporting. A nil *Aggregator is valid
// and records nothing.
package stats

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

// Snapshot is a point-in-time view of update latency distribution.
// Quantiles are in seconds and NaN until the first observation.
type Snapshot struct {
	Count    int64
	Failures int64
	P50      float64
	P90      float64
	P99      float64
}

// Aggregator folds update durations into a t-digest so quantiles stay
// cheap to read no matter how long the engine runs.
type Aggregator struct {
	mu       sync.Mutex
	digest   *tdigest.TDigest
	count    int64
	failures int64
}

func New() *Aggregator {
	return &Aggregator{
		digest: tdigest.NewWithCompression(100),
	}
}

// ObserveUpdate records one successful update round trip.
func (a *Aggregator) ObserveUpdate(d time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.digest.Add(d.Seconds(), 1)
	a.count++
}

// RecordFailure counts an update attempt that did not produce a
// manifest.
func (a *Aggregator) RecordFailure() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures++
}

func (a *Aggregator) Snapshot() Snapshot {
	if a == nil {
		return Snapshot{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		Count:    a.count,
		Failures: a.failures,
		P50:      a.digest.Quantile(0.50),
		P90:      a.digest.Quantile(0.90),
		P99:      a.digest.Quantile(0.99),
	}
}
