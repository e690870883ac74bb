package fetch

import (
	"math"
	"math/rand"
	"time"
)

const (
	backoffMultiplier = 1.7
	// backoffJitterPct spreads delays by ±20% so retries from several
	// parser instances do not land on the origin in lockstep.
	backoffJitterPct = 0.4
)

// backoffConfig calculates exponential retry delays with jitter.
type backoffConfig struct {
	Initial time.Duration
	Max     time.Duration
}

// delay returns the wait before retry number attempt (0-based).
func (b backoffConfig) delay(attempt int) time.Duration {
	d := float64(b.Initial) * math.Pow(backoffMultiplier, float64(attempt))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}

	jitterRange := d * backoffJitterPct
	d += jitterRange*rand.Float64() - jitterRange/2

	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
