package media

import (
	"math"
	"sync"
	"time"
)

// PresentationTimeline tracks the presentation's duration and, for live
// content, the availability window the origin currently serves. Every
// derived value is a pure function of the stored fields plus the current
// wall clock, recomputed on each call; nothing is cached.
//
// The wall clock is read through a replaceable now function so that a
// clock synchronizer can correct for skew against the origin and tests
// can drive time by hand.
type PresentationTimeline struct {
	mu sync.RWMutex

	static             bool
	duration           float64
	maxSegmentDuration float64
	minUpdatePeriod    float64
	presentationDelay  float64
	timeShiftDepth     float64
	availabilityStart  time.Time
	now                func() time.Time
}

// NewPresentationTimeline creates a timeline anchored at the given
// availability start time. Until told otherwise the presentation is
// dynamic with infinite duration, an unbounded time-shift window, and no
// update period.
func NewPresentationTimeline(availabilityStart time.Time, presentationDelay float64) *PresentationTimeline {
	return &PresentationTimeline{
		duration:          math.Inf(1),
		minUpdatePeriod:   -1,
		timeShiftDepth:    -1,
		presentationDelay: presentationDelay,
		availabilityStart: availabilityStart,
		now:               time.Now,
	}
}

// SetNowFunc replaces the wall-clock source. The clock synchronizer
// installs its skew-corrected clock here.
func (t *PresentationTimeline) SetNowFunc(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// SetStatic marks the presentation as static (on demand) or dynamic (live)
func (t *PresentationTimeline) SetStatic(static bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.static = static
}

// IsLive reports whether the presentation is dynamic
func (t *PresentationTimeline) IsLive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.static
}

// SetDuration sets the presentation duration in seconds.
// Use math.Inf(1) for a live presentation whose last period is open ended.
func (t *PresentationTimeline) SetDuration(d float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.duration = d
}

// Duration returns the presentation duration in seconds, +Inf while live
// content has no declared end.
func (t *PresentationTimeline) Duration() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.duration
}

// NotifyMaxSegmentDuration records an observed segment duration. The
// retained value only grows: an undercount here would shrink the
// availability window and evict segments the origin still serves.
func (t *PresentationTimeline) NotifyMaxSegmentDuration(d float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d > t.maxSegmentDuration {
		t.maxSegmentDuration = d
	}
}

// MaxSegmentDuration returns the largest segment duration seen so far
func (t *PresentationTimeline) MaxSegmentDuration() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxSegmentDuration
}

// SetMinUpdatePeriod stores the source's minimum update period in
// seconds. Negative means the source never asks for updates.
func (t *PresentationTimeline) SetMinUpdatePeriod(s float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.minUpdatePeriod = s
}

// MinUpdatePeriod returns the source's minimum update period in seconds,
// negative when absent.
func (t *PresentationTimeline) MinUpdatePeriod() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.minUpdatePeriod
}

// SetPresentationDelay sets the suggested presentation delay in seconds
func (t *PresentationTimeline) SetPresentationDelay(d float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.presentationDelay = d
}

// PresentationDelay returns the suggested presentation delay in seconds
func (t *PresentationTimeline) PresentationDelay() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.presentationDelay
}

// SetTimeShiftBufferDepth sets how far behind the live edge content
// remains fetchable, in seconds. Negative means unbounded.
func (t *PresentationTimeline) SetTimeShiftBufferDepth(d float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeShiftDepth = d
}

// TimeShiftBufferDepth returns the time-shift buffer depth in seconds,
// negative when unbounded.
func (t *PresentationTimeline) TimeShiftBufferDepth() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.timeShiftDepth
}

// SetAvailabilityStart re-anchors the timeline's availability start time
func (t *PresentationTimeline) SetAvailabilityStart(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.availabilityStart = at
}

// AvailabilityStart returns the wall-clock epoch of presentation time zero
func (t *PresentationTimeline) AvailabilityStart() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.availabilityStart
}

// presentationNow returns seconds of presentation time elapsed at the
// current wall clock. Callers must hold the lock.
func (t *PresentationTimeline) presentationNow() float64 {
	return t.now().Sub(t.availabilityStart).Seconds()
}

// SegmentAvailabilityStart returns the earliest presentation time the
// origin still serves. For live content this trails the clock by the
// time-shift buffer depth plus one segment duration and is never
// negative; static content is available from time zero.
func (t *PresentationTimeline) SegmentAvailabilityStart() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.static || t.timeShiftDepth < 0 {
		return 0
	}
	start := t.presentationNow() - t.timeShiftDepth - t.maxSegmentDuration
	if start < 0 {
		return 0
	}
	return start
}

// SegmentAvailabilityEnd returns the latest presentation time whose
// segment the origin has finished producing. A segment only becomes
// fetchable one full segment duration after its start, so the live edge
// trails the clock by maxSegmentDuration.
func (t *PresentationTimeline) SegmentAvailabilityEnd() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.static {
		return t.duration
	}
	end := t.presentationNow() - t.maxSegmentDuration
	if end < 0 {
		return 0
	}
	if end > t.duration {
		return t.duration
	}
	return end
}

// SeekRangeStart returns the earliest seekable presentation time, pushed
// forward by the given safety delay and never past the seek range end.
func (t *PresentationTimeline) SeekRangeStart(delay float64) float64 {
	start := t.SegmentAvailabilityStart() + delay
	if end := t.SeekRangeEnd(); start > end {
		return end
	}
	return start
}

// SeekRangeEnd returns the latest seekable presentation time: the
// availability end pulled back by the suggested presentation delay.
func (t *PresentationTimeline) SeekRangeEnd() float64 {
	t.mu.RLock()
	static, delay := t.static, t.presentationDelay
	t.mu.RUnlock()

	if static {
		return t.Duration()
	}
	availStart := t.SegmentAvailabilityStart()
	end := t.SegmentAvailabilityEnd() - delay
	if end < availStart {
		return availStart
	}
	return end
}
