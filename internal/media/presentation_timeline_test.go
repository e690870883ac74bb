package media

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// manualClock drives a timeline by hand in tests
type manualClock struct {
	now time.Time
}

func newManualClock(now time.Time) *manualClock {
	return &manualClock{now: now}
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newLiveTimeline(clock *manualClock, availabilityStart time.Time) *PresentationTimeline {
	tl := NewPresentationTimeline(availabilityStart, 0)
	tl.SetNowFunc(clock.Now)
	return tl
}

func TestPresentationTimeline_DefaultsToLiveWithInfiniteDuration(t *testing.T) {
	tl := NewPresentationTimeline(time.Now(), 0)

	assert.True(t, tl.IsLive())
	assert.True(t, math.IsInf(tl.Duration(), 1))
	assert.Less(t, tl.MinUpdatePeriod(), 0.0)
}

func TestPresentationTimeline_StaticWindowSpansDuration(t *testing.T) {
	tl := NewPresentationTimeline(time.Now(), 0)
	tl.SetStatic(true)
	tl.SetDuration(120)

	assert.Equal(t, 0.0, tl.SegmentAvailabilityStart())
	assert.Equal(t, 120.0, tl.SegmentAvailabilityEnd())
	assert.Equal(t, 120.0, tl.SeekRangeEnd())
	assert.Equal(t, 0.0, tl.SeekRangeStart(0))
}

func TestPresentationTimeline_AvailabilityStartNeverNegative(t *testing.T) {
	epoch := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newManualClock(epoch)
	tl := newLiveTimeline(clock, epoch)
	tl.SetTimeShiftBufferDepth(1)
	tl.NotifyMaxSegmentDuration(10)

	// At t=0 the raw window start would be -11
	assert.Equal(t, 0.0, tl.SegmentAvailabilityStart())
}

func TestPresentationTimeline_AvailabilityWindowAdvances(t *testing.T) {
	epoch := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newManualClock(epoch)
	tl := newLiveTimeline(clock, epoch)
	tl.SetTimeShiftBufferDepth(1)
	tl.NotifyMaxSegmentDuration(10)

	clock.Advance(30 * time.Second)

	// start = 30 - 1 - 10, end = 30 - 10
	assert.InDelta(t, 19.0, tl.SegmentAvailabilityStart(), 1e-9)
	assert.InDelta(t, 20.0, tl.SegmentAvailabilityEnd(), 1e-9)
}

func TestPresentationTimeline_AvailabilityStartMonotonic(t *testing.T) {
	epoch := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newManualClock(epoch)
	tl := newLiveTimeline(clock, epoch)
	tl.SetTimeShiftBufferDepth(30)
	tl.NotifyMaxSegmentDuration(4)

	prev := tl.SegmentAvailabilityStart()
	for i := 0; i < 100; i++ {
		clock.Advance(1700 * time.Millisecond)
		cur := tl.SegmentAvailabilityStart()
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestPresentationTimeline_InfiniteDepthPinsWindowStart(t *testing.T) {
	epoch := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newManualClock(epoch)
	tl := newLiveTimeline(clock, epoch)
	tl.NotifyMaxSegmentDuration(4)

	clock.Advance(12 * time.Hour)

	assert.Equal(t, 0.0, tl.SegmentAvailabilityStart())
}

func TestPresentationTimeline_AvailabilityEndClampedToDuration(t *testing.T) {
	epoch := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newManualClock(epoch)
	tl := newLiveTimeline(clock, epoch)
	tl.SetDuration(60)
	tl.NotifyMaxSegmentDuration(4)

	clock.Advance(10 * time.Minute)

	assert.Equal(t, 60.0, tl.SegmentAvailabilityEnd())
}

func TestPresentationTimeline_SeekRange(t *testing.T) {
	epoch := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newManualClock(epoch)
	tl := newLiveTimeline(clock, epoch)
	tl.SetTimeShiftBufferDepth(20)
	tl.SetPresentationDelay(10)
	tl.NotifyMaxSegmentDuration(2)

	clock.Advance(60 * time.Second)

	// availability window is [38, 58]; seek end trails by the delay
	assert.InDelta(t, 48.0, tl.SeekRangeEnd(), 1e-9)
	assert.InDelta(t, 40.0, tl.SeekRangeStart(2), 1e-9)
}

func TestPresentationTimeline_SeekRangeEndNeverBeforeStart(t *testing.T) {
	epoch := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newManualClock(epoch)
	tl := newLiveTimeline(clock, epoch)
	tl.SetTimeShiftBufferDepth(1)
	tl.SetPresentationDelay(100)
	tl.NotifyMaxSegmentDuration(2)

	clock.Advance(10 * time.Second)

	start := tl.SegmentAvailabilityStart()
	assert.Equal(t, start, tl.SeekRangeEnd())
	assert.Equal(t, start, tl.SeekRangeStart(50))
}

func TestPresentationTimeline_MaxSegmentDurationOnlyGrows(t *testing.T) {
	tl := NewPresentationTimeline(time.Now(), 0)

	tl.NotifyMaxSegmentDuration(6)
	tl.NotifyMaxSegmentDuration(4)

	assert.Equal(t, 6.0, tl.MaxSegmentDuration())

	tl.NotifyMaxSegmentDuration(15)
	assert.Equal(t, 15.0, tl.MaxSegmentDuration())
}

func TestPresentationTimeline_ClockOffsetShiftsWindow(t *testing.T) {
	epoch := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newManualClock(epoch.Add(40 * time.Second))
	tl := newLiveTimeline(clock, epoch)
	tl.SetTimeShiftBufferDepth(5)
	tl.NotifyMaxSegmentDuration(5)

	base := tl.SegmentAvailabilityEnd()

	// A synchronizer that learns the origin runs 10s ahead installs a
	// corrected clock; the window shifts with it.
	tl.SetNowFunc(func() time.Time { return clock.Now().Add(10 * time.Second) })

	assert.InDelta(t, base+10, tl.SegmentAvailabilityEnd(), 1e-9)
}
