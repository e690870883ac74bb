package media

import (
	"math"
	"sync"
)

// SegmentIndex is an ordered collection of segment references keyed by a
// monotonically increasing integer position. Positions are implicit: the
// reference at slice offset i has position firstPosition+i, so numbering
// survives a source that renumbers its segments between updates.
//
// References only ever leave the index through Evict. Merge replaces
// overlapping references and appends new ones but never drops a leading
// reference that the source stopped describing.
type SegmentIndex struct {
	mu            sync.RWMutex
	refs          []*SegmentReference
	firstPosition int
	// evictedBefore is the high-water mark of past evictions. A source
	// that keeps describing an evicted segment must not re-admit it, or
	// position numbering would shift backwards.
	evictedBefore float64
}

// NewSegmentIndex creates an index whose first reference will carry the
// given position (DASH numbering usually starts at startNumber, default 1).
func NewSegmentIndex(firstPosition int) *SegmentIndex {
	return &SegmentIndex{
		firstPosition: firstPosition,
		evictedBefore: math.Inf(-1),
	}
}

// Count returns the number of references currently in the index
func (s *SegmentIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.refs)
}

// FirstPosition returns the position of the earliest retained reference
func (s *SegmentIndex) FirstPosition() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstPosition
}

// Get returns the reference at the given position
func (s *SegmentIndex) Get(position int) (*SegmentReference, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := position - s.firstPosition
	if i < 0 || i >= len(s.refs) {
		return nil, false
	}
	return s.refs[i], true
}

// Find returns the position of the segment containing the given
// presentation time. Times before the earliest retained reference clamp
// to that reference's position; times at or past the end of the last
// reference report ok=false.
func (s *SegmentIndex) Find(t float64) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i, ref := range s.refs {
		if ref.EndTime > t {
			return s.firstPosition + i, true
		}
	}
	return 0, false
}

// Merge reconciles a freshly parsed reference sequence for the same
// stream with the existing one. Matching is by time overlap, not by
// position: existing references that end before the new sequence begins
// are retained (they aged out of the source's window but stay until
// evicted), and every reference overlapping the new sequence in time is
// replaced by its new version. Merging the same sequence twice is a
// no-op. An empty sequence is ignored.
func (s *SegmentIndex) Merge(newRefs []*SegmentReference) {
	if len(newRefs) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Skip re-descriptions of references eviction already removed.
	skip := 0
	for skip < len(newRefs) && newRefs[skip].EndTime <= s.evictedBefore+timeTolerance {
		skip++
	}
	newRefs = newRefs[skip:]
	if len(newRefs) == 0 {
		return
	}

	firstNewStart := newRefs[0].StartTime

	// Retain the prefix of existing references that ended before the new
	// sequence starts.
	keep := 0
	for keep < len(s.refs) && s.refs[keep].EndTime <= firstNewStart+timeTolerance {
		keep++
	}

	merged := make([]*SegmentReference, 0, keep+len(newRefs))
	merged = append(merged, s.refs[:keep]...)
	merged = append(merged, newRefs...)
	s.refs = merged
}

// Evict drops every leading reference whose end time is at or before the
// availability start. This is the only path by which references leave
// the index. Returns the number of references dropped.
func (s *SegmentIndex) Evict(availabilityStart float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if availabilityStart > s.evictedBefore {
		s.evictedBefore = availabilityStart
	}

	dropped := 0
	for dropped < len(s.refs) && s.refs[dropped].EndTime <= availabilityStart {
		dropped++
	}
	if dropped > 0 {
		s.refs = s.refs[dropped:]
		s.firstPosition += dropped
	}
	return dropped
}

// References returns a snapshot of the retained references in position order
func (s *SegmentIndex) References() []*SegmentReference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*SegmentReference, len(s.refs))
	copy(out, s.refs)
	return out
}

// ForEach calls fn for every reference in position order
func (s *SegmentIndex) ForEach(fn func(position int, ref *SegmentReference)) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i, ref := range s.refs {
		fn(s.firstPosition+i, ref)
	}
}

// Bounds returns the time range covered by the retained references
func (s *SegmentIndex) Bounds() (start, end float64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.refs) == 0 {
		return 0, 0, false
	}
	return s.refs[0].StartTime, s.refs[len(s.refs)-1].EndTime, true
}

// timeTolerance absorbs floating point error when comparing segment
// boundaries from timescale division.
const timeTolerance = 1e-6
