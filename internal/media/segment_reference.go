// Package media provides the segment-level data model for adaptive
// streaming: segment references, per-stream segment indexes, the
// presentation timeline with its live availability window, and timeline
// region events.
package media

// SegmentReference points at one fetchable media segment.
type SegmentReference struct {
	// StartTime and EndTime are in seconds relative to the owning
	// period's start. References are contiguous: the next reference
	// starts where this one ends unless the source declares a gap.
	StartTime float64
	EndTime   float64

	// GetURIs resolves the fetchable URIs for this segment at request
	// time. Resolution is deferred because the base URI may change when
	// a manifest fetch is redirected.
	GetURIs func() []string
}

// Duration returns the reference's duration in seconds
func (r *SegmentReference) Duration() float64 {
	return r.EndTime - r.StartTime
}

// URIs resolves and returns the segment's URIs, or nil when no resolver is set
func (r *SegmentReference) URIs() []string {
	if r.GetURIs == nil {
		return nil
	}
	return r.GetURIs()
}
