package media

// TimelineRegion is a time-bounded event on the presentation timeline,
// carried by the manifest (a DASH EventStream event or equivalent).
type TimelineRegion struct {
	SchemeIDURI string
	Value       string
	ID          string
	// StartTime and EndTime are in presentation seconds. EndTime is
	// clipped so it never exceeds the owning period's end even when the
	// source declares a longer duration.
	StartTime float64
	EndTime   float64
	// Payload carries the raw event body, uninterpreted.
	Payload string
}

// RegionKey identifies a region for de-duplication. An update that
// re-describes an already-raised region must not raise it again.
type RegionKey struct {
	SchemeIDURI string
	ID          string
	StartTime   float64
}

// Key returns the region's de-duplication identity
func (r TimelineRegion) Key() RegionKey {
	return RegionKey{
		SchemeIDURI: r.SchemeIDURI,
		ID:          r.ID,
		StartTime:   r.StartTime,
	}
}
