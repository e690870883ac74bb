package manifest

import (
	"github.com/psychrist666/liveline/internal/media"
)

// Hooks bundles the side-effecting callbacks the engine's owner supplies.
// Each field is a plain function; nil fields are skipped. The engine
// proceeds regardless of what the callbacks do, but it guarantees their
// ordering contract: the filter hooks run before a period becomes
// visible to readers, FilterAllPeriods fires exactly once after the
// first parse, FilterNewPeriod fires once per period a later update
// introduces, and OnTimelineRegionAdded fires at most once per unique
// region in discovery order.
type Hooks struct {
	FilterAllPeriods      func(periods []*Period)
	FilterNewPeriod       func(period *Period)
	OnTimelineRegionAdded func(region media.TimelineRegion)
	// OnError receives non-fatal update failures. The initial parse
	// failure is returned from Start instead.
	OnError func(err error)
}
