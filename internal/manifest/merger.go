package manifest

import (
	"github.com/rs/zerolog"

	"github.com/psychrist666/liveline/internal/logger"
	"github.com/psychrist666/liveline/internal/media"
)

// Merger folds parsed period sequences into the live manifest. It is the
// only writer of the manifest after construction and is driven from the
// single update goroutine, so calls never race each other.
type Merger struct {
	manifest    *Manifest
	hooks       Hooks
	seenRegions map[media.RegionKey]struct{}
	applied     bool
	log         zerolog.Logger
}

// NewMerger creates a merger for the given live manifest
func NewMerger(m *Manifest, hooks Hooks) *Merger {
	return &Merger{
		manifest:    m,
		hooks:       hooks,
		seenRegions: make(map[media.RegionKey]struct{}),
		log:         logger.Component("merger"),
	}
}

// Apply reconciles freshly parsed periods with the live manifest.
//
// The first call installs every period, invoking FilterAllPeriods once
// before exposure. Later calls match each parsed period against the live
// ones: a match merges segment indexes stream by stream and folds in any
// newly declared timeline regions; an unknown period is appended after
// FilterNewPeriod runs. Periods are never removed or reordered.
//
// After all periods are reconciled, every stream's index is evicted
// against the current segment availability start. Returns the number of
// references evicted.
func (g *Merger) Apply(parsed []*Period) int {
	if g.applied {
		g.applyUpdate(parsed)
	} else {
		g.applyFirst(parsed)
	}
	return g.evictAll()
}

func (g *Merger) applyFirst(parsed []*Period) {
	g.applied = true

	if g.hooks.FilterAllPeriods != nil {
		g.hooks.FilterAllPeriods(parsed)
	}
	for _, p := range parsed {
		g.manifest.appendPeriod(p)
		g.raiseRegions(p, p.EventRegions)
	}

	g.log.Debug().
		Int("periods", len(parsed)).
		Msg("Installed initial periods")
}

func (g *Merger) applyUpdate(parsed []*Period) {
	appended := 0
	for _, p := range parsed {
		existing := g.manifest.findPeriod(p)
		if existing == nil {
			if g.hooks.FilterNewPeriod != nil {
				g.hooks.FilterNewPeriod(p)
			}
			g.manifest.appendPeriod(p)
			g.raiseRegions(p, p.EventRegions)
			appended++
			continue
		}

		g.mergePeriod(existing, p)
	}

	if appended > 0 {
		g.log.Debug().
			Int("appended", appended).
			Int("total", g.manifest.PeriodCount()).
			Msg("Update introduced new periods")
	}
}

// mergePeriod folds a re-described period into its live counterpart
func (g *Merger) mergePeriod(existing, parsed *Period) {
	// A later update can settle a previously open duration, e.g. when
	// the following period first appears. The settle goes through the
	// manifest, which republishes the period rather than writing the
	// installed one.
	if parsed.Duration > 0 && parsed.Duration != existing.Duration {
		existing = g.manifest.settlePeriodDuration(existing, parsed.Duration)
	}

	newStreams := parsed.Streams()
	for _, live := range existing.Streams() {
		match := matchStream(live, newStreams)
		if match == nil || match.Index == nil || live.Index == nil {
			continue
		}
		live.Index.Merge(match.Index.References())
	}

	g.raiseRegions(existing, parsed.EventRegions)
}

// matchStream finds the parsed stream corresponding to a live one.
// Stable ids win; sources that regenerate ids fall back to the stream's
// descriptive identity.
func matchStream(live *Stream, candidates []*Stream) *Stream {
	for _, c := range candidates {
		if live.ID != "" && c.ID == live.ID {
			return c
		}
	}
	for _, c := range candidates {
		if c.Type == live.Type && c.MimeType == live.MimeType &&
			c.Bandwidth == live.Bandwidth && c.Language == live.Language {
			return c
		}
	}
	return nil
}

// raiseRegions reports regions not seen in any earlier update, clipped
// to the owning period's end.
func (g *Merger) raiseRegions(owner *Period, regions []media.TimelineRegion) {
	for _, region := range regions {
		key := region.Key()
		if _, ok := g.seenRegions[key]; ok {
			continue
		}
		g.seenRegions[key] = struct{}{}

		if end, known := owner.EndTime(); known && region.EndTime > end {
			region.EndTime = end
		}
		if g.hooks.OnTimelineRegionAdded != nil {
			g.hooks.OnTimelineRegionAdded(region)
		}

		g.log.Debug().
			Str("scheme", region.SchemeIDURI).
			Str("id", region.ID).
			Float64("start", region.StartTime).
			Float64("end", region.EndTime).
			Msg("Timeline region added")
	}
}

// evictAll drops segment references that fell out of the availability
// window. Index times are period relative, so the window start is
// rebased per period.
func (g *Merger) evictAll() int {
	availStart := g.manifest.Timeline.SegmentAvailabilityStart()

	evicted := 0
	for _, p := range g.manifest.Periods() {
		for _, s := range p.Streams() {
			if s.Index == nil {
				continue
			}
			evicted += s.Index.Evict(availStart - p.StartTime)
		}
	}

	if evicted > 0 {
		g.log.Debug().
			Int("evicted", evicted).
			Float64("availability_start", availStart).
			Msg("Evicted unavailable segment references")
	}
	return evicted
}
