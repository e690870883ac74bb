// Package manifest defines the engine's view of a parsed presentation:
// periods, variants, and streams, plus the merger that folds freshly
// parsed updates into the live manifest without duplicating periods,
// segments, or timeline events.
package manifest

import (
	"sync"

	"github.com/psychrist666/liveline/internal/media"
)

// StreamType classifies a stream's content
type StreamType string

const (
	StreamTypeAudio StreamType = "audio"
	StreamTypeVideo StreamType = "video"
	StreamTypeText  StreamType = "text"
)

// Stream is a single audio, video, or text track with its segment index
type Stream struct {
	ID        string
	Type      StreamType
	MimeType  string
	Codecs    string
	Bandwidth uint32
	Language  string
	// InitURIs locate the initialization segment, empty for
	// self-initializing formats.
	InitURIs []string
	Index    *media.SegmentIndex
}

// Variant is an audio+video pairing selectable as a unit
type Variant struct {
	ID        string
	Bandwidth uint32
	Audio     *Stream
	Video     *Stream
}

// Period is a time-bounded section of the presentation with its own
// tracks. Periods are appended in start order and never removed; only
// their segment content ages out of the availability window. An
// installed period is never written in place: the merger republishes a
// copy to settle an open duration, so a snapshot from Periods stays
// consistent however long the caller holds it.
type Period struct {
	ID string
	// StartTime is in seconds from presentation start.
	StartTime float64
	// Duration is in seconds; 0 means open ended (the last period of a
	// live presentation).
	Duration    float64
	Variants    []*Variant
	TextStreams []*Stream
	// EventRegions carries the timeline events this period declared in
	// the source, in document order. The merger de-duplicates them
	// across updates.
	EventRegions []media.TimelineRegion
}

// EndTime returns the period's end in presentation seconds and whether
// the end is known.
func (p *Period) EndTime() (float64, bool) {
	if p.Duration <= 0 {
		return 0, false
	}
	return p.StartTime + p.Duration, true
}

// Streams returns every distinct stream in the period
func (p *Period) Streams() []*Stream {
	seen := make(map[*Stream]struct{})
	out := make([]*Stream, 0, len(p.Variants)*2+len(p.TextStreams))
	add := func(s *Stream) {
		if s == nil {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, v := range p.Variants {
		add(v.Audio)
		add(v.Video)
	}
	for _, s := range p.TextStreams {
		add(s)
	}
	return out
}

// PresentationType distinguishes on-demand from live content
type PresentationType string

const (
	TypeStatic  PresentationType = "static"
	TypeDynamic PresentationType = "dynamic"
)

// Manifest is the live manifest object. It is created once per parser
// start and mutated only by the owning parser and its Merger; readers
// may access it concurrently and never observe a partially merged
// period.
type Manifest struct {
	Timeline *media.PresentationTimeline

	mu            sync.RWMutex
	typ           PresentationType
	minBufferTime float64
	periods       []*Period
}

// New creates an empty manifest around the given timeline
func New(timeline *media.PresentationTimeline) *Manifest {
	return &Manifest{
		Timeline: timeline,
		typ:      TypeStatic,
	}
}

// Type returns the presentation type
func (m *Manifest) Type() PresentationType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.typ
}

// SetType records the presentation type. A live source transitions
// dynamic to static when it ends; the reverse never happens.
func (m *Manifest) SetType(t PresentationType) {
	m.mu.Lock()
	m.typ = t
	m.mu.Unlock()
}

// IsLive reports whether the manifest describes dynamic content
func (m *Manifest) IsLive() bool {
	return m.Type() == TypeDynamic
}

// MinBufferTime returns the source's minimum buffer hint in seconds,
// zero when the source carries none.
func (m *Manifest) MinBufferTime() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.minBufferTime
}

// SetMinBufferTime records the source's minimum buffer hint
func (m *Manifest) SetMinBufferTime(v float64) {
	m.mu.Lock()
	m.minBufferTime = v
	m.mu.Unlock()
}

// Periods returns a snapshot of the period list in start order
func (m *Manifest) Periods() []*Period {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Period, len(m.periods))
	copy(out, m.periods)
	return out
}

// PeriodCount returns the number of periods
func (m *Manifest) PeriodCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.periods)
}

// appendPeriod adds a period at the end of the sequence
func (m *Manifest) appendPeriod(p *Period) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.periods = append(m.periods, p)
}

// settlePeriodDuration republishes an installed period with the given
// duration and returns the replacement. The period is swapped for a
// copy under the lock, never written in place, so readers holding an
// earlier snapshot are unaffected.
func (m *Manifest) settlePeriodDuration(p *Period, d float64) *Period {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, installed := range m.periods {
		if installed != p {
			continue
		}
		next := *p
		next.Duration = d
		m.periods[i] = &next
		return &next
	}
	return p
}

// findPeriod locates a live period matching the parsed period's
// identity: the stable source id when present, otherwise the start time
// within tolerance.
func (m *Manifest) findPeriod(parsed *Period) *Period {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, existing := range m.periods {
		if parsed.ID != "" && existing.ID == parsed.ID {
			return existing
		}
		if parsed.ID == "" && existing.ID == "" &&
			abs(existing.StartTime-parsed.StartTime) < periodStartTolerance {
			return existing
		}
	}
	return nil
}

// periodStartTolerance allows for rounding drift when a source omits
// period ids and periods must be matched by start time.
const periodStartTolerance = 0.001

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
