package dash

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	m "github.com/Eyevinn/dash-mpd/mpd"
	"github.com/rs/zerolog"

	"github.com/psychrist666/liveline/internal/clock"
	"github.com/psychrist666/liveline/internal/manifest"
	"github.com/psychrist666/liveline/internal/media"
)

// document is everything one MPD fetch contributes to the engine:
// converted periods plus the presentation-level attributes that drive
// the timeline and the update scheduler. Durations in seconds; a
// negative value means the attribute was absent.
type document struct {
	periods []*manifest.Period
	dynamic bool

	availabilityStart          time.Time
	minimumUpdatePeriod        float64
	timeShiftBufferDepth       float64
	suggestedPresentationDelay float64
	mediaPresentationDuration  float64
	maxSegmentDuration         float64
	minBufferTime              float64

	timingSources []clock.Source
	locations     []string
}

// converter carries the per-fetch inputs through period conversion.
type converter struct {
	baseURI string
	// nowPresentation is the synchronized clock expressed in seconds of
	// presentation time. Open-ended repeats and fixed-duration live
	// grids expand up to this edge.
	nowPresentation float64
	windowStart     float64
	log             zerolog.Logger

	maxSegDur float64
}

// convertMPD turns a parsed MPD into the engine's model. baseURI is the
// post-redirect location of the document; now is the synchronized wall
// clock.
func convertMPD(doc *m.MPD, baseURI string, now time.Time, log zerolog.Logger) (*document, error) {
	if doc == nil {
		return nil, ErrNoMPD
	}
	if len(doc.Periods) == 0 {
		return nil, fmt.Errorf("%w: no periods", ErrBadManifest)
	}

	out := &document{
		dynamic:                    isDynamic(doc),
		minimumUpdatePeriod:        durationSeconds(doc.MinimumUpdatePeriod),
		timeShiftBufferDepth:       durationSeconds(doc.TimeShiftBufferDepth),
		suggestedPresentationDelay: durationSeconds(doc.SuggestedPresentationDelay),
		mediaPresentationDuration:  durationSeconds(doc.MediaPresentationDuration),
		maxSegmentDuration:         durationSeconds(doc.MaxSegmentDuration),
		minBufferTime:              durationSeconds(doc.MinBufferTime),
		timingSources:              timingSources(doc, baseURI),
	}

	if doc.AvailabilityStartTime != "" {
		seconds, err := doc.AvailabilityStartTime.ConvertToSeconds()
		if err != nil {
			return nil, fmt.Errorf("%w: availabilityStartTime: %v", ErrBadManifest, err)
		}
		out.availabilityStart = time.UnixMilli(int64(seconds * 1000)).UTC()
	}
	if out.dynamic && out.availabilityStart.IsZero() {
		log.Warn().Msg("dynamic manifest without availabilityStartTime, anchoring at now")
		out.availabilityStart = now
	}

	for _, loc := range doc.Location {
		if loc == nil || loc.Value == "" {
			continue
		}
		out.locations = append(out.locations, resolveAgainst([]string{baseURI}, loc.Value)...)
	}

	c := &converter{
		baseURI: baseURI,
		log:     log,
	}
	if out.dynamic {
		c.nowPresentation = now.Sub(out.availabilityStart).Seconds()
		c.windowStart = c.nowPresentation
		if out.timeShiftBufferDepth >= 0 {
			c.windowStart -= out.timeShiftBufferDepth
		}
		if out.maxSegmentDuration > 0 {
			c.windowStart -= out.maxSegmentDuration
		}
		if c.windowStart < 0 {
			c.windowStart = 0
		}
	}

	mpdBases := resolveBases([]string{baseURI}, doc.BaseURL)
	starts := periodStarts(doc.Periods, out.mediaPresentationDuration)
	for i, p := range doc.Periods {
		converted, err := c.convertPeriod(p, starts[i], periodDuration(doc.Periods, i, starts, out.mediaPresentationDuration), mpdBases, out.dynamic)
		if err != nil {
			return nil, err
		}
		out.periods = append(out.periods, converted)
	}

	if out.maxSegmentDuration < 0 && c.maxSegDur > 0 {
		out.maxSegmentDuration = c.maxSegDur
	}
	return out, nil
}

// periodStarts resolves each period's start in presentation seconds.
// Explicit starts win; otherwise a period begins where the previous one
// ends, and the first period begins at zero.
func periodStarts(periods []*m.Period, mediaDuration float64) []float64 {
	starts := make([]float64, len(periods))
	for i, p := range periods {
		switch {
		case p.Start != nil:
			starts[i] = time.Duration(*p.Start).Seconds()
		case i == 0:
			starts[i] = 0
		default:
			prev := periods[i-1]
			if prev.Duration != nil {
				starts[i] = starts[i-1] + time.Duration(*prev.Duration).Seconds()
			} else {
				starts[i] = starts[i-1]
			}
		}
	}
	return starts
}

// periodDuration resolves the duration of period i in seconds, 0 when
// open ended. Priority: explicit duration, gap to the next period's
// start, remainder of the media presentation duration.
func periodDuration(periods []*m.Period, i int, starts []float64, mediaDuration float64) float64 {
	p := periods[i]
	if p.Duration != nil {
		return time.Duration(*p.Duration).Seconds()
	}
	if i+1 < len(periods) {
		if d := starts[i+1] - starts[i]; d > 0 {
			return d
		}
		return 0
	}
	if mediaDuration >= 0 {
		if d := mediaDuration - starts[i]; d > 0 {
			return d
		}
	}
	return 0
}

// convertPeriod builds one manifest period with its variants, text
// streams, and timeline regions.
func (c *converter) convertPeriod(p *m.Period, start, duration float64, inheritedBases []string, dynamic bool) (*manifest.Period, error) {
	out := &manifest.Period{
		ID:        p.Id,
		StartTime: start,
		Duration:  duration,
	}
	bases := resolveBases(inheritedBases, p.BaseURLs)

	var audio, video, text []*manifest.Stream
	for _, as := range p.AdaptationSets {
		if as == nil {
			continue
		}
		streams, err := c.convertAdaptationSet(as, out, bases, dynamic)
		if err != nil {
			return nil, err
		}
		for _, s := range streams {
			switch s.Type {
			case manifest.StreamTypeAudio:
				audio = append(audio, s)
			case manifest.StreamTypeVideo:
				video = append(video, s)
			case manifest.StreamTypeText:
				text = append(text, s)
			}
		}
	}

	out.Variants = pairVariants(audio, video)
	out.TextStreams = text
	out.EventRegions = convertEventStreams(p, start, duration)
	return out, nil
}

// convertAdaptationSet builds one stream per representation.
func (c *converter) convertAdaptationSet(as *m.AdaptationSetType, period *manifest.Period, inheritedBases []string, dynamic bool) ([]*manifest.Stream, error) {
	asBases := resolveBases(inheritedBases, as.BaseURLs)
	streamType := classifyContent(as)
	if streamType == "" {
		c.log.Debug().Str("mimeType", as.MimeType).Msg("skipping adaptation set with unknown content type")
		return nil, nil
	}

	var streams []*manifest.Stream
	for _, rep := range as.Representations {
		if rep == nil {
			continue
		}
		st := as.SegmentTemplate
		if rep.SegmentTemplate != nil {
			st = rep.SegmentTemplate
		}
		if st == nil {
			c.log.Debug().Str("rep", rep.Id).Msg("skipping representation without segment template")
			continue
		}

		repBases := resolveBases(asBases, rep.BaseURLs)
		mimeType := as.MimeType
		if rep.MimeType != "" {
			mimeType = rep.MimeType
		}
		codecs := as.Codecs
		if rep.Codecs != "" {
			codecs = rep.Codecs
		}

		stream := &manifest.Stream{
			ID:        rep.Id,
			Type:      streamType,
			MimeType:  mimeType,
			Codecs:    codecs,
			Bandwidth: rep.Bandwidth,
			Language:  as.Lang,
		}
		if st.Initialization != "" {
			stream.InitURIs = resolveAgainst(repBases, fillTemplate(st.Initialization, rep.Id, rep.Bandwidth, 0, 0))
		}

		refs, startNumber, err := c.buildReferences(st, rep.Id, rep.Bandwidth, repBases, period, dynamic)
		if err != nil {
			return nil, fmt.Errorf("%w: representation %s: %v", ErrBadManifest, rep.Id, err)
		}
		stream.Index = media.NewSegmentIndex(startNumber)
		stream.Index.Merge(refs)
		streams = append(streams, stream)
	}
	return streams, nil
}

// buildReferences expands a segment template into concrete references,
// period-relative times in seconds. Returns the refs plus the position
// of the first one.
func (c *converter) buildReferences(st *m.SegmentTemplateType, repID string, bandwidth uint32, bases []string, period *manifest.Period, dynamic bool) ([]*media.SegmentReference, int, error) {
	timescale := float64(st.GetTimescale())
	if timescale <= 0 {
		timescale = 1
	}
	var pto uint64
	if st.PresentationTimeOffset != nil {
		pto = *st.PresentationTimeOffset
	}
	startNumber := uint64(1)
	if st.StartNumber != nil {
		startNumber = uint64(*st.StartNumber)
	}
	mediaTpl := st.Media
	if mediaTpl == "" {
		return nil, 0, fmt.Errorf("segment template without media attribute")
	}
	if !hasTemplateIdentifier(mediaTpl, "Number") && !hasTemplateIdentifier(mediaTpl, "Time") {
		c.log.Debug().Str("template", mediaTpl).Msg("media template has no varying identifier, all segments share one url")
	}

	if st.SegmentTimeline != nil && len(st.SegmentTimeline.S) > 0 {
		refs := c.expandTimeline(st.SegmentTimeline.S, timescale, pto, startNumber, mediaTpl, repID, bandwidth, bases, period, dynamic)
		return refs, int(startNumber), nil
	}
	if st.Duration != nil && *st.Duration > 0 {
		refs, first := c.expandFixedDuration(uint64(*st.Duration), timescale, pto, startNumber, mediaTpl, repID, bandwidth, bases, period, dynamic)
		return refs, first, nil
	}
	return nil, 0, fmt.Errorf("segment template carries neither timeline nor duration")
}

// expandTimeline walks SegmentTimeline S entries. r=-1 repeats until
// the next entry's t, the period end, or the live edge.
func (c *converter) expandTimeline(entries []*m.S, timescale float64, pto, startNumber uint64, mediaTpl, repID string, bandwidth uint32, bases []string, period *manifest.Period, dynamic bool) []*media.SegmentReference {
	limitTicks := c.expansionLimitTicks(timescale, pto, period, dynamic)

	var refs []*media.SegmentReference
	number := startNumber
	var t uint64
	for i, e := range entries {
		if e == nil || e.D == 0 {
			continue
		}
		if e.T != nil {
			t = *e.T
		}

		repeat := int64(e.R)
		if repeat < 0 {
			var until uint64
			if i+1 < len(entries) && entries[i+1].T != nil {
				until = *entries[i+1].T
			} else {
				until = limitTicks
			}
			if until <= t {
				continue
			}
			repeat = int64((until-t+e.D-1)/e.D) - 1
		}

		for k := int64(0); k <= repeat; k++ {
			refs = append(refs, c.newReference(t, e.D, timescale, pto, number, mediaTpl, repID, bandwidth, bases))
			t += e.D
			number++
		}
	}
	return refs
}

// expandFixedDuration lays out an arithmetic grid of equal segments.
// For live content only the part inside the availability window is
// materialized; numbering stays anchored to startNumber so positions
// remain stable across updates.
func (c *converter) expandFixedDuration(durTicks uint64, timescale float64, pto, startNumber uint64, mediaTpl, repID string, bandwidth uint32, bases []string, period *manifest.Period, dynamic bool) ([]*media.SegmentReference, int) {
	segDur := float64(durTicks) / timescale

	firstIndex := uint64(0)
	lastEdge := period.Duration
	if dynamic && period.Duration <= 0 {
		edge := c.nowPresentation - period.StartTime
		if edge < 0 {
			edge = 0
		}
		lastEdge = edge

		windowStart := c.windowStart - period.StartTime
		if windowStart > 0 {
			firstIndex = uint64(windowStart / segDur)
		}
	}
	if lastEdge <= 0 {
		return nil, int(startNumber)
	}

	count := uint64(lastEdge / segDur)
	if !dynamic || period.Duration > 0 {
		// Cover a trailing partial segment of a bounded period
		if float64(count)*segDur < lastEdge {
			count++
		}
	}

	var refs []*media.SegmentReference
	for k := firstIndex; k < count; k++ {
		t := pto + k*durTicks
		refs = append(refs, c.newReference(t, durTicks, timescale, pto, startNumber+k, mediaTpl, repID, bandwidth, bases))
	}
	// A bounded period can end mid-segment; the last reference stops at
	// the period end rather than the full grid step.
	if n := len(refs); n > 0 && period.Duration > 0 && refs[n-1].EndTime > lastEdge {
		refs[n-1].EndTime = lastEdge
	}
	return refs, int(startNumber + firstIndex)
}

// newReference creates one segment reference with lazy URI resolution.
func (c *converter) newReference(t, d uint64, timescale float64, pto, number uint64, mediaTpl, repID string, bandwidth uint32, bases []string) *media.SegmentReference {
	start := (float64(t) - float64(pto)) / timescale
	end := (float64(t+d) - float64(pto)) / timescale
	if dur := end - start; dur > c.maxSegDur {
		c.maxSegDur = dur
	}

	mediaTime := t
	return &media.SegmentReference{
		StartTime: start,
		EndTime:   end,
		GetURIs: func() []string {
			return resolveAgainst(bases, fillTemplate(mediaTpl, repID, bandwidth, number, mediaTime))
		},
	}
}

// expansionLimitTicks bounds open repeats: the period end when known,
// otherwise the live edge.
func (c *converter) expansionLimitTicks(timescale float64, pto uint64, period *manifest.Period, dynamic bool) uint64 {
	var limit float64
	switch {
	case period.Duration > 0:
		limit = period.Duration
	case dynamic:
		limit = c.nowPresentation - period.StartTime
	default:
		return 0
	}
	if limit <= 0 {
		return 0
	}
	return uint64(limit*timescale) + pto
}

// pairVariants combines audio and video streams into selectable
// variants. Video-only and audio-only content yields single-stream
// variants.
func pairVariants(audio, video []*manifest.Stream) []*manifest.Variant {
	var variants []*manifest.Variant
	switch {
	case len(video) > 0 && len(audio) > 0:
		for _, v := range video {
			for _, a := range audio {
				variants = append(variants, &manifest.Variant{
					ID:        v.ID + "+" + a.ID,
					Bandwidth: v.Bandwidth + a.Bandwidth,
					Audio:     a,
					Video:     v,
				})
			}
		}
	case len(video) > 0:
		for _, v := range video {
			variants = append(variants, &manifest.Variant{ID: v.ID, Bandwidth: v.Bandwidth, Video: v})
		}
	case len(audio) > 0:
		for _, a := range audio {
			variants = append(variants, &manifest.Variant{ID: a.ID, Bandwidth: a.Bandwidth, Audio: a})
		}
	}
	return variants
}

// convertEventStreams turns period EventStream elements into timeline
// regions with presentation-time bounds.
func convertEventStreams(p *m.Period, periodStart, periodDuration float64) []media.TimelineRegion {
	var regions []media.TimelineRegion
	for _, es := range p.EventStreams {
		if es == nil {
			continue
		}
		timescale := 1.0
		if es.Timescale != nil && *es.Timescale > 0 {
			timescale = float64(*es.Timescale)
		}
		pto := es.PresentationTimeOffset

		for _, ev := range es.Events {
			if ev == nil {
				continue
			}
			start := periodStart + (float64(ev.PresentationTime)-float64(pto))/timescale
			end := start
			// duration and id decode to zero when the attributes are
			// absent; a zero duration collapses the region to an instant.
			if ev.Duration != 0 {
				end = start + float64(ev.Duration)/timescale
			}

			var evID uint64
			if ev.Id != nil {
				evID = *ev.Id
			}
			id := strconv.FormatUint(evID, 10)
			regions = append(regions, media.TimelineRegion{
				SchemeIDURI: string(es.SchemeIdUri),
				Value:       es.Value,
				ID:          id,
				StartTime:   start,
				EndTime:     end,
				Payload:     ev.MessageData,
			})
		}
	}
	return regions
}

// classifyContent maps an adaptation set to a stream type using the
// contentType attribute first, then the mime type, then codec prefixes.
func classifyContent(as *m.AdaptationSetType) manifest.StreamType {
	switch string(as.ContentType) {
	case "audio":
		return manifest.StreamTypeAudio
	case "video":
		return manifest.StreamTypeVideo
	case "text":
		return manifest.StreamTypeText
	}

	mime := as.MimeType
	if mime == "" && len(as.Representations) > 0 && as.Representations[0] != nil {
		mime = as.Representations[0].MimeType
	}
	switch {
	case strings.HasPrefix(mime, "audio/"):
		return manifest.StreamTypeAudio
	case strings.HasPrefix(mime, "video/"):
		return manifest.StreamTypeVideo
	case strings.HasPrefix(mime, "text/"), mime == "application/ttml+xml", mime == "application/mp4" && looksLikeText(as):
		return manifest.StreamTypeText
	}

	codecs := as.Codecs
	if codecs == "" && len(as.Representations) > 0 && as.Representations[0] != nil {
		codecs = as.Representations[0].Codecs
	}
	switch {
	case hasAnyPrefix(codecs, "avc", "hev", "hvc", "vp0", "av01"):
		return manifest.StreamTypeVideo
	case hasAnyPrefix(codecs, "mp4a", "ac-3", "ec-3", "opus", "vorbis"):
		return manifest.StreamTypeAudio
	case hasAnyPrefix(codecs, "stpp", "wvtt"):
		return manifest.StreamTypeText
	}
	return ""
}

func looksLikeText(as *m.AdaptationSetType) bool {
	return hasAnyPrefix(as.Codecs, "stpp", "wvtt")
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// resolveBases resolves a level's BaseURL elements against the parent
// level's bases. Levels without BaseURLs inherit the parent bases
// unchanged; multiple BaseURLs multiply into alternative locations.
func resolveBases(parents []string, bases []*m.BaseURLType) []string {
	if len(bases) == 0 {
		return parents
	}
	var out []string
	for _, b := range bases {
		if b == nil || b.Value == "" {
			continue
		}
		out = append(out, resolveAgainst(parents, string(b.Value))...)
	}
	if len(out) == 0 {
		return parents
	}
	return out
}

// resolveAgainst resolves ref against every base, preserving order and
// dropping duplicates.
func resolveAgainst(bases []string, ref string) []string {
	if len(bases) == 0 {
		return []string{ref}
	}
	out := make([]string, 0, len(bases))
	seen := make(map[string]struct{}, len(bases))
	for _, base := range bases {
		resolved := resolveURI(base, ref)
		if _, ok := seen[resolved]; ok {
			continue
		}
		seen[resolved] = struct{}{}
		out = append(out, resolved)
	}
	return out
}

// resolveURI resolves ref against base, falling back to ref itself when
// either side does not parse.
func resolveURI(base, ref string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}

// isDynamic reports whether the MPD declares a live presentation.
func isDynamic(doc *m.MPD) bool {
	return doc.Type != nil && *doc.Type == "dynamic"
}

// timingSources extracts UTCTiming descriptors as clock sources. The
// parser synchronizes against them before segment availability math
// runs, so extraction stays independent of full conversion.
func timingSources(doc *m.MPD, baseURI string) []clock.Source {
	var sources []clock.Source
	for _, ut := range doc.UTCTimings {
		if ut == nil {
			continue
		}
		sources = append(sources, clock.Source{
			Scheme: string(ut.SchemeIdUri),
			Value:  resolveTimingValue(string(ut.SchemeIdUri), ut.Value, baseURI),
		})
	}
	return sources
}

// resolveTimingValue resolves the URL list of an http timing scheme
// against the manifest location. Direct schemes carry a timestamp and
// pass through untouched.
func resolveTimingValue(scheme, value, baseURI string) string {
	switch scheme {
	case clock.SchemeDirect2014, clock.SchemeDirect2012:
		return value
	}
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return value
	}
	resolved := make([]string, 0, len(fields))
	for _, f := range fields {
		resolved = append(resolved, resolveURI(baseURI, f))
	}
	return strings.Join(resolved, " ")
}

// durationSeconds converts an optional MPD duration, -1 when absent.
func durationSeconds(d *m.Duration) float64 {
	if d == nil {
		return -1
	}
	return time.Duration(*d).Seconds()
}
