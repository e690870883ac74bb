package hls

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Eyevinn/hls-m3u8/m3u8"

	"github.com/psychrist666/liveline/internal/fetch"
	"github.com/psychrist666/liveline/internal/manifest"
	"github.com/psychrist666/liveline/internal/media"
)

// presentation is everything one playlist round trip contributes: the
// rebuilt period plus the attributes driving the timeline and the
// refresh cadence.
type presentation struct {
	period *manifest.Period
	live   bool
	// cadence is the effective update interval in seconds, the
	// smallest target duration among live media playlists. Negative
	// when nothing is live.
	cadence        float64
	windowDuration float64
	maxSegDur      float64
	// windowEnd is the presentation time where the newest segment ends.
	windowEnd float64
	// firstPDT is the earliest program date time seen, zero when the
	// content does not carry EXT-X-PROGRAM-DATE-TIME.
	firstPDT time.Time
}

// windowState remembers where the previous update placed each sequence
// number so sliding windows keep stable presentation times.
type windowState struct {
	times  map[uint64]float64
	endSeq uint64
	end    float64
}

// loadPresentation fetches the playlist at the current URI and builds
// the single-period view of it. Master playlists fan out into one
// sequential fetch per referenced media playlist.
func (p *Parser) loadPresentation(ctx context.Context, uris []string) (*presentation, error) {
	resp, err := p.deps.Fetcher.Fetch(ctx, fetch.TypeManifest, fetch.Request{URIs: uris})
	if err != nil {
		return nil, err
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(resp.Data), true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPlaylist, err)
	}

	switch listType {
	case m3u8.MASTER:
		return p.fromMaster(ctx, playlist.(*m3u8.MasterPlaylist), resp.URI)
	case m3u8.MEDIA:
		return p.fromSingleMedia(playlist.(*m3u8.MediaPlaylist), resp.URI)
	default:
		return nil, fmt.Errorf("%w: unknown list type", ErrBadPlaylist)
	}
}

// fromMaster resolves every non-iframe variant and its audio
// alternatives into streams.
func (p *Parser) fromMaster(ctx context.Context, master *m3u8.MasterPlaylist, baseURI string) (*presentation, error) {
	out := &presentation{period: &manifest.Period{ID: "hls"}, cadence: -1}

	audioByGroup := make(map[string]*manifest.Stream)
	seen := make(map[string]*manifest.Stream)

	for _, v := range master.Variants {
		if v == nil || v.Iframe {
			continue
		}
		mainURI := resolvePlaylistURI(baseURI, v.URI)
		mainType := streamTypeForCodecs(v.Codecs, manifest.StreamTypeVideo)
		main, ok := seen[mainURI]
		if !ok {
			var err error
			main, err = p.loadMediaStream(ctx, mainURI, mainType, v.Codecs, v.Bandwidth, "", out)
			if err != nil {
				return nil, err
			}
			seen[mainURI] = main
		}

		variant := &manifest.Variant{ID: variantID(v, mainURI), Bandwidth: v.Bandwidth}
		if mainType == manifest.StreamTypeAudio {
			variant.Audio = main
		} else {
			variant.Video = main
		}

		if v.Audio != "" && variant.Audio == nil {
			audio, err := p.loadAlternativeAudio(ctx, v.Alternatives, v.Audio, baseURI, audioByGroup, seen, out)
			if err != nil {
				return nil, err
			}
			variant.Audio = audio
		}
		out.period.Variants = append(out.period.Variants, variant)
	}

	if len(out.period.Variants) == 0 {
		return nil, fmt.Errorf("%w: master playlist has no usable variants", ErrBadPlaylist)
	}
	if err := p.loadSubtitleStreams(ctx, master, baseURI, seen, out); err != nil {
		return nil, err
	}
	p.finishPresentation(out)
	return out, nil
}

// loadSubtitleStreams collects SUBTITLES renditions across all
// variants, one stream per distinct playlist.
func (p *Parser) loadSubtitleStreams(ctx context.Context, master *m3u8.MasterPlaylist, baseURI string, seen map[string]*manifest.Stream, out *presentation) error {
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		for _, alt := range v.Alternatives {
			if alt == nil || alt.Type != "SUBTITLES" || alt.URI == "" {
				continue
			}
			textURI := resolvePlaylistURI(baseURI, alt.URI)
			if _, ok := seen[textURI]; ok {
				continue
			}
			text, err := p.loadMediaStream(ctx, textURI, manifest.StreamTypeText, "", 0, alt.Language, out)
			if err != nil {
				return err
			}
			seen[textURI] = text
			out.period.TextStreams = append(out.period.TextStreams, text)
		}
	}
	return nil
}

// loadAlternativeAudio fetches the default (or first) rendition of an
// audio group once and reuses it for every variant in the group.
func (p *Parser) loadAlternativeAudio(ctx context.Context, alts []*m3u8.Alternative, group, baseURI string, cache map[string]*manifest.Stream, seen map[string]*manifest.Stream, out *presentation) (*manifest.Stream, error) {
	if s, ok := cache[group]; ok {
		return s, nil
	}

	var pick *m3u8.Alternative
	for _, alt := range alts {
		if alt == nil || alt.Type != "AUDIO" || alt.GroupId != group || alt.URI == "" {
			continue
		}
		if pick == nil || alt.Default {
			pick = alt
		}
	}
	if pick == nil {
		return nil, nil
	}

	audioURI := resolvePlaylistURI(baseURI, pick.URI)
	if s, ok := seen[audioURI]; ok {
		cache[group] = s
		return s, nil
	}
	audio, err := p.loadMediaStream(ctx, audioURI, manifest.StreamTypeAudio, "", 0, pick.Language, out)
	if err != nil {
		return nil, err
	}
	seen[audioURI] = audio
	cache[group] = audio
	return audio, nil
}

// fromSingleMedia wraps one media playlist as a single-variant period.
func (p *Parser) fromSingleMedia(pls *m3u8.MediaPlaylist, playlistURI string) (*presentation, error) {
	out := &presentation{period: &manifest.Period{ID: "hls"}, cadence: -1}
	stream := p.buildStream(pls, playlistURI, manifest.StreamTypeVideo, "", 0, "", out)
	out.period.Variants = []*manifest.Variant{{ID: stream.ID, Video: stream}}
	p.finishPresentation(out)
	return out, nil
}

// loadMediaStream fetches one media playlist and converts it.
func (p *Parser) loadMediaStream(ctx context.Context, playlistURI string, st manifest.StreamType, codecs string, bandwidth uint32, lang string, out *presentation) (*manifest.Stream, error) {
	resp, err := p.deps.Fetcher.Fetch(ctx, fetch.TypeManifest, fetch.Request{URIs: []string{playlistURI}})
	if err != nil {
		return nil, err
	}
	decoded, listType, err := m3u8.DecodeFrom(bytes.NewReader(resp.Data), true)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadPlaylist, playlistURI, err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("%w: %s: expected a media playlist", ErrBadPlaylist, playlistURI)
	}
	return p.buildStream(decoded.(*m3u8.MediaPlaylist), resp.URI, st, codecs, bandwidth, lang, out), nil
}

// buildStream converts a media playlist into a stream with a merged
// segment index and folds its liveness into the presentation.
func (p *Parser) buildStream(pls *m3u8.MediaPlaylist, playlistURI string, st manifest.StreamType, codecs string, bandwidth uint32, lang string, out *presentation) *manifest.Stream {
	refs, firstSeq := p.playlistReferences(pls, playlistURI)

	stream := &manifest.Stream{
		ID:        playlistURI,
		Type:      st,
		MimeType:  mimeTypeForPlaylist(pls, st),
		Codecs:    codecs,
		Bandwidth: bandwidth,
		Language:  lang,
		Index:     media.NewSegmentIndex(firstSeq),
	}
	if pls.Map != nil && pls.Map.URI != "" {
		stream.InitURIs = []string{resolvePlaylistURI(playlistURI, pls.Map.URI)}
	}
	stream.Index.Merge(refs)

	if out.firstPDT.IsZero() {
		out.firstPDT = firstProgramDateTime(pls)
	}

	var windowDur float64
	for _, ref := range refs {
		windowDur += ref.Duration()
	}
	if windowDur > out.windowDuration {
		out.windowDuration = windowDur
	}
	if td := float64(pls.TargetDuration); td > out.maxSegDur {
		out.maxSegDur = td
	}
	if n := len(refs); n > 0 && refs[n-1].EndTime > out.windowEnd {
		out.windowEnd = refs[n-1].EndTime
	}
	if !pls.Closed {
		out.live = true
		if td := float64(pls.TargetDuration); out.cadence < 0 || td < out.cadence {
			out.cadence = td
		}
	}
	return stream
}

// playlistReferences converts EXTINF entries to references numbered
// from EXT-X-MEDIA-SEQUENCE. Presentation times are anchored on the
// previous window where sequences overlap, on program date time when
// drift correction is on, and chain contiguously otherwise.
func (p *Parser) playlistReferences(pls *m3u8.MediaPlaylist, playlistURI string) ([]*media.SegmentReference, int) {
	segs := pls.GetAllSegments()
	prev := p.windows[playlistURI]
	next := &windowState{times: make(map[uint64]float64, len(segs))}

	var t float64
	if prev != nil {
		// A window that slid past everything we knew stays contiguous
		// with the old end.
		t = prev.end
		if len(segs) > 0 && pls.SeqNo > prev.endSeq+1 {
			p.log.Debug().
				Str("playlist", playlistURI).
				Uint64("expected", prev.endSeq+1).
				Uint64("got", pls.SeqNo).
				Msg("Media sequence jumped past the previous window")
		}
	}

	refs := make([]*media.SegmentReference, 0, len(segs))
	for i, seg := range segs {
		if seg == nil {
			continue
		}
		seq := pls.SeqNo + uint64(i)

		if prior, ok := lookupWindow(prev, seq); ok {
			t = prior
		} else if p.deps.Config.AutoCorrectDrift && p.availSet && !seg.ProgramDateTime.IsZero() {
			t = seg.ProgramDateTime.Sub(p.availStart).Seconds()
		}

		end := t + seg.Duration
		uri := resolvePlaylistURI(playlistURI, seg.URI)
		refs = append(refs, &media.SegmentReference{
			StartTime: t,
			EndTime:   end,
			GetURIs:   func() []string { return []string{uri} },
		})

		next.times[seq] = t
		next.endSeq = seq
		next.end = end
		t = end
	}

	p.windows[playlistURI] = next
	return refs, int(pls.SeqNo)
}

func lookupWindow(w *windowState, seq uint64) (float64, bool) {
	if w == nil {
		return 0, false
	}
	t, ok := w.times[seq]
	return t, ok
}

// finishPresentation derives the period bounds once all playlists are
// folded in.
func (p *Parser) finishPresentation(out *presentation) {
	if !out.live {
		out.period.Duration = out.windowEnd
	}
}

// anchorAvailabilityStart picks the wall-clock epoch of presentation
// time zero for the first parse: program date time when the content
// carries it, otherwise the live edge counted back from now.
func anchorAvailabilityStart(pres *presentation, now time.Time) time.Time {
	if !pres.firstPDT.IsZero() {
		return pres.firstPDT
	}
	return now.Add(-time.Duration(pres.windowEnd * float64(time.Second)))
}

// firstProgramDateTime returns the program date time of the earliest
// segment in the period, zero when absent.
func firstProgramDateTime(pls *m3u8.MediaPlaylist) time.Time {
	for _, seg := range pls.GetAllSegments() {
		if seg == nil {
			continue
		}
		return seg.ProgramDateTime
	}
	return time.Time{}
}

// streamTypeForCodecs classifies a variant by its codec list. Muxed
// and video-bearing variants count as video.
func streamTypeForCodecs(codecs string, fallback manifest.StreamType) manifest.StreamType {
	for _, c := range strings.Split(codecs, ",") {
		c = strings.TrimSpace(c)
		switch {
		case strings.HasPrefix(c, "avc"), strings.HasPrefix(c, "hev"), strings.HasPrefix(c, "hvc"), strings.HasPrefix(c, "av01"), strings.HasPrefix(c, "vp09"):
			return manifest.StreamTypeVideo
		}
	}
	for _, c := range strings.Split(codecs, ",") {
		c = strings.TrimSpace(c)
		switch {
		case strings.HasPrefix(c, "mp4a"), strings.HasPrefix(c, "ac-3"), strings.HasPrefix(c, "ec-3"), strings.HasPrefix(c, "opus"):
			return manifest.StreamTypeAudio
		}
	}
	return fallback
}

func mimeTypeForPlaylist(pls *m3u8.MediaPlaylist, st manifest.StreamType) string {
	if st == manifest.StreamTypeText {
		return "text/vtt"
	}
	if pls.Map != nil {
		return "video/mp4"
	}
	for _, seg := range pls.GetAllSegments() {
		if seg == nil {
			continue
		}
		if strings.HasSuffix(seg.URI, ".mp4") || strings.HasSuffix(seg.URI, ".m4s") {
			return "video/mp4"
		}
		break
	}
	return "video/mp2t"
}

// variantID derives a stable id for a variant. Names are optional in
// the wild, the playlist location is not.
func variantID(v *m3u8.Variant, resolvedURI string) string {
	if v.Name != "" {
		return v.Name
	}
	return resolvedURI
}

// resolvePlaylistURI resolves ref against the playlist location,
// falling back to ref itself when either side does not parse.
func resolvePlaylistURI(base, ref string) string {
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
