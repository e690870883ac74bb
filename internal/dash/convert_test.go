package dash

import (
	"testing"
	"time"

	m "github.com/Eyevinn/dash-mpd/mpd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psychrist666/liveline/internal/clock"
	"github.com/psychrist666/liveline/internal/media"
)

const testBaseURI = "https://origin.example.com/live/manifest.mpd"

func parseConvert(t *testing.T, mpdXML, baseURI string, now time.Time) *document {
	t.Helper()
	parsed, err := m.MPDFromBytes([]byte(mpdXML))
	require.NoError(t, err)
	doc, err := convertMPD(parsed, baseURI, now, zerolog.Nop())
	require.NoError(t, err)
	return doc
}

func indexTimes(idx *media.SegmentIndex) [][2]float64 {
	var out [][2]float64
	idx.ForEach(func(_ int, ref *media.SegmentReference) {
		out = append(out, [2]float64{ref.StartTime, ref.EndTime})
	})
	return out
}

func TestConvertMPD_StaticFixedDuration(t *testing.T) {
	mpdXML := `<?xml version="1.0" encoding="utf-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" profiles="urn:mpeg:dash:profile:isoff-live:2011" mediaPresentationDuration="PT30S" minBufferTime="PT2S">
  <Period id="p0" start="PT0S">
    <AdaptationSet id="1" contentType="video" mimeType="video/mp4" codecs="avc1.64001f" segmentAlignment="true">
      <SegmentTemplate media="video/$RepresentationID$/seg-$Number$.m4s" initialization="video/$RepresentationID$/init.mp4" duration="2" timescale="1" startNumber="1"/>
      <Representation id="v1" bandwidth="500000"/>
    </AdaptationSet>
  </Period>
</MPD>`

	doc := parseConvert(t, mpdXML, testBaseURI, time.Unix(0, 0))
	assert.False(t, doc.dynamic)
	assert.Equal(t, 30.0, doc.mediaPresentationDuration)
	assert.Equal(t, 2.0, doc.minBufferTime)
	assert.Less(t, doc.minimumUpdatePeriod, 0.0)

	require.Len(t, doc.periods, 1)
	p := doc.periods[0]
	assert.Equal(t, "p0", p.ID)
	assert.Equal(t, 30.0, p.Duration)
	require.Len(t, p.Variants, 1)

	video := p.Variants[0].Video
	require.NotNil(t, video)
	assert.Equal(t, "v1", video.ID)
	assert.Equal(t, uint32(500000), video.Bandwidth)
	assert.Equal(t, "avc1.64001f", video.Codecs)
	assert.Equal(t, []string{"https://origin.example.com/live/video/v1/init.mp4"}, video.InitURIs)

	require.NotNil(t, video.Index)
	assert.Equal(t, 15, video.Index.Count())
	assert.Equal(t, 1, video.Index.FirstPosition())

	first, ok := video.Index.Get(1)
	require.True(t, ok)
	assert.Equal(t, 0.0, first.StartTime)
	assert.Equal(t, 2.0, first.EndTime)
	assert.Equal(t, []string{"https://origin.example.com/live/video/v1/seg-1.m4s"}, first.URIs())

	last, ok := video.Index.Get(15)
	require.True(t, ok)
	assert.Equal(t, 30.0, last.EndTime)
	assert.Equal(t, []string{"https://origin.example.com/live/video/v1/seg-15.m4s"}, last.URIs())
}

func TestConvertMPD_SegmentTimeline(t *testing.T) {
	mpdXML := `<?xml version="1.0" encoding="utf-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" profiles="urn:mpeg:dash:profile:isoff-live:2011" mediaPresentationDuration="PT30S">
  <Period id="p0" duration="PT30S">
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <SegmentTemplate media="seg-$Time$.m4s" timescale="1">
        <SegmentTimeline>
          <S t="0" d="10"/>
          <S d="5"/>
          <S d="15"/>
        </SegmentTimeline>
      </SegmentTemplate>
      <Representation id="v1" bandwidth="1000"/>
    </AdaptationSet>
  </Period>
</MPD>`

	doc := parseConvert(t, mpdXML, testBaseURI, time.Unix(0, 0))
	video := doc.periods[0].Variants[0].Video
	require.NotNil(t, video.Index)

	assert.Equal(t, [][2]float64{{0, 10}, {10, 15}, {15, 30}}, indexTimes(video.Index))

	second, ok := video.Index.Get(2)
	require.True(t, ok)
	assert.Equal(t, []string{"https://origin.example.com/live/seg-10.m4s"}, second.URIs())
}

func TestConvertMPD_TimelineRepeats(t *testing.T) {
	mpdXML := `<?xml version="1.0" encoding="utf-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" profiles="urn:mpeg:dash:profile:isoff-live:2011">
  <Period id="p0" duration="PT15S">
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <SegmentTemplate media="seg-$Number$.m4s" timescale="1">
        <SegmentTimeline>
          <S t="0" d="2" r="2"/>
          <S d="3" r="-1"/>
        </SegmentTimeline>
      </SegmentTemplate>
      <Representation id="v1" bandwidth="1000"/>
    </AdaptationSet>
  </Period>
</MPD>`

	doc := parseConvert(t, mpdXML, testBaseURI, time.Unix(0, 0))
	video := doc.periods[0].Variants[0].Video

	// r=2 yields three two-second segments, then r=-1 fills the
	// remaining nine seconds with three-second segments.
	assert.Equal(t, [][2]float64{{0, 2}, {2, 4}, {4, 6}, {6, 9}, {9, 12}, {12, 15}}, indexTimes(video.Index))
}

func TestConvertMPD_TimescaleAndPresentationTimeOffset(t *testing.T) {
	mpdXML := `<?xml version="1.0" encoding="utf-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" profiles="urn:mpeg:dash:profile:isoff-live:2011">
  <Period id="p0" duration="PT4S">
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <SegmentTemplate media="seg-$Time$.m4s" timescale="90000" presentationTimeOffset="900000">
        <SegmentTimeline>
          <S t="900000" d="180000" r="1"/>
        </SegmentTimeline>
      </SegmentTemplate>
      <Representation id="v1" bandwidth="1000"/>
    </AdaptationSet>
  </Period>
</MPD>`

	doc := parseConvert(t, mpdXML, testBaseURI, time.Unix(0, 0))
	video := doc.periods[0].Variants[0].Video

	assert.Equal(t, [][2]float64{{0, 2}, {2, 4}}, indexTimes(video.Index))

	// $Time$ carries raw media time, not the offset-adjusted value.
	first, ok := video.Index.Get(video.Index.FirstPosition())
	require.True(t, ok)
	assert.Equal(t, []string{"https://origin.example.com/live/seg-900000.m4s"}, first.URIs())
}

func TestConvertMPD_BaseURLChain(t *testing.T) {
	mpdXML := `<?xml version="1.0" encoding="utf-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" profiles="urn:mpeg:dash:profile:isoff-live:2011">
  <BaseURL>https://cdn-a.example.com/live/</BaseURL>
  <BaseURL>https://cdn-b.example.com/live/</BaseURL>
  <Period id="p0" duration="PT2S">
    <BaseURL>ch1/</BaseURL>
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <SegmentTemplate media="seg-$Number$.m4s" initialization="init.mp4" duration="2" timescale="1"/>
      <Representation id="v1" bandwidth="1000"/>
    </AdaptationSet>
  </Period>
</MPD>`

	doc := parseConvert(t, mpdXML, testBaseURI, time.Unix(0, 0))
	video := doc.periods[0].Variants[0].Video

	assert.Equal(t, []string{
		"https://cdn-a.example.com/live/ch1/init.mp4",
		"https://cdn-b.example.com/live/ch1/init.mp4",
	}, video.InitURIs)

	first, ok := video.Index.Get(1)
	require.True(t, ok)
	assert.Equal(t, []string{
		"https://cdn-a.example.com/live/ch1/seg-1.m4s",
		"https://cdn-b.example.com/live/ch1/seg-1.m4s",
	}, first.URIs())
}

func TestConvertMPD_PeriodStartChaining(t *testing.T) {
	mpdXML := `<?xml version="1.0" encoding="utf-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" profiles="urn:mpeg:dash:profile:isoff-live:2011" mediaPresentationDuration="PT40S">
  <Period id="p0" start="PT0S" duration="PT10S"/>
  <Period id="p1"/>
  <Period id="p2" start="PT25S"/>
</MPD>`

	doc := parseConvert(t, mpdXML, testBaseURI, time.Unix(0, 0))
	require.Len(t, doc.periods, 3)

	assert.Equal(t, 0.0, doc.periods[0].StartTime)
	assert.Equal(t, 10.0, doc.periods[0].Duration)

	// p1 starts where p0 ends and runs until p2's explicit start.
	assert.Equal(t, 10.0, doc.periods[1].StartTime)
	assert.Equal(t, 15.0, doc.periods[1].Duration)

	// The last period absorbs the rest of the presentation.
	assert.Equal(t, 25.0, doc.periods[2].StartTime)
	assert.Equal(t, 15.0, doc.periods[2].Duration)
}

func TestConvertMPD_LiveFixedDurationWindow(t *testing.T) {
	mpdXML := `<?xml version="1.0" encoding="utf-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="dynamic" profiles="urn:mpeg:dash:profile:isoff-live:2011" availabilityStartTime="1970-01-01T00:00:00Z" minimumUpdatePeriod="PT2S" timeShiftBufferDepth="PT10S" maxSegmentDuration="PT2S">
  <Period id="p0" start="PT0S">
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <SegmentTemplate media="seg-$Number$.m4s" duration="2" timescale="1" startNumber="1"/>
      <Representation id="v1" bandwidth="1000"/>
    </AdaptationSet>
  </Period>
</MPD>`

	now := time.Unix(30, 0).UTC()
	doc := parseConvert(t, mpdXML, testBaseURI, now)
	assert.True(t, doc.dynamic)
	assert.Equal(t, 2.0, doc.minimumUpdatePeriod)
	assert.Equal(t, 10.0, doc.timeShiftBufferDepth)
	assert.True(t, doc.availabilityStart.Equal(time.Unix(0, 0)))

	video := doc.periods[0].Variants[0].Video
	require.NotNil(t, video.Index)

	// Only segments inside the time-shift window are materialized, but
	// numbering stays anchored to the start of the grid.
	assert.Equal(t, [][2]float64{{18, 20}, {20, 22}, {22, 24}, {24, 26}, {26, 28}, {28, 30}}, indexTimes(video.Index))
	assert.Equal(t, 10, video.Index.FirstPosition())

	first, ok := video.Index.Get(10)
	require.True(t, ok)
	assert.Equal(t, []string{"https://origin.example.com/live/seg-10.m4s"}, first.URIs())
}

func TestConvertMPD_TimelineOpenRepeatStopsAtLiveEdge(t *testing.T) {
	mpdXML := `<?xml version="1.0" encoding="utf-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="dynamic" profiles="urn:mpeg:dash:profile:isoff-live:2011" availabilityStartTime="1970-01-01T00:00:00Z" minimumUpdatePeriod="PT2S">
  <Period id="p0" start="PT0S">
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <SegmentTemplate media="seg-$Number$.m4s" timescale="1">
        <SegmentTimeline>
          <S t="0" d="2" r="-1"/>
        </SegmentTimeline>
      </SegmentTemplate>
      <Representation id="v1" bandwidth="1000"/>
    </AdaptationSet>
  </Period>
</MPD>`

	doc := parseConvert(t, mpdXML, testBaseURI, time.Unix(20, 0))
	video := doc.periods[0].Variants[0].Video

	times := indexTimes(video.Index)
	require.Len(t, times, 10)
	assert.Equal(t, [2]float64{0, 2}, times[0])
	assert.Equal(t, [2]float64{18, 20}, times[9])
}

func TestConvertMPD_EventStreams(t *testing.T) {
	mpdXML := `<?xml version="1.0" encoding="utf-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" profiles="urn:mpeg:dash:profile:isoff-live:2011" mediaPresentationDuration="PT130S">
  <Period id="p0" start="PT100S" duration="PT30S">
    <EventStream schemeIdUri="urn:example:ads" value="main" timescale="10">
      <Event presentationTime="50" duration="20" id="7" messageData="ad-start"/>
      <Event presentationTime="200" id="8"/>
    </EventStream>
  </Period>
</MPD>`

	doc := parseConvert(t, mpdXML, testBaseURI, time.Unix(0, 0))
	regions := doc.periods[0].EventRegions
	require.Len(t, regions, 2)

	assert.Equal(t, media.TimelineRegion{
		SchemeIDURI: "urn:example:ads",
		Value:       "main",
		ID:          "7",
		StartTime:   105,
		EndTime:     107,
		Payload:     "ad-start",
	}, regions[0])

	// Absent duration collapses the region to an instant.
	assert.Equal(t, "8", regions[1].ID)
	assert.Equal(t, 120.0, regions[1].StartTime)
	assert.Equal(t, 120.0, regions[1].EndTime)
}

func TestConvertMPD_UTCTimingAndLocation(t *testing.T) {
	mpdXML := `<?xml version="1.0" encoding="utf-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="dynamic" profiles="urn:mpeg:dash:profile:isoff-live:2011" availabilityStartTime="1970-01-01T00:00:00Z" minimumUpdatePeriod="PT2S">
  <Location>../next/manifest.mpd</Location>
  <Period id="p0" start="PT0S"/>
  <UTCTiming schemeIdUri="urn:mpeg:dash:utc:http-xsdate:2014" value="time.txt backup/time.txt"/>
  <UTCTiming schemeIdUri="urn:mpeg:dash:utc:direct:2014" value="2026-01-01T00:00:00Z"/>
</MPD>`

	doc := parseConvert(t, mpdXML, testBaseURI, time.Unix(0, 0))

	require.Len(t, doc.timingSources, 2)
	assert.Equal(t, clock.Source{
		Scheme: clock.SchemeXSDate2014,
		Value:  "https://origin.example.com/live/time.txt https://origin.example.com/live/backup/time.txt",
	}, doc.timingSources[0])
	assert.Equal(t, clock.Source{
		Scheme: clock.SchemeDirect2014,
		Value:  "2026-01-01T00:00:00Z",
	}, doc.timingSources[1])

	assert.Equal(t, []string{"https://origin.example.com/next/manifest.mpd"}, doc.locations)
}

func TestConvertMPD_MaxSegmentDurationDerived(t *testing.T) {
	mpdXML := `<?xml version="1.0" encoding="utf-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" profiles="urn:mpeg:dash:profile:isoff-live:2011">
  <Period id="p0" duration="PT30S">
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <SegmentTemplate media="seg-$Time$.m4s" timescale="1">
        <SegmentTimeline>
          <S t="0" d="10"/>
          <S d="5"/>
          <S d="15"/>
        </SegmentTimeline>
      </SegmentTemplate>
      <Representation id="v1" bandwidth="1000"/>
    </AdaptationSet>
  </Period>
</MPD>`

	doc := parseConvert(t, mpdXML, testBaseURI, time.Unix(0, 0))
	assert.Equal(t, 15.0, doc.maxSegmentDuration)
}

func TestConvertMPD_VariantPairingAndText(t *testing.T) {
	mpdXML := `<?xml version="1.0" encoding="utf-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" profiles="urn:mpeg:dash:profile:isoff-live:2011">
  <Period id="p0" duration="PT10S">
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <SegmentTemplate media="v/$RepresentationID$/$Number$.m4s" duration="2" timescale="1"/>
      <Representation id="v1" bandwidth="500000"/>
      <Representation id="v2" bandwidth="1000000"/>
    </AdaptationSet>
    <AdaptationSet contentType="audio" mimeType="audio/mp4" lang="en">
      <SegmentTemplate media="a/$Number$.m4s" duration="2" timescale="1"/>
      <Representation id="a1" bandwidth="128000"/>
    </AdaptationSet>
    <AdaptationSet contentType="text" mimeType="text/vtt" lang="en">
      <SegmentTemplate media="t/$Number$.vtt" duration="10" timescale="1"/>
      <Representation id="t1" bandwidth="2000"/>
    </AdaptationSet>
  </Period>
</MPD>`

	doc := parseConvert(t, mpdXML, testBaseURI, time.Unix(0, 0))
	p := doc.periods[0]

	require.Len(t, p.Variants, 2)
	assert.Equal(t, "v1+a1", p.Variants[0].ID)
	assert.Equal(t, uint32(628000), p.Variants[0].Bandwidth)
	assert.Equal(t, "v2+a1", p.Variants[1].ID)
	assert.Equal(t, uint32(1128000), p.Variants[1].Bandwidth)
	assert.Same(t, p.Variants[0].Audio, p.Variants[1].Audio)

	require.Len(t, p.TextStreams, 1)
	assert.Equal(t, "t1", p.TextStreams[0].ID)
	assert.Equal(t, "en", p.TextStreams[0].Language)
}

func TestConvertMPD_RepresentationTemplateOverride(t *testing.T) {
	mpdXML := `<?xml version="1.0" encoding="utf-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" profiles="urn:mpeg:dash:profile:isoff-live:2011">
  <Period id="p0" duration="PT4S">
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <Representation id="v1" bandwidth="1000">
        <SegmentTemplate media="own-$Number$.m4s" duration="2" timescale="1"/>
      </Representation>
      <Representation id="v2" bandwidth="2000"/>
    </AdaptationSet>
  </Period>
</MPD>`

	doc := parseConvert(t, mpdXML, testBaseURI, time.Unix(0, 0))
	p := doc.periods[0]

	// v2 has no template anywhere and is skipped.
	require.Len(t, p.Variants, 1)
	video := p.Variants[0].Video
	assert.Equal(t, "v1", video.ID)

	first, ok := video.Index.Get(1)
	require.True(t, ok)
	assert.Equal(t, []string{"https://origin.example.com/live/own-1.m4s"}, first.URIs())
}

func TestConvertMPD_Errors(t *testing.T) {
	_, err := convertMPD(nil, testBaseURI, time.Unix(0, 0), zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoMPD)

	noPeriods := `<?xml version="1.0" encoding="utf-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" profiles="urn:mpeg:dash:profile:isoff-live:2011"/>`
	parsed, perr := m.MPDFromBytes([]byte(noPeriods))
	require.NoError(t, perr)
	_, err = convertMPD(parsed, testBaseURI, time.Unix(0, 0), zerolog.Nop())
	assert.ErrorIs(t, err, ErrBadManifest)
}
