package simulator

import (
	"fmt"
	"net/http"
	"time"

	m "github.com/Eyevinn/dash-mpd/mpd"
	"github.com/Eyevinn/dash-mpd/xml"
	"github.com/gin-gonic/gin"
)

// mpdTimescale is the segment template timescale for both adaptation
// sets. 90000 divides evenly by common frame rates and keeps segment
// durations integral in ticks.
const mpdTimescale = 90000

const mimeDASH = "application/dash+xml"

func (s *Simulator) liveManifest(c *gin.Context) {
	body, err := s.buildLiveMPD(s.now())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to build live manifest")
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, mimeDASH, body)
}

func (s *Simulator) staticManifest(c *gin.Context) {
	if c.GetHeader("If-None-Match") == s.etag {
		c.Status(http.StatusNotModified)
		return
	}
	body, err := s.buildStaticMPD(s.now())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to build static manifest")
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("ETag", s.etag)
	c.Data(http.StatusOK, mimeDASH, body)
}

// buildLiveMPD renders the sliding-window presentation as it stands at
// now. The timeline is anchored at the Unix epoch, so segment numbers
// and times are pure functions of the clock and identical across
// simulator instances.
func (s *Simulator) buildLiveMPD(now time.Time) ([]byte, error) {
	segMS := s.cfg.SegmentDuration.Milliseconds()
	if segMS <= 0 {
		return nil, fmt.Errorf("segment duration %v is not positive", s.cfg.SegmentDuration)
	}
	segTicks := uint64(segMS) * mpdTimescale / 1000

	totalSegs := now.UnixMilli() / segMS
	windowSegs := s.cfg.TimeShiftBufferDepth.Milliseconds()/segMS + 1
	firstSeg := totalSegs - windowSegs
	if firstSeg < 0 {
		firstSeg = 0
	}
	count := totalSegs - firstSeg

	doc := &m.MPD{}
	doc.Id = "liveline-sim"
	doc.Profiles = "urn:mpeg:dash:profile:isoff-live:2011"
	doc.Type = ptr("dynamic")
	doc.AvailabilityStartTime = m.ConvertToDateTime(0)
	doc.PublishTime = m.ConvertToDateTime(float64(now.UnixMilli()) / 1000.0)
	doc.MinimumUpdatePeriod = m.Seconds2DurPtrFloat64(s.cfg.MinimumUpdatePeriod.Seconds())
	doc.TimeShiftBufferDepth = m.Seconds2DurPtrFloat64(s.cfg.TimeShiftBufferDepth.Seconds())
	doc.SuggestedPresentationDelay = m.Seconds2DurPtrFloat64(s.cfg.SuggestedPresentationDelay.Seconds())
	doc.MaxSegmentDuration = m.Seconds2DurPtrFloat64(s.cfg.SegmentDuration.Seconds())
	doc.MinBufferTime = m.Seconds2DurPtr(2)
	doc.UTCTimings = []*m.DescriptorType{
		m.NewDescriptor(s.cfg.UTCTimingScheme, "/utc", ""),
	}
	doc.Location = []*m.LocationType{{Value: "/live/manifest.mpd"}}

	period := &m.Period{}
	period.Id = "p0"
	period.Start = m.Seconds2DurPtr(0)
	period.EventStreams = []*m.EventStreamType{streamEvents()}
	period.AppendAdaptationSet(videoAdaptationSet(slidingTemplate(firstSeg, count, segTicks)))
	period.AppendAdaptationSet(audioAdaptationSet(slidingTemplate(firstSeg, count, segTicks)))
	doc.AppendPeriod(period)

	return marshalMPD(doc)
}

// buildStaticMPD renders a fixed one-minute on-demand presentation
// using the duration form of the segment template.
func (s *Simulator) buildStaticMPD(now time.Time) ([]byte, error) {
	doc := &m.MPD{}
	doc.Id = "liveline-sim-vod"
	doc.Profiles = "urn:mpeg:dash:profile:isoff-on-demand:2011"
	doc.Type = ptr("static")
	doc.PublishTime = m.ConvertToDateTime(float64(now.UnixMilli()) / 1000.0)
	doc.MediaPresentationDuration = m.Seconds2DurPtr(60)
	doc.MinBufferTime = m.Seconds2DurPtr(2)

	period := &m.Period{}
	period.Id = "p0"
	period.Start = m.Seconds2DurPtr(0)
	period.AppendAdaptationSet(videoAdaptationSet(fixedTemplate(s.cfg.SegmentDuration)))
	period.AppendAdaptationSet(audioAdaptationSet(fixedTemplate(s.cfg.SegmentDuration)))
	doc.AppendPeriod(period)

	return marshalMPD(doc)
}

func videoAdaptationSet(st *m.SegmentTemplateType) *m.AdaptationSetType {
	as := m.NewAdaptationSet()
	as.Id = ptr(uint32(1))
	as.ContentType = "video"
	as.MimeType = "video/mp4"
	as.SegmentAlignment = true
	as.SegmentTemplate = st

	rep := m.NewRepresentation()
	rep.Id = "v1"
	rep.Bandwidth = 1500000
	rep.Codecs = "avc1.64001f"
	as.AppendRepresentation(rep)
	return as
}

func audioAdaptationSet(st *m.SegmentTemplateType) *m.AdaptationSetType {
	as := m.NewAdaptationSet()
	as.Id = ptr(uint32(2))
	as.ContentType = "audio"
	as.MimeType = "audio/mp4"
	as.Lang = "en"
	as.SegmentAlignment = true
	as.SegmentTemplate = st

	rep := m.NewRepresentation()
	rep.Id = "a1"
	rep.Bandwidth = 96000
	rep.Codecs = "mp4a.40.2"
	as.AppendRepresentation(rep)
	return as
}

// slidingTemplate describes the live window as a single SegmentTimeline
// run: count segments of equal duration starting at firstSeg.
func slidingTemplate(firstSeg, count int64, segTicks uint64) *m.SegmentTemplateType {
	st := m.NewSegmentTemplate()
	st.Media = "segments/$RepresentationID$-$Number$.m4s"
	st.Initialization = "segments/$RepresentationID$-init.m4s"
	st.Timescale = ptr(uint32(mpdTimescale))
	st.StartNumber = ptr(uint32(firstSeg))
	tl := &m.SegmentTimelineType{}
	if count > 0 {
		tl.S = []*m.S{{
			T: ptr(uint64(firstSeg) * segTicks),
			D: segTicks,
			R: int(count - 1),
		}}
	}
	st.SegmentTimeline = tl
	return st
}

// fixedTemplate describes the on-demand presentation with the
// duration attribute instead of an explicit timeline.
func fixedTemplate(segDur time.Duration) *m.SegmentTemplateType {
	st := m.NewSegmentTemplate()
	st.Media = "segments/$RepresentationID$-$Number$.m4s"
	st.Initialization = "segments/$RepresentationID$-init.m4s"
	st.Timescale = ptr(uint32(mpdTimescale))
	st.StartNumber = ptr(uint32(1))
	st.Duration = ptr(uint32(segDur.Milliseconds() * mpdTimescale / 1000))
	return st
}

// streamEvents emits one presentation-scoped event so subscribers see
// timeline regions from the very first parse.
func streamEvents() *m.EventStreamType {
	es := &m.EventStreamType{}
	es.SchemeIdUri = "urn:liveline:simulator:2026"
	es.Value = "session"
	es.Timescale = ptr(uint32(1))

	ev := &m.EventType{}
	ev.Id = ptr(uint64(1))
	ev.Duration = 10
	ev.MessageData = "stream-start"
	es.Events = []*m.EventType{ev}
	return es
}

func marshalMPD(doc *m.MPD) ([]byte, error) {
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

func ptr[T any](v T) *T {
	return &v
}
