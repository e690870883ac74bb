package simulator

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/Eyevinn/hls-m3u8/m3u8"
	"github.com/gin-gonic/gin"
)

const mimeHLS = "application/x-mpegurl"

func (s *Simulator) livePlaylist(c *gin.Context) {
	body, err := s.buildLivePlaylist(s.now())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to build live playlist")
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, mimeHLS, body)
}

// buildLivePlaylist renders the sliding window as a media playlist.
// Segments carry EXT-X-PROGRAM-DATE-TIME against the same epoch anchor
// as the MPD, so both manifests describe one presentation.
func (s *Simulator) buildLivePlaylist(now time.Time) ([]byte, error) {
	segMS := s.cfg.SegmentDuration.Milliseconds()
	if segMS <= 0 {
		return nil, fmt.Errorf("segment duration %v is not positive", s.cfg.SegmentDuration)
	}

	totalSegs := now.UnixMilli() / segMS
	windowSegs := s.cfg.TimeShiftBufferDepth.Milliseconds()/segMS + 1
	firstSeg := totalSegs - windowSegs
	if firstSeg < 0 {
		firstSeg = 0
	}
	count := totalSegs - firstSeg

	pls, err := m3u8.NewMediaPlaylist(uint(count), uint(count))
	if err != nil {
		return nil, fmt.Errorf("creating playlist: %w", err)
	}
	segDur := s.cfg.SegmentDuration.Seconds()
	pls.TargetDuration = uint(math.Ceil(segDur))
	pls.SeqNo = uint64(firstSeg)

	for i := int64(0); i < count; i++ {
		seq := firstSeg + i
		seg := &m3u8.MediaSegment{
			URI:             fmt.Sprintf("segments/seg-%d.ts", seq),
			Duration:        segDur,
			ProgramDateTime: time.UnixMilli(seq * segMS).UTC(),
		}
		if err := pls.AppendSegment(seg); err != nil {
			return nil, fmt.Errorf("appending segment %d: %w", seq, err)
		}
	}

	return pls.Encode().Bytes(), nil
}
