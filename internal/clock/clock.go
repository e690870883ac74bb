// Package clock estimates the wall-clock offset between this host and
// the streaming source. Live availability math is anchored to the
// source's clock; a skewed local clock would otherwise report segments
// available too early or too late.
package clock

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/psychrist666/liveline/internal/fetch"
	"github.com/psychrist666/liveline/internal/logger"
	"github.com/psychrist666/liveline/internal/metrics"
)

// UTCTiming scheme URNs understood by the synchronizer.
const (
	SchemeXSDate2014 = "urn:mpeg:dash:utc:http-xsdate:2014"
	SchemeXSDate2012 = "urn:mpeg:dash:utc:http-xsdate:2012"
	SchemeISO2014    = "urn:mpeg:dash:utc:http-iso:2014"
	SchemeISO2012    = "urn:mpeg:dash:utc:http-iso:2012"
	SchemeHead2014   = "urn:mpeg:dash:utc:http-head:2014"
	SchemeHead2012   = "urn:mpeg:dash:utc:http-head:2012"
	SchemeDirect2014 = "urn:mpeg:dash:utc:direct:2014"
	SchemeDirect2012 = "urn:mpeg:dash:utc:direct:2012"
)

var errUnknownScheme = errors.New("unknown timing scheme")

// Source mirrors one UTCTiming descriptor. For http schemes Value is a
// whitespace-separated list of probe URLs; for direct schemes it is the
// timestamp itself.
type Source struct {
	Scheme string
	Value  string
}

// Synchronizer tracks the offset between the source's clock and the
// local one. The zero offset (never synced) means trust the local
// clock, which is the correct non-fatal fallback.
type Synchronizer struct {
	fetcher fetch.Fetcher
	timeout time.Duration
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu     sync.RWMutex
	offset time.Duration
	synced bool
}

// New creates a synchronizer that probes timing sources through the
// given fetcher. timeout bounds each individual probe. metrics may be
// nil.
func New(fetcher fetch.Fetcher, timeout time.Duration, m *metrics.Metrics) *Synchronizer {
	return &Synchronizer{
		fetcher: fetcher,
		timeout: timeout,
		metrics: m,
		log:     logger.Component("clock"),
	}
}

// Now returns the current time as the source sees it.
func (s *Synchronizer) Now() time.Time {
	return time.Now().Add(s.Offset())
}

// Offset returns the current server-minus-local offset.
func (s *Synchronizer) Offset() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}

// Synced reports whether any sync attempt has succeeded.
func (s *Synchronizer) Synced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synced
}

// Sync tries the sources strictly in order and stops at the first one
// that yields a server time. When every source fails the previous
// offset is kept and a warning is logged; that is not an error, the
// engine continues on the local clock. Only context cancellation makes
// Sync return a non-nil error.
func (s *Synchronizer) Sync(ctx context.Context, sources []Source) error {
	if len(sources) == 0 {
		return nil
	}

	for _, src := range sources {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		serverTime, err := s.query(ctx, src)
		if err != nil {
			if errors.Is(err, errUnknownScheme) {
				s.log.Debug().Str("scheme", src.Scheme).Msg("skipping unsupported timing scheme")
			} else {
				s.log.Debug().Err(err).Str("scheme", src.Scheme).Str("value", src.Value).Msg("timing source failed")
			}
			continue
		}

		offset := serverTime.Sub(time.Now())
		s.mu.Lock()
		s.offset = offset
		s.synced = true
		s.mu.Unlock()

		s.metrics.RecordClockSync(metrics.ResultSuccess)
		s.metrics.SetClockOffset(offset)
		s.log.Debug().Str("scheme", src.Scheme).Dur("offset", offset).Msg("clock synchronized")
		return nil
	}

	s.metrics.RecordClockSync(metrics.ResultError)
	s.log.Warn().Int("sources", len(sources)).Msg("all timing sources failed, continuing on local clock")
	return nil
}

// query resolves one source to a server time.
func (s *Synchronizer) query(ctx context.Context, src Source) (time.Time, error) {
	switch src.Scheme {
	case SchemeDirect2014, SchemeDirect2012:
		return parseTimestamp(src.Value)
	case SchemeXSDate2014, SchemeXSDate2012, SchemeISO2014, SchemeISO2012:
		return s.probeBody(ctx, src.Value)
	case SchemeHead2014, SchemeHead2012:
		return s.probeHead(ctx, src.Value)
	default:
		return time.Time{}, errUnknownScheme
	}
}

// probeBody issues a GET and parses the response body as a timestamp.
func (s *Synchronizer) probeBody(ctx context.Context, value string) (time.Time, error) {
	resp, err := s.probe(ctx, value, http.MethodGet)
	if err != nil {
		return time.Time{}, err
	}
	return parseTimestamp(strings.TrimSpace(string(resp.Data)))
}

// probeHead issues a HEAD and parses the Date response header.
func (s *Synchronizer) probeHead(ctx context.Context, value string) (time.Time, error) {
	resp, err := s.probe(ctx, value, http.MethodHead)
	if err != nil {
		return time.Time{}, err
	}
	date := resp.Headers.Get("Date")
	if date == "" {
		return time.Time{}, errors.New("no date header")
	}
	return http.ParseTime(date)
}

func (s *Synchronizer) probe(ctx context.Context, value, method string) (*fetch.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.fetcher.Fetch(ctx, fetch.TypeTiming, fetch.Request{
		URIs:   strings.Fields(value),
		Method: method,
	})
}

// parseTimestamp accepts the ISO 8601 forms seen in xsdate and iso
// timing responses, including zoneless times which are taken as UTC.
func parseTimestamp(v string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("unparseable timestamp: " + v)
}
