package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/psychrist666/liveline/internal/config"
	"github.com/psychrist666/liveline/internal/logger"
	"github.com/psychrist666/liveline/internal/metrics"
)

// validator caches the response validators a source handed out for one
// URI, for use in later conditional requests.
type validator struct {
	etag         string
	lastModified string
}

// HTTPClient is the production Fetcher. It tries candidate URIs in
// order, retries transient failures per URI with exponential backoff,
// and issues conditional GETs for manifests when the source supports
// them. Local paths and file:// URIs are read from disk.
type HTTPClient struct {
	client      *http.Client
	userAgent   string
	retries     int
	backoff     backoffConfig
	conditional bool
	metrics     *metrics.Metrics
	log         zerolog.Logger

	mu         sync.Mutex
	validators map[string]validator
}

// NewHTTPClient creates a fetcher from the HTTP section of the config.
// metrics may be nil.
func NewHTTPClient(cfg config.HTTPConfig, m *metrics.Metrics) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		userAgent: cfg.UserAgent,
		retries:   cfg.RetryAttempts,
		backoff: backoffConfig{
			Initial: cfg.RetryBaseDelay,
			Max:     cfg.RetryMaxDelay,
		},
		conditional: cfg.ConditionalGET,
		metrics:     m,
		log:         logger.Component("fetch"),
		validators:  make(map[string]validator),
	}
}

// Fetch tries each URI in order until one yields a response. A 304 from
// a conditional request returns ErrNotModified immediately without
// falling over to the next URI, since the resource is known current.
func (c *HTTPClient) Fetch(ctx context.Context, rt RequestType, req Request) (*Response, error) {
	if len(req.URIs) == 0 {
		return nil, ErrNoUsableURI
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var failures []error
	for _, uri := range req.URIs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var resp *Response
		var err error
		if isLocalURI(uri) {
			resp, err = c.fetchFile(uri)
		} else {
			resp, err = c.fetchWithRetry(ctx, rt, method, uri, req.Headers)
		}
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, ErrNotModified) {
			return nil, err
		}

		c.log.Warn().Err(err).Str("uri", uri).Str("type", rt.String()).Msg("fetch failed")
		failures = append(failures, fmt.Errorf("%s: %w", uri, err))
	}

	return nil, fmt.Errorf("%w: %w", ErrNoUsableURI, errors.Join(failures...))
}

// fetchWithRetry performs up to 1+retries attempts against a single URI.
func (c *HTTPClient) fetchWithRetry(ctx context.Context, rt RequestType, method, uri string, headers map[string]string) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff.delay(attempt - 1)):
			}
			c.log.Debug().Str("uri", uri).Int("attempt", attempt+1).Msg("retrying fetch")
		}

		resp, err := c.do(ctx, rt, method, uri, headers)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// do performs one HTTP attempt.
func (c *HTTPClient) do(ctx context.Context, rt RequestType, method, uri string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.useConditional(rt, method) {
		c.mu.Lock()
		if v, ok := c.validators[uri]; ok {
			if v.etag != "" {
				req.Header.Set("If-None-Match", v.etag)
			}
			if v.lastModified != "" {
				req.Header.Set("If-Modified-Since", v.lastModified)
			}
		}
		c.mu.Unlock()
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.RecordFetchAttempt(rt.String(), false)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		c.metrics.RecordFetchAttempt(rt.String(), true)
		return nil, ErrNotModified
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.RecordFetchAttempt(rt.String(), false)
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.RecordFetchAttempt(rt.String(), false)
		return nil, &StatusError{Code: resp.StatusCode}
	}

	if c.useConditional(rt, method) {
		etag := resp.Header.Get("ETag")
		lastModified := resp.Header.Get("Last-Modified")
		if etag != "" || lastModified != "" {
			c.mu.Lock()
			c.validators[uri] = validator{etag: etag, lastModified: lastModified}
			c.mu.Unlock()
		}
	}

	// The redirect-following transport leaves the final location on the
	// request; relative references in the body resolve against it.
	finalURI := uri
	if resp.Request != nil && resp.Request.URL != nil {
		finalURI = resp.Request.URL.String()
	}

	c.metrics.RecordFetchAttempt(rt.String(), true)
	return &Response{
		URI:        finalURI,
		Data:       data,
		Headers:    resp.Header,
		StatusCode: resp.StatusCode,
	}, nil
}

// fetchFile serves file:// URIs and bare filesystem paths.
func (c *HTTPClient) fetchFile(uri string) (*Response, error) {
	path := strings.TrimPrefix(uri, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &Response{
		URI:        uri,
		Data:       data,
		Headers:    http.Header{},
		StatusCode: http.StatusOK,
	}, nil
}

func (c *HTTPClient) useConditional(rt RequestType, method string) bool {
	return c.conditional && rt == TypeManifest && method == http.MethodGet
}

// isLocalURI reports whether the URI names a local file rather than a
// network resource.
func isLocalURI(uri string) bool {
	if strings.HasPrefix(uri, "file://") {
		return true
	}
	return !strings.Contains(uri, "://")
}

// retryable reports whether another attempt against the same URI could
// succeed. Client errors and 304 are definitive answers; everything
// else (network faults, timeouts, server errors) is transient.
func retryable(err error) bool {
	if errors.Is(err, ErrNotModified) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}
