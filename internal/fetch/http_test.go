package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psychrist666/liveline/internal/config"
)

func newTestClient(retries int) *HTTPClient {
	return NewHTTPClient(config.HTTPConfig{
		Timeout:        2 * time.Second,
		UserAgent:      "liveline-test",
		RetryAttempts:  retries,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		ConditionalGET: true,
	}, nil)
}

func TestHTTPClient_FetchSuccess(t *testing.T) {
	var gotAgent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent.Store(r.Header.Get("User-Agent"))
		w.Write([]byte("<MPD/>"))
	}))
	defer srv.Close()

	c := newTestClient(0)
	resp, err := c.Fetch(context.Background(), TypeManifest, Request{URIs: []string{srv.URL + "/manifest.mpd"}})

	require.NoError(t, err)
	assert.Equal(t, []byte("<MPD/>"), resp.Data)
	assert.Equal(t, srv.URL+"/manifest.mpd", resp.URI)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "liveline-test", gotAgent.Load())
}

func TestHTTPClient_FailsOverAcrossURIs(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer good.Close()

	c := newTestClient(0)
	resp, err := c.Fetch(context.Background(), TypeManifest, Request{URIs: []string{bad.URL, good.URL}})

	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), resp.Data)
	assert.Equal(t, good.URL, resp.URI)
}

func TestHTTPClient_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(2)
	resp, err := c.Fetch(context.Background(), TypeManifest, Request{URIs: []string{srv.URL}})

	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), resp.Data)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClient_DoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(3)
	_, err := c.Fetch(context.Background(), TypeManifest, Request{URIs: []string{srv.URL}})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoUsableURI))
	assert.True(t, errors.Is(err, ErrHTTPStatus))

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClient_ConditionalGET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("body"))
	}))
	defer srv.Close()

	c := newTestClient(0)

	resp, err := c.Fetch(context.Background(), TypeManifest, Request{URIs: []string{srv.URL}})
	require.NoError(t, err)
	assert.Equal(t, []byte("body"), resp.Data)

	_, err = c.Fetch(context.Background(), TypeManifest, Request{URIs: []string{srv.URL}})
	assert.True(t, errors.Is(err, ErrNotModified))
}

func TestHTTPClient_ConditionalGETSkippedForTiming(t *testing.T) {
	var sawValidator atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "" {
			sawValidator.Store(true)
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("2024-01-01T00:00:00Z"))
	}))
	defer srv.Close()

	c := newTestClient(0)
	for i := 0; i < 2; i++ {
		_, err := c.Fetch(context.Background(), TypeTiming, Request{URIs: []string{srv.URL}})
		require.NoError(t, err)
	}
	assert.False(t, sawValidator.Load())
}

func TestHTTPClient_ReportsRedirectedURI(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/manifest.mpd", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/moved/manifest.mpd", http.StatusFound)
	})
	mux.HandleFunc("/moved/manifest.mpd", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("moved"))
	})

	c := newTestClient(0)
	resp, err := c.Fetch(context.Background(), TypeManifest, Request{URIs: []string{srv.URL + "/manifest.mpd"}})

	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/moved/manifest.mpd", resp.URI)
	assert.Equal(t, []byte("moved"), resp.Data)
}

func TestHTTPClient_FileURI(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.mpd")
	require.NoError(t, os.WriteFile(path, []byte("<MPD/>"), 0644))

	c := newTestClient(0)

	resp, err := c.Fetch(context.Background(), TypeManifest, Request{URIs: []string{path}})
	require.NoError(t, err)
	assert.Equal(t, []byte("<MPD/>"), resp.Data)

	resp, err = c.Fetch(context.Background(), TypeManifest, Request{URIs: []string{"file://" + path}})
	require.NoError(t, err)
	assert.Equal(t, "file://"+path, resp.URI)
}

func TestHTTPClient_FileURIMissing(t *testing.T) {
	c := newTestClient(0)
	_, err := c.Fetch(context.Background(), TypeManifest, Request{URIs: []string{filepath.Join(t.TempDir(), "absent.mpd")}})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoUsableURI))
}

func TestHTTPClient_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(2)
	_, err := c.Fetch(ctx, TypeManifest, Request{URIs: []string{srv.URL}})
	assert.Error(t, err)
}

func TestHTTPClient_EmptyURIList(t *testing.T) {
	c := newTestClient(0)
	_, err := c.Fetch(context.Background(), TypeManifest, Request{})
	assert.True(t, errors.Is(err, ErrNoUsableURI))
}

func TestRequestType_String(t *testing.T) {
	assert.Equal(t, "manifest", TypeManifest.String())
	assert.Equal(t, "timing", TypeTiming.String())
	assert.Equal(t, "segment", TypeSegment.String())
}

func TestBackoff_DelayWithinBounds(t *testing.T) {
	b := backoffConfig{Initial: 100 * time.Millisecond, Max: time.Second}

	for attempt := 0; attempt < 10; attempt++ {
		d := b.delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		// Max plus the widest possible jitter swing
		assert.LessOrEqual(t, d, time.Second+600*time.Millisecond)
	}
}
