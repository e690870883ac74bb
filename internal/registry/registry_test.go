package registry

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psychrist666/liveline/internal/fetch"
	"github.com/psychrist666/liveline/internal/manifest"
)

type fakeParser struct{ name string }

func (f *fakeParser) Start(context.Context, string) (*manifest.Manifest, error) { return nil, nil }
func (f *fakeParser) Stop()                                                    {}

func fakeFactory(name string) Factory {
	return func() Parser { return &fakeParser{name: name} }
}

func parserName(f Factory) string {
	return f().(*fakeParser).name
}

func newTestRegistry() *Registry {
	r := New()
	r.Register(MimeDASH, fakeFactory("dash"))
	r.Register(MimeHLS, fakeFactory("hls"))
	r.Register(MimeHLSApple, fakeFactory("hls"))
	return r
}

func TestRegistry_ForMimeType(t *testing.T) {
	r := newTestRegistry()

	f, ok := r.ForMimeType("application/dash+xml")
	require.True(t, ok)
	assert.Equal(t, "dash", parserName(f))

	f, ok = r.ForMimeType("Application/DASH+XML; charset=utf-8")
	require.True(t, ok)
	assert.Equal(t, "dash", parserName(f))

	_, ok = r.ForMimeType("text/html")
	assert.False(t, ok)
}

func TestRegistry_ForURI(t *testing.T) {
	r := newTestRegistry()

	tests := []struct {
		name string
		uri  string
		want string
	}{
		{"mpd extension", "https://origin.example.com/live/manifest.mpd", "dash"},
		{"mpd with query", "https://origin.example.com/live/manifest.mpd?token=abc", "dash"},
		{"m3u8 extension", "https://origin.example.com/hls/master.m3u8", "hls"},
		{"m3u extension", "https://origin.example.com/hls/master.m3u", "hls"},
		{"local file path", "/var/media/out/manifest.mpd", "dash"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := r.ForURI(tt.uri)
			require.True(t, ok)
			assert.Equal(t, tt.want, parserName(f))
		})
	}

	_, ok := r.ForURI("https://origin.example.com/live/manifest.json")
	assert.False(t, ok)
}

type headFetcher struct {
	contentType string
	err         error
	sawMethod   string
}

func (f *headFetcher) Fetch(_ context.Context, _ fetch.RequestType, req fetch.Request) (*fetch.Response, error) {
	f.sawMethod = req.Method
	if f.err != nil {
		return nil, f.err
	}
	h := http.Header{}
	if f.contentType != "" {
		h.Set("Content-Type", f.contentType)
	}
	return &fetch.Response{URI: req.URIs[0], Headers: h, StatusCode: 200}, nil
}

func TestRegistry_ResolveByProbe(t *testing.T) {
	r := newTestRegistry()

	f := &headFetcher{contentType: "application/vnd.apple.mpegurl"}
	factory, ok := r.ResolveByProbe(context.Background(), f, "https://origin.example.com/live/index")
	require.True(t, ok)
	assert.Equal(t, "hls", parserName(factory))
	assert.Equal(t, http.MethodHead, f.sawMethod)
}

func TestRegistry_ResolveByProbeFallsBackToExtension(t *testing.T) {
	r := newTestRegistry()

	failing := &headFetcher{err: errors.New("head not supported")}
	factory, ok := r.ResolveByProbe(context.Background(), failing, "https://origin.example.com/live/manifest.mpd")
	require.True(t, ok)
	assert.Equal(t, "dash", parserName(factory))

	unhelpful := &headFetcher{contentType: "application/octet-stream"}
	factory, ok = r.ResolveByProbe(context.Background(), unhelpful, "https://origin.example.com/hls/master.m3u8")
	require.True(t, ok)
	assert.Equal(t, "hls", parserName(factory))

	_, ok = r.ResolveByProbe(context.Background(), unhelpful, "https://origin.example.com/live/manifest.bin")
	assert.False(t, ok)
}
