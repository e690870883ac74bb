// Package registry maps manifest formats to parser constructors so the
// engine can pick a parser from a MIME type or a URI without the format
// packages importing each other.
package registry

import (
	"context"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/psychrist666/liveline/internal/fetch"
	"github.com/psychrist666/liveline/internal/manifest"
)

// MIME types the engine's own formats register under.
const (
	MimeDASH     = "application/dash+xml"
	MimeHLS      = "application/x-mpegurl"
	MimeHLSApple = "application/vnd.apple.mpegurl"
)

// Parser is the lifecycle every manifest format implements.
type Parser interface {
	Start(ctx context.Context, uri string) (*manifest.Manifest, error)
	Stop()
}

// Factory creates a fresh parser. Parsers are single-use, so the
// registry hands out constructors rather than instances.
type Factory func() Parser

// Registry maps MIME types to parser factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a MIME type to a factory, replacing any previous
// binding for that type.
func (r *Registry) Register(mimeType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalizeMime(mimeType)] = factory
}

// ForMimeType returns the factory registered for the given MIME type.
// Media type parameters are ignored.
func (r *Registry) ForMimeType(mimeType string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[normalizeMime(mimeType)]
	return f, ok
}

// ForURI guesses the format from the URI's file extension.
func (r *Registry) ForURI(uri string) (Factory, bool) {
	switch extensionOf(uri) {
	case ".mpd":
		return r.ForMimeType(MimeDASH)
	case ".m3u8", ".m3u":
		if f, ok := r.ForMimeType(MimeHLS); ok {
			return f, true
		}
		return r.ForMimeType(MimeHLSApple)
	}
	return nil, false
}

// ResolveByProbe asks the server for the manifest's Content-Type with a
// HEAD request and resolves it against the registry, falling back to
// the URI extension when the probe fails or reports an unregistered
// type.
func (r *Registry) ResolveByProbe(ctx context.Context, fetcher fetch.Fetcher, uri string) (Factory, bool) {
	resp, err := fetcher.Fetch(ctx, fetch.TypeManifest, fetch.Request{
		URIs:   []string{uri},
		Method: http.MethodHead,
	})
	if err == nil {
		if ct := resp.Headers.Get("Content-Type"); ct != "" {
			if f, ok := r.ForMimeType(ct); ok {
				return f, true
			}
		}
	}
	return r.ForURI(uri)
}

func normalizeMime(v string) string {
	if mt, _, err := mime.ParseMediaType(v); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(v))
}

func extensionOf(uri string) string {
	if u, err := url.Parse(uri); err == nil && u.Path != "" {
		return strings.ToLower(path.Ext(u.Path))
	}
	return strings.ToLower(path.Ext(uri))
}
