// Package fetch retrieves manifests, clock probes, and segments over HTTP
// or from the local filesystem. All network traffic in the engine funnels
// through one Fetcher so retry, failover, and instrumentation live in a
// single place.
package fetch

import (
	"context"
	"net/http"
)

// RequestType identifies what kind of resource a request is for. It
// selects instrumentation labels and lets implementations tune behavior
// per resource class.
type RequestType int

const (
	// TypeManifest is a manifest or playlist document.
	TypeManifest RequestType = iota
	// TypeTiming is a clock synchronization probe.
	TypeTiming
	// TypeSegment is a media segment.
	TypeSegment
)

// String returns the lowercase label for the request type.
func (t RequestType) String() string {
	switch t {
	case TypeManifest:
		return "manifest"
	case TypeTiming:
		return "timing"
	case TypeSegment:
		return "segment"
	default:
		return "unknown"
	}
}

// Request describes one logical fetch. URIs are candidate locations for
// the same resource, tried in order until one succeeds.
type Request struct {
	URIs []string
	// Method defaults to GET when empty. HEAD is used by clock probes
	// that only need response headers.
	Method string
	// Headers are added to every attempt.
	Headers map[string]string
}

// Response is the outcome of a successful fetch.
type Response struct {
	// URI is the location the data actually came from, after following
	// redirects. Relative references in the body resolve against it.
	URI        string
	Data       []byte
	Headers    http.Header
	StatusCode int
}

// Fetcher retrieves resources. Implementations must honor context
// cancellation between and during attempts.
type Fetcher interface {
	Fetch(ctx context.Context, rt RequestType, req Request) (*Response, error)
}
