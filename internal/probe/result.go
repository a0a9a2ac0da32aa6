// Package probe issues the single crafted HTTP calls every check and probe
// is built from, and classifies what came back without ever raising on a
// network failure.
package probe

import (
	"net/http"
	"time"
)

// Per-call timeout tiers. Lightweight health and auth traffic gets a short
// bound, full completions a long one.
const (
	DefaultTimeout    = 30 * time.Second
	CompletionTimeout = 60 * time.Second
	HealthTimeout     = 10 * time.Second
)

// FrameCap bounds how many SSE frames a streaming probe reads before closing
// the connection. The count is the evidence, not the frame content.
const FrameCap = 2

// Request describes one crafted call. Built fresh per call, never reused.
type Request struct {
	Path    string
	Method  string            // defaults to POST
	Headers map[string]string // set after the standard headers, so overrides win
	Body    any               // marshaled to JSON when non-nil
	Stream  bool              // count SSE frames instead of reading the body
	Timeout time.Duration     // defaults to DefaultTimeout
}

// Result is the observed outcome of one call. A zero Status means the call
// never produced an HTTP response; Err then carries the transport
// description. Callers use that split to tell "gateway said no" from
// "gateway unreachable".
type Result struct {
	Status  int
	Headers http.Header
	Body    []byte
	JSON    map[string]any // nil unless the body decoded as a JSON object
	Frames  int            // SSE frames observed, streaming requests only
	Latency time.Duration
	Err     string
}

// TransportFailed reports whether the call died before an HTTP response.
func (r Result) TransportFailed() bool {
	return r.Status == 0
}

// Succeeded reports a 200 or 201 response.
func (r Result) Succeeded() bool {
	return r.Status == http.StatusOK || r.Status == http.StatusCreated
}

// RateLimited reports a 429 response.
func (r Result) RateLimited() bool {
	return r.Status == http.StatusTooManyRequests
}

// ServedModel returns the model field of a JSON response body, empty when
// absent. Probes compare it against the requested model to detect failover.
func (r Result) ServedModel() string {
	if r.JSON == nil {
		return ""
	}
	if m, ok := r.JSON["model"].(string); ok {
		return m
	}
	return ""
}
