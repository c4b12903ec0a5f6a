// Package trace defines the phantom domain model: trace and span
// identifiers, the HTTP and MySQL trace records, and the storage and
// capture interfaces shared by every component.
package trace

import (
	"strings"
	"time"
)

// Method is an HTTP request method.
type Method string

// The nine standard HTTP methods.
const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodPatch   Method = "PATCH"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
	MethodTrace   Method = "TRACE"
	MethodConnect Method = "CONNECT"
)

// ParseMethod maps a wire-observed method token to a Method.
// Unknown tokens fall back to GET; capture must not fail on them.
func ParseMethod(s string) Method {
	switch m := Method(strings.ToUpper(s)); m {
	case MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch,
		MethodHead, MethodOptions, MethodTrace, MethodConnect:
		return m
	default:
		return MethodGet
	}
}

// HttpTrace is a complete HTTP request-response pair with timing metadata.
// A trace is built up by a capture backend and frozen once emitted; later
// stages only read or persist it.
type HttpTrace struct {
	SpanID       SpanID  `json:"span_id"`
	TraceID      TraceID `json:"trace_id"`
	ParentSpanID *SpanID `json:"parent_span_id,omitempty"`

	Method         Method            `json:"method"`
	URL            string            `json:"url"`
	RequestHeaders map[string]string `json:"request_headers"`
	RequestBody    []byte            `json:"request_body,omitempty"`

	StatusCode      uint16            `json:"status_code"`
	ResponseHeaders map[string]string `json:"response_headers"`
	ResponseBody    []byte            `json:"response_body,omitempty"`

	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`

	SourceAddr string `json:"source_addr,omitempty"`
	DestAddr   string `json:"dest_addr,omitempty"`

	// ProtocolVersion is e.g. "HTTP/1.1" or "HTTP/2".
	ProtocolVersion string `json:"protocol_version"`
}
