// Package protocol defines the wire framing for the control channel shared
// between the relay and the agent: a set of JSON text frames disambiguated
// by their "type" field.
package protocol

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Frame type discriminators.
const (
	TypeConnected    = "connected"
	TypeHTTPRequest  = "http_request"
	TypeHTTPResponse = "http_response"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// FrameVersion identifies the wire framing generation. Bumped from the
// source's raw-string bodies to base64-encoded bodies (carried for free by
// Go's []byte JSON encoding) so binary payloads survive the relay intact.
const FrameVersion = 2

// typeEnvelope is used only to peek at the "type" discriminator of an
// otherwise-unknown frame before deciding which concrete struct to decode
// it into.
type typeEnvelope struct {
	Type string `json:"type"`
}

// PeekType extracts the "type" discriminator from a raw frame without
// decoding the rest of it.
func PeekType(data []byte) (string, error) {
	var env typeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("protocol: peek frame type: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("protocol: frame missing type field")
	}
	return env.Type, nil
}

// ConnectedFrame is sent relay→agent as the first message after a
// successful attachment.
type ConnectedFrame struct {
	Type     string `json:"type"`
	TunnelID string `json:"tunnelId"`
	Message  string `json:"message"`
}

// NewConnectedFrame builds a connected frame for the given tunnel.
func NewConnectedFrame(tunnelID, message string) ConnectedFrame {
	return ConnectedFrame{Type: TypeConnected, TunnelID: tunnelID, Message: message}
}

// HTTPRequest is the relay→agent frame carrying a proxied public request.
type HTTPRequest struct {
	Type      string            `json:"type"`
	ID        string            `json:"id"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Query     map[string]string `json:"query"`
	Headers   map[string]string `json:"headers"`
	Body      []byte            `json:"body,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// NewHTTPRequestFrame wraps an HTTPRequest payload with its type tag.
func NewHTTPRequestFrame(req HTTPRequest) HTTPRequest {
	req.Type = TypeHTTPRequest
	return req
}

// HTTPResponse is the agent→relay frame carrying the matching reply.
type HTTPResponse struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      []byte            `json:"body,omitempty"`
}

// NewHTTPResponseFrame wraps an HTTPResponse payload with its type tag.
func NewHTTPResponseFrame(resp HTTPResponse) HTTPResponse {
	resp.Type = TypeHTTPResponse
	return resp
}

// PingFrame is sent agent→relay on a 30s keepalive cadence.
type PingFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PongFrame echoes a ping's timestamp back relay→agent.
type PongFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorFrame may be sent by either side to report a protocol-level failure.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewErrorFrame builds an error frame.
func NewErrorFrame(code, message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: code, Message: message}
}

// Marshal encodes any frame value to its wire JSON form.
func Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal frame: %w", err)
	}
	return data, nil
}

// NewShortID draws a short, URL-safe identifier from a v4 UUID, keeping
// the 32 bits of entropy the design calls for while staying compact enough
// for subdomains and request ids alike.
func NewShortID() string {
	return uuid.New().String()[:8]
}

// HeadersFromHTTP flattens an http.Header into a single-valued map,
// lower-casing keys for wire transport.
func HeadersFromHTTP(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[lowerHeader(k)] = v[0]
		}
	}
	return out
}

// HeadersToHTTP expands a flattened header map back into an http.Header.
func HeadersToHTTP(h map[string]string) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out.Set(k, v)
	}
	return out
}

// lowerHeader ASCII-lowercases a header name; wire frames prefer
// lowercased keys per the data model.
func lowerHeader(key string) string {
	b := []byte(key)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// HopByHopHeaders is the set of headers that apply to a single transport
// hop and must never be forwarded across the tunnel in either direction.
var HopByHopHeaders = map[string]struct{}{
	"host":                {},
	"connection":          {},
	"upgrade":             {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"content-length":      {},
}

// IsHopByHop reports whether a header name (any case) must be stripped
// before crossing the tunnel.
func IsHopByHop(name string) bool {
	_, ok := HopByHopHeaders[lowerHeader(name)]
	return ok
}

// FilterHeaders returns a copy of h with hop-by-hop headers removed.
func FilterHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if IsHopByHop(k) {
			continue
		}
		out[k] = v
	}
	return out
}
