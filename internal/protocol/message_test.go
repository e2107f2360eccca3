package protocol

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeekType(t *testing.T) {
	frame := NewHTTPRequestFrame(HTTPRequest{ID: "abc123", Method: "GET", Path: "/hello"})
	data, err := Marshal(frame)
	require.NoError(t, err)

	typ, err := PeekType(data)
	require.NoError(t, err)
	assert.Equal(t, TypeHTTPRequest, typ)
}

func TestPeekTypeMissing(t *testing.T) {
	_, err := PeekType([]byte(`{"id":"abc"}`))
	assert.Error(t, err)
}

func TestPeekTypeInvalidJSON(t *testing.T) {
	_, err := PeekType([]byte(`not json`))
	assert.Error(t, err)
}

func TestHeadersFromHTTPLowercases(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("X-Request-Id", "abc")

	flat := HeadersFromHTTP(h)
	assert.Equal(t, "application/json", flat["content-type"])
	assert.Equal(t, "abc", flat["x-request-id"])
}

func TestFilterHeadersStripsHopByHop(t *testing.T) {
	in := map[string]string{
		"host":           "evil",
		"connection":     "keep-alive",
		"content-length": "5",
		"x-custom":       "keep-me",
	}
	out := FilterHeaders(in)

	assert.NotContains(t, out, "host")
	assert.NotContains(t, out, "connection")
	assert.NotContains(t, out, "content-length")
	assert.Equal(t, "keep-me", out["x-custom"])
}

func TestIsHopByHopCaseInsensitive(t *testing.T) {
	assert.True(t, IsHopByHop("Content-Length"))
	assert.True(t, IsHopByHop("TRANSFER-ENCODING"))
	assert.False(t, IsHopByHop("X-Custom"))
}

func TestNewShortIDLength(t *testing.T) {
	id := NewShortID()
	assert.Len(t, id, 8)
}

func TestNewShortIDUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := NewShortID()
		_, dup := seen[id]
		assert.False(t, dup, "unexpected duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestHTTPResponseRoundTrip(t *testing.T) {
	resp := NewHTTPResponseFrame(HTTPResponse{
		RequestID: "req1",
		Status:    200,
		Headers:   map[string]string{"content-type": "text/plain"},
		Body:      []byte("ok"),
	})
	data, err := Marshal(resp)
	require.NoError(t, err)

	typ, err := PeekType(data)
	require.NoError(t, err)
	require.Equal(t, TypeHTTPResponse, typ)

	var decoded HTTPResponse
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "ok", string(decoded.Body))
	assert.Equal(t, 200, decoded.Status)
}
