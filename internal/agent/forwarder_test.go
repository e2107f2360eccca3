package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaylink/relaylink/internal/protocol"
)

func TestForwarderForwardRoundTrip(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/hello", r.URL.Path)
		assert.Equal(t, "x=1", r.URL.RawQuery)
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer origin.Close()

	f := NewForwarder(origin.URL)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := f.Forward(ctx, protocol.HTTPRequest{Method: http.MethodGet, Path: "/hello?x=1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, result.Status)
	assert.Equal(t, "created", string(result.Body))
	assert.Equal(t, "yes", result.Headers["X-Origin"])
}

func TestForwarderForwardStripsHopByHopRequestHeaders(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Connection"))
		assert.Equal(t, "keep", r.Header.Get("X-Keep"))
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	f := NewForwarder(origin.URL)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := f.Forward(ctx, protocol.HTTPRequest{
		Method: http.MethodGet,
		Path:   "/",
		Headers: map[string]string{
			"Connection": "keep-alive",
			"X-Keep":     "keep",
		},
	})
	require.NoError(t, err)
}

func TestForwarderProbeFailsWhenOriginDown(t *testing.T) {
	f := NewForwarder("http://127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, f.Probe(ctx))
}

func TestForwarderProbeSucceedsWhenOriginUp(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	f := NewForwarder(origin.URL)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, f.Probe(ctx))
}
