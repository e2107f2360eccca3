package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaylink/relaylink/internal/protocol"
)

func TestCorrelatorDispatchResolvesOnResponse(t *testing.T) {
	c := NewCorrelator(testLogger())
	hub := NewHub(NewRegistry(testLogger()), c, testLogger())
	c.SetHub(hub)

	// Attach a channel directly so hub.Send has somewhere to deliver to.
	ch := newChannel("t1", nil)
	hub.mu.Lock()
	hub.channels["t1"] = ch
	hub.mu.Unlock()

	resultCh := make(chan *protocol.HTTPResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := c.Dispatch(ctx, "t1", protocol.HTTPRequest{Method: "GET", Path: "/hello"})
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- resp
	}()

	// Pull the frame the correlator enqueued and reply with the echoed id.
	var frame []byte
	select {
	case frame = <-ch.send:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatched frame")
	}
	typ, err := protocol.PeekType(frame)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeHTTPRequest, typ)

	var req protocol.HTTPRequest
	require.NoError(t, json.Unmarshal(frame, &req))
	require.NotEmpty(t, req.ID)

	c.OnResponse("t1", &protocol.HTTPResponse{RequestID: req.ID, Status: 200, Body: []byte("ok")})

	select {
	case resp := <-resultCh:
		assert.Equal(t, 200, resp.Status)
		assert.Equal(t, "ok", string(resp.Body))
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("dispatch never resolved")
	}

	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelatorDispatchTimeout(t *testing.T) {
	c := NewCorrelator(testLogger())
	hub := NewHub(NewRegistry(testLogger()), c, testLogger())
	c.SetHub(hub)

	ch := newChannel("t1", nil)
	hub.mu.Lock()
	hub.channels["t1"] = ch
	hub.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Dispatch(ctx, "t1", protocol.HTTPRequest{Method: "GET", Path: "/slow"})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelatorCancelTunnelResolvesAllPending(t *testing.T) {
	c := NewCorrelator(testLogger())
	hub := NewHub(NewRegistry(testLogger()), c, testLogger())
	c.SetHub(hub)

	ch := newChannel("t1", nil)
	hub.mu.Lock()
	hub.channels["t1"] = ch
	hub.mu.Unlock()

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := c.Dispatch(ctx, "t1", protocol.HTTPRequest{Method: "GET", Path: "/x"})
			errs <- err
		}()
	}

	// Drain every dispatched frame so each goroutine has parked.
	for i := 0; i < n; i++ {
		<-ch.send
	}
	// Give the goroutines a moment to install their pending record.
	time.Sleep(20 * time.Millisecond)

	c.CancelTunnel("t1", ErrChannelDropped)

	for i := 0; i < n; i++ {
		err := <-errs
		assert.ErrorIs(t, err, ErrChannelDropped)
	}
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelatorOnResponseUnknownRequestIsDropped(t *testing.T) {
	c := NewCorrelator(testLogger())
	// Should not panic or block on an unrecognized request id.
	c.OnResponse("t1", &protocol.HTTPResponse{RequestID: "ghost", Status: 200})
	assert.Equal(t, 0, c.PendingCount())
}
