package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/relaylink/relaylink/internal/protocol"
)

// pendingKey namespaces a request id within its owning tunnel, so that
// cancelTunnel can resolve every pending record for a tunnel without
// scanning a flat key space.
type pendingKey struct {
	tunnelID  string
	requestID string
}

type outcome struct {
	resp *protocol.HTTPResponse
	err  error
}

type pendingRequest struct {
	key      pendingKey
	resultCh chan outcome
}

// Correlator mints request ids, parks callers awaiting a reply, and
// demultiplexes http_response frames back to the suspended caller. It owns
// every Pending Request and is the only component that deletes one.
type Correlator struct {
	mu      sync.Mutex
	pending map[pendingKey]*pendingRequest
	hub     *Hub
	logger  zerolog.Logger
}

// NewCorrelator creates a Correlator. SetHub must be called before Dispatch
// is used, to break the construction-order cycle with Hub.
func NewCorrelator(logger zerolog.Logger) *Correlator {
	return &Correlator{
		pending: make(map[pendingKey]*pendingRequest),
		logger:  logger,
	}
}

// SetHub wires the Hub the correlator sends frames through.
func (c *Correlator) SetHub(hub *Hub) {
	c.hub = hub
}

// Dispatch mints a request id, parks the caller, hands the frame to the
// Hub for transmission, and suspends until a reply arrives, ctx is
// cancelled (mapped to ErrTimeout on deadline exceeded), the tunnel is
// deleted, or the channel drops.
func (c *Correlator) Dispatch(ctx context.Context, tunnelID string, req protocol.HTTPRequest) (*protocol.HTTPResponse, error) {
	req.ID = protocol.NewShortID()
	req = protocol.NewHTTPRequestFrame(req)

	key := pendingKey{tunnelID: tunnelID, requestID: req.ID}
	pr := &pendingRequest{key: key, resultCh: make(chan outcome, 1)}

	c.mu.Lock()
	c.pending[key] = pr
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	data, err := protocol.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("serialize http_request: %w", err)
	}

	if err := c.hub.Send(tunnelID, data); err != nil {
		return nil, err
	}

	select {
	case res := <-pr.resultCh:
		return res.resp, res.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// OnResponse matches an inbound http_response frame to its pending
// request and resolves it. Duplicate or unknown replies are dropped
// silently, satisfying at-most-once resolution.
func (c *Correlator) OnResponse(tunnelID string, resp *protocol.HTTPResponse) {
	key := pendingKey{tunnelID: tunnelID, requestID: resp.RequestID}

	c.mu.Lock()
	pr, ok := c.pending[key]
	c.mu.Unlock()
	if !ok {
		return
	}

	select {
	case pr.resultCh <- outcome{resp: resp}:
	default:
	}
}

// CancelTunnel resolves every pending request for a tunnel with the given
// reason. Used when a channel drops or a tunnel is deleted mid-request.
func (c *Correlator) CancelTunnel(tunnelID string, reason error) {
	c.mu.Lock()
	var matches []*pendingRequest
	for key, pr := range c.pending {
		if key.tunnelID == tunnelID {
			matches = append(matches, pr)
		}
	}
	c.mu.Unlock()

	for _, pr := range matches {
		select {
		case pr.resultCh <- outcome{err: reason}:
		default:
		}
	}
}

// PendingCount reports the number of requests currently parked, mainly
// for tests asserting the deadline law leaves no residue.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
