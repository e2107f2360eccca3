package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/relaylink/relaylink/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	websocketCloseNormal          = websocket.CloseNormalClosure
	websocketClosePolicyViolation = websocket.ClosePolicyViolation
)

// channel is the Hub's transport handle for one attached tunnel: a
// WebSocket connection plus the buffered send queue that gives the Hub its
// single-writer discipline (exactly one goroutine, writePump, ever calls
// conn.WriteMessage).
type channel struct {
	tunnelID string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	closeOnce sync.Once
}

func newChannel(tunnelID string, conn *websocket.Conn) *channel {
	return &channel{
		tunnelID: tunnelID,
		conn:     conn,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
	}
}

// shutdown is idempotent: it may be called from the read side, the write
// side, or an explicit Hub.closeTunnel, whichever notices first.
func (c *channel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Hub accepts one duplex control channel per tunnel, enforces single
// attachment (a new attachment closes the previous one), and routes
// frames between the agent and the Request Correlator.
type Hub struct {
	mu         sync.Mutex
	channels   map[string]*channel
	registry   *Registry
	correlator *Correlator
	logger     zerolog.Logger
}

// NewHub wires a Hub to the registry and correlator it routes frames
// between. Call Registry.SetHub(hub) afterward to complete the cycle.
func NewHub(registry *Registry, correlator *Correlator, logger zerolog.Logger) *Hub {
	return &Hub{
		channels:   make(map[string]*channel),
		registry:   registry,
		correlator: correlator,
		logger:     logger,
	}
}

// Attach binds a freshly upgraded WebSocket connection to a tunnel. If a
// channel is already attached for that id, the previous one is closed
// first so the new attachment always wins. Blocks until the channel's
// read loop exits (on error, explicit close, or relay shutdown).
func (h *Hub) Attach(tunnel *Tunnel, conn *websocket.Conn) {
	ch := newChannel(tunnel.ID, conn)

	h.mu.Lock()
	if old, exists := h.channels[tunnel.ID]; exists {
		h.mu.Unlock()
		h.logger.Info().Str("tunnel_id", tunnel.ID).Msg("closing previous attachment for reconnect")
		old.shutdown()
		old.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocketCloseNormal, "superseded by new attachment"),
			time.Now().Add(writeWait))
		old.conn.Close()
		h.mu.Lock()
	}
	h.channels[tunnel.ID] = ch
	h.mu.Unlock()

	tunnel.setConnected(true)

	connected := protocol.NewConnectedFrame(tunnel.ID, "attached")
	if data, err := protocol.Marshal(connected); err == nil {
		select {
		case ch.send <- data:
		default:
		}
	}

	go h.writePump(ch)
	h.readPump(tunnel, ch)
}

// Send enqueues a frame for transmission on the tunnel's channel. Fails
// synchronously with ErrNotConnected/ErrSendFailed if no channel is
// attached or the send queue cannot accept it immediately.
func (h *Hub) Send(tunnelID string, data []byte) error {
	h.mu.Lock()
	ch, ok := h.channels[tunnelID]
	h.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	select {
	case ch.send <- data:
		return nil
	case <-ch.done:
		return ErrChannelDropped
	default:
		return ErrSendFailed
	}
}

// closeTunnel force-closes the attached channel for a tunnel, if any. Used
// by Registry.Delete so a removed tunnel cannot keep serving requests.
func (h *Hub) closeTunnel(tunnelID string, code int, reason string) {
	h.mu.Lock()
	ch, ok := h.channels[tunnelID]
	if ok {
		delete(h.channels, tunnelID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	ch.shutdown()
	ch.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
	ch.conn.Close()
	h.correlator.CancelTunnel(tunnelID, ErrTunnelGone)
}

// writePump is the channel's single writer: it drains the buffered send
// queue and also owns the 30s keepalive ping cadence.
func (h *Hub) writePump(ch *channel) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ch.conn.Close()
	}()

	for {
		select {
		case data, ok := <-ch.send:
			ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ch.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ch.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.detach(ch.tunnelID, ch)
				return
			}
		case <-ticker.C:
			ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ch.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.detach(ch.tunnelID, ch)
				return
			}
		case <-ch.done:
			return
		}
	}
}

// readPump reads inbound frames and dispatches them by type. It returns
// when the connection errors or is superseded. Unless a newer attachment
// has already replaced this channel, the tunnel is then marked
// disconnected and all of its pending requests are cancelled.
func (h *Hub) readPump(tunnel *Tunnel, ch *channel) {
	defer h.detach(tunnel.ID, ch)

	ch.conn.SetReadDeadline(time.Now().Add(pongWait))
	ch.conn.SetPongHandler(func(string) error {
		ch.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := ch.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Info().Str("tunnel_id", tunnel.ID).Err(err).Msg("control channel read error")
			}
			return
		}

		typ, err := protocol.PeekType(message)
		if err != nil {
			h.logger.Debug().Str("tunnel_id", tunnel.ID).Err(err).Msg("dropping unparseable frame")
			continue
		}

		switch typ {
		case protocol.TypeHTTPResponse:
			var resp protocol.HTTPResponse
			if err := json.Unmarshal(message, &resp); err != nil {
				h.logger.Debug().Str("tunnel_id", tunnel.ID).Err(err).Msg("dropping malformed http_response")
				continue
			}
			tunnel.Touch()
			h.correlator.OnResponse(tunnel.ID, &resp)
		case protocol.TypePing:
			tunnel.Touch()
			var ping protocol.PingFrame
			if err := json.Unmarshal(message, &ping); err != nil {
				h.logger.Debug().Str("tunnel_id", tunnel.ID).Err(err).Msg("dropping malformed ping")
				continue
			}
			pong := protocol.PongFrame{Type: protocol.TypePong, Timestamp: ping.Timestamp}
			if data, err := protocol.Marshal(pong); err == nil {
				select {
				case ch.send <- data:
				default:
				}
			}
		default:
			h.logger.Debug().Str("tunnel_id", tunnel.ID).Str("type", typ).Msg("ignoring unknown frame type")
		}
	}
}

// detach is the single place a channel stops being the tunnel's
// attachment: it is safe to call more than once (e.g. once from the read
// side and once from the write side racing on the same failure).
func (h *Hub) detach(tunnelID string, ch *channel) {
	h.mu.Lock()
	current, ok := h.channels[tunnelID]
	if ok && current == ch {
		delete(h.channels, tunnelID)
	} else {
		ok = false
	}
	h.mu.Unlock()

	ch.shutdown()
	if !ok {
		// Already superseded by a newer attachment; that attachment owns
		// the tunnel's connected state now.
		return
	}

	if t, found := h.registry.Get(tunnelID); found {
		t.setConnected(false)
	}
	h.correlator.CancelTunnel(tunnelID, ErrChannelDropped)
	h.logger.Info().Str("tunnel_id", tunnelID).Msg("tunnel detached")
}
