package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/relaylink/relaylink/internal/protocol"
	"github.com/relaylink/relaylink/internal/tui"
)

const (
	reconnectInterval = 5 * time.Second
	maxReconnects     = 5
	pingPeriod        = 30 * time.Second
	pongWait          = 60 * time.Second
	healthTimeout     = 15 * time.Second
	managementTimeout = 30 * time.Second
)

// Config holds agent configuration.
type Config struct {
	ServerURL string
	LocalPort int
	Target    string // base URL of the local origin, e.g. "http://localhost:3000"
	Subdomain string
	Token     string
	Verbose   bool
}

// Agent is the agent runtime: it creates a tunnel at the relay, attaches a
// control channel, and forwards inbound frames to the local origin.
type Agent struct {
	config    Config
	forwarder *Forwarder
	display   *Display
	logger    zerolog.Logger

	httpClient *http.Client
	conn       *websocket.Conn

	tunnelID  string
	publicURL string

	tuiRequestCh chan<- tui.RequestItem
	tuiConnCh    chan<- tui.ConnectionInfo
}

// New creates an agent forwarding to cfg.Target.
func New(cfg Config, logger zerolog.Logger) *Agent {
	return &Agent{
		config:     cfg,
		forwarder:  NewForwarder(cfg.Target),
		display:    NewDisplay(cfg.Target, cfg.Verbose),
		logger:     logger,
		httpClient: &http.Client{Timeout: managementTimeout},
	}
}

// SetTUIChannels wires request/connection updates into an interactive TUI
// model; when unset the agent falls back to the line-log Display.
func (a *Agent) SetTUIChannels(reqCh chan<- tui.RequestItem, connCh chan<- tui.ConnectionInfo) {
	a.tuiRequestCh = reqCh
	a.tuiConnCh = connCh
}

// TunnelID returns the currently attached tunnel id, if any.
func (a *Agent) TunnelID() string { return a.tunnelID }

// PublicURL returns the tunnel's public URL, if any.
func (a *Agent) PublicURL() string { return a.publicURL }

// Run probes the relay, creates a tunnel, and attaches the control channel,
// reconnecting per the fixed-interval, capped-attempt state machine on any
// channel loss. It returns nil once ctx is cancelled (a clean shutdown) and
// a non-nil error only when reconnection is exhausted or setup fails.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.probeRelay(ctx); err != nil {
		return fmt.Errorf("relay health check failed: %w", err)
	}

	wsURL, err := a.createTunnel(ctx)
	if err != nil {
		return fmt.Errorf("create tunnel: %w", err)
	}

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := a.attach(ctx, wsURL, func() { attempt = 0 })
		if ctx.Err() != nil {
			return nil
		}

		a.display.LogDisconnected(err)
		a.sendConnectionUpdate(false, false)
		attempt++
		if attempt > maxReconnects {
			return fmt.Errorf("exhausted %d reconnect attempts: %w", maxReconnects, err)
		}
		a.display.LogReconnecting(attempt, maxReconnects)
		a.sendConnectionUpdate(false, true)

		select {
		case <-time.After(reconnectInterval):
		case <-ctx.Done():
			return nil
		}
	}
}

// probeRelay confirms the relay is reachable before creating a tunnel.
func (a *Agent) probeRelay(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.ServerURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

type createTunnelRequest struct {
	LocalPort int    `json:"localPort"`
	Subdomain string `json:"subdomain,omitempty"`
}

type createTunnelResponse struct {
	Success bool `json:"success"`
	Tunnel  struct {
		ID        string `json:"id"`
		PublicURL string `json:"publicUrl"`
		WsURL     string `json:"wsUrl"`
		LocalPort int    `json:"localPort"`
	} `json:"tunnel"`
}

// createTunnel calls POST /api/tunnel/create and returns the control
// channel URL to dial.
func (a *Agent) createTunnel(ctx context.Context) (string, error) {
	body, err := json.Marshal(createTunnelRequest{LocalPort: a.config.LocalPort, Subdomain: a.config.Subdomain})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, managementTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.ServerURL+"/api/tunnel/create", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.Token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("relay returned %d creating tunnel", resp.StatusCode)
	}

	var out createTunnelResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode create-tunnel response: %w", err)
	}
	if !out.Success {
		return "", fmt.Errorf("relay rejected tunnel creation")
	}

	a.tunnelID = out.Tunnel.ID
	a.publicURL = out.Tunnel.PublicURL
	return out.Tunnel.WsURL, nil
}

// attach dials the control channel, announces connection, and serves the
// request loop until the channel drops. onAttached fires once the relay's
// connected frame arrives, letting the caller reset its reconnect counter.
func (a *Agent) attach(ctx context.Context, wsURL string, onAttached func()) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial control channel: %w", err)
	}
	a.conn = conn
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read connected frame: %w", err)
	}
	typ, err := protocol.PeekType(msg)
	if err != nil || typ != protocol.TypeConnected {
		return fmt.Errorf("expected connected frame, got %q (err=%v)", typ, err)
	}

	onAttached()
	a.display.LogConnected(a.tunnelID, a.publicURL)
	a.sendConnectionUpdate(true, false)

	// conn.ReadMessage blocks regardless of ctx; closing the connection is
	// what actually unblocks serve's read loop on cancellation.
	closeOnCancel := make(chan struct{})
	defer close(closeOnCancel)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-closeOnCancel:
		}
	}()

	return a.serve(ctx, conn)
}

// serve reads control-channel frames until one fails, handling each
// http_request in its own goroutine and sending a ping every 30s.
func (a *Agent) serve(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)

	go a.pingLoop(conn, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("control channel read: %w", err)
		}

		typ, err := protocol.PeekType(message)
		if err != nil {
			a.logger.Debug().Err(err).Msg("dropping unparseable frame")
			continue
		}

		switch typ {
		case protocol.TypeHTTPRequest:
			var req protocol.HTTPRequest
			if err := json.Unmarshal(message, &req); err != nil {
				a.logger.Debug().Err(err).Msg("dropping malformed http_request")
				continue
			}
			go a.handleRequest(ctx, conn, req)
		case protocol.TypePong:
			conn.SetReadDeadline(time.Now().Add(pongWait))
		default:
			a.logger.Debug().Str("type", typ).Msg("ignoring unknown frame type")
		}
	}
}

func (a *Agent) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ping := protocol.PingFrame{Type: protocol.TypePing, Timestamp: time.Now().Unix()}
			data, err := protocol.Marshal(ping)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// handleRequest probes the local origin, forwards the request, and replies
// with the matching http_response frame.
func (a *Agent) handleRequest(ctx context.Context, conn *websocket.Conn, req protocol.HTTPRequest) {
	a.display.LogRequest(&req)
	start := time.Now()

	fwdCtx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()

	if err := a.forwarder.Probe(fwdCtx); err != nil {
		a.reply(conn, errorResponse(req.ID, http.StatusServiceUnavailable, "local origin is not responding"))
		a.display.LogError(err)
		return
	}

	result, err := a.forwarder.Forward(fwdCtx, req)
	duration := time.Since(start)
	if err != nil {
		a.display.LogError(err)
		a.reply(conn, errorResponse(req.ID, http.StatusInternalServerError, err.Error()))
		a.sendToTUI(req, 0, duration, err.Error(), nil, nil)
		return
	}

	a.display.LogResponse(result.Status, result.Body, duration)
	a.reply(conn, protocol.HTTPResponse{
		RequestID: req.ID,
		Status:    result.Status,
		Headers:   result.Headers,
		Body:      result.Body,
	})
	a.sendToTUI(req, result.Status, duration, "", result.Headers, result.Body)
}

// sendConnectionUpdate pushes the current attachment state to the TUI, if
// wired. reconnecting distinguishes a between-attempts wait from a settled
// disconnect so the dashboard can show an amber rather than a red indicator.
func (a *Agent) sendConnectionUpdate(connected, reconnecting bool) {
	if a.tuiConnCh == nil {
		return
	}
	select {
	case a.tuiConnCh <- tui.ConnectionInfo{
		TunnelID:     a.tunnelID,
		PublicURL:    a.publicURL,
		Target:       a.config.Target,
		ServerURL:    a.config.ServerURL,
		Token:        a.config.Token,
		Connected:    connected,
		Reconnecting: reconnecting,
	}:
	default:
	}
}

func (a *Agent) sendToTUI(req protocol.HTTPRequest, status int, duration time.Duration, errMsg string, resHeaders map[string]string, resBody []byte) {
	if a.tuiRequestCh == nil {
		return
	}
	item := tui.RequestItem{
		ID:         req.ID,
		Method:     req.Method,
		Path:       req.Path,
		StatusCode: status,
		Duration:   duration,
		Timestamp:  time.Now(),
		ReqHeaders: req.Headers,
		ReqBody:    req.Body,
		ResHeaders: resHeaders,
		ResBody:    resBody,
		Error:      errMsg,
	}
	select {
	case a.tuiRequestCh <- item:
	default:
	}
}

func errorResponse(requestID string, status int, message string) protocol.HTTPResponse {
	body, _ := json.Marshal(map[string]string{"error": message})
	return protocol.HTTPResponse{
		RequestID: requestID,
		Status:    status,
		Headers:   map[string]string{"content-type": "application/json"},
		Body:      body,
	}
}

func (a *Agent) reply(conn *websocket.Conn, resp protocol.HTTPResponse) {
	frame := protocol.NewHTTPResponseFrame(resp)
	data, err := protocol.Marshal(frame)
	if err != nil {
		a.logger.Warn().Err(err).Msg("failed to marshal http_response")
		return
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		a.logger.Warn().Err(err).Msg("failed to write http_response")
	}
}

// Shutdown closes the control channel and best-effort deletes the tunnel.
func (a *Agent) Shutdown(ctx context.Context) {
	if a.conn != nil {
		a.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutting down"),
			time.Now().Add(time.Second))
		a.conn.Close()
	}
	if a.tunnelID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.config.ServerURL+"/api/tunnel/"+a.tunnelID, nil)
	if err != nil {
		return
	}
	if a.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.Token)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Warn().Err(err).Msg("best-effort tunnel delete failed")
		return
	}
	resp.Body.Close()
}
