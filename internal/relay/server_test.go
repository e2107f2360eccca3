package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaylink/relaylink/internal/protocol"
)

// testRelay builds a Server, wraps its router in an httptest.Server, and
// returns both; dialAgent below opens an agent control channel against it.
func testRelay(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Config{Host: "127.0.0.1", Port: 0}, testLogger())
	ts := httptest.NewServer(s.router())
	t.Cleanup(ts.Close)
	return s, ts
}

func dialAgent(t *testing.T, ts *httptest.Server, tunnelID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + tunnelID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	// Drain the initial "connected" frame.
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	typ, err := protocol.PeekType(msg)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeConnected, typ)
	return conn
}

// agentEcho reads one http_request frame and replies with a canned
// http_response, standing in for an agent forwarding to a local service.
func agentEcho(t *testing.T, conn *websocket.Conn, status int, body string, headers map[string]string) protocol.HTTPRequest {
	t.Helper()
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeHTTPRequest, mustPeek(t, msg))

	var req protocol.HTTPRequest
	require.NoError(t, json.Unmarshal(msg, &req))

	resp := protocol.NewHTTPResponseFrame(protocol.HTTPResponse{
		RequestID: req.ID,
		Status:    status,
		Headers:   headers,
		Body:      []byte(body),
	})
	data, err := protocol.Marshal(resp)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	return req
}

func mustPeek(t *testing.T, data []byte) string {
	t.Helper()
	typ, err := protocol.PeekType(data)
	require.NoError(t, err)
	return typ
}

func createTunnel(t *testing.T, ts *httptest.Server, localPort int) tunnelResponse {
	t.Helper()
	body, err := json.Marshal(createTunnelRequest{LocalPort: localPort})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/tunnel/create", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Success bool           `json:"success"`
		Tunnel  tunnelResponse `json:"tunnel"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Success)
	return out.Tunnel
}

func TestWebhookHappyPathWithQueryString(t *testing.T) {
	_, ts := testRelay(t)
	tunnel := createTunnel(t, ts, 4000)
	conn := dialAgent(t, ts, tunnel.ID)
	defer conn.Close()

	go agentEcho(t, conn, 200, "pong", map[string]string{"X-Reply": "1"})

	resp, err := http.Get(ts.URL + "/t/" + tunnel.ID + "/ping?q=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-Reply"))
}

func TestWebhookUnknownTunnelNotFound(t *testing.T) {
	_, ts := testRelay(t)
	resp, err := http.Get(ts.URL + "/t/ghost/anything")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookDisconnectedTunnelUnavailable(t *testing.T) {
	_, ts := testRelay(t)
	tunnel := createTunnel(t, ts, 4000)

	resp, err := http.Get(ts.URL + "/t/" + tunnel.ID + "/anything")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebhookDispatchTimeout(t *testing.T) {
	s, ts := testRelay(t)
	tunnel := createTunnel(t, ts, 4000)
	conn := dialAgent(t, ts, tunnel.ID)
	defer conn.Close()

	// Never reply, but shrink the deadline so the test doesn't wait 30s.
	old := responseWait
	responseWait = 50 * time.Millisecond
	defer func() { responseWait = old }()

	done := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Get(ts.URL + "/t/" + tunnel.ID + "/slow")
		require.NoError(t, err)
		done <- resp
	}()

	// Consume the dispatched frame so the agent side looks alive, then never answer.
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	resp := <-done
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, 0, s.correlator.PendingCount())
}

func TestWebhookReconnectPreemptsOldChannel(t *testing.T) {
	_, ts := testRelay(t)
	tunnel := createTunnel(t, ts, 4000)

	first := dialAgent(t, ts, tunnel.ID)
	second := dialAgent(t, ts, tunnel.ID)
	defer second.Close()

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "superseded channel should observe a close")

	go agentEcho(t, second, 200, "from-second", nil)
	resp, err := http.Get(ts.URL + "/t/" + tunnel.ID + "/hello")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhookStripsHopByHopHeaders(t *testing.T) {
	_, ts := testRelay(t)
	tunnel := createTunnel(t, ts, 4000)
	conn := dialAgent(t, ts, tunnel.ID)
	defer conn.Close()

	reqCh := make(chan protocol.HTTPRequest, 1)
	go func() {
		reqCh <- agentEcho(t, conn, 200, "body", map[string]string{
			"Connection":     "keep-alive",
			"Content-Length": "9999",
			"X-Safe":         "yes",
		})
	}()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/t/"+tunnel.ID+"/submit", strings.NewReader("payload"))
	require.NoError(t, err)
	req.Header.Set("Connection", "keep-alive")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	seen := <-reqCh
	_, hasHost := seen.Headers["host"]
	_, hasConn := seen.Headers["connection"]
	assert.False(t, hasHost)
	assert.False(t, hasConn)
	assert.NotZero(t, seen.Timestamp)

	assert.NotEqual(t, "9999", resp.Header.Get("Content-Length"))
	assert.Equal(t, "yes", resp.Header.Get("X-Safe"))
}

func TestHealthEndpointReportsFrameVersion(t *testing.T) {
	_, ts := testRelay(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, float64(protocol.FrameVersion), out["frameVersion"])
}
