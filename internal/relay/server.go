// Package relay implements the relay side of the tunnel: the Tunnel
// Registry, Control Channel Hub, Request Correlator and Public Ingress
// described in SPEC_FULL.md.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/relaylink/relaylink/internal/protocol"
)

// responseWait is the end-to-end public request deadline at the Correlator.
// Var rather than const so tests can shrink it instead of waiting 30s.
var responseWait = 30 * time.Second

const (
	defaultMaxBodySize    = 10 * 1024 * 1024
	defaultMaxMessageSize = 10 * 1024 * 1024
	sweepInterval         = 1 * time.Hour
)

// Config holds relay server configuration.
type Config struct {
	Port           int
	Host           string
	PublicURL      string
	MaxRequests    int
	Token          string
	TLSCert        string
	TLSKey         string
	MaxBodySize    int64
	MaxMessageSize int64
	AllowedOrigins []string
	IdleTimeout    time.Duration
}

// Server is the relaylink relay: it wires the Tunnel Registry, Control
// Channel Hub, Request Correlator and Public Ingress HTTP surface
// together.
type Server struct {
	config     Config
	registry   *Registry
	hub        *Hub
	correlator *Correlator
	diag       *Diagnostics
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// New wires a complete relay from configuration.
func New(cfg Config, logger zerolog.Logger) *Server {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	registry := NewRegistry(logger)
	if cfg.IdleTimeout > 0 {
		registry.SetIdleThreshold(cfg.IdleTimeout)
	}
	correlator := NewCorrelator(logger)
	hub := NewHub(registry, correlator, logger)
	correlator.SetHub(hub)
	registry.SetHub(hub)

	s := &Server{
		config:     cfg,
		registry:   registry,
		hub:        hub,
		correlator: correlator,
		diag:       NewDiagnostics(cfg.MaxRequests),
		logger:     logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	s.logger.Warn().Str("origin", origin).Msg("rejected control channel connection from origin")
	return false
}

// router assembles the relay's HTTP surface: the control channel upgrade
// endpoint, the /api management subrouter, the public /t/{id} ingress, and
// /health.
func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{tunnel_id}", s.handleWebSocket)

	api := r.PathPrefix("/api").Subrouter()
	if s.config.Token != "" {
		api.Use(s.authMiddleware)
	}
	api.HandleFunc("/tunnel/create", s.handleCreateTunnel).Methods(http.MethodPost)
	api.HandleFunc("/tunnels", s.handleListTunnels).Methods(http.MethodGet)
	api.HandleFunc("/tunnel/{tunnel_id}", s.handleGetTunnel).Methods(http.MethodGet)
	api.HandleFunc("/tunnel/{tunnel_id}", s.handleDeleteTunnel).Methods(http.MethodDelete)

	r.PathPrefix("/t/{tunnel_id}").HandlerFunc(s.handleWebhook)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

// Run starts the relay's HTTP server, the idle-tunnel sweep, and blocks
// until ctx is cancelled or the server errors.
func (s *Server) Run(ctx context.Context) error {
	r := s.router()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	if s.config.PublicURL != "" {
		s.logger.Info().Str("public_url", s.config.PublicURL).Msg("public URL configured")
	}
	if s.config.Token != "" {
		s.logger.Info().Msg("management API requires a bearer token")
	}

	httpSrv := &http.Server{Addr: addr, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		if s.config.TLSCert != "" && s.config.TLSKey != "" {
			s.logger.Info().Str("addr", addr).Msg("relay listening (TLS)")
			errCh <- httpSrv.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
		} else {
			s.logger.Info().Str("addr", addr).Msg("relay listening")
			errCh <- httpSrv.ListenAndServe()
		}
	}()

	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-sweepTicker.C:
			s.registry.SweepIdle(time.Now())
		case <-ctx.Done():
			s.logger.Info().Msg("shutting down relay")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.checkAuth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkAuth validates the optional bearer token against the management
// API only; the public /t/{id}/* proxy surface never requires it.
func (s *Server) checkAuth(r *http.Request) bool {
	if s.config.Token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) && auth[len(prefix):] == s.config.Token {
		return true
	}
	return false
}

// handleWebSocket implements the Control Channel Hub's attachment
// handshake (§4.2): validate the path and tunnel, then hand off to Hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tunnelID := vars["tunnel_id"]
	if tunnelID == "" {
		http.Error(w, "missing tunnel id", http.StatusBadRequest)
		return
	}

	tunnel, ok := s.registry.Get(tunnelID)
	if !ok {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocketClosePolicyViolation, "unknown tunnel"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("control channel upgrade failed")
		return
	}
	conn.SetReadLimit(s.config.MaxMessageSize)

	s.logger.Info().Str("tunnel_id", tunnelID).Msg("agent attached")
	s.hub.Attach(tunnel, conn)
	s.logger.Info().Str("tunnel_id", tunnelID).Msg("agent detached")
}

// handleWebhook is the Public Ingress: it converts an inbound HTTP
// request into an http_request frame, dispatches it through the
// Correlator, and converts the http_response frame back into an HTTP
// response (§4.4).
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tunnelID := vars["tunnel_id"]

	tunnel, ok := s.registry.Get(tunnelID)
	if !ok {
		http.Error(w, fmt.Sprintf("tunnel %q not found", tunnelID), http.StatusNotFound)
		return
	}
	if !tunnel.IsConnected() {
		http.Error(w, fmt.Sprintf(
			"tunnel %q has no connected agent (expected on local port %d)", tunnelID, tunnel.LocalPort),
			http.StatusServiceUnavailable)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodySize)
	var body []byte
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "request body too large or unreadable", http.StatusRequestEntityTooLarge)
			return
		}
	}

	path := r.URL.Path[len("/t/"+tunnelID):]
	if path == "" {
		path = "/"
	}

	query := make(map[string]string, len(r.URL.Query()))
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	req := protocol.HTTPRequest{
		Method:    r.Method,
		Path:      path,
		Query:     query,
		Headers:   protocol.FilterHeaders(protocol.HeadersFromHTTP(r.Header)),
		Body:      body,
		Timestamp: time.Now().Unix(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), responseWait)
	defer cancel()

	resp, err := s.correlator.Dispatch(ctx, tunnelID, req)
	if err != nil {
		s.diag.Record(tunnelID, r.Method, path, statusFor(err))
		s.logger.Warn().Str("tunnel_id", tunnelID).Str("method", r.Method).Str("path", path).Err(err).Msg("dispatch failed")
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	outHeaders := protocol.FilterHeaders(resp.Headers)
	for k, v := range outHeaders {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)

	tunnel.incRequestCount()
	tunnel.Touch()
	s.diag.Record(tunnelID, r.Method, path, resp.Status)
}

type createTunnelRequest struct {
	LocalPort int    `json:"localPort"`
	Subdomain string `json:"subdomain,omitempty"`
}

type tunnelResponse struct {
	ID        string    `json:"id"`
	PublicURL string    `json:"publicUrl"`
	WsURL     string    `json:"wsUrl"`
	LocalPort int       `json:"localPort"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) tunnelResponseFor(info Info) tunnelResponse {
	publicURL := s.config.PublicURL
	if publicURL == "" {
		publicURL = fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
	}
	wsScheme := "ws"
	base := publicURL
	if strings.HasPrefix(base, "https://") {
		wsScheme = "wss"
		base = strings.TrimPrefix(base, "https://")
	} else {
		base = strings.TrimPrefix(base, "http://")
	}

	return tunnelResponse{
		ID:        info.ID,
		PublicURL: fmt.Sprintf("%s/t/%s", publicURL, info.ID),
		WsURL:     fmt.Sprintf("%s://%s/ws/%s", wsScheme, base, info.ID),
		LocalPort: info.LocalPort,
		CreatedAt: info.CreatedAt,
	}
}

func (s *Server) handleCreateTunnel(w http.ResponseWriter, r *http.Request) {
	var req createTunnelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.LocalPort <= 0 {
		writeJSONError(w, http.StatusBadRequest, "localPort is required")
		return
	}

	tunnel, err := s.registry.Create(req.LocalPort, req.Subdomain)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"tunnel":  s.tunnelResponseFor(tunnel.Snapshot()),
	})
}

func (s *Server) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tunnels": s.registry.List()})
}

func (s *Server) handleGetTunnel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["tunnel_id"]
	tunnel, ok := s.registry.Get(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "tunnel not found")
		return
	}
	writeJSON(w, http.StatusOK, tunnel.Snapshot())
}

func (s *Server) handleDeleteTunnel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["tunnel_id"]
	if err := s.registry.Delete(id); err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("tunnel %q deleted", id),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, connected := s.registry.Count()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"timestamp":     time.Now(),
		"activeTunnels": total,
		"connected":     connected,
		"diagnostics":   s.diag.Snapshot(),
		"frameVersion":  protocol.FrameVersion,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
