package relay

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaylink/relaylink/internal/protocol"
)

// defaultIdleThreshold is how long an unattached tunnel may sit before
// SweepIdle removes it, absent an explicit Registry.idleThreshold override.
const defaultIdleThreshold = 24 * time.Hour

// Tunnel is the server-side record of a single private-origin mapping and
// its optional live agent attachment. Registry owns the record; Hub borrows
// a transport handle for the lifetime of the attachment.
type Tunnel struct {
	ID        string
	LocalPort int
	CreatedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	requestCount uint64
	connected    bool
}

func newTunnel(id string, localPort int) *Tunnel {
	now := time.Now()
	return &Tunnel{
		ID:           id,
		LocalPort:    localPort,
		CreatedAt:    now,
		lastActivity: now,
	}
}

// Touch records activity on the tunnel, resetting the idle clock.
func (t *Tunnel) Touch() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

// setConnected flips the attachment flag and touches the activity clock.
func (t *Tunnel) setConnected(connected bool) {
	t.mu.Lock()
	t.connected = connected
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

// incRequestCount increments the monotonic proxied-request counter.
func (t *Tunnel) incRequestCount() {
	t.mu.Lock()
	t.requestCount++
	t.mu.Unlock()
}

// Info is the JSON-safe, point-in-time snapshot of a Tunnel.
type Info struct {
	ID           string    `json:"id"`
	LocalPort    int       `json:"localPort"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	RequestCount uint64    `json:"requestCount"`
	Connected    bool      `json:"connected"`
}

// Snapshot returns a race-free copy of the tunnel's current state.
func (t *Tunnel) Snapshot() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		ID:           t.ID,
		LocalPort:    t.LocalPort,
		CreatedAt:    t.CreatedAt,
		LastActivity: t.lastActivity,
		RequestCount: t.requestCount,
		Connected:    t.connected,
	}
}

// IsConnected reports whether a control channel is currently attached.
func (t *Tunnel) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Registry owns the set of live tunnels. All mutations are serialized by a
// single coarse mutex; readers may take a consistent snapshot.
type Registry struct {
	mu            sync.RWMutex
	tunnels       map[string]*Tunnel
	hub           *Hub
	logger        zerolog.Logger
	idleThreshold time.Duration
}

// NewRegistry creates an empty registry with the default idle threshold.
// SetHub must be called once the Hub exists, since Delete needs to instruct
// it to close any attachment.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tunnels:       make(map[string]*Tunnel),
		logger:        logger,
		idleThreshold: defaultIdleThreshold,
	}
}

// SetIdleThreshold overrides the idle duration SweepIdle checks against.
func (r *Registry) SetIdleThreshold(d time.Duration) {
	r.mu.Lock()
	r.idleThreshold = d
	r.mu.Unlock()
}

// SetHub wires the Hub the registry notifies on deletion. Resolves the
// construction-order cycle between Registry and Hub without a package
// split: both live in the same internal/relay package.
func (r *Registry) SetHub(hub *Hub) {
	r.hub = hub
}

// Create inserts a new tunnel. If preferredID is non-empty and already
// live, it fails with ErrAlreadyExists; otherwise a fresh id is drawn,
// regenerating on collision.
func (r *Registry) Create(localPort int, preferredID string) (*Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := preferredID
	if id != "" {
		if _, exists := r.tunnels[id]; exists {
			return nil, ErrAlreadyExists
		}
	} else {
		id = protocol.NewShortID()
		for {
			if _, exists := r.tunnels[id]; !exists {
				break
			}
			id = protocol.NewShortID()
		}
	}

	t := newTunnel(id, localPort)
	r.tunnels[id] = t
	r.logger.Info().Str("tunnel_id", id).Int("local_port", localPort).Msg("tunnel created")
	return t, nil
}

// Get retrieves a tunnel by id.
func (r *Registry) Get(id string) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tunnels[id]
	return t, ok
}

// List returns a snapshot of every live tunnel.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, t.Snapshot())
	}
	return out
}

// Count returns the number of live tunnels and how many are attached.
func (r *Registry) Count() (total, connected int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total = len(r.tunnels)
	for _, t := range r.tunnels {
		if t.IsConnected() {
			connected++
		}
	}
	return total, connected
}

// Delete removes the tunnel record. If a channel is attached, the Hub is
// instructed to close it, which in turn resolves every pending request for
// this tunnel with ErrTunnelGone.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	_, ok := r.tunnels[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.tunnels, id)
	r.mu.Unlock()

	if r.hub != nil {
		r.hub.closeTunnel(id, websocketCloseNormal, "tunnel deleted")
	}
	r.logger.Info().Str("tunnel_id", id).Msg("tunnel deleted")
	return nil
}

// SweepIdle removes every unattached tunnel whose last activity predates
// now by more than the idle threshold. Returns the number removed.
func (r *Registry) SweepIdle(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, t := range r.tunnels {
		if t.IsConnected() {
			continue
		}
		t.mu.Lock()
		stale := now.Sub(t.lastActivity) > r.idleThreshold
		t.mu.Unlock()
		if stale {
			delete(r.tunnels, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info().Int("count", removed).Msg("idle sweep removed tunnels")
	}
	return removed
}
