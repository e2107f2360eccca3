package relay

import (
	"sync"
	"time"
)

const defaultMaxDiagnosticEntries = 100

// diagnosticEntry is one completed proxy exchange, kept only long enough
// to back the health endpoint's recent-activity summary. This is a much
// smaller stand-in for the teacher's per-tunnel request/response history
// store: that store backed an operator-facing list/replay REST surface,
// which is out of scope for this relay (see SPEC_FULL.md §9).
type diagnosticEntry struct {
	TunnelID  string
	Method    string
	Path      string
	Status    int
	Timestamp time.Time
}

// Diagnostics is a small bounded ring buffer of recently completed
// exchanges, evicting the oldest entry once it grows past its cap —
// the same evict-oldest-on-overflow idiom the teacher's RequestStore uses,
// generalized to a single cross-tunnel buffer instead of a per-tunnel
// replay log.
type Diagnostics struct {
	mu      sync.Mutex
	entries []diagnosticEntry
	max     int
}

// NewDiagnostics creates a ring buffer bounded at max entries (the
// --max-requests flag); non-positive values fall back to the default.
func NewDiagnostics(max int) *Diagnostics {
	if max <= 0 {
		max = defaultMaxDiagnosticEntries
	}
	return &Diagnostics{max: max}
}

// Record appends a completed exchange, evicting the oldest entry if the
// buffer is full.
func (d *Diagnostics) Record(tunnelID, method, path string, status int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries = append(d.entries, diagnosticEntry{
		TunnelID:  tunnelID,
		Method:    method,
		Path:      path,
		Status:    status,
		Timestamp: time.Now(),
	})
	if len(d.entries) > d.max {
		d.entries = d.entries[len(d.entries)-d.max:]
	}
}

// Summary is the aggregate the health endpoint reports.
type Summary struct {
	RecentRequests int `json:"recentRequests"`
	RecentErrors   int `json:"recentErrors"`
}

// Snapshot summarizes the current ring buffer contents.
func (d *Diagnostics) Snapshot() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Summary{RecentRequests: len(d.entries)}
	for _, e := range d.entries {
		if e.Status >= 500 {
			s.RecentErrors++
		}
	}
	return s
}
