package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/flowpbx/negotiator/internal/metrics"
)

// stats holds process-wide negotiation counters, shared by all sessions of
// a manager.
type stats struct {
	sent            atomic.Uint64
	suppressed      atomic.Uint64
	queued          atomic.Uint64
	collisions      atomic.Uint64
	resolveFailures atomic.Uint64
	deferredInvites atomic.Uint64
	recycled        atomic.Uint64
}

// ManagerOptions carries the dependencies shared by every session.
type ManagerOptions struct {
	Logger   *slog.Logger
	Defaults Options // template; CallID, Role and OnClose are set per session

	// OnSessionClosed, if set, is notified after a session terminates and
	// is removed from the manager.
	OnSessionClosed func(callID string)
}

// Manager owns all live negotiation sessions, keyed by SIP Call-ID.
type Manager struct {
	base     *slog.Logger
	logger   *slog.Logger
	defaults Options
	onClosed func(callID string)
	stats    stats

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		base:     logger,
		logger:   logger.With("component", "session-manager"),
		defaults: opts.Defaults,
		onClosed: opts.OnSessionClosed,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session for a call. Creating a second session for
// the same Call-ID is an error.
func (m *Manager) Create(callID string, role Role) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[callID]; exists {
		return nil, fmt.Errorf("session for call %s already exists", callID)
	}

	opts := m.defaults
	opts.CallID = callID
	opts.Role = role
	opts.Logger = m.base
	opts.OnClose = func() {
		m.remove(callID)
		if m.onClosed != nil {
			m.onClosed(callID)
		}
	}

	s := New(opts, &m.stats)
	m.sessions[callID] = s
	m.logger.Info("session created", "call_id", callID, "active", len(m.sessions))
	return s, nil
}

// Get returns the session for a call, or nil.
func (m *Manager) Get(callID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[callID]
}

// CallIDs returns the live call IDs, sorted.
func (m *Manager) CallIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) remove(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, callID)
	m.logger.Info("session removed", "call_id", callID, "active", len(m.sessions))
}

// Shutdown terminates every live session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.Terminate()
	}
}

// ActiveSessionCount implements metrics.SessionStatsProvider.
func (m *Manager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// RefreshStats implements metrics.SessionStatsProvider.
func (m *Manager) RefreshStats() metrics.RefreshStats {
	return metrics.RefreshStats{
		Sent:             m.stats.sent.Load(),
		Suppressed:       m.stats.suppressed.Load(),
		Queued:           m.stats.queued.Load(),
		Collisions:       m.stats.collisions.Load(),
		ResolveFailures:  m.stats.resolveFailures.Load(),
		DeferredInvites:  m.stats.deferredInvites.Load(),
		SessionsRecycled: m.stats.recycled.Load(),
	}
}
