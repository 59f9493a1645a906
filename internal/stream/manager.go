package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"

	appconfig "accountflow/config"
	"accountflow/internal/exchange"
	"accountflow/internal/metrics"
	"accountflow/internal/normalizer"
	"accountflow/internal/ratelimit"
	"accountflow/logger"
)

// Events carries the lifecycle callbacks a caller can hook. All of them
// are optional and must be fast; they run on session goroutines.
type Events struct {
	OnConnect         func(userID, exchange string)
	OnDisconnect      func(userID, exchange string, err error)
	OnTerminalFailure func(userID, exchange string, err error)
}

// UpdateHandler receives every normalized account update from every
// session the manager runs.
type UpdateHandler func(userID string, update *exchange.AccountUpdate)

// Manager owns at most one push session per (user, exchange) pair and
// hands the lifecycle callbacks and normalized updates to the caller.
type Manager struct {
	registry *exchange.Registry
	cfg      appconfig.WebsocketConfig
	clk      clock.Clock
	events   Events
	handler  UpdateHandler
	buckets  *ratelimit.Registry
	log      *logger.Log

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(registry *exchange.Registry, cfg appconfig.WebsocketConfig, events Events, handler UpdateHandler) *Manager {
	return NewManagerWithClock(registry, cfg, events, handler, clock.New())
}

// NewManagerWithClock injects the clock driving heartbeats and backoff
// delays so tests run on a mock clock.
func NewManagerWithClock(registry *exchange.Registry, cfg appconfig.WebsocketConfig, events Events, handler UpdateHandler, clk clock.Clock) *Manager {
	return &Manager{
		registry: registry,
		cfg:      cfg,
		clk:      clk,
		events:   events,
		handler:  handler,
		log:      logger.GetLogger(),
		sessions: make(map[string]*Session),
	}
}

// UseRateLimits makes every stream dial pass through the per-exchange
// token bucket shared with the rest session pool. Must be called before
// Connect.
func (m *Manager) UseRateLimits(buckets *ratelimit.Registry) {
	m.buckets = buckets
}

func sessionKey(userID, exchangeName string) string {
	return userID + "|" + strings.ToLower(exchangeName)
}

// Connect establishes the push session for the pair, or returns the one
// already running. The initial dial is synchronous so credential and
// timeout problems surface to the caller; later failures arrive through
// the event callbacks.
func (m *Manager) Connect(ctx context.Context, userID, exchangeName string, creds exchange.Credentials) (*Session, error) {
	adapter, err := m.registry.Get(strings.ToLower(exchangeName))
	if err != nil {
		return nil, err
	}

	k := sessionKey(userID, exchangeName)

	m.mu.Lock()
	if existing, ok := m.sessions[k]; ok {
		if existing.State() != StateClosed {
			m.mu.Unlock()
			return existing, nil
		}
		delete(m.sessions, k)
	}

	s := newSession(userID, adapter, creds, m.cfg, m.clk, m.events, m.handler, m.log)
	if m.buckets != nil {
		s.bucket = m.buckets.Get(adapter.Name())
	}
	m.sessions[k] = s
	m.mu.Unlock()

	st, err := s.dial(ctx)
	if err != nil {
		m.mu.Lock()
		if cur, ok := m.sessions[k]; ok && cur == s {
			delete(m.sessions, k)
		}
		m.mu.Unlock()
		return nil, err
	}

	s.setState(StateStreaming)
	s.wg.Add(1)
	go s.run(st)

	m.log.WithComponent("stream_manager").WithFields(logger.Fields{
		"user":     userID,
		"exchange": adapter.Name(),
	}).Info("stream session established")
	if m.events.OnConnect != nil {
		m.events.OnConnect(userID, adapter.Name())
	}
	return s, nil
}

// Disconnect closes the pair's session and removes it. Unknown pairs
// report ErrSessionClosed.
func (m *Manager) Disconnect(userID, exchangeName string) error {
	k := sessionKey(userID, exchangeName)

	m.mu.Lock()
	s, ok := m.sessions[k]
	if ok {
		delete(m.sessions, k)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s/%s: %w", userID, exchangeName, exchange.ErrSessionClosed)
	}

	s.close()
	return nil
}

// Status reports the session state for the pair.
func (m *Manager) Status(userID, exchangeName string) (SessionState, bool) {
	m.mu.Lock()
	s, ok := m.sessions[sessionKey(userID, exchangeName)]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	return s.State(), true
}

// Session returns the live session for the pair.
func (m *Manager) Session(userID, exchangeName string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[sessionKey(userID, exchangeName)]
	m.mu.Unlock()
	return s, ok
}

// Snapshot returns a copy of the account state the pair's session has
// assembled so far.
func (m *Manager) Snapshot(userID, exchangeName string) (*exchange.AccountSnapshot, bool) {
	s, ok := m.Session(userID, exchangeName)
	if !ok {
		return nil, false
	}
	return s.Snapshot(), true
}

// SnapshotSummary renders the pair's current account state as a
// human-readable report. No I/O; it reads the in-memory snapshot only.
func (m *Manager) SnapshotSummary(userID, exchangeName string) (string, bool) {
	snap, ok := m.Snapshot(userID, exchangeName)
	if !ok {
		return "", false
	}
	return normalizer.SnapshotSummary(snap), true
}

// CloseAll shuts every session down and waits for their goroutines.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// StatsRecord counts sessions per state for the metrics reporter.
func (m *Manager) StatsRecord() map[string]int64 {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	stats := map[string]int64{
		"sessions_streaming":    0,
		"sessions_reconnecting": 0,
		"sessions_closed":       0,
	}
	var reconnects int64
	for _, s := range sessions {
		switch s.State() {
		case StateStreaming:
			stats["sessions_streaming"]++
		case StateReconnecting:
			stats["sessions_reconnecting"]++
		case StateClosed:
			stats["sessions_closed"]++
		}
		reconnects += s.Reconnects()
	}
	stats["sessions_reconnect_total"] = reconnects
	metrics.SetSessionGauges(stats["sessions_streaming"], stats["sessions_reconnecting"])
	return stats
}
