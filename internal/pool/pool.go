package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	appconfig "accountflow/config"
	"accountflow/internal/exchange"
	"accountflow/internal/metrics"
	"accountflow/internal/ratelimit"
	"accountflow/logger"
)

// State is the lifecycle state of a pooled connection.
type State string

const (
	StateIdle      State = "IDLE"
	StateActive    State = "ACTIVE"
	StateUnhealthy State = "UNHEALTHY"
	StateClosed    State = "CLOSED"
)

// Client is the handle returned to callers for REST operations. The
// vendor session behind it stays owned by the pool.
type Client struct {
	ID       string
	UserID   string
	Exchange string
	Session  exchange.Session
}

// entry is one pooled connection keyed by (user, exchange). Its mutex
// serialises every state transition for the key, so two concurrent
// acquisitions can never create two live sessions.
type entry struct {
	mu sync.Mutex

	userID       string
	exchangeName string
	creds        exchange.Credentials

	handleID     string
	session      exchange.Session
	state        State
	createdAt    time.Time
	lastUsedAt   time.Time
	requestCount int64
	probeFails   int
}

func (e *entry) live() bool {
	return e.session != nil && e.state != StateClosed
}

// Stats is a read-only snapshot of pool counters. The conservation
// invariant Created-Evicted == Active+Idle holds for every snapshot
// (unhealthy entries count as idle until evicted).
type Stats struct {
	Created     int64
	Reused      int64
	Evicted     int64
	Active      int
	Idle        int
	PerExchange map[string]ExchangeStats
}

type ExchangeStats struct {
	Active int
	Idle   int
	Tokens float64
}

// Pool owns one reusable authenticated REST session per (user,
// exchange) pair: lazy creation, reuse, health probing, idle eviction.
type Pool struct {
	config   *appconfig.Config
	adapters *exchange.Registry
	buckets  *ratelimit.Registry
	clk      clock.Clock
	log      *logger.Log

	mu      sync.Mutex
	entries map[string]*entry

	created int64
	reused  int64
	evicted int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runMu   sync.Mutex
	running bool
}

// New creates a pool using the wall clock.
func New(cfg *appconfig.Config, adapters *exchange.Registry, buckets *ratelimit.Registry) *Pool {
	return NewWithClock(cfg, adapters, buckets, clock.New())
}

// NewWithClock creates a pool on an injectable clock so idle-TTL and
// sweep behaviour can be driven deterministically in tests.
func NewWithClock(cfg *appconfig.Config, adapters *exchange.Registry, buckets *ratelimit.Registry, clk clock.Clock) *Pool {
	return &Pool{
		config:   cfg,
		adapters: adapters,
		buckets:  buckets,
		clk:      clk,
		log:      logger.GetLogger(),
		entries:  make(map[string]*entry),
	}
}

func key(userID, exchangeName string) string {
	return userID + "|" + strings.ToLower(exchangeName)
}

// Start launches the periodic idle-cleanup and health sweep.
func (p *Pool) Start(ctx context.Context) error {
	p.runMu.Lock()
	if p.running {
		p.runMu.Unlock()
		return fmt.Errorf("connection pool already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.runMu.Unlock()

	p.wg.Add(1)
	go p.sweepLoop()

	p.log.WithComponent("connection_pool").WithFields(logger.Fields{
		"idle_ttl":       p.config.Pool.IdleTTL.Std().String(),
		"sweep_interval": p.config.Pool.SweepInterval.Std().String(),
	}).Info("connection pool started")
	return nil
}

// Stop cancels housekeeping and closes every pooled session.
func (p *Pool) Stop() {
	p.runMu.Lock()
	if !p.running {
		p.runMu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.runMu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	keys := make([]string, 0, len(p.entries))
	for k := range p.entries {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	for _, k := range keys {
		p.evict(k, "shutdown")
	}
	p.log.WithComponent("connection_pool").Info("connection pool stopped")
}

// Get returns a live client for the key, creating one through the
// registered adapter when none exists or the cached one is unhealthy.
// Acquisition for a key is serialised through the entry mutex.
func (p *Pool) Get(ctx context.Context, userID, exchangeName string, creds exchange.Credentials) (*Client, error) {
	adapter, err := p.adapters.Get(strings.ToLower(exchangeName))
	if err != nil {
		return nil, err
	}

	k := key(userID, exchangeName)

	e := p.lockEntry(k, userID, exchangeName)
	defer e.mu.Unlock()

	if e.live() && e.state != StateUnhealthy {
		e.state = StateActive
		e.lastUsedAt = p.clk.Now()
		e.requestCount++
		atomic.AddInt64(&p.reused, 1)
		metrics.IncrementSessionReused(e.exchangeName)
		return p.clientFor(e), nil
	}

	// Replace an unhealthy session before creating a fresh one so the
	// at-most-one-live invariant holds for the key.
	if e.live() && e.state == StateUnhealthy {
		p.closeEntrySession(e, "unhealthy replace")
	}

	if err := p.createLocked(ctx, adapter, e, creds); err != nil {
		p.mu.Lock()
		if cur, ok := p.entries[k]; ok && cur == e && !e.live() {
			delete(p.entries, k)
		}
		p.mu.Unlock()
		return nil, err
	}

	e.state = StateActive
	e.requestCount++
	return p.clientFor(e), nil
}

// lockEntry returns the key's entry with its mutex held, creating one
// when absent. After taking the entry lock it re-verifies the map still
// points at the same entry: the sweep or CloseClient may have evicted
// it between the lookup and the lock, and creating a session on a
// removed entry would leak it outside the pool's accounting.
func (p *Pool) lockEntry(k, userID, exchangeName string) *entry {
	for {
		p.mu.Lock()
		e, ok := p.entries[k]
		if !ok {
			e = &entry{userID: userID, exchangeName: strings.ToLower(exchangeName), state: StateClosed}
			p.entries[k] = e
		}
		p.mu.Unlock()

		e.mu.Lock()
		p.mu.Lock()
		current := p.entries[k] == e
		p.mu.Unlock()
		if current {
			return e
		}
		e.mu.Unlock()
	}
}

func (p *Pool) clientFor(e *entry) *Client {
	return &Client{
		ID:       e.handleID,
		UserID:   e.userID,
		Exchange: e.exchangeName,
		Session:  e.session,
	}
}

// createLocked opens a new adapter session for the entry. The entry
// mutex must be held.
func (p *Pool) createLocked(ctx context.Context, adapter exchange.Adapter, e *entry, creds exchange.Credentials) error {
	bucket := p.buckets.Get(e.exchangeName)
	if err := bucket.Acquire(ctx, p.config.Pool.RateLimitMaxWait.Std()); err != nil {
		return err
	}

	createCtx, cancel := context.WithTimeout(ctx, p.config.Pool.CreateTimeout.Std())
	defer cancel()

	sess, err := adapter.CreateSession(createCtx, creds)
	if err != nil {
		return err
	}

	now := p.clk.Now()
	e.session = sess
	e.creds = creds
	e.handleID = uuid.NewString()
	e.createdAt = now
	e.lastUsedAt = now
	e.probeFails = 0
	atomic.AddInt64(&p.created, 1)
	metrics.IncrementSessionCreated(e.exchangeName)

	p.log.WithComponent("connection_pool").WithFields(logger.Fields{
		"user":     e.userID,
		"exchange": e.exchangeName,
		"handle":   e.handleID,
	}).Info("created pooled session")
	return nil
}

// Release transitions the key's connection back to IDLE. It is a no-op
// for unknown keys.
func (p *Pool) Release(userID, exchangeName string) {
	p.mu.Lock()
	e, ok := p.entries[key(userID, exchangeName)]
	p.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.state == StateActive {
		e.state = StateIdle
		e.lastUsedAt = p.clk.Now()
	}
	e.mu.Unlock()
}

// CloseClient forcibly closes and removes the entry regardless of state.
func (p *Pool) CloseClient(userID, exchangeName string) {
	p.evict(key(userID, exchangeName), "explicit close")
}

// Refresh closes the cached session and recreates it under the same
// key. Used after a caller detects a broken handle.
func (p *Pool) Refresh(ctx context.Context, userID, exchangeName string, creds exchange.Credentials) (*Client, error) {
	p.CloseClient(userID, exchangeName)
	return p.Get(ctx, userID, exchangeName, creds)
}

// CheckHealth issues the adapter probe for the key with a bounded
// timeout and limited retries. It never returns an error: repeated
// failure marks the entry unhealthy so the sweep evicts it, and the
// next Get for the key creates a fresh session. The returned bool
// reports whether the entry is (still) considered healthy.
func (p *Pool) CheckHealth(userID, exchangeName string) bool {
	p.mu.Lock()
	e, ok := p.entries[key(userID, exchangeName)]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return p.probeEntry(e)
}

func (p *Pool) probeEntry(e *entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.live() {
		return false
	}

	adapter, err := p.adapters.Get(e.exchangeName)
	if err != nil {
		return false
	}

	bucket := p.buckets.Get(e.exchangeName)
	retries := p.config.Pool.ProbeRetries
	for attempt := 0; attempt <= retries; attempt++ {
		if err := bucket.Acquire(p.ctxOrBackground(), p.config.Pool.RateLimitMaxWait.Std()); err != nil {
			// Rate pressure is not evidence of a dead session.
			return e.state != StateUnhealthy
		}
		probeCtx, cancel := context.WithTimeout(p.ctxOrBackground(), p.config.Pool.ProbeTimeout.Std())
		err := adapter.Probe(probeCtx, e.session)
		cancel()
		if err == nil {
			e.probeFails = 0
			return true
		}
		p.log.WithComponent("connection_pool").WithFields(logger.Fields{
			"user":     e.userID,
			"exchange": e.exchangeName,
			"attempt":  attempt + 1,
		}).WithError(err).Debug("health probe failed")
	}

	e.probeFails++
	e.state = StateUnhealthy
	p.log.WithComponent("connection_pool").WithFields(logger.Fields{
		"user":     e.userID,
		"exchange": e.exchangeName,
		"failures": e.probeFails,
	}).Warn("pooled session marked unhealthy")
	return false
}

func (p *Pool) ctxOrBackground() context.Context {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.ctx != nil {
		return p.ctx
	}
	return context.Background()
}

// CleanupIdle evicts entries idle beyond the TTL plus everything
// already marked unhealthy. Bounded scan; per-entry locks only.
func (p *Pool) CleanupIdle() {
	ttl := p.config.Pool.IdleTTL.Std()
	now := p.clk.Now()

	p.mu.Lock()
	keys := make([]string, 0, len(p.entries))
	for k := range p.entries {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	for _, k := range keys {
		p.evictIf(k, "idle ttl", func(e *entry) bool {
			return e.live() && e.state == StateIdle && now.Sub(e.lastUsedAt) > ttl
		})
		p.evictIf(k, "unhealthy", func(e *entry) bool {
			return e.live() && e.state == StateUnhealthy
		})
	}
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := p.clk.Ticker(p.config.Pool.SweepInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.healthSweep()
			p.CleanupIdle()
		}
	}
}

// healthSweep probes idle entries so dead sessions are discovered
// before a caller trips over them.
func (p *Pool) healthSweep() {
	p.mu.Lock()
	targets := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		targets = append(targets, e)
	}
	p.mu.Unlock()

	for _, e := range targets {
		e.mu.Lock()
		idle := e.live() && e.state == StateIdle
		e.mu.Unlock()
		if idle {
			p.probeEntry(e)
		}
	}
}

// evict unconditionally closes the entry's session and removes it from
// the map.
func (p *Pool) evict(k, reason string) {
	p.evictIf(k, reason, nil)
}

// evictIf removes the key's entry when cond still holds under the entry
// lock. A concurrent Get may have reactivated the entry between the
// sweep's check and this call, in which case the eviction is abandoned.
func (p *Pool) evictIf(k, reason string, cond func(*entry) bool) {
	p.mu.Lock()
	e, ok := p.entries[k]
	p.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if cond != nil && !cond(e) {
		return
	}

	p.mu.Lock()
	if p.entries[k] == e {
		delete(p.entries, k)
	}
	p.mu.Unlock()

	if e.live() {
		p.closeEntrySession(e, reason)
	}
	e.state = StateClosed
}

// closeEntrySession closes the vendor session and counts the eviction.
// The entry mutex must be held.
func (p *Pool) closeEntrySession(e *entry, reason string) {
	if err := e.session.Close(); err != nil {
		p.log.WithComponent("connection_pool").WithError(err).Debug("session close failed")
	}
	e.session = nil
	atomic.AddInt64(&p.evicted, 1)
	metrics.IncrementSessionEvicted(e.exchangeName)
	p.log.WithComponent("connection_pool").WithFields(logger.Fields{
		"user":     e.userID,
		"exchange": e.exchangeName,
		"reason":   reason,
	}).Info("evicted pooled session")
}

// Stats returns a consistent snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	s := Stats{
		Created:     atomic.LoadInt64(&p.created),
		Reused:      atomic.LoadInt64(&p.reused),
		Evicted:     atomic.LoadInt64(&p.evicted),
		PerExchange: make(map[string]ExchangeStats),
	}

	for _, e := range entries {
		e.mu.Lock()
		live := e.live()
		state := e.state
		name := e.exchangeName
		e.mu.Unlock()
		if !live {
			continue
		}
		ex := s.PerExchange[name]
		if state == StateActive {
			s.Active++
			ex.Active++
		} else {
			s.Idle++
			ex.Idle++
		}
		ex.Tokens = p.buckets.Get(name).Tokens()
		s.PerExchange[name] = ex
	}
	for name, ex := range s.PerExchange {
		metrics.SetPoolGauges(name, int64(ex.Active), int64(ex.Idle))
	}
	return s
}

// StatsRecord flattens the snapshot for the metrics reporter.
func (p *Pool) StatsRecord() map[string]int64 {
	s := p.Stats()
	return map[string]int64{
		"pool_created": s.Created,
		"pool_reused":  s.Reused,
		"pool_evicted": s.Evicted,
		"pool_active":  int64(s.Active),
		"pool_idle":    int64(s.Idle),
	}
}
