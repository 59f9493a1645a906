package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	appconfig "accountflow/config"
	"accountflow/internal/exchange"
	"accountflow/internal/ratelimit"
)

type fakeSession struct {
	mu     sync.Mutex
	closed int
}

func (s *fakeSession) Exchange() string { return "fakex" }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeAdapter struct {
	mu        sync.Mutex
	creates   int
	createErr error
	probeErr  error
	sessions  []*fakeSession
}

func (a *fakeAdapter) Name() string { return "fakex" }

func (a *fakeAdapter) CreateSession(ctx context.Context, creds exchange.Credentials) (exchange.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.createErr != nil {
		return nil, a.createErr
	}
	a.creates++
	s := &fakeSession{}
	a.sessions = append(a.sessions, s)
	return s, nil
}

func (a *fakeAdapter) Probe(ctx context.Context, sess exchange.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.probeErr
}

func (a *fakeAdapter) OpenStream(ctx context.Context, creds exchange.Credentials) (exchange.Stream, error) {
	return nil, errors.New("not used")
}

func (a *fakeAdapter) ParseFrame(raw []byte) (exchange.Frame, error) {
	return exchange.Frame{Type: exchange.FrameIgnore}, nil
}

func (a *fakeAdapter) HeartbeatMessage() []byte { return nil }

func (a *fakeAdapter) createCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creates
}

func (a *fakeAdapter) setProbeErr(err error) {
	a.mu.Lock()
	a.probeErr = err
	a.mu.Unlock()
}

func minimalConfig() *appconfig.Config {
	return &appconfig.Config{
		Pool: appconfig.PoolConfig{
			IdleTTL:          appconfig.Duration(15 * time.Minute),
			SweepInterval:    appconfig.Duration(time.Minute),
			CreateTimeout:    appconfig.Duration(5 * time.Second),
			ProbeTimeout:     appconfig.Duration(time.Second),
			ProbeRetries:     1,
			RateLimitMaxWait: appconfig.Duration(100 * time.Millisecond),
		},
	}
}

func newTestPool(adapter exchange.Adapter, clk clock.Clock) (*Pool, *ratelimit.Registry) {
	registry := exchange.NewRegistry()
	registry.Register(adapter)
	buckets := ratelimit.NewRegistry()
	buckets.Configure("fakex", 100, 1000)
	return NewWithClock(minimalConfig(), registry, buckets, clk), buckets
}

func requireConservation(t *testing.T, p *Pool) {
	t.Helper()
	s := p.Stats()
	require.Equal(t, s.Created-s.Evicted, int64(s.Active+s.Idle),
		"created-evicted must equal active+idle")
}

func TestGetCreatesThenReuses(t *testing.T) {
	adapter := &fakeAdapter{}
	p, _ := newTestPool(adapter, clock.New())

	first, err := p.Get(context.Background(), "alice", "fakex", exchange.Credentials{})
	require.NoError(t, err)
	p.Release("alice", "fakex")

	second, err := p.Get(context.Background(), "alice", "fakex", exchange.Credentials{})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, adapter.createCount())

	s := p.Stats()
	require.Equal(t, int64(1), s.Created)
	require.Equal(t, int64(1), s.Reused)
	requireConservation(t, p)
}

func TestGetSeparateKeysSeparateSessions(t *testing.T) {
	adapter := &fakeAdapter{}
	p, _ := newTestPool(adapter, clock.New())

	a, err := p.Get(context.Background(), "alice", "fakex", exchange.Credentials{})
	require.NoError(t, err)
	b, err := p.Get(context.Background(), "bob", "fakex", exchange.Credentials{})
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, 2, adapter.createCount())
}

func TestConcurrentGetCreatesOnce(t *testing.T) {
	adapter := &fakeAdapter{}
	p, _ := newTestPool(adapter, clock.New())

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Get(context.Background(), "alice", "fakex", exchange.Credentials{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 1, adapter.createCount())
	s := p.Stats()
	require.Equal(t, int64(1), s.Created)
	require.Equal(t, int64(callers-1), s.Reused)
	requireConservation(t, p)
}

func TestGetUnsupportedExchange(t *testing.T) {
	adapter := &fakeAdapter{}
	p, _ := newTestPool(adapter, clock.New())

	before := p.Stats()
	_, err := p.Get(context.Background(), "alice", "kraken", exchange.Credentials{})
	require.ErrorIs(t, err, exchange.ErrUnsupportedExchange)
	require.Equal(t, before, p.Stats())
}

func TestCredentialErrorPropagates(t *testing.T) {
	adapter := &fakeAdapter{createErr: exchange.NewCredentialError("fakex", "bad key", nil)}
	p, _ := newTestPool(adapter, clock.New())

	_, err := p.Get(context.Background(), "alice", "fakex", exchange.Credentials{})
	require.True(t, exchange.IsCredentialError(err))

	s := p.Stats()
	require.Equal(t, int64(0), s.Created)
	requireConservation(t, p)

	// A later attempt with fixed credentials starts clean.
	adapter.mu.Lock()
	adapter.createErr = nil
	adapter.mu.Unlock()
	_, err = p.Get(context.Background(), "alice", "fakex", exchange.Credentials{})
	require.NoError(t, err)
	require.Equal(t, 1, adapter.createCount())
}

func TestRateLimitExceeded(t *testing.T) {
	adapter := &fakeAdapter{}
	registry := exchange.NewRegistry()
	registry.Register(adapter)
	buckets := ratelimit.NewRegistry()
	// One burst token and a refill far slower than the max wait.
	buckets.Configure("fakex", 1, 0.001)
	p := NewWithClock(minimalConfig(), registry, buckets, clock.New())

	_, err := p.Get(context.Background(), "alice", "fakex", exchange.Credentials{})
	require.NoError(t, err)

	_, err = p.Get(context.Background(), "bob", "fakex", exchange.Credentials{})
	require.ErrorIs(t, err, exchange.ErrRateLimitExceeded)

	s := p.Stats()
	require.Equal(t, int64(1), s.Created)
	requireConservation(t, p)
}

func TestCloseClientEvicts(t *testing.T) {
	adapter := &fakeAdapter{}
	p, _ := newTestPool(adapter, clock.New())

	_, err := p.Get(context.Background(), "alice", "fakex", exchange.Credentials{})
	require.NoError(t, err)

	p.CloseClient("alice", "fakex")
	require.Equal(t, 1, adapter.sessions[0].closeCount())

	s := p.Stats()
	require.Equal(t, int64(1), s.Evicted)
	require.Equal(t, 0, s.Active+s.Idle)
	requireConservation(t, p)
}

func TestRefreshReplacesSession(t *testing.T) {
	adapter := &fakeAdapter{}
	p, _ := newTestPool(adapter, clock.New())

	first, err := p.Get(context.Background(), "alice", "fakex", exchange.Credentials{})
	require.NoError(t, err)

	second, err := p.Refresh(context.Background(), "alice", "fakex", exchange.Credentials{})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	s := p.Stats()
	require.Equal(t, int64(2), s.Created)
	require.Equal(t, int64(1), s.Evicted)
	requireConservation(t, p)
}

func TestIdleTTLEviction(t *testing.T) {
	adapter := &fakeAdapter{}
	mock := clock.NewMock()
	p, _ := newTestPool(adapter, mock)

	_, err := p.Get(context.Background(), "alice", "fakex", exchange.Credentials{})
	require.NoError(t, err)
	p.Release("alice", "fakex")

	mock.Add(10 * time.Minute)
	p.CleanupIdle()
	require.Equal(t, 1, p.Stats().Idle, "entry inside ttl survives")

	mock.Add(6 * time.Minute)
	p.CleanupIdle()

	s := p.Stats()
	require.Equal(t, int64(1), s.Evicted)
	require.Equal(t, 0, s.Active+s.Idle)
	require.Equal(t, 1, adapter.sessions[0].closeCount())
	requireConservation(t, p)
}

func TestActiveEntrySurvivesCleanup(t *testing.T) {
	adapter := &fakeAdapter{}
	mock := clock.NewMock()
	p, _ := newTestPool(adapter, mock)

	_, err := p.Get(context.Background(), "alice", "fakex", exchange.Credentials{})
	require.NoError(t, err)

	mock.Add(time.Hour)
	p.CleanupIdle()
	require.Equal(t, 1, p.Stats().Active)
}

func TestUnhealthyReplacedOnGet(t *testing.T) {
	adapter := &fakeAdapter{}
	p, _ := newTestPool(adapter, clock.New())

	_, err := p.Get(context.Background(), "alice", "fakex", exchange.Credentials{})
	require.NoError(t, err)
	p.Release("alice", "fakex")

	adapter.setProbeErr(errors.New("connection reset"))
	require.False(t, p.CheckHealth("alice", "fakex"))

	adapter.setProbeErr(nil)
	_, err = p.Get(context.Background(), "alice", "fakex", exchange.Credentials{})
	require.NoError(t, err)

	s := p.Stats()
	require.Equal(t, int64(2), s.Created)
	require.Equal(t, int64(1), s.Evicted)
	require.Equal(t, 1, adapter.sessions[0].closeCount())
	requireConservation(t, p)
}

func TestCheckHealthRecovers(t *testing.T) {
	adapter := &fakeAdapter{}
	p, _ := newTestPool(adapter, clock.New())

	_, err := p.Get(context.Background(), "alice", "fakex", exchange.Credentials{})
	require.NoError(t, err)
	require.True(t, p.CheckHealth("alice", "fakex"))
	require.False(t, p.CheckHealth("alice", "unknown"))
}

func TestCleanupEvictsUnhealthy(t *testing.T) {
	adapter := &fakeAdapter{}
	p, _ := newTestPool(adapter, clock.New())

	_, err := p.Get(context.Background(), "alice", "fakex", exchange.Credentials{})
	require.NoError(t, err)
	p.Release("alice", "fakex")

	adapter.setProbeErr(errors.New("connection reset"))
	p.CheckHealth("alice", "fakex")
	p.CleanupIdle()

	s := p.Stats()
	require.Equal(t, int64(1), s.Evicted)
	require.Equal(t, 0, s.Active+s.Idle)
	requireConservation(t, p)
}

func TestStopClosesEverything(t *testing.T) {
	adapter := &fakeAdapter{}
	p, _ := newTestPool(adapter, clock.New())

	require.NoError(t, p.Start(context.Background()))
	_, err := p.Get(context.Background(), "alice", "fakex", exchange.Credentials{})
	require.NoError(t, err)
	_, err = p.Get(context.Background(), "bob", "fakex", exchange.Credentials{})
	require.NoError(t, err)

	p.Stop()

	s := p.Stats()
	require.Equal(t, int64(2), s.Evicted)
	require.Equal(t, 0, s.Active+s.Idle)
	for _, sess := range adapter.sessions {
		require.Equal(t, 1, sess.closeCount())
	}
	requireConservation(t, p)
}

func TestStatsRecordKeys(t *testing.T) {
	adapter := &fakeAdapter{}
	p, _ := newTestPool(adapter, clock.New())

	_, err := p.Get(context.Background(), "alice", "fakex", exchange.Credentials{})
	require.NoError(t, err)

	rec := p.StatsRecord()
	require.Equal(t, int64(1), rec["pool_created"])
	require.Equal(t, int64(1), rec["pool_active"])
	require.Equal(t, int64(0), rec["pool_idle"])
}

func TestConcurrentGetAndCloseKeepsAccounting(t *testing.T) {
	adapter := &fakeAdapter{}
	registry := exchange.NewRegistry()
	registry.Register(adapter)
	buckets := ratelimit.NewRegistry()
	buckets.Configure("fakex", 1<<20, 1e7)
	p := NewWithClock(minimalConfig(), registry, buckets, clock.New())

	// A Get racing an eviction must never recreate a session on an
	// entry that already left the map; such a session would be alive
	// but invisible to Release, the sweep and Stats.
	const rounds = 400
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				if _, err := p.Get(context.Background(), "alice", "fakex", exchange.Credentials{}); err == nil {
					p.Release("alice", "fakex")
				}
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				p.CloseClient("alice", "fakex")
				p.CleanupIdle()
			}
		}()
	}
	wg.Wait()

	p.CloseClient("alice", "fakex")

	requireConservation(t, p)
	s := p.Stats()
	require.Zero(t, s.Active)
	require.Zero(t, s.Idle)
	require.Equal(t, s.Created, s.Evicted)

	adapter.mu.Lock()
	sessions := append([]*fakeSession(nil), adapter.sessions...)
	adapter.mu.Unlock()
	for _, fs := range sessions {
		require.Equal(t, 1, fs.closeCount())
	}
}
