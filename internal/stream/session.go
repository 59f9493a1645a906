package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	appconfig "accountflow/config"
	"accountflow/internal/exchange"
	"accountflow/internal/metrics"
	"accountflow/internal/normalizer"
	"accountflow/internal/ratelimit"
	"accountflow/logger"
)

// SessionState is the lifecycle state of one push session.
type SessionState string

const (
	StateConnecting    SessionState = "CONNECTING"
	StateAuthenticated SessionState = "AUTHENTICATED"
	StateStreaming     SessionState = "STREAMING"
	StateReconnecting  SessionState = "RECONNECTING"
	StateClosed        SessionState = "CLOSED"
)

// Session is one persistent authenticated push connection for a
// (user, exchange) pair. It owns its read loop, heartbeat and reconnect
// cycle; callers interact only through the manager.
type Session struct {
	userID       string
	exchangeName string
	adapter      exchange.Adapter
	creds        exchange.Credentials
	cfg          appconfig.WebsocketConfig
	clk          clock.Clock
	events       Events
	handler      UpdateHandler
	bucket       *ratelimit.Bucket
	log          *logger.Entry

	mu     sync.Mutex
	state  SessionState
	stream exchange.Stream
	closed bool

	done chan struct{}
	wg   sync.WaitGroup

	// lastAck is the clock time of the latest vendor heartbeat ack in
	// unix nanoseconds. Only used for exchanges with an application
	// level ping payload.
	lastAck    int64
	reconnects int64

	snapMu   sync.Mutex
	snapshot *exchange.AccountSnapshot
}

func newSession(userID string, adapter exchange.Adapter, creds exchange.Credentials, cfg appconfig.WebsocketConfig, clk clock.Clock, events Events, handler UpdateHandler, log *logger.Log) *Session {
	return &Session{
		userID:       userID,
		exchangeName: adapter.Name(),
		adapter:      adapter,
		creds:        creds,
		cfg:          cfg,
		clk:          clk,
		events:       events,
		handler:      handler,
		log: log.WithComponent("stream_session").WithFields(logger.Fields{
			"user":     userID,
			"exchange": adapter.Name(),
		}),
		state:    StateConnecting,
		done:     make(chan struct{}),
		snapshot: exchange.NewAccountSnapshot(userID, adapter.Name()),
	}
}

// UserID returns the tenant this session streams for.
func (s *Session) UserID() string {
	return s.userID
}

// Exchange returns the exchange identifier.
func (s *Session) Exchange() string {
	return s.exchangeName
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reconnects returns the total reconnect attempts made so far.
func (s *Session) Reconnects() int64 {
	return atomic.LoadInt64(&s.reconnects)
}

// Snapshot returns a deep copy of the account state assembled from the
// stream. Stale is set until the first frame after every (re)connect.
func (s *Session) Snapshot() *exchange.AccountSnapshot {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.snapshot.Clone()
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// trySetStreaming moves to STREAMING unless the session was closed in
// the meantime, in one critical section so a concurrent close cannot be
// overwritten.
func (s *Session) trySetStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.state = StateStreaming
	return true
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// dial opens the push socket and completes the auth handshake. The
// caller decides what to do with the error; dial never reconnects.
func (s *Session) dial(ctx context.Context) (exchange.Stream, error) {
	s.setState(StateConnecting)

	if s.bucket != nil {
		if err := s.bucket.Acquire(ctx, s.cfg.HandshakeTimeout.Std()); err != nil {
			return nil, err
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout.Std())
	defer cancel()

	st, err := s.adapter.OpenStream(dialCtx, s.creds)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", s.exchangeName, exchange.ErrConnectTimeout)
		}
		return nil, err
	}

	if err := s.awaitAuth(st); err != nil {
		_ = st.Close()
		return nil, err
	}
	s.setState(StateAuthenticated)

	atomic.StoreInt64(&s.lastAck, s.clk.Now().UnixNano())
	s.mu.Lock()
	s.stream = st
	s.mu.Unlock()
	return st, nil
}

// awaitAuth reads frames until the vendor confirms or rejects the auth
// handshake. Subscription acks and unrelated traffic are tolerated.
func (s *Session) awaitAuth(st exchange.Stream) error {
	resCh := make(chan error, 1)
	go func() {
		for {
			raw, err := st.ReadMessage()
			if err != nil {
				resCh <- fmt.Errorf("stream closed during auth: %w", err)
				return
			}
			frame, perr := s.adapter.ParseFrame(raw)
			if perr != nil {
				continue
			}
			switch frame.Type {
			case exchange.FrameAuthAck:
				resCh <- nil
				return
			case exchange.FrameAuthReject:
				resCh <- exchange.NewCredentialError(s.exchangeName, frame.Reason, nil)
				return
			}
		}
	}()

	timer := s.clk.Timer(s.cfg.HandshakeTimeout.Std())
	defer timer.Stop()
	select {
	case err := <-resCh:
		return err
	case <-timer.C:
		_ = st.Close()
		<-resCh
		return fmt.Errorf("%s: auth handshake: %w", s.exchangeName, exchange.ErrConnectTimeout)
	}
}

// run is the session goroutine. It pumps the read loop and drives the
// reconnect cycle until the session is closed or gives up.
func (s *Session) run(st exchange.Stream) {
	defer s.wg.Done()

	for {
		err := s.readLoop(st)
		if s.isClosed() {
			return
		}

		s.log.WithError(err).Warn("stream disconnected")
		s.markStale()
		if s.events.OnDisconnect != nil {
			s.events.OnDisconnect(s.userID, s.exchangeName, err)
		}

		if exchange.IsCredentialError(err) {
			s.terminate(err)
			return
		}

		st = s.reconnect()
		if st == nil {
			return
		}
	}
}

// readLoop consumes frames until the stream dies. The heartbeat
// goroutine closes the stream on a missed ack, so every failure mode
// funnels through the returned read error.
func (s *Session) readLoop(st exchange.Stream) error {
	stopHB := make(chan struct{})
	defer close(stopHB)
	go s.heartbeat(st, stopHB)

	for {
		raw, err := st.ReadMessage()
		if err != nil {
			return err
		}
		logger.IncrementFrameRead(len(raw))

		frame, err := s.adapter.ParseFrame(raw)
		if err != nil {
			metrics.IncrementStreamParseError(s.exchangeName)
			s.log.WithError(err).Warn("unparseable frame dropped")
			continue
		}

		switch frame.Type {
		case exchange.FrameData:
			metrics.IncrementStreamFrame(s.exchangeName, "data")
			s.handleData(frame.Payload)

		case exchange.FrameHeartbeatAck:
			metrics.IncrementStreamFrame(s.exchangeName, "heartbeat_ack")
			atomic.StoreInt64(&s.lastAck, s.clk.Now().UnixNano())

		case exchange.FrameAuthReject:
			return exchange.NewCredentialError(s.exchangeName, frame.Reason, nil)

		case exchange.FrameSubscriptionAck:
			metrics.IncrementStreamFrame(s.exchangeName, "subscription_ack")

		default:
			metrics.IncrementStreamFrame(s.exchangeName, "ignored")
		}
	}
}

func (s *Session) handleData(payload []byte) {
	update, err := normalizer.FormatAccountUpdate(s.exchangeName, payload)
	if err != nil {
		metrics.IncrementStreamParseError(s.exchangeName)
		s.log.WithError(err).Warn("dropped account payload")
		return
	}
	if update == nil {
		return
	}

	s.snapMu.Lock()
	s.snapshot.Apply(update)
	s.snapshot.Stale = false
	s.snapMu.Unlock()

	if s.handler != nil {
		s.handler(s.userID, update)
	}
}

// heartbeat keeps one connection alive. Exchanges with an application
// level ping get that payload plus ack staleness enforcement; the rest
// get websocket ping control frames and rely on the transport's read
// deadline to surface a dead link.
func (s *Session) heartbeat(st exchange.Stream, stop <-chan struct{}) {
	ticker := s.clk.Ticker(s.cfg.HeartbeatInterval.Std())
	defer ticker.Stop()

	payload := s.adapter.HeartbeatMessage()
	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
		}

		if payload != nil {
			sinceAck := s.clk.Now().UnixNano() - atomic.LoadInt64(&s.lastAck)
			if sinceAck > s.cfg.HeartbeatTimeout.Std().Nanoseconds() {
				s.log.Warn("heartbeat ack overdue, closing stream")
				_ = st.Close()
				return
			}
			if err := st.WriteMessage(payload); err != nil {
				_ = st.Close()
				return
			}
			continue
		}

		if err := st.Ping(); err != nil {
			_ = st.Close()
			return
		}
	}
}

// backoffSchedule yields reconnect delays: exponential with jitter,
// clamped so the sequence never decreases and never exceeds max.
type backoffSchedule struct {
	bo   *backoff.ExponentialBackOff
	max  time.Duration
	last time.Duration
}

func newBackoffSchedule(base, max time.Duration) *backoffSchedule {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = max
	bo.RandomizationFactor = 0.25
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &backoffSchedule{bo: bo, max: max}
}

func (b *backoffSchedule) next() time.Duration {
	d := b.bo.NextBackOff()
	if d > b.max {
		d = b.max
	}
	if d < b.last {
		d = b.last
	}
	b.last = d
	return d
}

// reconnect retries the dial with exponential backoff and jitter until
// it succeeds, the session is closed, or the attempt cap is hit. A nil
// return means the session is finished.
func (s *Session) reconnect() exchange.Stream {
	sched := newBackoffSchedule(s.cfg.ReconnectBaseDelay.Std(), s.cfg.ReconnectMaxDelay.Std())

	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		s.setState(StateReconnecting)

		delay := sched.next()
		timer := s.clk.Timer(delay)
		select {
		case <-timer.C:
		case <-s.done:
			timer.Stop()
			return nil
		}

		atomic.AddInt64(&s.reconnects, 1)
		metrics.IncrementStreamReconnect(s.exchangeName)
		s.log.WithFields(logger.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Info("reconnecting stream")

		dialCtx, cancelDial := s.lifetimeContext()
		st, err := s.dial(dialCtx)
		cancelDial()
		if err == nil {
			// Disconnect may have landed while the dial was in flight;
			// the new stream must not outlive the closed session.
			if !s.trySetStreaming() {
				_ = st.Close()
				return nil
			}
			s.log.Info("stream reconnected")
			if s.events.OnConnect != nil {
				s.events.OnConnect(s.userID, s.exchangeName)
			}
			return st
		}
		if s.isClosed() {
			return nil
		}
		if exchange.IsCredentialError(err) {
			s.terminate(err)
			return nil
		}
		s.log.WithError(err).Warn("reconnect attempt failed")
	}

	s.terminate(fmt.Errorf("%s: %w after %d attempts", s.exchangeName, exchange.ErrReconnectExhausted, s.cfg.MaxReconnectAttempts))
	return nil
}

// lifetimeContext returns a context cancelled when the session closes,
// so in-flight reconnect dials abort as soon as Disconnect runs. The
// caller must invoke the cancel func once the dial returns.
func (s *Session) lifetimeContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// terminate moves the session to CLOSED and reports the fatal error
// through the terminal failure callback.
func (s *Session) terminate(err error) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.markStale()
	s.log.WithError(err).Error("stream session terminated")
	if s.events.OnTerminalFailure != nil {
		s.events.OnTerminalFailure(s.userID, s.exchangeName, err)
	}
}

// close shuts the session down on caller request and waits for its
// goroutines to drain.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	st := s.stream
	s.state = StateClosed
	s.mu.Unlock()

	if st != nil {
		_ = st.Close()
	}
	s.markStale()
	s.wg.Wait()
	s.log.Info("stream session closed")
}

func (s *Session) markStale() {
	s.snapMu.Lock()
	s.snapshot.Stale = true
	s.snapMu.Unlock()
}
