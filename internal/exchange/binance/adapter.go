package binance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	futures "github.com/adshao/go-binance/v2/futures"

	appconfig "accountflow/config"
	"accountflow/internal/exchange"
	"accountflow/logger"
)

const (
	defaultRestURL = "https://fapi.binance.com"
	defaultWsURL   = "wss://fstream.binance.com"

	// Binance expires an unrefreshed listen key after 60 minutes.
	listenKeyKeepAlive = 25 * time.Minute
)

// Adapter drives Binance USDT-margined futures over the binance-go
// client and the user data stream.
type Adapter struct {
	cfg      appconfig.ExchangeConfig
	readIdle time.Duration
	log      *logger.Log
}

func New(cfg appconfig.ExchangeConfig, readIdle time.Duration) *Adapter {
	return &Adapter{cfg: cfg, readIdle: readIdle, log: logger.GetLogger()}
}

func (a *Adapter) Name() string { return "binance" }

func (a *Adapter) restBase() string {
	if a.cfg.RestURL == "" {
		return defaultRestURL
	}
	if parsed, err := url.Parse(a.cfg.RestURL); err == nil && parsed.Host != "" {
		return fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}
	return a.cfg.RestURL
}

func (a *Adapter) wsBase() string {
	if a.cfg.WsURL == "" {
		return defaultWsURL
	}
	return a.cfg.WsURL
}

func (a *Adapter) newClient(creds exchange.Credentials) *futures.Client {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  false,
	}
	client := futures.NewClient(creds.APIKey, creds.APISecret)
	client.HTTPClient = &http.Client{Transport: transport, Timeout: 30 * time.Second}
	client.SetApiEndpoint(a.restBase())
	return client
}

type session struct {
	client *futures.Client
}

func (s *session) Exchange() string { return "binance" }

func (s *session) Close() error {
	s.client.HTTPClient.CloseIdleConnections()
	return nil
}

// CreateSession builds the signed client and verifies the keys with an
// account call.
func (a *Adapter) CreateSession(ctx context.Context, creds exchange.Credentials) (exchange.Session, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, exchange.NewCredentialError("binance", "api key and secret are required", nil)
	}

	client := a.newClient(creds)
	if _, err := client.NewGetAccountService().Do(ctx); err != nil {
		if reason, ok := credentialRejected(err); ok {
			return nil, exchange.NewCredentialError("binance", reason, err)
		}
		return nil, fmt.Errorf("binance account check: %w", err)
	}
	return &session{client: client}, nil
}

// Probe hits the server time endpoint, the cheapest liveness call the
// vendor offers.
func (a *Adapter) Probe(ctx context.Context, sess exchange.Session) error {
	s, ok := sess.(*session)
	if !ok {
		return fmt.Errorf("binance: foreign session %T", sess)
	}
	if _, err := s.client.NewServerTimeService().Do(ctx); err != nil {
		return fmt.Errorf("binance server time: %w", err)
	}
	return nil
}

// OpenStream creates a user data listen key over REST and dials the
// push socket for it. Authentication happens on the REST side, so the
// stream reports readiness with a synthetic first frame.
func (a *Adapter) OpenStream(ctx context.Context, creds exchange.Credentials) (exchange.Stream, error) {
	client := a.newClient(creds)
	listenKey, err := client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		if reason, ok := credentialRejected(err); ok {
			return nil, exchange.NewCredentialError("binance", reason, err)
		}
		return nil, fmt.Errorf("binance listen key: %w", err)
	}

	ws, err := exchange.DialStream(ctx, a.wsBase()+"/ws/"+listenKey, a.readIdle)
	if err != nil {
		return nil, err
	}

	st := &userStream{
		WsStream:  ws,
		client:    client,
		listenKey: listenKey,
		log:       a.log.WithComponent("binance_stream"),
		stop:      make(chan struct{}),
	}
	go st.keepAlive()
	return st, nil
}

// readyFrame marks the stream as authenticated; Binance sends no auth
// ack of its own because the listen key was issued over signed REST.
var readyFrame = []byte(`{"e":"_ready"}`)

// userStream augments the raw socket with the listen key keep-alive
// loop. An expired listen key is surfaced as a read error so the
// session redials with a fresh key.
type userStream struct {
	*exchange.WsStream
	client    *futures.Client
	listenKey string
	log       *logger.Entry

	stop chan struct{}
	once sync.Once

	mu    sync.Mutex
	ready bool
}

func (s *userStream) ReadMessage() ([]byte, error) {
	s.mu.Lock()
	first := !s.ready
	s.ready = true
	s.mu.Unlock()
	if first {
		return readyFrame, nil
	}

	raw, err := s.WsStream.ReadMessage()
	if err != nil {
		return nil, err
	}
	if isListenKeyExpired(raw) {
		return nil, errors.New("binance listen key expired")
	}
	return raw, nil
}

func (s *userStream) Close() error {
	s.once.Do(func() { close(s.stop) })
	return s.WsStream.Close()
}

func (s *userStream) keepAlive() {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := s.client.NewKeepaliveUserStreamService().ListenKey(s.listenKey).Do(ctx)
			cancel()
			if err != nil {
				s.log.WithError(err).Warn("listen key keepalive failed")
			}
		}
	}
}

func isListenKeyExpired(raw []byte) bool {
	var probe struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Event == "listenKeyExpired"
}

// ParseFrame routes user data events to the normalizer and drops the
// traffic the session does not care about.
func (a *Adapter) ParseFrame(raw []byte) (exchange.Frame, error) {
	if bytes.Equal(raw, readyFrame) {
		return exchange.Frame{Type: exchange.FrameAuthAck}, nil
	}

	var probe struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return exchange.Frame{}, fmt.Errorf("binance frame: %w", err)
	}

	switch probe.Event {
	case "ACCOUNT_UPDATE", "MARGIN_CALL", "ORDER_TRADE_UPDATE":
		return exchange.Frame{Type: exchange.FrameData, Payload: raw}, nil
	}
	return exchange.Frame{Type: exchange.FrameIgnore, Reason: probe.Event}, nil
}

// HeartbeatMessage is nil: Binance answers websocket ping control
// frames directly.
func (a *Adapter) HeartbeatMessage() []byte { return nil }

func credentialRejected(err error) (string, bool) {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return "", false
	}
	switch apiErr.Code {
	case -2014, -2015, -1022:
		return apiErr.Message, true
	}
	return "", false
}
