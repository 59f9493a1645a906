package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	appconfig "accountflow/config"
	"accountflow/internal/exchange"
	"accountflow/logger"
)

const (
	defaultRestURL = "https://api.bybit.com"
	defaultWsURL   = "wss://stream.bybit.com/v5/private"

	authWindow = 10 * time.Second
)

var privateTopics = []string{"wallet", "position", "order", "execution"}

// Adapter drives Bybit v5 unified trading accounts through the
// bybit.go.api client and the private websocket.
type Adapter struct {
	cfg      appconfig.ExchangeConfig
	readIdle time.Duration
	log      *logger.Log
}

func New(cfg appconfig.ExchangeConfig, readIdle time.Duration) *Adapter {
	return &Adapter{cfg: cfg, readIdle: readIdle, log: logger.GetLogger()}
}

func (a *Adapter) Name() string { return "bybit" }

func (a *Adapter) restBase() string {
	if a.cfg.RestURL == "" {
		return defaultRestURL
	}
	if parsed, err := url.Parse(a.cfg.RestURL); err == nil && parsed.Host != "" {
		return fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}
	return a.cfg.RestURL
}

func (a *Adapter) wsURL() string {
	if a.cfg.WsURL == "" {
		return defaultWsURL
	}
	return a.cfg.WsURL
}

func (a *Adapter) newClient(creds exchange.Credentials) *bybit.Client {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  false,
	}
	client := bybit.NewBybitHttpClient(creds.APIKey, creds.APISecret, bybit.WithBaseURL(a.restBase()))
	client.HTTPClient = &http.Client{Transport: transport, Timeout: 30 * time.Second}
	return client
}

type session struct {
	client *bybit.Client
}

func (s *session) Exchange() string { return "bybit" }

func (s *session) Close() error {
	s.client.HTTPClient.CloseIdleConnections()
	return nil
}

// bybit v5 retCode values for rejected keys and signatures.
func credentialRetCode(code int) bool {
	switch code {
	case 10003, 10004, 10005, 33004:
		return true
	}
	return false
}

// CreateSession builds the signed client and verifies the keys against
// the wallet endpoint.
func (a *Adapter) CreateSession(ctx context.Context, creds exchange.Credentials) (exchange.Session, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, exchange.NewCredentialError("bybit", "api key and secret are required", nil)
	}

	client := a.newClient(creds)
	params := map[string]interface{}{"accountType": "UNIFIED"}
	resp, err := client.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
	if err != nil {
		return nil, fmt.Errorf("bybit wallet check: %w", err)
	}
	if resp.RetCode != 0 {
		if credentialRetCode(resp.RetCode) {
			return nil, exchange.NewCredentialError("bybit", resp.RetMsg, nil)
		}
		return nil, fmt.Errorf("bybit wallet check: retCode %d: %s", resp.RetCode, resp.RetMsg)
	}
	return &session{client: client}, nil
}

// Probe fetches a shallow linear orderbook, a public endpoint that round
// trips the same host the session trades against.
func (a *Adapter) Probe(ctx context.Context, sess exchange.Session) error {
	s, ok := sess.(*session)
	if !ok {
		return fmt.Errorf("bybit: foreign session %T", sess)
	}
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   "BTCUSDT",
		"limit":    1,
	}
	resp, err := s.client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		return fmt.Errorf("bybit orderbook probe: %w", err)
	}
	if resp.RetCode != 0 {
		return fmt.Errorf("bybit orderbook probe: retCode %d: %s", resp.RetCode, resp.RetMsg)
	}
	return nil
}

// OpenStream dials the private v5 socket and sends the auth and
// subscribe requests. The auth ack arrives as a frame the session waits
// for.
func (a *Adapter) OpenStream(ctx context.Context, creds exchange.Credentials) (exchange.Stream, error) {
	st, err := exchange.DialStream(ctx, a.wsURL(), a.readIdle)
	if err != nil {
		return nil, err
	}

	expires := time.Now().Add(authWindow).UnixMilli()
	auth := struct {
		Op   string        `json:"op"`
		Args []interface{} `json:"args"`
	}{
		Op:   "auth",
		Args: []interface{}{creds.APIKey, expires, signAuth(creds.APISecret, expires)},
	}
	if err := st.WriteJSON(auth); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("bybit auth request: %w", err)
	}

	sub := struct {
		Op   string   `json:"op"`
		Args []string `json:"args"`
	}{Op: "subscribe", Args: privateTopics}
	if err := st.WriteJSON(sub); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("bybit subscribe request: %w", err)
	}
	return st, nil
}

func signAuth(secret string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "GET/realtime%d", expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseFrame classifies v5 private traffic. Operation responses carry
// an op field, data pushes a topic.
func (a *Adapter) ParseFrame(raw []byte) (exchange.Frame, error) {
	var probe struct {
		Op      string `json:"op"`
		Success *bool  `json:"success"`
		RetMsg  string `json:"ret_msg"`
		Topic   string `json:"topic"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return exchange.Frame{}, fmt.Errorf("bybit frame: %w", err)
	}

	switch probe.Op {
	case "auth":
		if probe.Success != nil && !*probe.Success {
			return exchange.Frame{Type: exchange.FrameAuthReject, Reason: probe.RetMsg}, nil
		}
		return exchange.Frame{Type: exchange.FrameAuthAck}, nil
	case "subscribe":
		return exchange.Frame{Type: exchange.FrameSubscriptionAck, Reason: probe.RetMsg}, nil
	case "ping", "pong":
		return exchange.Frame{Type: exchange.FrameHeartbeatAck}, nil
	}
	if probe.RetMsg == "pong" {
		return exchange.Frame{Type: exchange.FrameHeartbeatAck}, nil
	}

	switch probe.Topic {
	case "wallet", "position", "order", "execution":
		return exchange.Frame{Type: exchange.FrameData, Payload: raw}, nil
	}
	return exchange.Frame{Type: exchange.FrameIgnore, Reason: probe.Topic}, nil
}

// HeartbeatMessage is the v5 application-level ping request.
func (a *Adapter) HeartbeatMessage() []byte {
	return []byte(`{"op":"ping"}`)
}
