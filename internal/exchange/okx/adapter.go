package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	appconfig "accountflow/config"
	"accountflow/internal/exchange"
	"accountflow/logger"
)

const (
	defaultRestURL = "https://www.okx.com"
	defaultWsURL   = "wss://ws.okx.com:8443/ws/v5/private"
)

var privateChannels = []string{"account", "positions", "orders"}

// Adapter drives OKX v5 without an SDK: signed REST requests and the
// private websocket speak the documented wire format directly.
type Adapter struct {
	cfg      appconfig.ExchangeConfig
	readIdle time.Duration
	log      *logger.Log
}

func New(cfg appconfig.ExchangeConfig, readIdle time.Duration) *Adapter {
	return &Adapter{cfg: cfg, readIdle: readIdle, log: logger.GetLogger()}
}

func (a *Adapter) Name() string { return "okx" }

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

type session struct {
	base       string
	creds      exchange.Credentials
	httpClient *http.Client
}

func (s *session) Exchange() string { return "okx" }

func (s *session) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// signedGet performs one authenticated v5 GET and decodes the envelope.
func (s *session) signedGet(ctx context.Context, path string) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path, nil)
	if err != nil {
		return nil, err
	}

	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	mac := hmac.New(sha256.New, []byte(s.creds.APISecret))
	mac.Write([]byte(ts + http.MethodGet + path))

	req.Header.Set("OK-ACCESS-KEY", s.creds.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", s.creds.Passphrase)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var decoded apiResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("okx response: %w", err)
	}
	return &decoded, nil
}

// credentialCode reports the v5 error codes that mean the keys are bad.
func credentialCode(code string) bool {
	switch code {
	case "50111", "50113", "50114", "50102":
		return true
	}
	return false
}

// CreateSession verifies the keys against the account config endpoint.
func (a *Adapter) CreateSession(ctx context.Context, creds exchange.Credentials) (exchange.Session, error) {
	if creds.APIKey == "" || creds.APISecret == "" || creds.Passphrase == "" {
		return nil, exchange.NewCredentialError("okx", "api key, secret and passphrase are required", nil)
	}

	s := &session{
		base:  a.restBase(),
		creds: creds,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: 30 * time.Second,
		},
	}

	resp, err := s.signedGet(ctx, "/api/v5/account/config")
	if err != nil {
		return nil, fmt.Errorf("okx account check: %w", err)
	}
	if resp.Code != "0" {
		if credentialCode(resp.Code) {
			return nil, exchange.NewCredentialError("okx", resp.Msg, nil)
		}
		return nil, fmt.Errorf("okx account check: code %s: %s", resp.Code, resp.Msg)
	}
	return s, nil
}

// Probe hits the public server time endpoint.
func (a *Adapter) Probe(ctx context.Context, sess exchange.Session) error {
	s, ok := sess.(*session)
	if !ok {
		return fmt.Errorf("okx: foreign session %T", sess)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/api/v5/public/time", nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("okx server time: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("okx server time: status %d", resp.StatusCode)
	}
	return nil
}

// OpenStream dials the private socket, logs in and subscribes the
// account channels.
func (a *Adapter) OpenStream(ctx context.Context, creds exchange.Credentials) (exchange.Stream, error) {
	st, err := exchange.DialStream(ctx, a.wsURL(), a.readIdle)
	if err != nil {
		return nil, err
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(ts + "GET" + "/users/self/verify"))

	login := map[string]interface{}{
		"op": "login",
		"args": []map[string]string{{
			"apiKey":     creds.APIKey,
			"passphrase": creds.Passphrase,
			"timestamp":  ts,
			"sign":       base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		}},
	}
	if err := st.WriteJSON(login); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("okx login request: %w", err)
	}

	args := make([]map[string]string, 0, len(privateChannels))
	for _, channel := range privateChannels {
		arg := map[string]string{"channel": channel}
		if channel != "account" {
			arg["instType"] = "ANY"
		}
		args = append(args, arg)
	}
	sub := map[string]interface{}{"op": "subscribe", "args": args}
	if err := st.WriteJSON(sub); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("okx subscribe request: %w", err)
	}
	return st, nil
}

// ParseFrame classifies v5 private traffic. Heartbeats are the literal
// pong text, everything else is a JSON envelope.
func (a *Adapter) ParseFrame(raw []byte) (exchange.Frame, error) {
	if bytes.Equal(raw, []byte("pong")) {
		return exchange.Frame{Type: exchange.FrameHeartbeatAck}, nil
	}

	var probe struct {
		Event string `json:"event"`
		Code  string `json:"code"`
		Msg   string `json:"msg"`
		Arg   struct {
			Channel string `json:"channel"`
		} `json:"arg"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return exchange.Frame{}, fmt.Errorf("okx frame: %w", err)
	}

	switch probe.Event {
	case "login":
		if probe.Code != "" && probe.Code != "0" {
			return exchange.Frame{Type: exchange.FrameAuthReject, Reason: probe.Msg}, nil
		}
		return exchange.Frame{Type: exchange.FrameAuthAck}, nil
	case "error":
		if credentialCode(probe.Code) || probe.Code == "60009" {
			return exchange.Frame{Type: exchange.FrameAuthReject, Reason: probe.Msg}, nil
		}
		return exchange.Frame{Type: exchange.FrameIgnore, Reason: probe.Msg}, nil
	case "subscribe":
		return exchange.Frame{Type: exchange.FrameSubscriptionAck, Reason: probe.Arg.Channel}, nil
	}

	switch probe.Arg.Channel {
	case "account", "positions", "orders":
		return exchange.Frame{Type: exchange.FrameData, Payload: raw}, nil
	}
	return exchange.Frame{Type: exchange.FrameIgnore, Reason: probe.Arg.Channel}, nil
}

// HeartbeatMessage is the literal ping text OKX expects.
func (a *Adapter) HeartbeatMessage() []byte {
	return []byte("ping")
}
