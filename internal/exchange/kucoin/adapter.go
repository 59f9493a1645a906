package kucoin

import (
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

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
	"github.com/google/uuid"

	appconfig "accountflow/config"
	"accountflow/internal/exchange"
	"accountflow/logger"
)

const (
	defaultRestURL = "https://api-futures.kucoin.com"

	probeSymbol = "XBTUSDTM"
)

var privateTopics = []string{
	"/contractAccount/wallet",
	"/contract/position:all",
	"/contractMarket/tradeOrders",
}

// Adapter drives KuCoin futures through the universal SDK for REST and
// the token-brokered private websocket for pushes.
type Adapter struct {
	cfg      appconfig.ExchangeConfig
	readIdle time.Duration
	log      *logger.Log
}

func New(cfg appconfig.ExchangeConfig, readIdle time.Duration) *Adapter {
	return &Adapter{cfg: cfg, readIdle: readIdle, log: logger.GetLogger()}
}

func (a *Adapter) Name() string { return "kucoin" }

func (a *Adapter) restBase() string {
	if a.cfg.RestURL == "" {
		return defaultRestURL
	}
	if parsed, err := url.Parse(a.cfg.RestURL); err == nil && parsed.Host != "" {
		return fmt.Sprintf("https://%s", parsed.Host)
	}
	return a.cfg.RestURL
}

type session struct {
	base       string
	creds      exchange.Credentials
	marketAPI  futuresmarket.MarketAPI
	httpClient *http.Client
}

func (s *session) Exchange() string { return "kucoin" }

func (s *session) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

type apiEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// signedRequest performs one KC-API v2 signed call and decodes the
// envelope.
func signedRequest(ctx context.Context, client *http.Client, creds exchange.Credentials, method, base, path string) (*apiEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, method, base+path, nil)
	if err != nil {
		return nil, err
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sign := hmac.New(sha256.New, []byte(creds.APISecret))
	sign.Write([]byte(ts + method + path))
	pass := hmac.New(sha256.New, []byte(creds.APISecret))
	pass.Write([]byte(creds.Passphrase))

	req.Header.Set("KC-API-KEY", creds.APIKey)
	req.Header.Set("KC-API-SIGN", base64.StdEncoding.EncodeToString(sign.Sum(nil)))
	req.Header.Set("KC-API-TIMESTAMP", ts)
	req.Header.Set("KC-API-PASSPHRASE", base64.StdEncoding.EncodeToString(pass.Sum(nil)))
	req.Header.Set("KC-API-KEY-VERSION", "2")
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var decoded apiEnvelope
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("kucoin response: %w", err)
	}
	return &decoded, nil
}

// credentialCode reports the KuCoin error codes meaning bad keys.
func credentialCode(code string) bool {
	switch code {
	case "400003", "400004", "400005", "400006", "401000":
		return true
	}
	return false
}

// CreateSession builds the SDK market client and verifies the keys with
// a signed account overview call.
func (a *Adapter) CreateSession(ctx context.Context, creds exchange.Credentials) (exchange.Session, error) {
	if creds.APIKey == "" || creds.APISecret == "" || creds.Passphrase == "" {
		return nil, exchange.NewCredentialError("kucoin", "api key, secret and passphrase are required", nil)
	}

	base := a.restBase()

	transportOpt := sdktype.NewTransportOptionBuilder().
		SetMaxIdleConns(10).
		SetMaxIdleConnsPerHost(10).
		SetIdleConnTimeout(90 * time.Second).
		SetTimeout(30 * time.Second).
		Build()
	option := sdktype.NewClientOptionBuilder().
		WithKey(creds.APIKey).
		WithSecret(creds.APISecret).
		WithPassphrase(creds.Passphrase).
		WithFuturesEndpoint(base).
		WithTransportOption(transportOpt).
		Build()
	marketAPI := sdkapi.NewClient(option).RestService().GetFuturesService().GetMarketAPI()

	s := &session{
		base:      base,
		creds:     creds,
		marketAPI: marketAPI,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: 30 * time.Second,
		},
	}

	resp, err := signedRequest(ctx, s.httpClient, creds, http.MethodGet, base, "/api/v1/account-overview?currency=USDT")
	if err != nil {
		return nil, fmt.Errorf("kucoin account check: %w", err)
	}
	if resp.Code != "200000" {
		if credentialCode(resp.Code) {
			return nil, exchange.NewCredentialError("kucoin", resp.Msg, nil)
		}
		return nil, fmt.Errorf("kucoin account check: code %s: %s", resp.Code, resp.Msg)
	}
	return s, nil
}

// Probe fetches the reference contract over the SDK market API.
func (a *Adapter) Probe(ctx context.Context, sess exchange.Session) error {
	s, ok := sess.(*session)
	if !ok {
		return fmt.Errorf("kucoin: foreign session %T", sess)
	}
	req := futuresmarket.NewGetSymbolReqBuilder().SetSymbol(probeSymbol).Build()
	if _, err := s.marketAPI.GetSymbol(req, ctx); err != nil {
		return fmt.Errorf("kucoin symbol probe: %w", err)
	}
	return nil
}

type bulletResponse struct {
	Token           string `json:"token"`
	InstanceServers []struct {
		Endpoint string `json:"endpoint"`
	} `json:"instanceServers"`
}

// OpenStream requests a private bullet token, dials the returned
// endpoint and subscribes the account topics. KuCoin confirms the
// connection with a welcome frame.
func (a *Adapter) OpenStream(ctx context.Context, creds exchange.Credentials) (exchange.Stream, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	defer httpClient.CloseIdleConnections()

	resp, err := signedRequest(ctx, httpClient, creds, http.MethodPost, a.restBase(), "/api/v1/bullet-private")
	if err != nil {
		return nil, fmt.Errorf("kucoin bullet token: %w", err)
	}
	if resp.Code != "200000" {
		if credentialCode(resp.Code) {
			return nil, exchange.NewCredentialError("kucoin", resp.Msg, nil)
		}
		return nil, fmt.Errorf("kucoin bullet token: code %s: %s", resp.Code, resp.Msg)
	}

	var bullet bulletResponse
	if err := json.Unmarshal(resp.Data, &bullet); err != nil {
		return nil, fmt.Errorf("kucoin bullet token: %w", err)
	}
	if bullet.Token == "" || len(bullet.InstanceServers) == 0 {
		return nil, fmt.Errorf("kucoin bullet token: empty response")
	}

	wsURL := fmt.Sprintf("%s?token=%s&connectId=%s",
		bullet.InstanceServers[0].Endpoint, bullet.Token, uuid.NewString())
	st, err := exchange.DialStream(ctx, wsURL, a.readIdle)
	if err != nil {
		return nil, err
	}

	for _, topic := range privateTopics {
		sub := map[string]interface{}{
			"id":             uuid.NewString(),
			"type":           "subscribe",
			"topic":          topic,
			"privateChannel": true,
			"response":       true,
		}
		if err := st.WriteJSON(sub); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("kucoin subscribe request: %w", err)
		}
	}
	return st, nil
}

// ParseFrame classifies bullet protocol traffic by its type field.
func (a *Adapter) ParseFrame(raw []byte) (exchange.Frame, error) {
	// data is an object on message frames and a plain string on error
	// frames, so it is decoded lazily per branch.
	var probe struct {
		Type string          `json:"type"`
		Code int             `json:"code"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return exchange.Frame{}, fmt.Errorf("kucoin frame: %w", err)
	}

	switch probe.Type {
	case "welcome":
		return exchange.Frame{Type: exchange.FrameAuthAck}, nil
	case "pong":
		return exchange.Frame{Type: exchange.FrameHeartbeatAck}, nil
	case "ack":
		return exchange.Frame{Type: exchange.FrameSubscriptionAck}, nil
	case "message":
		return exchange.Frame{Type: exchange.FrameData, Payload: raw}, nil
	case "error":
		var reason string
		_ = json.Unmarshal(probe.Data, &reason)
		if reason == "" {
			reason = string(probe.Data)
		}
		if probe.Code == 401 {
			return exchange.Frame{Type: exchange.FrameAuthReject, Reason: reason}, nil
		}
		return exchange.Frame{Type: exchange.FrameIgnore, Reason: reason}, nil
	}
	return exchange.Frame{Type: exchange.FrameIgnore, Reason: probe.Type}, nil
}

// HeartbeatMessage is the bullet protocol ping request.
func (a *Adapter) HeartbeatMessage() []byte {
	return []byte(`{"id":"keepalive","type":"ping"}`)
}
