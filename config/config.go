package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml values can be written as "30s"
// or "5m" as well as plain nanosecond integers.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the plain time.Duration value.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Accountflow AppConfig       `yaml:"accountflow"`
	Logging     LoggingConfig   `yaml:"logging"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Pool        PoolConfig      `yaml:"pool"`
	Websocket   WebsocketConfig `yaml:"websocket"`
	Exchanges   ExchangesConfig `yaml:"exchanges"`
	Accounts    []AccountConfig `yaml:"accounts"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	Enabled          bool             `yaml:"enabled"`
	ReportInterval   Duration         `yaml:"report_interval"`
	PrometheusListen string           `yaml:"prometheus_listen"`
	CloudWatch       CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type PoolConfig struct {
	IdleTTL          Duration `yaml:"idle_ttl"`
	SweepInterval    Duration `yaml:"sweep_interval"`
	CreateTimeout    Duration `yaml:"create_timeout"`
	ProbeTimeout     Duration `yaml:"probe_timeout"`
	ProbeRetries     int      `yaml:"probe_retries"`
	RateLimitMaxWait Duration `yaml:"rate_limit_max_wait"`
}

type WebsocketConfig struct {
	HandshakeTimeout     Duration `yaml:"handshake_timeout"`
	HeartbeatInterval    Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout     Duration `yaml:"heartbeat_timeout"`
	ReconnectBaseDelay   Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts"`
}

type ExchangesConfig struct {
	Binance ExchangeConfig `yaml:"binance"`
	Bybit   ExchangeConfig `yaml:"bybit"`
	Okx     ExchangeConfig `yaml:"okx"`
	Kucoin  ExchangeConfig `yaml:"kucoin"`
}

type ExchangeConfig struct {
	RestURL   string          `yaml:"rest_url"`
	WsURL     string          `yaml:"ws_url"`
	Testnet   bool            `yaml:"testnet"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	Capacity        int     `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// AccountConfig names the environment variables holding one tenant's
// API credentials. Secrets never live in the yaml file itself.
type AccountConfig struct {
	UserID        string `yaml:"user_id"`
	Exchange      string `yaml:"exchange"`
	APIKeyEnv     string `yaml:"api_key_env"`
	APISecretEnv  string `yaml:"api_secret_env"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// Exchange returns the configuration block for the named exchange and
// whether one exists.
func (e ExchangesConfig) Exchange(name string) (ExchangeConfig, bool) {
	switch strings.ToLower(name) {
	case "binance":
		return e.Binance, true
	case "bybit":
		return e.Bybit, true
	case "okx":
		return e.Okx, true
	case "kucoin":
		return e.Kucoin, true
	}
	return ExchangeConfig{}, false
}

// LoadConfig reads and validates the yaml configuration at path.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(c *Config) {
	if c.Accountflow.Name == "" {
		c.Accountflow.Name = "accountflow"
	}
	if c.Metrics.ReportInterval <= 0 {
		c.Metrics.ReportInterval = Duration(30 * time.Second)
	}
	if c.Pool.IdleTTL <= 0 {
		c.Pool.IdleTTL = Duration(15 * time.Minute)
	}
	if c.Pool.SweepInterval <= 0 {
		c.Pool.SweepInterval = Duration(time.Minute)
	}
	if c.Pool.CreateTimeout <= 0 {
		c.Pool.CreateTimeout = Duration(10 * time.Second)
	}
	if c.Pool.ProbeTimeout <= 0 {
		c.Pool.ProbeTimeout = Duration(5 * time.Second)
	}
	if c.Pool.ProbeRetries <= 0 {
		c.Pool.ProbeRetries = 2
	}
	if c.Pool.RateLimitMaxWait <= 0 {
		c.Pool.RateLimitMaxWait = Duration(2 * time.Second)
	}
	if c.Websocket.HandshakeTimeout <= 0 {
		c.Websocket.HandshakeTimeout = Duration(10 * time.Second)
	}
	if c.Websocket.HeartbeatInterval <= 0 {
		c.Websocket.HeartbeatInterval = Duration(20 * time.Second)
	}
	if c.Websocket.HeartbeatTimeout <= 0 {
		c.Websocket.HeartbeatTimeout = Duration(2 * c.Websocket.HeartbeatInterval)
	}
	if c.Websocket.ReconnectBaseDelay <= 0 {
		c.Websocket.ReconnectBaseDelay = Duration(time.Second)
	}
	if c.Websocket.ReconnectMaxDelay <= 0 {
		c.Websocket.ReconnectMaxDelay = Duration(30 * time.Second)
	}
	if c.Websocket.MaxReconnectAttempts <= 0 {
		c.Websocket.MaxReconnectAttempts = 10
	}
}

func validateConfig(c *Config) error {
	if c.Websocket.HeartbeatTimeout.Std() <= c.Websocket.HeartbeatInterval.Std() {
		return fmt.Errorf("heartbeat_timeout must exceed heartbeat_interval")
	}
	if c.Websocket.ReconnectMaxDelay.Std() < c.Websocket.ReconnectBaseDelay.Std() {
		return fmt.Errorf("reconnect_max_delay must not be below reconnect_base_delay")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, acct := range c.Accounts {
		if acct.UserID == "" {
			return fmt.Errorf("accounts[%d]: user_id is required", i)
		}
		if acct.Exchange == "" {
			return fmt.Errorf("accounts[%d]: exchange is required", i)
		}
		key := acct.UserID + "|" + strings.ToLower(acct.Exchange)
		if seen[key] {
			return fmt.Errorf("accounts[%d]: duplicate user/exchange pair %s", i, key)
		}
		seen[key] = true
	}
	return nil
}
