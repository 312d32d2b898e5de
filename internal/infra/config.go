package infra

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Trading modes.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Config holds every setting the runtime consumes. It is loaded once
// at startup, validated, and passed into constructors as an immutable
// value; no component reads it after construction.
type Config struct {
	Mode string `yaml:"mode"` // "paper" or "live"

	API struct {
		GammaURL    string `yaml:"gamma_url"`
		ClobURL     string `yaml:"clob_url"`
		MarketWSURL string `yaml:"market_ws_url"`
		UserWSURL   string `yaml:"user_ws_url"`

		Key        string `yaml:"key"`
		Secret     string `yaml:"secret"`
		Passphrase string `yaml:"passphrase"`
	} `yaml:"api"`

	RateLimit struct {
		Capacity        int     `yaml:"capacity"`
		RefillPerSecond float64 `yaml:"refill_per_second"`
	} `yaml:"rate_limit"`

	Gateway struct {
		TimeoutSec  int `yaml:"timeout_sec"`
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"gateway"`

	ReconnectBackoff struct {
		BaseMS int     `yaml:"base_ms"`
		MaxMS  int     `yaml:"max_ms"`
		Jitter float64 `yaml:"jitter"`
		// GiveUpAfter bounds consecutive failed reconnects per channel
		// before the stream surfaces a fatal condition. 0 retries forever.
		GiveUpAfter int `yaml:"give_up_after"`
	} `yaml:"reconnect_backoff"`

	Stream struct {
		PingIntervalSec int `yaml:"ping_interval_sec"`
		ReadTimeoutSec  int `yaml:"read_timeout_sec"`
		InboxSize       int `yaml:"inbox_size"`
	} `yaml:"stream"`

	Paper struct {
		InitialBalance decimal.Decimal `yaml:"initial_balance"`
		FeeRate        decimal.Decimal `yaml:"fee_rate"`
		Slippage       decimal.Decimal `yaml:"slippage"`
	} `yaml:"paper"`

	Strategy struct {
		Name        string          `yaml:"name"`
		Markets     []string        `yaml:"markets"` // market ids or slugs
		DefaultSize decimal.Decimal `yaml:"default_size"`
		// HeartbeatSec controls the runner's periodic status log.
		HeartbeatSec int `yaml:"heartbeat_sec"`
	} `yaml:"strategy"`

	Storage struct {
		Path   string `yaml:"path"`
		CSVDir string `yaml:"csv_dir"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the YAML config file. Secrets may be
// supplied via a .env file or plain environment variables, which take
// precedence over the file contents.
func LoadConfig(path string) (*Config, error) {
	// Missing .env is fine; env vars still apply.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModePaper
	}
	if c.API.GammaURL == "" {
		c.API.GammaURL = "https://gamma-api.polymarket.com"
	}
	if c.API.ClobURL == "" {
		c.API.ClobURL = "https://clob.polymarket.com"
	}
	if c.API.MarketWSURL == "" {
		c.API.MarketWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	}
	if c.API.UserWSURL == "" {
		c.API.UserWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/user"
	}
	if c.RateLimit.Capacity == 0 {
		c.RateLimit.Capacity = 10
	}
	if c.RateLimit.RefillPerSecond == 0 {
		c.RateLimit.RefillPerSecond = 5
	}
	if c.Gateway.TimeoutSec == 0 {
		c.Gateway.TimeoutSec = 30
	}
	if c.Gateway.MaxAttempts == 0 {
		c.Gateway.MaxAttempts = 3
	}
	if c.ReconnectBackoff.BaseMS == 0 {
		c.ReconnectBackoff.BaseMS = 1000
	}
	if c.ReconnectBackoff.MaxMS == 0 {
		c.ReconnectBackoff.MaxMS = 60000
	}
	if c.ReconnectBackoff.Jitter == 0 {
		c.ReconnectBackoff.Jitter = 0.2
	}
	if c.Stream.PingIntervalSec == 0 {
		// The venue requires an application-level PING every 5 seconds.
		c.Stream.PingIntervalSec = 5
	}
	if c.Stream.ReadTimeoutSec == 0 {
		c.Stream.ReadTimeoutSec = 30
	}
	if c.Stream.InboxSize == 0 {
		c.Stream.InboxSize = 1024
	}
	if c.Paper.InitialBalance.IsZero() {
		c.Paper.InitialBalance = decimal.NewFromInt(10000)
	}
	if c.Strategy.DefaultSize.IsZero() {
		c.Strategy.DefaultSize = decimal.NewFromInt(100)
	}
	if c.Strategy.HeartbeatSec == 0 {
		c.Strategy.HeartbeatSec = 30
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/poly_go.db"
	}
	if c.Storage.CSVDir == "" {
		c.Storage.CSVDir = "data/exports"
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Mode != ModePaper && c.Mode != ModeLive {
		return fmt.Errorf("mode must be %q or %q, got %q", ModePaper, ModeLive, c.Mode)
	}

	for name, url := range map[string]string{
		"market_ws_url": c.API.MarketWSURL,
		"user_ws_url":   c.API.UserWSURL,
	} {
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			return fmt.Errorf("invalid %s: %s", name, url)
		}
	}

	if c.RateLimit.Capacity <= 0 || c.RateLimit.RefillPerSecond <= 0 {
		return fmt.Errorf("rate limit capacity and refill rate must be positive")
	}
	if c.Gateway.MaxAttempts <= 0 {
		return fmt.Errorf("gateway max_attempts must be positive")
	}
	if c.ReconnectBackoff.Jitter < 0 || c.ReconnectBackoff.Jitter > 1 {
		return fmt.Errorf("reconnect jitter must be within [0, 1]")
	}
	if c.Paper.InitialBalance.IsNegative() {
		return fmt.Errorf("paper initial balance cannot be negative")
	}
	if c.Mode == ModeLive && c.API.Key == "" {
		return fmt.Errorf("live mode requires api credentials")
	}
	if c.Strategy.Name == "" {
		return fmt.Errorf("strategy name is required")
	}
	if len(c.Strategy.Markets) == 0 {
		return fmt.Errorf("at least one market is required")
	}

	return nil
}

// overrideWithEnv replaces secrets with environment values when present.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.Key = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_API_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if mode := os.Getenv("POLY_MODE"); mode != "" {
		cfg.Mode = mode
	}
}
