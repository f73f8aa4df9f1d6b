// Package config defines the top-level configuration for the arbitrage engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by XBTARB_* environment variables.
type Config struct {
	Pair      PairConfig      `toml:"pair"`
	Arbitrage ArbitrageConfig `toml:"arbitrage"`
	Venues    []VenueConfig   `toml:"venues"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`

	// UnknownKeys lists file keys that matched no field, typically typos.
	UnknownKeys []string `toml:"-"`
}

// PairConfig names the traded instrument.
type PairConfig struct {
	Base  string `toml:"base"`
	Quote string `toml:"quote"`
	// SizeDecimals is the number of decimals executable sizes are truncated to.
	SizeDecimals int32 `toml:"size_decimals"`
}

// ArbitrageConfig holds the detection, execution and risk parameters.
type ArbitrageConfig struct {
	DryRun                  bool         `toml:"dry_run"`
	StartTrading            bool         `toml:"start_trading"`
	DetectInterval          duration     `toml:"detect_interval"`
	StalenessThreshold      duration     `toml:"staleness_threshold"`
	MaxPosition             decimalValue `toml:"max_position"`
	MinProfitPerUnit        decimalValue `toml:"min_profit_per_unit"`
	MinTradeVolume          decimalValue `toml:"min_trade_volume"`
	FailureThreshold        int          `toml:"failure_threshold"`
	OrderTimeout            duration     `toml:"order_timeout"`
	StatusPollInterval      duration     `toml:"status_poll_interval"`
	RecoveryTimeout         duration     `toml:"recovery_timeout"`
	MaxConcurrentExecutions int          `toml:"max_concurrent_executions"`
	PairCooldown            duration     `toml:"pair_cooldown"`
	BalanceRefreshInterval  duration     `toml:"balance_refresh_interval"`
	FeeRefreshInterval      duration     `toml:"fee_refresh_interval"`
	LockTTL                 duration     `toml:"lock_ttl"`
	KillSwitchLossUSD       float64      `toml:"kill_switch_loss_usd"`
	MaxUncoveredBase        decimalValue `toml:"max_uncovered_base"`
}

// VenueConfig describes one trading venue. Venues are resolved to adapters
// once at startup.
type VenueConfig struct {
	ID                string       `toml:"id"`
	Kind              string       `toml:"kind"`
	MakerFeeBps       float64      `toml:"maker_fee_bps"`
	TakerFeeBps       float64      `toml:"taker_fee_bps"`
	MinOrderSize      decimalValue `toml:"min_order_size"`
	PollInterval      duration     `toml:"poll_interval"`
	MinRequestSpacing duration     `toml:"min_request_spacing"`
	Latency           duration     `toml:"latency"`
	// QuoteCurrency is the fiat the venue trades in; prices are converted to
	// the pair quote with FXRate when it differs.
	QuoteCurrency   string       `toml:"quote_currency"`
	FXRate          decimalValue `toml:"fx_rate"`
	RateLimit       int          `toml:"rate_limit"`
	RateWindow      duration     `toml:"rate_window"`
	RetryMaxElapsed duration     `toml:"retry_max_elapsed"`
	Paper           PaperConfig  `toml:"paper"`
}

// PaperConfig seeds a simulated venue.
type PaperConfig struct {
	Bid       decimalValue            `toml:"bid"`
	Ask       decimalValue            `toml:"ask"`
	Depth     decimalValue            `toml:"depth"`
	JitterBps float64                 `toml:"jitter_bps"`
	FillMode  string                  `toml:"fill_mode"`
	Balances  map[string]decimalValue `toml:"balances"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
	// KeyPrefix namespaces every key and channel, so several deployments
	// can share one Redis.
	KeyPrefix string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled              bool     `toml:"enabled"`
	Endpoint             string   `toml:"endpoint"`
	Region               string   `toml:"region"`
	Bucket               string   `toml:"bucket"`
	AccessKey            string   `toml:"access_key"`
	SecretKey            string   `toml:"secret_key"`
	UseSSL               bool     `toml:"use_ssl"`
	ForcePathStyle       bool     `toml:"force_path_style"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	ArchiveInterval      duration `toml:"archive_interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit caps requests per client IP per RateWindow. Zero disables
	// it. Enforced through Redis, so it is ignored when Redis is off.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig controls the Prometheus registry.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// decimalValue decodes money and size parameters from TOML strings such as
// "0.01" without passing through float64.
type decimalValue struct {
	decimal.Decimal
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *decimalValue) UnmarshalText(text []byte) error {
	v, err := decimal.NewFromString(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid decimal %q: %w", string(text), err)
	}
	d.Decimal = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d decimalValue) MarshalText() ([]byte, error) {
	return []byte(d.Decimal.String()), nil
}

func dec(s string) decimalValue {
	return decimalValue{decimal.RequireFromString(s)}
}

// Defaults returns a Config populated with reasonable default values. There
// are no default venues; the file must list at least two.
func Defaults() Config {
	return Config{
		Pair: PairConfig{
			Base:         "BTC",
			Quote:        "USD",
			SizeDecimals: 8,
		},
		Arbitrage: ArbitrageConfig{
			DryRun:                  false,
			StartTrading:            false,
			DetectInterval:          duration{time.Second},
			StalenessThreshold:      duration{5 * time.Second},
			MaxPosition:             dec("0.5"),
			MinProfitPerUnit:        dec("0.5"),
			MinTradeVolume:          dec("0.01"),
			FailureThreshold:        3,
			OrderTimeout:            duration{30 * time.Second},
			StatusPollInterval:      duration{time.Second},
			RecoveryTimeout:         duration{time.Minute},
			MaxConcurrentExecutions: 1,
			PairCooldown:            duration{10 * time.Second},
			BalanceRefreshInterval:  duration{30 * time.Second},
			FeeRefreshInterval:      duration{time.Hour},
			LockTTL:                 duration{2 * time.Minute},
			KillSwitchLossUSD:       100,
			MaxUncoveredBase:        dec("0.1"),
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "xbtarbiter",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			TLSEnabled:   false,
			StreamMaxLen: 10000,
			KeyPrefix:    "xbtarbiter",
		},
		S3: S3Config{
			Enabled:              false,
			Endpoint:             "http://localhost:9000",
			Region:               "us-east-1",
			Bucket:               "xbtarbiter-archive",
			UseSSL:               false,
			ForcePathStyle:       true,
			ArchiveRetentionDays: 30,
			ArchiveInterval:      duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"execution_partial", "execution_failed", "venue_degraded", "trading_halted"},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "xbtarbiter",
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// venueDefaults fills unset per-venue fields.
func venueDefaults(v *VenueConfig) {
	if v.Kind == "" {
		v.Kind = "paper"
	}
	if v.PollInterval.Duration == 0 {
		v.PollInterval = duration{2 * time.Second}
	}
	if v.MinOrderSize.IsZero() {
		v.MinOrderSize = dec("0.001")
	}
	if v.FXRate.IsZero() {
		v.FXRate = dec("1")
	}
	if v.RateWindow.Duration == 0 {
		v.RateWindow = duration{time.Minute}
	}
	if v.RetryMaxElapsed.Duration == 0 {
		v.RetryMaxElapsed = duration{5 * time.Second}
	}
	if v.Paper.FillMode == "" {
		v.Paper.FillMode = "immediate"
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validVenueKinds = map[string]bool{
	"paper": true,
}

var validFillModes = map[string]bool{
	"immediate": true,
	"partial":   true,
	"never":     true,
	"reject":    true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Pair
	if c.Pair.Base == "" || c.Pair.Quote == "" {
		errs = append(errs, "pair: base and quote must be set")
	}
	if c.Pair.Base == c.Pair.Quote {
		errs = append(errs, "pair: base and quote must differ")
	}
	if c.Pair.SizeDecimals < 0 || c.Pair.SizeDecimals > 12 {
		errs = append(errs, fmt.Sprintf("pair: size_decimals must be 0-12, got %d", c.Pair.SizeDecimals))
	}

	// Arbitrage
	a := c.Arbitrage
	if a.DetectInterval.Duration <= 0 {
		errs = append(errs, "arbitrage: detect_interval must be > 0")
	}
	if a.StalenessThreshold.Duration <= 0 {
		errs = append(errs, "arbitrage: staleness_threshold must be > 0")
	}
	if !a.MaxPosition.IsPositive() {
		errs = append(errs, "arbitrage: max_position must be > 0")
	}
	if a.MinProfitPerUnit.IsNegative() {
		errs = append(errs, "arbitrage: min_profit_per_unit must be >= 0")
	}
	if a.MinTradeVolume.IsNegative() {
		errs = append(errs, "arbitrage: min_trade_volume must be >= 0")
	}
	if a.FailureThreshold < 1 {
		errs = append(errs, "arbitrage: failure_threshold must be >= 1")
	}
	if a.OrderTimeout.Duration <= 0 {
		errs = append(errs, "arbitrage: order_timeout must be > 0")
	}
	if a.StatusPollInterval.Duration <= 0 || a.StatusPollInterval.Duration > a.OrderTimeout.Duration {
		errs = append(errs, "arbitrage: status_poll_interval must be > 0 and <= order_timeout")
	}
	if a.RecoveryTimeout.Duration <= 0 {
		errs = append(errs, "arbitrage: recovery_timeout must be > 0")
	}
	if a.MaxConcurrentExecutions < 1 {
		errs = append(errs, "arbitrage: max_concurrent_executions must be >= 1")
	}
	if a.BalanceRefreshInterval.Duration <= 0 {
		errs = append(errs, "arbitrage: balance_refresh_interval must be > 0")
	}
	if a.KillSwitchLossUSD <= 0 {
		errs = append(errs, "arbitrage: kill_switch_loss_usd must be > 0")
	}
	if a.MaxUncoveredBase.IsNegative() {
		errs = append(errs, "arbitrage: max_uncovered_base must be >= 0")
	}

	// Venues
	if len(c.Venues) < 2 {
		errs = append(errs, fmt.Sprintf("venues: at least two venues are required, got %d", len(c.Venues)))
	}
	seen := make(map[string]bool, len(c.Venues))
	for i, v := range c.Venues {
		prefix := fmt.Sprintf("venues[%d]", i)
		if v.ID == "" {
			errs = append(errs, prefix+": id must not be empty")
		} else {
			prefix = fmt.Sprintf("venues[%s]", v.ID)
			if seen[v.ID] {
				errs = append(errs, prefix+": duplicate id")
			}
			seen[v.ID] = true
		}
		if !validVenueKinds[v.Kind] {
			errs = append(errs, fmt.Sprintf("%s: unknown kind %q (valid: paper)", prefix, v.Kind))
		}
		if v.TakerFeeBps < 0 || v.MakerFeeBps < 0 {
			errs = append(errs, prefix+": fees must be >= 0")
		}
		if v.TakerFeeBps >= 10_000 {
			errs = append(errs, prefix+": taker_fee_bps must be < 10000")
		}
		if !v.MinOrderSize.IsPositive() {
			errs = append(errs, prefix+": min_order_size must be > 0")
		}
		if v.PollInterval.Duration <= 0 {
			errs = append(errs, prefix+": poll_interval must be > 0")
		}
		if v.MinRequestSpacing.Duration < 0 {
			errs = append(errs, prefix+": min_request_spacing must be >= 0")
		}
		if !v.FXRate.IsPositive() {
			errs = append(errs, prefix+": fx_rate must be > 0")
		}
		if v.RateLimit < 0 {
			errs = append(errs, prefix+": rate_limit must be >= 0")
		}
		if v.Kind == "paper" {
			if !validFillModes[v.Paper.FillMode] {
				errs = append(errs, fmt.Sprintf("%s: unknown paper.fill_mode %q", prefix, v.Paper.FillMode))
			}
			if !v.Paper.Bid.IsPositive() || !v.Paper.Ask.IsPositive() {
				errs = append(errs, prefix+": paper.bid and paper.ask must be > 0")
			}
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.S3.ArchiveRetentionDays < 1 {
			errs = append(errs, "s3: archive_retention_days must be >= 1")
		}
		if !c.Postgres.Enabled {
			errs = append(errs, "s3: archiving requires postgres.enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
