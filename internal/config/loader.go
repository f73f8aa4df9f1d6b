package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "XBTARB_"

// Load layers the configuration: built-in defaults, then the TOML file at
// path, then per-venue defaults, then XBTARB_* environment variables (a .env
// file in the working directory is read first when present). The result is
// not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	for _, k := range md.Undecoded() {
		cfg.UnknownKeys = append(cfg.UnknownKeys, k.String())
	}
	for i := range cfg.Venues {
		venueDefaults(&cfg.Venues[i])
	}

	_ = godotenv.Load()
	for _, o := range envOverrides(&cfg) {
		if v, ok := os.LookupEnv(EnvPrefix + o.key); ok && strings.TrimSpace(v) != "" {
			if err := o.set(strings.TrimSpace(v)); err != nil {
				return nil, fmt.Errorf("config: %s%s: %w", EnvPrefix, o.key, err)
			}
		}
	}
	for i := range cfg.Venues {
		if err := venueEnvOverrides(&cfg.Venues[i]); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// override binds one environment variable, named without EnvPrefix, to a
// Config field.
type override struct {
	key string
	set func(string) error
}

// envOverrides lists the variables Load honours. Secrets are expected to
// arrive this way rather than through the file.
func envOverrides(cfg *Config) []override {
	a, pg, rd, s3, srv, nt := &cfg.Arbitrage, &cfg.Postgres, &cfg.Redis, &cfg.S3, &cfg.Server, &cfg.Notify
	return []override{
		{"MODE", str(&cfg.Mode)},
		{"LOG_LEVEL", str(&cfg.LogLevel)},

		{"ARBITRAGE_DRY_RUN", boolean(&a.DryRun)},
		{"ARBITRAGE_START_TRADING", boolean(&a.StartTrading)},
		{"ARBITRAGE_DETECT_INTERVAL", dur(&a.DetectInterval)},
		{"ARBITRAGE_STALENESS_THRESHOLD", dur(&a.StalenessThreshold)},
		{"ARBITRAGE_MAX_POSITION", decimalVar(&a.MaxPosition)},
		{"ARBITRAGE_MIN_PROFIT_PER_UNIT", decimalVar(&a.MinProfitPerUnit)},
		{"ARBITRAGE_MIN_TRADE_VOLUME", decimalVar(&a.MinTradeVolume)},
		{"ARBITRAGE_FAILURE_THRESHOLD", integer(&a.FailureThreshold)},
		{"ARBITRAGE_ORDER_TIMEOUT", dur(&a.OrderTimeout)},
		{"ARBITRAGE_MAX_CONCURRENT_EXECUTIONS", integer(&a.MaxConcurrentExecutions)},
		{"ARBITRAGE_KILL_SWITCH_LOSS_USD", float(&a.KillSwitchLossUSD)},

		{"POSTGRES_ENABLED", boolean(&pg.Enabled)},
		{"POSTGRES_DSN", str(&pg.DSN)},
		{"POSTGRES_HOST", str(&pg.Host)},
		{"POSTGRES_PORT", integer(&pg.Port)},
		{"POSTGRES_DATABASE", str(&pg.Database)},
		{"POSTGRES_USER", str(&pg.User)},
		{"POSTGRES_PASSWORD", str(&pg.Password)},
		{"POSTGRES_SSL_MODE", str(&pg.SSLMode)},
		{"POSTGRES_RUN_MIGRATIONS", boolean(&pg.RunMigrations)},

		{"REDIS_ENABLED", boolean(&rd.Enabled)},
		{"REDIS_ADDR", str(&rd.Addr)},
		{"REDIS_PASSWORD", str(&rd.Password)},
		{"REDIS_DB", integer(&rd.DB)},
		{"REDIS_TLS_ENABLED", boolean(&rd.TLSEnabled)},
		{"REDIS_KEY_PREFIX", str(&rd.KeyPrefix)},

		{"S3_ENABLED", boolean(&s3.Enabled)},
		{"S3_ENDPOINT", str(&s3.Endpoint)},
		{"S3_REGION", str(&s3.Region)},
		{"S3_BUCKET", str(&s3.Bucket)},
		{"S3_ACCESS_KEY", str(&s3.AccessKey)},
		{"S3_SECRET_KEY", str(&s3.SecretKey)},

		{"SERVER_ENABLED", boolean(&srv.Enabled)},
		{"SERVER_PORT", integer(&srv.Port)},
		{"SERVER_API_KEY", str(&srv.APIKey)},
		{"SERVER_CORS_ORIGINS", list(&srv.CORSOrigins)},
		{"SERVER_RATE_LIMIT", integer(&srv.RateLimit)},

		{"NOTIFY_TELEGRAM_TOKEN", str(&nt.TelegramToken)},
		{"NOTIFY_TELEGRAM_CHAT_ID", str(&nt.TelegramChatID)},
		{"NOTIFY_DISCORD_WEBHOOK_URL", str(&nt.DiscordWebhookURL)},
		{"NOTIFY_EVENTS", list(&nt.Events)},
	}
}

// venueEnvOverrides applies XBTARB_VENUE_<ID>_* to one venue, so a deployment
// can correct a fee or FX rate without editing the file. The id is upper-cased
// with dashes turned into underscores.
func venueEnvOverrides(v *VenueConfig) error {
	id := strings.ToUpper(strings.ReplaceAll(v.ID, "-", "_"))
	for _, o := range []override{
		{"VENUE_" + id + "_TAKER_FEE_BPS", float(&v.TakerFeeBps)},
		{"VENUE_" + id + "_MAKER_FEE_BPS", float(&v.MakerFeeBps)},
		{"VENUE_" + id + "_FX_RATE", decimalVar(&v.FXRate)},
		{"VENUE_" + id + "_RATE_LIMIT", integer(&v.RateLimit)},
	} {
		if val, ok := os.LookupEnv(EnvPrefix + o.key); ok && strings.TrimSpace(val) != "" {
			if err := o.set(strings.TrimSpace(val)); err != nil {
				return fmt.Errorf("config: %s%s: %w", EnvPrefix, o.key, err)
			}
		}
	}
	return nil
}

func str(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func integer(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			*dst = n
		}
		return err
	}
}

func float(dst *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			*dst = f
		}
		return err
	}
}

func boolean(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*dst = b
		}
		return err
	}
}

func dur(dst *duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err == nil {
			dst.Duration = d
		}
		return err
	}
}

func decimalVar(dst *decimalValue) func(string) error {
	return func(v string) error {
		d, err := decimal.NewFromString(v)
		if err == nil {
			dst.Decimal = d
		}
		return err
	}
}

func list(dst *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
		return nil
	}
}
