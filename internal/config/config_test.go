package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "trade"
log_level = "debug"

[arbitrage]
staleness_threshold = "3s"
min_profit_per_unit = "0.75"
max_position = "0.25"
failure_threshold = 4

[[venues]]
id = "bitstamp"
taker_fee_bps = 25.0
min_order_size = "0.001"
poll_interval = "2s"
[venues.paper]
bid = "100"
ask = "101"
[venues.paper.balances]
BTC = "1"
USD = "1000"

[[venues]]
id = "kraken"
taker_fee_bps = 26.0
quote_currency = "EUR"
fx_rate = "1.08"
[venues.paper]
bid = "93"
ask = "94"
fill_mode = "partial"

[postgres]
enabled = true
password = "secret"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MergesDefaultsAndFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.Arbitrage.StalenessThreshold.Duration)
	assert.True(t, cfg.Arbitrage.MinProfitPerUnit.Equal(decimal.RequireFromString("0.75")))
	assert.Equal(t, 4, cfg.Arbitrage.FailureThreshold)
	// untouched defaults survive
	assert.Equal(t, 30*time.Second, cfg.Arbitrage.OrderTimeout.Duration)
	assert.True(t, cfg.Arbitrage.MinTradeVolume.Equal(decimal.RequireFromString("0.01")))

	require.Len(t, cfg.Venues, 2)
	assert.Equal(t, "paper", cfg.Venues[0].Kind)
	assert.True(t, cfg.Venues[0].Paper.Balances["USD"].Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, "immediate", cfg.Venues[0].Paper.FillMode)
	assert.True(t, cfg.Venues[1].FXRate.Equal(decimal.RequireFromString("1.08")))
	assert.True(t, cfg.Venues[1].MinOrderSize.Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, "partial", cfg.Venues[1].Paper.FillMode)

	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("XBTARB_MODE", "monitor")
	t.Setenv("XBTARB_ARBITRAGE_MAX_POSITION", "0.1")
	t.Setenv("XBTARB_ARBITRAGE_ORDER_TIMEOUT", "45s")
	t.Setenv("XBTARB_SERVER_CORS_ORIGINS", "http://a, http://b ,")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.True(t, cfg.Arbitrage.MaxPosition.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, 45*time.Second, cfg.Arbitrage.OrderTimeout.Duration)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.Server.CORSOrigins)
}

func TestLoad_VenueEnvOverrides(t *testing.T) {
	t.Setenv("XBTARB_VENUE_KRAKEN_FX_RATE", "1.1")
	t.Setenv("XBTARB_VENUE_BITSTAMP_TAKER_FEE_BPS", "20")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	assert.Equal(t, 20.0, cfg.Venues[0].TakerFeeBps)
	assert.True(t, cfg.Venues[1].FXRate.Equal(decimal.RequireFromString("1.1")))
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("XBTARB_ARBITRAGE_FAILURE_THRESHOLD", "many")
	_, err := Load(writeConfig(t, sampleTOML))
	assert.ErrorContains(t, err, "XBTARB_ARBITRAGE_FAILURE_THRESHOLD")
}

func TestLoad_ReportsUnknownKeys(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML+"\n[server]\nportt = 9\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"server.portt"}, cfg.UnknownKeys)
}

func TestLoad_BadDecimal(t *testing.T) {
	_, err := Load(writeConfig(t, "[arbitrage]\nmax_position = \"abc\"\n"))
	require.Error(t, err)
}

func TestValidate_CollectsProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "backtest"
	cfg.Arbitrage.FailureThreshold = 0
	cfg.Venues = []VenueConfig{{ID: "a"}, {ID: "a"}}
	for i := range cfg.Venues {
		venueDefaults(&cfg.Venues[i])
	}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "backtest"`)
	assert.Contains(t, msg, "failure_threshold must be >= 1")
	assert.Contains(t, msg, "venues[a]: duplicate id")
	assert.Contains(t, msg, "paper.bid and paper.ask must be > 0")
}

func TestValidate_RequiresTwoVenues(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least two venues")
}

func TestRedactedConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	cfg.Server.APIKey = "k"

	red := RedactedConfig(cfg)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "", red.Notify.TelegramToken)
	assert.Equal(t, "secret", cfg.Postgres.Password)

	red.Venues[0].Paper.Balances["BTC"] = dec("99")
	assert.True(t, cfg.Venues[0].Paper.Balances["BTC"].Equal(decimal.NewFromInt(1)))
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.toml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Empty(t, cfg.UnknownKeys)

	require.Len(t, cfg.Venues, 2)
	kraken := cfg.Venues[1]
	assert.Equal(t, "EUR", kraken.QuoteCurrency)
	assert.True(t, kraken.FXRate.Equal(decimal.RequireFromString("1.08")))
	assert.Equal(t, "immediate", kraken.Paper.FillMode, "fill mode defaults per venue")
	assert.True(t, cfg.Arbitrage.DryRun)
}
