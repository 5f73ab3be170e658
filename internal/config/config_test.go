package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrader/internal/core"
)

func loadWith(t *testing.T, env map[string]string) (*Config, error) {
	t.Helper()
	t.Setenv("SYMBOLS", "BNB/USDT")
	t.Setenv("EXCHANGE", "mock")
	for k, v := range env {
		t.Setenv(k, v)
	}
	return Load()
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadWith(t, nil)
	require.NoError(t, err)

	assert.Equal(t, "mock", cfg.Exchange)
	assert.Equal(t, "USDT", cfg.QuoteAsset)
	assert.Equal(t, 2.0, cfg.InitialGrid)
	assert.Equal(t, PositionLimits{Min: 0.1, Max: 0.9}, cfg.GlobalLimits)
	assert.Equal(t, 0.16, cfg.SpotFundsTargetRatio)
	assert.Equal(t, 0.10, cfg.TradeNotionalFraction)
	assert.Equal(t, 0.95, cfg.SafetyMargin)
	assert.Equal(t, 1.05, cfg.RedeemBuffer)
	assert.Equal(t, 5*time.Second, cfg.Timing.TickInterval)
	assert.Equal(t, 30*time.Second, cfg.Timing.MinTradeInterval)
	assert.Equal(t, 5, cfg.Timing.MaxLoopFailures)
}

func TestLoadRequiresSymbols(t *testing.T) {
	t.Setenv("SYMBOLS", "")
	t.Setenv("EXCHANGE", "mock")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYMBOLS")
}

func TestLoadRejectsMixedQuotes(t *testing.T) {
	_, err := loadWith(t, map[string]string{"SYMBOLS": "BNB/USDT,ETH/BUSD"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quote asset")
}

func TestLoadRequiresCredentialsForRealVenue(t *testing.T) {
	_, err := loadWith(t, map[string]string{"EXCHANGE": "binance"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials")
}

func TestLoadRejectsBadLimits(t *testing.T) {
	_, err := loadWith(t, map[string]string{
		"MIN_POSITION_RATIO": "0.9",
		"MAX_POSITION_RATIO": "0.1",
	})
	require.Error(t, err)
}

func TestLoadRejectsInitialGridOutsideBounds(t *testing.T) {
	_, err := loadWith(t, map[string]string{
		"GRID_PARAMS_JSON": `{"min":1.0,"max":4.0}`,
		"INITIAL_GRID":     "9.0",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INITIAL_GRID")
}

func TestLimitsForOverride(t *testing.T) {
	cfg, err := loadWith(t, map[string]string{
		"POSITION_LIMITS_JSON": `{"BNB/USDT":{"min":0.2,"max":0.8}}`,
	})
	require.NoError(t, err)

	sym := core.Symbol{Base: "BNB", Quote: "USDT"}
	assert.Equal(t, PositionLimits{Min: 0.2, Max: 0.8}, cfg.LimitsFor(sym))

	other := core.Symbol{Base: "ETH", Quote: "USDT"}
	assert.Equal(t, cfg.GlobalLimits, cfg.LimitsFor(other))
}

func TestInitialParamsFor(t *testing.T) {
	cfg, err := loadWith(t, map[string]string{
		"INITIAL_PARAMS_JSON": `{"BNB/USDT":{"initial_base_price":680,"initial_grid":2.5}}`,
	})
	require.NoError(t, err)

	p := cfg.InitialParamsFor(core.Symbol{Base: "BNB", Quote: "USDT"})
	assert.Equal(t, 680.0, p.InitialBasePrice)
	assert.Equal(t, 2.5, p.InitialGrid)

	assert.Zero(t, cfg.InitialParamsFor(core.Symbol{Base: "ETH", Quote: "USDT"}))
}

func TestSavingsPrecision(t *testing.T) {
	cfg, err := loadWith(t, map[string]string{
		"SAVINGS_PRECISIONS": `{"BNB":4}`,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.SavingsPrecision("BNB"))
	assert.Equal(t, 2, cfg.SavingsPrecision("USDT")) // quote default
	assert.Equal(t, 8, cfg.SavingsPrecision("DOGE")) // unknown asset
}

func TestCheckInterval(t *testing.T) {
	cfg, err := loadWith(t, nil)
	require.NoError(t, err)

	cases := []struct {
		vol       float64
		available bool
		want      time.Duration
	}{
		{0.05, true, 3600 * time.Second},  // below the first band
		{0.15, true, 1800 * time.Second},  // second band
		{0.25, true, 900 * time.Second},   // third band
		{0.50, true, 450 * time.Second},   // above every band
		{0.00, false, 3600 * time.Second}, // volatility unavailable
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, cfg.CheckInterval(tc.vol, tc.available), "vol=%v", tc.vol)
	}
}

func TestCheckIntervalFloor(t *testing.T) {
	cfg, err := loadWith(t, map[string]string{
		"DYNAMIC_INTERVAL_PARAMS_JSON": `{"bands":[{"below":0.1,"seconds":60}],"above_seconds":30,"floor_seconds":300,"default_seconds":3600}`,
	})
	require.NoError(t, err)

	// Both the band and the above value sit under the floor.
	assert.Equal(t, 300*time.Second, cfg.CheckInterval(0.05, true))
	assert.Equal(t, 300*time.Second, cfg.CheckInterval(0.50, true))
}

func TestStringRedactsCredentials(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "key-material")
	t.Setenv("BINANCE_API_SECRET", "secret-material")
	cfg, err := loadWith(t, nil)
	require.NoError(t, err)

	s := cfg.String()
	assert.NotContains(t, s, "key-material")
	assert.NotContains(t, s, "secret-material")
}
