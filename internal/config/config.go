// Package config loads and validates the trader configuration from the
// environment. Components never read the environment themselves; they
// receive an immutable Config value from the bootstrapper.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"gridtrader/internal/core"
)

// Credentials holds one venue's API credentials. The passphrase is only
// required by some venues (e.g. OKX).
type Credentials struct {
	APIKey     Secret
	APISecret  Secret
	Passphrase Secret
}

// SymbolInitialParams seeds one pair from INITIAL_PARAMS_JSON.
type SymbolInitialParams struct {
	InitialBasePrice float64 `json:"initial_base_price"`
	InitialGrid      float64 `json:"initial_grid"`
}

// PositionLimits bound the position ratio for the risk controller.
type PositionLimits struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// GridParams bound the dynamic grid size, in percent.
type GridParams struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// GridContinuousParams tune the continuous resize formula
// new_grid = base_grid + k * (vol - vol_center).
type GridContinuousParams struct {
	BaseGrid  float64 `json:"base_grid"`
	VolCenter float64 `json:"vol_center"`
	K         float64 `json:"k"`
}

// DynamicIntervalParams map smoothed volatility to the period between
// grid-resize evaluations.
type DynamicIntervalParams struct {
	// Bands are evaluated in order; the first band whose Below bound
	// exceeds the volatility wins.
	Bands []IntervalBand `json:"bands"`
	// AboveSeconds applies when the volatility clears every band.
	AboveSeconds int `json:"above_seconds"`
	// FloorSeconds is the minimum period regardless of volatility.
	FloorSeconds int `json:"floor_seconds"`
	// DefaultSeconds is used when volatility is unavailable.
	DefaultSeconds int `json:"default_seconds"`
}

// IntervalBand maps volatility below a bound to a check period.
type IntervalBand struct {
	Below   float64 `json:"below"`
	Seconds int     `json:"seconds"`
}

// VolatilityParams tune the hybrid estimator.
type VolatilityParams struct {
	WindowBars      int     // 4h closes in the rolling window
	EWMALambda      float64 // decay of the EWMA variance
	HybridWeight    float64 // weight of the EWMA leg in the blend
	VolumeWeighting bool
	Timeframe       string // OHLCV timeframe of the traditional leg
	SmoothingWindow int    // samples averaged before sizing
}

// Timing gathers the intervals and margins that used to be scattered
// magic numbers. Every field has a documented effect and a default.
type Timing struct {
	TickInterval      time.Duration // engine main-loop period
	OrderWait         time.Duration // wait after placing a limit order
	PostTransferWait  time.Duration // wait after a savings redeem
	OrderRetryMax     int           // place/wait/cancel cycles per signal
	MarketRetryMax    int           // attempts for market-data calls
	BalanceCacheTTL   time.Duration // spot + funding cache lifetime
	ValueCacheTTL     time.Duration // total-account-value cache lifetime
	PairValueCacheTTL time.Duration // per-pair value cache used for sizing
	TimeSyncInterval  time.Duration // background clock-sync period
	ReportInterval    time.Duration // global value reporter period
	MinTradeInterval  time.Duration // minimum spacing between main trades
	RequestTimeout    time.Duration // per-request HTTP timeout
	RecvWindow        time.Duration // signed-request receive window
	MaxLoopFailures   int           // consecutive failed ticks before stop
}

// Config is the complete validated configuration. Treat as immutable.
type Config struct {
	Exchange    string
	TestnetMode bool
	Credentials map[string]Credentials
	HTTPProxy   string

	Symbols    []core.Symbol
	QuoteAsset string

	InitialParams  map[string]SymbolInitialParams
	InitialGrid    float64
	MinTradeAmount decimal.Decimal

	GlobalLimits   PositionLimits
	PositionLimits map[string]PositionLimits

	EnableSavings     bool
	SavingsPrecisions map[string]int

	Grid            GridParams
	GridContinuous  GridContinuousParams
	DynamicInterval DynamicIntervalParams
	Volatility      VolatilityParams

	SpotFundsTargetRatio  float64
	TradeNotionalFraction float64
	SafetyMargin          float64
	RedeemBuffer          float64
	// Rebalance deadbands: transfers smaller than these are skipped.
	RebalanceMinQuote decimal.Decimal
	RebalanceMinBase  decimal.Decimal

	Timing Timing

	StateDir         string
	WebListenAddr    string
	NotifyWebhookURL string

	LogLevel  string
	DebugMode bool
}

// Load reads the environment (after an optional .env file) into a validated
// Config.
func Load() (*Config, error) {
	// Missing .env is fine; explicit environment wins either way.
	_ = godotenv.Load()

	cfg := defaults()

	cfg.Exchange = strings.ToLower(envString("EXCHANGE", cfg.Exchange))
	cfg.TestnetMode = envBool("TESTNET_MODE", false)
	cfg.HTTPProxy = envString("HTTP_PROXY", "")
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.DebugMode = envBool("DEBUG_MODE", false)
	cfg.StateDir = envString("STATE_DIR", cfg.StateDir)
	cfg.WebListenAddr = envString("WEB_LISTEN_ADDR", cfg.WebListenAddr)
	cfg.NotifyWebhookURL = envString("NOTIFY_WEBHOOK_URL", "")

	if err := cfg.loadSymbols(envString("SYMBOLS", "")); err != nil {
		return nil, err
	}
	cfg.loadCredentials()

	if err := envJSON("INITIAL_PARAMS_JSON", &cfg.InitialParams); err != nil {
		return nil, err
	}
	cfg.InitialGrid = envFloat("INITIAL_GRID", cfg.InitialGrid)
	if v := envString("MIN_TRADE_AMOUNT", ""); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("MIN_TRADE_AMOUNT: %w", err)
		}
		cfg.MinTradeAmount = d
	}

	cfg.GlobalLimits.Max = envFloat("MAX_POSITION_RATIO", cfg.GlobalLimits.Max)
	cfg.GlobalLimits.Min = envFloat("MIN_POSITION_RATIO", cfg.GlobalLimits.Min)
	if err := envJSON("POSITION_LIMITS_JSON", &cfg.PositionLimits); err != nil {
		return nil, err
	}

	cfg.EnableSavings = envBool("ENABLE_SAVINGS_FUNCTION", cfg.EnableSavings)
	if err := envJSON("SAVINGS_PRECISIONS", &cfg.SavingsPrecisions); err != nil {
		return nil, err
	}

	if err := envJSON("GRID_PARAMS_JSON", &cfg.Grid); err != nil {
		return nil, err
	}
	if err := envJSON("GRID_CONTINUOUS_PARAMS_JSON", &cfg.GridContinuous); err != nil {
		return nil, err
	}
	if err := envJSON("DYNAMIC_INTERVAL_PARAMS_JSON", &cfg.DynamicInterval); err != nil {
		return nil, err
	}

	cfg.Volatility.WindowBars = envInt("VOLATILITY_WINDOW", cfg.Volatility.WindowBars)
	cfg.Volatility.EWMALambda = envFloat("VOLATILITY_EWMA_LAMBDA", cfg.Volatility.EWMALambda)
	cfg.Volatility.HybridWeight = envFloat("VOLATILITY_HYBRID_WEIGHT", cfg.Volatility.HybridWeight)
	cfg.Volatility.VolumeWeighting = envBool("ENABLE_VOLUME_WEIGHTING", cfg.Volatility.VolumeWeighting)

	cfg.SpotFundsTargetRatio = envFloat("SPOT_FUNDS_TARGET_RATIO", cfg.SpotFundsTargetRatio)
	cfg.SafetyMargin = envFloat("SAFETY_MARGIN", cfg.SafetyMargin)
	if v := envFloat("REBALANCE_MIN_BASE", 0); v > 0 {
		cfg.RebalanceMinBase = decimal.NewFromFloat(v)
	}
	if secs := envInt("MIN_TRADE_INTERVAL", 0); secs > 0 {
		cfg.Timing.MinTradeInterval = time.Duration(secs) * time.Second
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Exchange:       "binance",
		Credentials:    make(map[string]Credentials),
		InitialParams:  make(map[string]SymbolInitialParams),
		PositionLimits: make(map[string]PositionLimits),
		InitialGrid:    2.0,
		MinTradeAmount: decimal.NewFromFloat(0.0001),
		GlobalLimits:   PositionLimits{Min: 0.1, Max: 0.9},
		EnableSavings:  true,
		SavingsPrecisions: map[string]int{
			"USDT": 2,
		},
		Grid:           GridParams{Min: 1.0, Max: 4.0},
		GridContinuous: GridContinuousParams{BaseGrid: 2.5, VolCenter: 0.25, K: 10.0},
		DynamicInterval: DynamicIntervalParams{
			Bands: []IntervalBand{
				{Below: 0.10, Seconds: 3600},
				{Below: 0.20, Seconds: 1800},
				{Below: 0.30, Seconds: 900},
			},
			AboveSeconds:   450,
			FloorSeconds:   300,
			DefaultSeconds: 3600,
		},
		Volatility: VolatilityParams{
			WindowBars:      42,
			EWMALambda:      0.94,
			HybridWeight:    0.7,
			VolumeWeighting: false,
			Timeframe:       "4h",
			SmoothingWindow: 3,
		},
		SpotFundsTargetRatio:  0.16,
		TradeNotionalFraction: 0.10,
		SafetyMargin:          0.95,
		RedeemBuffer:          1.05,
		RebalanceMinQuote:     decimal.NewFromInt(1),
		RebalanceMinBase:      decimal.NewFromFloat(0.01),
		Timing: Timing{
			TickInterval:      5 * time.Second,
			OrderWait:         3 * time.Second,
			PostTransferWait:  5 * time.Second,
			OrderRetryMax:     10,
			MarketRetryMax:    3,
			BalanceCacheTTL:   30 * time.Second,
			ValueCacheTTL:     30 * time.Second,
			PairValueCacheTTL: 60 * time.Second,
			TimeSyncInterval:  time.Hour,
			ReportInterval:    60 * time.Second,
			MinTradeInterval:  30 * time.Second,
			RequestTimeout:    60 * time.Second,
			RecvWindow:        5 * time.Second,
			MaxLoopFailures:   5,
		},
		StateDir:      "data",
		WebListenAddr: ":8080",
		LogLevel:      "INFO",
	}
}

func (c *Config) loadSymbols(raw string) error {
	if raw == "" {
		return fmt.Errorf("SYMBOLS is required (comma-separated BASE/QUOTE list)")
	}
	for _, part := range strings.Split(raw, ",") {
		sym, err := core.ParseSymbol(part)
		if err != nil {
			return fmt.Errorf("SYMBOLS: %w", err)
		}
		c.Symbols = append(c.Symbols, sym)
	}
	return nil
}

func (c *Config) loadCredentials() {
	for _, venue := range []string{"binance", "okx"} {
		prefix := strings.ToUpper(venue)
		if c.TestnetMode {
			if k := os.Getenv(prefix + "_TESTNET_API_KEY"); k != "" {
				c.Credentials[venue] = Credentials{
					APIKey:     Secret(k),
					APISecret:  Secret(os.Getenv(prefix + "_TESTNET_API_SECRET")),
					Passphrase: Secret(os.Getenv(prefix + "_TESTNET_PASSPHRASE")),
				}
				continue
			}
		}
		if k := os.Getenv(prefix + "_API_KEY"); k != "" {
			c.Credentials[venue] = Credentials{
				APIKey:     Secret(k),
				APISecret:  Secret(os.Getenv(prefix + "_API_SECRET")),
				Passphrase: Secret(os.Getenv(prefix + "_PASSPHRASE")),
			}
		}
	}
}

// Validate checks cross-field consistency. It is called by Load and again
// on hot reload.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Symbols) == 0 {
		errs = append(errs, "at least one symbol is required")
	}
	quote := ""
	for _, s := range c.Symbols {
		if quote == "" {
			quote = s.Quote
		} else if s.Quote != quote {
			errs = append(errs, fmt.Sprintf("all symbols must share one quote asset, got %s and %s", quote, s.Quote))
		}
	}
	c.QuoteAsset = quote

	if c.Exchange != "binance" && c.Exchange != "okx" && c.Exchange != "mock" {
		errs = append(errs, fmt.Sprintf("unknown exchange %q", c.Exchange))
	}
	if c.Exchange != "mock" {
		cred, ok := c.Credentials[c.Exchange]
		if !ok || cred.APIKey == "" || cred.APISecret == "" {
			errs = append(errs, fmt.Sprintf("missing API credentials for %s", c.Exchange))
		}
		if c.Exchange == "okx" && cred.Passphrase == "" {
			errs = append(errs, "OKX requires a passphrase")
		}
	}

	if err := validateLimits("global", c.GlobalLimits); err != nil {
		errs = append(errs, err.Error())
	}
	for sym, lim := range c.PositionLimits {
		if err := validateLimits(sym, lim); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if c.Grid.Min <= 0 || c.Grid.Max < c.Grid.Min {
		errs = append(errs, fmt.Sprintf("grid bounds must satisfy 0 < min <= max, got [%v, %v]", c.Grid.Min, c.Grid.Max))
	}
	if c.InitialGrid < c.Grid.Min || c.InitialGrid > c.Grid.Max {
		errs = append(errs, fmt.Sprintf("INITIAL_GRID %v outside grid bounds [%v, %v]", c.InitialGrid, c.Grid.Min, c.Grid.Max))
	}
	if c.Volatility.EWMALambda <= 0 || c.Volatility.EWMALambda >= 1 {
		errs = append(errs, "VOLATILITY_EWMA_LAMBDA must be in (0, 1)")
	}
	if c.Volatility.HybridWeight < 0 || c.Volatility.HybridWeight > 1 {
		errs = append(errs, "VOLATILITY_HYBRID_WEIGHT must be in [0, 1]")
	}
	if c.SpotFundsTargetRatio <= 0 || c.SpotFundsTargetRatio >= 0.5 {
		errs = append(errs, "SPOT_FUNDS_TARGET_RATIO must be in (0, 0.5)")
	}
	if c.SafetyMargin <= 0 || c.SafetyMargin > 1 {
		errs = append(errs, "SAFETY_MARGIN must be in (0, 1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration invalid:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func validateLimits(scope string, l PositionLimits) error {
	if l.Min < 0 || l.Max > 1 || l.Min >= l.Max {
		return fmt.Errorf("position limits for %s must satisfy 0 <= min < max <= 1, got [%v, %v]", scope, l.Min, l.Max)
	}
	return nil
}

// LimitsFor returns the effective position limits for a symbol. A per-symbol
// entry fully overrides the global limits.
func (c *Config) LimitsFor(symbol core.Symbol) PositionLimits {
	if lim, ok := c.PositionLimits[symbol.String()]; ok {
		return lim
	}
	return c.GlobalLimits
}

// InitialParamsFor returns per-symbol seeding values, zero when absent.
func (c *Config) InitialParamsFor(symbol core.Symbol) SymbolInitialParams {
	return c.InitialParams[symbol.String()]
}

// SavingsPrecision returns the decimal precision used when formatting a
// transfer amount for an asset. Defaults: quote 2, base 6, otherwise 8.
func (c *Config) SavingsPrecision(asset string) int {
	if p, ok := c.SavingsPrecisions[asset]; ok {
		return p
	}
	if asset == c.QuoteAsset {
		return 2
	}
	for _, s := range c.Symbols {
		if s.Base == asset {
			return 6
		}
	}
	return 8
}

// CheckInterval maps a smoothed volatility to the period before the next
// grid-resize evaluation.
func (c *Config) CheckInterval(vol float64, available bool) time.Duration {
	p := c.DynamicInterval
	seconds := p.DefaultSeconds
	if available {
		seconds = p.AboveSeconds
		for _, band := range p.Bands {
			if vol < band.Below {
				seconds = band.Seconds
				break
			}
		}
	}
	if seconds < p.FloorSeconds {
		seconds = p.FloorSeconds
	}
	return time.Duration(seconds) * time.Second
}

// String renders the configuration with credentials redacted.
func (c *Config) String() string {
	syms := make([]string, len(c.Symbols))
	for i, s := range c.Symbols {
		syms[i] = s.String()
	}
	return fmt.Sprintf(
		"exchange=%s testnet=%v symbols=%s savings=%v grid=[%v,%v] target_ratio=%v log=%s",
		c.Exchange, c.TestnetMode, strings.Join(syms, ","),
		c.EnableSavings, c.Grid.Min, c.Grid.Max, c.SpotFundsTargetRatio, c.LogLevel,
	)
}

// Env helpers.

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envJSON(key string, out interface{}) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(v), out); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}
