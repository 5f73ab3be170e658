package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Feature names one optional venue capability. Engines query capabilities
// instead of catching "unsupported" errors.
type Feature string

const (
	// FeatureSpotTrading is advertised by every adapter.
	FeatureSpotTrading Feature = "spot_trading"
	// FeatureFunding covers the flexible-savings account: funding balance,
	// subscribe and redeem. Without it the rebalancer is a no-op.
	FeatureFunding Feature = "funding"
)

// IExchange is the single contract every venue adapter implements. It is the
// only component that talks to the venue and must be safe for concurrent use
// by all engines and the reporter.
type IExchange interface {
	Name() string

	// Supports reports whether the venue implements a capability. Unknown
	// features return false.
	Supports(feature Feature) bool

	// LoadMarkets fetches the market catalogue. Must be called once before
	// trading starts.
	LoadMarkets(ctx context.Context) error

	// GetMarketSpec returns the catalogue entry for a pair, falling back to
	// DefaultMarketSpec when the pair is unknown.
	GetMarketSpec(symbol Symbol) MarketSpec

	// SyncTime measures server-vs-local clock skew. The resulting offset is
	// applied to every signed request. On failure the previous offset is
	// kept.
	SyncTime(ctx context.Context) error

	// TimeOffset returns the current signed server-time offset.
	TimeOffset() time.Duration

	// Market data.
	FetchTicker(ctx context.Context, symbol Symbol) (*Ticker, error)
	FetchOrderBookTop(ctx context.Context, symbol Symbol, depth int) (*OrderBookTop, error)
	FetchOHLCV(ctx context.Context, symbol Symbol, timeframe string, limit int) ([]Candle, error)

	// FetchSpotBalance returns a cached spot snapshot (30 s TTL). On failure
	// it returns an empty but shaped value, never an error.
	FetchSpotBalance(ctx context.Context) Balance

	// FetchFundingBalance returns the cached funding snapshot (separate
	// 30 s TTL), empty when the feature is disabled or unsupported.
	FetchFundingBalance(ctx context.Context) FundingBalance

	// Orders.
	CreateLimitOrder(ctx context.Context, symbol Symbol, side OrderSide, amount, price decimal.Decimal) (*Order, error)
	CreateMarketOrder(ctx context.Context, symbol Symbol, side OrderSide, amount decimal.Decimal) (*Order, error)
	CancelOrder(ctx context.Context, orderID string, symbol Symbol) error
	FetchOrder(ctx context.Context, orderID string, symbol Symbol) (*Order, error)
	FetchOpenOrders(ctx context.Context, symbol Symbol) ([]*Order, error)
	FetchMyTrades(ctx context.Context, symbol Symbol, limit int) ([]Fill, error)

	// Savings transfers. Both invalidate the balance caches on success.
	TransferSpotToFunding(ctx context.Context, asset string, amount decimal.Decimal) error
	TransferFundingToSpot(ctx context.Context, asset string, amount decimal.Decimal) error

	// TotalAccountValue combines spot (excluding savings receipts) and
	// funding, priced in the quote asset. Cached for 30 s.
	TotalAccountValue(ctx context.Context, quote string) (decimal.Decimal, error)

	Close() error
}

// Notifier is the one-way notification sink. Implementations must never
// block trading; sends are fire-and-forget with a short timeout.
type Notifier interface {
	Notify(title, body string)
}

// EngineSnapshot is the read-only view of one engine exposed to the web
// task and to optional decision modules. It never grants mutation.
type EngineSnapshot struct {
	Symbol         string          `json:"symbol"`
	BasePrice      decimal.Decimal `json:"base_price"`
	GridSize       float64         `json:"grid_size"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	LastTradeTime  int64           `json:"last_trade_time"`
	LastTradePrice decimal.Decimal `json:"last_trade_price"`
	RiskState      string          `json:"risk_state"`
	Volatility     float64         `json:"volatility"`
	MonitoringBuy  bool            `json:"is_monitoring_buy"`
	MonitoringSell bool            `json:"is_monitoring_sell"`
}

// EngineView exposes a snapshot of a running engine.
type EngineView interface {
	Snapshot() EngineSnapshot
}

// ExternalTrader lets optional decision modules route a trade through the
// engine's normal execution pipeline. The request is subject to the same
// risk gate as grid signals; a rejection is returned to the caller.
type ExternalTrader interface {
	RequestExternalTrade(ctx context.Context, side OrderSide, notionalFraction float64) error
}
