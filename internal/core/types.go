// Package core defines the shared types and interfaces of the grid trader.
package core

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Symbol identifies one trading pair as "BASE/QUOTE". It is parsed once and
// stays stable for the lifetime of an engine.
type Symbol struct {
	Base  string
	Quote string
}

// ParseSymbol parses "BNB/USDT" into a Symbol.
func ParseSymbol(s string) (Symbol, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Symbol{}, fmt.Errorf("invalid symbol %q: want BASE/QUOTE", s)
	}
	return Symbol{
		Base:  strings.ToUpper(strings.TrimSpace(parts[0])),
		Quote: strings.ToUpper(strings.TrimSpace(parts[1])),
	}, nil
}

func (s Symbol) String() string {
	return s.Base + "/" + s.Quote
}

// Venue returns the concatenated form most venues use, e.g. "BNBUSDT".
func (s Symbol) Venue() string {
	return s.Base + s.Quote
}

// IsZero reports whether the symbol is unset.
func (s Symbol) IsZero() bool {
	return s.Base == "" && s.Quote == ""
}

// MarketSpec holds the venue's precision and limit rules for one pair.
// Loaded from the market catalogue at startup and immutable for the session.
type MarketSpec struct {
	AmountPrecision int
	PricePrecision  int
	MinAmount       decimal.Decimal
	MinNotional     decimal.Decimal
	MaxAmount       decimal.Decimal
	MaxNotional     decimal.Decimal
}

// DefaultMarketSpec returns the fallback used when the catalogue is missing
// precision or limit entries for a pair.
func DefaultMarketSpec() MarketSpec {
	return MarketSpec{
		AmountPrecision: 6,
		PricePrecision:  2,
		MinAmount:       decimal.NewFromFloat(0.0001),
		MinNotional:     decimal.NewFromInt(10),
	}
}

// Ticker is a point-in-time market snapshot. Fetched fresh before every
// signal evaluation, never cached across loop ticks.
type Ticker struct {
	Last           decimal.Decimal
	Bid            decimal.Decimal
	Ask            decimal.Decimal
	High24h        decimal.Decimal
	Low24h         decimal.Decimal
	QuoteVolume24h decimal.Decimal
}

// OrderBookTop is the top of book, used to price limit orders at the near
// touch.
type OrderBookTop struct {
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime int64
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// Balance is a spot wallet snapshot. Values are copies; callers own them.
type Balance struct {
	Free  map[string]decimal.Decimal
	Used  map[string]decimal.Decimal
	Total map[string]decimal.Decimal
}

// NewBalance returns an empty but fully shaped Balance.
func NewBalance() Balance {
	return Balance{
		Free:  make(map[string]decimal.Decimal),
		Used:  make(map[string]decimal.Decimal),
		Total: make(map[string]decimal.Decimal),
	}
}

// FreeOf returns the free amount of an asset, zero when absent.
func (b Balance) FreeOf(asset string) decimal.Decimal {
	return b.Free[asset]
}

// UsedOf returns the in-order amount of an asset, zero when absent.
func (b Balance) UsedOf(asset string) decimal.Decimal {
	return b.Used[asset]
}

// TotalOf returns the total amount of an asset, zero when absent.
func (b Balance) TotalOf(asset string) decimal.Decimal {
	return b.Total[asset]
}

// FundingBalance maps asset to the amount parked in the venue's flexible
// savings account.
type FundingBalance map[string]decimal.Decimal

// SavingsReceiptPrefix marks spot-wallet entries that are savings receipts
// ("LD"-prefixed on Binance). They mirror funding positions and must be
// excluded from spot sums to avoid double-counting.
const SavingsReceiptPrefix = "LD"

// OrderSide is the direction of an order or trade.
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// Opposite returns the mirrored side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderStatus is the normalized lifecycle state of an order.
type OrderStatus string

const (
	OrderNew             OrderStatus = "new"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderRejected        OrderStatus = "rejected"
	OrderExpired         OrderStatus = "expired"
)

// Closed reports whether the order is completely filled.
func (s OrderStatus) Closed() bool {
	return s == OrderFilled
}

// Open reports whether the order is still live on the book.
func (s OrderStatus) Open() bool {
	return s == OrderNew || s == OrderPartiallyFilled
}

// Order is the normalized venue order record.
type Order struct {
	ID        string
	ClientID  string
	Symbol    Symbol
	Side      OrderSide
	Type      string // "limit" or "market"
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Filled    decimal.Decimal
	AvgPrice  decimal.Decimal
	Status    OrderStatus
	UpdatedAt int64 // unix ms
}

// FillPrice returns the effective execution price, preferring the average
// fill price when the venue reports one.
func (o *Order) FillPrice() decimal.Decimal {
	if o.AvgPrice.IsPositive() {
		return o.AvgPrice
	}
	return o.Price
}

// Fill is one execution reported by the venue's my-trades endpoint. Several
// fills may share an order id.
type Fill struct {
	OrderID   string
	Symbol    Symbol
	Side      OrderSide
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Timestamp int64 // unix ms
}

// Trade is one completed trade in the per-symbol ledger.
type Trade struct {
	Timestamp   int64           `json:"timestamp"`
	Side        OrderSide       `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	OrderID     string          `json:"order_id"`
	Profit      decimal.Decimal `json:"profit"`
	StrategyTag string          `json:"strategy_tag"`
}

// RiskState is the three-valued gate computed from the position ratio.
// It is recomputed every tick and never persisted.
type RiskState int

const (
	AllowAll RiskState = iota
	AllowBuyOnly
	AllowSellOnly
)

func (r RiskState) String() string {
	switch r {
	case AllowBuyOnly:
		return "ALLOW_BUY_ONLY"
	case AllowSellOnly:
		return "ALLOW_SELL_ONLY"
	default:
		return "ALLOW_ALL"
	}
}

// Allows reports whether the gate permits the given side.
func (r RiskState) Allows(side OrderSide) bool {
	switch r {
	case AllowBuyOnly:
		return side == Buy
	case AllowSellOnly:
		return side == Sell
	default:
		return true
	}
}
