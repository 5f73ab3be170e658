// Package mock provides an in-memory venue used by tests and by the
// EXCHANGE=mock dry-run mode.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridtrader/internal/apperrors"
	"gridtrader/internal/core"
	"gridtrader/internal/exchange/base"
)

// Exchange implements core.IExchange entirely in memory. Limit orders fill
// immediately by default; tests flip AutoFill off to exercise the
// wait/cancel/retry path and fill orders by hand.
type Exchange struct {
	mu sync.Mutex

	// AutoFill makes every order fill at its limit price on placement.
	AutoFill bool
	// FundingEnabled advertises the funding capability.
	FundingEnabled bool

	tickers map[string]core.Ticker
	books   map[string]core.OrderBookTop
	candles map[string][]core.Candle
	specs   map[string]core.MarketSpec

	spot    core.Balance
	funding core.FundingBalance

	orders map[string]*core.Order
	fills  map[string][]core.Fill
	nextID int64

	failNext map[string]error

	timeOffset time.Duration
}

// New returns an empty mock venue with funding enabled and auto-fill on.
func New() *Exchange {
	return &Exchange{
		AutoFill:       true,
		FundingEnabled: true,
		tickers:        make(map[string]core.Ticker),
		books:          make(map[string]core.OrderBookTop),
		candles:        make(map[string][]core.Candle),
		specs:          make(map[string]core.MarketSpec),
		spot:           core.NewBalance(),
		funding:        core.FundingBalance{},
		orders:         make(map[string]*core.Order),
		fills:          make(map[string][]core.Fill),
		failNext:       make(map[string]error),
	}
}

// Test helpers.

// SetPrice sets the ticker and book around one price.
func (m *Exchange) SetPrice(symbol core.Symbol, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spread := price.Mul(decimal.NewFromFloat(0.0001))
	m.tickers[symbol.String()] = core.Ticker{
		Last:           price,
		Bid:            price.Sub(spread),
		Ask:            price.Add(spread),
		High24h:        price.Mul(decimal.NewFromFloat(1.02)),
		Low24h:         price.Mul(decimal.NewFromFloat(0.98)),
		QuoteVolume24h: decimal.NewFromInt(1_000_000),
	}
	m.books[symbol.String()] = core.OrderBookTop{
		BestBid: price.Sub(spread),
		BestAsk: price.Add(spread),
	}
}

// SetCandles installs the OHLCV history returned for a symbol.
func (m *Exchange) SetCandles(symbol core.Symbol, candles []core.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[symbol.String()] = candles
}

// Deposit credits the spot wallet.
func (m *Exchange) Deposit(asset string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spot.Free[asset] = m.spot.Free[asset].Add(amount)
	m.spot.Total[asset] = m.spot.Total[asset].Add(amount)
}

// DepositFunding credits the savings account.
func (m *Exchange) DepositFunding(asset string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funding[asset] = m.funding[asset].Add(amount)
}

// FailNext makes the next call to the named operation return err once.
func (m *Exchange) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = err
}

// FillOrder fills an open order at the given price and records the fill.
func (m *Exchange) FillOrder(orderID string, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	m.fill(order, price)
	return nil
}

// OrderCount returns the number of orders ever placed.
func (m *Exchange) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *Exchange) injected(op string) error {
	if err, ok := m.failNext[op]; ok {
		delete(m.failNext, op)
		return err
	}
	return nil
}

// fill settles an order against the spot wallet. Caller holds the lock.
func (m *Exchange) fill(order *core.Order, price decimal.Decimal) {
	if !order.Status.Open() {
		return
	}
	order.Status = core.OrderFilled
	order.Filled = order.Amount
	order.AvgPrice = price
	order.UpdatedAt = time.Now().UnixMilli()

	notional := order.Amount.Mul(price)
	if order.Side == core.Buy {
		m.spot.Free[order.Symbol.Quote] = m.spot.Free[order.Symbol.Quote].Sub(notional)
		m.spot.Total[order.Symbol.Quote] = m.spot.Total[order.Symbol.Quote].Sub(notional)
		m.spot.Free[order.Symbol.Base] = m.spot.Free[order.Symbol.Base].Add(order.Amount)
		m.spot.Total[order.Symbol.Base] = m.spot.Total[order.Symbol.Base].Add(order.Amount)
	} else {
		m.spot.Free[order.Symbol.Base] = m.spot.Free[order.Symbol.Base].Sub(order.Amount)
		m.spot.Total[order.Symbol.Base] = m.spot.Total[order.Symbol.Base].Sub(order.Amount)
		m.spot.Free[order.Symbol.Quote] = m.spot.Free[order.Symbol.Quote].Add(notional)
		m.spot.Total[order.Symbol.Quote] = m.spot.Total[order.Symbol.Quote].Add(notional)
	}

	key := order.Symbol.String()
	m.fills[key] = append(m.fills[key], core.Fill{
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Price:     price,
		Amount:    order.Amount,
		Timestamp: order.UpdatedAt,
	})
}

// IExchange implementation.

func (m *Exchange) Name() string { return "mock" }

func (m *Exchange) Supports(feature core.Feature) bool {
	switch feature {
	case core.FeatureSpotTrading:
		return true
	case core.FeatureFunding:
		return m.FundingEnabled
	}
	return false
}

func (m *Exchange) LoadMarkets(ctx context.Context) error {
	return m.injectedLocked("LoadMarkets")
}

func (m *Exchange) injectedLocked(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.injected(op)
}

// SetMarketSpec installs a catalogue entry.
func (m *Exchange) SetMarketSpec(symbol core.Symbol, spec core.MarketSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs[symbol.String()] = spec
}

func (m *Exchange) GetMarketSpec(symbol core.Symbol) core.MarketSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if spec, ok := m.specs[symbol.String()]; ok {
		return spec
	}
	return core.DefaultMarketSpec()
}

func (m *Exchange) SyncTime(ctx context.Context) error {
	return m.injectedLocked("SyncTime")
}

func (m *Exchange) TimeOffset() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeOffset
}

func (m *Exchange) FetchTicker(ctx context.Context, symbol core.Symbol) (*core.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("FetchTicker"); err != nil {
		return nil, err
	}
	t, ok := m.tickers[symbol.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return &t, nil
}

func (m *Exchange) FetchOrderBookTop(ctx context.Context, symbol core.Symbol, depth int) (*core.OrderBookTop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("FetchOrderBookTop"); err != nil {
		return nil, err
	}
	b, ok := m.books[symbol.String()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, apperrors.ErrEmptyOrderBook)
	}
	return &b, nil
}

func (m *Exchange) FetchOHLCV(ctx context.Context, symbol core.Symbol, timeframe string, limit int) ([]core.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("FetchOHLCV"); err != nil {
		return nil, err
	}
	candles := m.candles[symbol.String()]
	if len(candles) > limit && limit > 0 {
		candles = candles[len(candles)-limit:]
	}
	out := make([]core.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (m *Exchange) FetchSpotBalance(ctx context.Context) core.Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := core.NewBalance()
	for k, v := range m.spot.Free {
		out.Free[k] = v
	}
	for k, v := range m.spot.Used {
		out.Used[k] = v
	}
	for k, v := range m.spot.Total {
		out.Total[k] = v
	}
	return out
}

func (m *Exchange) FetchFundingBalance(ctx context.Context) core.FundingBalance {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.FundingEnabled {
		return core.FundingBalance{}
	}
	out := make(core.FundingBalance, len(m.funding))
	for k, v := range m.funding {
		out[k] = v
	}
	return out
}

func (m *Exchange) CreateLimitOrder(ctx context.Context, symbol core.Symbol, side core.OrderSide, amount, price decimal.Decimal) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("CreateLimitOrder"); err != nil {
		return nil, err
	}
	if side == core.Buy {
		if m.spot.Free[symbol.Quote].LessThan(amount.Mul(price)) {
			return nil, apperrors.ErrInsufficientFunds
		}
	} else if m.spot.Free[symbol.Base].LessThan(amount) {
		return nil, apperrors.ErrInsufficientFunds
	}

	m.nextID++
	order := &core.Order{
		ID:        fmt.Sprintf("%d", m.nextID),
		Symbol:    symbol,
		Side:      side,
		Type:      "limit",
		Price:     price,
		Amount:    amount,
		Status:    core.OrderNew,
		UpdatedAt: time.Now().UnixMilli(),
	}
	m.orders[order.ID] = order
	if m.AutoFill {
		m.fill(order, price)
	}
	copied := *order
	return &copied, nil
}

func (m *Exchange) CreateMarketOrder(ctx context.Context, symbol core.Symbol, side core.OrderSide, amount decimal.Decimal) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("CreateMarketOrder"); err != nil {
		return nil, err
	}
	ticker, ok := m.tickers[symbol.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}

	m.nextID++
	order := &core.Order{
		ID:        fmt.Sprintf("%d", m.nextID),
		Symbol:    symbol,
		Side:      side,
		Type:      "market",
		Amount:    amount,
		Status:    core.OrderNew,
		UpdatedAt: time.Now().UnixMilli(),
	}
	m.orders[order.ID] = order
	m.fill(order, ticker.Last)
	copied := *order
	return &copied, nil
}

func (m *Exchange) CancelOrder(ctx context.Context, orderID string, symbol core.Symbol) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("CancelOrder"); err != nil {
		return err
	}
	order, ok := m.orders[orderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	if !order.Status.Open() {
		return apperrors.ErrOrderNotFound
	}
	order.Status = core.OrderCanceled
	order.UpdatedAt = time.Now().UnixMilli()
	return nil
}

func (m *Exchange) FetchOrder(ctx context.Context, orderID string, symbol core.Symbol) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("FetchOrder"); err != nil {
		return nil, err
	}
	order, ok := m.orders[orderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (m *Exchange) FetchOpenOrders(ctx context.Context, symbol core.Symbol) ([]*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Order
	for _, order := range m.orders {
		if order.Symbol == symbol && order.Status.Open() {
			copied := *order
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *Exchange) FetchMyTrades(ctx context.Context, symbol core.Symbol, limit int) ([]core.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("FetchMyTrades"); err != nil {
		return nil, err
	}
	fills := m.fills[symbol.String()]
	if limit > 0 && len(fills) > limit {
		fills = fills[len(fills)-limit:]
	}
	out := make([]core.Fill, len(fills))
	copy(out, fills)
	return out, nil
}

func (m *Exchange) TransferSpotToFunding(ctx context.Context, asset string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.FundingEnabled {
		return apperrors.ErrUnsupportedFeature
	}
	if err := m.injected("TransferSpotToFunding"); err != nil {
		return err
	}
	if m.spot.Free[asset].LessThan(amount) {
		return apperrors.ErrInsufficientFunds
	}
	m.spot.Free[asset] = m.spot.Free[asset].Sub(amount)
	m.spot.Total[asset] = m.spot.Total[asset].Sub(amount)
	m.funding[asset] = m.funding[asset].Add(amount)
	return nil
}

func (m *Exchange) TransferFundingToSpot(ctx context.Context, asset string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.FundingEnabled {
		return apperrors.ErrUnsupportedFeature
	}
	if err := m.injected("TransferFundingToSpot"); err != nil {
		return err
	}
	if m.funding[asset].LessThan(amount) {
		return apperrors.ErrInsufficientFunds
	}
	m.funding[asset] = m.funding[asset].Sub(amount)
	m.spot.Free[asset] = m.spot.Free[asset].Add(amount)
	m.spot.Total[asset] = m.spot.Total[asset].Add(amount)
	return nil
}

func (m *Exchange) TotalAccountValue(ctx context.Context, quote string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("TotalAccountValue"); err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	add := func(asset string, amt decimal.Decimal) {
		if amt.IsZero() {
			return
		}
		if asset == quote {
			total = total.Add(amt)
			return
		}
		if t, ok := m.tickers[asset+"/"+quote]; ok {
			if value := amt.Mul(t.Last); value.GreaterThanOrEqual(base.DustThreshold) {
				total = total.Add(value)
			}
		}
	}
	for asset, amt := range m.spot.Total {
		if strings.HasPrefix(asset, core.SavingsReceiptPrefix) && asset != quote {
			continue
		}
		add(asset, amt)
	}
	for asset, amt := range m.funding {
		add(asset, amt)
	}
	return total, nil
}

func (m *Exchange) Close() error { return nil }
