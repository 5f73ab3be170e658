// Package grid implements the per-symbol grid trading engine: band
// monitoring, retrace signals, dynamic grid sizing and the execution
// pipeline.
package grid

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"gridtrader/internal/apperrors"
	"gridtrader/internal/config"
	"gridtrader/internal/core"
	"gridtrader/internal/logging"
	"gridtrader/internal/risk"
	"gridtrader/internal/tracker"
	"gridtrader/internal/volatility"
)

const reconcileFillLimit = 50

// externalRequest routes an outside trade request into the engine loop.
type externalRequest struct {
	side     core.OrderSide
	fraction float64
	reply    chan error
}

// Engine runs the grid strategy for one symbol. All state mutation happens
// inside its own loop; outside callers interact through Snapshot, Reload
// and RequestExternalTrade.
type Engine struct {
	symbol   core.Symbol
	exchange core.IExchange
	risk     *risk.Controller
	vol      *volatility.Estimator
	tracker  *tracker.Tracker
	notifier core.Notifier
	log      logging.Logger
	rootLog  logging.Logger

	cfg atomic.Pointer[config.Config]

	spec      core.MarketSpec
	statePath string
	state     State
	dirty     bool

	currentPrice decimal.Decimal
	riskState    core.RiskState

	pairValue   decimal.Decimal
	pairValueAt time.Time

	failures int
	reloaded atomic.Bool

	external chan externalRequest

	snapMu sync.RWMutex
	snap   core.EngineSnapshot
}

// New wires an engine for one symbol. Init must run before Run.
func New(cfg *config.Config, symbol core.Symbol, ex core.IExchange, notifier core.Notifier, logger logging.Logger) (*Engine, error) {
	log := logger.WithField("symbol", symbol.String())

	trk, err := tracker.New(cfg.StateDir, symbol, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		symbol:    symbol,
		exchange:  ex,
		risk:      risk.New(symbol, cfg.LimitsFor(symbol), logger),
		tracker:   trk,
		notifier:  notifier,
		log:       log,
		rootLog:   logger,
		statePath: StatePath(cfg.StateDir, symbol),
		external:  make(chan externalRequest, 1),
	}
	e.cfg.Store(cfg)
	return e, nil
}

func (e *Engine) config() *config.Config {
	return e.cfg.Load()
}

// Reload swaps the configuration. The grid size follows the per-symbol
// initial block when present; the reference price never changes on reload.
func (e *Engine) Reload(cfg *config.Config) {
	e.cfg.Store(cfg)
	e.reloaded.Store(true)
}

// applyReload folds a pending config swap into loop-owned state.
func (e *Engine) applyReload(cfg *config.Config) {
	if !e.reloaded.CompareAndSwap(true, false) {
		return
	}
	e.risk = risk.New(e.symbol, cfg.LimitsFor(e.symbol), e.rootLog)
	if p := cfg.InitialParamsFor(e.symbol); p.InitialGrid > 0 {
		g := clampGrid(p.InitialGrid, cfg.Grid)
		if g != e.state.GridSize {
			e.log.Info("grid size updated on reload", "old", e.state.GridSize, "new", g)
			e.state.GridSize = g
			e.dirty = true
		}
	}
	e.log.Info("configuration reloaded")
}

// Tracker exposes the engine's ledger for tests and reporting.
func (e *Engine) Tracker() *tracker.Tracker {
	return e.tracker
}

// State returns a copy of the current engine state. Only safe between
// Init and Run, or after Run has returned.
func (e *Engine) State() State {
	return e.state
}

// Init loads persisted state, resolves the market spec, seeds the reference
// price, reconciles recent fills and runs the initial rebalance.
func (e *Engine) Init(ctx context.Context) error {
	cfg := e.config()

	st, err := LoadState(e.statePath)
	if err != nil {
		return err
	}
	e.state = st

	e.spec = e.exchange.GetMarketSpec(e.symbol)

	if e.state.GridSize <= 0 {
		grid := cfg.InitialGrid
		if p := cfg.InitialParamsFor(e.symbol); p.InitialGrid > 0 {
			grid = p.InitialGrid
		}
		e.state.GridSize = clampGrid(grid, cfg.Grid)
	}

	if !e.state.BasePrice.IsPositive() {
		if p := cfg.InitialParamsFor(e.symbol); p.InitialBasePrice > 0 {
			e.state.BasePrice = decimal.NewFromFloat(p.InitialBasePrice)
		} else {
			ticker, err := e.exchange.FetchTicker(ctx, e.symbol)
			if err != nil {
				return fmt.Errorf("initial ticker: %w", err)
			}
			if !ticker.Last.IsPositive() {
				return fmt.Errorf("%w: non-positive initial price", apperrors.ErrInvariantViolated)
			}
			e.state.BasePrice = ticker.Last
		}
	}

	e.vol = volatility.New(cfg.Volatility, volatility.RestoreEWMA(
		cfg.Volatility.EWMALambda,
		e.state.LastPrice,
		e.state.EWMAVolatility,
		e.state.EWMAInitialized,
	))
	e.vol.RestoreHistory(e.state.VolatilityHistory)

	fills, err := e.exchange.FetchMyTrades(ctx, e.symbol, reconcileFillLimit)
	if err != nil {
		e.log.Warn("fill reconciliation skipped", "error", err)
	} else {
		e.tracker.Reconcile(fills)
	}

	if e.fundingActive() {
		if err := e.rebalance(ctx); err != nil {
			e.log.Warn("initial rebalance failed", "error", err)
		}
	}

	if err := e.persist(); err != nil {
		return err
	}

	upper, lower := e.state.Bands()
	e.log.Info("engine initialized",
		"base_price", e.state.BasePrice.String(),
		"grid_size", e.state.GridSize,
		"upper", upper.String(),
		"lower", lower.String(),
		"trades", e.tracker.Len(),
	)
	e.publishSnapshot()
	return nil
}

// Run drives the main loop until the context is cancelled or the engine
// stops itself after too many consecutive failures. State is persisted one
// final time on the way out.
func (e *Engine) Run(ctx context.Context) error {
	cfg := e.config()
	ticker := time.NewTicker(cfg.Timing.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.finalPersist()
			return nil
		case req := <-e.external:
			req.reply <- e.handleExternal(ctx, req)
		case <-ticker.C:
			if err := e.tick(ctx); err != nil {
				e.failures++
				e.log.Error("tick failed", "error", err, "consecutive", e.failures)
				if e.failures > e.config().Timing.MaxLoopFailures {
					e.notifier.Notify(
						fmt.Sprintf("engine stopped: %s", e.symbol),
						fmt.Sprintf("stopped after %d consecutive loop failures, last error: %v", e.failures, err),
					)
					e.finalPersist()
					return fmt.Errorf("%s: %w", e.symbol, apperrors.ErrEngineStopped)
				}
			} else {
				e.failures = 0
			}
			e.publishSnapshot()
		}
	}
}

// tick runs one loop iteration: price, balances, resize, risk, signals.
func (e *Engine) tick(ctx context.Context) error {
	cfg := e.config()
	e.applyReload(cfg)

	ticker, err := e.exchange.FetchTicker(ctx, e.symbol)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	if !ticker.Last.IsPositive() {
		return fmt.Errorf("%w: non-positive price", apperrors.ErrInvariantViolated)
	}
	e.currentPrice = ticker.Last

	// The EWMA leg decays per observation, so it gets every tick's price.
	// Its state is only persisted on the resize cadence below.
	price, _ := e.currentPrice.Float64()
	e.vol.ObservePrice(price)

	spot := e.exchange.FetchSpotBalance(ctx)
	funding := e.exchange.FetchFundingBalance(ctx)

	if e.resizeDue(cfg) {
		e.resizeGrid(ctx, cfg)
	}

	e.riskState = e.risk.Evaluate(spot, funding, e.currentPrice)

	canTrade := e.tradeIntervalElapsed(cfg)
	signal := e.updateMonitors(canTrade)

	if signal != "" && !e.riskState.Allows(signal) {
		e.log.Info("signal suppressed by risk gate",
			"side", signal, "risk_state", e.riskState.String())
		signal = ""
	}
	if signal != "" {
		if err := e.executeSignal(ctx, signal, cfg.TradeNotionalFraction); err != nil {
			e.log.Warn("trade attempt failed", "side", signal, "error", err)
		}
	}

	if e.dirty {
		if err := e.persist(); err != nil {
			e.log.Error("state persist failed", "error", err)
		}
	}
	return nil
}

func (e *Engine) tradeIntervalElapsed(cfg *config.Config) bool {
	if e.state.LastTradeTime == 0 {
		return true
	}
	last := time.Unix(e.state.LastTradeTime, 0)
	return time.Since(last) >= cfg.Timing.MinTradeInterval
}

// updateMonitors applies the band state machine and returns the side of a
// fired signal, or "". When canTrade is false latching still proceeds but
// nothing fires, so the signal survives the trade-interval guard.
func (e *Engine) updateMonitors(canTrade bool) core.OrderSide {
	price := e.currentPrice
	upper, lower := e.state.Bands()
	retrace := e.state.RetraceThreshold()
	one := decimal.NewFromInt(1)

	// SELL path: latch on the upper band, trail the high, fire on a
	// retrace_threshold drop from it. The confirming drop often lands back
	// inside the band (a shallow breach puts the trigger below upper), so
	// once latched the trigger is checked on every tick, before any reset.
	if price.GreaterThanOrEqual(upper) {
		e.state.MonitoringSell = true
		if e.state.Highest == nil || price.GreaterThan(*e.state.Highest) {
			p := price
			e.state.Highest = &p
			e.dirty = true
			e.log.Debug("tracking high", "highest", p.String())
		}
	}
	if e.state.MonitoringSell && e.state.Highest != nil {
		trigger := e.state.Highest.Mul(one.Sub(retrace))
		switch {
		case price.LessThanOrEqual(trigger):
			if canTrade {
				e.state.MonitoringSell = false
				e.dirty = true
				e.log.Info("sell signal",
					"price", price.String(), "highest", e.state.Highest.String(), "trigger", trigger.String())
				return core.Sell
			}
		case price.LessThan(upper):
			// Back inside the band without a confirmed retrace.
			e.state.MonitoringSell = false
			e.state.Highest = nil
			e.dirty = true
			e.log.Debug("sell watch reset")
		}
	}

	// BUY path, mirrored.
	if price.LessThanOrEqual(lower) {
		e.state.MonitoringBuy = true
		if e.state.Lowest == nil || price.LessThan(*e.state.Lowest) {
			p := price
			e.state.Lowest = &p
			e.dirty = true
			e.log.Debug("tracking low", "lowest", p.String())
		}
	}
	if e.state.MonitoringBuy && e.state.Lowest != nil {
		trigger := e.state.Lowest.Mul(one.Add(retrace))
		switch {
		case price.GreaterThanOrEqual(trigger):
			if canTrade {
				e.state.MonitoringBuy = false
				e.dirty = true
				e.log.Info("buy signal",
					"price", price.String(), "lowest", e.state.Lowest.String(), "trigger", trigger.String())
				return core.Buy
			}
		case price.GreaterThan(lower):
			e.state.MonitoringBuy = false
			e.state.Lowest = nil
			e.dirty = true
			e.log.Debug("buy watch reset")
		}
	}

	return ""
}

func (e *Engine) resizeDue(cfg *config.Config) bool {
	if e.state.LastGridAdjustTime == 0 {
		return true
	}
	smoothed, ok := e.vol.Smoothed()
	interval := cfg.CheckInterval(smoothed, ok)
	return time.Since(time.Unix(e.state.LastGridAdjustTime, 0)) >= interval
}

// resizeGrid folds a fresh volatility sample and applies the continuous
// resize formula. Resize failures never fail the tick.
func (e *Engine) resizeGrid(ctx context.Context, cfg *config.Config) {
	candles, err := e.exchange.FetchOHLCV(ctx, e.symbol, cfg.Volatility.Timeframe, cfg.Volatility.WindowBars)
	if err != nil {
		e.log.Warn("volatility candles unavailable", "error", err)
		return
	}

	hybrid := e.vol.Sample(candles)

	// Mirror the estimator into the persisted state.
	lastPrice, variance, initialized := e.vol.EWMALeg().State()
	e.state.LastPrice = lastPrice
	e.state.EWMAVolatility = variance
	e.state.EWMAInitialized = initialized
	e.state.VolatilityHistory = e.vol.History()
	e.state.LastGridAdjustTime = time.Now().Unix()
	e.dirty = true

	smoothed, ok := e.vol.Smoothed()
	if !ok {
		e.log.Debug("volatility window warming up", "sample", hybrid)
		return
	}

	target := volatility.TargetGrid(smoothed, cfg.GridContinuous, cfg.Grid)
	if diff := target - e.state.GridSize; diff > 0.01 || diff < -0.01 {
		e.log.Info("grid resized",
			"old", e.state.GridSize, "new", target, "volatility", smoothed)
		e.state.GridSize = target
	}
}

func clampGrid(g float64, bounds config.GridParams) float64 {
	if g < bounds.Min {
		return bounds.Min
	}
	if g > bounds.Max {
		return bounds.Max
	}
	return g
}

func (e *Engine) fundingActive() bool {
	return e.config().EnableSavings && e.exchange.Supports(core.FeatureFunding)
}

func (e *Engine) persist() error {
	if err := e.state.Save(e.statePath); err != nil {
		return err
	}
	e.dirty = false
	return nil
}

func (e *Engine) finalPersist() {
	if err := e.persist(); err != nil {
		e.log.Error("final state persist failed", "error", err)
	}
}

// publishSnapshot copies the loop-owned state into the read-side snapshot.
func (e *Engine) publishSnapshot() {
	var volValue float64
	if e.vol != nil {
		volValue, _ = e.vol.Smoothed()
	}
	snap := core.EngineSnapshot{
		Symbol:         e.symbol.String(),
		BasePrice:      e.state.BasePrice,
		GridSize:       e.state.GridSize,
		CurrentPrice:   e.currentPrice,
		LastTradeTime:  e.state.LastTradeTime,
		LastTradePrice: e.state.LastTradePrice,
		RiskState:      e.riskState.String(),
		Volatility:     volValue,
		MonitoringBuy:  e.state.MonitoringBuy,
		MonitoringSell: e.state.MonitoringSell,
	}
	e.snapMu.Lock()
	e.snap = snap
	e.snapMu.Unlock()
}

// Snapshot implements core.EngineView. Safe from any goroutine.
func (e *Engine) Snapshot() core.EngineSnapshot {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snap
}

// RequestExternalTrade implements core.ExternalTrader. The request is
// executed inside the engine loop through the normal pipeline, subject to
// the same risk gate as grid signals.
func (e *Engine) RequestExternalTrade(ctx context.Context, side core.OrderSide, notionalFraction float64) error {
	if notionalFraction <= 0 || notionalFraction > 1 {
		return fmt.Errorf("invalid notional fraction %v", notionalFraction)
	}
	req := externalRequest{side: side, fraction: notionalFraction, reply: make(chan error, 1)}
	select {
	case e.external <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) handleExternal(ctx context.Context, req externalRequest) error {
	ticker, err := e.exchange.FetchTicker(ctx, e.symbol)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	e.currentPrice = ticker.Last

	spot := e.exchange.FetchSpotBalance(ctx)
	funding := e.exchange.FetchFundingBalance(ctx)
	e.riskState = e.risk.Evaluate(spot, funding, e.currentPrice)
	if !e.riskState.Allows(req.side) {
		return fmt.Errorf("request rejected by risk gate (%s)", e.riskState)
	}
	return e.executeSignal(ctx, req.side, req.fraction)
}
