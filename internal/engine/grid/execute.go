package grid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"gridtrader/internal/apperrors"
	"gridtrader/internal/core"
	"gridtrader/pkg/mathutil"
)

// pairValueFresh returns the pair's total value (base at the current price
// plus quote, spot and funding combined), cached for the configured TTL.
func (e *Engine) pairValueFresh(ctx context.Context) (decimal.Decimal, error) {
	cfg := e.config()
	if !e.pairValue.IsZero() && time.Since(e.pairValueAt) < cfg.Timing.PairValueCacheTTL {
		return e.pairValue, nil
	}

	spot := e.exchange.FetchSpotBalance(ctx)
	funding := e.exchange.FetchFundingBalance(ctx)

	baseTotal := spot.TotalOf(e.symbol.Base).Add(funding[e.symbol.Base])
	quoteTotal := spot.TotalOf(e.symbol.Quote).Add(funding[e.symbol.Quote])
	if !e.currentPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no price for pair value", apperrors.ErrInvariantViolated)
	}
	value := baseTotal.Mul(e.currentPrice).Add(quoteTotal)

	e.pairValue = value
	e.pairValueAt = time.Now()
	return value, nil
}

// sizeOrder converts a notional fraction of the pair value into a base
// amount at the given price, honoring the venue's minimums.
func (e *Engine) sizeOrder(ctx context.Context, price decimal.Decimal, fraction float64) (decimal.Decimal, error) {
	cfg := e.config()

	pairValue, err := e.pairValueFresh(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	notional := pairValue.Mul(decimal.NewFromFloat(fraction))
	amount := mathutil.FloorAmount(notional.Div(price), e.spec.AmountPrecision)

	if amount.LessThan(e.spec.MinAmount) {
		amount = mathutil.FloorAmount(e.spec.MinAmount, e.spec.AmountPrecision)
		if amount.LessThan(e.spec.MinAmount) {
			// Rounding down pushed us under the venue minimum; one step
			// up restores it.
			step := decimal.New(1, -int32(e.spec.AmountPrecision))
			amount = amount.Add(step)
		}
	}
	if amount.LessThan(cfg.MinTradeAmount) {
		amount = cfg.MinTradeAmount
	}
	if amount.Mul(price).LessThan(e.spec.MinNotional) {
		amount = mathutil.FloorAmount(e.spec.MinNotional.Div(price), e.spec.AmountPrecision)
		step := decimal.New(1, -int32(e.spec.AmountPrecision))
		for amount.Mul(price).LessThan(e.spec.MinNotional) {
			amount = amount.Add(step)
		}
	}
	if e.spec.MaxAmount.IsPositive() && amount.GreaterThan(e.spec.MaxAmount) {
		amount = e.spec.MaxAmount
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: computed zero amount", apperrors.ErrInvariantViolated)
	}
	return amount, nil
}

// ensureFunds makes sure the spot wallet can cover the order, redeeming
// from funding with a 5% buffer when needed. The safety margin applies only
// to the free-balance check, not after a redeem.
func (e *Engine) ensureFunds(ctx context.Context, side core.OrderSide, amount, price decimal.Decimal) error {
	cfg := e.config()

	asset := e.symbol.Quote
	required := amount.Mul(price)
	if side == core.Sell {
		asset = e.symbol.Base
		required = amount
	}

	spot := e.exchange.FetchSpotBalance(ctx)
	free := spot.FreeOf(asset)
	margin := decimal.NewFromFloat(cfg.SafetyMargin)
	if required.LessThanOrEqual(free.Mul(margin)) {
		return nil
	}

	if !e.fundingActive() {
		return fmt.Errorf("%w: need %s %s, free %s", apperrors.ErrInsufficientFunds,
			required.String(), asset, free.String())
	}

	shortfall := required.Sub(free)
	redeem := mathutil.FormatTransfer(
		shortfall.Mul(decimal.NewFromFloat(cfg.RedeemBuffer)),
		cfg.SavingsPrecision(asset),
	)
	e.log.Info("redeeming from savings for trade",
		"asset", asset, "amount", redeem.String(), "shortfall", shortfall.String())
	if err := e.exchange.TransferFundingToSpot(ctx, asset, redeem); err != nil {
		return fmt.Errorf("redeem for trade: %w", err)
	}

	select {
	case <-time.After(cfg.Timing.PostTransferWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	spot = e.exchange.FetchSpotBalance(ctx)
	if free = spot.FreeOf(asset); required.GreaterThan(free) {
		return fmt.Errorf("%w: need %s %s, free %s after redeem", apperrors.ErrInsufficientFunds,
			required.String(), asset, free.String())
	}
	return nil
}

// executeSignal runs the place/wait/cancel pipeline for a fired signal.
// Every attempt reprices from a fresh top-of-book.
func (e *Engine) executeSignal(ctx context.Context, side core.OrderSide, fraction float64) error {
	cfg := e.config()

	for attempt := 1; attempt <= cfg.Timing.OrderRetryMax; attempt++ {
		book, err := e.exchange.FetchOrderBookTop(ctx, e.symbol, 5)
		if err != nil {
			if errors.Is(err, apperrors.ErrEmptyOrderBook) {
				// No book, no trade; state stays untouched.
				return err
			}
			return fmt.Errorf("order book: %w", err)
		}

		price := book.BestAsk
		if side == core.Sell {
			price = book.BestBid
		}
		price = mathutil.RoundPrice(price, e.spec.PricePrecision)
		if !price.IsPositive() {
			return fmt.Errorf("%w: non-positive book price", apperrors.ErrInvariantViolated)
		}

		amount, err := e.sizeOrder(ctx, price, fraction)
		if err != nil {
			return err
		}

		if err := e.ensureFunds(ctx, side, amount, price); err != nil {
			if errors.Is(err, apperrors.ErrInsufficientFunds) {
				e.notifier.Notify(
					fmt.Sprintf("insufficient funds: %s", e.symbol),
					fmt.Sprintf("%s signal skipped: %v", side, err),
				)
			}
			return err
		}

		order, err := e.exchange.CreateLimitOrder(ctx, e.symbol, side, amount, price)
		if err != nil {
			if errors.Is(err, apperrors.ErrInsufficientFunds) {
				e.notifier.Notify(
					fmt.Sprintf("insufficient funds: %s", e.symbol),
					fmt.Sprintf("%s order rejected: %v", side, err),
				)
				return err
			}
			if apperrors.IsTransient(err) {
				e.log.Warn("order placement failed, retrying", "attempt", attempt, "error", err)
				continue
			}
			e.notifier.Notify(
				fmt.Sprintf("order rejected: %s", e.symbol),
				fmt.Sprintf("%s order failed: %v", side, err),
			)
			return err
		}

		filled, fillOrder, err := e.awaitFill(ctx, order)
		if err != nil {
			return err
		}
		if filled {
			e.handleFill(ctx, fillOrder)
			return nil
		}
		e.log.Info("order not filled, repricing",
			"order_id", order.ID, "attempt", attempt, "price", price.String())
	}

	e.notifier.Notify(
		fmt.Sprintf("order retries exhausted: %s", e.symbol),
		fmt.Sprintf("%s signal abandoned after %d attempts", side, cfg.Timing.OrderRetryMax),
	)
	return apperrors.ErrRetriesExhausted
}

// awaitFill waits the post-order window and resolves the order to filled or
// cancelled. A cancel racing a fill counts as a fill.
func (e *Engine) awaitFill(ctx context.Context, order *core.Order) (bool, *core.Order, error) {
	cfg := e.config()

	if order.Status.Closed() {
		return true, order, nil
	}

	select {
	case <-time.After(cfg.Timing.OrderWait):
	case <-ctx.Done():
		return false, nil, ctx.Err()
	}

	fetched, err := e.exchange.FetchOrder(ctx, order.ID, e.symbol)
	if err != nil {
		return false, nil, fmt.Errorf("fetch order %s: %w", order.ID, err)
	}
	if fetched.Status.Closed() {
		return true, fetched, nil
	}

	if err := e.exchange.CancelOrder(ctx, order.ID, e.symbol); err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			// Cancel raced a fill; re-fetch decides.
			refetched, ferr := e.exchange.FetchOrder(ctx, order.ID, e.symbol)
			if ferr == nil && refetched.Status.Closed() {
				return true, refetched, nil
			}
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("cancel order %s: %w", order.ID, err)
	}

	// One more look: the order may have filled between fetch and cancel.
	refetched, err := e.exchange.FetchOrder(ctx, order.ID, e.symbol)
	if err == nil && refetched.Status.Closed() {
		return true, refetched, nil
	}
	return false, nil, nil
}

// handleFill applies a confirmed fill: new reference price, cleared
// extrema, ledger entry, persistence, rebalance.
func (e *Engine) handleFill(ctx context.Context, order *core.Order) {
	fillPrice := order.FillPrice()
	amount := order.Amount
	if order.Filled.IsPositive() {
		amount = order.Filled
	}

	profit := decimal.Zero
	if order.Side == core.Sell && e.state.BasePrice.IsPositive() {
		profit = fillPrice.Sub(e.state.BasePrice).Mul(amount)
	}

	now := time.Now()
	e.state.BasePrice = fillPrice
	e.state.ResetExtrema()
	e.state.LastTradeTime = now.Unix()
	e.state.LastTradePrice = fillPrice
	e.dirty = true

	if err := e.persist(); err != nil {
		e.log.Error("state persist after fill failed", "error", err)
	}

	e.tracker.AddTrade(core.Trade{
		Timestamp:   now.UnixMilli(),
		Side:        order.Side,
		Price:       fillPrice,
		Amount:      amount,
		OrderID:     order.ID,
		Profit:      profit,
		StrategyTag: "grid",
	})

	e.pairValueAt = time.Time{} // force refresh after the fill

	e.log.Info("order filled",
		"side", order.Side, "price", fillPrice.String(), "amount", amount.String(),
		"order_id", order.ID, "profit", profit.String())
	e.notifier.Notify(
		fmt.Sprintf("%s filled: %s", order.Side, e.symbol),
		fmt.Sprintf("price %s, amount %s", fillPrice.String(), amount.String()),
	)

	if e.fundingActive() {
		if err := e.rebalance(ctx); err != nil {
			e.log.Warn("post-fill rebalance failed", "error", err)
		}
	}
}
