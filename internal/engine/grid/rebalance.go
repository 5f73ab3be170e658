package grid

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"gridtrader/pkg/mathutil"
)

// rebalance moves spot holdings toward the working-capital target: a fixed
// fraction of the pair's value stays spendable in each of base and quote,
// the rest parks in funding. Runs at init and after every fill. Two runs
// without an intervening trade differ only by rounding.
func (e *Engine) rebalance(ctx context.Context) error {
	cfg := e.config()
	if !e.fundingActive() {
		return nil
	}

	if !e.currentPrice.IsPositive() {
		ticker, err := e.exchange.FetchTicker(ctx, e.symbol)
		if err != nil {
			return fmt.Errorf("rebalance ticker: %w", err)
		}
		e.currentPrice = ticker.Last
	}

	total, err := e.pairValueFresh(ctx)
	if err != nil {
		return err
	}
	target := decimal.NewFromFloat(cfg.SpotFundsTargetRatio)
	targetQuote := total.Mul(target)
	targetBase := targetQuote.Div(e.currentPrice)

	spot := e.exchange.FetchSpotBalance(ctx)
	funding := e.exchange.FetchFundingBalance(ctx)

	// Quote side: park the excess, or pull back a deficit.
	freeQuote := spot.FreeOf(e.symbol.Quote)
	switch {
	case freeQuote.Sub(targetQuote).GreaterThanOrEqual(cfg.RebalanceMinQuote):
		excess := mathutil.FormatTransfer(freeQuote.Sub(targetQuote), cfg.SavingsPrecision(e.symbol.Quote))
		e.transfer(ctx, e.symbol.Quote, excess, true)
	case targetQuote.GreaterThan(freeQuote):
		available := funding[e.symbol.Quote]
		if available.IsPositive() {
			deficit := targetQuote.Sub(freeQuote)
			if deficit.GreaterThan(available) {
				deficit = available
			}
			redeem := mathutil.FormatTransfer(deficit, cfg.SavingsPrecision(e.symbol.Quote))
			e.transfer(ctx, e.symbol.Quote, redeem, false)
		}
	}

	// Base side: only the excess is parked; deficits resolve through the
	// trade path's own redeem.
	freeBase := spot.FreeOf(e.symbol.Base)
	if freeBase.Sub(targetBase).GreaterThanOrEqual(cfg.RebalanceMinBase) {
		excess := mathutil.FormatTransfer(freeBase.Sub(targetBase), cfg.SavingsPrecision(e.symbol.Base))
		e.transfer(ctx, e.symbol.Base, excess, true)
	}

	return nil
}

// transfer runs one savings movement, skipping amounts below the deadband
// and logging failures without propagating them.
func (e *Engine) transfer(ctx context.Context, asset string, amount decimal.Decimal, toFunding bool) {
	cfg := e.config()

	min := cfg.RebalanceMinBase
	if asset == e.symbol.Quote {
		min = cfg.RebalanceMinQuote
	}
	if amount.LessThan(min) {
		e.log.Debug("transfer below minimum, skipped",
			"asset", asset, "amount", amount.String())
		return
	}

	var err error
	direction := "spot->funding"
	if toFunding {
		err = e.exchange.TransferSpotToFunding(ctx, asset, amount)
	} else {
		direction = "funding->spot"
		err = e.exchange.TransferFundingToSpot(ctx, asset, amount)
	}
	if err != nil {
		e.log.Warn("rebalance transfer failed",
			"asset", asset, "amount", amount.String(), "direction", direction, "error", err)
		return
	}
	e.log.Info("rebalance transfer",
		"asset", asset, "amount", amount.String(), "direction", direction)
}
