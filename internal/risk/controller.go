// Package risk computes the per-symbol position-ratio gate.
package risk

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"gridtrader/internal/config"
	"gridtrader/internal/core"
	"gridtrader/internal/logging"
)

// Controller gates trading for one symbol based on the position ratio
//
//	ratio = base_value / (base_value + quote_value)
//
// where both values include spot and funding holdings, priced in the quote
// asset. The gate refines the venue's own risk rules; on any computation
// failure it fails open to ALLOW_ALL.
type Controller struct {
	symbol core.Symbol
	limits config.PositionLimits
	log    logging.Logger

	mu               sync.Mutex
	minBreachLogged  bool
	maxBreachLogged  bool
	lastPrintedRatio float64
	lastRatio        float64
}

// New creates a controller with the effective limits for the symbol.
func New(symbol core.Symbol, limits config.PositionLimits, logger logging.Logger) *Controller {
	return &Controller{
		symbol:           symbol,
		limits:           limits,
		log:              logger.WithField("symbol", symbol.String()),
		lastPrintedRatio: math.NaN(),
		lastRatio:        math.NaN(),
	}
}

// Evaluate returns the gate for the given balance snapshot and price. Both
// breach states use strict inequalities, so a ratio exactly at a limit still
// allows both sides.
func (c *Controller) Evaluate(spot core.Balance, funding core.FundingBalance, price decimal.Decimal) (state core.RiskState) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("risk evaluation failed, failing open", "panic", r)
			state = core.AllowAll
		}
	}()

	if !price.IsPositive() {
		c.log.Warn("risk evaluation skipped, no valid price")
		return core.AllowAll
	}

	baseHoldings := spot.TotalOf(c.symbol.Base).Add(funding[c.symbol.Base])
	quoteValue := spot.TotalOf(c.symbol.Quote).Add(funding[c.symbol.Quote])
	baseValue := baseHoldings.Mul(price)

	total := baseValue.Add(quoteValue)
	ratio := 0.0
	if total.IsPositive() {
		r, _ := baseValue.Div(total).Float64()
		ratio = r
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRatio = ratio

	// Print the quantitative line only when the ratio moved by more than
	// 0.1 percentage points since the previous print.
	if math.IsNaN(c.lastPrintedRatio) || math.Abs(ratio-c.lastPrintedRatio) > 0.001 {
		c.log.Info("position ratio",
			"ratio", ratio,
			"min", c.limits.Min,
			"max", c.limits.Max,
		)
		c.lastPrintedRatio = ratio
	}

	switch {
	case ratio > c.limits.Max:
		if !c.maxBreachLogged {
			c.log.Warn("position ratio above maximum, selling only",
				"ratio", ratio, "max", c.limits.Max)
			c.maxBreachLogged = true
		}
		c.minBreachLogged = false
		return core.AllowSellOnly
	case ratio < c.limits.Min:
		if !c.minBreachLogged {
			c.log.Warn("position ratio below minimum, buying only",
				"ratio", ratio, "min", c.limits.Min)
			c.minBreachLogged = true
		}
		c.maxBreachLogged = false
		return core.AllowBuyOnly
	default:
		if c.minBreachLogged || c.maxBreachLogged {
			c.log.Info("position ratio recovered to normal", "ratio", ratio)
			c.minBreachLogged = false
			c.maxBreachLogged = false
		}
		return core.AllowAll
	}
}

// LastRatio returns the ratio from the most recent evaluation, NaN before
// the first one.
func (c *Controller) LastRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRatio
}
