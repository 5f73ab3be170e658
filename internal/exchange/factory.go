// Package exchange constructs venue adapters from configuration.
package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gridtrader/internal/config"
	"gridtrader/internal/core"
	"gridtrader/internal/exchange/binance"
	"gridtrader/internal/exchange/mock"
	"gridtrader/internal/exchange/okx"
	"gridtrader/internal/logging"
)

// New returns the adapter named by cfg.Exchange. The mock venue is seeded
// with a synthetic market so dry runs trade immediately.
func New(cfg *config.Config, logger logging.Logger) (core.IExchange, error) {
	switch cfg.Exchange {
	case "binance":
		return binance.New(cfg, logger)
	case "okx":
		return okx.New(cfg, logger)
	case "mock":
		return newSeededMock(cfg), nil
	}
	return nil, fmt.Errorf("unknown exchange %q", cfg.Exchange)
}

func newSeededMock(cfg *config.Config) *mock.Exchange {
	m := mock.New()
	m.FundingEnabled = cfg.EnableSavings
	m.Deposit(cfg.QuoteAsset, decimal.NewFromInt(10_000))
	for _, sym := range cfg.Symbols {
		m.SetPrice(sym, decimal.NewFromInt(100))
		m.Deposit(sym.Base, decimal.NewFromInt(10))
	}
	return m
}
