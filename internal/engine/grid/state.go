package grid

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"

	"gridtrader/internal/core"
	"gridtrader/pkg/persist"
)

// State is the persisted per-symbol engine state. Field names are part of
// the on-disk format and must not change.
type State struct {
	BasePrice          decimal.Decimal  `json:"base_price"`
	GridSize           float64          `json:"grid_size"`
	Highest            *decimal.Decimal `json:"highest"`
	Lowest             *decimal.Decimal `json:"lowest"`
	LastGridAdjustTime int64            `json:"last_grid_adjust_time"`
	LastTradeTime      int64            `json:"last_trade_time"`
	LastTradePrice     decimal.Decimal  `json:"last_trade_price"`
	EWMAVolatility     float64          `json:"ewma_volatility"`
	LastPrice          float64          `json:"last_price"`
	EWMAInitialized    bool             `json:"ewma_initialized"`
	MonitoringBuy      bool             `json:"is_monitoring_buy"`
	MonitoringSell     bool             `json:"is_monitoring_sell"`
	VolatilityHistory  []float64        `json:"volatility_history"`
}

// StatePath returns the state file name for a symbol under dir.
func StatePath(dir string, symbol core.Symbol) string {
	return filepath.Join(dir, fmt.Sprintf("trader_state_%s_%s.json", symbol.Base, symbol.Quote))
}

// LoadState reads the persisted state. A missing file yields a zero state
// and no error.
func LoadState(path string) (State, error) {
	var s State
	err := persist.ReadJSON(path, &s)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("load state: %w", err)
	}
	return s, nil
}

// Save writes the state atomically.
func (s *State) Save(path string) error {
	return persist.WriteJSON(path, s)
}

// Bands returns the current grid band around the reference price.
func (s *State) Bands() (upper, lower decimal.Decimal) {
	frac := decimal.NewFromFloat(s.GridSize / 100)
	upper = s.BasePrice.Mul(decimal.NewFromInt(1).Add(frac))
	lower = s.BasePrice.Mul(decimal.NewFromInt(1).Sub(frac))
	return upper, lower
}

// RetraceThreshold is the fraction of the grid that confirms a reversal:
// one fifth of the grid size. It always reflects the current grid size.
func (s *State) RetraceThreshold() decimal.Decimal {
	return decimal.NewFromFloat(s.GridSize / 5 / 100)
}

// ResetExtrema clears both extrema and monitoring flags. Called after every
// confirmed fill.
func (s *State) ResetExtrema() {
	s.Highest = nil
	s.Lowest = nil
	s.MonitoringBuy = false
	s.MonitoringSell = false
}
