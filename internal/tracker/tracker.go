// Package tracker maintains the per-symbol trade ledger, mirrored to disk
// and reconciled against the venue's recent fills at startup.
package tracker

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/shopspring/decimal"

	"gridtrader/internal/core"
	"gridtrader/internal/logging"
	"gridtrader/pkg/persist"
)

// ReconciledTag marks ledger entries synthesized from venue fills rather
// than observed live.
const ReconciledTag = "reconciled"

// Tracker is the append-only ledger for one symbol. It is owned by that
// symbol's engine loop and is not safe for concurrent use.
type Tracker struct {
	symbol core.Symbol
	path   string
	log    logging.Logger
	trades []core.Trade
}

// Path returns the ledger file name for a symbol under dir.
func Path(dir string, symbol core.Symbol) string {
	return filepath.Join(dir, fmt.Sprintf("trade_history_%s_%s.json", symbol.Base, symbol.Quote))
}

// New loads the ledger for a symbol, starting empty when no file exists.
func New(dir string, symbol core.Symbol, logger logging.Logger) (*Tracker, error) {
	t := &Tracker{
		symbol: symbol,
		path:   Path(dir, symbol),
		log:    logger.WithField("symbol", symbol.String()),
	}
	err := persist.ReadJSON(t.path, &t.trades)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load trade history: %w", err)
	}
	return t, nil
}

// AddTrade appends a trade and flushes the ledger. A flush failure keeps
// the in-memory entry; the next flush retries.
func (t *Tracker) AddTrade(trade core.Trade) {
	t.trades = append(t.trades, trade)
	t.flush()
}

// History returns a copy of the ledger, oldest first.
func (t *Tracker) History() []core.Trade {
	out := make([]core.Trade, len(t.trades))
	copy(out, t.trades)
	return out
}

// Len returns the number of recorded trades.
func (t *Tracker) Len() int {
	return len(t.trades)
}

func (t *Tracker) flush() {
	if err := persist.WriteJSON(t.path, t.trades); err != nil {
		t.log.Error("trade history flush failed", "error", err)
	}
}

// Reconcile folds recent venue fills into the ledger. Fills sharing an
// order id are aggregated into one synthetic trade at the volume-weighted
// average price; entries are merged by order id, overwriting any previous
// record for the same order. Running it twice with the same fills is a
// no-op.
func (t *Tracker) Reconcile(fills []core.Fill) {
	if len(fills) == 0 {
		return
	}

	type agg struct {
		side     core.OrderSide
		notional decimal.Decimal
		amount   decimal.Decimal
		last     int64
	}
	byOrder := make(map[string]*agg)
	order := make([]string, 0, len(fills))
	for _, f := range fills {
		a, ok := byOrder[f.OrderID]
		if !ok {
			a = &agg{side: f.Side}
			byOrder[f.OrderID] = a
			order = append(order, f.OrderID)
		}
		a.notional = a.notional.Add(f.Price.Mul(f.Amount))
		a.amount = a.amount.Add(f.Amount)
		if f.Timestamp > a.last {
			a.last = f.Timestamp
		}
	}

	existing := make(map[string]int, len(t.trades))
	for i, tr := range t.trades {
		existing[tr.OrderID] = i
	}

	changed := false
	for _, id := range order {
		a := byOrder[id]
		if a.amount.IsZero() {
			continue
		}
		trade := core.Trade{
			Timestamp:   a.last,
			Side:        a.side,
			Price:       a.notional.Div(a.amount),
			Amount:      a.amount,
			OrderID:     id,
			StrategyTag: ReconciledTag,
		}
		if i, ok := existing[id]; ok {
			if tradesEqual(t.trades[i], trade) {
				continue
			}
			// A live-recorded trade keeps its profit and tag.
			trade.Profit = t.trades[i].Profit
			if t.trades[i].StrategyTag != "" {
				trade.StrategyTag = t.trades[i].StrategyTag
			}
			t.trades[i] = trade
		} else {
			t.trades = append(t.trades, trade)
			existing[id] = len(t.trades) - 1
		}
		changed = true
	}

	if !changed {
		return
	}
	sort.SliceStable(t.trades, func(i, j int) bool {
		return t.trades[i].Timestamp < t.trades[j].Timestamp
	})
	t.flush()
	t.log.Info("trade history reconciled", "orders", len(byOrder), "trades", len(t.trades))
}

func tradesEqual(a, b core.Trade) bool {
	return a.OrderID == b.OrderID &&
		a.Side == b.Side &&
		a.Timestamp == b.Timestamp &&
		a.Price.Equal(b.Price) &&
		a.Amount.Equal(b.Amount)
}

// Stats summarizes ledger performance.
type Stats struct {
	Trades      int
	Wins        int
	Losses      int
	WinRate     float64
	PayoffRatio float64
}

// Stats computes win rate and payoff ratio over trades that carry a profit
// attribution.
func (t *Tracker) Stats() Stats {
	s := Stats{Trades: len(t.trades)}
	winSum := decimal.Zero
	lossSum := decimal.Zero
	for _, tr := range t.trades {
		switch {
		case tr.Profit.IsPositive():
			s.Wins++
			winSum = winSum.Add(tr.Profit)
		case tr.Profit.IsNegative():
			s.Losses++
			lossSum = lossSum.Add(tr.Profit.Neg())
		}
	}
	decided := s.Wins + s.Losses
	if decided > 0 {
		s.WinRate = float64(s.Wins) / float64(decided)
	}
	if s.Wins > 0 && s.Losses > 0 && lossSum.IsPositive() {
		avgWin := winSum.Div(decimal.NewFromInt(int64(s.Wins)))
		avgLoss := lossSum.Div(decimal.NewFromInt(int64(s.Losses)))
		ratio, _ := avgWin.Div(avgLoss).Float64()
		s.PayoffRatio = ratio
	}
	return s
}
