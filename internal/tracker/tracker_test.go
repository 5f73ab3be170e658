package tracker

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrader/internal/core"
	"gridtrader/internal/logging"
)

var testSymbol = core.Symbol{Base: "BNB", Quote: "USDT"}

func newTracker(t *testing.T, dir string) *Tracker {
	t.Helper()
	trk, err := New(dir, testSymbol, logging.NewNop())
	require.NoError(t, err)
	return trk
}

func TestAddTradePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	trk := newTracker(t, dir)

	trk.AddTrade(core.Trade{
		Timestamp: 1000,
		Side:      core.Buy,
		Price:     decimal.NewFromInt(680),
		Amount:    decimal.NewFromInt(1),
		OrderID:   "1",
	})
	require.Equal(t, 1, trk.Len())

	reopened := newTracker(t, dir)
	require.Equal(t, 1, reopened.Len())
	assert.Equal(t, "1", reopened.History()[0].OrderID)
}

func TestReconcileAggregatesFillsByOrder(t *testing.T) {
	trk := newTracker(t, t.TempDir())

	fills := []core.Fill{
		{OrderID: "7", Side: core.Buy, Price: decimal.NewFromInt(100), Amount: decimal.NewFromInt(2), Timestamp: 10},
		{OrderID: "7", Side: core.Buy, Price: decimal.NewFromInt(110), Amount: decimal.NewFromInt(1), Timestamp: 20},
	}
	trk.Reconcile(fills)

	require.Equal(t, 1, trk.Len())
	trade := trk.History()[0]
	// VWAP of (100*2 + 110*1) / 3.
	assert.True(t, trade.Price.Round(4).Equal(decimal.NewFromFloat(103.3333)))
	assert.True(t, trade.Amount.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, int64(20), trade.Timestamp)
	assert.Equal(t, ReconciledTag, trade.StrategyTag)
}

func TestReconcileIdempotent(t *testing.T) {
	dir := t.TempDir()
	trk := newTracker(t, dir)

	fills := []core.Fill{
		{OrderID: "1", Side: core.Sell, Price: decimal.NewFromInt(700), Amount: decimal.NewFromInt(1), Timestamp: 5},
		{OrderID: "2", Side: core.Buy, Price: decimal.NewFromInt(660), Amount: decimal.NewFromInt(1), Timestamp: 9},
	}
	trk.Reconcile(fills)
	first := trk.History()

	trk.Reconcile(fills)
	assert.Equal(t, first, trk.History())
}

func TestReconcilePreservesLiveProfitAndTag(t *testing.T) {
	trk := newTracker(t, t.TempDir())

	trk.AddTrade(core.Trade{
		Timestamp:   40,
		Side:        core.Sell,
		Price:       decimal.NewFromInt(700),
		Amount:      decimal.NewFromInt(1),
		OrderID:     "9",
		Profit:      decimal.NewFromInt(20),
		StrategyTag: "grid",
	})

	// The venue reports the same order with a slightly different price.
	trk.Reconcile([]core.Fill{
		{OrderID: "9", Side: core.Sell, Price: decimal.NewFromFloat(700.5), Amount: decimal.NewFromInt(1), Timestamp: 41},
	})

	require.Equal(t, 1, trk.Len())
	trade := trk.History()[0]
	assert.True(t, trade.Price.Equal(decimal.NewFromFloat(700.5)))
	assert.True(t, trade.Profit.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, "grid", trade.StrategyTag)
}

func TestReconcileSortsByTimestamp(t *testing.T) {
	trk := newTracker(t, t.TempDir())

	trk.Reconcile([]core.Fill{
		{OrderID: "b", Side: core.Buy, Price: decimal.NewFromInt(1), Amount: decimal.NewFromInt(1), Timestamp: 30},
		{OrderID: "a", Side: core.Buy, Price: decimal.NewFromInt(1), Amount: decimal.NewFromInt(1), Timestamp: 10},
	})

	history := trk.History()
	require.Len(t, history, 2)
	assert.Equal(t, "a", history[0].OrderID)
	assert.Equal(t, "b", history[1].OrderID)
}

func TestStats(t *testing.T) {
	trk := newTracker(t, t.TempDir())

	trk.AddTrade(core.Trade{OrderID: "1", Profit: decimal.NewFromInt(30)})
	trk.AddTrade(core.Trade{OrderID: "2", Profit: decimal.NewFromInt(-10)})
	trk.AddTrade(core.Trade{OrderID: "3", Profit: decimal.NewFromInt(10)})
	trk.AddTrade(core.Trade{OrderID: "4"}) // buys carry no attribution

	s := trk.Stats()
	assert.Equal(t, 4, s.Trades)
	assert.Equal(t, 2, s.Wins)
	assert.Equal(t, 1, s.Losses)
	assert.InDelta(t, 2.0/3.0, s.WinRate, 1e-9)
	assert.InDelta(t, 2.0, s.PayoffRatio, 1e-9) // avg win 20 vs avg loss 10
}
