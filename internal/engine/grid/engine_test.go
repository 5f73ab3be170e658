package grid

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrader/internal/apperrors"
	"gridtrader/internal/config"
	"gridtrader/internal/core"
	"gridtrader/internal/exchange/mock"
	"gridtrader/internal/logging"
)

var testSymbol = core.Symbol{Base: "BNB", Quote: "USDT"}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Notify(title, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
}

func (n *recordingNotifier) Titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.titles))
	copy(out, n.titles)
	return out
}

func (n *recordingNotifier) HasTitleContaining(substr string) bool {
	for _, title := range n.Titles() {
		if strings.Contains(title, substr) {
			return true
		}
	}
	return false
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Exchange:          "mock",
		Symbols:           []core.Symbol{testSymbol},
		QuoteAsset:        "USDT",
		InitialParams:     map[string]config.SymbolInitialParams{},
		InitialGrid:       2.0,
		MinTradeAmount:    decimal.NewFromFloat(0.0001),
		GlobalLimits:      config.PositionLimits{Min: 0.1, Max: 0.9},
		PositionLimits:    map[string]config.PositionLimits{},
		SavingsPrecisions: map[string]int{"USDT": 2},
		Grid:              config.GridParams{Min: 1.0, Max: 4.0},
		GridContinuous:    config.GridContinuousParams{BaseGrid: 2.5, VolCenter: 0.25, K: 10},
		DynamicInterval: config.DynamicIntervalParams{
			Bands:          []config.IntervalBand{{Below: 0.10, Seconds: 3600}},
			AboveSeconds:   450,
			FloorSeconds:   300,
			DefaultSeconds: 3600,
		},
		Volatility: config.VolatilityParams{
			WindowBars:      42,
			EWMALambda:      0.94,
			HybridWeight:    0.7,
			Timeframe:       "4h",
			SmoothingWindow: 3,
		},
		SpotFundsTargetRatio:  0.16,
		TradeNotionalFraction: 0.10,
		SafetyMargin:          0.95,
		RedeemBuffer:          1.05,
		RebalanceMinQuote:     decimal.NewFromInt(1),
		RebalanceMinBase:      decimal.NewFromFloat(0.01),
		Timing: config.Timing{
			TickInterval:      time.Millisecond,
			OrderWait:         time.Millisecond,
			PostTransferWait:  time.Millisecond,
			OrderRetryMax:     3,
			MarketRetryMax:    3,
			BalanceCacheTTL:   time.Minute,
			ValueCacheTTL:     time.Minute,
			PairValueCacheTTL: time.Minute,
			TimeSyncInterval:  time.Hour,
			ReportInterval:    time.Hour,
			RequestTimeout:    time.Second,
			RecvWindow:        5 * time.Second,
			MaxLoopFailures:   5,
		},
		StateDir: t.TempDir(),
		LogLevel: "ERROR",
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, m *mock.Exchange) (*Engine, *recordingNotifier) {
	t.Helper()
	notifier := &recordingNotifier{}
	eng, err := New(cfg, testSymbol, m, notifier, logging.NewNop())
	require.NoError(t, err)
	return eng, notifier
}

func price(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestInitSeedsBasePriceFromTicker(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(680))
	m.Deposit("USDT", decimal.NewFromInt(10_000))

	eng, _ := newTestEngine(t, testConfig(t), m)
	require.NoError(t, eng.Init(context.Background()))

	st := eng.State()
	assert.True(t, st.BasePrice.Equal(price(680)))
	assert.Equal(t, 2.0, st.GridSize)
}

func TestInitPrefersConfiguredSeed(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(680))

	cfg := testConfig(t)
	cfg.InitialParams[testSymbol.String()] = config.SymbolInitialParams{
		InitialBasePrice: 650,
		InitialGrid:      3.0,
	}
	eng, _ := newTestEngine(t, cfg, m)
	require.NoError(t, eng.Init(context.Background()))

	st := eng.State()
	assert.True(t, st.BasePrice.Equal(price(650)))
	assert.Equal(t, 3.0, st.GridSize)
}

func TestInitClampsConfiguredGrid(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(680))

	cfg := testConfig(t)
	cfg.InitialParams[testSymbol.String()] = config.SymbolInitialParams{InitialGrid: 9.0}
	eng, _ := newTestEngine(t, cfg, m)
	require.NoError(t, eng.Init(context.Background()))

	assert.Equal(t, cfg.Grid.Max, eng.State().GridSize)
}

func TestInitRestoresPersistedState(t *testing.T) {
	cfg := testConfig(t)
	m := mock.New()
	m.SetPrice(testSymbol, price(680))

	persisted := State{BasePrice: price(700), GridSize: 3.5}
	require.NoError(t, persisted.Save(StatePath(cfg.StateDir, testSymbol)))

	eng, _ := newTestEngine(t, cfg, m)
	require.NoError(t, eng.Init(context.Background()))

	st := eng.State()
	assert.True(t, st.BasePrice.Equal(price(700)))
	assert.Equal(t, 3.5, st.GridSize)
}

// tickAt runs one loop iteration at the given market price.
func tickAt(t *testing.T, eng *Engine, m *mock.Exchange, p float64) {
	t.Helper()
	m.SetPrice(testSymbol, price(p))
	require.NoError(t, eng.tick(context.Background()))
}

func TestBuySignalSequence(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(680))
	m.Deposit("USDT", decimal.NewFromInt(10_000))

	eng, _ := newTestEngine(t, testConfig(t), m)
	require.NoError(t, eng.Init(context.Background()))

	// Inside the band: nothing happens.
	tickAt(t, eng, m, 680)
	assert.False(t, eng.State().MonitoringBuy)

	// Below the lower band (666.4): the watch latches.
	tickAt(t, eng, m, 666)
	st := eng.State()
	assert.True(t, st.MonitoringBuy)
	require.NotNil(t, st.Lowest)
	assert.True(t, st.Lowest.Equal(price(666)))

	// A deeper low extends the extremum.
	tickAt(t, eng, m, 663)
	st = eng.State()
	require.NotNil(t, st.Lowest)
	assert.True(t, st.Lowest.Equal(price(663)))

	// Retrace past 663*1.004 = 665.652 confirms the reversal and buys.
	tickAt(t, eng, m, 665.7)

	assert.Equal(t, 1, m.OrderCount())
	st = eng.State()
	assert.False(t, st.MonitoringBuy)
	assert.Nil(t, st.Lowest)
	// The fill resets the reference price to the execution price.
	assert.False(t, st.BasePrice.Equal(price(680)))
	assert.NotZero(t, st.LastTradeTime)

	require.Equal(t, 1, eng.Tracker().Len())
	trade := eng.Tracker().History()[0]
	assert.Equal(t, core.Buy, trade.Side)
	assert.Equal(t, "grid", trade.StrategyTag)
	assert.True(t, trade.Profit.IsZero())
}

func TestSellSignalSequence(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(680))
	m.Deposit("BNB", decimal.NewFromInt(15))

	eng, _ := newTestEngine(t, testConfig(t), m)
	require.NoError(t, eng.Init(context.Background()))

	// Above the upper band (693.6): the watch latches and trails the high.
	tickAt(t, eng, m, 694)
	tickAt(t, eng, m, 700)
	st := eng.State()
	assert.True(t, st.MonitoringSell)
	require.NotNil(t, st.Highest)
	assert.True(t, st.Highest.Equal(price(700)))

	// Drop to 700*0.996 = 697.2 confirms the reversal and sells.
	tickAt(t, eng, m, 697.1)

	assert.Equal(t, 1, m.OrderCount())
	st = eng.State()
	assert.False(t, st.MonitoringSell)
	assert.Nil(t, st.Highest)

	require.Equal(t, 1, eng.Tracker().Len())
	trade := eng.Tracker().History()[0]
	assert.Equal(t, core.Sell, trade.Side)
	// Sells above the old reference price carry a profit attribution.
	assert.True(t, trade.Profit.IsPositive())
}

func TestReenteringBandResetsWatch(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(680))
	m.Deposit("USDT", decimal.NewFromInt(10_000))

	eng, _ := newTestEngine(t, testConfig(t), m)
	require.NoError(t, eng.Init(context.Background()))

	tickAt(t, eng, m, 666)
	assert.True(t, eng.State().MonitoringBuy)

	// Back inside the band but short of the 666*1.004 = 668.664 trigger:
	// the watch resets without trading.
	tickAt(t, eng, m, 668)
	st := eng.State()
	assert.False(t, st.MonitoringBuy)
	assert.Nil(t, st.Lowest)
	assert.Equal(t, 0, m.OrderCount())
}

func TestSellRetraceFiresInsideBand(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(680))
	m.Deposit("BNB", decimal.NewFromInt(15))

	eng, _ := newTestEngine(t, testConfig(t), m)
	require.NoError(t, eng.Init(context.Background()))

	// A shallow breach of the upper band (693.6) latches with highest=694.
	tickAt(t, eng, m, 694)
	st := eng.State()
	require.True(t, st.MonitoringSell)
	require.NotNil(t, st.Highest)
	assert.True(t, st.Highest.Equal(price(694)))

	// The confirming drop 694*(1-0.004) = 691.224 lies below the upper
	// band; the sell must still fire there.
	tickAt(t, eng, m, 691.2)

	assert.Equal(t, 1, m.OrderCount())
	st = eng.State()
	assert.False(t, st.MonitoringSell)
	assert.Nil(t, st.Highest)

	require.Equal(t, 1, eng.Tracker().Len())
	assert.Equal(t, core.Sell, eng.Tracker().History()[0].Side)
}

func TestBuyRetraceFiresInsideBand(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(680))
	m.Deposit("USDT", decimal.NewFromInt(10_000))

	eng, _ := newTestEngine(t, testConfig(t), m)
	require.NoError(t, eng.Init(context.Background()))

	// Shallow breach of the lower band (666.4): lowest=666, so the
	// 666*1.004 = 668.664 trigger sits inside the band.
	tickAt(t, eng, m, 666)
	require.True(t, eng.State().MonitoringBuy)

	tickAt(t, eng, m, 668.7)

	assert.Equal(t, 1, m.OrderCount())
	st := eng.State()
	assert.False(t, st.MonitoringBuy)
	assert.Nil(t, st.Lowest)
	require.Equal(t, 1, eng.Tracker().Len())
	assert.Equal(t, core.Buy, eng.Tracker().History()[0].Side)
}

func TestRiskGateSuppressesSignal(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(680))
	// Only base holdings: the gate allows selling only.
	m.Deposit("BNB", decimal.NewFromInt(15))

	eng, _ := newTestEngine(t, testConfig(t), m)
	require.NoError(t, eng.Init(context.Background()))

	tickAt(t, eng, m, 666)
	tickAt(t, eng, m, 663)
	tickAt(t, eng, m, 665.7) // buy fires but the gate blocks it

	assert.Equal(t, 0, m.OrderCount())
}

func TestMinTradeIntervalPreservesLatch(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(680))
	m.Deposit("USDT", decimal.NewFromInt(10_000))

	cfg := testConfig(t)
	cfg.Timing.MinTradeInterval = time.Hour
	eng, _ := newTestEngine(t, cfg, m)
	require.NoError(t, eng.Init(context.Background()))
	eng.state.LastTradeTime = time.Now().Unix()

	tickAt(t, eng, m, 666)
	tickAt(t, eng, m, 663)
	tickAt(t, eng, m, 665.7) // retrace reached, but the interval gate holds

	assert.Equal(t, 0, m.OrderCount())
	st := eng.State()
	assert.True(t, st.MonitoringBuy, "latch must survive the interval gate")
	require.NotNil(t, st.Lowest)
	assert.True(t, st.Lowest.Equal(price(663)))
}

func TestEmptyOrderBookLeavesStateUntouched(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(680))
	m.Deposit("USDT", decimal.NewFromInt(10_000))

	eng, _ := newTestEngine(t, testConfig(t), m)
	require.NoError(t, eng.Init(context.Background()))

	tickAt(t, eng, m, 666)
	tickAt(t, eng, m, 663)

	m.FailNext("FetchOrderBookTop", apperrors.ErrEmptyOrderBook)
	tickAt(t, eng, m, 665.7)

	assert.Equal(t, 0, m.OrderCount())
	assert.True(t, eng.State().BasePrice.Equal(price(680)))
}

func TestRetraceUsesCurrentGridSize(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(680))
	m.Deposit("USDT", decimal.NewFromInt(10_000))

	cfg := testConfig(t)
	eng, _ := newTestEngine(t, cfg, m)
	require.NoError(t, eng.Init(context.Background()))

	// Widen the grid: lower band 680*0.96 = 652.8, retrace 0.8%.
	eng.state.GridSize = 4.0

	tickAt(t, eng, m, 650)
	assert.True(t, eng.State().MonitoringBuy)

	// A 0.4% bounce (enough for a 2% grid) must not fire at 4%.
	tickAt(t, eng, m, 652.6)
	assert.Equal(t, 0, m.OrderCount())

	// A 0.8% bounce from the low does: 650*1.008 = 655.2, but that price is
	// above the band, so use a deeper low first.
	tickAt(t, eng, m, 648)
	tickAt(t, eng, m, 652.7) // 648*1.008 = 653.18 > 652.7: still short
	assert.Equal(t, 0, m.OrderCount())
}

func TestVolatilityObservesEveryTick(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(680))
	m.Deposit("USDT", decimal.NewFromInt(10_000))

	eng, _ := newTestEngine(t, testConfig(t), m)
	require.NoError(t, eng.Init(context.Background()))

	// Only the first tick is due for a resize evaluation; the EWMA leg
	// must still see every price after that.
	tickAt(t, eng, m, 680)
	tickAt(t, eng, m, 681)
	tickAt(t, eng, m, 682)

	lastPrice, _, initialized := eng.vol.EWMALeg().State()
	assert.True(t, initialized)
	assert.InDelta(t, 682, lastPrice, 1e-9)
}

func TestOrderRetriesExhaustedNotifies(t *testing.T) {
	m := mock.New()
	m.AutoFill = false
	m.SetPrice(testSymbol, price(680))
	m.Deposit("USDT", decimal.NewFromInt(10_000))

	eng, notifier := newTestEngine(t, testConfig(t), m)
	require.NoError(t, eng.Init(context.Background()))

	tickAt(t, eng, m, 666)
	tickAt(t, eng, m, 663)
	tickAt(t, eng, m, 665.7)

	// One order per attempt, all cancelled after the wait.
	assert.Equal(t, 3, m.OrderCount())
	assert.True(t, eng.State().BasePrice.Equal(price(680)))
	assert.True(t, notifier.HasTitleContaining("retries exhausted"))
}

func TestAwaitFillDetectsLateFill(t *testing.T) {
	m := mock.New()
	m.AutoFill = false
	m.SetPrice(testSymbol, price(680))
	m.Deposit("USDT", decimal.NewFromInt(10_000))

	eng, _ := newTestEngine(t, testConfig(t), m)
	require.NoError(t, eng.Init(context.Background()))

	order, err := m.CreateLimitOrder(context.Background(), testSymbol, core.Buy, decimal.NewFromInt(1), price(665))
	require.NoError(t, err)

	// The fill lands while the engine is waiting.
	require.NoError(t, m.FillOrder(order.ID, price(665)))

	filled, fillOrder, err := eng.awaitFill(context.Background(), order)
	require.NoError(t, err)
	assert.True(t, filled)
	assert.True(t, fillOrder.AvgPrice.Equal(price(665)))
}

func TestAwaitFillCancelsStaleOrder(t *testing.T) {
	m := mock.New()
	m.AutoFill = false
	m.SetPrice(testSymbol, price(680))
	m.Deposit("USDT", decimal.NewFromInt(10_000))

	eng, _ := newTestEngine(t, testConfig(t), m)
	require.NoError(t, eng.Init(context.Background()))

	order, err := m.CreateLimitOrder(context.Background(), testSymbol, core.Buy, decimal.NewFromInt(1), price(660))
	require.NoError(t, err)

	filled, _, err := eng.awaitFill(context.Background(), order)
	require.NoError(t, err)
	assert.False(t, filled)

	got, err := m.FetchOrder(context.Background(), order.ID, testSymbol)
	require.NoError(t, err)
	assert.Equal(t, core.OrderCanceled, got.Status)
}

func TestInitialRebalanceParksExcessQuote(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(100))
	m.Deposit("USDT", decimal.NewFromInt(10_000))
	m.Deposit("BNB", decimal.NewFromInt(10))

	cfg := testConfig(t)
	cfg.EnableSavings = true
	eng, _ := newTestEngine(t, cfg, m)
	require.NoError(t, eng.Init(context.Background()))

	// Pair value 11000, quote target 16% = 1760, excess 8240 parked.
	funding := m.FetchFundingBalance(context.Background())
	assert.True(t, funding["USDT"].Equal(price(8240)), "funding=%s", funding["USDT"])

	spot := m.FetchSpotBalance(context.Background())
	assert.True(t, spot.FreeOf("USDT").Equal(price(1760)))
}

func TestRebalanceWithoutFundingIsNoop(t *testing.T) {
	m := mock.New()
	m.FundingEnabled = false
	m.SetPrice(testSymbol, price(100))
	m.Deposit("USDT", decimal.NewFromInt(10_000))

	cfg := testConfig(t)
	cfg.EnableSavings = true
	eng, _ := newTestEngine(t, cfg, m)
	require.NoError(t, eng.Init(context.Background()))

	assert.True(t, m.FetchSpotBalance(context.Background()).FreeOf("USDT").Equal(price(10_000)))
}

func TestRebalanceIdempotentWithoutTrades(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(100))
	m.Deposit("USDT", decimal.NewFromInt(10_000))
	m.Deposit("BNB", decimal.NewFromInt(10))

	cfg := testConfig(t)
	cfg.EnableSavings = true
	eng, _ := newTestEngine(t, cfg, m)
	require.NoError(t, eng.Init(context.Background()))

	after := m.FetchSpotBalance(context.Background()).FreeOf("USDT")
	require.NoError(t, eng.rebalance(context.Background()))
	assert.True(t, m.FetchSpotBalance(context.Background()).FreeOf("USDT").Equal(after))
}

func TestEnsureFundsRedeemsShortfall(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(100))
	m.Deposit("USDT", decimal.NewFromInt(50))
	m.DepositFunding("USDT", decimal.NewFromInt(10_000))

	cfg := testConfig(t)
	cfg.EnableSavings = true
	eng, _ := newTestEngine(t, cfg, m)

	// Buy of 2 at 100 needs 200; free is 50, shortfall 150, redeem 157.50.
	err := eng.ensureFunds(context.Background(), core.Buy, decimal.NewFromInt(2), price(100))
	require.NoError(t, err)

	spot := m.FetchSpotBalance(context.Background())
	assert.True(t, spot.FreeOf("USDT").Equal(price(207.5)))
	funding := m.FetchFundingBalance(context.Background())
	assert.True(t, funding["USDT"].Equal(price(9842.5)))
}

func TestEnsureFundsFailsWithoutFunding(t *testing.T) {
	m := mock.New()
	m.FundingEnabled = false
	m.SetPrice(testSymbol, price(100))
	m.Deposit("USDT", decimal.NewFromInt(50))

	eng, _ := newTestEngine(t, testConfig(t), m)

	err := eng.ensureFunds(context.Background(), core.Buy, decimal.NewFromInt(2), price(100))
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
}

func TestRunStopsAfterConsecutiveFailures(t *testing.T) {
	m := mock.New()
	// No ticker installed: every tick fails.

	cfg := testConfig(t)
	cfg.InitialParams[testSymbol.String()] = config.SymbolInitialParams{InitialBasePrice: 680}
	cfg.Timing.MaxLoopFailures = 2
	eng, notifier := newTestEngine(t, cfg, m)
	require.NoError(t, eng.Init(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := eng.Run(ctx)
	assert.ErrorIs(t, err, apperrors.ErrEngineStopped)
	assert.True(t, notifier.HasTitleContaining("engine stopped"))
}

func TestExternalTradeValidation(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(680))
	eng, _ := newTestEngine(t, testConfig(t), m)

	assert.Error(t, eng.RequestExternalTrade(context.Background(), core.Buy, 0))
	assert.Error(t, eng.RequestExternalTrade(context.Background(), core.Buy, 1.5))
}

func TestExternalTradeRejectedByRiskGate(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(680))
	m.Deposit("BNB", decimal.NewFromInt(15)) // sell-only gate

	eng, _ := newTestEngine(t, testConfig(t), m)
	require.NoError(t, eng.Init(context.Background()))

	err := eng.handleExternal(context.Background(), externalRequest{side: core.Buy, fraction: 0.1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "risk gate")
	assert.Equal(t, 0, m.OrderCount())
}

func TestExternalTradeExecutes(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(680))
	m.Deposit("USDT", decimal.NewFromInt(10_000))

	eng, _ := newTestEngine(t, testConfig(t), m)
	require.NoError(t, eng.Init(context.Background()))

	err := eng.handleExternal(context.Background(), externalRequest{side: core.Buy, fraction: 0.05})
	require.NoError(t, err)
	assert.Equal(t, 1, m.OrderCount())
	assert.Equal(t, 1, eng.Tracker().Len())
}

func TestReloadAppliesGridWithoutTouchingBasePrice(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(680))
	m.Deposit("USDT", decimal.NewFromInt(10_000))

	cfg := testConfig(t)
	eng, _ := newTestEngine(t, cfg, m)
	require.NoError(t, eng.Init(context.Background()))

	next := testConfig(t)
	next.InitialParams[testSymbol.String()] = config.SymbolInitialParams{InitialGrid: 3.5}
	eng.Reload(next)
	tickAt(t, eng, m, 680)

	st := eng.State()
	assert.Equal(t, 3.5, st.GridSize)
	assert.True(t, st.BasePrice.Equal(price(680)))
}

func TestSnapshotReflectsState(t *testing.T) {
	m := mock.New()
	m.SetPrice(testSymbol, price(680))
	m.Deposit("USDT", decimal.NewFromInt(10_000))

	eng, _ := newTestEngine(t, testConfig(t), m)
	require.NoError(t, eng.Init(context.Background()))

	snap := eng.Snapshot()
	assert.Equal(t, "BNB/USDT", snap.Symbol)
	assert.True(t, snap.BasePrice.Equal(price(680)))
	assert.Equal(t, 2.0, snap.GridSize)
}

func TestStatePersistedAcrossRestart(t *testing.T) {
	cfg := testConfig(t)
	m := mock.New()
	m.SetPrice(testSymbol, price(680))
	m.Deposit("USDT", decimal.NewFromInt(10_000))

	eng, _ := newTestEngine(t, cfg, m)
	require.NoError(t, eng.Init(context.Background()))

	tickAt(t, eng, m, 666)
	tickAt(t, eng, m, 663)
	tickAt(t, eng, m, 665.7)
	require.Equal(t, 1, m.OrderCount())
	traded := eng.State()

	restarted, _ := newTestEngine(t, cfg, m)
	require.NoError(t, restarted.Init(context.Background()))

	st := restarted.State()
	assert.True(t, st.BasePrice.Equal(traded.BasePrice))
	assert.Equal(t, traded.LastTradeTime, st.LastTradeTime)
}
