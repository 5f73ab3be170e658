// Package base provides common functionality for venue adapters.
package base

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"gridtrader/internal/apperrors"
	"gridtrader/internal/config"
	"gridtrader/internal/core"
	"gridtrader/internal/logging"
	"gridtrader/pkg/httpclient"
	"gridtrader/pkg/ttlcache"
)

// ParseErrorFunc maps a venue error payload onto an apperrors sentinel.
type ParseErrorFunc func(statusCode int, body []byte) error

// DustThreshold is the minimum quote value an asset must reach to count
// toward the total account value.
var DustThreshold = decimal.NewFromInt(1)

// Adapter carries the state every venue adapter shares: the HTTP client,
// the clock offset applied to signed requests, the market catalogue and
// the balance caches.
type Adapter struct {
	name   string
	Log    logging.Logger
	Cfg    *config.Config
	Client *httpclient.Client

	// ParseError is set by the concrete adapter.
	ParseError ParseErrorFunc

	offsetNanos atomic.Int64

	marketsMu sync.RWMutex
	markets   map[string]core.MarketSpec

	SpotCache    *ttlcache.Cache[core.Balance]
	FundingCache *ttlcache.Cache[core.FundingBalance]
	ValueCache   *ttlcache.Cache[decimal.Decimal]

	fundingMu   sync.Mutex
	lastFunding core.FundingBalance
}

const (
	spotKey    = "spot"
	fundingKey = "funding"
)

// NewAdapter creates the shared adapter state for a venue.
func NewAdapter(name string, cfg *config.Config, logger logging.Logger, client *httpclient.Client) *Adapter {
	return &Adapter{
		name:         name,
		Log:          logger.WithField("exchange", name),
		Cfg:          cfg,
		Client:       client,
		markets:      make(map[string]core.MarketSpec),
		SpotCache:    ttlcache.New[core.Balance](cfg.Timing.BalanceCacheTTL),
		FundingCache: ttlcache.New[core.FundingBalance](cfg.Timing.BalanceCacheTTL),
		ValueCache:   ttlcache.New[decimal.Decimal](cfg.Timing.ValueCacheTTL),
	}
}

// Name returns the venue name.
func (a *Adapter) Name() string {
	return a.name
}

// TimeOffset returns the signed server-minus-local clock offset.
func (a *Adapter) TimeOffset() time.Duration {
	return time.Duration(a.offsetNanos.Load())
}

// SetTimeOffset replaces the clock offset. Concurrent signers observe either
// the old or the new value.
func (a *Adapter) SetTimeOffset(offset time.Duration) {
	a.offsetNanos.Store(int64(offset))
}

// ServerNowMilli returns the venue's estimated current time in unix ms.
func (a *Adapter) ServerNowMilli() int64 {
	return time.Now().Add(a.TimeOffset()).UnixMilli()
}

// SetMarketSpec records one catalogue entry.
func (a *Adapter) SetMarketSpec(symbol core.Symbol, spec core.MarketSpec) {
	a.marketsMu.Lock()
	a.markets[symbol.String()] = spec
	a.marketsMu.Unlock()
}

// GetMarketSpec returns the catalogue entry for a pair, falling back to the
// defaults when the pair is unknown.
func (a *Adapter) GetMarketSpec(symbol core.Symbol) core.MarketSpec {
	a.marketsMu.RLock()
	spec, ok := a.markets[symbol.String()]
	a.marketsMu.RUnlock()
	if !ok {
		a.Log.Warn("market spec missing, using defaults", "symbol", symbol.String())
		return core.DefaultMarketSpec()
	}
	return spec
}

// MarketCount returns the number of loaded catalogue entries.
func (a *Adapter) MarketCount() int {
	a.marketsMu.RLock()
	defer a.marketsMu.RUnlock()
	return len(a.markets)
}

// MapError converts a transport error into the adapter's normalized form:
// venue error payloads go through ParseError, everything else becomes
// ErrNetwork.
func (a *Adapter) MapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		if a.ParseError != nil {
			return a.ParseError(apiErr.StatusCode, apiErr.Body)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(apperrors.ErrNetwork, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return errors.Join(apperrors.ErrNetwork, err)
}

// CachedSpotBalance serves the spot snapshot through the TTL cache. Fetch
// failures degrade to the last known value when one is still cached, and to
// an empty snapshot otherwise; callers never see an error.
func (a *Adapter) CachedSpotBalance(ctx context.Context, fetch func(context.Context) (core.Balance, error)) core.Balance {
	if bal, ok := a.SpotCache.Get(spotKey); ok {
		return bal
	}
	bal, err := fetch(ctx)
	if err != nil {
		a.Log.Warn("spot balance fetch failed", "error", err)
		return core.NewBalance()
	}
	a.SpotCache.Set(spotKey, bal)
	return bal
}

// CachedFundingBalance serves the funding snapshot through its own TTL
// cache and logs the snapshot when it changed significantly since the last
// log line.
func (a *Adapter) CachedFundingBalance(ctx context.Context, fetch func(context.Context) (core.FundingBalance, error)) core.FundingBalance {
	if bal, ok := a.FundingCache.Get(fundingKey); ok {
		return bal
	}
	bal, err := fetch(ctx)
	if err != nil {
		a.Log.Warn("funding balance fetch failed", "error", err)
		return core.FundingBalance{}
	}
	a.FundingCache.Set(fundingKey, bal)
	a.logFundingIfChanged(bal)
	return bal
}

// logFundingIfChanged prints the funding snapshot only when some asset moved
// by more than 0.1% relative to the previous print. Steady-state refreshes
// stay silent.
func (a *Adapter) logFundingIfChanged(bal core.FundingBalance) {
	a.fundingMu.Lock()
	defer a.fundingMu.Unlock()

	if a.lastFunding != nil && !significantChange(a.lastFunding, bal) {
		return
	}
	snapshot := make(map[string]string, len(bal))
	for asset, amt := range bal {
		snapshot[asset] = amt.String()
	}
	a.Log.Info("funding balance", "positions", snapshot)

	a.lastFunding = make(core.FundingBalance, len(bal))
	for asset, amt := range bal {
		a.lastFunding[asset] = amt
	}
}

func significantChange(old, cur core.FundingBalance) bool {
	assets := make(map[string]struct{}, len(old)+len(cur))
	for a := range old {
		assets[a] = struct{}{}
	}
	for a := range cur {
		assets[a] = struct{}{}
	}
	for asset := range assets {
		o, _ := old[asset].Float64()
		n, _ := cur[asset].Float64()
		denom := o
		if denom < 1e-9 {
			denom = 1e-9
		}
		diff := n - o
		if diff < 0 {
			diff = -diff
		}
		if diff/denom > 0.001 {
			return true
		}
	}
	return false
}

// InvalidateBalances drops every cached balance and value snapshot. Called
// after any order or transfer so the next read reflects the venue.
func (a *Adapter) InvalidateBalances() {
	a.SpotCache.Flush()
	a.FundingCache.Flush()
	a.ValueCache.Flush()
}
