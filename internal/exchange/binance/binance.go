// Package binance implements the Binance spot venue adapter, including the
// flexible-savings (Simple Earn) endpoints used by the rebalancer.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridtrader/internal/apperrors"
	"gridtrader/internal/config"
	"gridtrader/internal/core"
	"gridtrader/internal/exchange/base"
	"gridtrader/internal/logging"
	"gridtrader/pkg/httpclient"
)

const (
	mainnetURL = "https://api.binance.com"
	testnetURL = "https://testnet.binance.vision"
)

// Exchange implements core.IExchange for Binance spot.
type Exchange struct {
	*base.Adapter

	creds      config.Credentials
	recvWindow time.Duration
	savings    bool

	productMu  sync.Mutex
	productIDs map[string]string
}

type signer struct {
	apiKey     string
	secret     string
	recvWindow time.Duration
	nowMilli   func() int64
}

// SignRequest signs the query string the Binance way: timestamp plus
// recvWindow appended, HMAC-SHA256 over the encoded query, signature added
// last. Called per attempt so retries carry a fresh timestamp.
func (s *signer) SignRequest(req *http.Request) error {
	req.Header.Set("X-MBX-APIKEY", s.apiKey)

	q := req.URL.Query()
	q.Set("timestamp", fmt.Sprintf("%d", s.nowMilli()))
	q.Set("recvWindow", fmt.Sprintf("%d", s.recvWindow.Milliseconds()))
	q.Del("signature")

	queryString := q.Encode()
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(queryString))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))

	req.URL.RawQuery = q.Encode()
	return nil
}

// New creates a Binance adapter from the validated configuration.
func New(cfg *config.Config, logger logging.Logger) (*Exchange, error) {
	creds, ok := cfg.Credentials["binance"]
	if !ok {
		return nil, fmt.Errorf("binance: %w", apperrors.ErrAuthenticationFailed)
	}

	baseURL := mainnetURL
	if cfg.TestnetMode {
		baseURL = testnetURL
	}

	sg := &signer{
		apiKey:     creds.APIKey.Reveal(),
		secret:     creds.APISecret.Reveal(),
		recvWindow: cfg.Timing.RecvWindow,
	}
	client, err := httpclient.New(baseURL, sg, httpclient.Options{
		Timeout:    cfg.Timing.RequestTimeout,
		ProxyURL:   cfg.HTTPProxy,
		MaxRetries: cfg.Timing.MarketRetryMax,
	})
	if err != nil {
		return nil, err
	}

	e := &Exchange{
		Adapter:    base.NewAdapter("binance", cfg, logger, client),
		creds:      creds,
		recvWindow: cfg.Timing.RecvWindow,
		savings:    cfg.EnableSavings && !cfg.TestnetMode,
		productIDs: make(map[string]string),
	}
	sg.nowMilli = e.ServerNowMilli
	e.ParseError = parseError

	return e, nil
}

// Supports reports venue capabilities. The savings feature disappears in
// testnet mode because the testnet has no Simple Earn endpoints.
func (e *Exchange) Supports(feature core.Feature) bool {
	switch feature {
	case core.FeatureSpotTrading:
		return true
	case core.FeatureFunding:
		return e.savings
	}
	return false
}

func parseError(statusCode int, body []byte) error {
	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("binance error (HTTP %d): %s", statusCode, string(body))
	}

	wrap := func(sentinel error) error {
		return fmt.Errorf("%w: binance %d: %s", sentinel, errResp.Code, errResp.Msg)
	}
	switch errResp.Code {
	case -2014, -2015, -1022:
		return wrap(apperrors.ErrAuthenticationFailed)
	case -2010:
		if strings.Contains(strings.ToLower(errResp.Msg), "insufficient") {
			return wrap(apperrors.ErrInsufficientFunds)
		}
		return wrap(apperrors.ErrOrderRejected)
	case -2011, -2013:
		return wrap(apperrors.ErrOrderNotFound)
	case -1003, -1015:
		return wrap(apperrors.ErrRateLimitExceeded)
	case -1021:
		return wrap(apperrors.ErrTimestampOutOfBounds)
	case -1121:
		return wrap(apperrors.ErrInvalidSymbol)
	case -1013, -1100, -1111:
		return wrap(apperrors.ErrOrderRejected)
	}
	if statusCode == 429 || statusCode == 418 {
		return wrap(apperrors.ErrRateLimitExceeded)
	}
	return fmt.Errorf("binance error %d: %s", errResp.Code, errResp.Msg)
}

func (e *Exchange) call(ctx context.Context, method, path string, params map[string]string, signed bool) ([]byte, error) {
	body, err := e.Client.Execute(ctx, httpclient.Request{
		Method: method,
		Path:   path,
		Params: params,
		Signed: signed,
	}, nil)
	if err != nil {
		return nil, e.MapError(err)
	}
	return body, nil
}

// SyncTime measures the venue clock against the local one. The offset feeds
// every subsequent signed timestamp.
func (e *Exchange) SyncTime(ctx context.Context) error {
	body, err := e.call(ctx, http.MethodGet, "/api/v3/time", nil, false)
	if err != nil {
		return fmt.Errorf("time sync: %w", err)
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("time sync: %w", err)
	}
	offset := time.Until(time.UnixMilli(resp.ServerTime))
	e.SetTimeOffset(offset)
	e.Log.Info("time synced", "offset_ms", offset.Milliseconds())
	return nil
}

// LoadMarkets fetches the exchange catalogue and records precision and limit
// rules for the configured pairs.
func (e *Exchange) LoadMarkets(ctx context.Context) error {
	body, err := e.call(ctx, http.MethodGet, "/api/v3/exchangeInfo", nil, false)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}

	var resp struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Status  string `json:"status"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MaxQty      string `json:"maxQty"`
				MinNotional string `json:"minNotional"`
				MaxNotional string `json:"maxNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("load markets: %w", err)
	}

	wanted := make(map[string]core.Symbol, len(e.Cfg.Symbols))
	for _, s := range e.Cfg.Symbols {
		wanted[s.Venue()] = s
	}

	loaded := 0
	for _, raw := range resp.Symbols {
		sym, ok := wanted[raw.Symbol]
		if !ok {
			continue
		}
		if raw.Status != "TRADING" {
			return fmt.Errorf("%w: %s status %s", apperrors.ErrInvalidSymbol, sym, raw.Status)
		}
		spec := core.DefaultMarketSpec()
		for _, f := range raw.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				spec.PricePrecision = precisionFromStep(f.TickSize, spec.PricePrecision)
			case "LOT_SIZE":
				spec.AmountPrecision = precisionFromStep(f.StepSize, spec.AmountPrecision)
				if d, err := decimal.NewFromString(f.MinQty); err == nil {
					spec.MinAmount = d
				}
				if d, err := decimal.NewFromString(f.MaxQty); err == nil {
					spec.MaxAmount = d
				}
			case "NOTIONAL", "MIN_NOTIONAL":
				if d, err := decimal.NewFromString(f.MinNotional); err == nil && d.IsPositive() {
					spec.MinNotional = d
				}
				if d, err := decimal.NewFromString(f.MaxNotional); err == nil && d.IsPositive() {
					spec.MaxNotional = d
				}
			}
		}
		e.SetMarketSpec(sym, spec)
		loaded++
	}

	if loaded < len(wanted) {
		return fmt.Errorf("%w: loaded %d of %d configured pairs", apperrors.ErrInvalidSymbol, loaded, len(wanted))
	}
	e.Log.Info("markets loaded", "pairs", loaded)
	return nil
}

// precisionFromStep converts a step string like "0.00100000" into the number
// of meaningful decimal places.
func precisionFromStep(step string, def int) int {
	d, err := decimal.NewFromString(step)
	if err != nil || d.IsZero() {
		return def
	}
	if exp := int(d.Exponent()); exp < 0 {
		// Normalized decimal drops trailing zeros, so "0.00100000"
		// parses as 1e-3.
		return -exp
	}
	return 0
}

// FetchTicker returns the 24h ticker snapshot for a pair.
func (e *Exchange) FetchTicker(ctx context.Context, symbol core.Symbol) (*core.Ticker, error) {
	body, err := e.call(ctx, http.MethodGet, "/api/v3/ticker/24hr", map[string]string{
		"symbol": symbol.Venue(),
	}, false)
	if err != nil {
		return nil, fmt.Errorf("fetch ticker %s: %w", symbol, err)
	}

	var raw struct {
		LastPrice   string `json:"lastPrice"`
		BidPrice    string `json:"bidPrice"`
		AskPrice    string `json:"askPrice"`
		HighPrice   string `json:"highPrice"`
		LowPrice    string `json:"lowPrice"`
		QuoteVolume string `json:"quoteVolume"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("fetch ticker %s: %w", symbol, err)
	}
	return &core.Ticker{
		Last:           mustDecimal(raw.LastPrice),
		Bid:            mustDecimal(raw.BidPrice),
		Ask:            mustDecimal(raw.AskPrice),
		High24h:        mustDecimal(raw.HighPrice),
		Low24h:         mustDecimal(raw.LowPrice),
		QuoteVolume24h: mustDecimal(raw.QuoteVolume),
	}, nil
}

// FetchOrderBookTop returns the best bid and ask.
func (e *Exchange) FetchOrderBookTop(ctx context.Context, symbol core.Symbol, depth int) (*core.OrderBookTop, error) {
	if depth <= 0 {
		depth = 5
	}
	body, err := e.call(ctx, http.MethodGet, "/api/v3/depth", map[string]string{
		"symbol": symbol.Venue(),
		"limit":  fmt.Sprintf("%d", depth),
	}, false)
	if err != nil {
		return nil, fmt.Errorf("fetch depth %s: %w", symbol, err)
	}

	var raw struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("fetch depth %s: %w", symbol, err)
	}
	if len(raw.Bids) == 0 || len(raw.Asks) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, apperrors.ErrEmptyOrderBook)
	}
	return &core.OrderBookTop{
		BestBid: mustDecimal(raw.Bids[0][0]),
		BestAsk: mustDecimal(raw.Asks[0][0]),
	}, nil
}

// FetchOHLCV returns up to limit closed candles for a timeframe.
func (e *Exchange) FetchOHLCV(ctx context.Context, symbol core.Symbol, timeframe string, limit int) ([]core.Candle, error) {
	body, err := e.call(ctx, http.MethodGet, "/api/v3/klines", map[string]string{
		"symbol":   symbol.Venue(),
		"interval": timeframe,
		"limit":    fmt.Sprintf("%d", limit),
	}, false)
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s: %w", symbol, err)
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("fetch klines %s: %w", symbol, err)
	}

	candles := make([]core.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		var openTime int64
		var open, high, low, closePx, volume string
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			continue
		}
		for i, dst := range []*string{&open, &high, &low, &closePx, &volume} {
			if err := json.Unmarshal(row[i+1], dst); err != nil {
				continue
			}
		}
		candles = append(candles, core.Candle{
			OpenTime: openTime,
			Open:     mustDecimal(open),
			High:     mustDecimal(high),
			Low:      mustDecimal(low),
			Close:    mustDecimal(closePx),
			Volume:   mustDecimal(volume),
		})
	}
	return candles, nil
}

// FetchSpotBalance returns the cached spot snapshot. Savings receipts stay
// in the maps; value computations exclude them by prefix.
func (e *Exchange) FetchSpotBalance(ctx context.Context) core.Balance {
	return e.CachedSpotBalance(ctx, e.fetchSpotBalance)
}

func (e *Exchange) fetchSpotBalance(ctx context.Context) (core.Balance, error) {
	body, err := e.call(ctx, http.MethodGet, "/api/v3/account", nil, true)
	if err != nil {
		return core.Balance{}, err
	}

	var raw struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return core.Balance{}, err
	}

	bal := core.NewBalance()
	for _, b := range raw.Balances {
		free := mustDecimal(b.Free)
		locked := mustDecimal(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		bal.Free[b.Asset] = free
		bal.Used[b.Asset] = locked
		bal.Total[b.Asset] = free.Add(locked)
	}
	return bal, nil
}

// FetchFundingBalance returns the cached flexible-savings snapshot, empty
// when the feature is off.
func (e *Exchange) FetchFundingBalance(ctx context.Context) core.FundingBalance {
	if !e.Supports(core.FeatureFunding) {
		return core.FundingBalance{}
	}
	return e.CachedFundingBalance(ctx, e.fetchFundingBalance)
}

func (e *Exchange) fetchFundingBalance(ctx context.Context) (core.FundingBalance, error) {
	const pageSize = 100
	out := core.FundingBalance{}

	for current := 1; ; current++ {
		body, err := e.call(ctx, http.MethodGet, "/sapi/v1/simple-earn/flexible/position", map[string]string{
			"current": fmt.Sprintf("%d", current),
			"size":    fmt.Sprintf("%d", pageSize),
		}, true)
		if err != nil {
			return nil, err
		}

		var raw struct {
			Rows []struct {
				Asset       string `json:"asset"`
				TotalAmount string `json:"totalAmount"`
				ProductID   string `json:"productId"`
			} `json:"rows"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, err
		}

		for _, row := range raw.Rows {
			amt := mustDecimal(row.TotalAmount)
			out[row.Asset] = out[row.Asset].Add(amt)
			if row.ProductID != "" {
				e.productMu.Lock()
				e.productIDs[row.Asset] = row.ProductID
				e.productMu.Unlock()
			}
		}
		if len(raw.Rows) < pageSize {
			return out, nil
		}
	}
}

func (e *Exchange) productID(ctx context.Context, asset string) (string, error) {
	e.productMu.Lock()
	id, ok := e.productIDs[asset]
	e.productMu.Unlock()
	if ok {
		return id, nil
	}

	body, err := e.call(ctx, http.MethodGet, "/sapi/v1/simple-earn/flexible/list", map[string]string{
		"asset": asset,
	}, true)
	if err != nil {
		return "", err
	}
	var raw struct {
		Rows []struct {
			ProductID string `json:"productId"`
		} `json:"rows"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", err
	}
	if len(raw.Rows) == 0 {
		return "", fmt.Errorf("%w: no flexible product for %s", apperrors.ErrUnsupportedFeature, asset)
	}
	id = raw.Rows[0].ProductID
	e.productMu.Lock()
	e.productIDs[asset] = id
	e.productMu.Unlock()
	return id, nil
}

// CreateLimitOrder places a GTC limit order. Amount and price must already
// be rounded to the market spec.
func (e *Exchange) CreateLimitOrder(ctx context.Context, symbol core.Symbol, side core.OrderSide, amount, price decimal.Decimal) (*core.Order, error) {
	params := map[string]string{
		"symbol":           symbol.Venue(),
		"side":             strings.ToUpper(string(side)),
		"type":             "LIMIT",
		"timeInForce":      "GTC",
		"quantity":         amount.String(),
		"price":            price.String(),
		"newClientOrderId": uuid.NewString(),
	}
	body, err := e.call(ctx, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		return nil, fmt.Errorf("create limit order %s %s: %w", side, symbol, err)
	}
	e.InvalidateBalances()
	return e.parseOrder(body, symbol)
}

// CreateMarketOrder places a market order by base amount.
func (e *Exchange) CreateMarketOrder(ctx context.Context, symbol core.Symbol, side core.OrderSide, amount decimal.Decimal) (*core.Order, error) {
	params := map[string]string{
		"symbol":           symbol.Venue(),
		"side":             strings.ToUpper(string(side)),
		"type":             "MARKET",
		"quantity":         amount.String(),
		"newClientOrderId": uuid.NewString(),
	}
	body, err := e.call(ctx, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		return nil, fmt.Errorf("create market order %s %s: %w", side, symbol, err)
	}
	e.InvalidateBalances()
	return e.parseOrder(body, symbol)
}

// CancelOrder cancels a live order. A venue-side "unknown order" is mapped
// to ErrOrderNotFound so callers can treat the race as a fill.
func (e *Exchange) CancelOrder(ctx context.Context, orderID string, symbol core.Symbol) error {
	_, err := e.call(ctx, http.MethodDelete, "/api/v3/order", map[string]string{
		"symbol":  symbol.Venue(),
		"orderId": orderID,
	}, true)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	e.InvalidateBalances()
	return nil
}

// FetchOrder returns the current state of one order.
func (e *Exchange) FetchOrder(ctx context.Context, orderID string, symbol core.Symbol) (*core.Order, error) {
	body, err := e.call(ctx, http.MethodGet, "/api/v3/order", map[string]string{
		"symbol":  symbol.Venue(),
		"orderId": orderID,
	}, true)
	if err != nil {
		return nil, fmt.Errorf("fetch order %s: %w", orderID, err)
	}
	return e.parseOrder(body, symbol)
}

// FetchOpenOrders returns the live orders for a pair.
func (e *Exchange) FetchOpenOrders(ctx context.Context, symbol core.Symbol) ([]*core.Order, error) {
	body, err := e.call(ctx, http.MethodGet, "/api/v3/openOrders", map[string]string{
		"symbol": symbol.Venue(),
	}, true)
	if err != nil {
		return nil, fmt.Errorf("fetch open orders %s: %w", symbol, err)
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, err
	}
	orders := make([]*core.Order, 0, len(raws))
	for _, raw := range raws {
		order, err := e.parseOrder(raw, symbol)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// FetchMyTrades returns the most recent executions for a pair, oldest first.
func (e *Exchange) FetchMyTrades(ctx context.Context, symbol core.Symbol, limit int) ([]core.Fill, error) {
	if limit <= 0 {
		limit = 50
	}
	body, err := e.call(ctx, http.MethodGet, "/api/v3/myTrades", map[string]string{
		"symbol": symbol.Venue(),
		"limit":  fmt.Sprintf("%d", limit),
	}, true)
	if err != nil {
		return nil, fmt.Errorf("fetch trades %s: %w", symbol, err)
	}

	var raws []struct {
		OrderID int64  `json:"orderId"`
		Price   string `json:"price"`
		Qty     string `json:"qty"`
		IsBuyer bool   `json:"isBuyer"`
		Time    int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, err
	}

	fills := make([]core.Fill, 0, len(raws))
	for _, raw := range raws {
		side := core.Sell
		if raw.IsBuyer {
			side = core.Buy
		}
		fills = append(fills, core.Fill{
			OrderID:   fmt.Sprintf("%d", raw.OrderID),
			Symbol:    symbol,
			Side:      side,
			Price:     mustDecimal(raw.Price),
			Amount:    mustDecimal(raw.Qty),
			Timestamp: raw.Time,
		})
	}
	return fills, nil
}

// TransferSpotToFunding subscribes free spot funds into flexible savings.
func (e *Exchange) TransferSpotToFunding(ctx context.Context, asset string, amount decimal.Decimal) error {
	if !e.Supports(core.FeatureFunding) {
		return apperrors.ErrUnsupportedFeature
	}
	id, err := e.productID(ctx, asset)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", asset, err)
	}
	_, err = e.call(ctx, http.MethodPost, "/sapi/v1/simple-earn/flexible/subscribe", map[string]string{
		"productId": id,
		"amount":    amount.String(),
	}, true)
	if err != nil {
		return fmt.Errorf("subscribe %s %s: %w", amount, asset, err)
	}
	e.InvalidateBalances()
	e.Log.Info("savings subscribe", "asset", asset, "amount", amount.String())
	return nil
}

// TransferFundingToSpot redeems flexible savings back to the spot wallet.
func (e *Exchange) TransferFundingToSpot(ctx context.Context, asset string, amount decimal.Decimal) error {
	if !e.Supports(core.FeatureFunding) {
		return apperrors.ErrUnsupportedFeature
	}
	id, err := e.productID(ctx, asset)
	if err != nil {
		return fmt.Errorf("redeem %s: %w", asset, err)
	}
	_, err = e.call(ctx, http.MethodPost, "/sapi/v1/simple-earn/flexible/redeem", map[string]string{
		"productId": id,
		"amount":    amount.String(),
	}, true)
	if err != nil {
		return fmt.Errorf("redeem %s %s: %w", amount, asset, err)
	}
	e.InvalidateBalances()
	e.Log.Info("savings redeem", "asset", asset, "amount", amount.String())
	return nil
}

// TotalAccountValue sums spot (savings receipts excluded) and funding,
// priced in the quote asset. Assets with no quote market are skipped.
func (e *Exchange) TotalAccountValue(ctx context.Context, quote string) (decimal.Decimal, error) {
	cacheKey := "total:" + quote
	if v, ok := e.ValueCache.Get(cacheKey); ok {
		return v, nil
	}

	holdings := make(map[string]decimal.Decimal)
	spot := e.FetchSpotBalance(ctx)
	for asset, total := range spot.Total {
		if strings.HasPrefix(asset, core.SavingsReceiptPrefix) && asset != quote {
			// Receipt tokens mirror funding positions; counting both
			// would double the value.
			continue
		}
		holdings[asset] = holdings[asset].Add(total)
	}
	for asset, amt := range e.FetchFundingBalance(ctx) {
		holdings[asset] = holdings[asset].Add(amt)
	}

	total := decimal.Zero
	for asset, amt := range holdings {
		if amt.IsZero() {
			continue
		}
		if asset == quote {
			total = total.Add(amt)
			continue
		}
		ticker, err := e.FetchTicker(ctx, core.Symbol{Base: asset, Quote: quote})
		if err != nil {
			e.Log.Debug("no market for asset, skipped in total", "asset", asset, "error", err)
			continue
		}
		value := amt.Mul(ticker.Last)
		if value.LessThan(base.DustThreshold) {
			continue
		}
		total = total.Add(value)
	}

	e.ValueCache.Set(cacheKey, total)
	return total, nil
}

// Close releases adapter resources. The HTTP transport has nothing to shut
// down explicitly.
func (e *Exchange) Close() error {
	return nil
}

func (e *Exchange) parseOrder(body []byte, symbol core.Symbol) (*core.Order, error) {
	var raw struct {
		OrderID             int64  `json:"orderId"`
		ClientOrderID       string `json:"clientOrderId"`
		Price               string `json:"price"`
		OrigQty             string `json:"origQty"`
		ExecutedQty         string `json:"executedQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
		Status              string `json:"status"`
		Type                string `json:"type"`
		Side                string `json:"side"`
		Time                int64  `json:"time"`
		TransactTime        int64  `json:"transactTime"`
		UpdateTime          int64  `json:"updateTime"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse order: %w", err)
	}

	filled := mustDecimal(raw.ExecutedQty)
	avg := decimal.Zero
	if quote := mustDecimal(raw.CummulativeQuoteQty); quote.IsPositive() && filled.IsPositive() {
		avg = quote.Div(filled)
	}

	updated := raw.UpdateTime
	if updated == 0 {
		updated = raw.TransactTime
	}
	if updated == 0 {
		updated = raw.Time
	}

	return &core.Order{
		ID:        fmt.Sprintf("%d", raw.OrderID),
		ClientID:  raw.ClientOrderID,
		Symbol:    symbol,
		Side:      core.OrderSide(strings.ToLower(raw.Side)),
		Type:      strings.ToLower(raw.Type),
		Price:     mustDecimal(raw.Price),
		Amount:    mustDecimal(raw.OrigQty),
		Filled:    filled,
		AvgPrice:  avg,
		Status:    mapOrderStatus(raw.Status),
		UpdatedAt: updated,
	}, nil
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "NEW":
		return core.OrderNew
	case "PARTIALLY_FILLED":
		return core.OrderPartiallyFilled
	case "FILLED":
		return core.OrderFilled
	case "CANCELED", "PENDING_CANCEL":
		return core.OrderCanceled
	case "REJECTED":
		return core.OrderRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return core.OrderExpired
	}
	return core.OrderNew
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
