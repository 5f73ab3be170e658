// Package okx implements the OKX spot venue adapter. OKX has no flexible
// savings endpoints here, so the funding capability is not advertised and
// the rebalancer degrades to a no-op.
package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
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

const baseURL = "https://www.okx.com"

// Exchange implements core.IExchange for OKX spot.
type Exchange struct {
	*base.Adapter
	demo bool
}

type signer struct {
	apiKey     string
	secret     string
	passphrase string
	demo       bool
	now        func() time.Time
}

// SignRequest signs the OKX way: base64 HMAC-SHA256 over
// timestamp + method + path(+query) + body, with the timestamp in ISO 8601
// milliseconds.
func (s *signer) SignRequest(req *http.Request) error {
	ts := s.now().UTC().Format("2006-01-02T15:04:05.000Z")

	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	var body []byte
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return err
		}
		body, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return err
		}
	}

	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(ts + req.Method + path + string(body)))

	req.Header.Set("OK-ACCESS-KEY", s.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", s.passphrase)
	req.Header.Set("Content-Type", "application/json")
	if s.demo {
		req.Header.Set("x-simulated-trading", "1")
	}
	return nil
}

// New creates an OKX adapter from the validated configuration.
func New(cfg *config.Config, logger logging.Logger) (*Exchange, error) {
	creds, ok := cfg.Credentials["okx"]
	if !ok {
		return nil, fmt.Errorf("okx: %w", apperrors.ErrAuthenticationFailed)
	}

	e := &Exchange{demo: cfg.TestnetMode}
	sg := &signer{
		apiKey:     creds.APIKey.Reveal(),
		secret:     creds.APISecret.Reveal(),
		passphrase: creds.Passphrase.Reveal(),
		demo:       cfg.TestnetMode,
	}
	client, err := httpclient.New(baseURL, sg, httpclient.Options{
		Timeout:    cfg.Timing.RequestTimeout,
		ProxyURL:   cfg.HTTPProxy,
		MaxRetries: cfg.Timing.MarketRetryMax,
	})
	if err != nil {
		return nil, err
	}

	e.Adapter = base.NewAdapter("okx", cfg, logger, client)
	sg.now = func() time.Time { return time.Now().Add(e.TimeOffset()) }
	e.ParseError = parseError
	return e, nil
}

// Supports reports venue capabilities. Funding is never advertised.
func (e *Exchange) Supports(feature core.Feature) bool {
	return feature == core.FeatureSpotTrading
}

// envelope is the OKX response wrapper; code "0" means success.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func parseError(statusCode int, body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("okx error (HTTP %d): %s", statusCode, string(body))
	}
	return mapCode(env.Code, env.Msg)
}

func mapCode(code, msg string) error {
	wrap := func(sentinel error) error {
		return fmt.Errorf("%w: okx %s: %s", sentinel, code, msg)
	}
	switch code {
	case "50111", "50113", "50103":
		return wrap(apperrors.ErrAuthenticationFailed)
	case "51008", "51119":
		return wrap(apperrors.ErrInsufficientFunds)
	case "51400", "51603":
		return wrap(apperrors.ErrOrderNotFound)
	case "50011":
		return wrap(apperrors.ErrRateLimitExceeded)
	case "50102":
		return wrap(apperrors.ErrTimestampOutOfBounds)
	case "51001":
		return wrap(apperrors.ErrInvalidSymbol)
	case "51000", "51006", "51020":
		return wrap(apperrors.ErrOrderRejected)
	}
	return fmt.Errorf("okx error %s: %s", code, msg)
}

// call runs one request and unwraps the OKX envelope.
func (e *Exchange) call(ctx context.Context, method, path string, params map[string]string, body interface{}, signed bool) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	raw, err := e.Client.Execute(ctx, httpclient.Request{
		Method: method,
		Path:   path,
		Params: params,
		Body:   payload,
		Signed: signed,
	}, nil)
	if err != nil {
		return nil, e.MapError(err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("okx response: %w", err)
	}
	if env.Code != "0" {
		return nil, mapCode(env.Code, env.Msg)
	}
	return env.Data, nil
}

func instID(symbol core.Symbol) string {
	return symbol.Base + "-" + symbol.Quote
}

// bar converts a "4h"-style timeframe into the OKX bar label.
func bar(timeframe string) string {
	if strings.HasSuffix(timeframe, "m") {
		return timeframe
	}
	return strings.ToUpper(timeframe)
}

// SyncTime measures the venue clock against the local one.
func (e *Exchange) SyncTime(ctx context.Context) error {
	data, err := e.call(ctx, http.MethodGet, "/api/v5/public/time", nil, nil, false)
	if err != nil {
		return fmt.Errorf("time sync: %w", err)
	}
	var rows []struct {
		TS string `json:"ts"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return fmt.Errorf("time sync: bad payload")
	}
	ms, err := decimal.NewFromString(rows[0].TS)
	if err != nil {
		return fmt.Errorf("time sync: %w", err)
	}
	offset := time.Until(time.UnixMilli(ms.IntPart()))
	e.SetTimeOffset(offset)
	e.Log.Info("time synced", "offset_ms", offset.Milliseconds())
	return nil
}

// LoadMarkets fetches the SPOT instrument catalogue for the configured
// pairs.
func (e *Exchange) LoadMarkets(ctx context.Context) error {
	data, err := e.call(ctx, http.MethodGet, "/api/v5/public/instruments", map[string]string{
		"instType": "SPOT",
	}, nil, false)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}

	var rows []struct {
		InstID string `json:"instId"`
		State  string `json:"state"`
		TickSz string `json:"tickSz"`
		LotSz  string `json:"lotSz"`
		MinSz  string `json:"minSz"`
		MaxSz  string `json:"maxLmtSz"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("load markets: %w", err)
	}

	wanted := make(map[string]core.Symbol, len(e.Cfg.Symbols))
	for _, s := range e.Cfg.Symbols {
		wanted[instID(s)] = s
	}

	loaded := 0
	for _, row := range rows {
		sym, ok := wanted[row.InstID]
		if !ok {
			continue
		}
		if row.State != "live" {
			return fmt.Errorf("%w: %s state %s", apperrors.ErrInvalidSymbol, sym, row.State)
		}
		spec := core.DefaultMarketSpec()
		spec.PricePrecision = stepPrecision(row.TickSz, spec.PricePrecision)
		spec.AmountPrecision = stepPrecision(row.LotSz, spec.AmountPrecision)
		if d, err := decimal.NewFromString(row.MinSz); err == nil {
			spec.MinAmount = d
		}
		if d, err := decimal.NewFromString(row.MaxSz); err == nil && d.IsPositive() {
			spec.MaxAmount = d
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

func stepPrecision(step string, def int) int {
	d, err := decimal.NewFromString(step)
	if err != nil || d.IsZero() {
		return def
	}
	if exp := int(d.Exponent()); exp < 0 {
		return -exp
	}
	return 0
}

// FetchTicker returns the 24h ticker snapshot for a pair.
func (e *Exchange) FetchTicker(ctx context.Context, symbol core.Symbol) (*core.Ticker, error) {
	data, err := e.call(ctx, http.MethodGet, "/api/v5/market/ticker", map[string]string{
		"instId": instID(symbol),
	}, nil, false)
	if err != nil {
		return nil, fmt.Errorf("fetch ticker %s: %w", symbol, err)
	}
	var rows []struct {
		Last      string `json:"last"`
		BidPx     string `json:"bidPx"`
		AskPx     string `json:"askPx"`
		High24h   string `json:"high24h"`
		Low24h    string `json:"low24h"`
		VolCcy24h string `json:"volCcy24h"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("fetch ticker %s: empty payload", symbol)
	}
	r := rows[0]
	return &core.Ticker{
		Last:           mustDecimal(r.Last),
		Bid:            mustDecimal(r.BidPx),
		Ask:            mustDecimal(r.AskPx),
		High24h:        mustDecimal(r.High24h),
		Low24h:         mustDecimal(r.Low24h),
		QuoteVolume24h: mustDecimal(r.VolCcy24h),
	}, nil
}

// FetchOrderBookTop returns the best bid and ask.
func (e *Exchange) FetchOrderBookTop(ctx context.Context, symbol core.Symbol, depth int) (*core.OrderBookTop, error) {
	if depth <= 0 {
		depth = 5
	}
	data, err := e.call(ctx, http.MethodGet, "/api/v5/market/books", map[string]string{
		"instId": instID(symbol),
		"sz":     fmt.Sprintf("%d", depth),
	}, nil, false)
	if err != nil {
		return nil, fmt.Errorf("fetch depth %s: %w", symbol, err)
	}
	var rows []struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("fetch depth %s: empty payload", symbol)
	}
	book := rows[0]
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, apperrors.ErrEmptyOrderBook)
	}
	return &core.OrderBookTop{
		BestBid: mustDecimal(book.Bids[0][0]),
		BestAsk: mustDecimal(book.Asks[0][0]),
	}, nil
}

// FetchOHLCV returns up to limit candles, oldest first.
func (e *Exchange) FetchOHLCV(ctx context.Context, symbol core.Symbol, timeframe string, limit int) ([]core.Candle, error) {
	data, err := e.call(ctx, http.MethodGet, "/api/v5/market/candles", map[string]string{
		"instId": instID(symbol),
		"bar":    bar(timeframe),
		"limit":  fmt.Sprintf("%d", limit),
	}, nil, false)
	if err != nil {
		return nil, fmt.Errorf("fetch candles %s: %w", symbol, err)
	}
	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("fetch candles %s: %w", symbol, err)
	}

	// OKX returns newest first.
	candles := make([]core.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if len(row) < 6 {
			continue
		}
		ts, err := decimal.NewFromString(row[0])
		if err != nil {
			continue
		}
		candles = append(candles, core.Candle{
			OpenTime: ts.IntPart(),
			Open:     mustDecimal(row[1]),
			High:     mustDecimal(row[2]),
			Low:      mustDecimal(row[3]),
			Close:    mustDecimal(row[4]),
			Volume:   mustDecimal(row[5]),
		})
	}
	return candles, nil
}

// FetchSpotBalance returns the cached spot snapshot.
func (e *Exchange) FetchSpotBalance(ctx context.Context) core.Balance {
	return e.CachedSpotBalance(ctx, e.fetchSpotBalance)
}

func (e *Exchange) fetchSpotBalance(ctx context.Context) (core.Balance, error) {
	data, err := e.call(ctx, http.MethodGet, "/api/v5/account/balance", nil, nil, true)
	if err != nil {
		return core.Balance{}, err
	}
	var rows []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
			FrozenBal string `json:"frozenBal"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return core.Balance{}, fmt.Errorf("balance: empty payload")
	}

	bal := core.NewBalance()
	for _, d := range rows[0].Details {
		free := mustDecimal(d.AvailBal)
		used := mustDecimal(d.FrozenBal)
		if free.IsZero() && used.IsZero() {
			continue
		}
		bal.Free[d.Ccy] = free
		bal.Used[d.Ccy] = used
		bal.Total[d.Ccy] = free.Add(used)
	}
	return bal, nil
}

// FetchFundingBalance always returns an empty snapshot; the capability is
// not advertised.
func (e *Exchange) FetchFundingBalance(ctx context.Context) core.FundingBalance {
	return core.FundingBalance{}
}

// CreateLimitOrder places a cash limit order.
func (e *Exchange) CreateLimitOrder(ctx context.Context, symbol core.Symbol, side core.OrderSide, amount, price decimal.Decimal) (*core.Order, error) {
	return e.placeOrder(ctx, symbol, side, "limit", amount, price)
}

// CreateMarketOrder places a cash market order by base amount.
func (e *Exchange) CreateMarketOrder(ctx context.Context, symbol core.Symbol, side core.OrderSide, amount decimal.Decimal) (*core.Order, error) {
	return e.placeOrder(ctx, symbol, side, "market", amount, decimal.Zero)
}

func (e *Exchange) placeOrder(ctx context.Context, symbol core.Symbol, side core.OrderSide, ordType string, amount, price decimal.Decimal) (*core.Order, error) {
	req := map[string]string{
		"instId": instID(symbol),
		"tdMode": "cash",
		"side":   string(side),
		// OKX client order ids are alphanumeric, 32 chars max.
		"clOrdId": strings.ReplaceAll(uuid.NewString(), "-", ""),
		"ordType": ordType,
		"sz":      amount.String(),
	}
	if ordType == "limit" {
		req["px"] = price.String()
	} else if side == core.Buy {
		// Market buys size in base units, same as sells.
		req["tgtCcy"] = "base_ccy"
	}
	data, err := e.call(ctx, http.MethodPost, "/api/v5/trade/order", nil, req, true)
	if err != nil {
		return nil, fmt.Errorf("create %s order %s %s: %w", ordType, side, symbol, err)
	}
	var rows []struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("create order %s: empty payload", symbol)
	}
	if rows[0].SCode != "0" {
		return nil, mapCode(rows[0].SCode, rows[0].SMsg)
	}
	e.InvalidateBalances()
	return e.FetchOrder(ctx, rows[0].OrdID, symbol)
}

// CancelOrder cancels a live order.
func (e *Exchange) CancelOrder(ctx context.Context, orderID string, symbol core.Symbol) error {
	data, err := e.call(ctx, http.MethodPost, "/api/v5/trade/cancel-order", nil, map[string]string{
		"instId": instID(symbol),
		"ordId":  orderID,
	}, true)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	var rows []struct {
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := json.Unmarshal(data, &rows); err == nil && len(rows) > 0 && rows[0].SCode != "0" {
		return fmt.Errorf("cancel order %s: %w", orderID, mapCode(rows[0].SCode, rows[0].SMsg))
	}
	e.InvalidateBalances()
	return nil
}

// FetchOrder returns the current state of one order.
func (e *Exchange) FetchOrder(ctx context.Context, orderID string, symbol core.Symbol) (*core.Order, error) {
	data, err := e.call(ctx, http.MethodGet, "/api/v5/trade/order", map[string]string{
		"instId": instID(symbol),
		"ordId":  orderID,
	}, nil, true)
	if err != nil {
		return nil, fmt.Errorf("fetch order %s: %w", orderID, err)
	}
	orders, err := parseOrders(data, symbol)
	if err != nil || len(orders) == 0 {
		return nil, fmt.Errorf("fetch order %s: %w", orderID, apperrors.ErrOrderNotFound)
	}
	return orders[0], nil
}

// FetchOpenOrders returns the live orders for a pair.
func (e *Exchange) FetchOpenOrders(ctx context.Context, symbol core.Symbol) ([]*core.Order, error) {
	data, err := e.call(ctx, http.MethodGet, "/api/v5/trade/orders-pending", map[string]string{
		"instId": instID(symbol),
	}, nil, true)
	if err != nil {
		return nil, fmt.Errorf("fetch open orders %s: %w", symbol, err)
	}
	return parseOrders(data, symbol)
}

// FetchMyTrades returns recent executions, oldest first.
func (e *Exchange) FetchMyTrades(ctx context.Context, symbol core.Symbol, limit int) ([]core.Fill, error) {
	if limit <= 0 {
		limit = 50
	}
	data, err := e.call(ctx, http.MethodGet, "/api/v5/trade/fills", map[string]string{
		"instId": instID(symbol),
		"limit":  fmt.Sprintf("%d", limit),
	}, nil, true)
	if err != nil {
		return nil, fmt.Errorf("fetch trades %s: %w", symbol, err)
	}
	var rows []struct {
		OrdID  string `json:"ordId"`
		Side   string `json:"side"`
		FillPx string `json:"fillPx"`
		FillSz string `json:"fillSz"`
		TS     string `json:"ts"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}

	fills := make([]core.Fill, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		ts, _ := decimal.NewFromString(row.TS)
		fills = append(fills, core.Fill{
			OrderID:   row.OrdID,
			Symbol:    symbol,
			Side:      core.OrderSide(row.Side),
			Price:     mustDecimal(row.FillPx),
			Amount:    mustDecimal(row.FillSz),
			Timestamp: ts.IntPart(),
		})
	}
	return fills, nil
}

// TransferSpotToFunding is not supported on this venue.
func (e *Exchange) TransferSpotToFunding(ctx context.Context, asset string, amount decimal.Decimal) error {
	return apperrors.ErrUnsupportedFeature
}

// TransferFundingToSpot is not supported on this venue.
func (e *Exchange) TransferFundingToSpot(ctx context.Context, asset string, amount decimal.Decimal) error {
	return apperrors.ErrUnsupportedFeature
}

// TotalAccountValue sums spot holdings priced in the quote asset.
func (e *Exchange) TotalAccountValue(ctx context.Context, quote string) (decimal.Decimal, error) {
	cacheKey := "total:" + quote
	if v, ok := e.ValueCache.Get(cacheKey); ok {
		return v, nil
	}

	total := decimal.Zero
	spot := e.FetchSpotBalance(ctx)
	for asset, amt := range spot.Total {
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

// Close releases adapter resources.
func (e *Exchange) Close() error {
	return nil
}

func parseOrders(data json.RawMessage, symbol core.Symbol) ([]*core.Order, error) {
	var rows []struct {
		OrdID     string `json:"ordId"`
		ClOrdID   string `json:"clOrdId"`
		Px        string `json:"px"`
		Sz        string `json:"sz"`
		AccFillSz string `json:"accFillSz"`
		AvgPx     string `json:"avgPx"`
		State     string `json:"state"`
		OrdType   string `json:"ordType"`
		Side      string `json:"side"`
		UTime     string `json:"uTime"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse orders: %w", err)
	}
	orders := make([]*core.Order, 0, len(rows))
	for _, row := range rows {
		utime, _ := decimal.NewFromString(row.UTime)
		orders = append(orders, &core.Order{
			ID:        row.OrdID,
			ClientID:  row.ClOrdID,
			Symbol:    symbol,
			Side:      core.OrderSide(row.Side),
			Type:      row.OrdType,
			Price:     mustDecimal(row.Px),
			Amount:    mustDecimal(row.Sz),
			Filled:    mustDecimal(row.AccFillSz),
			AvgPrice:  mustDecimal(row.AvgPx),
			Status:    mapState(row.State),
			UpdatedAt: utime.IntPart(),
		})
	}
	return orders, nil
}

func mapState(state string) core.OrderStatus {
	switch state {
	case "live":
		return core.OrderNew
	case "partially_filled":
		return core.OrderPartiallyFilled
	case "filled":
		return core.OrderFilled
	case "canceled", "mmp_canceled":
		return core.OrderCanceled
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
