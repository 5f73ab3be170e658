package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrader/internal/apperrors"
	"gridtrader/internal/config"
	"gridtrader/internal/core"
	"gridtrader/internal/logging"
)

var testSymbol = core.Symbol{Base: "BNB", Quote: "USDT"}

func testConfig() *config.Config {
	return &config.Config{
		Exchange: "okx",
		Credentials: map[string]config.Credentials{
			"okx": {APIKey: "test-key", APISecret: "test-secret", Passphrase: "test-pass"},
		},
		Symbols:    []core.Symbol{testSymbol},
		QuoteAsset: "USDT",
		Timing: config.Timing{
			RequestTimeout:  2 * time.Second,
			MarketRetryMax:  1,
			BalanceCacheTTL: time.Minute,
			ValueCacheTTL:   time.Minute,
		},
	}
}

func newTestExchange(t *testing.T, handler http.Handler) *Exchange {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	e, err := New(testConfig(), logging.NewNop())
	require.NoError(t, err)
	e.Client.SetBaseURL(srv.URL)
	return e
}

func TestNewRequiresCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.Credentials = nil

	_, err := New(cfg, logging.NewNop())
	assert.ErrorIs(t, err, apperrors.ErrAuthenticationFailed)
}

func TestSupportsNeverAdvertisesFunding(t *testing.T) {
	e, err := New(testConfig(), logging.NewNop())
	require.NoError(t, err)
	assert.True(t, e.Supports(core.FeatureSpotTrading))
	assert.False(t, e.Supports(core.FeatureFunding))
}

func TestSignerSetsHeaders(t *testing.T) {
	sg := &signer{
		apiKey:     "test-key",
		secret:     "test-secret",
		passphrase: "test-pass",
		now:        func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) },
	}

	req := httptest.NewRequest(http.MethodGet, "https://example.com/api/v5/account/balance?ccy=USDT", nil)
	require.NoError(t, sg.SignRequest(req))

	assert.Equal(t, "test-key", req.Header.Get("OK-ACCESS-KEY"))
	assert.Equal(t, "test-pass", req.Header.Get("OK-ACCESS-PASSPHRASE"))
	ts := req.Header.Get("OK-ACCESS-TIMESTAMP")
	assert.Equal(t, "2024-06-01T12:00:00.000Z", ts)
	assert.Empty(t, req.Header.Get("x-simulated-trading"))

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(ts + http.MethodGet + "/api/v5/account/balance?ccy=USDT"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), req.Header.Get("OK-ACCESS-SIGN"))
}

func TestSignerMarksDemoTrading(t *testing.T) {
	sg := &signer{demo: true, now: time.Now}
	req := httptest.NewRequest(http.MethodGet, "https://example.com/api/v5/public/time", nil)
	require.NoError(t, sg.SignRequest(req))
	assert.Equal(t, "1", req.Header.Get("x-simulated-trading"))
}

func TestSyncTime(t *testing.T) {
	e := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v5/public/time", r.URL.Path)
		fmt.Fprintf(w, `{"code":"0","msg":"","data":[{"ts":"%d"}]}`, time.Now().Add(3*time.Second).UnixMilli())
	}))

	require.NoError(t, e.SyncTime(context.Background()))
	assert.InDelta(t, 3000, e.TimeOffset().Milliseconds(), 500)
}

func TestLoadMarkets(t *testing.T) {
	e := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v5/public/instruments", r.URL.Path)
		assert.Equal(t, "SPOT", r.URL.Query().Get("instType"))
		fmt.Fprint(w, `{"code":"0","msg":"","data":[
			{"instId":"BNB-USDT","state":"live","tickSz":"0.01","lotSz":"0.001","minSz":"0.001","maxLmtSz":"9000"}
		]}`)
	}))

	require.NoError(t, e.LoadMarkets(context.Background()))
	spec := e.GetMarketSpec(testSymbol)
	assert.Equal(t, 2, spec.PricePrecision)
	assert.Equal(t, 3, spec.AmountPrecision)
	assert.True(t, spec.MinAmount.Equal(decimal.NewFromFloat(0.001)))
}

func TestEnvelopeErrorsSurfaceOn200(t *testing.T) {
	e := newTestExchange(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// OKX reports failures inside a 200 envelope.
		fmt.Fprint(w, `{"code":"51001","msg":"Instrument ID does not exist","data":[]}`)
	}))

	_, err := e.FetchTicker(context.Background(), testSymbol)
	assert.ErrorIs(t, err, apperrors.ErrInvalidSymbol)
}

func TestMapCode(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"50111", apperrors.ErrAuthenticationFailed},
		{"50103", apperrors.ErrAuthenticationFailed},
		{"51008", apperrors.ErrInsufficientFunds},
		{"51400", apperrors.ErrOrderNotFound},
		{"51603", apperrors.ErrOrderNotFound},
		{"50011", apperrors.ErrRateLimitExceeded},
		{"50102", apperrors.ErrTimestampOutOfBounds},
		{"51001", apperrors.ErrInvalidSymbol},
		{"51000", apperrors.ErrOrderRejected},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			assert.ErrorIs(t, mapCode(tc.code, "msg"), tc.want)
		})
	}
}

func TestBarLabel(t *testing.T) {
	assert.Equal(t, "15m", bar("15m"))
	assert.Equal(t, "4H", bar("4h"))
	assert.Equal(t, "1D", bar("1d"))
}

func TestInstID(t *testing.T) {
	assert.Equal(t, "BNB-USDT", instID(testSymbol))
}
