package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSymbol(t *testing.T) {
	sym, err := ParseSymbol(" bnb/usdt ")
	require.NoError(t, err)
	assert.Equal(t, Symbol{Base: "BNB", Quote: "USDT"}, sym)
	assert.Equal(t, "BNB/USDT", sym.String())
	assert.Equal(t, "BNBUSDT", sym.Venue())

	for _, bad := range []string{"", "BNB", "BNB/", "/USDT", "a/b/c"} {
		_, err := ParseSymbol(bad)
		assert.Error(t, err, bad)
	}
}

func TestRiskStateAllows(t *testing.T) {
	assert.True(t, AllowAll.Allows(Buy))
	assert.True(t, AllowAll.Allows(Sell))
	assert.True(t, AllowBuyOnly.Allows(Buy))
	assert.False(t, AllowBuyOnly.Allows(Sell))
	assert.True(t, AllowSellOnly.Allows(Sell))
	assert.False(t, AllowSellOnly.Allows(Buy))
}

func TestOrderFillPrice(t *testing.T) {
	o := &Order{Price: decimal.NewFromInt(100)}
	assert.Equal(t, "100", o.FillPrice().String())

	o.AvgPrice = decimal.NewFromFloat(99.5)
	assert.Equal(t, "99.5", o.FillPrice().String())
}

func TestOrderStatusPredicates(t *testing.T) {
	assert.True(t, OrderFilled.Closed())
	assert.False(t, OrderPartiallyFilled.Closed())
	assert.True(t, OrderNew.Open())
	assert.True(t, OrderPartiallyFilled.Open())
	assert.False(t, OrderCanceled.Open())
}

func TestBalanceAccessorsZeroWhenAbsent(t *testing.T) {
	b := NewBalance()
	assert.True(t, b.FreeOf("BNB").IsZero())
	assert.True(t, b.TotalOf("BNB").IsZero())
}

func TestOppositeSide(t *testing.T) {
	assert.Equal(t, Sell, Buy.Opposite())
	assert.Equal(t, Buy, Sell.Opposite())
}
