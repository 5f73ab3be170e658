package mathutil

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRoundPrice(t *testing.T) {
	price := decimal.NewFromFloat(123.4567)
	assert.Equal(t, "123.46", RoundPrice(price, 2).String())
	assert.Equal(t, "123", RoundPrice(price, 0).String())
}

func TestFloorAmountNeverRoundsUp(t *testing.T) {
	amount := decimal.NewFromFloat(0.129999)
	assert.Equal(t, "0.12", FloorAmount(amount, 2).String())
	assert.Equal(t, "0.1299", FloorAmount(amount, 4).String())
}

func TestFormatTransferIdempotent(t *testing.T) {
	amount := decimal.NewFromFloat(15.6789)
	once := FormatTransfer(amount, 2)
	twice := FormatTransfer(once, 2)
	assert.True(t, once.Equal(twice))
	assert.Equal(t, "15.67", once.String())
}

func TestClampFloat(t *testing.T) {
	assert.Equal(t, 1.0, ClampFloat(0.5, 1.0, 4.0))
	assert.Equal(t, 4.0, ClampFloat(5.0, 1.0, 4.0))
	assert.Equal(t, 2.5, ClampFloat(2.5, 1.0, 4.0))
}
