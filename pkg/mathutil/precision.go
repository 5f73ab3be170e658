// Package mathutil provides precision and formatting helpers for order
// sizing and savings transfers.
package mathutil

import "github.com/shopspring/decimal"

// RoundPrice rounds a price half-up to the venue's price precision.
func RoundPrice(price decimal.Decimal, precision int) decimal.Decimal {
	return price.Round(int32(precision))
}

// FloorAmount truncates an amount to the venue's amount precision. Order
// amounts always round down so a rounded order never exceeds the funds it
// was sized against.
func FloorAmount(amount decimal.Decimal, precision int) decimal.Decimal {
	return amount.RoundDown(int32(precision))
}

// FormatTransfer truncates a savings transfer amount to the per-asset
// precision. Applying it twice yields the same value.
func FormatTransfer(amount decimal.Decimal, precision int) decimal.Decimal {
	return amount.RoundDown(int32(precision))
}

// ClampFloat bounds v to [min, max].
func ClampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
