// Package volatility implements the hybrid volatility estimator that drives
// dynamic grid sizing.
package volatility

import (
	"math"

	"gridtrader/internal/config"
	"gridtrader/internal/core"
	"gridtrader/pkg/mathutil"
)

// Fallback is returned by the traditional leg when there is not enough
// history to compute a sample deviation.
const Fallback = 0.20

// Annualization factors. The traditional leg runs on 4h bars (6 per day);
// the EWMA leg follows the daily-bar convention.
var (
	annualTraditional = math.Sqrt(365 * 6)
	annualEWMA        = math.Sqrt(252)
)

// Traditional computes annualized volatility from the sample standard
// deviation of log returns over the candle closes. With volume weighting
// each return is scaled by its bar's volume relative to the mean volume.
func Traditional(candles []core.Candle, volumeWeighting bool) float64 {
	if len(candles) < 3 {
		return Fallback
	}

	returns := make([]float64, 0, len(candles)-1)
	volumes := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev, _ := candles[i-1].Close.Float64()
		cur, _ := candles[i].Close.Float64()
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
		v, _ := candles[i].Volume.Float64()
		volumes = append(volumes, v)
	}
	if len(returns) < 2 {
		return Fallback
	}

	if volumeWeighting {
		meanVol := 0.0
		for _, v := range volumes {
			meanVol += v
		}
		meanVol /= float64(len(volumes))
		if meanVol > 0 {
			for i := range returns {
				returns[i] *= volumes[i] / meanVol
			}
		}
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)

	return math.Sqrt(variance) * annualTraditional
}

// EWMA tracks an exponentially weighted variance of squared log returns.
// Its state is persisted with the engine so restarts keep the decay warm.
type EWMA struct {
	lambda      float64
	lastPrice   float64
	variance    float64
	initialized bool
}

// NewEWMA creates a cold estimator.
func NewEWMA(lambda float64) *EWMA {
	return &EWMA{lambda: lambda}
}

// RestoreEWMA rebuilds an estimator from persisted state.
func RestoreEWMA(lambda, lastPrice, variance float64, initialized bool) *EWMA {
	return &EWMA{
		lambda:      lambda,
		lastPrice:   lastPrice,
		variance:    variance,
		initialized: initialized,
	}
}

// Observe folds one price into the variance. The first observation only
// records the price; the second seeds the variance; from then on the decay
// applies. ready is false until the estimator has a variance.
func (e *EWMA) Observe(price float64) (annualized float64, ready bool) {
	if price <= 0 {
		return 0, e.ready()
	}
	if e.lastPrice <= 0 {
		e.lastPrice = price
		return 0, false
	}

	r := math.Log(price / e.lastPrice)
	r2 := r * r
	e.lastPrice = price

	if !e.initialized {
		e.variance = r2
		e.initialized = true
	} else {
		e.variance = e.lambda*e.variance + (1-e.lambda)*r2
	}
	return e.Value(), true
}

func (e *EWMA) ready() bool {
	return e.initialized
}

// Value returns the current annualized volatility, 0 when not ready.
func (e *EWMA) Value() float64 {
	if !e.initialized {
		return 0
	}
	return math.Sqrt(e.variance) * annualEWMA
}

// State exposes the persisted fields.
func (e *EWMA) State() (lastPrice, variance float64, initialized bool) {
	return e.lastPrice, e.variance, e.initialized
}

// Estimator blends the traditional and EWMA legs and smooths the result
// over a short window before it is used for sizing.
type Estimator struct {
	params config.VolatilityParams
	ewma   *EWMA
	window []float64
}

// New creates an estimator around an EWMA leg (possibly restored).
func New(params config.VolatilityParams, ewma *EWMA) *Estimator {
	return &Estimator{params: params, ewma: ewma}
}

// EWMALeg returns the wrapped EWMA estimator for state persistence.
func (e *Estimator) EWMALeg() *EWMA {
	return e.ewma
}

// ObservePrice folds one price into the EWMA leg. Called on every observed
// price so the decay tracks the tape, not the sampling cadence.
func (e *Estimator) ObservePrice(price float64) {
	e.ewma.Observe(price)
}

// Sample blends the traditional leg with the current EWMA value into a
// hybrid sample and appends it to the smoothing window.
func (e *Estimator) Sample(candles []core.Candle) float64 {
	trad := Traditional(candles, e.params.VolumeWeighting)

	hybrid := trad
	if e.ewma.ready() {
		w := e.params.HybridWeight
		hybrid = w*e.ewma.Value() + (1-w)*trad
	}

	e.window = append(e.window, hybrid)
	if len(e.window) > e.params.SmoothingWindow {
		e.window = e.window[len(e.window)-e.params.SmoothingWindow:]
	}
	return hybrid
}

// Observe is ObservePrice followed by Sample, for call sites that fold a
// price and take a sample in one step.
func (e *Estimator) Observe(candles []core.Candle, price float64) float64 {
	e.ewma.Observe(price)
	return e.Sample(candles)
}

// Smoothed returns the mean of the smoothing window. ok is false until the
// window is full; sizing must not react before then.
func (e *Estimator) Smoothed() (float64, bool) {
	if len(e.window) < e.params.SmoothingWindow {
		return 0, false
	}
	sum := 0.0
	for _, v := range e.window {
		sum += v
	}
	return sum / float64(len(e.window)), true
}

// History returns a copy of the smoothing window, oldest first.
func (e *Estimator) History() []float64 {
	out := make([]float64, len(e.window))
	copy(out, e.window)
	return out
}

// RestoreHistory seeds the smoothing window from persisted samples.
func (e *Estimator) RestoreHistory(samples []float64) {
	if len(samples) > e.params.SmoothingWindow {
		samples = samples[len(samples)-e.params.SmoothingWindow:]
	}
	e.window = append(e.window[:0], samples...)
}

// TargetGrid maps a smoothed volatility to a grid size in percent using the
// continuous formula, clamped to the configured bounds.
func TargetGrid(smoothedVol float64, cont config.GridContinuousParams, bounds config.GridParams) float64 {
	g := cont.BaseGrid + cont.K*(smoothedVol-cont.VolCenter)
	return mathutil.ClampFloat(g, bounds.Min, bounds.Max)
}
