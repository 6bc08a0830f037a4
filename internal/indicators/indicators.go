package indicators

import (
	"math"
	"time"
)

// Bar is the OHLCV input every series function consumes. Bars must be closed,
// in ascending time order, with no gaps the caller cares about.
type Bar struct {
	TS     time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// All functions return a slice the same length as their input. Positions where
// the window is not yet satisfied hold NaN and must never feed downstream
// logic. Re-running any function on the same bars yields bit-identical output.

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA computes a simple moving average.
func SMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA computes an exponential moving average with alpha = 2/(period+1),
// seeded by the simple mean of the first period values.
func EMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	seed := 0.0
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	seed /= float64(period)
	out[period-1] = seed

	alpha := 2.0 / float64(period+1)
	ema := seed
	for i := period; i < len(values); i++ {
		ema = values[i]*alpha + ema*(1-alpha)
		out[i] = ema
	}
	return out
}

// WMA computes a linearly weighted moving average.
func WMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	denom := float64(period*(period+1)) / 2
	for i := period - 1; i < len(values); i++ {
		sum := 0.0
		for j := 0; j < period; j++ {
			sum += values[i-period+1+j] * float64(j+1)
		}
		out[i] = sum / denom
	}
	return out
}

// HMA computes the Hull moving average: WMA(2*WMA(n/2) - WMA(n), sqrt(n)).
func HMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 1 || len(values) < period {
		return out
	}
	half := WMA(values, period/2)
	full := WMA(values, period)

	diff := nanSlice(len(values))
	for i := range values {
		if !math.IsNaN(half[i]) && !math.IsNaN(full[i]) {
			diff[i] = 2*half[i] - full[i]
		}
	}

	sqrtN := int(math.Round(math.Sqrt(float64(period))))
	// The diff series leads with NaN; WMA over it would poison the window, so
	// the final smoothing runs on the defined suffix only.
	start := period - 1
	if start >= len(values) {
		return out
	}
	smoothed := WMA(diff[start:], sqrtN)
	for i, v := range smoothed {
		out[start+i] = v
	}
	return out
}

// ============================================================================
// OSCILLATORS
// ============================================================================

// RSI computes the relative strength index with Wilder smoothing.
func RSI(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period+1 {
		return out
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += -change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// StochRSI computes the stochastic of RSI, smoothed by an SMA of smoothK.
// Output is in [0, 1].
func StochRSI(values []float64, rsiPeriod, stochPeriod, smoothK int) []float64 {
	out := nanSlice(len(values))
	rsi := RSI(values, rsiPeriod)

	raw := nanSlice(len(values))
	for i := range rsi {
		if math.IsNaN(rsi[i]) || i < rsiPeriod+stochPeriod-1 {
			continue
		}
		lo, hi := math.Inf(1), math.Inf(-1)
		ok := true
		for j := i - stochPeriod + 1; j <= i; j++ {
			if math.IsNaN(rsi[j]) {
				ok = false
				break
			}
			lo = math.Min(lo, rsi[j])
			hi = math.Max(hi, rsi[j])
		}
		if !ok {
			continue
		}
		if hi == lo {
			raw[i] = 0
		} else {
			raw[i] = (rsi[i] - lo) / (hi - lo)
		}
	}

	for i := range raw {
		if i < smoothK-1 {
			continue
		}
		sum, ok := 0.0, true
		for j := i - smoothK + 1; j <= i; j++ {
			if math.IsNaN(raw[j]) {
				ok = false
				break
			}
			sum += raw[j]
		}
		if ok {
			out[i] = sum / float64(smoothK)
		}
	}
	return out
}

// ROC computes the rate of change over period bars, in percent.
func ROC(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	for i := period; i < len(values); i++ {
		if values[i-period] != 0 {
			out[i] = (values[i] - values[i-period]) / values[i-period] * 100
		}
	}
	return out
}

// ============================================================================
// VOLATILITY
// ============================================================================

// TrueRange returns the true range series. Index 0 uses high-low alone.
func TrueRange(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		if i == 0 {
			out[i] = b.High - b.Low
			continue
		}
		prevClose := bars[i-1].Close
		out[i] = math.Max(b.High-b.Low, math.Max(math.Abs(b.High-prevClose), math.Abs(b.Low-prevClose)))
	}
	return out
}

// ATR computes the average true range with Wilder smoothing, seeded by the
// simple mean of the first period true ranges. Strictly positive after
// warm-up for any bar with nonzero range.
func ATR(bars []Bar, period int) []float64 {
	out := nanSlice(len(bars))
	if period <= 0 || len(bars) < period+1 {
		return out
	}
	tr := TrueRange(bars)

	seed := 0.0
	for i := 1; i <= period; i++ {
		seed += tr[i]
	}
	atr := seed / float64(period)
	out[period] = atr

	for i := period + 1; i < len(bars); i++ {
		atr = (atr*float64(period-1) + tr[i]) / float64(period)
		out[i] = atr
	}
	return out
}

// Bollinger computes SMA(period) bands at k standard deviations.
// Invariant: lower <= mid <= upper wherever defined.
func Bollinger(values []float64, period int, k float64) (upper, mid, lower []float64) {
	upper = nanSlice(len(values))
	mid = SMA(values, period)
	lower = nanSlice(len(values))

	for i := period - 1; i < len(values); i++ {
		variance := 0.0
		for j := i - period + 1; j <= i; j++ {
			diff := values[j] - mid[i]
			variance += diff * diff
		}
		stdev := math.Sqrt(variance / float64(period))
		upper[i] = mid[i] + k*stdev
		lower[i] = mid[i] - k*stdev
	}
	return upper, mid, lower
}

// ============================================================================
// CHANNELS
// ============================================================================

// Donchian computes the rolling max high and min low over the previous period
// bars, excluding the current bar so a breakout compares today's close against
// yesterday's channel. Invariant: lower <= upper wherever defined.
func Donchian(bars []Bar, period int) (upper, lower []float64) {
	upper = nanSlice(len(bars))
	lower = nanSlice(len(bars))
	for i := period; i < len(bars); i++ {
		hi, lo := math.Inf(-1), math.Inf(1)
		for j := i - period; j < i; j++ {
			hi = math.Max(hi, bars[j].High)
			lo = math.Min(lo, bars[j].Low)
		}
		upper[i] = hi
		lower[i] = lo
	}
	return upper, lower
}

// ============================================================================
// VOLUME
// ============================================================================

// OBV computes on-balance volume, starting at zero.
func OBV(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		switch {
		case bars[i].Close > bars[i-1].Close:
			out[i] = out[i-1] + bars[i].Volume
		case bars[i].Close < bars[i-1].Close:
			out[i] = out[i-1] - bars[i].Volume
		default:
			out[i] = out[i-1]
		}
	}
	return out
}

// CMF computes Chaikin money flow over period bars; values fall in [-1, 1].
func CMF(bars []Bar, period int) []float64 {
	out := nanSlice(len(bars))
	if period <= 0 || len(bars) < period {
		return out
	}

	mfv := make([]float64, len(bars))
	for i, b := range bars {
		if b.High != b.Low {
			mult := ((b.Close - b.Low) - (b.High - b.Close)) / (b.High - b.Low)
			mfv[i] = mult * b.Volume
		}
	}

	for i := period - 1; i < len(bars); i++ {
		sumMFV, sumVol := 0.0, 0.0
		for j := i - period + 1; j <= i; j++ {
			sumMFV += mfv[j]
			sumVol += bars[j].Volume
		}
		if sumVol != 0 {
			out[i] = sumMFV / sumVol
		}
	}
	return out
}

// RVOL computes volume relative to its period-bar simple mean.
func RVOL(bars []Bar, period int) []float64 {
	out := nanSlice(len(bars))
	volumes := make([]float64, len(bars))
	for i, b := range bars {
		volumes[i] = b.Volume
	}
	avg := SMA(volumes, period)
	for i := range bars {
		if !math.IsNaN(avg[i]) && avg[i] != 0 {
			out[i] = volumes[i] / avg[i]
		}
	}
	return out
}

// ============================================================================
// TREND STRENGTH
// ============================================================================

// ADX computes Wilder's average directional index, in [0, 100]. Defined from
// index 2*period-1 onward.
func ADX(bars []Bar, period int) []float64 {
	out := nanSlice(len(bars))
	if period <= 0 || len(bars) < 2*period+1 {
		return out
	}

	tr := TrueRange(bars)
	plusDM := make([]float64, len(bars))
	minusDM := make([]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		up := bars[i].High - bars[i-1].High
		down := bars[i-1].Low - bars[i].Low
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	// Wilder smoothing seeded by plain sums of the first period values.
	smTR, smPlus, smMinus := 0.0, 0.0, 0.0
	for i := 1; i <= period; i++ {
		smTR += tr[i]
		smPlus += plusDM[i]
		smMinus += minusDM[i]
	}

	dx := nanSlice(len(bars))
	dx[period] = dxValue(smPlus, smMinus, smTR)
	for i := period + 1; i < len(bars); i++ {
		smTR = smTR - smTR/float64(period) + tr[i]
		smPlus = smPlus - smPlus/float64(period) + plusDM[i]
		smMinus = smMinus - smMinus/float64(period) + minusDM[i]
		dx[i] = dxValue(smPlus, smMinus, smTR)
	}

	seed := 0.0
	for i := period; i < 2*period; i++ {
		seed += dx[i]
	}
	adx := seed / float64(period)
	out[2*period-1] = adx
	for i := 2 * period; i < len(bars); i++ {
		adx = (adx*float64(period-1) + dx[i]) / float64(period)
		out[i] = adx
	}
	return out
}

func dxValue(plus, minus, tr float64) float64 {
	if tr == 0 {
		return 0
	}
	pdi := 100 * plus / tr
	mdi := 100 * minus / tr
	if pdi+mdi == 0 {
		return 0
	}
	return 100 * math.Abs(pdi-mdi) / (pdi + mdi)
}

// ============================================================================
// VWAP
// ============================================================================

// SessionVWAP computes volume-weighted average price, resetting the
// accumulation at each UTC midnight.
func SessionVWAP(bars []Bar) []float64 {
	out := nanSlice(len(bars))
	var sumPV, sumV float64
	var session time.Time

	for i, b := range bars {
		day := b.TS.UTC().Truncate(24 * time.Hour)
		if i == 0 || !day.Equal(session) {
			session = day
			sumPV, sumV = 0, 0
		}
		typical := (b.High + b.Low + b.Close) / 3
		sumPV += typical * b.Volume
		sumV += b.Volume
		if sumV != 0 {
			out[i] = sumPV / sumV
		}
	}
	return out
}

// AVWAP computes VWAP anchored at the most recent Donchian-upper breakout
// bar, re-anchoring every time a new breakout occurs. Bars before the first
// breakout fall back to session VWAP.
func AVWAP(bars []Bar, donchianPeriod int) []float64 {
	out := SessionVWAP(bars)
	upper, _ := Donchian(bars, donchianPeriod)

	var sumPV, sumV float64
	anchored := false
	for i, b := range bars {
		if !math.IsNaN(upper[i]) && b.Close > upper[i] {
			anchored = true
			sumPV, sumV = 0, 0
		}
		if !anchored {
			continue
		}
		typical := (b.High + b.Low + b.Close) / 3
		sumPV += typical * b.Volume
		sumV += b.Volume
		if sumV != 0 {
			out[i] = sumPV / sumV
		}
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
