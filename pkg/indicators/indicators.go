// Package indicators derives the per-bar indicator columns from raw daily
// OHLCV candles.
//
// The heavy lifting is go-talib; this package handles the warm-up masking
// (talib fills warm-up slots with zeros, the tables carry NaN) and the
// ratio columns built on top of the talib outputs.
package indicators

import (
	"errors"
	"fmt"
	"math"

	"github.com/algomatic/m18/pkg/types"
	"github.com/markcheno/go-talib"
)

// Indicator periods.
const (
	ADXPeriod    = 14
	ATRPeriod    = 14
	ATRFast      = 3
	RSIPeriod    = 14
	StochPeriod  = 14
	StochSmooth  = 3
	MACDFast     = 12
	MACDSlow     = 26
	MACDSignal   = 9
	RollPeriod   = 20
	EMA5PctShift = 3
)

// ErrUnsorted is returned when candles are not strictly increasing by date.
var ErrUnsorted = errors.New("candles not strictly increasing by date")

// Generate computes the indicator bars for one symbol. Candles with a
// missing price or volume are dropped first; the rest must be in strictly
// increasing date order. Columns still in their warm-up window are NaN.
func Generate(symbol string, candles []types.Candle) ([]types.IndicatorBar, error) {
	clean := make([]types.Candle, 0, len(candles))
	for _, c := range candles {
		if c.Valid() {
			clean = append(clean, c)
		}
	}
	for i := 1; i < len(clean); i++ {
		if !clean[i].Date.After(clean[i-1].Date) {
			return nil, fmt.Errorf("%s at %s: %w", symbol, clean[i].Date.Format("2006-01-02"), ErrUnsorted)
		}
	}

	n := len(clean)
	if n == 0 {
		return nil, nil
	}
	open, high, low, closes, vol := make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n)
	for i, c := range clean {
		open[i], high[i], low[i], closes[i], vol[i] = c.Open, c.High, c.Low, c.Close, c.Volume
	}

	ema5 := rolling(closes, 5-1, func(x []float64) []float64 { return talib.Ema(x, 5) })
	ema10 := rolling(closes, 10-1, func(x []float64) []float64 { return talib.Ema(x, 10) })
	ema50 := rolling(closes, 50-1, func(x []float64) []float64 { return talib.Ema(x, 50) })
	ema100 := rolling(closes, 100-1, func(x []float64) []float64 { return talib.Ema(x, 100) })
	ema200 := rolling(closes, 200-1, func(x []float64) []float64 { return talib.Ema(x, 200) })

	adx := ohlc(high, low, closes, 2*ADXPeriod-1, func(h, l, c []float64) []float64 { return talib.Adx(h, l, c, ADXPeriod) })
	atr := ohlc(high, low, closes, ATRPeriod, func(h, l, c []float64) []float64 { return talib.Atr(h, l, c, ATRPeriod) })
	atr3 := ohlc(high, low, closes, ATRFast, func(h, l, c []float64) []float64 { return talib.Atr(h, l, c, ATRFast) })
	atrMean := rolling(atr, RollPeriod-1, func(x []float64) []float64 { return talib.Sma(x, RollPeriod) })

	closeMean := rolling(closes, RollPeriod-1, func(x []float64) []float64 { return talib.Sma(x, RollPeriod) })
	closeStd := sampleStd(closes, RollPeriod)

	obv := talib.Obv(closes, vol)
	obvMean := rolling(obv, RollPeriod-1, func(x []float64) []float64 { return talib.Sma(x, RollPeriod) })
	volMean := rolling(vol, RollPeriod-1, func(x []float64) []float64 { return talib.Sma(x, RollPeriod) })

	mfv := make([]float64, n)
	for i := range mfv {
		m := ((closes[i] - low[i]) - (high[i] - closes[i])) / (high[i] - low[i])
		if !types.Finite(m) {
			m = 0
		}
		mfv[i] = m * vol[i]
	}
	mfvSum := rolling(mfv, RollPeriod-1, func(x []float64) []float64 { return talib.Sum(x, RollPeriod) })
	volSum := rolling(vol, RollPeriod-1, func(x []float64) []float64 { return talib.Sum(x, RollPeriod) })

	rsi := rolling(closes, RSIPeriod, func(x []float64) []float64 { return talib.Rsi(x, RSIPeriod) })
	stoch := ohlc(high, low, closes, StochPeriod-1+StochSmooth-1, func(h, l, c []float64) []float64 {
		k, _ := talib.StochF(h, l, c, StochPeriod, StochSmooth, talib.SMA)
		return k
	})
	macdLook := MACDSlow - 1 + MACDSignal - 1
	var macd, signal []float64
	if n > macdLook {
		m, s, _ := talib.Macd(closes, MACDFast, MACDSlow, MACDSignal)
		macd, signal = mask(m, macdLook), mask(s, macdLook)
	} else {
		macd, signal = nans(n), nans(n)
	}

	out := make([]types.IndicatorBar, n)
	for i, c := range clean {
		b := types.NewIndicatorBar(symbol, c.Date)
		b.Open, b.High, b.Low, b.Close, b.Volume = open[i], high[i], low[i], closes[i], vol[i]

		b.EMA5, b.EMA10, b.EMA50, b.EMA100, b.EMA200 = ema5[i], ema10[i], ema50[i], ema100[i], ema200[i]
		if i >= EMA5PctShift {
			b.EMA5Pct = finiteOrNaN((ema5[i] - ema5[i-EMA5PctShift]) / ema5[i-EMA5PctShift] * 100)
		}
		if i >= 1 {
			b.EMA10Pct = pctChange(ema10[i-1], ema10[i])
			b.EMA50Pct = pctChange(ema50[i-1], ema50[i])
			b.EMA100Pct = pctChange(ema100[i-1], ema100[i])
			b.EMA200Pct = pctChange(ema200[i-1], ema200[i])
			b.VolSlope = pctChange(vol[i-1], vol[i])
		}
		b.ADX = adx[i]

		b.ATR, b.ATR3 = atr[i], atr3[i]
		b.ATRPct = finiteOrNaN(atr3[i] / closes[i])
		b.ATRRatio = finiteOrNaN(atr[i] / atrMean[i])
		b.StdDevPct = finiteOrNaN(closeStd[i] / closeMean[i] * 100)
		b.BBW = 4 * closeStd[i]
		b.Rng = finiteOrNaN((high[i] - low[i]) / closes[i] * 100)

		b.OBV = obv[i]
		b.OBVNorm = finiteOrNaN(obv[i] / obvMean[i])
		b.CMF = finiteOrNaN(mfvSum[i] / volSum[i])
		b.VolSpike = finiteOrNaN(vol[i] / volMean[i])
		b.VolToPrice = finiteOrNaN(vol[i] / closes[i])

		b.RSI, b.Stoch = rsi[i], stoch[i]
		b.MACD, b.MACDSignal = macd[i], signal[i]
		b.MACDSlope = macd[i] - signal[i]
		out[i] = b
	}
	return out, nil
}

// rolling applies fn to the finite tail of series (starting at its first
// finite value) and masks the first lookback outputs of that tail.
func rolling(series []float64, lookback int, fn func([]float64) []float64) []float64 {
	out := nans(len(series))
	start := 0
	for start < len(series) && !types.Finite(series[start]) {
		start++
	}
	tail := series[start:]
	if len(tail) <= lookback {
		return out
	}
	copy(out[start:], mask(fn(tail), lookback))
	return out
}

func ohlc(high, low, closes []float64, lookback int, fn func(h, l, c []float64) []float64) []float64 {
	if len(closes) <= lookback {
		return nans(len(closes))
	}
	return mask(fn(high, low, closes), lookback)
}

// sampleStd is the rolling n-1 standard deviation; talib's StdDev is the
// population figure.
func sampleStd(series []float64, period int) []float64 {
	scale := math.Sqrt(float64(period) / float64(period-1))
	return rolling(series, period-1, func(x []float64) []float64 {
		sd := talib.StdDev(x, period, 1)
		for i := range sd {
			sd[i] *= scale
		}
		return sd
	})
}

func mask(v []float64, lookback int) []float64 {
	for i := 0; i < lookback && i < len(v); i++ {
		v[i] = math.NaN()
	}
	return v
}

func nans(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func pctChange(prev, cur float64) float64 {
	return finiteOrNaN((cur - prev) / prev)
}

func finiteOrNaN(v float64) float64 {
	if types.Finite(v) {
		return v
	}
	return math.NaN()
}
