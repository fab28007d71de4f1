// Package evaluation scores exit policies over historical breakout events:
// trade metrics, the RSI/confluence grid, the ATR cap sweep and the
// chronological walk-forward check.
package evaluation

import (
	"math"
	"sort"
	"time"

	"github.com/algomatic/m18/pkg/types"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Metrics summarises a set of per-trade returns.
type Metrics struct {
	Trades       int     `json:"trades"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	Expectancy   float64 `json:"expectancy"`
	MedianRet    float64 `json:"median_ret"`
	MaxDrawdown  float64 `json:"max_drawdown"`
}

// Summarize computes Metrics over rets, taken in date order, after
// deducting costBps (basis points per round trip) from every trade.
// dates may be nil when rets are already ordered.
func Summarize(rets []float64, dates []time.Time, costBps float64) Metrics {
	r := make([]float64, 0, len(rets))
	idx := make([]int, 0, len(rets))
	for i, v := range rets {
		if types.Finite(v) {
			idx = append(idx, i)
		}
	}
	if dates != nil {
		sort.SliceStable(idx, func(a, b int) bool { return dates[idx[a]].Before(dates[idx[b]]) })
	}
	cost := costBps / 10000
	for _, i := range idx {
		r = append(r, rets[i]-cost)
	}

	m := Metrics{Trades: len(r)}
	if len(r) == 0 {
		nan := math.NaN()
		m.WinRate, m.ProfitFactor, m.Expectancy, m.MedianRet, m.MaxDrawdown = nan, nan, nan, nan, nan
		return m
	}

	wins := 0
	pos, neg := 0.0, 0.0
	for _, v := range r {
		if v > 0 {
			wins++
			pos += v
		} else if v < 0 {
			neg -= v
		}
	}
	m.WinRate = float64(wins) / float64(len(r))
	m.ProfitFactor = ProfitFactor(pos, neg)
	m.Expectancy = stat.Mean(r, nil)
	m.MedianRet = Median(r)
	m.MaxDrawdown = MaxDrawdown(r)
	return m
}

// ProfitFactor is gross profit over gross loss: +Inf with profits and no
// losses, NaN with neither.
func ProfitFactor(grossProfit, grossLoss float64) float64 {
	switch {
	case grossLoss == 0 && grossProfit > 0:
		return math.Inf(1)
	case grossLoss == 0:
		return math.NaN()
	}
	return grossProfit / grossLoss
}

// MaxDrawdown is the most negative equity/peak - 1 of the compounded
// return series. The peak starts at the equity after the first trade.
func MaxDrawdown(rets []float64) float64 {
	eq, peak, mdd := 1.0, 0.0, 0.0
	for i, v := range rets {
		eq *= 1 + v
		if i == 0 || eq > peak {
			peak = eq
		}
		mdd = math.Min(mdd, eq/peak-1)
	}
	return mdd
}

// Median returns the middle value, averaging the two middle values for an
// even count. NaN for empty input.
func Median(vals []float64) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// nanMean is the mean of the finite values, NaN if there are none.
func nanMean(vals []float64) float64 {
	finite := make([]float64, 0, len(vals))
	for _, v := range vals {
		if types.Finite(v) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return math.NaN()
	}
	return floats.Sum(finite) / float64(len(finite))
}
