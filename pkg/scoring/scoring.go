// Package scoring implements the four sub-score modules (trend, volatility,
// volume, momentum) and the regime-weighted entry scorer.
//
// Every function here is pure: the same bar and level always produce the same
// result. Missing indicator values (NaN) score 0 for their component.
package scoring

import (
	"math"

	"github.com/algomatic/m18/pkg/types"
)

// ScoreScale is the three-tier step: 1 at or above green, 0.5 at or above
// yellow, 0 otherwise (including NaN).
func ScoreScale(value, yellow, green float64) float64 {
	switch {
	case value >= green:
		return 1.0
	case value >= yellow:
		return 0.5
	default:
		return 0.0
	}
}

func scale(v float64, th Threshold) float64 {
	return ScoreScale(v, th.Yellow, th.Green)
}

// Trend scores EMA slopes and ADX against level-dependent ADX thresholds.
func Trend(bar *types.IndicatorBar, level int) (float64, []types.Component) {
	i := levelIndex(level)
	adxTh := Threshold{trendADXYellow[i], trendADXGreen[i]}

	e10 := scale(bar.EMA10Pct, trendEMAThreshold)
	e50 := scale(bar.EMA50Pct, trendEMAThreshold)
	e100 := scale(bar.EMA100Pct, trendEMAThreshold)
	e200 := scale(bar.EMA200Pct, trendEMAThreshold)
	adx := scale(bar.ADX, adxTh)

	score := e10*wE10 + e50*wE50 + e100*wE100 + e200*wE200 + adx*wADX
	return score, []types.Component{
		{Name: "e10", Value: e10},
		{Name: "e50", Value: e50},
		{Name: "e100", Value: e100},
		{Name: "e200", Value: e200},
		{Name: "adx", Value: adx},
	}
}

// Volatility scores ATR, dispersion and range against fixed thresholds.
func Volatility(bar *types.IndicatorBar) (float64, []types.Component) {
	ar := scale(bar.ATRRatio, vtyATRRatio)
	at := scale(bar.ATRPct, vtyATRPct)
	sd := scale(bar.StdDevPct, vtyStdDevPct)
	bw := scale(bar.BBW, vtyBBW)
	rg := scale(bar.Rng, vtyRng)

	score := ar*wATRRatio + at*wATRPct + sd*wStdDevPct + bw*wBBW + rg*wRng
	return score, []types.Component{
		{Name: "atr_ratio", Value: ar},
		{Name: "atr_pct", Value: at},
		{Name: "stddev_pct", Value: sd},
		{Name: "bbw", Value: bw},
		{Name: "rng", Value: rg},
	}
}

// Volume scores flow and participation against level-dependent thresholds.
func Volume(bar *types.IndicatorBar, level int) (float64, []types.Component) {
	row := volumeTable[levelIndex(level)]

	obv := scale(bar.OBVNorm, volumeOBVNorm)
	cmf := scale(bar.CMF, row.CMF)
	spike := scale(bar.VolSpike, row.VolSpike)
	vtp := scale(bar.VolToPrice, row.VolToPrice)
	slope := scale(bar.VolSlope, row.VolSlope)

	score := obv*wOBV + cmf*wCMF + spike*wVolSpike + vtp*wVolToPrice + slope*wVolSlope
	return score, []types.Component{
		{Name: "obv", Value: obv},
		{Name: "cmf", Value: cmf},
		{Name: "volSpike", Value: spike},
		{Name: "volToPrice", Value: vtp},
		{Name: "volSlope", Value: slope},
	}
}

// Momentum scores RSI, stochastic and MACD against fixed thresholds.
func Momentum(bar *types.IndicatorBar) (float64, []types.Component) {
	rsi := scale(bar.RSI, momRSI)
	stoch := scale(bar.Stoch, momStoch)
	macd := scale(bar.MACD, momMACD)
	hist := scale(bar.MACDSlope, momHist)

	score := rsi*wRSI + stoch*wStoch + macd*wMACD + hist*wHist
	return score, []types.Component{
		{Name: "rsi", Value: rsi},
		{Name: "stoch", Value: stoch},
		{Name: "macd", Value: macd},
		{Name: "hist", Value: hist},
	}
}

// SubScores runs all four modules for one bar.
func SubScores(bar *types.IndicatorBar, level int) types.SubScoreResult {
	trd, cTrd := Trend(bar, level)
	vty, cVty := Volatility(bar)
	vol, cVol := Volume(bar, level)
	mom, cMom := Momentum(bar)

	comps := make([]types.Component, 0, len(cTrd)+len(cVty)+len(cVol)+len(cMom))
	comps = append(comps, cTrd...)
	comps = append(comps, cVty...)
	comps = append(comps, cVol...)
	comps = append(comps, cMom...)

	return types.SubScoreResult{
		Trend:      trd,
		Volatility: vty,
		Volume:     vol,
		Momentum:   mom,
		Components: comps,
	}
}

// EntryParams are the caller-tunable cutoff adjustments.
type EntryParams struct {
	StaticAdj float64
	StdMult   float64
}

// DefaultEntryParams returns no static adjustment and a half-sigma band.
func DefaultEntryParams() EntryParams {
	return EntryParams{StaticAdj: 0, StdMult: 0.5}
}

// EvaluateEntry scores a bar and decides whether it is an entry.
//
// The signal needs score_norm above both the static cutoff for the level and
// the dynamic cutoff (trailing mean + StdMult * trailing std), and strictly
// above the previous bar's score_norm.
func EvaluateEntry(
	bar *types.IndicatorBar,
	level int,
	trailingMean, trailingStd, prevScoreNorm float64,
	p EntryParams,
) types.EntryEvaluation {
	level = types.ClampLevel(level)
	sub := SubScores(bar, level)
	w := WeightsFor(level)

	// The volume sub-score enters only through the additive gate weight.
	raw := sub.Trend*w.Trend + sub.Momentum*w.Momentum + sub.Volatility*w.Volatility + w.VolumeGate
	norm := raw / (2 * w.Sum())

	static := BaseCutoff(level) + p.StaticAdj
	dynamic := trailingMean + p.StdMult*trailingStd
	if !types.Finite(dynamic) {
		dynamic = math.Inf(-1)
	}
	cutoff := math.Max(static, dynamic)

	return types.EntryEvaluation{
		SubScoreResult: sub,
		MarketLevel:    level,
		ScoreTotal:     sub.Total(),
		ScoreRaw:       raw,
		ScoreNorm:      norm,
		StaticCutoff:   static,
		DynamicCutoff:  dynamic,
		EntryCutoff:    cutoff,
		EntrySignal:    norm > cutoff && norm > prevScoreNorm,
	}
}
