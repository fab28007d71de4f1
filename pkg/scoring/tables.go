package scoring

import (
	"math"

	"github.com/algomatic/m18/pkg/types"
)

// Threshold is a yellow/green pair for ScoreScale.
type Threshold struct {
	Yellow float64
	Green  float64
}

// levelIndex converts a regime level to a 0-based table row.
func levelIndex(level int) int {
	return types.ClampLevel(level) - 1
}

// Trend thresholds. The EMA pairs are flat at 0/0 in the calibrated tables.
var (
	trendEMAThreshold = Threshold{0, 0}

	trendADXYellow = [9]float64{28.67, 28.44, 29.27, 24.28, 27.76, 28.78, 27.52, 31.61, 33.66}
	trendADXGreen  = [9]float64{35.49, 36.09, 37.79, 32.63, 40.19, 38.53, 38.49, 42.93, 45.08}
)

// Trend weights: e10, e50, e100, e200, adx.
const (
	wE10  = 11.2
	wE50  = 9.9
	wE100 = 10.5
	wE200 = 9.2
	wADX  = 13.2
)

// Volatility thresholds and weights.
var (
	vtyATRRatio  = Threshold{1.0, 1.2}
	vtyATRPct    = Threshold{1.0, 1.5}
	vtyStdDevPct = Threshold{1.0, 1.3}
	vtyBBW       = Threshold{4.0, 6.0}
	vtyRng       = Threshold{1.0, 2.0}
)

const (
	wATRRatio  = 5.0
	wATRPct    = 4.0
	wStdDevPct = 4.0
	wBBW       = 4.0
	wRng       = 4.0
)

// volumeRow holds the level-dependent volume thresholds.
type volumeRow struct {
	CMF        Threshold
	VolToPrice Threshold
	VolSpike   Threshold
	VolSlope   Threshold
}

var volumeOBVNorm = Threshold{0.0, 0.1}

var volumeTable = [9]volumeRow{
	{Threshold{0.2, 0.3}, Threshold{1.5, 2.0}, Threshold{1.0, 1.5}, Threshold{0.8, 1.2}},
	{Threshold{0.3, 0.4}, Threshold{1.6, 2.2}, Threshold{1.1, 1.6}, Threshold{0.9, 1.3}},
	{Threshold{0.4, 0.5}, Threshold{1.7, 2.4}, Threshold{1.2, 1.7}, Threshold{1.0, 1.4}},
	{Threshold{0.5, 0.6}, Threshold{1.8, 2.6}, Threshold{1.3, 1.8}, Threshold{1.1, 1.5}},
	{Threshold{0.6, 0.7}, Threshold{1.9, 2.8}, Threshold{1.4, 1.9}, Threshold{1.2, 1.6}},
	{Threshold{0.7, 0.8}, Threshold{2.0, 3.0}, Threshold{1.5, 2.0}, Threshold{1.3, 1.7}},
	{Threshold{0.8, 0.9}, Threshold{2.1, 3.2}, Threshold{1.6, 2.1}, Threshold{1.4, 1.8}},
	{Threshold{0.9, 1.0}, Threshold{2.2, 3.4}, Threshold{1.7, 2.2}, Threshold{1.5, 1.9}},
	{Threshold{1.0, 1.2}, Threshold{2.4, 3.6}, Threshold{1.8, 2.4}, Threshold{1.6, 2.0}},
}

const (
	wOBV        = 4.0
	wCMF        = 3.5
	wVolSpike   = 3.5
	wVolToPrice = 2.5
	wVolSlope   = 2.5
)

// Momentum thresholds and weights.
var (
	momRSI   = Threshold{50, 60}
	momStoch = Threshold{20, 80}
	momMACD  = Threshold{0, 0}
	momHist  = Threshold{0, 0}
)

const (
	wRSI   = 2.0
	wStoch = 2.0
	wMACD  = 3.0
	wHist  = 2.0
)

// Weights are the regime-dependent multipliers of the composite score.
type Weights struct {
	Trend      float64
	Momentum   float64
	Volatility float64
	VolumeGate float64
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.Trend + w.Momentum + w.Volatility + w.VolumeGate
}

var (
	wtTrend      = [9]float64{1.4, 1.3, 1.2, 1.1, 1.0, 0.9, 0.8, 0.7, 0.6}
	wtMom        = [9]float64{1.2, 1.2, 1.2, 1.1, 1.1, 1.2, 1.3, 1.4, 1.5}
	wtVol        = [9]float64{0.8, 1.0, 1.0, 1.1, 1.2, 1.3, 1.4, 1.5, 1.6}
	wtVolumeGate = [9]float64{1.0, 1.0, 1.1, 1.1, 1.1, 1.1, 1.2, 1.3, 1.4}

	baseCutoff = [9]float64{0.65, 0.66, 0.68, 0.70, 0.72, 0.75, 0.78, 0.80, 0.82}

	// Yellow/green bands on score_total, used for reporting only.
	scoreYellow = [9]float64{50, 35.7, 44.1, 50, 57, 50, 64.8, 74.6, 74.6}
	scoreGreen  = [9]float64{56.8, 56, 64.8, 76.1, 82.6, 79.9, 85, 87.2, 86.5}
)

// WeightsFor returns the composite weights for a regime level.
func WeightsFor(level int) Weights {
	i := levelIndex(level)
	return Weights{
		Trend:      wtTrend[i],
		Momentum:   wtMom[i],
		Volatility: wtVol[i],
		VolumeGate: wtVolumeGate[i],
	}
}

// BaseCutoff returns the static entry cutoff for a regime level.
func BaseCutoff(level int) float64 {
	return baseCutoff[levelIndex(level)]
}

// ScoreBand returns the yellow/green bands of score_total for a level.
func ScoreBand(level int) Threshold {
	i := levelIndex(level)
	return Threshold{Yellow: scoreYellow[i], Green: scoreGreen[i]}
}

// Band grades score_total against the level's bands: "green", "yellow" or
// "red", and "" for a missing score.
func Band(scoreTotal float64, level int) string {
	if math.IsNaN(scoreTotal) {
		return ""
	}
	th := ScoreBand(level)
	switch scale(scoreTotal, th) {
	case 1:
		return "green"
	case 0.5:
		return "yellow"
	}
	return "red"
}
