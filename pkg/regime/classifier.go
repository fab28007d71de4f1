// Package regime maps the four macro series to a daily market level 1-9.
//
// Each series is min-max normalized over a trailing window (dominance series
// inverted so that falling dominance reads as risk-on), bucketed to an
// integer score 1-9, averaged, smoothed over two days and mapped to a level.
// Anything that cannot be scored resolves to the neutral level 5.
package regime

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/algomatic/m18/pkg/types"
	"gonum.org/v1/gonum/stat"
)

// Mapping selects how the smoothed composite becomes a level.
type Mapping string

const (
	// MappingRound rounds the smoothed composite and clips it to [1, 9].
	MappingRound Mapping = "round"
	// MappingQuantile bins the smoothed composite with cutpoints fitted on a
	// training window ending at TrainEnd.
	MappingQuantile Mapping = "quantile"
)

// quantileCuts are the training-set quantiles used as level boundaries.
var quantileCuts = []float64{0.05, 0.15, 0.30, 0.45, 0.60, 0.75, 0.85, 0.95}

// minTrainSize is the smallest training window the quantile mapping accepts
// before it falls back to the whole history.
const minTrainSize = 100

// Options configures the classifier.
type Options struct {
	Lookback int
	Mapping  Mapping
	TrainEnd time.Time
}

// DefaultOptions returns the standard 14-day window with round mapping.
func DefaultOptions() Options {
	return Options{
		Lookback: 14,
		Mapping:  MappingRound,
		TrainEnd: time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
	}
}

// Classifier computes RegimeLevels from macro rows.
type Classifier struct {
	opts   Options
	logger *slog.Logger
}

// NewClassifier creates a classifier. A non-positive lookback falls back to 14.
func NewClassifier(opts Options, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 14
	}
	if opts.Mapping == "" {
		opts.Mapping = MappingRound
	}
	return &Classifier{opts: opts, logger: logger}
}

// Detail is the per-day breakdown behind a level.
type Detail struct {
	Date        time.Time
	BTCScore    float64
	USDTScore   float64
	TotalScore  float64
	Total3Score float64
	AvgRaw      float64
	AvgSmooth   float64
	Level       int
}

// Classify returns one RegimeLevel per calendar day in rows.
func (c *Classifier) Classify(rows []types.MacroRow) []types.RegimeLevel {
	details := c.Explain(rows)
	out := make([]types.RegimeLevel, len(details))
	for i, d := range details {
		out[i] = types.RegimeLevel{Date: d.Date, Level: d.Level}
	}
	return out
}

// Explain runs the classifier and keeps the intermediate scores.
func (c *Classifier) Explain(rows []types.MacroRow) []Detail {
	if len(rows) == 0 {
		return nil
	}
	rows = Prepare(rows)
	n := len(rows)

	series := func(f func(types.MacroRow) float64) []float64 {
		out := make([]float64, n)
		for i, r := range rows {
			out[i] = f(r)
		}
		return out
	}
	btc := scoreSeries(normalize(series(func(r types.MacroRow) float64 { return r.BTCDominance }), c.opts.Lookback, true))
	usdt := scoreSeries(normalize(series(func(r types.MacroRow) float64 { return r.USDTDominance }), c.opts.Lookback, true))
	total := scoreSeries(normalize(series(func(r types.MacroRow) float64 { return r.TotalCap }), c.opts.Lookback, false))
	total3 := scoreSeries(normalize(series(func(r types.MacroRow) float64 { return r.Total3Cap }), c.opts.Lookback, false))

	details := make([]Detail, n)
	for i := range rows {
		details[i] = Detail{
			Date:        rows[i].Date,
			BTCScore:    btc[i],
			USDTScore:   usdt[i],
			TotalScore:  total[i],
			Total3Score: total3[i],
			AvgRaw:      nanMean(btc[i], usdt[i], total[i], total3[i]),
		}
	}
	for i := range details {
		if i == 0 {
			details[i].AvgSmooth = math.NaN()
			continue
		}
		details[i].AvgSmooth = (details[i].AvgRaw + details[i-1].AvgRaw) / 2
	}

	smooth := make([]float64, n)
	for i := range details {
		smooth[i] = details[i].AvgSmooth
	}

	var levels []int
	switch c.opts.Mapping {
	case MappingQuantile:
		levels = c.quantileLevels(smooth, rows)
	default:
		levels = roundLevels(smooth)
	}

	neutral := 0
	for i := range details {
		details[i].Level = levels[i]
		if !types.Finite(smooth[i]) {
			neutral++
		}
	}
	c.logger.Debug("Classified macro regime",
		"days", n,
		"mapping", c.opts.Mapping,
		"lookback", c.opts.Lookback,
		"unscored_days", neutral,
	)
	return details
}

// normalize applies a trailing min-max scaling with min_periods=1 semantics.
// Flat windows produce NaN. Output is clipped to [0, 1].
func normalize(s []float64, lookback int, invert bool) []float64 {
	out := make([]float64, len(s))
	for i := range s {
		lo, hi := math.Inf(1), math.Inf(-1)
		start := i - lookback + 1
		if start < 0 {
			start = 0
		}
		for j := start; j <= i; j++ {
			if !types.Finite(s[j]) {
				continue
			}
			lo = math.Min(lo, s[j])
			hi = math.Max(hi, s[j])
		}
		denom := hi - lo
		if !types.Finite(s[i]) || !types.Finite(denom) || denom == 0 {
			out[i] = math.NaN()
			continue
		}
		v := (s[i] - lo) / denom
		if invert {
			v = 1 - v
		}
		out[i] = math.Max(0, math.Min(1, v))
	}
	return out
}

// scoreSeries buckets normalized values into integer scores 1-9.
func scoreSeries(norm []float64) []float64 {
	out := make([]float64, len(norm))
	for i, v := range norm {
		if !types.Finite(v) {
			out[i] = math.NaN()
			continue
		}
		out[i] = math.Max(0, math.Min(8, math.RoundToEven(v*8))) + 1
	}
	return out
}

func nanMean(vals ...float64) float64 {
	sum, n := 0.0, 0
	for _, v := range vals {
		if types.Finite(v) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

func roundLevels(smooth []float64) []int {
	out := make([]int, len(smooth))
	for i, v := range smooth {
		if !types.Finite(v) {
			out[i] = types.NeutralLevel
			continue
		}
		out[i] = types.ClampLevel(int(math.RoundToEven(v)))
	}
	return out
}

// quantileLevels bins values with cutpoints fitted on days up to TrainEnd.
// Leading and interior gaps take the nearest known level.
func (c *Classifier) quantileLevels(smooth []float64, rows []types.MacroRow) []int {
	var train, all []float64
	for i, v := range smooth {
		if !types.Finite(v) {
			continue
		}
		all = append(all, v)
		if !rows[i].Date.After(c.opts.TrainEnd) {
			train = append(train, v)
		}
	}
	if len(train) < minTrainSize {
		train = all
	}
	out := make([]int, len(smooth))
	if len(train) == 0 {
		for i := range out {
			out[i] = types.NeutralLevel
		}
		return out
	}

	sorted := append([]float64(nil), train...)
	sort.Float64s(sorted)
	cuts := make([]float64, len(quantileCuts))
	for i, q := range quantileCuts {
		cuts[i] = stat.Quantile(q, stat.LinInterp, sorted, nil)
		if i > 0 && cuts[i] <= cuts[i-1] {
			cuts[i] = math.Nextafter(cuts[i-1], math.Inf(1))
		}
	}

	known := make([]int, len(smooth))
	for i, v := range smooth {
		if !types.Finite(v) {
			continue
		}
		lvl := 1
		for _, cut := range cuts {
			if v > cut {
				lvl++
			}
		}
		known[i] = lvl
	}

	last := 0
	for i := range known {
		if known[i] != 0 {
			last = known[i]
		}
		out[i] = last
	}
	next := 0
	for i := len(out) - 1; i >= 0; i-- {
		if known[i] != 0 {
			next = known[i]
		}
		if out[i] == 0 {
			out[i] = next
		}
		if out[i] == 0 {
			out[i] = types.NeutralLevel
		}
	}
	return out
}
