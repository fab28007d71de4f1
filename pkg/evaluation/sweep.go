package evaluation

import (
	"sort"
	"time"

	"github.com/algomatic/m18/pkg/exits"
	"github.com/algomatic/m18/pkg/types"
)

// DefaultCaps are the hybrid ATR-trail caps swept by CapSweep.
var DefaultCaps = []int{6, 8, 10, 12}

// DefaultCostBps is the round-trip cost applied by the sweep.
const DefaultCostBps = 10.0

// DefaultSplit is the train fraction of the walk-forward check.
const DefaultSplit = 0.7

func eventDates(samples []Sample) []time.Time {
	out := make([]time.Time, len(samples))
	for i, s := range samples {
		out[i] = s.Event.EntryDate
	}
	return out
}

// SweepRow is one cap of the ATR-trail sweep.
type SweepRow struct {
	Cap     int     `json:"cap"`
	Mult    float64 `json:"mult"`
	Metrics Metrics `json:"metrics"`
}

// ATRReturns applies the ATR trail with the given cap to every sample.
func ATRReturns(samples []Sample, mult float64, capBars int) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = exits.ATRTrail(s.Event, s.Window, mult, capBars, nil, exits.TPReturnClose).RetPct
	}
	return out
}

// TimeCapReturns closes every sample at bar min(n, window length).
func TimeCapReturns(samples []Sample, n int) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		idx := min(max(n, 1), len(s.Window)) - 1
		start := exits.StartPrice(s.Event, s.Window)
		out[i] = s.Window[idx].Close/start - 1
		if !types.Finite(out[i]) {
			out[i] = 0
		}
	}
	return out
}

// CapSweep evaluates the ATR trail at every cap and returns the rows in cap
// order plus the index of the row with the highest expectancy.
func CapSweep(samples []Sample, mult float64, caps []int, costBps float64) ([]SweepRow, int) {
	rows := make([]SweepRow, 0, len(caps))
	best := -1
	dates := eventDates(samples)
	for _, c := range caps {
		m := Summarize(ATRReturns(samples, mult, c), dates, costBps)
		rows = append(rows, SweepRow{Cap: c, Mult: mult, Metrics: m})
		if types.Finite(m.Expectancy) && (best < 0 || m.Expectancy > rows[best].Metrics.Expectancy) {
			best = len(rows) - 1
		}
	}
	return rows, best
}

// WalkRow is one family/parameter of the walk-forward check.
type WalkRow struct {
	Family string  `json:"family"`
	Param  float64 `json:"param"`
	Train  Metrics `json:"train"`
	Test   Metrics `json:"test"`
}

// WalkForward sorts samples by entry date, trains on the first split
// fraction and tests on the rest (each side keeps at least one trade), and
// reports time-cap and ATR-trail metrics on both sides. Rows are ranked by
// test profit factor then test expectancy.
func WalkForward(samples []Sample, split float64, timeCaps []int, atrMults []float64, costBps float64) []WalkRow {
	if len(samples) < 2 {
		return nil
	}
	sorted := append([]Sample(nil), samples...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Event.EntryDate.Before(sorted[j].Event.EntryDate)
	})
	cut := int(float64(len(sorted)) * split)
	cut = max(1, min(len(sorted)-1, cut))
	train, test := sorted[:cut], sorted[cut:]

	var rows []WalkRow
	eval := func(family string, param float64, fn func([]Sample) []float64) {
		rows = append(rows, WalkRow{
			Family: family,
			Param:  param,
			Train:  Summarize(fn(train), nil, costBps),
			Test:   Summarize(fn(test), nil, costBps),
		})
	}
	for _, n := range timeCaps {
		eval("time_cap", float64(n), func(s []Sample) []float64 { return TimeCapReturns(s, n) })
	}
	for _, m := range atrMults {
		eval("atr_trail", m, func(s []Sample) []float64 { return ATRReturns(s, m, 0) })
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if c := compareDesc(rows[i].Test.ProfitFactor, rows[j].Test.ProfitFactor); c != 0 {
			return c < 0
		}
		return compareDesc(rows[i].Test.Expectancy, rows[j].Test.Expectancy) < 0
	})
	return rows
}

// SummarizeTrades computes Metrics over labelled trades in entry order.
func SummarizeTrades(trades []types.LabeledTrade, costBps float64) Metrics {
	rets := make([]float64, len(trades))
	dates := make([]time.Time, len(trades))
	for i, t := range trades {
		rets[i], dates[i] = t.RetPct, t.EntryDate
	}
	return Summarize(rets, dates, costBps)
}

// ByLevel groups trade metrics by entry market level.
func ByLevel(trades []types.LabeledTrade, costBps float64) map[int]Metrics {
	groups := make(map[int][]types.LabeledTrade)
	for _, t := range trades {
		groups[t.MarketLevel] = append(groups[t.MarketLevel], t)
	}
	out := make(map[int]Metrics, len(groups))
	for lvl, ts := range groups {
		out[lvl] = SummarizeTrades(ts, costBps)
	}
	return out
}
