package evaluation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/algomatic/m18/pkg/exits"
	"github.com/algomatic/m18/pkg/labeler"
	"github.com/algomatic/m18/pkg/types"
	"golang.org/x/sync/errgroup"
)

// WinThreshold is the peak return that marks an event as a winner, and the
// return a winner must still keep to count as retained.
const WinThreshold = 0.20

// Sample is an event with its forward window.
type Sample struct {
	Event  types.BreakoutEvent
	Window []types.IndicatorBar
}

// BuildSamples pairs each event with its forward window. Events with no
// history or no forward bars are returned as skips.
func BuildSamples(events []types.BreakoutEvent, bySymbol map[string][]types.IndicatorBar) ([]Sample, []labeler.Skip) {
	var samples []Sample
	var skipped []labeler.Skip
	for _, ev := range events {
		bars := bySymbol[ev.Symbol]
		if len(bars) == 0 {
			skipped = append(skipped, labeler.Skip{Event: ev, Reason: types.SkipNoHistory})
			continue
		}
		w := labeler.ForwardWindow(bars, ev.EntryDate)
		if len(w) == 0 {
			skipped = append(skipped, labeler.Skip{Event: ev, Reason: types.SkipNoForwardBars})
			continue
		}
		samples = append(samples, Sample{Event: ev, Window: w})
	}
	return samples, skipped
}

// Winner reports whether the sample's high reached WinThreshold above the
// start price within the hold cap of tables.
func (s Sample) Winner(tables exits.Tables) bool {
	start := exits.StartPrice(s.Event, s.Window)
	n := min(tables.Hold(s.Event.MarketLevel), len(s.Window))
	for t := 0; t < n; t++ {
		if s.Window[t].High/start-1 >= WinThreshold {
			return true
		}
	}
	return false
}

// GridConfig is one point of the exit grid.
type GridConfig struct {
	Y      float64      `json:"y"`
	Delta  float64      `json:"delta"`
	M      int          `json:"m"`
	Family exits.Family `json:"family"`
	Param  float64      `json:"param"`
}

// DefaultGrid returns Y in {70, 75, 80} with Delta 5, M 3 across the RSI-only
// rule and every confluence family setting.
func DefaultGrid() []GridConfig {
	families := []struct {
		f      exits.Family
		params []float64
	}{
		{exits.FamilyNone, []float64{0}},
		{exits.FamilyMACD, []float64{0, -0.05}},
		{exits.FamilyADXDrop, []float64{5, 10, 15}},
		{exits.FamilyBBWContract, []float64{0.20, 0.35, 0.50}},
	}
	var out []GridConfig
	for _, y := range []float64{70, 75, 80} {
		for _, fam := range families {
			for _, p := range fam.params {
				out = append(out, GridConfig{Y: y, Delta: 5, M: 3, Family: fam.f, Param: p})
			}
		}
	}
	return out
}

// GridRow is the evaluation of one GridConfig.
type GridRow struct {
	GridConfig
	WinRetention  float64 `json:"overall_win_retention"`
	LoserImprove  float64 `json:"loser_improvement_mean"`
	MeanReturn    float64 `json:"overall_mean_return"`
	MedianBars    float64 `json:"overall_median_bars"`
	PctTP         float64 `json:"pct_tp"`
	PctRSI        float64 `json:"pct_rsi_only"`
	PctConfluence float64 `json:"pct_rsi_confluence"`
	PctTimed      float64 `json:"pct_timed"`
	Metrics       Metrics `json:"metrics"`
}

// EvaluateConfig applies one grid point to every sample.
func EvaluateConfig(samples []Sample, base exits.Policy, cfg GridConfig, costBps float64) GridRow {
	p := base
	p.RSI = exits.RSIRule{Y: cfg.Y, Delta: cfg.Delta, M: cfg.M, Floor: base.RSI.Floor}
	p.Confluence = exits.Confluence{Family: cfg.Family, Param: cfg.Param}

	row := GridRow{GridConfig: cfg}
	if len(samples) == 0 {
		nan := math.NaN()
		row.WinRetention, row.LoserImprove, row.MeanReturn, row.MedianBars = nan, nan, nan, nan
		row.Metrics = Summarize(nil, nil, costBps)
		return row
	}

	rets := make([]float64, len(samples))
	bars := make([]float64, len(samples))
	var retained, winners int
	var improve []float64
	kinds := make(map[string]int)
	for i, s := range samples {
		ex := exits.EvaluateGrid(s.Event, s.Window, p)
		rets[i] = ex.RetPct
		bars[i] = float64(ex.BarsHeld)
		switch {
		case ex.Kind == "tp" || ex.Kind == "timed" || ex.Kind == "rsi":
			kinds[ex.Kind]++
		case strings.HasPrefix(ex.Kind, "rsi+"):
			kinds["confluence"]++
		}
		if s.Winner(p.Tables) {
			winners++
			if ex.RetPct >= WinThreshold {
				retained++
			}
		} else {
			improve = append(improve, ex.RetPct-ex.TimedRet)
		}
	}

	n := float64(len(samples))
	row.WinRetention = math.NaN()
	if winners > 0 {
		row.WinRetention = float64(retained) / float64(winners)
	}
	row.LoserImprove = nanMean(improve)
	row.MeanReturn = nanMean(rets)
	row.MedianBars = Median(bars)
	row.PctTP = float64(kinds["tp"]) / n
	row.PctRSI = float64(kinds["rsi"]) / n
	row.PctConfluence = float64(kinds["confluence"]) / n
	row.PctTimed = float64(kinds["timed"]) / n

	row.Metrics = Summarize(rets, eventDates(samples), costBps)
	return row
}

// RunGrid evaluates every config over the samples on a bounded worker pool
// and returns the rows ranked by win retention, then mean return, then
// loser improvement. Missing values rank last.
func RunGrid(
	ctx context.Context,
	samples []Sample,
	base exits.Policy,
	configs []GridConfig,
	costBps float64,
	workers int,
) ([]GridRow, error) {
	rows := make([]GridRow, len(configs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, cfg := range configs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rows[i] = EvaluateConfig(samples, base, cfg, costBps)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("running exit grid: %w", err)
	}
	RankGrid(rows)
	return rows, nil
}

// RankGrid sorts rows in place, best first.
func RankGrid(rows []GridRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		for _, pair := range [][2]float64{
			{a.WinRetention, b.WinRetention},
			{a.MeanReturn, b.MeanReturn},
			{a.LoserImprove, b.LoserImprove},
		} {
			if c := compareDesc(pair[0], pair[1]); c != 0 {
				return c < 0
			}
		}
		return false
	})
}

// compareDesc orders larger first with NaN last; 0 means equal.
func compareDesc(a, b float64) int {
	an, bn := math.IsNaN(a), math.IsNaN(b)
	switch {
	case an && bn:
		return 0
	case an:
		return 1
	case bn:
		return -1
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}
