package dataio

import (
	"io"
	"sort"
	"strconv"

	"github.com/algomatic/m18/pkg/evaluation"
)

var metricsHeader = []string{"trades", "win_rate", "profit_factor", "expectancy", "median_ret", "max_drawdown"}

func metricsCells(m evaluation.Metrics) []string {
	return []string{
		strconv.Itoa(m.Trades),
		formatFloat(m.WinRate),
		formatFloat(m.ProfitFactor),
		formatFloat(m.Expectancy),
		formatFloat(m.MedianRet),
		formatFloat(m.MaxDrawdown),
	}
}

func prefixed(prefix string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = prefix + c
	}
	return out
}

// WriteGrid writes the ranked exit grid.
func WriteGrid(w io.Writer, rows []evaluation.GridRow) error {
	head := append([]string{
		"rank", "y", "delta", "m", "family", "param",
		"overall_win_retention", "loser_improvement_mean", "overall_mean_return",
		"overall_median_bars", "pct_tp", "pct_rsi_only", "pct_rsi_confluence", "pct_timed",
	}, metricsHeader...)
	out := make([][]string, 0, len(rows))
	for i, r := range rows {
		row := []string{
			strconv.Itoa(i + 1),
			formatFloat(r.Y),
			formatFloat(r.Delta),
			strconv.Itoa(r.M),
			string(r.Family),
			formatFloat(r.Param),
			formatFloat(r.WinRetention),
			formatFloat(r.LoserImprove),
			formatFloat(r.MeanReturn),
			formatFloat(r.MedianBars),
			formatFloat(r.PctTP),
			formatFloat(r.PctRSI),
			formatFloat(r.PctConfluence),
			formatFloat(r.PctTimed),
		}
		out = append(out, append(row, metricsCells(r.Metrics)...))
	}
	return writeAll(w, head, out)
}

// WriteSweep writes the ATR cap sweep. best is marked in the last column;
// -1 marks nothing.
func WriteSweep(w io.Writer, rows []evaluation.SweepRow, best int) error {
	head := append(append([]string{"cap", "mult"}, metricsHeader...), "best")
	out := make([][]string, 0, len(rows))
	for i, r := range rows {
		row := append([]string{strconv.Itoa(r.Cap), formatFloat(r.Mult)}, metricsCells(r.Metrics)...)
		out = append(out, append(row, strconv.FormatBool(i == best)))
	}
	return writeAll(w, head, out)
}

// WriteWalkForward writes train and test metrics side by side.
func WriteWalkForward(w io.Writer, rows []evaluation.WalkRow) error {
	head := append([]string{"family", "param"}, prefixed("train_", metricsHeader)...)
	head = append(head, prefixed("test_", metricsHeader)...)
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		row := append([]string{r.Family, formatFloat(r.Param)}, metricsCells(r.Train)...)
		out = append(out, append(row, metricsCells(r.Test)...))
	}
	return writeAll(w, head, out)
}

// WriteLevelMetrics writes one row per entry level, ascending.
func WriteLevelMetrics(w io.Writer, byLevel map[int]evaluation.Metrics) error {
	levels := make([]int, 0, len(byLevel))
	for l := range byLevel {
		levels = append(levels, l)
	}
	sort.Ints(levels)
	head := append([]string{"market_level"}, metricsHeader...)
	out := make([][]string, 0, len(levels))
	for _, l := range levels {
		out = append(out, append([]string{strconv.Itoa(l)}, metricsCells(byLevel[l])...))
	}
	return writeAll(w, head, out)
}
