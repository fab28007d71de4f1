package evaluation

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/algomatic/m18/pkg/exits"
	"github.com/algomatic/m18/pkg/types"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// rising returns a sample entered at 100 whose closes climb by one per bar.
func rising(entry time.Time, n, level int) Sample {
	w := make([]types.IndicatorBar, n)
	for t := range w {
		b := types.NewIndicatorBar("TEST", entry.AddDate(0, 0, t+1))
		c := 101 + float64(t)
		b.Open, b.High, b.Low, b.Close = c, c, c, c
		b.RSI, b.ATR = 50, 1
		w[t] = b
	}
	ev := types.BreakoutEvent{Symbol: "TEST", EntryDate: entry, EntryPrice: 100, MarketLevel: level}
	return Sample{Event: ev, Window: w}
}

func TestProfitFactor(t *testing.T) {
	if pf := ProfitFactor(1, 0); !math.IsInf(pf, 1) {
		t.Errorf("no losses: got %v, want +Inf", pf)
	}
	if pf := ProfitFactor(0, 0); !math.IsNaN(pf) {
		t.Errorf("no trades: got %v, want NaN", pf)
	}
	if pf := ProfitFactor(2, 1); pf != 2 {
		t.Errorf("got %v, want 2", pf)
	}
}

func TestMaxDrawdown(t *testing.T) {
	if got := MaxDrawdown([]float64{0.1, -0.5, 0.2}); !near(got, -0.5) {
		t.Errorf("got %v, want -0.5", got)
	}
	if got := MaxDrawdown([]float64{0.1, 0.1}); got != 0 {
		t.Errorf("monotone equity: got %v, want 0", got)
	}
}

func TestMedian(t *testing.T) {
	if got := Median([]float64{3, 1, 2}); got != 2 {
		t.Errorf("odd: got %v", got)
	}
	if got := Median([]float64{4, 1, 3, 2}); got != 2.5 {
		t.Errorf("even: got %v", got)
	}
	if got := Median(nil); !math.IsNaN(got) {
		t.Errorf("empty: got %v", got)
	}
}

func TestSummarizeDeductsCostAndOrdersByDate(t *testing.T) {
	rets := []float64{-0.049, math.NaN(), 0.101}
	dates := []time.Time{day0.AddDate(0, 0, 2), day0.AddDate(0, 0, 1), day0}
	m := Summarize(rets, dates, 10)
	if m.Trades != 2 {
		t.Fatalf("trades = %d, want 2", m.Trades)
	}
	if m.WinRate != 0.5 || !near(m.ProfitFactor, 2) || !near(m.Expectancy, 0.025) {
		t.Errorf("metrics = %+v", m)
	}
	// 0.1 first then -0.05: equity 1.1 -> 1.045
	if !near(m.MaxDrawdown, -0.05) {
		t.Errorf("max drawdown = %v, want -0.05", m.MaxDrawdown)
	}

	empty := Summarize(nil, nil, 10)
	if empty.Trades != 0 || !math.IsNaN(empty.Expectancy) || !math.IsNaN(empty.ProfitFactor) {
		t.Errorf("empty metrics = %+v", empty)
	}
}

func TestDefaultGrid(t *testing.T) {
	grid := DefaultGrid()
	if len(grid) != 27 {
		t.Fatalf("grid size = %d, want 27", len(grid))
	}
	seen := make(map[GridConfig]bool)
	for _, c := range grid {
		if seen[c] {
			t.Errorf("duplicate config %+v", c)
		}
		seen[c] = true
	}
}

func TestRankGridMissingLast(t *testing.T) {
	rows := []GridRow{
		{GridConfig: GridConfig{Y: 70}, WinRetention: math.NaN(), MeanReturn: 0.5},
		{GridConfig: GridConfig{Y: 75}, WinRetention: 0.4, MeanReturn: 0.01},
		{GridConfig: GridConfig{Y: 80}, WinRetention: 0.4, MeanReturn: 0.02},
	}
	RankGrid(rows)
	if rows[0].Y != 80 || rows[1].Y != 75 || rows[2].Y != 70 {
		t.Errorf("order = %v, %v, %v", rows[0].Y, rows[1].Y, rows[2].Y)
	}
}

func TestRunGridTimedExits(t *testing.T) {
	samples := []Sample{rising(day0, 20, 5), rising(day0.AddDate(0, 0, 3), 20, 5)}
	rows, err := RunGrid(context.Background(), samples, exits.DefaultPolicy(), DefaultGrid()[:3], DefaultCostBps, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	for _, r := range rows {
		if r.PctTimed != 1 || !near(r.MeanReturn, 0.08) || r.MedianBars != 8 {
			t.Errorf("row %+v", r)
		}
		if !math.IsNaN(r.WinRetention) {
			t.Errorf("no winners, retention should be NaN: %v", r.WinRetention)
		}
	}
}

func TestRunGridCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RunGrid(ctx, []Sample{rising(day0, 5, 5)}, exits.DefaultPolicy(), DefaultGrid(), 0, 1)
	if err == nil {
		t.Error("expected error from cancelled context")
	}
}

func TestCapSweepPicksBestExpectancy(t *testing.T) {
	samples := []Sample{rising(day0, 20, 5), rising(day0.AddDate(0, 0, 1), 20, 5)}
	rows, best := CapSweep(samples, exits.DefaultATRMult, DefaultCaps, DefaultCostBps)
	if len(rows) != len(DefaultCaps) {
		t.Fatalf("rows = %d", len(rows))
	}
	for i, r := range rows {
		want := float64(DefaultCaps[i])/100 - 0.001
		if !near(r.Metrics.Expectancy, want) {
			t.Errorf("cap %d expectancy = %v, want %v", r.Cap, r.Metrics.Expectancy, want)
		}
	}
	if best != 3 {
		t.Errorf("best = %d, want 3", best)
	}
}

func TestWalkForwardSplitAndRanking(t *testing.T) {
	var samples []Sample
	for i := 9; i >= 0; i-- {
		samples = append(samples, rising(day0.AddDate(0, 0, i), 20, 5))
	}
	rows := WalkForward(samples, DefaultSplit, []int{3, 5}, []float64{exits.DefaultATRMult}, DefaultCostBps)
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	for _, r := range rows {
		if r.Train.Trades != 7 || r.Test.Trades != 3 {
			t.Errorf("%s(%v) split = %d/%d, want 7/3", r.Family, r.Param, r.Train.Trades, r.Test.Trades)
		}
	}
	if rows[0].Family != "atr_trail" || rows[1].Param != 5 || rows[2].Param != 3 {
		t.Errorf("ranking = %s, %s(%v), %s(%v)", rows[0].Family, rows[1].Family, rows[1].Param, rows[2].Family, rows[2].Param)
	}

	if got := WalkForward(samples[:2], 0.99, []int{3}, nil, 0); got[0].Train.Trades != 1 || got[0].Test.Trades != 1 {
		t.Errorf("clamped split = %d/%d", got[0].Train.Trades, got[0].Test.Trades)
	}
	if WalkForward(samples[:1], DefaultSplit, []int{3}, nil, 0) != nil {
		t.Error("a single sample cannot be split")
	}
}

func TestSummarizeTradesByLevel(t *testing.T) {
	trades := []types.LabeledTrade{
		{BreakoutEvent: types.BreakoutEvent{EntryDate: day0, MarketLevel: 2}, ExitOutcome: types.ExitOutcome{RetPct: 0.1}},
		{BreakoutEvent: types.BreakoutEvent{EntryDate: day0, MarketLevel: 2}, ExitOutcome: types.ExitOutcome{RetPct: -0.1}},
		{BreakoutEvent: types.BreakoutEvent{EntryDate: day0, MarketLevel: 7}, ExitOutcome: types.ExitOutcome{RetPct: 0.3}},
	}
	all := SummarizeTrades(trades, 0)
	if all.Trades != 3 || !near(all.Expectancy, 0.1) {
		t.Errorf("all = %+v", all)
	}
	by := ByLevel(trades, 0)
	if len(by) != 2 || by[2].Trades != 2 || by[7].WinRate != 1 {
		t.Errorf("by level = %+v", by)
	}
}
