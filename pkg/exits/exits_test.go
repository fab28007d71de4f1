package exits

import (
	"math"
	"testing"
	"time"

	"github.com/algomatic/m18/pkg/types"
)

var entryDay = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// forward builds n flat bars after entryDay (close/high/low/open 100, RSI 50)
// and lets fill adjust bar t.
func forward(n int, fill func(t int, b *types.IndicatorBar)) []types.IndicatorBar {
	out := make([]types.IndicatorBar, n)
	for t := range out {
		b := types.NewIndicatorBar("TEST", entryDay.AddDate(0, 0, t+1))
		b.Open, b.High, b.Low, b.Close = 100, 100, 100, 100
		b.RSI = 50
		if fill != nil {
			fill(t, &b)
		}
		out[t] = b
	}
	return out
}

func event(level int) types.BreakoutEvent {
	return types.BreakoutEvent{Symbol: "TEST", EntryDate: entryDay, EntryPrice: 100, MarketLevel: level}
}

func flatLevels(n, level int) types.LevelIndex {
	ls := make([]types.RegimeLevel, 0, n+1)
	for d := 0; d <= n; d++ {
		ls = append(ls, types.RegimeLevel{Date: entryDay.AddDate(0, 0, d), Level: level})
	}
	return types.NewLevelIndex(ls)
}

func TestTablesClampLevel(t *testing.T) {
	if HybridTables.TPPct(5) != 0.38 || HybridTables.Hold(5) != 7 || HybridTables.RSICeiling(5) != 80 {
		t.Errorf("level 5 = (%v, %v, %v), want (0.38, 7, 80)",
			HybridTables.TPPct(5), HybridTables.Hold(5), HybridTables.RSICeiling(5))
	}
	if HybridTables.Hold(0) != 11 || HybridTables.Hold(12) != 5 {
		t.Error("out-of-range levels must clamp to the table ends")
	}
}

func TestHybridTakeProfitScenario(t *testing.T) {
	window := forward(10, func(i int, b *types.IndicatorBar) {
		b.Close = 100 + float64(i+1)
		if i == 2 {
			b.Close, b.High = 140, 141
		}
	})
	out := Hybrid(event(5), window, flatLevels(10, 5), HybridTables, TPReturnClose)
	if out.Reason != types.ExitTP {
		t.Fatalf("reason = %s, want TP", out.Reason)
	}
	if out.BarsHeld != 3 || out.HoldDays != 3 {
		t.Errorf("held = %d bars / %d days, want 3/3", out.BarsHeld, out.HoldDays)
	}
	if !out.ExitDate.Equal(entryDay.AddDate(0, 0, 3)) {
		t.Errorf("exit date = %v, want day 3", out.ExitDate)
	}
	if !approx(out.RetPct, 0.40) {
		t.Errorf("close-priced return = %v, want 0.40", out.RetPct)
	}

	target := Hybrid(event(5), window, flatLevels(10, 5), HybridTables, TPReturnTarget)
	if !approx(target.RetPct, 0.38) || !approx(target.ExitPrice, 138) {
		t.Errorf("target-priced exit = %v @ %v, want 0.38 @ 138", target.RetPct, target.ExitPrice)
	}
}

func TestHybridTPWinsOverRSIOnSameBar(t *testing.T) {
	window := forward(5, func(i int, b *types.IndicatorBar) {
		switch i {
		case 0:
			b.RSI = 85
		case 1:
			b.RSI, b.Close = 60, 140
		}
	})
	out := Hybrid(event(5), window, flatLevels(5, 5), HybridTables, TPReturnClose)
	if out.Reason != types.ExitTP || out.BarsHeld != 2 {
		t.Errorf("got %s after %d bars, want TP after 2", out.Reason, out.BarsHeld)
	}
}

func TestHybridRSIReversal(t *testing.T) {
	window := forward(6, func(i int, b *types.IndicatorBar) {
		switch i {
		case 0:
			b.RSI = 85
		case 1:
			b.RSI, b.Close = 70, 110
		}
	})
	out := Hybrid(event(5), window, flatLevels(6, 5), HybridTables, TPReturnClose)
	if out.Reason != types.ExitRSI || out.BarsHeld != 2 {
		t.Fatalf("got %s after %d bars, want RSI after 2", out.Reason, out.BarsHeld)
	}
	if !approx(out.RetPct, 0.10) {
		t.Errorf("ret = %v, want 0.10", out.RetPct)
	}
}

func TestHybridFirstBarCannotRSIExit(t *testing.T) {
	m := NewHybridManager(100, 5, HybridTables)
	b := forward(1, func(_ int, b *types.IndicatorBar) { b.RSI = 10 })[0]
	if r := m.Step(&b, 5); r != "" {
		t.Errorf("first bar exited with %s", r)
	}
}

func TestHybridTimeAtMinCapAvailable(t *testing.T) {
	long := Hybrid(event(5), forward(20, nil), flatLevels(20, 5), HybridTables, TPReturnClose)
	if long.Reason != types.ExitTime || long.BarsHeld != 7 {
		t.Errorf("long window: %s after %d bars, want TIME after 7", long.Reason, long.BarsHeld)
	}
	short := Hybrid(event(5), forward(4, nil), flatLevels(4, 5), HybridTables, TPReturnClose)
	if short.Reason != types.ExitTime || short.BarsHeld != 4 {
		t.Errorf("short window: %s after %d bars, want TIME after 4", short.Reason, short.BarsHeld)
	}
}

func TestHybridRatchetNeverLoosens(t *testing.T) {
	m := NewHybridManager(100, 9, HybridTables)
	entryCap := HybridTables.Hold(9)
	prevCap := m.DynCap()
	prevLevel := 9
	bars := forward(9, nil)
	for i := range bars {
		level := 9 - i
		if r := m.Step(&bars[i], level); r != "" && r != types.ExitTime {
			t.Fatalf("unexpected exit %s", r)
		}
		if m.DynCap() > prevCap {
			t.Errorf("step %d: cap rose from %d to %d", i, prevCap, m.DynCap())
		}
		if m.DynCap() > entryCap {
			t.Errorf("step %d: cap %d exceeds entry cap %d", i, m.DynCap(), entryCap)
		}
		if m.EffectiveLevel() > prevLevel {
			t.Errorf("step %d: effective level rose to %d", i, m.EffectiveLevel())
		}
		prevCap, prevLevel = m.DynCap(), m.EffectiveLevel()
	}
}

func TestHybridEffectiveLevelIgnoresImprovement(t *testing.T) {
	m := NewHybridManager(100, 3, HybridTables)
	bars := forward(2, nil)
	m.Step(&bars[0], 9)
	if m.EffectiveLevel() != 3 {
		t.Errorf("effective level = %d, want entry level 3", m.EffectiveLevel())
	}
	m.Step(&bars[1], 0)
	if m.EffectiveLevel() != 3 {
		t.Errorf("missing level: effective = %d, want 3", m.EffectiveLevel())
	}
}

func TestHybridExcursions(t *testing.T) {
	m := NewHybridManager(100, 5, HybridTables)
	bars := forward(2, func(i int, b *types.IndicatorBar) {
		b.High, b.Low, b.Close = 120, 90, 110
		if i == 1 {
			b.Close = 100
		}
	})
	for i := range bars {
		m.Step(&bars[i], 5)
	}
	if !approx(m.MaxProfitPct(), 0.20) || !approx(m.MaxDrawdownPct(), 0.10) {
		t.Errorf("mfe/mae = %v/%v, want 0.20/0.10", m.MaxProfitPct(), m.MaxDrawdownPct())
	}
	if !approx(m.RetStd(), 0.05) {
		t.Errorf("ret std = %v, want 0.05", m.RetStd())
	}
}

func TestOutcomesCarryExcursions(t *testing.T) {
	window := forward(3, func(i int, b *types.IndicatorBar) {
		b.ATR = 5
		switch i {
		case 0:
			b.High, b.Low, b.Close = 110, 95, 105
		case 1:
			b.High, b.Low = 112, 97
		}
	})
	m := 0.05 / 3
	wantStd := math.Sqrt((math.Pow(0.05-m, 2) + 2*m*m) / 3)

	outs := map[string]types.ExitOutcome{
		"hybrid": Hybrid(event(5), window, flatLevels(3, 5), HybridTables, TPReturnClose),
		"grid":   EvaluateGrid(event(5), window, DefaultPolicy()).ExitOutcome,
		"atr":    ATRTrail(event(5), window, DefaultATRMult, 0, &HybridTables, TPReturnClose).ExitOutcome,
	}
	for name, out := range outs {
		if out.Reason != types.ExitTime || out.BarsHeld != 3 {
			t.Errorf("%s: %s after %d bars, want TIME after 3", name, out.Reason, out.BarsHeld)
		}
		if !approx(out.MFEPct, 0.12) || !approx(out.MAEPct, 0.05) {
			t.Errorf("%s: mfe/mae = %v/%v, want 0.12/0.05", name, out.MFEPct, out.MAEPct)
		}
		if !approx(out.RetStd, wantStd) {
			t.Errorf("%s: ret std = %v, want %v", name, out.RetStd, wantStd)
		}
	}
}

func TestExcursionStopsAtExitBar(t *testing.T) {
	window := forward(5, func(i int, b *types.IndicatorBar) {
		if i == 4 {
			b.High, b.Low = 130, 60
		}
	})
	got := ATRTrail(event(5), window, DefaultATRMult, 2, nil, TPReturnClose)
	if got.Index != 1 {
		t.Fatalf("index = %d, want 1", got.Index)
	}
	if got.MFEPct != 0 || got.MAEPct != 0 || got.RetStd != 0 {
		t.Errorf("bars after the exit leaked into excursions: %+v", got.ExitOutcome)
	}
}

// rsiRun sets RSI 80,80,80,90,84 on t=0..4, crossing Y=75 at t=0 and
// retracing 6 points from the peak on t=4.
func rsiRun(t int, b *types.IndicatorBar) {
	switch t {
	case 0, 1, 2:
		b.RSI = 80
	case 3:
		b.RSI = 90
	case 4:
		b.RSI = 84
	}
}

func TestGridRSIExit(t *testing.T) {
	window := forward(12, func(i int, b *types.IndicatorBar) {
		rsiRun(i, b)
		if i == 4 {
			b.Close = 112
		}
	})
	got := EvaluateGrid(event(5), window, DefaultPolicy())
	if got.Kind != "rsi" || got.Reason != types.ExitRSI || got.Index != 4 {
		t.Fatalf("got %s/%s at %d, want rsi at 4", got.Kind, got.Reason, got.Index)
	}
	if !approx(got.RetPct, 0.12) {
		t.Errorf("ret = %v, want 0.12", got.RetPct)
	}
	if got.BarsHeld != 5 {
		t.Errorf("bars held = %d, want 5", got.BarsHeld)
	}
}

func TestGridTPPreemptsRSIOnTie(t *testing.T) {
	window := forward(12, func(i int, b *types.IndicatorBar) {
		rsiRun(i, b)
		if i == 4 {
			b.High = 196 // level 5 target is 195
		}
	})
	got := EvaluateGrid(event(5), window, DefaultPolicy())
	if got.Reason != types.ExitTP || got.Index != 4 {
		t.Fatalf("got %s at %d, want TP at 4", got.Reason, got.Index)
	}
	if !approx(got.RetPct, 0.95) {
		t.Errorf("ret = %v, want the 0.95 target", got.RetPct)
	}
}

func TestGridTimedAtMinCapAvailable(t *testing.T) {
	rsi70 := func(_ int, b *types.IndicatorBar) { b.RSI = 70 }
	long := EvaluateGrid(event(5), forward(20, rsi70), DefaultPolicy())
	if long.Kind != "timed" || long.Reason != types.ExitTime || long.BarsHeld != 8 {
		t.Errorf("long window: %s after %d bars, want timed after 8", long.Kind, long.BarsHeld)
	}
	short := EvaluateGrid(event(5), forward(3, rsi70), DefaultPolicy())
	if short.Reason != types.ExitTime || short.BarsHeld != 3 {
		t.Errorf("short window: %s after %d bars, want TIME after 3", short.Reason, short.BarsHeld)
	}
	if short.TimedRet != 0 {
		t.Errorf("timed ret = %v, want 0", short.TimedRet)
	}
}

func TestGridRSIFloor(t *testing.T) {
	window := forward(12, func(i int, b *types.IndicatorBar) {
		switch i {
		case 0, 1, 2:
			b.RSI = 80
		case 3:
			b.RSI = 77
		}
	})
	p := DefaultPolicy()
	if got := EvaluateGrid(event(5), window, p); got.Reason == types.ExitRSI && got.Index == 3 {
		t.Fatal("a 3 point retrace must not exit without a floor")
	}
	p.RSI.Floor = 78
	if got := EvaluateGrid(event(5), window, p); got.Reason != types.ExitRSI || got.Index != 3 {
		t.Errorf("got %s at %d, want RSI at 3", got.Reason, got.Index)
	}
}

func TestGridConfluenceNeedsBothSignals(t *testing.T) {
	p := DefaultPolicy()
	p.Confluence = Confluence{Family: FamilyADXDrop, Param: 5}

	flat := forward(12, func(i int, b *types.IndicatorBar) {
		rsiRun(i, b)
		b.ADX = 30
	})
	if got := EvaluateGrid(event(5), flat, p); got.Kind != "timed" {
		t.Errorf("without ADX drop got %s, want timed", got.Kind)
	}

	dropping := forward(12, func(i int, b *types.IndicatorBar) {
		rsiRun(i, b)
		b.ADX = 30
		if i >= 6 {
			b.ADX = 20
		}
	})
	got := EvaluateGrid(event(5), dropping, p)
	if got.Kind != "rsi+adx_drop" || got.Index != 6 {
		t.Errorf("got %s at %d, want rsi+adx_drop at 6", got.Kind, got.Index)
	}
}

func TestGridVeto(t *testing.T) {
	p := DefaultPolicy()
	p.Veto = DefaultVeto()

	bullish := forward(12, func(i int, b *types.IndicatorBar) {
		rsiRun(i, b)
		b.MACD, b.MACDSignal = 1, 0
	})
	if got := EvaluateGrid(event(5), bullish, p); got.Kind != "timed" {
		t.Errorf("positive histogram should veto, got %s", got.Kind)
	}

	unknown := forward(12, rsiRun)
	got := EvaluateGrid(event(5), unknown, p)
	if got.Reason != types.ExitRSI || got.Index != 5 {
		t.Errorf("got %s at %d, want deferred RSI at 5", got.Reason, got.Index)
	}

	p.Veto.Levels = []int{4}
	if got := EvaluateGrid(event(5), unknown, p); got.Kind != "timed" {
		t.Errorf("level outside allowed set got %s, want timed", got.Kind)
	}
}

func TestGridStartPriceFallback(t *testing.T) {
	window := forward(3, func(i int, b *types.IndicatorBar) {
		b.Open = 50
	})
	ev := event(5)
	ev.EntryPrice = 0
	if got := StartPrice(ev, window); got != 50 {
		t.Errorf("start = %v, want first open 50", got)
	}
}

func TestATRTrail(t *testing.T) {
	closes := []float64{100, 110, 120, 115, 105, 104}
	window := forward(len(closes), func(i int, b *types.IndicatorBar) {
		b.Close = closes[i]
		b.ATR = 5
	})
	got := ATRTrail(event(5), window, DefaultATRMult, 0, &HybridTables, TPReturnClose)
	if got.Reason != types.ExitATR || got.Index != 4 || got.Trigger != 4 {
		t.Fatalf("got %s at %d (trigger %d), want ATR at 4", got.Reason, got.Index, got.Trigger)
	}
	if !approx(got.RetPct, 0.05) {
		t.Errorf("ret = %v, want 0.05", got.RetPct)
	}

	capped := ATRTrail(event(5), window, DefaultATRMult, 3, nil, TPReturnClose)
	if capped.Reason != types.ExitTime || capped.Index != 2 {
		t.Errorf("capped: %s at %d, want TIME at 2", capped.Reason, capped.Index)
	}
}

func TestATRTrailTakeProfitWins(t *testing.T) {
	closes := []float64{100, 140, 100}
	window := forward(len(closes), func(i int, b *types.IndicatorBar) {
		b.Close = closes[i]
		b.ATR = 5
	})
	got := ATRTrail(event(5), window, DefaultATRMult, 0, &HybridTables, TPReturnTarget)
	if got.Reason != types.ExitTP || got.Index != 1 || !approx(got.RetPct, 0.38) {
		t.Errorf("got %s at %d ret %v, want TP at 1 ret 0.38", got.Reason, got.Index, got.RetPct)
	}
}

func TestParsers(t *testing.T) {
	if f, err := ParseFamily(""); err != nil || f != FamilyNone {
		t.Errorf("ParseFamily(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFamily("vwap"); err == nil {
		t.Error("expected error for unknown family")
	}
	if c, err := ParseTPReturn("target"); err != nil || c != TPReturnTarget {
		t.Errorf("ParseTPReturn(target) = %v, %v", c, err)
	}
}
