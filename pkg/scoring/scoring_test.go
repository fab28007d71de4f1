package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/algomatic/m18/pkg/types"
)

const eps = 1e-9

func approx(a, b float64) bool { return math.Abs(a-b) < eps }

// greenBar returns a bar where every component clears its green threshold
// at any level.
func greenBar() types.IndicatorBar {
	b := types.NewIndicatorBar("TEST", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	b.EMA10Pct, b.EMA50Pct, b.EMA100Pct, b.EMA200Pct = 0.5, 0.4, 0.3, 0.2
	b.ADX = 50
	b.ATRRatio, b.ATRPct, b.StdDevPct, b.BBW, b.Rng = 2, 2, 2, 10, 3
	b.OBVNorm, b.CMF, b.VolSpike, b.VolToPrice, b.VolSlope = 1, 2, 3, 4, 3
	b.RSI, b.Stoch, b.MACD, b.MACDSlope = 70, 90, 1, 0.5
	return b
}

func TestScoreScale(t *testing.T) {
	tests := []struct {
		v, y, g, want float64
	}{
		{0.9, 1.0, 1.2, 0},
		{1.0, 1.0, 1.2, 0.5},
		{1.1, 1.0, 1.2, 0.5},
		{1.2, 1.0, 1.2, 1},
		{0, 0, 0, 1},
		{-0.001, 0, 0, 0},
		{math.NaN(), 0, 0, 0},
	}
	for _, tt := range tests {
		if got := ScoreScale(tt.v, tt.y, tt.g); got != tt.want {
			t.Errorf("ScoreScale(%v, %v, %v) = %v, want %v", tt.v, tt.y, tt.g, got, tt.want)
		}
	}
}

func TestBand(t *testing.T) {
	tests := []struct {
		score float64
		level int
		want  string
	}{
		{82.6, 5, "green"},
		{57, 5, "yellow"},
		{56.9, 5, "red"},
		{40, 2, "yellow"},
		{90, 12, "green"},
		{math.NaN(), 5, ""},
	}
	for _, tt := range tests {
		if got := Band(tt.score, tt.level); got != tt.want {
			t.Errorf("Band(%v, %d) = %q, want %q", tt.score, tt.level, got, tt.want)
		}
	}
}

func TestSubScoresAllGreen(t *testing.T) {
	b := greenBar()
	s := SubScores(&b, 5)
	if !approx(s.Trend, 54.0) {
		t.Errorf("trend = %v, want 54", s.Trend)
	}
	if !approx(s.Volatility, 21.0) {
		t.Errorf("volatility = %v, want 21", s.Volatility)
	}
	if !approx(s.Volume, 16.0) {
		t.Errorf("volume = %v, want 16", s.Volume)
	}
	if !approx(s.Momentum, 9.0) {
		t.Errorf("momentum = %v, want 9", s.Momentum)
	}
	if len(s.Components) != 19 {
		t.Errorf("expected 19 components, got %d", len(s.Components))
	}
	if v, ok := s.Component("volSpike"); !ok || v != 1 {
		t.Errorf("volSpike component = (%v, %v), want (1, true)", v, ok)
	}
}

func TestSubScoresMissingIndicatorsScoreZero(t *testing.T) {
	b := types.NewIndicatorBar("TEST", time.Time{})
	s := SubScores(&b, 3)
	if s.Total() != 0 {
		t.Errorf("expected zero total for all-NaN bar, got %v", s.Total())
	}
}

func TestTrendADXDependsOnLevel(t *testing.T) {
	b := greenBar()
	b.ADX = 38 // green at level 4 (32.63), only yellow at level 9 (33.66 / 45.08)
	_, c4 := Trend(&b, 4)
	_, c9 := Trend(&b, 9)
	if c4[4].Value != 1 {
		t.Errorf("level 4 adx component = %v, want 1", c4[4].Value)
	}
	if c9[4].Value != 0.5 {
		t.Errorf("level 9 adx component = %v, want 0.5", c9[4].Value)
	}
}

func TestVolumeThresholdsTightenWithLevel(t *testing.T) {
	b := greenBar()
	b.CMF = 0.55
	_, low := Volume(&b, 1)
	_, high := Volume(&b, 9)
	if low[1].Value != 1 {
		t.Errorf("level 1 cmf = %v, want 1", low[1].Value)
	}
	if high[1].Value != 0 {
		t.Errorf("level 9 cmf = %v, want 0", high[1].Value)
	}
}

func TestEvaluateEntryComposite(t *testing.T) {
	b := greenBar()
	ev := EvaluateEntry(&b, 5, 0, 0, 0, DefaultEntryParams())
	// raw = 54*1.0 + 9*1.1 + 21*1.2 + 1.1 = 90.2 ; norm = 90.2 / (2*4.4)
	if !approx(ev.ScoreRaw, 90.2) {
		t.Errorf("score_raw = %v, want 90.2", ev.ScoreRaw)
	}
	if !approx(ev.ScoreNorm, 90.2/8.8) {
		t.Errorf("score_norm = %v, want %v", ev.ScoreNorm, 90.2/8.8)
	}
	if !approx(ev.ScoreTotal, 100) {
		t.Errorf("score_total = %v, want 100", ev.ScoreTotal)
	}
	if !approx(ev.EntryCutoff, 0.72) {
		t.Errorf("entry_cutoff = %v, want static 0.72", ev.EntryCutoff)
	}
	if !ev.EntrySignal {
		t.Error("expected entry signal")
	}
}

func TestEvaluateEntryVolumeOnlyEntersThroughGate(t *testing.T) {
	a := greenBar()
	b := greenBar()
	b.OBVNorm, b.CMF, b.VolSpike, b.VolToPrice, b.VolSlope = -1, -1, -1, -1, -1
	ea := EvaluateEntry(&a, 6, 0, 0, 0, DefaultEntryParams())
	eb := EvaluateEntry(&b, 6, 0, 0, 0, DefaultEntryParams())
	if ea.ScoreNorm != eb.ScoreNorm {
		t.Errorf("volume sub-score changed score_norm: %v vs %v", ea.ScoreNorm, eb.ScoreNorm)
	}
	if ea.ScoreTotal == eb.ScoreTotal {
		t.Error("expected score_total to reflect the volume sub-score")
	}
}

func TestEvaluateEntryDynamicCutoff(t *testing.T) {
	b := greenBar()
	// mean 10 + 0.5*2 = 11 beats the static 0.72 and the bar's 10.25
	ev := EvaluateEntry(&b, 5, 10, 2, 0, DefaultEntryParams())
	if !approx(ev.EntryCutoff, 11) {
		t.Errorf("entry_cutoff = %v, want 11", ev.EntryCutoff)
	}
	if ev.EntrySignal {
		t.Error("expected no signal below the dynamic cutoff")
	}
}

func TestEvaluateEntryRequiresRisingScore(t *testing.T) {
	b := greenBar()
	first := EvaluateEntry(&b, 5, 0, 0, 0, DefaultEntryParams())
	again := EvaluateEntry(&b, 5, 0, 0, first.ScoreNorm, DefaultEntryParams())
	if again.EntrySignal {
		t.Error("equal score to previous bar must not fire")
	}
	lower := EvaluateEntry(&b, 5, 0, 0, first.ScoreNorm+1, DefaultEntryParams())
	if lower.EntrySignal {
		t.Error("score below previous bar must not fire")
	}
}

func TestEvaluateEntryStaticAdjustment(t *testing.T) {
	b := types.NewIndicatorBar("TEST", time.Time{})
	// all-NaN bar: norm = 1.1 / 8.8 = 0.125
	ev := EvaluateEntry(&b, 5, 0, 0, 0, EntryParams{StaticAdj: -0.7})
	if !approx(ev.ScoreNorm, 0.125) {
		t.Fatalf("score_norm = %v, want 0.125", ev.ScoreNorm)
	}
	if !approx(ev.StaticCutoff, 0.02) {
		t.Errorf("static cutoff = %v, want 0.02", ev.StaticCutoff)
	}
	if !ev.EntrySignal {
		t.Error("expected signal with lowered static cutoff")
	}
}

func TestWeightsAndCutoffTables(t *testing.T) {
	prev := WeightsFor(1)
	for lvl := 2; lvl <= 9; lvl++ {
		w := WeightsFor(lvl)
		if w.Trend >= prev.Trend {
			t.Errorf("trend weight must fall with level: L%d %v >= L%d %v", lvl, w.Trend, lvl-1, prev.Trend)
		}
		if BaseCutoff(lvl) <= BaseCutoff(lvl-1) {
			t.Errorf("base cutoff must rise with level at L%d", lvl)
		}
		prev = w
	}
	if WeightsFor(0) != WeightsFor(1) || WeightsFor(42) != WeightsFor(9) {
		t.Error("out-of-range levels must clamp")
	}
}

func TestEvaluateEntryDeterministic(t *testing.T) {
	b := greenBar()
	b.ADX = 30
	b.RSI = 55
	a := EvaluateEntry(&b, 7, 0.4, 0.1, 0.2, DefaultEntryParams())
	c := EvaluateEntry(&b, 7, 0.4, 0.1, 0.2, DefaultEntryParams())
	if a.ScoreNorm != c.ScoreNorm || a.EntryCutoff != c.EntryCutoff || a.EntrySignal != c.EntrySignal {
		t.Error("EvaluateEntry is not deterministic")
	}
}
