package indicators

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/algomatic/m18/pkg/types"
)

var t0 = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func flatCandles(n int) []types.Candle {
	out := make([]types.Candle, n)
	for i := range out {
		out[i] = types.Candle{Date: t0.AddDate(0, 0, i), Open: 100, High: 102, Low: 98, Close: 100, Volume: 1000}
	}
	return out
}

func TestGenerateFlatSeries(t *testing.T) {
	bars, err := Generate("FLAT", flatCandles(60))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bars) != 60 {
		t.Fatalf("expected 60 bars, got %d", len(bars))
	}
	b := bars[59]
	checks := []struct {
		name      string
		got, want float64
	}{
		{"rng", b.Rng, 4},
		{"voltoprice", b.VolToPrice, 10},
		{"atr", b.ATR, 4},
		{"atr_pct", b.ATRPct, 0.04},
		{"atr_ratio", b.ATRRatio, 1},
		{"stddev_pct", b.StdDevPct, 0},
		{"bbw", b.BBW, 0},
		{"obv_norm", b.OBVNorm, 1},
		{"cmf", b.CMF, 0},
		{"volspike", b.VolSpike, 1},
		{"ema10_pct", b.EMA10Pct, 0},
		{"ema50", b.EMA50, 100},
		{"volslope", b.VolSlope, 0},
	}
	for _, c := range checks {
		if !approx(c.got, c.want) {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if b.Symbol != "FLAT" || !b.Date.Equal(t0.AddDate(0, 0, 59)) {
		t.Errorf("identity not carried: %s %v", b.Symbol, b.Date)
	}
}

func TestGenerateWarmupIsNaN(t *testing.T) {
	candles := make([]types.Candle, 250)
	for i := range candles {
		c := 100 + float64(i)
		candles[i] = types.Candle{Date: t0.AddDate(0, 0, i), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000 + float64(i)}
	}
	bars, err := Generate("UP", candles)
	if err != nil {
		t.Fatal(err)
	}
	warm := []struct {
		name  string
		first int // first finite index
		get   func(b types.IndicatorBar) float64
	}{
		{"ema200", 199, func(b types.IndicatorBar) float64 { return b.EMA200 }},
		{"ema10", 9, func(b types.IndicatorBar) float64 { return b.EMA10 }},
		{"rsi", RSIPeriod, func(b types.IndicatorBar) float64 { return b.RSI }},
		{"atr", ATRPeriod, func(b types.IndicatorBar) float64 { return b.ATR }},
		{"atr_ratio", ATRPeriod + RollPeriod - 1, func(b types.IndicatorBar) float64 { return b.ATRRatio }},
		{"macd_signal", MACDSlow + MACDSignal - 2, func(b types.IndicatorBar) float64 { return b.MACDSignal }},
		{"cmf", RollPeriod - 1, func(b types.IndicatorBar) float64 { return b.CMF }},
	}
	for _, w := range warm {
		if v := w.get(bars[w.first-1]); !math.IsNaN(v) {
			t.Errorf("%s at %d = %v, want NaN", w.name, w.first-1, v)
		}
		if v := w.get(bars[w.first]); !types.Finite(v) {
			t.Errorf("%s at %d = %v, want finite", w.name, w.first, v)
		}
	}
	if bars[0].OBV != 1000 || bars[3].OBV != 1000+1001+1002+1003 {
		t.Errorf("obv = %v, %v", bars[0].OBV, bars[3].OBV)
	}
	if !math.IsNaN(bars[0].VolSlope) {
		t.Error("first bar volslope should be NaN")
	}
}

func TestGenerateDropsInvalidCandles(t *testing.T) {
	candles := flatCandles(10)
	candles[4].Close = math.NaN()
	bars, err := Generate("GAP", candles)
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 9 {
		t.Errorf("expected 9 bars, got %d", len(bars))
	}
}

func TestGenerateRejectsUnsorted(t *testing.T) {
	candles := flatCandles(5)
	candles[2].Date = candles[1].Date
	if _, err := Generate("BAD", candles); !errors.Is(err, ErrUnsorted) {
		t.Errorf("expected ErrUnsorted, got %v", err)
	}
}

func TestGenerateEmpty(t *testing.T) {
	bars, err := Generate("NONE", nil)
	if err != nil || len(bars) != 0 {
		t.Errorf("got %d bars, err %v", len(bars), err)
	}
}
