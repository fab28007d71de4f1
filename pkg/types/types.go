// Package types defines the record types that flow through the M18 pipeline.
//
// Every table the pipeline reads or writes has an explicit struct here:
//   - IndicatorBar = one (symbol, day) row of OHLCV plus derived indicators
//   - MacroRow = one calendar day of the four macro series
//   - RegimeLevel = the 1-9 market level for a calendar day
//   - BreakoutEvent = a detected entry
//   - LabeledTrade = a BreakoutEvent with its ExitOutcome attached
//
// Missing numeric values are NaN and are resolved when the row is loaded.
package types

import (
	"fmt"
	"math"
	"time"
)

// Regime level bounds. NeutralLevel is used whenever a level cannot be derived.
const (
	MinLevel     = 1
	MaxLevel     = 9
	NeutralLevel = 5
)

// ClampLevel forces a level into [MinLevel, MaxLevel].
func ClampLevel(level int) int {
	if level < MinLevel {
		return MinLevel
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}

// Finite reports whether v is neither NaN nor infinite.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Day strips the time component, returning midnight UTC of that date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// IndicatorBar is one daily bar for a symbol with its indicator columns.
type IndicatorBar struct {
	Symbol string
	Date   time.Time

	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64

	// Trend
	EMA5      float64
	EMA10     float64
	EMA50     float64
	EMA100    float64
	EMA200    float64
	EMA5Pct   float64
	EMA10Pct  float64
	EMA50Pct  float64
	EMA100Pct float64
	EMA200Pct float64
	ADX       float64

	// Volatility
	ATR       float64
	ATR3      float64
	ATRPct    float64
	ATRRatio  float64
	StdDevPct float64
	BBW       float64
	Rng       float64

	// Volume
	OBV        float64
	OBVNorm    float64
	CMF        float64
	VolSpike   float64
	VolToPrice float64
	VolSlope   float64

	// Momentum
	RSI        float64
	Stoch      float64
	MACD       float64
	MACDSignal float64
	MACDSlope  float64
}

// IndicatorColumns lists the derived columns in table order.
var IndicatorColumns = []string{
	"ema5", "ema10", "ema50", "ema100", "ema200",
	"ema5_pct", "ema10_pct", "ema50_pct", "ema100_pct", "ema200_pct",
	"adx", "atr", "atr3", "atr_pct", "atr_ratio", "stddev_pct", "bbw", "rng",
	"obv", "obv_norm", "cmf", "volspike", "voltoprice", "volslope",
	"rsi", "stoch", "macd", "macd_signal", "macd_slope",
}

// Field returns a pointer to the named numeric column, or nil if the name is
// unknown. Names are the lower-case table headers, so "volSpike" is "volspike".
func (b *IndicatorBar) Field(name string) *float64 {
	switch name {
	case "open":
		return &b.Open
	case "high":
		return &b.High
	case "low":
		return &b.Low
	case "close":
		return &b.Close
	case "volume":
		return &b.Volume
	case "ema5":
		return &b.EMA5
	case "ema10":
		return &b.EMA10
	case "ema50":
		return &b.EMA50
	case "ema100":
		return &b.EMA100
	case "ema200":
		return &b.EMA200
	case "ema5_pct":
		return &b.EMA5Pct
	case "ema10_pct":
		return &b.EMA10Pct
	case "ema50_pct":
		return &b.EMA50Pct
	case "ema100_pct":
		return &b.EMA100Pct
	case "ema200_pct":
		return &b.EMA200Pct
	case "adx":
		return &b.ADX
	case "atr":
		return &b.ATR
	case "atr3":
		return &b.ATR3
	case "atr_pct":
		return &b.ATRPct
	case "atr_ratio":
		return &b.ATRRatio
	case "stddev_pct":
		return &b.StdDevPct
	case "bbw":
		return &b.BBW
	case "rng":
		return &b.Rng
	case "obv":
		return &b.OBV
	case "obv_norm":
		return &b.OBVNorm
	case "cmf":
		return &b.CMF
	case "volspike":
		return &b.VolSpike
	case "voltoprice":
		return &b.VolToPrice
	case "volslope":
		return &b.VolSlope
	case "rsi":
		return &b.RSI
	case "stoch":
		return &b.Stoch
	case "macd":
		return &b.MACD
	case "macd_signal":
		return &b.MACDSignal
	case "macd_slope":
		return &b.MACDSlope
	}
	return nil
}

// NewIndicatorBar returns a bar with every numeric column set to NaN.
func NewIndicatorBar(symbol string, date time.Time) IndicatorBar {
	b := IndicatorBar{Symbol: symbol, Date: date}
	nan := math.NaN()
	for _, col := range append([]string{"open", "high", "low", "close", "volume"}, IndicatorColumns...) {
		*b.Field(col) = nan
	}
	return b
}

// Candle is one raw OHLCV bar before indicators are derived.
type Candle struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Valid reports whether every price and the volume are finite.
func (c Candle) Valid() bool {
	return Finite(c.Open) && Finite(c.High) && Finite(c.Low) && Finite(c.Close) && Finite(c.Volume)
}

// MacroRow is one calendar day of the assembled macro series.
type MacroRow struct {
	Date          time.Time
	BTCDominance  float64
	USDTDominance float64
	TotalCap      float64
	Total3Cap     float64
}

// RegimeLevel is the market level assigned to a calendar day.
type RegimeLevel struct {
	Date  time.Time
	Level int
}

// LevelIndex maps calendar days to regime levels for exact-day joins.
type LevelIndex map[time.Time]int

// NewLevelIndex builds an index keyed by Day(date).
func NewLevelIndex(levels []RegimeLevel) LevelIndex {
	idx := make(LevelIndex, len(levels))
	for _, l := range levels {
		idx[Day(l.Date)] = ClampLevel(l.Level)
	}
	return idx
}

// Lookup returns the level for the calendar day of t.
func (idx LevelIndex) Lookup(t time.Time) (int, bool) {
	l, ok := idx[Day(t)]
	return l, ok
}

// Component is one scored indicator inside a sub-score: 0, 0.5 or 1.
type Component struct {
	Name  string
	Value float64
}

// SubScoreResult carries the four weighted sub-scores and their components.
type SubScoreResult struct {
	Trend      float64
	Volatility float64
	Volume     float64
	Momentum   float64
	Components []Component
}

// Total is the unweighted sum of the four sub-scores.
func (s SubScoreResult) Total() float64 {
	return s.Trend + s.Volatility + s.Volume + s.Momentum
}

// Component returns the named component value and whether it exists.
func (s SubScoreResult) Component(name string) (float64, bool) {
	for _, c := range s.Components {
		if c.Name == name {
			return c.Value, true
		}
	}
	return 0, false
}

// EntryEvaluation is the outcome of scoring one bar for entry.
type EntryEvaluation struct {
	SubScoreResult
	MarketLevel   int
	ScoreTotal    float64
	ScoreRaw      float64
	ScoreNorm     float64
	StaticCutoff  float64
	DynamicCutoff float64
	EntryCutoff   float64
	EntrySignal   bool
}

// BreakoutEvent is a detected entry handed to the exit engine.
type BreakoutEvent struct {
	Symbol      string
	EntryDate   time.Time
	EntryPrice  float64
	MarketLevel int
	ScoreTrd    float64
	ScoreVty    float64
	ScoreVol    float64
	ScoreMom    float64
	ScoreTotal  float64
	ScoreNorm   float64
}

// ExitReason identifies the rule that closed a trade.
type ExitReason string

const (
	ExitTP   ExitReason = "TP"
	ExitRSI  ExitReason = "RSI"
	ExitTime ExitReason = "TIME"
	ExitATR  ExitReason = "ATR"
)

// ParseExitReason accepts the canonical names plus the "timed" alias.
func ParseExitReason(s string) (ExitReason, error) {
	switch s {
	case "TP", "tp":
		return ExitTP, nil
	case "RSI", "rsi":
		return ExitRSI, nil
	case "TIME", "time", "timed", "Time":
		return ExitTime, nil
	case "ATR", "atr":
		return ExitATR, nil
	}
	return "", fmt.Errorf("unknown exit reason %q", s)
}

// ExitOutcome describes how and when a trade was closed.
type ExitOutcome struct {
	ExitDate  time.Time
	ExitPrice float64
	Reason    ExitReason
	BarsHeld  int
	HoldDays  int
	RetPct    float64
	MFEPct    float64 // best high over the hold relative to entry
	MAEPct    float64 // worst low over the hold relative to entry, positive
	RetStd    float64 // population stdev of per-bar close returns
}

// LabeledTrade is a BreakoutEvent joined with its ExitOutcome.
type LabeledTrade struct {
	BreakoutEvent
	ExitOutcome
}

// String returns a human-readable representation of the trade.
func (t LabeledTrade) String() string {
	return fmt.Sprintf(
		"%s L%d entry=%s@%.4f exit=%s@%.4f ret=%.4f%% bars=%d reason=%s",
		t.Symbol, t.MarketLevel,
		t.EntryDate.Format("2006-01-02"), t.EntryPrice,
		t.ExitDate.Format("2006-01-02"), t.ExitPrice,
		t.RetPct*100, t.BarsHeld, t.Reason,
	)
}

// SkipReason explains why a symbol or trade was left out of a batch.
// The zero value means nothing was skipped.
type SkipReason string

const (
	SkipNone          SkipReason = ""
	SkipNoHistory     SkipReason = "no_history"
	SkipNoBars        SkipReason = "no_bars"
	SkipUnsorted      SkipReason = "unsorted_bars"
	SkipNoForwardBars SkipReason = "no_forward_bars"
	SkipShortWindow   SkipReason = "short_window"
	SkipPanic         SkipReason = "panic"
)
