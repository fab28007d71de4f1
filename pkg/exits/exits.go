// Package exits implements the exit rules applied to a breakout entry.
//
// Three variants share the same per-level tables: the regime-aware hybrid
// manager (TP fixed at entry, RSI ceiling and hold cap ratcheting tighter as
// the regime worsens), the grid evaluator (configurable RSI rule, optional
// confluence confirmation or veto) and the ATR trailing stop. In every
// variant a take-profit on or before the chosen exit bar wins.
package exits

import (
	"math"

	"github.com/algomatic/m18/pkg/types"
	"gonum.org/v1/gonum/stat"
)

// HybridManager manages exit logic for a single trade.
// Initialized at entry with the entry-level parameters.
// Call Step() each forward bar to determine if the trade should be closed.
type HybridManager struct {
	EntryPrice float64
	EntryLevel int
	TPPrice    float64

	BarsHeld int
	tables   Tables
	dynCap   int
	effLevel int
	prevRSI  float64
	exc      excursion
}

// NewHybridManager creates a manager for an entry at entryLevel.
// The hold cap starts at the entry level's cap and can only shrink.
func NewHybridManager(entryPrice float64, entryLevel int, tables Tables) *HybridManager {
	entryLevel = types.ClampLevel(entryLevel)
	return &HybridManager{
		EntryPrice: entryPrice,
		EntryLevel: entryLevel,
		TPPrice:    entryPrice * (1 + tables.TPPct(entryLevel)),
		tables:     tables,
		dynCap:     tables.Hold(entryLevel),
		effLevel:   entryLevel,
		prevRSI:    math.NaN(),
		exc:        newExcursion(entryPrice),
	}
}

// Step evaluates one forward bar. level is the regime level for the bar's
// day; a value outside 1..9 means the day had no level and the entry level
// is assumed. Returns the exit reason, or empty string if the trade stays open.
func (m *HybridManager) Step(bar *types.IndicatorBar, level int) types.ExitReason {
	m.BarsHeld++
	m.exc.add(bar)

	if level < types.MinLevel || level > types.MaxLevel {
		level = m.EntryLevel
	}
	m.effLevel = min(m.EntryLevel, level)
	m.dynCap = min(m.dynCap, m.tables.Hold(m.effLevel))

	// 1. Take profit against the entry-level target
	if bar.Close >= m.TPPrice {
		return types.ExitTP
	}

	// 2. RSI reversal from above the effective ceiling
	ceiling := m.tables.RSICeiling(m.effLevel)
	prev := m.prevRSI
	m.prevRSI = bar.RSI
	if prev > ceiling && bar.RSI < ceiling-RSIRetrace {
		return types.ExitRSI
	}

	// 3. Time cap
	if m.BarsHeld >= m.dynCap {
		return types.ExitTime
	}
	return ""
}

// DynCap returns the current, possibly tightened, hold cap in bars.
func (m *HybridManager) DynCap() int {
	return m.dynCap
}

// EffectiveLevel returns the level used on the most recent step.
func (m *HybridManager) EffectiveLevel() int {
	return m.effLevel
}

// MaxDrawdownPct returns the maximum adverse excursion as a fraction of entry price.
func (m *HybridManager) MaxDrawdownPct() float64 {
	return m.exc.mae()
}

// MaxProfitPct returns the maximum favorable excursion as a fraction of entry price.
func (m *HybridManager) MaxProfitPct() float64 {
	return m.exc.mfe()
}

// RetStd returns the population standard deviation of the bar-by-bar
// close return during the hold.
func (m *HybridManager) RetStd() float64 {
	return m.exc.retStd()
}

// ExitPrice determines the fill for an exit on a bar that closed at closePrice.
func (m *HybridManager) ExitPrice(reason types.ExitReason, closePrice float64, conv TPReturn) float64 {
	if reason == types.ExitTP && conv == TPReturnTarget {
		return m.TPPrice
	}
	return closePrice
}

// Hybrid walks the forward window with a HybridManager. The window must hold
// only bars after the entry, in ascending date order, and be non-empty. If no
// rule fires the trade closes TIME on the last bar.
func Hybrid(
	ev types.BreakoutEvent,
	window []types.IndicatorBar,
	levels types.LevelIndex,
	tables Tables,
	conv TPReturn,
) types.ExitOutcome {
	m := NewHybridManager(ev.EntryPrice, ev.MarketLevel, tables)
	for i := range window {
		bar := &window[i]
		level, ok := levels.Lookup(bar.Date)
		if !ok {
			level = 0
		}
		if reason := m.Step(bar, level); reason != "" {
			out := Outcome(ev, bar, i, reason, m.ExitPrice(reason, bar.Close, conv))
			m.exc.fill(&out)
			return out
		}
	}
	last := len(window) - 1
	out := Outcome(ev, &window[last], last, types.ExitTime, window[last].Close)
	m.exc.fill(&out)
	return out
}

// Outcome builds the ExitOutcome for an exit on window index idx at price.
func Outcome(ev types.BreakoutEvent, bar *types.IndicatorBar, idx int, reason types.ExitReason, price float64) types.ExitOutcome {
	ret := math.NaN()
	if ev.EntryPrice > 0 {
		ret = price/ev.EntryPrice - 1
	}
	return types.ExitOutcome{
		ExitDate:  bar.Date,
		ExitPrice: price,
		Reason:    reason,
		BarsHeld:  idx + 1,
		HoldDays:  int(types.Day(bar.Date).Sub(types.Day(ev.EntryDate)).Hours() / 24),
		RetPct:    ret,
	}
}

// excursion tracks the best high, worst low and per-bar close returns of an
// open trade relative to its entry price.
type excursion struct {
	entry float64
	best  float64
	worst float64
	rets  []float64
}

func newExcursion(entry float64) excursion {
	return excursion{entry: entry, best: entry, worst: entry, rets: make([]float64, 0, 16)}
}

// measure runs an excursion over the bars held, exit bar included.
func measure(entry float64, held []types.IndicatorBar) excursion {
	x := newExcursion(entry)
	for i := range held {
		x.add(&held[i])
	}
	return x
}

func (x *excursion) add(bar *types.IndicatorBar) {
	if types.Finite(bar.High) {
		x.best = math.Max(x.best, bar.High)
	}
	if types.Finite(bar.Low) {
		x.worst = math.Min(x.worst, bar.Low)
	}
	if x.entry > 0 && types.Finite(bar.Close) {
		x.rets = append(x.rets, bar.Close/x.entry-1)
	}
}

func (x *excursion) mfe() float64 {
	if x.entry <= 0 {
		return 0
	}
	return (x.best - x.entry) / x.entry
}

func (x *excursion) mae() float64 {
	if x.entry <= 0 {
		return 0
	}
	return (x.entry - x.worst) / x.entry
}

func (x *excursion) retStd() float64 {
	if len(x.rets) < 2 {
		return 0
	}
	return stat.PopStdDev(x.rets, nil)
}

func (x *excursion) fill(out *types.ExitOutcome) {
	out.MFEPct = x.mfe()
	out.MAEPct = x.mae()
	out.RetStd = x.retStd()
}
