package exits

import (
	"fmt"
	"math"
	"slices"

	"github.com/algomatic/m18/pkg/types"
)

// RSIRule is the generalised RSI reversal: RSI must hold at or above Y for M
// consecutive bars (the cross), after which the exit fires on the first bar
// where RSI has retraced at least Delta from its running peak, or has fallen
// to Floor when Floor is positive.
type RSIRule struct {
	Y     float64
	Delta float64
	M     int
	Floor float64
}

// DefaultRSIRule is Y=75, Delta=5, M=3 with no floor.
func DefaultRSIRule() RSIRule {
	return RSIRule{Y: 75, Delta: 5, M: 3}
}

// Family names a confluence indicator family.
type Family string

const (
	FamilyNone        Family = "none"
	FamilyMACD        Family = "macd_leq"
	FamilyADXDrop     Family = "adx_drop"
	FamilyBBWContract Family = "bbw_contract"
)

// ParseFamily validates a family name. Empty means FamilyNone.
func ParseFamily(s string) (Family, error) {
	switch Family(s) {
	case "", FamilyNone:
		return FamilyNone, nil
	case FamilyMACD, FamilyADXDrop, FamilyBBWContract:
		return Family(s), nil
	}
	return "", fmt.Errorf("unknown confluence family %q", s)
}

// Confluence requires a second indicator to confirm the RSI exit. The exit
// lands on the later of the two signal bars; without both there is no
// early exit.
type Confluence struct {
	Family Family
	Param  float64
}

// Veto suppresses an RSI exit while the trend still looks intact: ADX within
// ADXKeep of its peak, BBW contracted less than BBWKeep from its peak, or a
// MACD histogram above MACDKeep. Levels, when non-empty, restricts RSI exits
// to those entry levels.
type Veto struct {
	ADXKeep  float64
	BBWKeep  float64
	MACDKeep float64
	Defer    bool
	Levels   []int
}

// DefaultVeto returns the thresholds of the calibrated confluence policy.
func DefaultVeto() *Veto {
	return &Veto{ADXKeep: 5, BBWKeep: 0.20, MACDKeep: 0, Defer: true}
}

// Policy configures EvaluateGrid.
type Policy struct {
	Tables     Tables
	RSI        RSIRule
	Confluence Confluence
	Veto       *Veto
	TPReturn   TPReturn
}

// DefaultPolicy is the RSI-only grid policy with target-priced TP exits.
func DefaultPolicy() Policy {
	return Policy{
		Tables:     GridTables,
		RSI:        DefaultRSIRule(),
		Confluence: Confluence{Family: FamilyNone},
		TPReturn:   TPReturnTarget,
	}
}

// Kind returns the exit-type label used in grid reports.
func (p Policy) Kind() string {
	if p.Confluence.Family == "" || p.Confluence.Family == FamilyNone {
		return "rsi"
	}
	return "rsi+" + string(p.Confluence.Family)
}

// GridExit is the result of EvaluateGrid.
type GridExit struct {
	types.ExitOutcome
	Index    int
	Kind     string // tp, rsi, rsi+<family>, timed
	TimedRet float64
}

// StartPrice returns the entry price, or the first bar's open, or its close.
func StartPrice(ev types.BreakoutEvent, window []types.IndicatorBar) float64 {
	if ev.EntryPrice > 0 && types.Finite(ev.EntryPrice) {
		return ev.EntryPrice
	}
	if len(window) == 0 {
		return math.NaN()
	}
	if types.Finite(window[0].Open) && window[0].Open > 0 {
		return window[0].Open
	}
	return window[0].Close
}

// EvaluateGrid applies a grid policy to a non-empty forward window. Index 0
// is the first bar after entry; the time cap lands on index
// min(hold, len(window))-1.
func EvaluateGrid(ev types.BreakoutEvent, window []types.IndicatorBar, p Policy) GridExit {
	level := types.ClampLevel(ev.MarketLevel)
	start := StartPrice(ev, window)
	tp := p.Tables.TPPct(level)
	capIdx := min(p.Tables.Hold(level), len(window)) - 1
	if capIdx < 0 {
		capIdx = 0
	}

	closeRet := func(t int) float64 {
		c := window[t].Close
		if !types.Finite(c) || !(start > 0) {
			return math.NaN()
		}
		return c/start - 1
	}
	timedRet := closeRet(capIdx)

	tEx, kind, reason := capIdx, "timed", types.ExitTime

	tRSI := rsiExitIndex(window, capIdx, p.RSI)
	if tRSI >= 0 && p.Confluence.Family != "" && p.Confluence.Family != FamilyNone {
		tConf := confluenceIndex(window, capIdx, p.Confluence)
		if tConf < 0 {
			tRSI = -1
		} else {
			tRSI = max(tRSI, tConf)
		}
	}
	if tRSI >= 0 && p.Veto != nil {
		tRSI = applyVeto(window, capIdx, level, tRSI, p.Veto)
	}
	if tRSI >= 0 {
		tEx, kind, reason = tRSI, p.Kind(), types.ExitRSI
	}

	price := window[tEx].Close
	ret := closeRet(tEx)

	// TP pre-emption, ties favour TP
	target := start * (1 + tp)
	if tTP := tpIndex(window, capIdx, target); tTP >= 0 && tTP <= tEx {
		tEx, kind, reason = tTP, "tp", types.ExitTP
		if p.TPReturn == TPReturnClose {
			price, ret = window[tTP].Close, closeRet(tTP)
		} else {
			price, ret = target, tp
		}
	}

	if !types.Finite(ret) {
		ret = timedRet
	}
	if !types.Finite(ret) {
		ret = 0
	}
	out := Outcome(ev, &window[tEx], tEx, reason, price)
	out.RetPct = ret
	exc := measure(start, window[:tEx+1])
	exc.fill(&out)
	return GridExit{ExitOutcome: out, Index: tEx, Kind: kind, TimedRet: timedRet}
}

// tpIndex returns the first index up to capIdx whose high reaches target.
func tpIndex(window []types.IndicatorBar, capIdx int, target float64) int {
	if !types.Finite(target) {
		return -1
	}
	for t := 0; t <= capIdx; t++ {
		if window[t].High >= target {
			return t
		}
	}
	return -1
}

// rsiCrossIndex returns the first t where RSI holds >= Y for M bars, all
// within capIdx.
func rsiCrossIndex(window []types.IndicatorBar, capIdx int, r RSIRule) int {
	m := max(r.M, 1)
	for t := 0; t+m-1 <= capIdx; t++ {
		held := true
		for k := t; k < t+m; k++ {
			x := window[k].RSI
			if !types.Finite(x) || x < r.Y {
				held = false
				break
			}
		}
		if held {
			return t
		}
	}
	return -1
}

func rsiExitIndex(window []types.IndicatorBar, capIdx int, r RSIRule) int {
	tc := rsiCrossIndex(window, capIdx, r)
	if tc < 0 {
		return -1
	}
	peak := math.Inf(-1)
	for t := tc; t <= capIdx; t++ {
		x := window[t].RSI
		if !types.Finite(x) {
			continue
		}
		peak = math.Max(peak, x)
		if peak-x >= r.Delta {
			return t
		}
		if r.Floor > 0 && x <= r.Floor {
			return t
		}
	}
	return -1
}

func confluenceIndex(window []types.IndicatorBar, capIdx int, c Confluence) int {
	switch c.Family {
	case FamilyMACD:
		for t := 0; t <= capIdx; t++ {
			h := window[t].MACD - window[t].MACDSignal
			if types.Finite(h) && h <= c.Param {
				return t
			}
		}
	case FamilyADXDrop:
		peak := math.Inf(-1)
		for t := 0; t <= capIdx; t++ {
			a := window[t].ADX
			if !types.Finite(a) {
				continue
			}
			peak = math.Max(peak, a)
			if peak-a >= c.Param {
				return t
			}
		}
	case FamilyBBWContract:
		peak := math.Inf(-1)
		for t := 0; t <= capIdx; t++ {
			b := window[t].BBW
			if !types.Finite(b) {
				continue
			}
			peak = math.Max(peak, b)
			if peak > 0 && (peak-b)/peak >= c.Param {
				return t
			}
		}
	}
	return -1
}

// applyVeto returns the RSI exit index after the veto, or -1 when vetoed.
func applyVeto(window []types.IndicatorBar, capIdx, level, tRSI int, v *Veto) int {
	if len(v.Levels) > 0 && !slices.Contains(v.Levels, level) {
		return -1
	}
	if v.Defer {
		tRSI = min(tRSI+1, capIdx)
	}
	if r, ok := dropFromPeak(window, tRSI, func(b *types.IndicatorBar) float64 { return b.ADX }); ok && r.drop() < v.ADXKeep {
		return -1
	}
	if r, ok := dropFromPeak(window, tRSI, func(b *types.IndicatorBar) float64 { return b.BBW }); ok && r.peak > 0 {
		if r.drop()/r.peak < v.BBWKeep {
			return -1
		}
	}
	if h := window[tRSI].MACD - window[tRSI].MACDSignal; types.Finite(h) && h > v.MACDKeep {
		return -1
	}
	return tRSI
}

type peakReading struct {
	peak  float64
	value float64
}

// drop returns peak-value.
func (p peakReading) drop() float64 { return p.peak - p.value }

// dropFromPeak reads an indicator's running peak over [0, t] and its value
// at t. ok is false when either is missing.
func dropFromPeak(window []types.IndicatorBar, t int, get func(*types.IndicatorBar) float64) (peakReading, bool) {
	peak := math.Inf(-1)
	for k := 0; k <= t; k++ {
		if x := get(&window[k]); types.Finite(x) {
			peak = math.Max(peak, x)
		}
	}
	x := get(&window[t])
	if !types.Finite(peak) || !types.Finite(x) {
		return peakReading{}, false
	}
	return peakReading{peak: peak, value: x}, true
}
