package exits

import (
	"math"

	"github.com/algomatic/m18/pkg/types"
)

// DefaultATRMult is the trail multiplier of the calibrated hybrid sweep.
const DefaultATRMult = 1.25

// ATRExit is the result of ATRTrail.
type ATRExit struct {
	types.ExitOutcome
	Index   int
	Trigger int // index where close broke the trail, -1 if never
}

// ATRTrail applies a trailing stop at running_max(close) - mult*ATR over a
// non-empty forward window. The exit is on the first bar that closes below
// the stop; capBars > 0 exits no later than bar capBars. A take-profit on or
// before that bar still wins when tables is non-nil.
func ATRTrail(ev types.BreakoutEvent, window []types.IndicatorBar, mult float64, capBars int, tables *Tables, conv TPReturn) ATRExit {
	last := len(window) - 1
	trigger := -1
	runMax := math.Inf(-1)
	for t := range window {
		c := window[t].Close
		if types.Finite(c) {
			runMax = math.Max(runMax, c)
		}
		atr := window[t].ATR
		if !types.Finite(atr) || !types.Finite(runMax) {
			continue
		}
		if c < runMax-mult*atr {
			trigger = t
			break
		}
	}

	idx, reason := last, types.ExitTime
	if trigger >= 0 {
		idx, reason = trigger, types.ExitATR
	}
	if capBars > 0 && capBars-1 < idx {
		idx, reason = capBars-1, types.ExitTime
	}

	price := window[idx].Close
	if tables != nil {
		target := ev.EntryPrice * (1 + tables.TPPct(ev.MarketLevel))
		for t := 0; t <= idx; t++ {
			if window[t].Close >= target {
				idx, reason = t, types.ExitTP
				price = window[t].Close
				if conv == TPReturnTarget {
					price = target
				}
				break
			}
		}
	}
	out := Outcome(ev, &window[idx], idx, reason, price)
	exc := measure(ev.EntryPrice, window[:idx+1])
	exc.fill(&out)
	return ATRExit{
		ExitOutcome: out,
		Index:       idx,
		Trigger:     trigger,
	}
}
