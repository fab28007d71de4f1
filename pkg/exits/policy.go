package exits

import (
	"fmt"

	"github.com/algomatic/m18/pkg/types"
)

// RSIRetrace is how far below the level's RSI ceiling the hybrid rule waits
// before treating an overbought reading as reversed.
const RSIRetrace = 5.0

// Tables holds the per-level exit parameters, indexed by level-1.
type Tables struct {
	TP      [9]float64
	MaxHold [9]int
	RSIMax  [9]float64
}

// HybridTables are the calibrated tables used by the regime-aware labeler.
var HybridTables = Tables{
	TP:      [9]float64{0.45, 0.44, 0.42, 0.40, 0.38, 0.36, 0.35, 0.34, 0.33},
	MaxHold: [9]int{11, 10, 9, 8, 7, 7, 6, 6, 5},
	RSIMax:  [9]float64{74, 75, 76, 78, 80, 82, 84, 85, 87},
}

// GridTables are the TP and hold defaults of the RSI/confluence backtests.
var GridTables = Tables{
	TP:      [9]float64{0.65, 0.85, 0.90, 0.85, 0.95, 0.90, 0.95, 0.95, 0.95},
	MaxHold: [9]int{5, 5, 8, 6, 8, 6, 6, 7, 6},
	RSIMax:  [9]float64{74, 75, 76, 78, 80, 82, 84, 85, 87},
}

// TPPct returns the take-profit fraction for a level.
func (t Tables) TPPct(level int) float64 {
	return t.TP[types.ClampLevel(level)-1]
}

// Hold returns the maximum hold in bars for a level.
func (t Tables) Hold(level int) int {
	return t.MaxHold[types.ClampLevel(level)-1]
}

// RSICeiling returns the overbought RSI ceiling for a level.
func (t Tables) RSICeiling(level int) float64 {
	return t.RSIMax[types.ClampLevel(level)-1]
}

// TPReturn selects how a take-profit exit is priced.
type TPReturn string

const (
	// TPReturnClose realizes the close of the triggering bar.
	TPReturnClose TPReturn = "close"
	// TPReturnTarget realizes exactly the target percentage.
	TPReturnTarget TPReturn = "target"
)

// ParseTPReturn validates a TP return convention name.
func ParseTPReturn(s string) (TPReturn, error) {
	switch TPReturn(s) {
	case TPReturnClose, TPReturnTarget:
		return TPReturn(s), nil
	case "":
		return TPReturnClose, nil
	}
	return "", fmt.Errorf("unknown tp return convention %q", s)
}
