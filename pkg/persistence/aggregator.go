// Package persistence stores labelled trades and their per-level summaries
// in Postgres. Trades are grouped by (entry market level, exit reason) and
// each trade row links to its group's summary row.
package persistence

import (
	"slices"
	"strings"
	"time"

	"github.com/algomatic/m18/pkg/types"
	"gonum.org/v1/gonum/stat"
)

// GroupKey identifies one aggregation group.
type GroupKey struct {
	Level  int
	Reason types.ExitReason
}

// AggregatedResult holds the statistics for one group of trades.
// Maps directly to a row in the m18_level_summaries table.
type AggregatedResult struct {
	RunID       string
	Mode        string
	PeriodStart time.Time
	PeriodEnd   time.Time

	Level  int
	Reason types.ExitReason

	NumTrades int
	RetMean   float64
	RetStd    float64
	WinRate   float64
	MeanBars  float64
	BestRet   float64
	WorstRet  float64
	MeanScore float64
}

// TradeRecord holds the fields for one row in the m18_trades table.
type TradeRecord struct {
	ResultID   int64 // FK to m18_level_summaries.id, set after the summary insert
	Symbol     string
	EntryDate  time.Time
	ExitDate   time.Time
	EntryPrice float64
	ExitPrice  float64
	Level      int
	Reason     types.ExitReason
	BarsHeld   int
	HoldDays   int
	RetPct     float64
	MFEPct     float64
	MAEPct     float64
	RetStd     float64
	ScoreTotal float64
	ScoreNorm  float64
}

// AggregateByLevel groups trades by (market level, exit reason) and computes
// per-group statistics. Groups come back ordered by level then reason.
// Trades with a non-finite return count towards NumTrades but not the return
// statistics.
func AggregateByLevel(trades []types.LabeledTrade, runID, mode string) []AggregatedResult {
	if len(trades) == 0 {
		return nil
	}

	periodStart, periodEnd := trades[0].EntryDate, trades[0].EntryDate
	groups := make(map[GroupKey][]types.LabeledTrade)
	for _, t := range trades {
		key := GroupKey{Level: t.MarketLevel, Reason: t.Reason}
		groups[key] = append(groups[key], t)
		if t.EntryDate.Before(periodStart) {
			periodStart = t.EntryDate
		}
		if t.ExitDate.After(periodEnd) {
			periodEnd = t.ExitDate
		}
	}

	results := make([]AggregatedResult, 0, len(groups))
	for key, group := range groups {
		var rets, bars, scores []float64
		wins := 0
		for _, t := range group {
			bars = append(bars, float64(t.BarsHeld))
			if types.Finite(t.ScoreTotal) {
				scores = append(scores, t.ScoreTotal)
			}
			if !types.Finite(t.RetPct) {
				continue
			}
			rets = append(rets, t.RetPct)
			if t.RetPct > 0 {
				wins++
			}
		}

		r := AggregatedResult{
			RunID:       runID,
			Mode:        strings.ToLower(mode),
			PeriodStart: types.Day(periodStart),
			PeriodEnd:   types.Day(periodEnd),
			Level:       key.Level,
			Reason:      key.Reason,
			NumTrades:   len(group),
			MeanBars:    stat.Mean(bars, nil),
		}
		if len(scores) > 0 {
			r.MeanScore = stat.Mean(scores, nil)
		}
		if len(rets) > 0 {
			r.RetMean = stat.Mean(rets, nil)
			r.RetStd = stat.PopStdDev(rets, nil)
			r.WinRate = float64(wins) / float64(len(rets))
			r.BestRet = slices.Max(rets)
			r.WorstRet = slices.Min(rets)
		}
		results = append(results, r)
	}

	slices.SortFunc(results, func(a, b AggregatedResult) int {
		if a.Level != b.Level {
			return a.Level - b.Level
		}
		return strings.Compare(string(a.Reason), string(b.Reason))
	})
	return results
}

// BuildTradeRecords converts labelled trades to TradeRecord structs ready for
// insertion. ResultID is left as 0 until the summaries are saved.
func BuildTradeRecords(trades []types.LabeledTrade) []TradeRecord {
	records := make([]TradeRecord, len(trades))
	for i, t := range trades {
		records[i] = TradeRecord{
			Symbol:     strings.ToUpper(t.Symbol),
			EntryDate:  t.EntryDate,
			ExitDate:   t.ExitDate,
			EntryPrice: t.EntryPrice,
			ExitPrice:  t.ExitPrice,
			Level:      t.MarketLevel,
			Reason:     t.Reason,
			BarsHeld:   t.BarsHeld,
			HoldDays:   t.HoldDays,
			RetPct:     t.RetPct,
			MFEPct:     t.MFEPct,
			MAEPct:     t.MAEPct,
			RetStd:     t.RetStd,
			ScoreTotal: t.ScoreTotal,
			ScoreNorm:  t.ScoreNorm,
		}
	}
	return records
}

// MapTradesToResults assigns each TradeRecord the ResultID of its group.
// Records whose group has no saved summary are counted as unmatched.
func MapTradesToResults(records []TradeRecord, resultIDMap map[GroupKey]int64) (matched []TradeRecord, unmatched int) {
	matched = make([]TradeRecord, 0, len(records))
	for _, tr := range records {
		if rid, ok := resultIDMap[GroupKey{Level: tr.Level, Reason: tr.Reason}]; ok {
			tr.ResultID = rid
			matched = append(matched, tr)
		} else {
			unmatched++
		}
	}
	return matched, unmatched
}
