package dataio

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/algomatic/m18/pkg/detector"
	"github.com/algomatic/m18/pkg/regime"
	"github.com/algomatic/m18/pkg/scoring"
	"github.com/algomatic/m18/pkg/types"
)

// ReadMacro reads an assembled macro table (aliases accepted).
func ReadMacro(r io.Reader) ([]types.MacroRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading CSV: %w", err)
	}
	return regime.ParseMacroTable(records)
}

// WriteMacro writes the canonical macro table.
func WriteMacro(w io.Writer, rows []types.MacroRow) error {
	head := []string{regime.ColDate, regime.ColBTCDom, regime.ColUSDTDom, regime.ColTotalCap, regime.ColTotal3Cap}
	out := make([][]string, 0, len(rows))
	for _, m := range rows {
		out = append(out, []string{
			formatDate(m.Date),
			formatFloat(m.BTCDominance),
			formatFloat(m.USDTDominance),
			formatFloat(m.TotalCap),
			formatFloat(m.Total3Cap),
		})
	}
	return writeAll(w, head, out)
}

// ReadRegimeLevels reads a date,market_level table.
func ReadRegimeLevels(r io.Reader) ([]types.RegimeLevel, error) {
	h, rows, err := readAll(r)
	if err != nil {
		return nil, err
	}
	dateIdx, err := h.require("date", dateAliases...)
	if err != nil {
		return nil, err
	}
	lvlIdx, err := h.require("market_level", "level", "regime_level")
	if err != nil {
		return nil, err
	}
	out := make([]types.RegimeLevel, 0, len(rows))
	for i, row := range rows {
		ts, err := types.ParseTimestamp(cell(row, dateIdx))
		if err != nil {
			return nil, fmt.Errorf("row %d date: %w", i+2, err)
		}
		lvl, err := parseInt(cell(row, lvlIdx))
		if err != nil {
			lvl = types.NeutralLevel
		}
		out = append(out, types.RegimeLevel{Date: types.Day(ts), Level: types.ClampLevel(lvl)})
	}
	return out, nil
}

// WriteRegimeLevels writes one row per day.
func WriteRegimeLevels(w io.Writer, levels []types.RegimeLevel) error {
	out := make([][]string, 0, len(levels))
	for _, l := range levels {
		out = append(out, []string{formatDate(l.Date), strconv.Itoa(l.Level)})
	}
	return writeAll(w, []string{"date", "market_level"}, out)
}

// WriteRegimeDetails writes the per-series scores behind each level.
func WriteRegimeDetails(w io.Writer, details []regime.Detail) error {
	head := []string{
		"date", "btc_d_score", "usdt_d_score", "total_score", "total3_score",
		"avg_raw", "avg_smooth", "market_level",
	}
	out := make([][]string, 0, len(details))
	for _, d := range details {
		out = append(out, []string{
			formatDate(d.Date),
			formatFloat(d.BTCScore),
			formatFloat(d.USDTScore),
			formatFloat(d.TotalScore),
			formatFloat(d.Total3Score),
			formatFloat(d.AvgRaw),
			formatFloat(d.AvgSmooth),
			strconv.Itoa(d.Level),
		})
	}
	return writeAll(w, head, out)
}

var breakoutHeader = []string{
	"symbol", "entry_date", "entry_price", "market_level",
	"score_trd", "score_vty", "score_vol", "score_mom", "score_total", "score_norm",
}

func breakoutRow(e types.BreakoutEvent) []string {
	return []string{
		e.Symbol,
		formatDate(e.EntryDate),
		formatFloat(e.EntryPrice),
		strconv.Itoa(e.MarketLevel),
		formatFloat(e.ScoreTrd),
		formatFloat(e.ScoreVty),
		formatFloat(e.ScoreVol),
		formatFloat(e.ScoreMom),
		formatFloat(e.ScoreTotal),
		formatFloat(e.ScoreNorm),
	}
}

// WriteBreakouts writes a BreakoutEvent table.
func WriteBreakouts(w io.Writer, events []types.BreakoutEvent) error {
	out := make([][]string, 0, len(events))
	for _, e := range events {
		out = append(out, breakoutRow(e))
	}
	return writeAll(w, breakoutHeader, out)
}

type breakoutCols struct {
	symbol, date, price, level int
	scores                     map[string]int
}

func resolveBreakoutCols(h header) (breakoutCols, error) {
	var c breakoutCols
	var err error
	if c.symbol, err = h.require("symbol", "ticker"); err != nil {
		return c, err
	}
	if c.date, err = h.require("entry_date", "entry_time", "date"); err != nil {
		return c, err
	}
	if c.price, err = h.require("entry_price", "close"); err != nil {
		return c, err
	}
	if c.level, err = h.require("market_level", "market_level_at_entry", "level"); err != nil {
		return c, err
	}
	c.scores = make(map[string]int)
	for _, s := range breakoutHeader[4:] {
		if i, ok := h[s]; ok {
			c.scores[s] = i
		}
	}
	return c, nil
}

func (c breakoutCols) parse(row []string) (types.BreakoutEvent, error) {
	ts, err := types.ParseTimestamp(cell(row, c.date))
	if err != nil {
		return types.BreakoutEvent{}, fmt.Errorf("entry date: %w", err)
	}
	lvl, err := parseInt(cell(row, c.level))
	if err != nil {
		lvl = types.NeutralLevel
	}
	score := func(name string) float64 {
		if i, ok := c.scores[name]; ok {
			return parseFloat(cell(row, i))
		}
		return 0
	}
	return types.BreakoutEvent{
		Symbol:      cell(row, c.symbol),
		EntryDate:   ts,
		EntryPrice:  parseFloat(cell(row, c.price)),
		MarketLevel: types.ClampLevel(lvl),
		ScoreTrd:    score("score_trd"),
		ScoreVty:    score("score_vty"),
		ScoreVol:    score("score_vol"),
		ScoreMom:    score("score_mom"),
		ScoreTotal:  score("score_total"),
		ScoreNorm:   score("score_norm"),
	}, nil
}

// ReadBreakouts reads a BreakoutEvent table. Score columns are optional.
func ReadBreakouts(r io.Reader) ([]types.BreakoutEvent, error) {
	h, rows, err := readAll(r)
	if err != nil {
		return nil, err
	}
	cols, err := resolveBreakoutCols(h)
	if err != nil {
		return nil, err
	}
	out := make([]types.BreakoutEvent, 0, len(rows))
	for i, row := range rows {
		ev, err := cols.parse(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

var tradeHeader = append(append([]string(nil), breakoutHeader...),
	"exit_date", "exit_price", "exit_reason", "bars_held", "hold_days", "ret_pct",
	"mfe_pct", "mae_pct", "ret_std",
)

// WriteTrades writes a LabeledTrade table.
func WriteTrades(w io.Writer, trades []types.LabeledTrade) error {
	out := make([][]string, 0, len(trades))
	for _, t := range trades {
		row := breakoutRow(t.BreakoutEvent)
		row = append(row,
			formatDate(t.ExitDate),
			formatFloat(t.ExitPrice),
			string(t.Reason),
			strconv.Itoa(t.BarsHeld),
			strconv.Itoa(t.HoldDays),
			formatFloat(t.RetPct),
			formatFloat(t.MFEPct),
			formatFloat(t.MAEPct),
			formatFloat(t.RetStd),
		)
		out = append(out, row)
	}
	return writeAll(w, tradeHeader, out)
}

// ReadTrades reads a LabeledTrade table.
func ReadTrades(r io.Reader) ([]types.LabeledTrade, error) {
	h, rows, err := readAll(r)
	if err != nil {
		return nil, err
	}
	cols, err := resolveBreakoutCols(h)
	if err != nil {
		return nil, err
	}
	exitDate, err := h.require("exit_date", "exit_time")
	if err != nil {
		return nil, err
	}
	reasonIdx, err := h.require("exit_reason", "exit_type")
	if err != nil {
		return nil, err
	}
	retIdx, err := h.require("ret_pct", "return_pct", "exit_ret")
	if err != nil {
		return nil, err
	}
	priceIdx, hasPrice := h.find("exit_price")
	barsIdx, hasBars := h.find("bars_held")
	daysIdx, hasDays := h.find("hold_days")
	mfeIdx, hasMFE := h.find("mfe_pct", "max_profit")
	maeIdx, hasMAE := h.find("mae_pct", "max_drawdown")
	stdIdx, hasStd := h.find("ret_std")

	out := make([]types.LabeledTrade, 0, len(rows))
	for i, row := range rows {
		ev, err := cols.parse(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		ts, err := types.ParseTimestamp(cell(row, exitDate))
		if err != nil {
			return nil, fmt.Errorf("row %d exit date: %w", i+2, err)
		}
		reason, err := types.ParseExitReason(cell(row, reasonIdx))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		t := types.LabeledTrade{BreakoutEvent: ev}
		t.ExitDate, t.Reason = ts, reason
		t.RetPct = parseFloat(cell(row, retIdx))
		if hasPrice {
			t.ExitPrice = parseFloat(cell(row, priceIdx))
		}
		if hasBars {
			t.BarsHeld, _ = parseInt(cell(row, barsIdx))
		}
		if hasMFE {
			t.MFEPct = parseFloat(cell(row, mfeIdx))
		}
		if hasMAE {
			t.MAEPct = parseFloat(cell(row, maeIdx))
		}
		if hasStd {
			t.RetStd = parseFloat(cell(row, stdIdx))
		}
		t.HoldDays = int(types.Day(ts).Sub(types.Day(ev.EntryDate)).Hours() / 24)
		if hasDays {
			if d, err := parseInt(cell(row, daysIdx)); err == nil {
				t.HoldDays = d
			}
		}
		out = append(out, t)
	}
	return out, nil
}

// WriteScored writes every scored bar with its score breakdown.
func WriteScored(w io.Writer, scored []detector.ScoredBar) error {
	head := []string{
		"symbol", "date", "close", "market_level",
		"score_trd", "score_vty", "score_vol", "score_mom",
		"score_total", "score_raw", "score_norm",
		"static_cutoff", "dynamic_cutoff", "entry_cutoff", "entry_signal",
		"score_band",
	}
	out := make([][]string, 0, len(scored))
	for _, s := range scored {
		out = append(out, []string{
			s.Symbol,
			formatDate(s.Date),
			formatFloat(s.Close),
			strconv.Itoa(s.MarketLevel),
			formatFloat(s.Trend),
			formatFloat(s.Volatility),
			formatFloat(s.Volume),
			formatFloat(s.Momentum),
			formatFloat(s.ScoreTotal),
			formatFloat(s.ScoreRaw),
			formatFloat(s.ScoreNorm),
			formatFloat(s.StaticCutoff),
			formatFloat(s.DynamicCutoff),
			formatFloat(s.EntryCutoff),
			strconv.FormatBool(s.EntrySignal),
			scoring.Band(s.ScoreTotal, s.MarketLevel),
		})
	}
	return writeAll(w, head, out)
}
