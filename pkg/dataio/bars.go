package dataio

import (
	"fmt"
	"io"
	"sort"

	"github.com/algomatic/m18/pkg/types"
)

var dateAliases = []string{"timestamp", "time", "datetime", "day"}

// ScoreColumns are the indicator columns the sub-score modules read. An
// indicator table missing one of them cannot be scored.
var ScoreColumns = []string{
	"ema10_pct", "ema50_pct", "ema100_pct", "ema200_pct", "adx",
	"atr_ratio", "atr_pct", "stddev_pct", "bbw", "rng",
	"obv_norm", "cmf", "volspike", "voltoprice", "volslope",
	"rsi", "stoch", "macd", "macd_slope",
}

// ReadCandles reads a raw OHLCV table for one symbol.
func ReadCandles(r io.Reader) ([]types.Candle, error) {
	h, rows, err := readAll(r)
	if err != nil {
		return nil, err
	}
	dateIdx, err := h.require("date", dateAliases...)
	if err != nil {
		return nil, err
	}
	cols := make(map[string]int, 5)
	for _, c := range []string{"open", "high", "low", "close", "volume"} {
		if cols[c], err = h.require(c); err != nil {
			return nil, err
		}
	}

	out := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		ts, err := types.ParseTimestamp(cell(row, dateIdx))
		if err != nil {
			// malformed rows are dropped rather than failing the symbol
			continue
		}
		out = append(out, types.Candle{
			Date:   types.Day(ts),
			Open:   parseFloat(cell(row, cols["open"])),
			High:   parseFloat(cell(row, cols["high"])),
			Low:    parseFloat(cell(row, cols["low"])),
			Close:  parseFloat(cell(row, cols["close"])),
			Volume: parseFloat(cell(row, cols["volume"])),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// ReadIndicatorBars reads an indicator table and groups it by symbol, each
// symbol's bars sorted by date. Every ScoreColumns entry is required; other
// indicator columns are optional and load as NaN when absent.
func ReadIndicatorBars(r io.Reader) (map[string][]types.IndicatorBar, error) {
	h, rows, err := readAll(r)
	if err != nil {
		return nil, err
	}
	symIdx, err := h.require("symbol", "ticker", "pair")
	if err != nil {
		return nil, err
	}
	dateIdx, err := h.require("date", dateAliases...)
	if err != nil {
		return nil, err
	}
	if _, err := h.require("close"); err != nil {
		return nil, err
	}
	for _, c := range ScoreColumns {
		if _, err := h.require(c); err != nil {
			return nil, err
		}
	}

	numeric := append([]string{"open", "high", "low", "close", "volume"}, types.IndicatorColumns...)
	bySymbol := make(map[string][]types.IndicatorBar)
	for i, row := range rows {
		sym := cell(row, symIdx)
		if sym == "" {
			continue
		}
		ts, err := types.ParseTimestamp(cell(row, dateIdx))
		if err != nil {
			return nil, fmt.Errorf("row %d date: %w", i+2, err)
		}
		b := types.NewIndicatorBar(sym, types.Day(ts))
		for _, col := range numeric {
			if idx, ok := h[col]; ok {
				*b.Field(col) = parseFloat(cell(row, idx))
			}
		}
		bySymbol[sym] = append(bySymbol[sym], b)
	}
	for _, bars := range bySymbol {
		sort.SliceStable(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	}
	return bySymbol, nil
}

// IndicatorHeader is the column order WriteIndicatorBars emits.
func IndicatorHeader() []string {
	return append([]string{"symbol", "date", "open", "high", "low", "close", "volume"}, types.IndicatorColumns...)
}

// WriteIndicatorBars writes bars in the given order.
func WriteIndicatorBars(w io.Writer, bars []types.IndicatorBar) error {
	head := IndicatorHeader()
	rows := make([][]string, 0, len(bars))
	for i := range bars {
		b := &bars[i]
		row := make([]string, 0, len(head))
		row = append(row, b.Symbol, formatDate(b.Date))
		for _, col := range head[2:] {
			row = append(row, formatFloat(*b.Field(col)))
		}
		rows = append(rows, row)
	}
	return writeAll(w, head, rows)
}

// FlattenBars returns every symbol's bars in symbol then date order.
func FlattenBars(bySymbol map[string][]types.IndicatorBar) []types.IndicatorBar {
	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	var out []types.IndicatorBar
	for _, s := range symbols {
		out = append(out, bySymbol[s]...)
	}
	return out
}
