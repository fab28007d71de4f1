package regime

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/algomatic/m18/pkg/types"
)

// ErrMissingColumn is returned when a required macro column cannot be found
// under any of its accepted names.
var ErrMissingColumn = errors.New("missing required macro column")

// Canonical macro column names.
const (
	ColDate      = "date"
	ColBTCDom    = "btc_d"
	ColUSDTDom   = "usdt_d"
	ColTotalCap  = "total_cap"
	ColTotal3Cap = "total3"
)

var columnAliases = map[string][]string{
	ColDate:      {"date", "time", "timestamp", "datetime", "day", "unix", "unixtime", "unix_time", "epoch", "epoch_ms"},
	ColBTCDom:    {"btc_d", "btc_dominance", "btcd", "btc_dom", "btc_dominance_pct"},
	ColUSDTDom:   {"usdt_d", "usdt_dominance", "usdtd", "usdt_dom", "usdt_dominance_pct"},
	ColTotalCap:  {"total_cap", "total", "total_mcap", "totalcap", "total_market_cap"},
	ColTotal3Cap: {"total3", "total3_cap", "total_ex_majors", "total_ex_btc_eth", "total3_mcap"},
}

// NormalizeHeader lower-cases a header and folds punctuation to underscores.
func NormalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimPrefix(h, "\ufeff")
	return strings.NewReplacer(".", "_", " ", "_", "-", "_").Replace(h)
}

// ResolveColumns maps each canonical macro column to its index in headers.
func ResolveColumns(headers []string) (map[string]int, error) {
	seen := make(map[string]int, len(headers))
	for i, h := range headers {
		n := NormalizeHeader(h)
		if _, dup := seen[n]; !dup {
			seen[n] = i
		}
	}

	out := make(map[string]int, len(columnAliases))
	var missing []string
	for _, canon := range []string{ColDate, ColBTCDom, ColUSDTDom, ColTotalCap, ColTotal3Cap} {
		found := false
		for _, alias := range columnAliases[canon] {
			if idx, ok := seen[alias]; ok {
				out[canon] = idx
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, canon)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s (present: %s)", ErrMissingColumn,
			strings.Join(missing, ", "), strings.Join(headers, ", "))
	}
	return out, nil
}

// ParseMacroTable turns a header row plus records into daily MacroRows.
// Unparseable numbers become NaN and are gap-filled; rows with an unparseable
// date are dropped.
func ParseMacroTable(records [][]string) ([]types.MacroRow, error) {
	if len(records) < 2 {
		return nil, fmt.Errorf("macro table must have header + at least 1 data row")
	}
	cols, err := ResolveColumns(records[0])
	if err != nil {
		return nil, err
	}

	num := func(row []string, col string) float64 {
		idx := cols[col]
		if idx >= len(row) {
			return math.NaN()
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[idx]), 64)
		if err != nil {
			return math.NaN()
		}
		return v
	}

	rows := make([]types.MacroRow, 0, len(records)-1)
	for _, rec := range records[1:] {
		if cols[ColDate] >= len(rec) {
			continue
		}
		ts, err := types.ParseTimestamp(rec[cols[ColDate]])
		if err != nil {
			continue
		}
		rows = append(rows, types.MacroRow{
			Date:          ts,
			BTCDominance:  num(rec, ColBTCDom),
			USDTDominance: num(rec, ColUSDTDom),
			TotalCap:      num(rec, ColTotalCap),
			Total3Cap:     num(rec, ColTotal3Cap),
		})
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("macro table has no rows with a parseable date")
	}
	return Prepare(rows), nil
}

// Prepare floors dates to the calendar day, keeps the last row per day,
// sorts ascending and forward-fills then back-fills each series.
func Prepare(rows []types.MacroRow) []types.MacroRow {
	byDay := make(map[time.Time]types.MacroRow, len(rows))
	for _, r := range rows {
		r.Date = types.Day(r.Date)
		byDay[r.Date] = r
	}
	out := make([]types.MacroRow, 0, len(byDay))
	for _, r := range byDay {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })

	fields := []func(*types.MacroRow) *float64{
		func(r *types.MacroRow) *float64 { return &r.BTCDominance },
		func(r *types.MacroRow) *float64 { return &r.USDTDominance },
		func(r *types.MacroRow) *float64 { return &r.TotalCap },
		func(r *types.MacroRow) *float64 { return &r.Total3Cap },
	}
	for _, f := range fields {
		fillSeries(out, f)
	}
	return out
}

func fillSeries(rows []types.MacroRow, field func(*types.MacroRow) *float64) {
	last := math.NaN()
	for i := range rows {
		p := field(&rows[i])
		if types.Finite(*p) {
			last = *p
		} else {
			*p = last
		}
	}
	next := math.NaN()
	for i := len(rows) - 1; i >= 0; i-- {
		p := field(&rows[i])
		if types.Finite(*p) {
			next = *p
		} else {
			*p = next
		}
	}
}
