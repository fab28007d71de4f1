// Package macro assembles the daily MacroSeries from one raw file per source
// (BTC dominance, USDT dominance, total cap, total-ex-majors cap).
package macro

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/algomatic/m18/pkg/regime"
	"github.com/algomatic/m18/pkg/types"
	"gonum.org/v1/gonum/stat"
)

// Field identifies one of the four macro sources.
type Field string

const (
	BTCDominance  Field = "btc_d"
	USDTDominance Field = "usdt_d"
	TotalCap      Field = "total_cap"
	Total3Cap     Field = "total3"
)

// Fields lists the sources in assembly order.
var Fields = []Field{BTCDominance, USDTDominance, TotalCap, Total3Cap}

var dateAliases = []string{"date", "time", "timestamp", "unix", "unixtime", "unix_time", "epoch", "epoch_ms"}

// Point is one observation from a raw source file.
type Point struct {
	Time  time.Time
	Value float64
}

// ReadSource parses a raw source CSV. The date column may be any of the
// accepted aliases; numeric epochs are read as milliseconds when the column
// median exceeds 1e11. The value comes from "close", or else the first
// non-date column.
func ReadSource(r io.Reader) ([]Point, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading CSV: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("source must have header + at least 1 data row")
	}

	headers := make([]string, len(records[0]))
	for i, h := range records[0] {
		headers[i] = regime.NormalizeHeader(h)
	}

	dateIdx := -1
	for _, alias := range dateAliases {
		for i, h := range headers {
			if h == alias {
				dateIdx = i
				break
			}
		}
		if dateIdx >= 0 {
			break
		}
	}
	if dateIdx < 0 {
		return nil, fmt.Errorf("%w: date (present: %s)", regime.ErrMissingColumn, strings.Join(records[0], ", "))
	}

	valueIdx := -1
	for i, h := range headers {
		if h == "close" {
			valueIdx = i
			break
		}
	}
	if valueIdx < 0 {
		for i := range headers {
			if i != dateIdx {
				valueIdx = i
				break
			}
		}
	}
	if valueIdx < 0 {
		return nil, fmt.Errorf("%w: value (present: %s)", regime.ErrMissingColumn, strings.Join(records[0], ", "))
	}

	rows := records[1:]
	epochs, numeric := numericColumn(rows, dateIdx)
	millis := false
	if numeric {
		sorted := append([]float64(nil), epochs...)
		sort.Float64s(sorted)
		millis = types.IsEpochMillis(stat.Quantile(0.5, stat.LinInterp, sorted, nil))
	}

	points := make([]Point, 0, len(rows))
	for _, row := range rows {
		if dateIdx >= len(row) || valueIdx >= len(row) {
			continue
		}
		var ts time.Time
		if numeric {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[dateIdx]), 64)
			if err != nil {
				continue
			}
			ts = types.EpochToTime(v, millis)
		} else {
			ts, err = types.ParseTimestamp(row[dateIdx])
			if err != nil {
				continue
			}
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[valueIdx]), 64)
		if err != nil {
			v = math.NaN()
		}
		points = append(points, Point{Time: ts, Value: v})
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("source has no rows with a parseable date")
	}
	return points, nil
}

// numericColumn reports whether every non-empty cell in the column parses as
// a number, returning the parsed values.
func numericColumn(rows [][]string, idx int) ([]float64, bool) {
	vals := make([]float64, 0, len(rows))
	for _, row := range rows {
		if idx >= len(row) {
			continue
		}
		s := strings.TrimSpace(row[idx])
		if s == "" {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false
		}
		vals = append(vals, v)
	}
	return vals, len(vals) > 0
}

// Assemble outer-joins the four sources on calendar day, keeping the last
// observation per day, and gap-fills forward then backward. Every field must
// be present.
func Assemble(sources map[Field][]Point) ([]types.MacroRow, error) {
	for _, f := range Fields {
		if len(sources[f]) == 0 {
			return nil, fmt.Errorf("%w: %s", regime.ErrMissingColumn, f)
		}
	}

	byDay := make(map[time.Time]*types.MacroRow)
	row := func(d time.Time) *types.MacroRow {
		r, ok := byDay[d]
		if !ok {
			nan := math.NaN()
			r = &types.MacroRow{Date: d, BTCDominance: nan, USDTDominance: nan, TotalCap: nan, Total3Cap: nan}
			byDay[d] = r
		}
		return r
	}

	for _, f := range Fields {
		pts := append([]Point(nil), sources[f]...)
		sort.SliceStable(pts, func(i, j int) bool { return pts[i].Time.Before(pts[j].Time) })
		for _, p := range pts {
			r := row(types.Day(p.Time))
			switch f {
			case BTCDominance:
				r.BTCDominance = p.Value
			case USDTDominance:
				r.USDTDominance = p.Value
			case TotalCap:
				r.TotalCap = p.Value
			case Total3Cap:
				r.Total3Cap = p.Value
			}
		}
	}

	rows := make([]types.MacroRow, 0, len(byDay))
	for _, r := range byDay {
		rows = append(rows, *r)
	}
	return regime.Prepare(rows), nil
}
