// Package dataio reads and writes the pipeline's CSV tables.
//
// Readers tolerate header case and punctuation (see regime.NormalizeHeader)
// and a small set of aliases. A required column that cannot be found is
// reported as ErrMissingColumn; blank or unparsable numeric cells load as NaN.
// Writers emit a fixed column order and format floats with the shortest
// exact representation so identical inputs give identical files.
package dataio

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/algomatic/m18/pkg/regime"
	"github.com/algomatic/m18/pkg/types"
)

// ErrMissingColumn is the same sentinel the regime package uses, so callers
// can check either with errors.Is.
var ErrMissingColumn = regime.ErrMissingColumn

const dateLayout = "2006-01-02"

// header maps normalized column names to their index.
type header map[string]int

func readAll(r io.Reader) (header, [][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("reading CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("CSV has no header row")
	}
	h := make(header, len(records[0]))
	for i, name := range records[0] {
		key := regime.NormalizeHeader(name)
		if _, dup := h[key]; !dup {
			h[key] = i
		}
	}
	return h, records[1:], nil
}

// find returns the index of the first alias present.
func (h header) find(aliases ...string) (int, bool) {
	for _, a := range aliases {
		if i, ok := h[a]; ok {
			return i, true
		}
	}
	return 0, false
}

// require resolves a column or returns ErrMissingColumn naming it.
func (h header) require(name string, aliases ...string) (int, error) {
	if i, ok := h.find(append([]string{name}, aliases...)...); ok {
		return i, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrMissingColumn, name)
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func parseFloat(s string) float64 {
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func parseInt(s string) (int, error) {
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || !types.Finite(f) {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return int(math.Round(f)), nil
}

func formatFloat(v float64) string {
	if !types.Finite(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// writeAll writes header and rows and flushes.
func writeAll(w io.Writer, head []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(head); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("writing rows: %w", err)
	}
	return nil
}
