package dataio

import (
	"bytes"
	"encoding/csv"
	"math"
	"testing"

	"github.com/algomatic/m18/pkg/evaluation"
)

func readBack(t *testing.T, buf *bytes.Buffer) [][]string {
	t.Helper()
	records, err := csv.NewReader(buf).ReadAll()
	if err != nil {
		t.Fatalf("reading report: %v", err)
	}
	return records
}

func TestWriteSweepMarksBest(t *testing.T) {
	rows := []evaluation.SweepRow{
		{Cap: 6, Mult: 2.5, Metrics: evaluation.Metrics{Trades: 3, ProfitFactor: math.Inf(1), Expectancy: 0.01}},
		{Cap: 8, Mult: 2.5, Metrics: evaluation.Metrics{Trades: 3, ProfitFactor: 2, Expectancy: 0.02}},
	}
	var buf bytes.Buffer
	if err := WriteSweep(&buf, rows, 1); err != nil {
		t.Fatal(err)
	}
	got := readBack(t, &buf)
	if len(got) != 3 || got[0][0] != "cap" || got[0][len(got[0])-1] != "best" {
		t.Fatalf("report = %v", got)
	}
	if got[1][4] != "" {
		t.Errorf("infinite profit factor should be blank, got %q", got[1][4])
	}
	if got[1][8] != "false" || got[2][8] != "true" {
		t.Errorf("best column = %q, %q", got[1][8], got[2][8])
	}
}

func TestWriteGridRanks(t *testing.T) {
	rows := []evaluation.GridRow{
		{GridConfig: evaluation.GridConfig{Y: 75, Delta: 5, M: 3, Family: "none"}, WinRetention: 0.5},
		{GridConfig: evaluation.GridConfig{Y: 70, Delta: 5, M: 3, Family: "adx_drop", Param: 10}, WinRetention: math.NaN()},
	}
	var buf bytes.Buffer
	if err := WriteGrid(&buf, rows); err != nil {
		t.Fatal(err)
	}
	got := readBack(t, &buf)
	if got[1][0] != "1" || got[2][0] != "2" || got[2][4] != "adx_drop" {
		t.Errorf("rows = %v", got[1:])
	}
	if got[1][6] != "0.5" || got[2][6] != "" {
		t.Errorf("win retention = %q, %q", got[1][6], got[2][6])
	}
}

func TestWriteWalkForwardAndLevels(t *testing.T) {
	var buf bytes.Buffer
	err := WriteWalkForward(&buf, []evaluation.WalkRow{{
		Family: "time_cap",
		Param:  5,
		Train:  evaluation.Metrics{Trades: 7},
		Test:   evaluation.Metrics{Trades: 3},
	}})
	if err != nil {
		t.Fatal(err)
	}
	got := readBack(t, &buf)
	if len(got[0]) != 14 || got[0][2] != "train_trades" || got[0][8] != "test_trades" {
		t.Fatalf("header = %v", got[0])
	}
	if got[1][2] != "7" || got[1][8] != "3" {
		t.Errorf("row = %v", got[1])
	}

	buf.Reset()
	if err := WriteLevelMetrics(&buf, map[int]evaluation.Metrics{7: {Trades: 1}, 3: {Trades: 2}}); err != nil {
		t.Fatal(err)
	}
	got = readBack(t, &buf)
	if got[1][0] != "3" || got[2][0] != "7" {
		t.Errorf("levels out of order: %v", got)
	}
}
