package runtracker

import (
	"errors"
	"testing"
	"time"

	"github.com/algomatic/m18/pkg/detector"
	"github.com/algomatic/m18/pkg/types"
	"github.com/google/uuid"
)

func TestNewTracker(t *testing.T) {
	tracker := NewTracker(nil, "1.0.0")
	if tracker == nil {
		t.Fatal("expected non-nil tracker")
	}
	if tracker.Version() != "1.0.0" {
		t.Errorf("expected version '1.0.0', got %q", tracker.Version())
	}
	if tracker.UptimeSeconds() < 0 {
		t.Error("expected non-negative uptime")
	}
}

func TestNewTrackerDefaults(t *testing.T) {
	tracker := NewTracker(nil, "")
	if tracker.Version() != "dev" {
		t.Errorf("expected default version 'dev', got %q", tracker.Version())
	}
}

func TestStartRun(t *testing.T) {
	tracker := NewTracker(nil, "test")
	runID := tracker.StartRun("detect", "hybrid", []string{"BTC", "ETH", "SOL"})

	if _, err := uuid.Parse(runID); err != nil {
		t.Fatalf("expected a UUID run ID, got %q: %v", runID, err)
	}

	run := tracker.GetRun(runID)
	if run == nil {
		t.Fatal("expected to find run by ID")
	}
	if run.Stage != "detect" || run.Mode != "hybrid" {
		t.Errorf("stage/mode = %q/%q", run.Stage, run.Mode)
	}
	if run.Status != StatusRunning {
		t.Errorf("expected status running, got %q", run.Status)
	}
	if run.TotalSymbols() != 3 {
		t.Errorf("expected 3 symbols, got %d", run.TotalSymbols())
	}

	completed, running, pending, skipped := run.Counts()
	if completed != 0 || running != 0 || pending != 3 || skipped != 0 {
		t.Errorf("expected (0,0,3,0), got (%d,%d,%d,%d)", completed, running, pending, skipped)
	}
}

func TestSymbolLifecycle(t *testing.T) {
	tracker := NewTracker(nil, "test")
	runID := tracker.StartRun("detect", "", []string{"BTC", "ETH", "DOGE"})

	tracker.MarkSymbolRunning(runID, "BTC")
	run := tracker.GetRun(runID)
	if _, running, pending, _ := run.Counts(); running != 1 || pending != 2 {
		t.Errorf("expected 1 running / 2 pending, got %d / %d", running, pending)
	}
	if run.Symbols[0].StartTime == nil {
		t.Error("expected start time to be set for running symbol")
	}

	tracker.MarkSymbolCompleted(runID, "BTC", 4)
	tracker.MarkSymbolRunning(runID, "DOGE")
	tracker.MarkSymbolSkipped(runID, "DOGE", "no_bars")

	run = tracker.GetRun(runID)
	completed, running, pending, skipped := run.Counts()
	if completed != 1 || running != 0 || pending != 1 || skipped != 1 {
		t.Errorf("expected (1,0,1,1), got (%d,%d,%d,%d)", completed, running, pending, skipped)
	}
	if run.Symbols[0].Events != 4 || run.Symbols[0].EndTime == nil {
		t.Errorf("BTC state = %+v", run.Symbols[0])
	}
	if run.Symbols[2].SkipReason != "no_bars" || run.Symbols[2].Status != SymbolSkipped {
		t.Errorf("DOGE state = %+v", run.Symbols[2])
	}
	if run.TotalEvents() != 4 {
		t.Errorf("expected 4 events, got %d", run.TotalEvents())
	}
	if run.ProgressPercent() != 66 {
		t.Errorf("expected 66%% progress, got %d%%", run.ProgressPercent())
	}
}

func TestFinishRun(t *testing.T) {
	tracker := NewTracker(nil, "test")
	ok := tracker.StartRun("label", "grid", nil)
	bad := tracker.StartRun("label", "grid", nil)

	tracker.AddTrades(ok, 7)
	tracker.FinishRun(ok, nil)
	tracker.FinishRun(bad, errors.New("context canceled"))

	run := tracker.GetRun(ok)
	if run.Status != StatusCompleted || run.EndTime == nil || run.Trades != 7 {
		t.Errorf("completed run = %+v", run)
	}
	if run.ProgressPercent() != 100 {
		t.Errorf("finished run without symbols should be 100%%, got %d%%", run.ProgressPercent())
	}

	failed := tracker.GetRun(bad)
	if failed.Status != StatusFailed || failed.Error != "context canceled" {
		t.Errorf("failed run = %+v", failed)
	}

	// a second finish is ignored
	tracker.FinishRun(bad, nil)
	if tracker.GetRun(bad).Status != StatusFailed {
		t.Error("second FinishRun should not overwrite status")
	}
}

func TestObservers(t *testing.T) {
	tracker := NewTracker(nil, "test")
	runID := tracker.StartRun("pipeline", "hybrid", []string{"BTC", "ETH"})

	det := tracker.DetectorObserver(runID)
	det.SymbolStarted("BTC")
	det.SymbolFinished(detector.Result{Symbol: "BTC", Events: make([]types.BreakoutEvent, 2)})
	det.SymbolStarted("ETH")
	det.SymbolFinished(detector.Result{Symbol: "ETH", Skip: types.SkipUnsorted})

	lab := tracker.LabelerObserver(runID)
	lab.TradeLabeled(types.LabeledTrade{})
	lab.TradeLabeled(types.LabeledTrade{})
	lab.TradeSkipped(types.BreakoutEvent{}, types.SkipNoForwardBars)

	run := tracker.GetRun(runID)
	completed, _, _, skipped := run.Counts()
	if completed != 1 || skipped != 1 || run.TotalEvents() != 2 || run.Trades != 2 {
		t.Errorf("run = %+v", run)
	}
}

func TestEstimatedRemainingSeconds(t *testing.T) {
	run := &PipelineRun{
		StartTime: time.Now().Add(-10 * time.Second),
		Status:    StatusRunning,
		Symbols: []SymbolState{
			{Symbol: "A", Status: SymbolCompleted},
			{Symbol: "B", Status: SymbolSkipped},
			{Symbol: "C", Status: SymbolPending},
			{Symbol: "D", Status: SymbolRunning},
		},
	}

	// 2 done in ~10 seconds = ~5s each, 2 remaining = ~10s estimated
	remaining := run.EstimatedRemainingSeconds()
	if remaining < 8 || remaining > 12 {
		t.Errorf("expected estimated remaining ~10s, got %.1f", remaining)
	}
}

func TestEstimatedRemainingSecondsNothingDone(t *testing.T) {
	run := &PipelineRun{
		StartTime: time.Now().Add(-5 * time.Second),
		Symbols:   []SymbolState{{Symbol: "A", Status: SymbolPending}},
	}
	if remaining := run.EstimatedRemainingSeconds(); remaining != 0 {
		t.Errorf("expected 0 remaining when nothing finished, got %.1f", remaining)
	}
	if run.ETACompletion() != nil {
		t.Error("expected nil ETA")
	}
}

func TestETACompletion(t *testing.T) {
	run := &PipelineRun{
		StartTime: time.Now().Add(-10 * time.Second),
		Symbols: []SymbolState{
			{Symbol: "A", Status: SymbolCompleted},
			{Symbol: "B", Status: SymbolPending},
		},
	}
	eta := run.ETACompletion()
	if eta == nil {
		t.Fatal("expected non-nil ETA")
	}
	if eta.Before(time.Now()) {
		t.Error("expected ETA to be in the future")
	}
}

func TestListRuns(t *testing.T) {
	tracker := NewTracker(nil, "test")

	first := tracker.StartRun("detect", "", []string{"BTC"})
	tracker.StartRun("label", "hybrid", []string{"BTC"})
	tracker.StartRun("detect", "", []string{"ETH"})
	tracker.FinishRun(first, nil)

	if runs := tracker.ListRuns("", "", 0); len(runs) != 3 {
		t.Errorf("expected 3 runs, got %d", len(runs))
	}
	if runs := tracker.ListRuns("", "detect", 0); len(runs) != 2 {
		t.Errorf("expected 2 detect runs, got %d", len(runs))
	}
	if runs := tracker.ListRuns("running", "", 0); len(runs) != 2 {
		t.Errorf("expected 2 running runs, got %d", len(runs))
	}
	if runs := tracker.ListRuns("", "", 1); len(runs) != 1 {
		t.Errorf("expected 1 run with limit=1, got %d", len(runs))
	}
}

func TestGetRunNotFound(t *testing.T) {
	tracker := NewTracker(nil, "test")
	if run := tracker.GetRun("nonexistent"); run != nil {
		t.Error("expected nil for non-existent run")
	}
}

func TestGetRunReturnsCopy(t *testing.T) {
	tracker := NewTracker(nil, "test")
	runID := tracker.StartRun("detect", "", []string{"BTC"})

	run1 := tracker.GetRun(runID)
	run2 := tracker.GetRun(runID)

	run1.Symbols[0].Symbol = "MODIFIED"
	if run2.Symbols[0].Symbol == "MODIFIED" {
		t.Error("GetRun should return independent copies")
	}
}

func TestUnknownRunAndSymbol(t *testing.T) {
	tracker := NewTracker(nil, "test")
	// none of these should panic
	tracker.MarkSymbolRunning("nonexistent", "BTC")
	tracker.AddTrades("nonexistent", 1)
	tracker.FinishRun("nonexistent", nil)
	runID := tracker.StartRun("detect", "", []string{"BTC"})
	tracker.MarkSymbolCompleted(runID, "XRP", 1)
	if tracker.GetRun(runID).TotalEvents() != 0 {
		t.Error("unknown symbol should not change the run")
	}
}
