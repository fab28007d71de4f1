package runtracker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/algomatic/m18/pkg/detector"
	"github.com/algomatic/m18/pkg/labeler"
	"github.com/algomatic/m18/pkg/types"
	"github.com/google/uuid"
)

// Tracker provides thread-safe management of pipeline run state.
// It is the central store queried by the monitoring API endpoints.
type Tracker struct {
	mu     sync.RWMutex
	runs   map[string]*PipelineRun
	logger *slog.Logger

	// startedAt is used by the health endpoint to report uptime.
	startedAt time.Time
	version   string
}

// NewTracker creates a new run tracker.
func NewTracker(logger *slog.Logger, version string) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}
	return &Tracker{
		runs:      make(map[string]*PipelineRun),
		logger:    logger,
		startedAt: time.Now(),
		version:   version,
	}
}

// StartedAt returns the time the tracker was created.
func (t *Tracker) StartedAt() time.Time {
	return t.startedAt
}

// Version returns the version string.
func (t *Tracker) Version() string {
	return t.version
}

// UptimeSeconds returns seconds since the tracker was created.
func (t *Tracker) UptimeSeconds() float64 {
	return time.Since(t.startedAt).Seconds()
}

// StartRun registers a run over the given symbols and returns its run_id.
func (t *Tracker) StartRun(stage, mode string, symbols []string) string {
	runID := uuid.NewString()

	states := make([]SymbolState, len(symbols))
	for i, s := range symbols {
		states[i] = SymbolState{Symbol: s, Status: SymbolPending}
	}

	run := &PipelineRun{
		RunID:     runID,
		Stage:     stage,
		Mode:      mode,
		StartTime: time.Now(),
		Status:    StatusRunning,
		Symbols:   states,
	}

	t.mu.Lock()
	t.runs[runID] = run
	t.mu.Unlock()

	t.logger.Info("Run started",
		"run_id", runID,
		"stage", stage,
		"mode", mode,
		"symbols", len(symbols),
	)
	return runID
}

// withSymbol runs fn on the named symbol state under the write lock.
func (t *Tracker) withSymbol(op, runID, symbol string, fn func(s *SymbolState)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.runs[runID]
	if !ok {
		t.logger.Warn(op+": run not found", "run_id", runID)
		return
	}
	for i := range run.Symbols {
		if run.Symbols[i].Symbol == symbol {
			fn(&run.Symbols[i])
			return
		}
	}
	t.logger.Warn(op+": symbol not found in run", "run_id", runID, "symbol", symbol)
}

// MarkSymbolRunning marks a symbol as running within a given run.
func (t *Tracker) MarkSymbolRunning(runID, symbol string) {
	t.withSymbol("MarkSymbolRunning", runID, symbol, func(s *SymbolState) {
		now := time.Now()
		s.Status = SymbolRunning
		s.StartTime = &now
	})
}

// MarkSymbolCompleted marks a symbol as completed with its event count.
func (t *Tracker) MarkSymbolCompleted(runID, symbol string, events int) {
	t.withSymbol("MarkSymbolCompleted", runID, symbol, func(s *SymbolState) {
		t.finishSymbolLocked(s, SymbolCompleted)
		s.Events = events
		t.logger.Debug("Symbol completed",
			"run_id", runID,
			"symbol", symbol,
			"events", events,
			"duration_secs", s.DurationSecs,
		)
	})
}

// MarkSymbolSkipped marks a symbol as skipped with the reason.
func (t *Tracker) MarkSymbolSkipped(runID, symbol, reason string) {
	t.withSymbol("MarkSymbolSkipped", runID, symbol, func(s *SymbolState) {
		t.finishSymbolLocked(s, SymbolSkipped)
		s.SkipReason = reason
		t.logger.Debug("Symbol skipped", "run_id", runID, "symbol", symbol, "reason", reason)
	})
}

func (t *Tracker) finishSymbolLocked(s *SymbolState, status SymbolStatus) {
	now := time.Now()
	s.Status = status
	s.EndTime = &now
	if s.StartTime != nil {
		s.DurationSecs = now.Sub(*s.StartTime).Seconds()
	}
}

// AddTrades adds labelled trades to the run's tally.
func (t *Tracker) AddTrades(runID string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if run, ok := t.runs[runID]; ok {
		run.Trades += n
	}
}

// FinishRun finalises a run. A nil err completes it; otherwise it fails
// with the error message.
func (t *Tracker) FinishRun(runID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, ok := t.runs[runID]
	if !ok {
		t.logger.Warn("FinishRun: run not found", "run_id", runID)
		return
	}
	if run.EndTime != nil {
		return
	}
	now := time.Now()
	run.EndTime = &now
	run.Status = StatusCompleted
	if err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
	}
	completed, _, _, skipped := run.Counts()
	t.logger.Info("Run finished",
		"run_id", runID,
		"status", run.Status,
		"completed", completed,
		"skipped", skipped,
		"trades", run.Trades,
		"elapsed_secs", run.ElapsedSeconds(),
	)
}

// GetRun returns a snapshot of the run with the given ID, or nil if not found.
func (t *Tracker) GetRun(runID string) *PipelineRun {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[runID]
	if !ok {
		return nil
	}
	return run.clone()
}

// ListRuns returns a snapshot of all runs, newest first. Optional filters
// narrow the results by status and/or stage.
func (t *Tracker) ListRuns(statusFilter, stageFilter string, limit int) []*PipelineRun {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*PipelineRun, 0, len(t.runs))
	for _, run := range t.runs {
		if statusFilter != "" && string(run.Status) != statusFilter {
			continue
		}
		if stageFilter != "" && run.Stage != stageFilter {
			continue
		}
		result = append(result, run.clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartTime.After(result[j].StartTime)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// DetectorObserver reports detector progress into the given run.
func (t *Tracker) DetectorObserver(runID string) detector.Observer {
	return runObserver{t: t, runID: runID}
}

// LabelerObserver counts labelled trades into the given run.
func (t *Tracker) LabelerObserver(runID string) labeler.Observer {
	return runObserver{t: t, runID: runID}
}

type runObserver struct {
	t     *Tracker
	runID string
}

func (o runObserver) SymbolStarted(symbol string) {
	o.t.MarkSymbolRunning(o.runID, symbol)
}

func (o runObserver) SymbolFinished(res detector.Result) {
	if res.Skipped() {
		o.t.MarkSymbolSkipped(o.runID, res.Symbol, string(res.Skip))
		return
	}
	o.t.MarkSymbolCompleted(o.runID, res.Symbol, len(res.Events))
}

func (o runObserver) TradeLabeled(types.LabeledTrade) {
	o.t.AddTrades(o.runID, 1)
}

func (o runObserver) TradeSkipped(types.BreakoutEvent, types.SkipReason) {}
