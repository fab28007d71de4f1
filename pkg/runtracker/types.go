// Package runtracker provides in-memory tracking of pipeline run progress.
// It is queried by the monitoring API so dashboards can display live
// per-symbol state, progress and ETA.
package runtracker

import (
	"time"
)

// RunStatus represents the overall status of a pipeline run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// SymbolStatus represents the state of one symbol within a run.
type SymbolStatus string

const (
	SymbolPending   SymbolStatus = "pending"
	SymbolRunning   SymbolStatus = "running"
	SymbolCompleted SymbolStatus = "completed"
	SymbolSkipped   SymbolStatus = "skipped"
)

// SymbolState tracks the detector walk of a single symbol.
type SymbolState struct {
	Symbol       string       `json:"symbol"`
	Status       SymbolStatus `json:"status"`
	StartTime    *time.Time   `json:"start_time"`
	EndTime      *time.Time   `json:"end_time"`
	DurationSecs float64      `json:"duration_seconds"`
	Events       int          `json:"events"`
	SkipReason   string       `json:"skip_reason,omitempty"`
}

// PipelineRun tracks one invocation of a pipeline stage across its symbols.
type PipelineRun struct {
	RunID     string        `json:"run_id"`
	Stage     string        `json:"stage"`
	Mode      string        `json:"mode"`
	StartTime time.Time     `json:"start_time"`
	EndTime   *time.Time    `json:"end_time"`
	Status    RunStatus     `json:"status"`
	Trades    int           `json:"trades_labeled"`
	Error     string        `json:"error,omitempty"`
	Symbols   []SymbolState `json:"symbols"`
}

// Counts returns the number of completed, running, pending and skipped
// symbols in this run.
func (r *PipelineRun) Counts() (completed, running, pending, skipped int) {
	for i := range r.Symbols {
		switch r.Symbols[i].Status {
		case SymbolCompleted:
			completed++
		case SymbolRunning:
			running++
		case SymbolPending:
			pending++
		case SymbolSkipped:
			skipped++
		}
	}
	return
}

// TotalSymbols returns the number of symbols registered in this run.
func (r *PipelineRun) TotalSymbols() int {
	return len(r.Symbols)
}

// TotalEvents returns the breakout events found across all symbols.
func (r *PipelineRun) TotalEvents() int {
	total := 0
	for i := range r.Symbols {
		total += r.Symbols[i].Events
	}
	return total
}

// ProgressPercent returns the share of finished symbols (0-100). Skipped
// symbols count as finished.
func (r *PipelineRun) ProgressPercent() int {
	total := r.TotalSymbols()
	if total == 0 {
		if r.EndTime != nil {
			return 100
		}
		return 0
	}
	completed, _, _, skipped := r.Counts()
	return (completed + skipped) * 100 / total
}

// ElapsedSeconds returns the number of seconds elapsed since the run started.
func (r *PipelineRun) ElapsedSeconds() float64 {
	if r.EndTime != nil {
		return r.EndTime.Sub(r.StartTime).Seconds()
	}
	return time.Since(r.StartTime).Seconds()
}

// EstimatedRemainingSeconds extrapolates from the average time per finished
// symbol.
func (r *PipelineRun) EstimatedRemainingSeconds() float64 {
	completed, running, pending, skipped := r.Counts()
	done := completed + skipped
	if done == 0 {
		return 0
	}
	avg := r.ElapsedSeconds() / float64(done)
	return avg * float64(pending+running)
}

// ETACompletion returns the estimated time of completion, or nil if not
// calculable.
func (r *PipelineRun) ETACompletion() *time.Time {
	remaining := r.EstimatedRemainingSeconds()
	if remaining <= 0 {
		return nil
	}
	eta := time.Now().Add(time.Duration(remaining * float64(time.Second)))
	return &eta
}

func (r *PipelineRun) clone() *PipelineRun {
	cp := *r
	cp.Symbols = make([]SymbolState, len(r.Symbols))
	copy(cp.Symbols, r.Symbols)
	return &cp
}
