// Package api provides the HTTP monitoring API for pipeline runs.
//
// Endpoints:
//
//	GET /api/v1/status                - Service health check
//	GET /api/v1/runs                  - List all runs (with optional filters)
//	GET /api/v1/runs/{run_id}         - Detailed run status
//	GET /api/v1/runs/{run_id}/summary - High-level run summary
//	GET /metrics                      - Prometheus metrics, when configured
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/algomatic/m18/pkg/runtracker"
)

// Server holds dependencies for the API handlers.
type Server struct {
	Tracker *runtracker.Tracker
	Health  *HealthService
	Metrics http.Handler
	Logger  *slog.Logger
}

// NewServer creates a new API server.
func NewServer(tracker *runtracker.Tracker, health *HealthService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Tracker: tracker,
		Health:  health,
		Logger:  logger,
	}
}

// RegisterRoutes registers all API routes on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/status", s.HandleStatus)
	mux.HandleFunc("GET /api/v1/runs", s.HandleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{run_id}/summary", s.HandleGetRunSummary)
	mux.HandleFunc("GET /api/v1/runs/{run_id}", s.HandleGetRun)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics)
	}
}

// ---------------------------------------------------------------------------
// Response types
// ---------------------------------------------------------------------------

type statusResponse struct {
	Status        string          `json:"status"`
	UptimeSeconds float64         `json:"uptime_seconds"`
	Version       string          `json:"version"`
	Dependencies  json.RawMessage `json:"dependencies,omitempty"`
}

type runListItem struct {
	RunID                     string  `json:"run_id"`
	Stage                     string  `json:"stage"`
	Mode                      string  `json:"mode"`
	StartTime                 string  `json:"start_time"`
	EndTime                   *string `json:"end_time"`
	Status                    string  `json:"status"`
	TotalSymbols              int     `json:"total_symbols"`
	CompletedSymbols          int     `json:"completed_symbols"`
	PendingSymbols            int     `json:"pending_symbols"`
	SkippedSymbols            int     `json:"skipped_symbols"`
	ProgressPercent           int     `json:"progress_percent"`
	ElapsedTimeSeconds        float64 `json:"elapsed_time_seconds"`
	EstimatedRemainingSeconds float64 `json:"estimated_remaining_seconds"`
}

type runListResponse struct {
	Runs      []runListItem `json:"runs"`
	TotalRuns int           `json:"total_runs"`
}

type symbolItem struct {
	Symbol       string  `json:"symbol"`
	Status       string  `json:"status"`
	StartTime    *string `json:"start_time"`
	EndTime      *string `json:"end_time"`
	DurationSecs float64 `json:"duration_seconds"`
	Events       int     `json:"events"`
	SkipReason   *string `json:"skip_reason"`
}

type runDetailResponse struct {
	runListItem
	TradesLabeled int          `json:"trades_labeled"`
	Error         *string      `json:"error"`
	Symbols       []symbolItem `json:"symbols"`
}

type countDetail struct {
	Count   int `json:"count"`
	Percent int `json:"percent"`
}

type runSummaryResponse struct {
	RunID                     string      `json:"run_id"`
	Stage                     string      `json:"stage"`
	TotalSymbols              int         `json:"total_symbols"`
	Completed                 countDetail `json:"completed"`
	Running                   countDetail `json:"running"`
	Pending                   countDetail `json:"pending"`
	Skipped                   countDetail `json:"skipped"`
	TotalEvents               int         `json:"total_events"`
	AvgEventsPerSymbol        float64     `json:"avg_events_per_symbol"`
	TradesLabeled             int         `json:"trades_labeled"`
	ElapsedTimeSeconds        float64     `json:"elapsed_time_seconds"`
	EstimatedTotalTimeSeconds float64     `json:"estimated_total_time_seconds"`
	ETACompletion             *string     `json:"eta_completion"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

// HandleStatus returns overall service health. When a HealthService is
// attached its dependency report is included and a non-serving dependency
// turns the status to degraded.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:        "healthy",
		UptimeSeconds: s.Tracker.UptimeSeconds(),
		Version:       s.Tracker.Version(),
	}
	if s.Health != nil {
		report, serving, err := s.Health.Report(r.Context())
		if err != nil {
			s.Logger.Warn("Health report failed", "error", err)
		} else {
			resp.Dependencies = report
		}
		if !serving {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleListRuns returns a list of all runs with summary statistics.
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	runs := s.Tracker.ListRuns(q.Get("status"), q.Get("stage"), limit)
	items := make([]runListItem, len(runs))
	for i, run := range runs {
		items[i] = buildRunListItem(run)
	}

	writeJSON(w, http.StatusOK, runListResponse{
		Runs:      items,
		TotalRuns: len(items),
	})
}

// HandleGetRun returns detailed status of a specific run including
// per-symbol state.
func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	symbols := make([]symbolItem, len(run.Symbols))
	for i, st := range run.Symbols {
		symbols[i] = buildSymbolItem(st)
	}

	resp := runDetailResponse{
		runListItem:   buildRunListItem(run),
		TradesLabeled: run.Trades,
		Symbols:       symbols,
	}
	if run.Error != "" {
		msg := run.Error
		resp.Error = &msg
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleGetRunSummary returns high-level stats for a run, suitable for
// dashboards.
func (s *Server) HandleGetRunSummary(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	completed, running, pending, skipped := run.Counts()
	total := run.TotalSymbols()
	events := run.TotalEvents()

	var avgEvents float64
	if completed > 0 {
		avgEvents = float64(events) / float64(completed)
	}

	elapsed := run.ElapsedSeconds()
	estimatedTotal := elapsed
	if done := completed + skipped; done > 0 && total > 0 {
		estimatedTotal = (elapsed / float64(done)) * float64(total)
	}

	pct := func(count, tot int) int {
		if tot == 0 {
			return 0
		}
		return count * 100 / tot
	}

	writeJSON(w, http.StatusOK, runSummaryResponse{
		RunID:                     run.RunID,
		Stage:                     run.Stage,
		TotalSymbols:              total,
		Completed:                 countDetail{Count: completed, Percent: pct(completed, total)},
		Running:                   countDetail{Count: running, Percent: pct(running, total)},
		Pending:                   countDetail{Count: pending, Percent: pct(pending, total)},
		Skipped:                   countDetail{Count: skipped, Percent: pct(skipped, total)},
		TotalEvents:               events,
		AvgEventsPerSymbol:        avgEvents,
		TradesLabeled:             run.Trades,
		ElapsedTimeSeconds:        elapsed,
		EstimatedTotalTimeSeconds: estimatedTotal,
		ETACompletion:             formatOptionalTime(run.ETACompletion()),
	})
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*runtracker.PipelineRun, bool) {
	runID := r.PathValue("run_id")
	if runID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "run_id is required"})
		return nil, false
	}
	run := s.Tracker.GetRun(runID)
	if run == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "run not found"})
		return nil, false
	}
	return run, true
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode JSON response", "error", err)
	}
}

func buildRunListItem(run *runtracker.PipelineRun) runListItem {
	completed, _, pending, skipped := run.Counts()
	return runListItem{
		RunID:                     run.RunID,
		Stage:                     run.Stage,
		Mode:                      run.Mode,
		StartTime:                 run.StartTime.UTC().Format(time.RFC3339),
		EndTime:                   formatOptionalTime(run.EndTime),
		Status:                    string(run.Status),
		TotalSymbols:              run.TotalSymbols(),
		CompletedSymbols:          completed,
		PendingSymbols:            pending,
		SkippedSymbols:            skipped,
		ProgressPercent:           run.ProgressPercent(),
		ElapsedTimeSeconds:        run.ElapsedSeconds(),
		EstimatedRemainingSeconds: run.EstimatedRemainingSeconds(),
	}
}

func buildSymbolItem(st runtracker.SymbolState) symbolItem {
	item := symbolItem{
		Symbol:       st.Symbol,
		Status:       string(st.Status),
		StartTime:    formatOptionalTime(st.StartTime),
		EndTime:      formatOptionalTime(st.EndTime),
		DurationSecs: st.DurationSecs,
		Events:       st.Events,
	}
	if st.SkipReason != "" {
		reason := st.SkipReason
		item.SkipReason = &reason
	}
	return item
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
