package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/algomatic/m18/pkg/runtracker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func newTestServer(t *testing.T) (*Server, *runtracker.Tracker) {
	t.Helper()
	tracker := runtracker.NewTracker(nil, "test-v1")
	return NewServer(tracker, nil, nil), tracker
}

func serve(srv *Server, path string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHandleStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	w := serve(srv, "/api/v1/status")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp statusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %q", resp.Status)
	}
	if resp.Version != "test-v1" {
		t.Errorf("expected version 'test-v1', got %q", resp.Version)
	}
	if resp.UptimeSeconds < 0 {
		t.Error("expected non-negative uptime")
	}
}

func TestHandleStatusDegraded(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Health = NewHealthService(nil)
	srv.Health.AddCheck("postgres", func(context.Context) error { return nil })
	srv.Health.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") })

	w := serve(srv, "/api/v1/status")
	var resp struct {
		Status       string                       `json:"status"`
		Dependencies map[string]map[string]string `json:"dependencies"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("expected degraded, got %q", resp.Status)
	}
	if resp.Dependencies["postgres"]["status"] != "SERVING" {
		t.Errorf("postgres = %v", resp.Dependencies["postgres"])
	}
	if resp.Dependencies["redis"]["status"] != "NOT_SERVING" {
		t.Errorf("redis = %v", resp.Dependencies["redis"])
	}
}

func TestHandleListRuns(t *testing.T) {
	srv, tracker := newTestServer(t)

	w := serve(srv, "/api/v1/runs")
	var empty runListResponse
	if err := json.NewDecoder(w.Body).Decode(&empty); err != nil {
		t.Fatal(err)
	}
	if empty.TotalRuns != 0 || len(empty.Runs) != 0 {
		t.Errorf("expected no runs, got %d", empty.TotalRuns)
	}

	tracker.StartRun("detect", "", []string{"BTC", "ETH"})
	tracker.StartRun("label", "hybrid", nil)
	tracker.StartRun("detect", "", []string{"SOL"})

	w = serve(srv, "/api/v1/runs?stage=detect&limit=1")
	var resp runListResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.TotalRuns != 1 || resp.Runs[0].Stage != "detect" {
		t.Errorf("filtered runs = %+v", resp)
	}
}

func TestHandleGetRun(t *testing.T) {
	srv, tracker := newTestServer(t)
	runID := tracker.StartRun("detect", "", []string{"BTC", "DOGE"})
	tracker.MarkSymbolRunning(runID, "BTC")
	tracker.MarkSymbolCompleted(runID, "BTC", 3)
	tracker.MarkSymbolSkipped(runID, "DOGE", "no_bars")

	w := serve(srv, "/api/v1/runs/"+runID)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp runDetailResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.RunID != runID || resp.TotalSymbols != 2 || resp.CompletedSymbols != 1 || resp.SkippedSymbols != 1 {
		t.Errorf("detail = %+v", resp.runListItem)
	}
	if resp.ProgressPercent != 100 {
		t.Errorf("expected 100%% progress, got %d", resp.ProgressPercent)
	}
	if len(resp.Symbols) != 2 || resp.Symbols[0].Events != 3 || resp.Symbols[0].StartTime == nil {
		t.Errorf("symbols = %+v", resp.Symbols)
	}
	if resp.Symbols[1].SkipReason == nil || *resp.Symbols[1].SkipReason != "no_bars" {
		t.Errorf("skip reason = %v", resp.Symbols[1].SkipReason)
	}
}

func TestHandleGetRunNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, path := range []string{"/api/v1/runs/nope", "/api/v1/runs/nope/summary"} {
		w := serve(srv, path)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
		var resp errorResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil || resp.Error != "run not found" {
			t.Errorf("%s: error body = %+v (%v)", path, resp, err)
		}
	}
}

func TestHandleGetRunSummary(t *testing.T) {
	srv, tracker := newTestServer(t)
	runID := tracker.StartRun("pipeline", "grid", []string{"A", "B", "C", "D"})
	tracker.MarkSymbolCompleted(runID, "A", 2)
	tracker.MarkSymbolCompleted(runID, "B", 4)
	tracker.MarkSymbolRunning(runID, "C")
	tracker.AddTrades(runID, 5)

	w := serve(srv, "/api/v1/runs/"+runID+"/summary")
	var resp runSummaryResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Completed.Count != 2 || resp.Completed.Percent != 50 {
		t.Errorf("completed = %+v", resp.Completed)
	}
	if resp.Running.Count != 1 || resp.Pending.Count != 1 || resp.Skipped.Count != 0 {
		t.Errorf("counts = %+v %+v %+v", resp.Running, resp.Pending, resp.Skipped)
	}
	if resp.TotalEvents != 6 || resp.AvgEventsPerSymbol != 3 || resp.TradesLabeled != 5 {
		t.Errorf("summary = %+v", resp)
	}
}

func TestMetricsRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	if w := serve(srv, "/metrics"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a metrics handler, got %d", w.Code)
	}
	srv.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	if w := serve(srv, "/metrics"); w.Code != http.StatusTeapot {
		t.Errorf("expected metrics handler to serve, got %d", w.Code)
	}
}

func TestGRPCHealth(t *testing.T) {
	h := NewHealthService(nil)
	failing := true
	h.AddCheck("redis", func(context.Context) error {
		if failing {
			return errors.New("down")
		}
		return nil
	})

	lis := bufconn.Listen(1 << 20)
	s := NewGRPCServer(h)
	go func() { _ = s.Serve(lis) }()
	defer s.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("check %q: %v", service, err)
		}
		return resp.GetStatus()
	}

	if got := check("redis"); got != healthpb.HealthCheckResponse_UNKNOWN {
		t.Errorf("before refresh: %v", got)
	}
	if h.Refresh(ctx) {
		t.Error("refresh should report a failing dependency")
	}
	if got := check(OverallService); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("overall = %v", got)
	}

	failing = false
	if !h.Refresh(ctx) {
		t.Error("refresh should pass once the dependency recovers")
	}
	if got := check("redis"); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("redis = %v", got)
	}
}
