package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/encoding/protojson"
)

// OverallService is the health service name covering every dependency.
const OverallService = ""

// Check probes one dependency.
type Check func(ctx context.Context) error

// HealthService keeps the gRPC health status of the pipeline's dependencies
// (database, Redis) current.
type HealthService struct {
	server *health.Server
	logger *slog.Logger

	mu     sync.Mutex
	checks map[string]Check
}

// NewHealthService creates a HealthService reporting SERVING until checks
// are added.
func NewHealthService(logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HealthService{
		server: health.NewServer(),
		logger: logger,
		checks: make(map[string]Check),
	}
	h.server.SetServingStatus(OverallService, healthpb.HealthCheckResponse_SERVING)
	return h
}

// AddCheck registers a dependency probe under the given service name.
func (h *HealthService) AddCheck(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
	h.server.SetServingStatus(name, healthpb.HealthCheckResponse_UNKNOWN)
}

// Refresh runs every check and updates the serving status. The overall
// service is SERVING only when every check passes.
func (h *HealthService) Refresh(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	all := true
	for name, check := range h.checks {
		status := healthpb.HealthCheckResponse_SERVING
		if err := check(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			all = false
			h.logger.Warn("Dependency health check failed", "service", name, "error", err)
		}
		h.server.SetServingStatus(name, status)
	}
	overall := healthpb.HealthCheckResponse_SERVING
	if !all {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus(OverallService, overall)
	return all
}

// Report refreshes the checks and renders each service's health response as
// JSON keyed by service name.
func (h *HealthService) Report(ctx context.Context) (json.RawMessage, bool, error) {
	serving := h.Refresh(ctx)

	h.mu.Lock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.Unlock()
	sort.Strings(names)

	out := make(map[string]json.RawMessage, len(names))
	for _, name := range names {
		resp, err := h.server.Check(ctx, &healthpb.HealthCheckRequest{Service: name})
		if err != nil {
			return nil, serving, fmt.Errorf("checking %s: %w", name, err)
		}
		data, err := protojson.Marshal(resp)
		if err != nil {
			return nil, serving, fmt.Errorf("encoding %s health: %w", name, err)
		}
		out[name] = data
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, serving, fmt.Errorf("encoding health report: %w", err)
	}
	return data, serving, nil
}

// Shutdown marks every service NOT_SERVING.
func (h *HealthService) Shutdown() {
	h.server.Shutdown()
}

// NewGRPCServer creates a gRPC server exposing the health service and
// reflection.
func NewGRPCServer(h *HealthService, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, h.server)
	reflection.Register(s)
	return s
}
