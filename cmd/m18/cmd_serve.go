package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/algomatic/m18/pkg/api"
	"github.com/algomatic/m18/pkg/events"
	"github.com/algomatic/m18/pkg/runtracker"
	"github.com/spf13/cobra"
)

var (
	serveInterval time.Duration
	serveInput    pipelineInput
	serveOutDir   string

	watchEvents []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the monitoring API and gRPC health, optionally running the pipeline on an interval",
	Long: `Serve the run monitoring API (HTTP) and the gRPC health service. With
--indicators set the pipeline runs once at start-up and then every --interval
(0 runs it once), and each run is visible under /api/v1/runs.`,
	RunE: runServe,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print pipeline events published on Redis",
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(serveCmd, watchCmd)

	serveCmd.Flags().DurationVar(&serveInterval, "interval", 0, "Pipeline interval (0 runs once)")
	serveCmd.Flags().StringVar(&serveInput.indicators, "indicators", "", "Indicator CSV to run the pipeline on")
	serveCmd.Flags().StringVar(&serveInput.levels, "levels", "", "Regime levels CSV")
	serveCmd.Flags().StringVar(&serveInput.macro, "macro", "", "Macro CSV; classified in place of --levels")
	serveCmd.Flags().StringVar(&serveOutDir, "out-dir", "", "Directory for each run's output tables")
	serveCmd.MarkFlagsMutuallyExclusive("levels", "macro")

	watchCmd.Flags().StringSliceVar(&watchEvents, "events",
		[]string{events.EventBreakoutDetected, events.EventTradeLabeled, events.EventRunCompleted},
		"Event types to subscribe to")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracker := runtracker.NewTracker(logger, version)
	s, err := openSinks(ctx, tracker)
	if err != nil {
		return err
	}
	defer s.close()

	health := api.NewHealthService(logger)
	if s.db != nil {
		health.AddCheck("postgres", s.db.Ping)
	}
	if s.bus != nil {
		health.AddCheck("redis", s.bus.HealthCheck)
	}

	srv := api.NewServer(tracker, health, logger)
	if s.recorder != nil {
		srv.Metrics = s.recorder.Handler()
	}
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("listening on gRPC port %d: %w", cfg.Server.GRPCPort, err)
	}
	grpcServer := api.NewGRPCServer(health)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("HTTP API listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("gRPC health listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	if serveInput.indicators != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runScheduled(ctx, s)
		}()
	}

	logger.Info("Service running", "http_port", cfg.Server.HTTPPort, "grpc_port", cfg.Server.GRPCPort)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case serveErr = <-errCh:
		logger.Error("Server failed", "error", serveErr)
		cancel()
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	health.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", "error", err)
	}
	grpcServer.GracefulStop()
	wg.Wait()
	logger.Info("Shutdown complete")
	return serveErr
}

// runScheduled runs the pipeline now and then on every tick until ctx ends.
func runScheduled(ctx context.Context, s *sinks) {
	run := func() {
		res, err := runPipeline(ctx, s, serveInput)
		if err != nil {
			logger.Error("Pipeline run failed", "error", err)
			return
		}
		s.writeTextfile()
		if serveOutDir != "" {
			if err := res.write(serveOutDir); err != nil {
				logger.Error("Writing pipeline outputs", "error", err)
			}
		}
	}

	run()
	if serveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(serveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.NewBus(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.ChannelPrefix, logger)
	defer bus.Close()
	if err := bus.HealthCheck(ctx); err != nil {
		return fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr(), err)
	}

	handler := func(_ context.Context, ev *events.Event) error {
		attrs := []any{"type", ev.EventType, "source", ev.Source, "timestamp", ev.Timestamp, "run_id", ev.CorrelationID}
		for k, v := range ev.Payload {
			attrs = append(attrs, k, v)
		}
		logger.Info("Event received", attrs...)
		return nil
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(watchEvents))
	for _, et := range watchEvents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bus.Subscribe(ctx, et, handler); err != nil {
				errCh <- err
				cancel()
			}
		}()
	}
	wg.Wait()
	close(errCh)
	return errors.Join(collect(errCh)...)
}

func collect(ch <-chan error) []error {
	var out []error
	for err := range ch {
		out = append(out, err)
	}
	return out
}
