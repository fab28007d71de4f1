package main

import (
	"context"
	"fmt"

	"github.com/algomatic/m18/pkg/detector"
	"github.com/algomatic/m18/pkg/events"
	"github.com/algomatic/m18/pkg/labeler"
	"github.com/algomatic/m18/pkg/metrics"
	"github.com/algomatic/m18/pkg/persistence"
	"github.com/algomatic/m18/pkg/runtracker"
	"github.com/algomatic/m18/pkg/types"
)

// sinks are the optional outputs a run reports into. Any field may be nil.
type sinks struct {
	tracker  *runtracker.Tracker
	recorder *metrics.Recorder
	bus      *events.Bus
	db       persistence.Persister
}

// openSinks connects the sinks enabled in the config.
func openSinks(ctx context.Context, tracker *runtracker.Tracker) (*sinks, error) {
	s := &sinks{tracker: tracker}
	if !cfg.Metrics.Disabled {
		s.recorder = metrics.New()
	}

	if cfg.Redis.Enabled {
		bus := events.NewBus(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.ChannelPrefix, logger)
		if err := bus.HealthCheck(ctx); err != nil {
			bus.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr(), err)
		}
		s.bus = bus
	}

	if cfg.Database.Enabled {
		client, err := persistence.NewClient(ctx, cfg.Database.ConnString(), logger)
		if err != nil {
			s.close()
			return nil, err
		}
		if err := client.EnsureSchema(ctx); err != nil {
			client.Close()
			s.close()
			return nil, err
		}
		s.db = client
	}
	return s, nil
}

// localSinks records metrics only, for the single-stage commands.
func localSinks() *sinks {
	s := &sinks{}
	if !cfg.Metrics.Disabled {
		s.recorder = metrics.New()
	}
	return s
}

func (s *sinks) close() {
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			logger.Warn("Closing redis bus", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logger.Warn("Closing database", "error", err)
		}
	}
}

// writeTextfile exports the registry when a textfile path is configured.
func (s *sinks) writeTextfile() {
	if s.recorder == nil || cfg.Metrics.Textfile == "" {
		return
	}
	if err := s.recorder.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		logger.Warn("Writing metrics textfile", "path", cfg.Metrics.Textfile, "error", err)
	}
}

func (s *sinks) detectorObserver(runID string) detector.Observer {
	var obs detectorObservers
	if s.tracker != nil && runID != "" {
		obs = append(obs, s.tracker.DetectorObserver(runID))
	}
	if s.recorder != nil {
		obs = append(obs, s.recorder)
	}
	return obs
}

func (s *sinks) labelerObserver(runID string) labeler.Observer {
	var obs labelerObservers
	if s.tracker != nil && runID != "" {
		obs = append(obs, s.tracker.LabelerObserver(runID))
	}
	if s.recorder != nil {
		obs = append(obs, s.recorder)
	}
	return obs
}

type detectorObservers []detector.Observer

func (o detectorObservers) SymbolStarted(symbol string) {
	for _, x := range o {
		x.SymbolStarted(symbol)
	}
}

func (o detectorObservers) SymbolFinished(res detector.Result) {
	for _, x := range o {
		x.SymbolFinished(res)
	}
}

type labelerObservers []labeler.Observer

func (o labelerObservers) TradeLabeled(t types.LabeledTrade) {
	for _, x := range o {
		x.TradeLabeled(t)
	}
}

func (o labelerObservers) TradeSkipped(ev types.BreakoutEvent, reason types.SkipReason) {
	for _, x := range o {
		x.TradeSkipped(ev, reason)
	}
}
