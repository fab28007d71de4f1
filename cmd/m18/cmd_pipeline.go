package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/algomatic/m18/pkg/dataio"
	"github.com/algomatic/m18/pkg/detector"
	"github.com/algomatic/m18/pkg/evaluation"
	"github.com/algomatic/m18/pkg/labeler"
	"github.com/algomatic/m18/pkg/runtracker"
	"github.com/algomatic/m18/pkg/types"
	"github.com/spf13/cobra"
)

var (
	detectIndicators string
	detectLevels     string
	detectOut        string
	detectScored     string

	labelIndicators string
	labelLevels     string
	labelBreakouts  string
	labelOut        string
	labelMode       string

	pipelineIndicators string
	pipelineLevels     string
	pipelineMacro      string
	pipelineOutDir     string
	pipelineNoTrades   bool
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Walk each symbol's bars and emit breakout entries",
	RunE:  runDetect,
}

var labelCmd = &cobra.Command{
	Use:   "label",
	Short: "Label breakout entries with their exit",
	Long: `Label breakout entries with their exit. The exit manager is chosen by
exits.mode (hybrid, grid or atr) or the --mode flag.`,
	RunE: runLabel,
}

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run regime, detection, labelling and the per-level summary in one pass",
	Long: `Run regime classification (when --macro is given), breakout detection,
exit labelling and the per-level summary in one pass. Results are written to
--out-dir and, when enabled in the config, saved to PostgreSQL and published
on Redis.`,
	RunE: runPipelineCmd,
}

func init() {
	rootCmd.AddCommand(detectCmd, labelCmd, pipelineCmd)

	detectCmd.Flags().StringVar(&detectIndicators, "indicators", "", "Indicator CSV")
	detectCmd.Flags().StringVar(&detectLevels, "levels", "", "Regime levels CSV (missing days use level 5)")
	detectCmd.Flags().StringVar(&detectOut, "out", "", "Output breakouts CSV (default: stdout)")
	detectCmd.Flags().StringVar(&detectScored, "scored", "", "Optional CSV with every scored bar")
	requireFlags(detectCmd.Flags(), "indicators")

	labelCmd.Flags().StringVar(&labelIndicators, "indicators", "", "Indicator CSV")
	labelCmd.Flags().StringVar(&labelLevels, "levels", "", "Regime levels CSV")
	labelCmd.Flags().StringVar(&labelBreakouts, "breakouts", "", "Breakouts CSV")
	labelCmd.Flags().StringVar(&labelOut, "out", "", "Output trades CSV (default: stdout)")
	labelCmd.Flags().StringVar(&labelMode, "mode", "", "Exit mode override: hybrid, grid, atr")
	requireFlags(labelCmd.Flags(), "indicators", "breakouts")

	pipelineCmd.Flags().StringVar(&pipelineIndicators, "indicators", "", "Indicator CSV")
	pipelineCmd.Flags().StringVar(&pipelineLevels, "levels", "", "Regime levels CSV")
	pipelineCmd.Flags().StringVar(&pipelineMacro, "macro", "", "Macro CSV; classified in place of --levels")
	pipelineCmd.Flags().StringVar(&pipelineOutDir, "out-dir", "out", "Directory for the output tables")
	pipelineCmd.Flags().BoolVar(&pipelineNoTrades, "no-persist-trades", false, "Persist only per-level summaries, not individual trades")
	requireFlags(pipelineCmd.Flags(), "indicators")
	pipelineCmd.MarkFlagsMutuallyExclusive("levels", "macro")
}

func runDetect(cmd *cobra.Command, args []string) error {
	bars, err := loadBars(detectIndicators)
	if err != nil {
		return err
	}
	_, idx, err := loadLevels(detectLevels)
	if err != nil {
		return err
	}

	s := localSinks()

	opts := cfg.DetectorOptions()
	opts.KeepScore = detectScored != ""
	batch, err := detector.NewDetector(opts, s.detectorObserver(""), logger).DetectAll(cmd.Context(), bars, idx)
	if err != nil {
		return err
	}
	if s.recorder != nil {
		s.recorder.RecordJoin(batch.Join)
	}
	evs := detector.Dedup(batch.Events())

	if err := writeFile(detectOut, func(w io.Writer) error { return dataio.WriteBreakouts(w, evs) }); err != nil {
		return err
	}
	if detectScored != "" {
		var scored []detector.ScoredBar
		for _, r := range batch.Results {
			scored = append(scored, r.Scored...)
		}
		if err := writeFile(detectScored, func(w io.Writer) error { return dataio.WriteScored(w, scored) }); err != nil {
			return err
		}
	}
	s.writeTextfile()
	return nil
}

func runLabel(cmd *cobra.Command, args []string) error {
	if labelMode != "" {
		cfg.Exits.Mode = labelMode
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	bars, err := loadBars(labelIndicators)
	if err != nil {
		return err
	}
	_, idx, err := loadLevels(labelLevels)
	if err != nil {
		return err
	}
	evs, err := loadBreakouts(labelBreakouts)
	if err != nil {
		return err
	}

	s := localSinks()

	batch, err := labeler.New(cfg.LabelerOptions(), s.labelerObserver(""), logger).LabelAll(cmd.Context(), evs, bars, idx)
	if err != nil {
		return err
	}
	if err := writeFile(labelOut, func(w io.Writer) error { return dataio.WriteTrades(w, batch.Trades) }); err != nil {
		return err
	}
	s.writeTextfile()
	return nil
}

func runPipelineCmd(cmd *cobra.Command, args []string) error {
	tracker := runtracker.NewTracker(logger, version)
	s, err := openSinks(cmd.Context(), tracker)
	if err != nil {
		return err
	}
	defer s.close()

	res, err := runPipeline(cmd.Context(), s, pipelineInput{
		indicators:    pipelineIndicators,
		levels:        pipelineLevels,
		macro:         pipelineMacro,
		persistTrades: !pipelineNoTrades,
	})
	if err != nil {
		return err
	}
	s.writeTextfile()
	return res.write(pipelineOutDir)
}

type pipelineInput struct {
	indicators    string
	levels        string
	macro         string
	persistTrades bool
}

type pipelineResult struct {
	runID   string
	levels  []types.RegimeLevel
	events  []types.BreakoutEvent
	trades  []types.LabeledTrade
	summary evaluation.Metrics
	byLevel map[int]evaluation.Metrics
}

// runPipeline runs one tracked batch. The run is marked failed in the
// tracker when any stage returns an error.
func runPipeline(ctx context.Context, s *sinks, in pipelineInput) (res *pipelineResult, err error) {
	res = &pipelineResult{}

	var idx types.LevelIndex
	if in.macro != "" {
		rows, err := readFile(in.macro, dataio.ReadMacro)
		if err != nil {
			return nil, err
		}
		if res.levels, err = classify(rows); err != nil {
			return nil, err
		}
		idx = types.NewLevelIndex(res.levels)
	} else if res.levels, idx, err = loadLevels(in.levels); err != nil {
		return nil, err
	}

	bars, err := loadBars(in.indicators)
	if err != nil {
		return nil, err
	}

	mode := cfg.LabelerOptions().Mode
	if s.tracker != nil {
		runID := s.tracker.StartRun("pipeline", string(mode), sortedSymbols(bars))
		res.runID = runID
		defer func() { s.tracker.FinishRun(runID, err) }()
	}

	if s.db != nil && in.macro != "" {
		if _, err := s.db.SaveRegimeLevels(ctx, res.levels); err != nil {
			return nil, fmt.Errorf("saving regime levels: %w", err)
		}
	}

	start := time.Now()
	batch, err := detector.NewDetector(cfg.DetectorOptions(), s.detectorObserver(res.runID), logger).DetectAll(ctx, bars, idx)
	if err != nil {
		return nil, err
	}
	res.events = detector.Dedup(batch.Events())
	if s.recorder != nil {
		s.recorder.RecordJoin(batch.Join)
		s.recorder.RecordStage("detect", time.Since(start).Seconds())
	}
	if s.db != nil {
		if _, err := s.db.SaveBreakouts(ctx, res.runID, res.events); err != nil {
			return nil, fmt.Errorf("saving breakouts: %w", err)
		}
	}
	if s.bus != nil {
		for _, ev := range res.events {
			if err := s.bus.PublishBreakout(ctx, res.runID, ev); err != nil {
				logger.Warn("Publishing breakout", "symbol", ev.Symbol, "error", err)
			}
		}
	}

	start = time.Now()
	labelled, err := labeler.New(cfg.LabelerOptions(), s.labelerObserver(res.runID), logger).LabelAll(ctx, res.events, bars, idx)
	if err != nil {
		return nil, err
	}
	res.trades = labelled.Trades
	if s.recorder != nil {
		s.recorder.RecordStage("label", time.Since(start).Seconds())
	}
	for reason, n := range labelled.SkipCounts() {
		logger.Warn("Events skipped during labelling", "reason", reason, "count", n)
	}

	res.summary = evaluation.SummarizeTrades(res.trades, cfg.Evaluation.CostBps)
	res.byLevel = evaluation.ByLevel(res.trades, cfg.Evaluation.CostBps)

	if s.db != nil {
		nResults, nTrades, err := s.db.Persist(ctx, res.runID, string(mode), res.trades, in.persistTrades)
		if err != nil {
			return nil, fmt.Errorf("persisting trades: %w", err)
		}
		logger.Info("Persisted run", "run_id", res.runID, "summaries", nResults, "trades", nTrades)
	}
	if s.bus != nil {
		if err := s.bus.PublishTrades(ctx, res.runID, res.trades); err != nil {
			logger.Warn("Publishing trades", "error", err)
		}
		err := s.bus.PublishRunCompleted(ctx, res.runID, map[string]any{
			"mode":          string(mode),
			"symbols":       len(bars),
			"breakouts":     len(res.events),
			"trades":        len(res.trades),
			"win_rate":      res.summary.WinRate,
			"profit_factor": res.summary.ProfitFactor,
			"expectancy":    res.summary.Expectancy,
		})
		if err != nil {
			logger.Warn("Publishing run summary", "error", err)
		}
	}

	logger.Info("Pipeline complete",
		"run_id", res.runID,
		"mode", mode,
		"symbols", len(bars),
		"breakouts", len(res.events),
		"trades", len(res.trades),
		"win_rate", res.summary.WinRate,
		"expectancy", res.summary.Expectancy,
	)
	return res, nil
}

// write saves the run's tables under dir.
func (r *pipelineResult) write(dir string) error {
	files := []struct {
		name  string
		write func(io.Writer) error
		skip  bool
	}{
		{"levels.csv", func(w io.Writer) error { return dataio.WriteRegimeLevels(w, r.levels) }, len(r.levels) == 0},
		{"breakouts.csv", func(w io.Writer) error { return dataio.WriteBreakouts(w, r.events) }, false},
		{"trades.csv", func(w io.Writer) error { return dataio.WriteTrades(w, r.trades) }, false},
		{"summary_by_level.csv", func(w io.Writer) error { return dataio.WriteLevelMetrics(w, r.byLevel) }, false},
	}
	for _, f := range files {
		if f.skip {
			continue
		}
		if err := writeFile(filepath.Join(dir, f.name), f.write); err != nil {
			return err
		}
	}
	logger.Info("Wrote pipeline outputs", "dir", dir)
	return nil
}
