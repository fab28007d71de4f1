package main

import (
	"fmt"
	"io"
	"time"

	"github.com/algomatic/m18/pkg/dataio"
	"github.com/algomatic/m18/pkg/evaluation"
	"github.com/algomatic/m18/pkg/types"
	"github.com/spf13/cobra"
)

var (
	evalIndicators string
	evalBreakouts  string
	evalOut        string
	sweepMult      float64
)

var gridCmd = &cobra.Command{
	Use:   "grid",
	Short: "Rank RSI and confluence exit policies over historical breakouts",
	RunE:  runGrid,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Sweep the hold cap of the ATR trailing exit",
	RunE:  runSweep,
}

var walkForwardCmd = &cobra.Command{
	Use:   "walkforward",
	Short: "Compare time-cap and ATR-trail exits on a chronological train/test split",
	RunE:  runWalkForward,
}

func init() {
	rootCmd.AddCommand(gridCmd, sweepCmd, walkForwardCmd)
	for _, c := range []*cobra.Command{gridCmd, sweepCmd, walkForwardCmd} {
		c.Flags().StringVar(&evalIndicators, "indicators", "", "Indicator CSV")
		c.Flags().StringVar(&evalBreakouts, "breakouts", "", "Breakouts CSV")
		c.Flags().StringVar(&evalOut, "out", "", "Output report CSV (default: stdout)")
		requireFlags(c.Flags(), "indicators", "breakouts")
	}
	sweepCmd.Flags().Float64Var(&sweepMult, "mult", 0, "ATR multiple (default: exits.atr_mult)")
}

func loadSamples() ([]evaluation.Sample, error) {
	bars, err := loadBars(evalIndicators)
	if err != nil {
		return nil, err
	}
	evs, err := loadBreakouts(evalBreakouts)
	if err != nil {
		return nil, err
	}
	samples, skipped := evaluation.BuildSamples(evs, bars)
	if len(skipped) > 0 {
		counts := make(map[types.SkipReason]int)
		for _, s := range skipped {
			counts[s.Reason]++
		}
		for reason, n := range counts {
			logger.Warn("Events skipped during evaluation", "reason", reason, "count", n)
		}
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("no breakout has forward bars to evaluate")
	}
	logger.Info("Loaded evaluation samples", "events", len(evs), "samples", len(samples))
	return samples, nil
}

func runGrid(cmd *cobra.Command, args []string) error {
	samples, err := loadSamples()
	if err != nil {
		return err
	}
	start := time.Now()
	rows, err := evaluation.RunGrid(cmd.Context(), samples, cfg.ExitPolicy(), evaluation.DefaultGrid(), cfg.Evaluation.CostBps, cfg.Evaluation.Workers)
	if err != nil {
		return err
	}
	best := rows[0]
	logger.Info("Exit grid complete",
		"configs", len(rows),
		"best_y", best.Y,
		"best_family", best.Family,
		"best_param", best.Param,
		"win_retention", best.WinRetention,
		"elapsed", time.Since(start),
	)
	return writeFile(evalOut, func(w io.Writer) error { return dataio.WriteGrid(w, rows) })
}

func runSweep(cmd *cobra.Command, args []string) error {
	samples, err := loadSamples()
	if err != nil {
		return err
	}
	mult := sweepMult
	if mult <= 0 {
		mult = cfg.Exits.ATRMult
	}
	rows, best := evaluation.CapSweep(samples, mult, cfg.Evaluation.Caps, cfg.Evaluation.CostBps)
	if best >= 0 {
		logger.Info("ATR cap sweep complete",
			"mult", mult,
			"best_cap", rows[best].Cap,
			"expectancy", rows[best].Metrics.Expectancy,
		)
	} else {
		logger.Warn("ATR cap sweep found no cap with a finite expectancy", "mult", mult)
	}
	return writeFile(evalOut, func(w io.Writer) error { return dataio.WriteSweep(w, rows, best) })
}

func runWalkForward(cmd *cobra.Command, args []string) error {
	samples, err := loadSamples()
	if err != nil {
		return err
	}
	split := 1 - cfg.Evaluation.OOSFraction
	rows := evaluation.WalkForward(samples, split, cfg.Evaluation.TimeCaps, cfg.Evaluation.ATRMults, cfg.Evaluation.CostBps)
	if len(rows) == 0 {
		return fmt.Errorf("walk-forward needs at least two samples, have %d", len(samples))
	}
	logger.Info("Walk-forward complete",
		"split", split,
		"policies", len(rows),
		"best_family", rows[0].Family,
		"best_param", rows[0].Param,
		"test_profit_factor", rows[0].Test.ProfitFactor,
	)
	return writeFile(evalOut, func(w io.Writer) error { return dataio.WriteWalkForward(w, rows) })
}
