package main

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/algomatic/m18/pkg/dataio"
	"github.com/algomatic/m18/pkg/indicators"
	"github.com/algomatic/m18/pkg/macro"
	"github.com/algomatic/m18/pkg/regime"
	"github.com/algomatic/m18/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	macroSources = map[macro.Field]*string{
		macro.BTCDominance:  new(string),
		macro.USDTDominance: new(string),
		macro.TotalCap:      new(string),
		macro.Total3Cap:     new(string),
	}
	macroOut string

	regimeMacro   string
	regimeOut     string
	regimeExplain string

	indicatorsOut string
)

var macroCmd = &cobra.Command{
	Use:   "macro",
	Short: "Assemble the daily macro table from the four raw sources",
	RunE:  runMacro,
}

var regimeCmd = &cobra.Command{
	Use:   "regime",
	Short: "Classify each day of the macro table into a market level 1-9",
	RunE:  runRegime,
}

var indicatorsCmd = &cobra.Command{
	Use:   "indicators [ohlcv.csv...]",
	Short: "Generate the indicator table from per-symbol OHLCV files",
	Long: `Generate the indicator table from per-symbol OHLCV files. The symbol is
taken from each file name (data/BTC.csv becomes BTC).`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIndicators,
}

func init() {
	rootCmd.AddCommand(macroCmd, regimeCmd, indicatorsCmd)

	macroCmd.Flags().StringVar(macroSources[macro.BTCDominance], "btc-d", "", "BTC dominance source CSV")
	macroCmd.Flags().StringVar(macroSources[macro.USDTDominance], "usdt-d", "", "USDT dominance source CSV")
	macroCmd.Flags().StringVar(macroSources[macro.TotalCap], "total", "", "Total market cap source CSV")
	macroCmd.Flags().StringVar(macroSources[macro.Total3Cap], "total3", "", "Total ex-majors market cap source CSV")
	macroCmd.Flags().StringVar(&macroOut, "out", "", "Output macro CSV (default: stdout)")
	requireFlags(macroCmd.Flags(), "btc-d", "usdt-d", "total", "total3")

	regimeCmd.Flags().StringVar(&regimeMacro, "macro", "", "Assembled macro CSV")
	regimeCmd.Flags().StringVar(&regimeOut, "out", "", "Output levels CSV (default: stdout)")
	regimeCmd.Flags().StringVar(&regimeExplain, "explain", "", "Optional CSV with the per-series scores behind each level")
	requireFlags(regimeCmd.Flags(), "macro")

	indicatorsCmd.Flags().StringVar(&indicatorsOut, "out", "", "Output indicator CSV (default: stdout)")
}

func runMacro(cmd *cobra.Command, args []string) error {
	sources := make(map[macro.Field][]macro.Point, len(macroSources))
	for _, f := range macro.Fields {
		pts, err := readFile(*macroSources[f], macro.ReadSource)
		if err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
		sources[f] = pts
	}
	rows, err := macro.Assemble(sources)
	if err != nil {
		return fmt.Errorf("assembling macro table: %w", err)
	}
	logger.Info("Assembled macro table", "days", len(rows))
	return writeFile(macroOut, func(w io.Writer) error { return dataio.WriteMacro(w, rows) })
}

func runRegime(cmd *cobra.Command, args []string) error {
	rows, err := readFile(regimeMacro, dataio.ReadMacro)
	if err != nil {
		return err
	}
	levels, err := classify(rows)
	if err != nil {
		return err
	}
	if err := writeFile(regimeOut, func(w io.Writer) error { return dataio.WriteRegimeLevels(w, levels) }); err != nil {
		return err
	}
	if regimeExplain == "" {
		return nil
	}
	details := regime.NewClassifier(cfg.RegimeOptions(), logger).Explain(rows)
	return writeFile(regimeExplain, func(w io.Writer) error { return dataio.WriteRegimeDetails(w, details) })
}

func classify(rows []types.MacroRow) ([]types.RegimeLevel, error) {
	start := time.Now()
	levels := regime.NewClassifier(cfg.RegimeOptions(), logger).Classify(rows)
	if len(levels) == 0 {
		return nil, fmt.Errorf("macro table has no rows")
	}
	logger.Info("Classified market regime",
		"days", len(levels),
		"first", levels[0].Date.Format(time.DateOnly),
		"last", levels[len(levels)-1].Date.Format(time.DateOnly),
		"latest_level", levels[len(levels)-1].Level,
		"elapsed", time.Since(start),
	)
	return levels, nil
}

func runIndicators(cmd *cobra.Command, args []string) error {
	results := make([][]types.IndicatorBar, len(args))
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(cfg.Detector.Workers)
	for i, path := range args {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			symbol := symbolFromPath(path)
			candles, err := readFile(path, dataio.ReadCandles)
			if err != nil {
				return err
			}
			bars, err := indicators.Generate(symbol, candles)
			if err != nil {
				logger.Warn("Skipping symbol", "symbol", symbol, "path", path, "error", err)
				return nil
			}
			results[i] = bars
			logger.Debug("Generated indicators", "symbol", symbol, "bars", len(bars))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("generating indicators: %w", err)
	}

	bySymbol := make(map[string][]types.IndicatorBar, len(results))
	for _, bars := range results {
		if len(bars) > 0 {
			bySymbol[bars[0].Symbol] = bars
		}
	}
	logger.Info("Generated indicator table", "files", len(args), "symbols", len(bySymbol))
	flat := dataio.FlattenBars(bySymbol)
	return writeFile(indicatorsOut, func(w io.Writer) error { return dataio.WriteIndicatorBars(w, flat) })
}

func symbolFromPath(path string) string {
	base := filepath.Base(path)
	return strings.ToUpper(strings.TrimSuffix(base, filepath.Ext(base)))
}

// sortedSymbols returns the keys of bySymbol in order.
func sortedSymbols(bySymbol map[string][]types.IndicatorBar) []string {
	out := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
