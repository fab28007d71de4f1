// Command m18 runs the crypto breakout research pipeline: macro assembly,
// regime classification, indicator generation, breakout detection, exit
// labelling and exit-policy evaluation.
//
// Usage:
//
//	m18 macro --btc-d btc_d.csv --usdt-d usdt_d.csv --total total.csv --total3 total3.csv --out macro.csv
//	m18 regime --macro macro.csv --out levels.csv
//	m18 indicators --out indicators.csv data/BTC.csv data/ETH.csv
//	m18 detect --indicators indicators.csv --levels levels.csv --out breakouts.csv
//	m18 label --indicators indicators.csv --levels levels.csv --breakouts breakouts.csv --out trades.csv
//	m18 pipeline --indicators indicators.csv --macro macro.csv --out-dir out/
//	m18 serve --config m18.yaml
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/algomatic/m18/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// version is set at build time.
var version = "dev"

var (
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "m18",
	Short: "Crypto breakout research pipeline",
	Long: `m18 classifies the crypto market regime from macro series, detects
score-based breakouts per symbol and labels each breakout with a
regime-aware exit. Every stage reads and writes CSV tables so stages can be
run separately or chained with the pipeline command.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger = setupLogger(cfg.Log)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", envOrDefault("M18_CONFIG", "m18.yaml"), "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level: debug, info, warn, error")
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// requireFlags marks flags required; a name that is not defined panics at
// start-up.
func requireFlags(fs *pflag.FlagSet, names ...string) {
	for _, name := range names {
		if err := cobra.MarkFlagRequired(fs, name); err != nil {
			panic(err)
		}
	}
}

func setupLogger(lc config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var writer io.Writer = os.Stderr
	if lc.File != "" {
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cannot open log file %s: %v, falling back to stderr\n", lc.File, err)
		} else {
			writer = io.MultiWriter(os.Stderr, f)
		}
	}

	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(writer, opts))
	}
	return slog.New(slog.NewTextHandler(writer, opts))
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
