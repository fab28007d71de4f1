// Package config loads the pipeline configuration from a YAML file with
// struct-tag defaults, M18_ environment overrides and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/algomatic/m18/pkg/detector"
	"github.com/algomatic/m18/pkg/exits"
	"github.com/algomatic/m18/pkg/labeler"
	"github.com/algomatic/m18/pkg/regime"
	"github.com/algomatic/m18/pkg/scoring"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "M18_"

// Config holds all configuration for the pipeline.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Regime     RegimeConfig     `yaml:"regime"`
	Detector   DetectorConfig   `yaml:"detector"`
	Exits      ExitsConfig      `yaml:"exits"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Server     ServerConfig     `yaml:"server"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" default:"info"`
	Format string `yaml:"format" default:"text" validate:"oneof=text json"`
	File   string `yaml:"file"`
}

// RegimeConfig controls the regime classifier.
type RegimeConfig struct {
	Window   int    `yaml:"window" default:"14" validate:"min=1"`
	Mapping  string `yaml:"mapping" default:"round" validate:"oneof=round quantile"`
	TrainEnd string `yaml:"train_end" default:"2024-12-31"`
}

// DetectorConfig controls breakout detection.
type DetectorConfig struct {
	Lookback  int     `yaml:"lookback" default:"100" validate:"min=1"`
	StaticAdj float64 `yaml:"static_adj"`
	StdMult   float64 `yaml:"std_mult" default:"0.5" validate:"gte=0"`
	Workers   int     `yaml:"workers" default:"4" validate:"min=1,max=64"`
}

// RSIConfig is the grid exit's RSI rule.
type RSIConfig struct {
	Y     float64 `yaml:"y" default:"75" validate:"gt=0,lte=100"`
	Delta float64 `yaml:"delta" default:"5" validate:"gt=0"`
	M     int     `yaml:"m" default:"3" validate:"min=1"`
	Floor float64 `yaml:"floor" validate:"gte=0,lte=100"`
}

// ConfluenceConfig is the grid exit's confirming signal.
type ConfluenceConfig struct {
	Family string  `yaml:"family" default:"none"`
	Param  float64 `yaml:"param"`
}

// ExitsConfig controls labelling.
type ExitsConfig struct {
	Mode               string           `yaml:"mode" default:"hybrid"`
	TPReturn           string           `yaml:"tp_return" default:"close"`
	GridTPReturn       string           `yaml:"grid_tp_return" default:"target"`
	RSI                RSIConfig        `yaml:"rsi"`
	Confluence         ConfluenceConfig `yaml:"confluence"`
	Veto               bool             `yaml:"veto"`
	ATRMult            float64          `yaml:"atr_mult" default:"1.25" validate:"gt=0"`
	CapBars            int              `yaml:"cap_bars" validate:"min=0"`
	// RequireFullHorizon skips, with a logged short_window reason, any event
	// whose forward window is shorter than its hold cap. Off by default: such
	// a trade exits TIME on the last available bar instead.
	RequireFullHorizon bool             `yaml:"require_full_horizon"`
	Workers            int              `yaml:"workers" default:"4" validate:"min=1,max=64"`
}

// EvaluationConfig controls the grid, sweep and walk-forward reports.
type EvaluationConfig struct {
	OOSFraction float64   `yaml:"oos_fraction" default:"0.3" validate:"gt=0,lt=1"`
	CostBps     float64   `yaml:"cost_bps" default:"10" validate:"gte=0"`
	Caps        []int     `yaml:"caps" default:"[6,8,10,12]" validate:"min=1,dive,min=1"`
	TimeCaps    []int     `yaml:"time_caps" default:"[3,5,8,10]" validate:"dive,min=1"`
	ATRMults    []float64 `yaml:"atr_mults" default:"[2,2.5,3]" validate:"dive,gt=0"`
	Workers     int       `yaml:"workers" default:"4" validate:"min=1,max=64"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host" default:"localhost"`
	Port     int    `yaml:"port" default:"5432" validate:"min=1,max=65535"`
	Name     string `yaml:"name" default:"m18"`
	User     string `yaml:"user" default:"m18"`
	Password string `yaml:"password"`
}

// ConnString builds a PostgreSQL connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Host          string `yaml:"host" default:"localhost"`
	Port          int    `yaml:"port" default:"6379" validate:"min=1,max=65535"`
	DB            int    `yaml:"db" validate:"min=0"`
	Password      string `yaml:"password"`
	ChannelPrefix string `yaml:"channel_prefix" default:"m18"`
}

// Addr returns host:port for Redis.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ServerConfig holds the monitoring listeners.
type ServerConfig struct {
	HTTPPort int `yaml:"http_port" default:"8090" validate:"min=1,max=65535"`
	GRPCPort int `yaml:"grpc_port" default:"50061" validate:"min=1,max=65535"`
}

// MetricsConfig controls Prometheus export. Textfile, when set, receives a
// snapshot of the registry after each batch command.
type MetricsConfig struct {
	Disabled bool   `yaml:"disabled"`
	Textfile string `yaml:"textfile"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// Load applies the defaults, then the YAML file, then environment
// variables. A missing file is not an error. A value set explicitly in the
// file, zero included, is kept.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	overrideFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks struct tags and the cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	return validate(c)
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error (got %q)", cfg.Log.Level)
	}
	if _, err := labeler.ParseMode(cfg.Exits.Mode); err != nil {
		return fmt.Errorf("exits.mode: %w", err)
	}
	if _, err := exits.ParseTPReturn(cfg.Exits.TPReturn); err != nil {
		return fmt.Errorf("exits.tp_return: %w", err)
	}
	if _, err := exits.ParseTPReturn(cfg.Exits.GridTPReturn); err != nil {
		return fmt.Errorf("exits.grid_tp_return: %w", err)
	}
	if _, err := exits.ParseFamily(cfg.Exits.Confluence.Family); err != nil {
		return fmt.Errorf("exits.confluence.family: %w", err)
	}
	if _, err := time.Parse(time.DateOnly, cfg.Regime.TrainEnd); err != nil {
		return fmt.Errorf("regime.train_end: %w", err)
	}
	if cfg.Exits.Mode == string(labeler.ModeATR) && cfg.Exits.CapBars == 0 && cfg.Exits.RequireFullHorizon {
		return errors.New("exits.require_full_horizon needs exits.cap_bars in atr mode")
	}
	return nil
}

func overrideFromEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flt := func(key string, dst *float64) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("LOG_FILE", &cfg.Log.File)

	num("REGIME_WINDOW", &cfg.Regime.Window)
	num("DETECTOR_LOOKBACK", &cfg.Detector.Lookback)
	flt("DETECTOR_STATIC_ADJ", &cfg.Detector.StaticAdj)
	flt("DETECTOR_STD_MULT", &cfg.Detector.StdMult)
	num("DETECTOR_WORKERS", &cfg.Detector.Workers)

	str("EXITS_MODE", &cfg.Exits.Mode)
	str("EXITS_TP_RETURN", &cfg.Exits.TPReturn)
	flt("EXITS_ATR_MULT", &cfg.Exits.ATRMult)
	num("EXITS_CAP_BARS", &cfg.Exits.CapBars)

	flt("EVALUATION_COST_BPS", &cfg.Evaluation.CostBps)
	flt("EVALUATION_OOS_FRACTION", &cfg.Evaluation.OOSFraction)

	flag("DB_ENABLED", &cfg.Database.Enabled)
	str("DB_HOST", &cfg.Database.Host)
	num("DB_PORT", &cfg.Database.Port)
	str("DB_NAME", &cfg.Database.Name)
	str("DB_USER", &cfg.Database.User)
	str("DB_PASSWORD", &cfg.Database.Password)

	flag("REDIS_ENABLED", &cfg.Redis.Enabled)
	str("REDIS_HOST", &cfg.Redis.Host)
	num("REDIS_PORT", &cfg.Redis.Port)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("REDIS_CHANNEL_PREFIX", &cfg.Redis.ChannelPrefix)

	num("HTTP_PORT", &cfg.Server.HTTPPort)
	num("GRPC_PORT", &cfg.Server.GRPCPort)
	flag("METRICS_DISABLED", &cfg.Metrics.Disabled)
	str("METRICS_TEXTFILE", &cfg.Metrics.Textfile)
}

// RegimeOptions converts the regime section.
func (c *Config) RegimeOptions() regime.Options {
	opts := regime.DefaultOptions()
	opts.Lookback = c.Regime.Window
	opts.Mapping = regime.Mapping(c.Regime.Mapping)
	if t, err := time.Parse(time.DateOnly, c.Regime.TrainEnd); err == nil {
		opts.TrainEnd = t
	}
	return opts
}

// DetectorOptions converts the detector section.
func (c *Config) DetectorOptions() detector.Options {
	return detector.Options{
		Lookback: c.Detector.Lookback,
		Entry: scoring.EntryParams{
			StaticAdj: c.Detector.StaticAdj,
			StdMult:   c.Detector.StdMult,
		},
		Workers: c.Detector.Workers,
	}
}

// ExitPolicy converts the grid-exit part of the exits section.
func (c *Config) ExitPolicy() exits.Policy {
	p := exits.DefaultPolicy()
	p.RSI = exits.RSIRule{
		Y:     c.Exits.RSI.Y,
		Delta: c.Exits.RSI.Delta,
		M:     c.Exits.RSI.M,
		Floor: c.Exits.RSI.Floor,
	}
	p.TPReturn, _ = exits.ParseTPReturn(c.Exits.GridTPReturn)
	fam, _ := exits.ParseFamily(c.Exits.Confluence.Family)
	p.Confluence = exits.Confluence{Family: fam, Param: c.Exits.Confluence.Param}
	if c.Exits.Veto {
		p.Veto = exits.DefaultVeto()
	}
	return p
}

// LabelerOptions converts the exits section.
func (c *Config) LabelerOptions() labeler.Options {
	opts := labeler.DefaultOptions()
	opts.Mode, _ = labeler.ParseMode(c.Exits.Mode)
	opts.TPReturn, _ = exits.ParseTPReturn(c.Exits.TPReturn)
	opts.Grid = c.ExitPolicy()
	opts.ATRMult = c.Exits.ATRMult
	opts.CapBars = c.Exits.CapBars
	opts.RequireFullHorizon = c.Exits.RequireFullHorizon
	opts.Workers = c.Exits.Workers
	return opts
}
