// Package detector walks each symbol's bars in date order, scores every bar
// against the regime level for its day and emits a BreakoutEvent whenever the
// entry signal fires.
//
// Symbols are independent; DetectAll fans them out over a bounded worker pool
// and returns results in symbol order so output is reproducible.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/algomatic/m18/pkg/scoring"
	"github.com/algomatic/m18/pkg/types"
	"golang.org/x/sync/errgroup"
)

// MatchRateAlarm is the join match rate below which a batch is flagged.
const MatchRateAlarm = 0.5

// Options configures a Detector.
type Options struct {
	Lookback  int
	Entry     scoring.EntryParams
	Workers   int
	KeepScore bool // keep every scored bar in Result.Scored
}

// DefaultOptions returns a 100-bar lookback with default entry parameters.
func DefaultOptions() Options {
	return Options{
		Lookback: 100,
		Entry:    scoring.DefaultEntryParams(),
		Workers:  4,
	}
}

// Observer receives per-symbol progress. Calls may come from several
// goroutines at once.
type Observer interface {
	SymbolStarted(symbol string)
	SymbolFinished(res Result)
}

// ScoredBar is one evaluated bar.
type ScoredBar struct {
	Symbol string
	Date   time.Time
	Close  float64
	types.EntryEvaluation
}

// JoinStats counts how many bars found a regime level for their day.
type JoinStats struct {
	Matched int
	Total   int
}

// MatchRate returns Matched/Total, or 1 for an empty join.
func (j JoinStats) MatchRate() float64 {
	if j.Total == 0 {
		return 1
	}
	return float64(j.Matched) / float64(j.Total)
}

// Add accumulates another join.
func (j *JoinStats) Add(o JoinStats) {
	j.Matched += o.Matched
	j.Total += o.Total
}

// Result is the outcome for one symbol: events, or a skip reason.
type Result struct {
	Symbol string
	Events []types.BreakoutEvent
	Scored []ScoredBar
	Join   JoinStats
	Skip   types.SkipReason
	Detail string
}

// Skipped reports whether the symbol produced no usable walk.
func (r Result) Skipped() bool {
	return r.Skip != types.SkipNone
}

// Batch aggregates the per-symbol results of a DetectAll run.
type Batch struct {
	Results []Result
	Join    JoinStats
}

// Events returns all events across symbols, in symbol then date order.
func (b Batch) Events() []types.BreakoutEvent {
	var out []types.BreakoutEvent
	for _, r := range b.Results {
		out = append(out, r.Events...)
	}
	return out
}

// SkippedCount returns how many symbols were skipped.
func (b Batch) SkippedCount() int {
	n := 0
	for _, r := range b.Results {
		if r.Skipped() {
			n++
		}
	}
	return n
}

// Alarm reports whether the regime join rate is below MatchRateAlarm.
func (b Batch) Alarm() bool {
	return b.Join.Total > 0 && b.Join.MatchRate() < MatchRateAlarm
}

// Detector runs the breakout walk.
type Detector struct {
	opts     Options
	observer Observer
	logger   *slog.Logger
}

// NewDetector creates a Detector. observer may be nil.
func NewDetector(opts Options, observer Observer, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	logger.Info("Detector initialised",
		"lookback", opts.Lookback,
		"static_adj", opts.Entry.StaticAdj,
		"std_mult", opts.Entry.StdMult,
		"workers", opts.Workers,
	)
	return &Detector{opts: opts, observer: observer, logger: logger}
}

// Detect runs the walk for a single symbol. Bars must be strictly increasing
// by date; anything else is skipped rather than walked.
func (d *Detector) Detect(symbol string, bars []types.IndicatorBar, levels types.LevelIndex) (res Result) {
	res = Result{Symbol: symbol}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("Symbol walk panicked", "symbol", symbol, "error", r)
			res = Result{Symbol: symbol, Skip: types.SkipPanic, Detail: fmt.Sprint(r)}
		}
	}()

	if len(bars) == 0 {
		d.logger.Warn("No bars for symbol", "symbol", symbol)
		res.Skip = types.SkipNoBars
		return res
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Date.After(bars[i-1].Date) {
			d.logger.Warn("Bars not strictly increasing by date",
				"symbol", symbol,
				"index", i,
				"date", bars[i].Date.Format("2006-01-02"),
			)
			res.Skip = types.SkipUnsorted
			res.Detail = fmt.Sprintf("bar %d at %s", i, bars[i].Date.Format("2006-01-02"))
			return res
		}
	}

	window := NewScoreWindow(d.opts.Lookback)
	// The first bar has nothing to confirm against and can never fire.
	prevNorm := math.Inf(1)
	if d.opts.KeepScore {
		res.Scored = make([]ScoredBar, 0, len(bars))
	}

	for i := range bars {
		bar := &bars[i]
		level, ok := levels.Lookup(bar.Date)
		res.Join.Total++
		if ok {
			res.Join.Matched++
		} else {
			level = types.NeutralLevel
		}

		mean, std := window.Stats()
		ev := scoring.EvaluateEntry(bar, level, mean, std, prevNorm, d.opts.Entry)
		window.Push(ev.ScoreNorm)
		prevNorm = ev.ScoreNorm

		if d.opts.KeepScore {
			res.Scored = append(res.Scored, ScoredBar{
				Symbol:          symbol,
				Date:            bar.Date,
				Close:           bar.Close,
				EntryEvaluation: ev,
			})
		}
		if !ev.EntrySignal {
			continue
		}
		res.Events = append(res.Events, types.BreakoutEvent{
			Symbol:      symbol,
			EntryDate:   bar.Date,
			EntryPrice:  bar.Close,
			MarketLevel: ev.MarketLevel,
			ScoreTrd:    ev.Trend,
			ScoreVty:    ev.Volatility,
			ScoreVol:    ev.Volume,
			ScoreMom:    ev.Momentum,
			ScoreTotal:  ev.ScoreTotal,
			ScoreNorm:   ev.ScoreNorm,
		})
		d.logger.Debug("Entry signal",
			"symbol", symbol,
			"date", bar.Date.Format("2006-01-02"),
			"level", ev.MarketLevel,
			"score_norm", ev.ScoreNorm,
			"cutoff", ev.EntryCutoff,
		)
	}

	if miss := res.Join.Total - res.Join.Matched; miss > 0 {
		d.logger.Warn("Regime join misses defaulted to neutral level",
			"symbol", symbol,
			"missed", miss,
			"total", res.Join.Total,
		)
	}
	return res
}

// DetectAll runs Detect for every symbol. It only returns an error when ctx
// is cancelled; per-symbol problems are reported as skips.
func (d *Detector) DetectAll(
	ctx context.Context,
	bySymbol map[string][]types.IndicatorBar,
	levels types.LevelIndex,
) (Batch, error) {
	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	results := make([]Result, len(symbols))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)

	start := time.Now()
	for i, sym := range symbols {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.observer != nil {
				d.observer.SymbolStarted(sym)
			}
			results[i] = d.Detect(sym, bySymbol[sym], levels)
			if d.observer != nil {
				d.observer.SymbolFinished(results[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, fmt.Errorf("detecting breakouts: %w", err)
	}

	batch := Batch{Results: results}
	for _, r := range results {
		batch.Join.Add(r.Join)
	}
	d.logger.Info("Completed breakout detection",
		"symbols", len(symbols),
		"skipped", batch.SkippedCount(),
		"events", len(batch.Events()),
		"match_rate", batch.Join.MatchRate(),
		"elapsed", time.Since(start),
	)
	if batch.Alarm() {
		d.logger.Warn("Regime join match rate below alarm threshold",
			"match_rate", batch.Join.MatchRate(),
			"threshold", MatchRateAlarm,
		)
	}
	return batch, nil
}

// Dedup keeps the highest score_total per (symbol, entry day) and sorts the
// result by entry date then symbol. Ties keep the earlier event.
func Dedup(events []types.BreakoutEvent) []types.BreakoutEvent {
	type key struct {
		symbol string
		day    time.Time
	}
	best := make(map[key]int, len(events))
	out := make([]types.BreakoutEvent, 0, len(events))
	for _, e := range events {
		k := key{e.Symbol, types.Day(e.EntryDate)}
		if idx, ok := best[k]; ok {
			if e.ScoreTotal > out[idx].ScoreTotal {
				out[idx] = e
			}
			continue
		}
		best[k] = len(out)
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].EntryDate.Equal(out[j].EntryDate) {
			return out[i].EntryDate.Before(out[j].EntryDate)
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
