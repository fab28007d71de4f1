// Package labeler attaches an exit outcome to each breakout event by walking
// the event's forward bar window through one of the exit variants.
package labeler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/algomatic/m18/pkg/exits"
	"github.com/algomatic/m18/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Mode selects the exit variant.
type Mode string

const (
	ModeHybrid Mode = "hybrid"
	ModeGrid   Mode = "grid"
	ModeATR    Mode = "atr"
)

// ParseMode validates a mode name. Empty means ModeHybrid.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeHybrid:
		return ModeHybrid, nil
	case ModeGrid, ModeATR:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown exit mode %q", s)
}

// Options configures labelling.
type Options struct {
	Mode               Mode
	Tables             exits.Tables
	TPReturn           exits.TPReturn
	Grid               exits.Policy
	ATRMult            float64
	CapBars            int
	RequireFullHorizon bool // skip short windows as short_window instead of exiting TIME on the last bar
	Workers            int
}

// DefaultOptions labels with the hybrid manager and close-priced TP.
func DefaultOptions() Options {
	return Options{
		Mode:     ModeHybrid,
		Tables:   exits.HybridTables,
		TPReturn: exits.TPReturnClose,
		Grid:     exits.DefaultPolicy(),
		ATRMult:  exits.DefaultATRMult,
		Workers:  4,
	}
}

// horizon is the number of forward bars the mode may need for a full hold.
func (o Options) horizon(level int) int {
	switch o.Mode {
	case ModeGrid:
		return o.Grid.Tables.Hold(level)
	case ModeATR:
		if o.CapBars > 0 {
			return o.CapBars
		}
		return 1
	}
	return o.Tables.Hold(level)
}

// ForwardWindow returns the bars strictly after the entry date. bars must be
// sorted ascending by date.
func ForwardWindow(bars []types.IndicatorBar, entry time.Time) []types.IndicatorBar {
	i := sort.Search(len(bars), func(i int) bool { return bars[i].Date.After(entry) })
	return bars[i:]
}

// Label computes the exit for one event. bars is the symbol's full history in
// ascending date order. A non-empty SkipReason means the event is excluded.
func Label(
	ev types.BreakoutEvent,
	bars []types.IndicatorBar,
	levels types.LevelIndex,
	opts Options,
) (types.LabeledTrade, types.SkipReason) {
	if len(bars) == 0 {
		return types.LabeledTrade{}, types.SkipNoHistory
	}
	window := ForwardWindow(bars, ev.EntryDate)
	if len(window) == 0 {
		return types.LabeledTrade{}, types.SkipNoForwardBars
	}
	if opts.RequireFullHorizon && len(window) < opts.horizon(ev.MarketLevel) {
		return types.LabeledTrade{}, types.SkipShortWindow
	}

	var out types.ExitOutcome
	switch opts.Mode {
	case ModeGrid:
		out = exits.EvaluateGrid(ev, window, opts.Grid).ExitOutcome
	case ModeATR:
		out = exits.ATRTrail(ev, window, opts.ATRMult, opts.CapBars, &opts.Tables, opts.TPReturn).ExitOutcome
	default:
		out = exits.Hybrid(ev, window, levels, opts.Tables, opts.TPReturn)
	}
	return types.LabeledTrade{BreakoutEvent: ev, ExitOutcome: out}, types.SkipNone
}

// Skip records an event left out of the labelled output.
type Skip struct {
	Event  types.BreakoutEvent
	Reason types.SkipReason
}

// Batch is the result of LabelAll.
type Batch struct {
	Trades  []types.LabeledTrade
	Skipped []Skip
}

// SkipCounts tallies skips by reason.
func (b Batch) SkipCounts() map[types.SkipReason]int {
	out := make(map[types.SkipReason]int)
	for _, s := range b.Skipped {
		out[s.Reason]++
	}
	return out
}

// Observer is notified as events are labelled. Calls may be concurrent.
type Observer interface {
	TradeLabeled(trade types.LabeledTrade)
	TradeSkipped(ev types.BreakoutEvent, reason types.SkipReason)
}

// Labeler runs Label over a batch of events.
type Labeler struct {
	opts     Options
	observer Observer
	logger   *slog.Logger
}

// New creates a Labeler. observer may be nil.
func New(opts Options, observer Observer, logger *slog.Logger) *Labeler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Labeler{opts: opts, observer: observer, logger: logger}
}

// LabelAll labels every event against its symbol's bars. Trades and skips
// keep the order of events. It only returns an error when ctx is cancelled.
func (l *Labeler) LabelAll(
	ctx context.Context,
	events []types.BreakoutEvent,
	bySymbol map[string][]types.IndicatorBar,
	levels types.LevelIndex,
) (Batch, error) {
	unsorted := make(map[string]bool)
	for sym, bars := range bySymbol {
		for i := 1; i < len(bars); i++ {
			if !bars[i].Date.After(bars[i-1].Date) {
				unsorted[sym] = true
				l.logger.Warn("Bars not strictly increasing by date", "symbol", sym, "index", i)
				break
			}
		}
	}

	type slot struct {
		trade types.LabeledTrade
		skip  types.SkipReason
	}
	slots := make([]slot, len(events))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Workers)
	for i, ev := range events {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if unsorted[ev.Symbol] {
				slots[i].skip = types.SkipUnsorted
			} else {
				slots[i].trade, slots[i].skip = l.safeLabel(ev, bySymbol[ev.Symbol], levels)
			}
			if l.observer != nil {
				if slots[i].skip != types.SkipNone {
					l.observer.TradeSkipped(ev, slots[i].skip)
				} else {
					l.observer.TradeLabeled(slots[i].trade)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, fmt.Errorf("labelling trades: %w", err)
	}

	var batch Batch
	for i, s := range slots {
		if s.skip != types.SkipNone {
			l.logger.Warn("Skipped trade",
				"symbol", events[i].Symbol,
				"entry_date", events[i].EntryDate.Format("2006-01-02"),
				"reason", string(s.skip),
			)
			batch.Skipped = append(batch.Skipped, Skip{Event: events[i], Reason: s.skip})
			continue
		}
		batch.Trades = append(batch.Trades, s.trade)
	}
	l.logger.Info("Completed exit labelling",
		"mode", string(l.opts.Mode),
		"events", len(events),
		"labelled", len(batch.Trades),
		"skipped", len(batch.Skipped),
	)
	return batch, nil
}

// safeLabel converts a panic in one event's walk into a skip.
func (l *Labeler) safeLabel(ev types.BreakoutEvent, bars []types.IndicatorBar, levels types.LevelIndex) (trade types.LabeledTrade, skip types.SkipReason) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("Exit walk panicked", "symbol", ev.Symbol, "error", r)
			trade, skip = types.LabeledTrade{}, types.SkipPanic
		}
	}()
	return Label(ev, bars, levels, l.opts)
}
