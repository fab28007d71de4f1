package persistence

import (
	"context"
	"io"

	"github.com/algomatic/m18/pkg/types"
)

// Persister defines the interface for pipeline result persistence.
type Persister interface {
	// SaveRegimeLevels upserts the daily market levels.
	SaveRegimeLevels(ctx context.Context, levels []types.RegimeLevel) (int, error)

	// SaveBreakouts bulk-inserts the entries detected by a run.
	SaveBreakouts(ctx context.Context, runID string, events []types.BreakoutEvent) (int, error)

	// SaveResults inserts per-level summaries.
	// Returns a map of GroupKey -> summary id for FK linking, and the inserted count.
	SaveResults(ctx context.Context, results []AggregatedResult) (map[GroupKey]int64, int, error)

	// SaveTrades bulk-inserts trade records.
	SaveTrades(ctx context.Context, trades []TradeRecord) (int, error)

	// Persist aggregates and saves a labelled batch.
	// Returns (summaryCount, tradeCount, error).
	Persist(ctx context.Context, runID, mode string, trades []types.LabeledTrade, persistTrades bool) (int, int, error)

	// Ping checks the connection.
	Ping(ctx context.Context) error

	// Close releases resources.
	io.Closer
}

var _ Persister = (*Client)(nil)
