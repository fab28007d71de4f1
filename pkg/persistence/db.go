package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/algomatic/m18/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Client provides Postgres persistence for pipeline runs.
type Client struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewClient creates a new database client with a connection pool.
func NewClient(ctx context.Context, connStr string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("Database connection pool established", "max_conns", config.MaxConns)
	return &Client{pool: pool, logger: logger}, nil
}

// Close shuts down the connection pool.
func (c *Client) Close() error {
	c.pool.Close()
	c.logger.Info("Database connection pool closed")
	return nil
}

// Ping checks that the database is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// SaveRegimeLevels upserts the daily market level table.
func (c *Client) SaveRegimeLevels(ctx context.Context, levels []types.RegimeLevel) (int, error) {
	if len(levels) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, l := range levels {
		batch.Queue(
			`INSERT INTO m18_regime_levels (date, market_level)
			 VALUES ($1, $2)
			 ON CONFLICT (date) DO UPDATE SET market_level = EXCLUDED.market_level`,
			types.Day(l.Date), l.Level,
		)
	}
	br := c.pool.SendBatch(ctx, batch)
	defer br.Close() //nolint:errcheck

	for i := range levels {
		if _, err := br.Exec(); err != nil {
			return i, fmt.Errorf("upserting regime level %s: %w", levels[i].Date.Format(time.DateOnly), err)
		}
	}
	c.logger.Info("Saved regime levels", "count", len(levels))
	return len(levels), nil
}

// SaveBreakouts bulk-inserts the detected entries of a run.
func (c *Client) SaveBreakouts(ctx context.Context, runID string, events []types.BreakoutEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{
			runID, e.Symbol, e.EntryDate, e.EntryPrice, e.MarketLevel,
			e.ScoreTrd, e.ScoreVty, e.ScoreVol, e.ScoreMom, e.ScoreTotal, e.ScoreNorm,
		}
	}

	n, err := c.pool.CopyFrom(
		ctx,
		pgx.Identifier{"m18_breakouts"},
		[]string{
			"run_id", "symbol", "entry_date", "entry_price", "market_level",
			"score_trd", "score_vty", "score_vol", "score_mom", "score_total", "score_norm",
		},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("bulk inserting breakouts: %w", err)
	}
	c.logger.Info("Saved breakouts", "run_id", runID, "count", n)
	return int(n), nil
}

// SaveResults inserts per-level summaries into m18_level_summaries.
// Uses ON CONFLICT DO NOTHING to avoid duplicate errors on the unique constraint.
// Returns a map of GroupKey -> summary id for linking trades, and the count of rows inserted.
func (c *Client) SaveResults(ctx context.Context, results []AggregatedResult) (map[GroupKey]int64, int, error) {
	if len(results) == 0 {
		return nil, 0, nil
	}

	resultIDMap := make(map[GroupKey]int64, len(results))
	inserted := 0

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, r := range results {
		key := GroupKey{Level: r.Level, Reason: r.Reason}
		var id int64
		err := tx.QueryRow(ctx,
			`INSERT INTO m18_level_summaries
				(run_id, mode, period_start, period_end, market_level, exit_reason,
				 num_trades, ret_mean, ret_std, win_rate, mean_bars,
				 best_ret, worst_ret, mean_score)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 ON CONFLICT ON CONSTRAINT uq_m18_summary_dimensions DO NOTHING
			 RETURNING id`,
			r.RunID, r.Mode, r.PeriodStart, r.PeriodEnd, r.Level, string(r.Reason),
			r.NumTrades, r.RetMean, r.RetStd, r.WinRate, r.MeanBars,
			r.BestRet, r.WorstRet, r.MeanScore,
		).Scan(&id)

		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				existingID, lookupErr := c.lookupResultID(ctx, tx, r)
				if lookupErr != nil {
					c.logger.Warn("Could not look up existing summary row",
						"error", lookupErr,
						"run_id", r.RunID,
						"level", r.Level,
						"reason", r.Reason,
					)
					continue
				}
				resultIDMap[key] = existingID
				continue
			}
			return nil, 0, fmt.Errorf("inserting summary: %w", err)
		}

		resultIDMap[key] = id
		inserted++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("committing summaries transaction: %w", err)
	}

	c.logger.Info("Saved level summaries",
		"inserted", inserted,
		"total", len(results),
	)
	return resultIDMap, inserted, nil
}

func (c *Client) lookupResultID(ctx context.Context, tx pgx.Tx, r AggregatedResult) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx,
		`SELECT id FROM m18_level_summaries
		 WHERE run_id = $1 AND mode = $2 AND market_level = $3 AND exit_reason = $4`,
		r.RunID, r.Mode, r.Level, string(r.Reason),
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// SaveTrades bulk-inserts trade rows. Each record must carry the ResultID of
// its summary row.
func (c *Client) SaveTrades(ctx context.Context, trades []TradeRecord) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows := make([][]any, len(trades))
	for i, t := range trades {
		rows[i] = []any{
			t.ResultID,
			t.Symbol,
			t.EntryDate,
			t.ExitDate,
			t.EntryPrice,
			t.ExitPrice,
			t.Level,
			string(t.Reason),
			t.BarsHeld,
			t.HoldDays,
			t.RetPct,
			t.MFEPct,
			t.MAEPct,
			t.RetStd,
			t.ScoreTotal,
			t.ScoreNorm,
		}
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"m18_trades"},
		[]string{
			"summary_id",
			"symbol", "entry_date", "exit_date",
			"entry_price", "exit_price", "market_level", "exit_reason",
			"bars_held", "hold_days", "ret_pct",
			"mfe_pct", "mae_pct", "ret_std",
			"score_total", "score_norm",
		},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("bulk inserting trades: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing trades transaction: %w", err)
	}

	c.logger.Info("Saved trade records", "count", copyCount)
	return int(copyCount), nil
}

// Persist saves the per-level summaries of a labelled batch and, when
// persistTrades is set, the individual trades linked to them.
// Returns the number of summary rows and trade rows inserted.
func (c *Client) Persist(
	ctx context.Context,
	runID, mode string,
	trades []types.LabeledTrade,
	persistTrades bool,
) (resultCount, tradeCount int, err error) {
	results := AggregateByLevel(trades, runID, mode)
	resultIDMap, resultCount, err := c.SaveResults(ctx, results)
	if err != nil {
		return 0, 0, fmt.Errorf("saving summaries: %w", err)
	}

	if !persistTrades || len(trades) == 0 {
		return resultCount, 0, nil
	}

	matched, unmatched := MapTradesToResults(BuildTradeRecords(trades), resultIDMap)
	if unmatched > 0 {
		c.logger.Warn("Some trades could not be linked to summary rows",
			"unmatched", unmatched,
			"total", len(trades),
		)
	}

	tradeCount, err = c.SaveTrades(ctx, matched)
	if err != nil {
		return resultCount, 0, fmt.Errorf("saving trades: %w", err)
	}

	return resultCount, tradeCount, nil
}
