package persistence

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS m18_regime_levels (
	date         DATE PRIMARY KEY,
	market_level SMALLINT NOT NULL CHECK (market_level BETWEEN 1 AND 9)
);

CREATE TABLE IF NOT EXISTS m18_breakouts (
	id           BIGSERIAL PRIMARY KEY,
	run_id       TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	entry_date   TIMESTAMPTZ NOT NULL,
	entry_price  DOUBLE PRECISION,
	market_level SMALLINT NOT NULL,
	score_trd    DOUBLE PRECISION,
	score_vty    DOUBLE PRECISION,
	score_vol    DOUBLE PRECISION,
	score_mom    DOUBLE PRECISION,
	score_total  DOUBLE PRECISION,
	score_norm   DOUBLE PRECISION
);

CREATE TABLE IF NOT EXISTS m18_level_summaries (
	id           BIGSERIAL PRIMARY KEY,
	run_id       TEXT NOT NULL,
	mode         TEXT NOT NULL,
	period_start DATE NOT NULL,
	period_end   DATE NOT NULL,
	market_level SMALLINT NOT NULL,
	exit_reason  TEXT NOT NULL,
	num_trades   INTEGER NOT NULL,
	ret_mean     DOUBLE PRECISION,
	ret_std      DOUBLE PRECISION,
	win_rate     DOUBLE PRECISION,
	mean_bars    DOUBLE PRECISION,
	best_ret     DOUBLE PRECISION,
	worst_ret    DOUBLE PRECISION,
	mean_score   DOUBLE PRECISION,
	CONSTRAINT uq_m18_summary_dimensions UNIQUE (run_id, mode, market_level, exit_reason)
);

CREATE TABLE IF NOT EXISTS m18_trades (
	id           BIGSERIAL PRIMARY KEY,
	summary_id   BIGINT NOT NULL REFERENCES m18_level_summaries(id) ON DELETE CASCADE,
	symbol       TEXT NOT NULL,
	entry_date   TIMESTAMPTZ NOT NULL,
	exit_date    TIMESTAMPTZ NOT NULL,
	entry_price  DOUBLE PRECISION,
	exit_price   DOUBLE PRECISION,
	market_level SMALLINT NOT NULL,
	exit_reason  TEXT NOT NULL,
	bars_held    INTEGER NOT NULL,
	hold_days    INTEGER NOT NULL,
	ret_pct      DOUBLE PRECISION,
	mfe_pct      DOUBLE PRECISION,
	mae_pct      DOUBLE PRECISION,
	ret_std      DOUBLE PRECISION,
	score_total  DOUBLE PRECISION,
	score_norm   DOUBLE PRECISION
);

ALTER TABLE m18_trades ADD COLUMN IF NOT EXISTS mfe_pct DOUBLE PRECISION;
ALTER TABLE m18_trades ADD COLUMN IF NOT EXISTS mae_pct DOUBLE PRECISION;
ALTER TABLE m18_trades ADD COLUMN IF NOT EXISTS ret_std DOUBLE PRECISION;
`

// EnsureSchema creates the pipeline tables if they do not exist.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}
