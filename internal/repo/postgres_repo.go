package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/marketfeed/livefeed-core/internal/candle"
)

// PostgresRepo stores closed candles in a single wide table keyed on
// (symbol, interval_label, open_ms), in the upsert idiom the rest of
// the original codebase used for its timeframe tables.
type PostgresRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresRepo wraps an already-connected pool.
func NewPostgresRepo(pool *pgxpool.Pool) *PostgresRepo {
	return &PostgresRepo{pool: pool}
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS candles (
	symbol         TEXT NOT NULL,
	interval_label TEXT NOT NULL,
	open_ms        BIGINT NOT NULL,
	close_ms       BIGINT NOT NULL,
	open           DOUBLE PRECISION NOT NULL,
	high           DOUBLE PRECISION NOT NULL,
	low            DOUBLE PRECISION NOT NULL,
	close          DOUBLE PRECISION NOT NULL,
	base_volume    DOUBLE PRECISION NOT NULL,
	quote_volume   DOUBLE PRECISION NOT NULL,
	trades         BIGINT NOT NULL,
	PRIMARY KEY (symbol, interval_label, open_ms)
);
`

// EnsureSchema creates the candles table if it does not already
// exist. Called from cmd/migrate and once at cmd/livefeed startup,
// not from the hot path.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure candles schema: %w", err)
	}
	return nil
}

func (r *PostgresRepo) MaxTimestamp(ctx context.Context, symbol, intervalLabel string) (int64, bool, error) {
	var closeMs int64
	err := r.pool.QueryRow(ctx,
		`SELECT close_ms FROM candles WHERE symbol = $1 AND interval_label = $2 ORDER BY open_ms DESC LIMIT 1`,
		symbol, intervalLabel,
	).Scan(&closeMs)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query max timestamp: %w", err)
	}
	return closeMs, true, nil
}

const upsertQuery = `
INSERT INTO candles (
	symbol, interval_label, open_ms, close_ms,
	open, high, low, close, base_volume, quote_volume, trades
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (symbol, interval_label, open_ms) DO UPDATE SET
	close_ms     = EXCLUDED.close_ms,
	open         = EXCLUDED.open,
	high         = EXCLUDED.high,
	low          = EXCLUDED.low,
	close        = EXCLUDED.close,
	base_volume  = EXCLUDED.base_volume,
	quote_volume = EXCLUDED.quote_volume,
	trades       = EXCLUDED.trades
`

func (r *PostgresRepo) UpsertBatch(ctx context.Context, symbol, intervalLabel string, rows []candle.Candle) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range rows {
		_, err := tx.Exec(ctx, upsertQuery,
			symbol, intervalLabel, c.OpenMs, c.CloseMs,
			c.Open, c.High, c.Low, c.Close, c.BaseVolume, c.QuoteVolume, c.Trades,
		)
		if err != nil {
			return fmt.Errorf("upsert candle openMs=%d: %w", c.OpenMs, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	return nil
}
