// Package repo defines the narrow persistence contract the live
// ingestion pipeline depends on and a Postgres-backed implementation.
package repo

import (
	"context"

	"github.com/marketfeed/livefeed-core/internal/candle"
)

// CandleRepo upserts batches of closed candles and answers the
// latest-close query the resync algorithm needs. Implementations must
// dedupe on (symbol, interval, openMs).
type CandleRepo interface {
	// MaxTimestamp returns the most recent closeMs stored for a
	// symbol/interval, or ok=false if nothing has been stored yet.
	MaxTimestamp(ctx context.Context, symbol, intervalLabel string) (ms int64, ok bool, err error)
	// UpsertBatch writes closed candles, overwriting any existing row
	// that shares the same (symbol, interval, openMs).
	UpsertBatch(ctx context.Context, symbol, intervalLabel string, rows []candle.Candle) error
}
