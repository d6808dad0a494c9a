package repo

import (
	"context"
	"sync"

	"github.com/marketfeed/livefeed-core/internal/candle"
)

// MemoryRepo is an in-memory CandleRepo used by tests that exercise
// the ingestion pipeline without a real database.
type MemoryRepo struct {
	mu    sync.Mutex
	rows  map[string]map[int64]candle.Candle // symbol|interval -> openMs -> candle
	Fail  bool                               // force UpsertBatch to return an error
	Calls int
}

// NewMemoryRepo returns an empty repo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{rows: make(map[string]map[int64]candle.Candle)}
}

func key(symbol, intervalLabel string) string {
	return symbol + "|" + intervalLabel
}

func (m *MemoryRepo) MaxTimestamp(ctx context.Context, symbol, intervalLabel string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.rows[key(symbol, intervalLabel)]
	if !ok || len(bucket) == 0 {
		return 0, false, nil
	}
	var max int64
	found := false
	for _, c := range bucket {
		if !found || c.CloseMs > max {
			max = c.CloseMs
			found = true
		}
	}
	return max, found, nil
}

func (m *MemoryRepo) UpsertBatch(ctx context.Context, symbol, intervalLabel string, rows []candle.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	if m.Fail {
		return errUpsertFailed
	}

	bucket, ok := m.rows[key(symbol, intervalLabel)]
	if !ok {
		bucket = make(map[int64]candle.Candle)
		m.rows[key(symbol, intervalLabel)] = bucket
	}
	for _, c := range rows {
		bucket[c.OpenMs] = c
	}
	return nil
}

// Snapshot returns the persisted candles for a symbol/interval,
// ordered by OpenMs, for assertions in tests.
func (m *MemoryRepo) Snapshot(symbol, intervalLabel string) []candle.Candle {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.rows[key(symbol, intervalLabel)]
	out := make([]candle.Candle, 0, len(bucket))
	for _, c := range bucket {
		out = append(out, c)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].OpenMs < out[j-1].OpenMs; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

var errUpsertFailed = &upsertError{"simulated upsert failure"}

type upsertError struct{ msg string }

func (e *upsertError) Error() string { return e.msg }
