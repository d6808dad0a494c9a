package repo

import (
	"context"
	"testing"

	"github.com/marketfeed/livefeed-core/internal/candle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepoUpsertDedupes(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()

	first := candle.Candle{OpenMs: 60_000, CloseMs: 119_999, Close: 100}
	second := candle.Candle{OpenMs: 60_000, CloseMs: 119_999, Close: 105}

	require.NoError(t, r.UpsertBatch(ctx, "BTCUSDT", "1m", []candle.Candle{first}))
	require.NoError(t, r.UpsertBatch(ctx, "BTCUSDT", "1m", []candle.Candle{second}))

	rows := r.Snapshot("BTCUSDT", "1m")
	require.Len(t, rows, 1)
	assert.Equal(t, 105.0, rows[0].Close)
}

func TestMemoryRepoMaxTimestamp(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()

	_, ok, err := r.MaxTimestamp(ctx, "BTCUSDT", "1m")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.UpsertBatch(ctx, "BTCUSDT", "1m", []candle.Candle{
		{OpenMs: 0, CloseMs: 59_999},
		{OpenMs: 60_000, CloseMs: 119_999},
	}))

	ts, ok, err := r.MaxTimestamp(ctx, "BTCUSDT", "1m")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(119_999), ts)
}

func TestMemoryRepoUpsertFailure(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	r.Fail = true

	err := r.UpsertBatch(ctx, "BTCUSDT", "1m", []candle.Candle{{OpenMs: 0}})
	assert.Error(t, err)
}
