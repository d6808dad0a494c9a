package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/marketfeed/livefeed-core/internal/candle"
	"github.com/marketfeed/livefeed-core/internal/exchange/rest"
	"github.com/marketfeed/livefeed-core/internal/exchange/ws"
	"github.com/marketfeed/livefeed-core/internal/repo"
	"github.com/marketfeed/livefeed-core/pkg/observability"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeBroadcaster records every payload handed to it.
type fakeBroadcaster struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (f *fakeBroadcaster) Broadcast(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.payloads = append(f.payloads, cp)
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func klineServer(t *testing.T, rows [][]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(http.CanonicalHeaderKey("X-Mbx-Used-Weight"), "1")
		w.Header().Set("Content-Type", "application/json")
		writeJSONArray(w, rows)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestIngestor(t *testing.T, restSrv *httptest.Server, memRepo *repo.MemoryRepo, bc *fakeBroadcaster) *Ingestor {
	t.Helper()
	restClient := rest.NewClient(restSrv.URL, zerolog.Nop())
	wsClient := ws.NewClient("127.0.0.1:0", zerolog.Nop(), observability.NewCollector())
	return New(memRepo, restClient, wsClient, bc, nil, nil, observability.NewCollector(), zerolog.Nop(), true, 0)
}

func TestResyncColdStartPersistsAndBroadcasts(t *testing.T) {
	iv, err := candle.ParseInterval("1m")
	require.NoError(t, err)

	now := time.Now()
	nowOpen := iv.AlignDown(now.UnixMilli())
	startOpen := nowOpen - 3*iv.Ms

	rows := [][]any{
		kline(startOpen, iv.Ms),
		kline(startOpen+iv.Ms, iv.Ms),
		kline(startOpen+2*iv.Ms, iv.Ms),
	}
	srv := klineServer(t, rows)
	memRepo := repo.NewMemoryRepo()
	bc := &fakeBroadcaster{}
	ing := newTestIngestor(t, srv, memRepo, bc)

	ing.resync(context.Background(), "BTCUSDT", iv)

	snap := memRepo.Snapshot("BTCUSDT", "1m")
	require.Len(t, snap, 3)
	require.Equal(t, 1, bc.count())
}

func TestHandleLiveClosedCandlePersistsOnce(t *testing.T) {
	iv, _ := candle.ParseInterval("1m")
	memRepo := repo.NewMemoryRepo()
	bc := &fakeBroadcaster{}
	srv := klineServer(t, nil)
	ing := newTestIngestor(t, srv, memRepo, bc)

	openMs := iv.AlignDown(time.Now().UnixMilli())
	c := candle.Candle{Symbol: "ETHUSDT", OpenMs: openMs, CloseMs: openMs + iv.Ms - 1, Open: 1, High: 2, Low: 0.5, Close: 1.5, BaseVolume: 10, IsClosed: true}

	ing.handleLive(context.Background(), "ETHUSDT", c, iv)
	ing.handleLive(context.Background(), "ETHUSDT", c, iv)

	require.Equal(t, 2, bc.count())
	require.Equal(t, 2, memRepo.Calls)
	snap := memRepo.Snapshot("ETHUSDT", "1m")
	require.Len(t, snap, 1)
}

func TestHandleLivePartialThrottling(t *testing.T) {
	iv, _ := candle.ParseInterval("1m")
	memRepo := repo.NewMemoryRepo()
	bc := &fakeBroadcaster{}
	srv := klineServer(t, nil)
	restClient := rest.NewClient(srv.URL, zerolog.Nop())
	wsClient := ws.NewClient("127.0.0.1:0", zerolog.Nop(), observability.NewCollector())
	ing := New(memRepo, restClient, wsClient, bc, nil, nil, observability.NewCollector(), zerolog.Nop(), true, 500*time.Millisecond)

	openMs := iv.AlignDown(time.Now().UnixMilli())
	partial := candle.Candle{Symbol: "BTCUSDT", OpenMs: openMs, CloseMs: openMs + iv.Ms - 1, Open: 1, High: 2, Low: 0.5, Close: 1.2, BaseVolume: 1, IsClosed: false}

	ing.handleLive(context.Background(), "BTCUSDT", partial, iv)
	require.Equal(t, 1, bc.count(), "first partial always broadcasts")

	ing.handleLive(context.Background(), "BTCUSDT", partial, iv)
	require.Equal(t, 1, bc.count(), "throttled: second partial within window is dropped")

	time.Sleep(550 * time.Millisecond)
	ing.handleLive(context.Background(), "BTCUSDT", partial, iv)
	require.Equal(t, 2, bc.count(), "third partial after throttle window broadcasts")

	closed := partial
	closed.IsClosed = true
	ing.handleLive(context.Background(), "BTCUSDT", closed, iv)
	require.Equal(t, 3, bc.count(), "closed candle always broadcasts")
	require.Equal(t, 1, memRepo.Calls)
}

func TestHandleLivePartialsDisabledNeverBroadcastsUntilClosed(t *testing.T) {
	iv, _ := candle.ParseInterval("1m")
	memRepo := repo.NewMemoryRepo()
	bc := &fakeBroadcaster{}
	srv := klineServer(t, nil)
	restClient := rest.NewClient(srv.URL, zerolog.Nop())
	wsClient := ws.NewClient("127.0.0.1:0", zerolog.Nop(), observability.NewCollector())
	ing := New(memRepo, restClient, wsClient, bc, nil, nil, observability.NewCollector(), zerolog.Nop(), false, 0)

	openMs := iv.AlignDown(time.Now().UnixMilli())
	partial := candle.Candle{Symbol: "BTCUSDT", OpenMs: openMs, CloseMs: openMs + iv.Ms - 1, Open: 1, High: 2, Low: 0.5, Close: 1.2, BaseVolume: 1, IsClosed: false}

	ing.handleLive(context.Background(), "BTCUSDT", partial, iv)
	ing.handleLive(context.Background(), "BTCUSDT", partial, iv)
	require.Equal(t, 0, bc.count())

	closed := partial
	closed.IsClosed = true
	ing.handleLive(context.Background(), "BTCUSDT", closed, iv)
	require.Equal(t, 1, bc.count())
}

func TestOutOfOrderCandleDedupesOnUpsertKey(t *testing.T) {
	iv, _ := candle.ParseInterval("1m")
	memRepo := repo.NewMemoryRepo()
	bc := &fakeBroadcaster{}
	srv := klineServer(t, nil)
	ing := newTestIngestor(t, srv, memRepo, bc)

	base := iv.AlignDown(time.Now().UnixMilli())
	later := candle.Candle{Symbol: "BTCUSDT", OpenMs: base + 5*iv.Ms, CloseMs: base + 6*iv.Ms - 1, Open: 1, High: 2, Low: 0.5, Close: 1.5, IsClosed: true}
	earlier := candle.Candle{Symbol: "BTCUSDT", OpenMs: base, CloseMs: base + iv.Ms - 1, Open: 1, High: 2, Low: 0.5, Close: 1.5, IsClosed: true}

	ing.handleLive(context.Background(), "BTCUSDT", later, iv)
	ing.handleLive(context.Background(), "BTCUSDT", earlier, iv)
	ing.handleLive(context.Background(), "BTCUSDT", earlier, iv)

	snap := memRepo.Snapshot("BTCUSDT", "1m")
	require.Len(t, snap, 2, "duplicate upsert on the same openMs must not create a second row")
}
