package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marketfeed/livefeed-core/internal/candle"
	"github.com/marketfeed/livefeed-core/pkg/observability"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeExchange serves one kline frame on each accepted connection and
// then closes it, so the client sees a read error and redials. It
// serves TLS because the client always dials wss://, and points the
// shared gorilla dialer at the server's certificate for the test.
func fakeExchange(t *testing.T, frame string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		// keep the connection open briefly so the client's read loop
		// has time to observe the frame before the handler returns
		time.Sleep(50 * time.Millisecond)
	})
	srv := httptest.NewTLSServer(mux)
	prev := websocket.DefaultDialer.TLSClientConfig
	websocket.DefaultDialer.TLSClientConfig = srv.Client().Transport.(*http.Transport).TLSClientConfig
	t.Cleanup(func() { websocket.DefaultDialer.TLSClientConfig = prev })
	return srv
}

func TestSubscribeDeliversCandle(t *testing.T) {
	frame := `{"data":{"k":{"t":60000,"T":119999,"s":"btcusdt","o":"1","h":"2","l":"0.5","c":"1.5","v":"10","q":"15","n":3,"x":true}}}`
	srv := fakeExchange(t, frame)
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "https://")
	iv, _ := candle.ParseInterval("1m")

	metrics := observability.NewCollector()
	c := NewClient(host, zerolog.Nop(), metrics)

	var mu sync.Mutex
	var got candle.Candle
	done := make(chan struct{}, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c.Subscribe(ctx, []string{"BTCUSDT"}, iv, func(symbol string, cd candle.Candle) {
		mu.Lock()
		defer mu.Unlock()
		got = cd
		select {
		case done <- struct{}{}:
		default:
		}
	})

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for candle")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "BTCUSDT", got.Symbol)
	require.Equal(t, int64(60000), got.OpenMs)
	require.True(t, got.IsClosed)

	cancel()
	c.Stop()
}

func TestSetOnReconnectedInvokedAfterHandshake(t *testing.T) {
	frame := `{"data":{"k":{"t":60000,"T":119999,"s":"ethusdt","o":"1","h":"2","l":"0.5","c":"1.5","v":"10","q":"15","n":1,"x":false}}}`
	srv := fakeExchange(t, frame)
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "https://")
	iv, _ := candle.ParseInterval("1m")
	metrics := observability.NewCollector()
	c := NewClient(host, zerolog.Nop(), metrics)

	var calls int
	var mu sync.Mutex
	c.SetOnReconnected(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	c.Subscribe(ctx, []string{"ETHUSDT"}, iv, func(string, candle.Candle) {})
	<-ctx.Done()
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, calls, 1)
}
