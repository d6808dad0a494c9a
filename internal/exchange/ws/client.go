// Package ws maintains a single long-lived WebSocket connection to the
// exchange's combined kline stream, reconnecting with jittered capped
// backoff and watching for silent connections.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marketfeed/livefeed-core/internal/candle"
	"github.com/marketfeed/livefeed-core/pkg/observability"
	"github.com/rs/zerolog"
)

const (
	pingPeriod       = 60 * time.Second
	watchdogInterval = 10 * time.Second
	watchdogSlack    = 5 * time.Second
	maxBackoff       = 30 * time.Second
	baseBackoff      = 1 * time.Second
	backoffPollStep  = 200 * time.Millisecond
	closeDeadline    = 5 * time.Second
)

// CandleHandler receives every live update for a symbol (closed or
// in-progress).
type CandleHandler func(symbol string, c candle.Candle)

// Client owns one outbound exchange WebSocket connection at a time.
type Client struct {
	wsHost  string
	iv      candle.Interval
	symbols []string
	logger  zerolog.Logger
	metrics *observability.MetricsCollector

	onCandle      CandleHandler
	onReconnected func()

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewClient builds a client against wsHost (e.g. "stream.binance.com:9443").
func NewClient(wsHost string, logger zerolog.Logger, metrics *observability.MetricsCollector) *Client {
	return &Client{
		wsHost:  wsHost,
		logger:  logger.With().Str("component", "exchange-ws").Logger(),
		metrics: metrics,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// SetOnReconnected registers a callback invoked once after each
// successful (re)handshake, used by the ingestor to catch up.
func (c *Client) SetOnReconnected(cb func()) {
	c.onReconnected = cb
}

// Subscribe starts the background worker streaming symbols at the
// given interval (only 1m is supported for live streaming) until ctx
// is cancelled or Stop is called.
func (c *Client) Subscribe(ctx context.Context, symbols []string, iv candle.Interval, onCandle CandleHandler) {
	c.symbols = symbols
	c.iv = iv
	c.onCandle = onCandle

	go func() {
		defer close(c.doneCh)
		c.run(ctx)
	}()
}

// Stop tears down the connection and joins the worker. Idempotent.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.doneCh
}

func (c *Client) run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.metrics.Gauge(observability.MetricWSState).Set(0)
		conn, err := c.dial(ctx)
		if err != nil {
			attempt++
			c.metrics.Counter(observability.MetricReconnectAttempts).Inc()
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("exchange ws: dial failed")
			if !c.sleepBackoff(ctx, attempt) {
				return
			}
			continue
		}

		attempt = 0
		c.metrics.Gauge(observability.MetricWSState).Set(1)
		c.metrics.Gauge(observability.MetricIntervalMs).Set(float64(c.iv.Ms))
		c.invokeOnReconnected()

		c.stream(ctx, conn)
		conn.Close()
		c.metrics.Gauge(observability.MetricWSState).Set(0)

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	streams := make([]string, len(c.symbols))
	for i, s := range c.symbols {
		streams[i] = fmt.Sprintf("%s@kline_%s", strings.ToLower(s), c.iv.Label)
	}
	url := fmt.Sprintf("wss://%s/stream?streams=%s", c.wsHost, strings.Join(streams, "/"))

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	dialer.EnableCompression = true

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

// stream reads frames and enforces the ping timer and silence
// watchdog until the connection dies or a stop is requested.
func (c *Client) stream(ctx context.Context, conn *websocket.Conn) {
	lastMsgAt := time.Now()
	pingTimer := time.NewTimer(pingPeriod)
	watchdog := time.NewTicker(watchdogInterval)
	defer pingTimer.Stop()
	defer watchdog.Stop()

	msgCh := make(chan streamFrame, 16)
	errCh := make(chan error, 1)
	readDone := make(chan struct{})

	go func() {
		defer close(readDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			var frame streamFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				c.logger.Warn().Err(err).Msg("exchange ws: malformed frame, skipping")
				continue
			}
			select {
			case msgCh <- frame:
			case <-readDone:
				return
			}
		}
	}()

	threshold := time.Duration(2*c.iv.Ms)*time.Millisecond + watchdogSlack

	for {
		select {
		case <-ctx.Done():
			c.gracefulClose(conn)
			<-readDone
			return
		case <-c.stopCh:
			c.gracefulClose(conn)
			<-readDone
			return
		case err := <-errCh:
			c.logger.Warn().Err(err).Msg("exchange ws: read error, tearing down")
			return
		case frame := <-msgCh:
			lastMsgAt = time.Now()
			c.metrics.Counter(observability.MetricWSMessagesReceived).Inc()
			c.handleFrame(frame)
		case <-pingTimer.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.logger.Warn().Err(err).Msg("exchange ws: ping failed, tearing down")
				return
			}
			pingTimer.Reset(pingPeriod)
		case <-watchdog.C:
			if time.Since(lastMsgAt) > threshold {
				c.logger.Warn().Dur("silence", time.Since(lastMsgAt)).Msg("exchange ws: silence watchdog tripped")
				c.gracefulClose(conn)
				<-readDone
				return
			}
			c.metrics.Gauge(observability.MetricLastMsgAgeMs).Set(float64(time.Since(lastMsgAt).Milliseconds()))
		}
	}
}

func (c *Client) handleFrame(frame streamFrame) {
	k := frame.Data.Kline
	if k.Symbol == "" {
		return
	}
	cd := candle.Candle{
		Symbol:      strings.ToUpper(k.Symbol),
		OpenMs:      k.OpenMs,
		CloseMs:     k.CloseMs,
		Open:        float64(k.Open),
		High:        float64(k.High),
		Low:         float64(k.Low),
		Close:       float64(k.Close),
		BaseVolume:  float64(k.BaseVolume),
		QuoteVolume: float64(k.QuoteVolume),
		Trades:      k.Trades,
		IsClosed:    k.IsClosed,
	}
	if err := cd.Validate(); err != nil {
		c.logger.Warn().Err(err).Str("symbol", cd.Symbol).Msg("exchange ws: invalid candle, skipping")
		return
	}
	if c.onCandle != nil {
		c.onCandle(cd.Symbol, cd)
	}
}

func (c *Client) invokeOnReconnected() {
	if c.onReconnected == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("exchange ws: onReconnected callback panicked")
		}
	}()
	c.onReconnected()
}

func (c *Client) gracefulClose(conn *websocket.Conn) {
	deadline := time.Now().Add(closeDeadline)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = conn.Close()
}

// sleepBackoff sleeps for the jittered, capped exponential backoff
// associated with attempt, polling frequently so Stop/ctx.Done
// interrupt promptly. Returns false if interrupted.
func (c *Client) sleepBackoff(ctx context.Context, attempt int) bool {
	backoff := computeBackoff(attempt)
	jitter := time.Duration(rand.Int63n(int64(backoff/2) + 1))
	total := backoff + jitter
	if total > maxBackoff {
		total = maxBackoff
	}

	deadline := time.Now().Add(total)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-c.stopCh:
			return false
		case <-time.After(backoffPollStep):
		}
	}
	return true
}

// computeBackoff returns the unjittered backoff for a 1-indexed
// attempt count: 1s, 2s, 4s, 8s, 16s, 30s, 30s, ...
func computeBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 10 {
		shift = 10
	}
	backoff := baseBackoff * time.Duration(1<<uint(shift))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
