// Package ingest orchestrates resync-then-stream ingestion of candles:
// it backfills the gap since the last persisted close, then subscribes
// to the live exchange stream, deduping, throttling, persisting, and
// broadcasting every update.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/marketfeed/livefeed-core/internal/candle"
	"github.com/marketfeed/livefeed-core/internal/envelope"
	"github.com/marketfeed/livefeed-core/internal/exchange/rest"
	"github.com/marketfeed/livefeed-core/internal/exchange/ws"
	"github.com/marketfeed/livefeed-core/internal/repo"
	"github.com/marketfeed/livefeed-core/pkg/messaging"
	"github.com/marketfeed/livefeed-core/pkg/observability"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// catchupPageWidth bounds how far a single REST fetch reaches ahead
// during resync/catch-up, matching the page size used for historical
// backfill.
const catchupPageWidth = 1000

// bootstrapCandles is how far back to seed a symbol that has never
// been persisted.
const bootstrapCandles = 200

const maxStallIterations = 3

// Broadcaster fans a JSON envelope out to every connected client
// session. Implemented by wsserver.Server.
type Broadcaster interface {
	Broadcast(payload []byte)
}

// Ingestor runs the resync-then-stream pipeline for one interval
// across a fixed set of symbols.
type Ingestor struct {
	repo        repo.CandleRepo
	rest        *rest.Client
	ws          *ws.Client
	broadcaster Broadcaster
	publisher   *messaging.CandlePublisher
	cache       *redis.Client
	metrics     *observability.MetricsCollector
	logger      zerolog.Logger

	emitPartials    bool
	partialThrottle time.Duration

	mu            sync.Mutex
	live          map[candle.LiveKey]candle.Candle
	lastBroadcast map[candle.LiveKey]time.Time

	closedMu   sync.Mutex
	lastClosed map[string]int64
}

// New builds an Ingestor. publisher may be nil to disable the
// secondary NATS fan-out; cache may be nil to disable the Redis
// latest-candle cache.
func New(
	candleRepo repo.CandleRepo,
	restClient *rest.Client,
	wsClient *ws.Client,
	broadcaster Broadcaster,
	publisher *messaging.CandlePublisher,
	cache *redis.Client,
	metrics *observability.MetricsCollector,
	logger zerolog.Logger,
	emitPartials bool,
	partialThrottle time.Duration,
) *Ingestor {
	return &Ingestor{
		repo:            candleRepo,
		rest:            restClient,
		ws:              wsClient,
		broadcaster:     broadcaster,
		publisher:       publisher,
		cache:           cache,
		metrics:         metrics,
		logger:          logger.With().Str("component", "ingestor").Logger(),
		emitPartials:    emitPartials,
		partialThrottle: partialThrottle,
		live:            make(map[candle.LiveKey]candle.Candle),
		lastBroadcast:   make(map[candle.LiveKey]time.Time),
		lastClosed:      make(map[string]int64),
	}
}

// Run resyncs every symbol's historical gap, then streams live updates
// until ctx is cancelled.
func (g *Ingestor) Run(ctx context.Context, symbols []string, iv candle.Interval) error {
	g.ws.SetOnReconnected(func() {
		g.catchUp(ctx, symbols, iv)
	})

	for _, symbol := range symbols {
		g.resync(ctx, symbol, iv)
	}

	g.ws.Subscribe(ctx, symbols, iv, func(symbol string, c candle.Candle) {
		g.handleLive(ctx, symbol, c, iv)
	})

	<-ctx.Done()
	g.ws.Stop()
	return ctx.Err()
}

// resync backfills the gap between the last persisted close and the
// current open bucket, per §4.3.1.
func (g *Ingestor) resync(ctx context.Context, symbol string, iv candle.Interval) {
	nowMs := time.Now().UnixMilli()
	maxTs, ok, err := g.repo.MaxTimestamp(ctx, symbol, iv.Label)
	if err != nil {
		g.logger.Warn().Err(err).Str("symbol", symbol).Msg("ingest: resync: max timestamp query failed")
		return
	}

	staleThreshold := nowMs - 2*iv.Ms
	if ok && maxTs >= staleThreshold {
		g.setLastClosed(symbol, iv.AlignDown(maxTs))
		return
	}

	var startOpenMs int64
	if ok {
		startOpenMs = iv.AlignDown(maxTs) + iv.Ms
	} else {
		startOpenMs = iv.AlignDown(nowMs - bootstrapCandles*iv.Ms)
	}

	nowOpenMs := iv.AlignDown(nowMs)
	g.runCatchup(ctx, symbol, iv, startOpenMs, nowOpenMs)
}

// catchUp is registered as the exchange WS client's onReconnected
// callback: it backfills each symbol from its last known close up to
// the current open bucket, per §4.3.3.
func (g *Ingestor) catchUp(ctx context.Context, symbols []string, iv candle.Interval) {
	nowOpenMs := iv.AlignDown(time.Now().UnixMilli())

	var touched []string
	for _, symbol := range symbols {
		lastClosed, ok := g.getLastClosed(symbol)
		var startOpenMs int64
		if ok {
			startOpenMs = lastClosed + iv.Ms
		} else {
			startOpenMs = iv.AlignDown(time.Now().UnixMilli() - bootstrapCandles*iv.Ms)
		}
		if startOpenMs >= nowOpenMs {
			continue
		}
		_, persisted := g.runCatchup(ctx, symbol, iv, startOpenMs, nowOpenMs)
		if persisted > 0 {
			touched = append(touched, symbol)
		}
	}

	if len(touched) == 0 {
		return
	}
	payload, err := envelope.MarshalResyncDone(iv.Label, touched)
	if err != nil {
		g.logger.Warn().Err(err).Msg("ingest: marshal resync_done failed")
		return
	}
	g.broadcaster.Broadcast(payload)
}

// runCatchup pages through REST history for one symbol from
// startOpenMs up to (but excluding) nowOpenMs, trimming any candle
// that would land in the current open bucket, upserting each page,
// and broadcasting the last row of each page as a final update. It
// returns the open bucket reached and the total rows persisted.
func (g *Ingestor) runCatchup(ctx context.Context, symbol string, iv candle.Interval, startOpenMs, nowOpenMs int64) (int64, int) {
	stalls := 0
	total := 0

	for startOpenMs < nowOpenMs {
		select {
		case <-ctx.Done():
			return startOpenMs, total
		default:
		}

		endOpenMs := startOpenMs + catchupPageWidth*iv.Ms
		if endOpenMs > nowOpenMs {
			endOpenMs = nowOpenMs
		}

		page, err := g.rest.FetchKlines(ctx, symbol, iv, startOpenMs/1000, endOpenMs/1000, catchupPageWidth)
		if err != nil {
			g.logger.Warn().Err(err).Str("symbol", symbol).Msg("ingest: catch-up fetch failed")
			return startOpenMs, total
		}

		kept := make([]candle.Candle, 0, len(page.Rows))
		for _, row := range page.Rows {
			if iv.AlignDown(row.CloseMs) >= nowOpenMs {
				continue
			}
			kept = append(kept, row)
		}
		if len(kept) == 0 {
			return startOpenMs, total
		}

		if err := g.repo.UpsertBatch(ctx, symbol, iv.Label, kept); err != nil {
			g.logger.Warn().Err(err).Str("symbol", symbol).Msg("ingest: catch-up upsert failed")
			return startOpenMs, total
		}

		total += len(kept)
		g.metrics.Counter(observability.MetricRestCatchupCandles).Add(float64(len(kept)))

		last := kept[len(kept)-1]
		g.setLastClosed(symbol, last.OpenMs)
		g.cacheLatest(ctx, symbol, iv.Label, last)
		g.broadcastEnvelope(last, iv)

		nextStart := iv.AlignDown(last.CloseMs) + iv.Ms
		if nextStart <= startOpenMs {
			stalls++
			if stalls >= maxStallIterations {
				g.logger.Warn().Str("symbol", symbol).Int64("open_ms", startOpenMs).Msg("ingest: catch-up stalled, aborting")
				return startOpenMs, total
			}
		} else {
			stalls = 0
		}
		startOpenMs = nextStart
	}

	return startOpenMs, total
}

// handleLive applies the dedup/throttle/persist/broadcast decision
// table of §4.3.2 to one live update.
func (g *Ingestor) handleLive(ctx context.Context, symbol string, c candle.Candle, iv candle.Interval) {
	normalized := c.Normalize(iv)
	key := candle.LiveKey{Symbol: symbol, IntervalMs: iv.Ms, OpenMs: normalized.OpenMs}

	var shouldPersist, shouldBroadcast bool
	now := time.Now()

	g.mu.Lock()
	g.live[key] = normalized
	switch {
	case normalized.IsClosed:
		delete(g.live, key)
		delete(g.lastBroadcast, key)
		shouldPersist = true
		shouldBroadcast = true
	case !g.emitPartials:
		delete(g.lastBroadcast, key)
	case g.partialThrottle <= 0:
		delete(g.lastBroadcast, key)
		shouldBroadcast = true
	default:
		last, ok := g.lastBroadcast[key]
		if !ok || now.Sub(last) >= g.partialThrottle {
			g.lastBroadcast[key] = now
			shouldBroadcast = true
		}
	}
	g.mu.Unlock()

	if shouldPersist {
		if err := g.repo.UpsertBatch(ctx, symbol, iv.Label, []candle.Candle{normalized}); err != nil {
			g.logger.Warn().Err(err).Str("symbol", symbol).Int64("open_ms", normalized.OpenMs).Msg("ingest: persist failed")
		} else {
			g.setLastClosed(symbol, normalized.OpenMs)
			g.cacheLatest(ctx, symbol, iv.Label, normalized)
		}
	}

	if shouldBroadcast {
		g.broadcastEnvelope(normalized, iv)
	}
}

func (g *Ingestor) broadcastEnvelope(c candle.Candle, iv candle.Interval) {
	payload, err := envelope.MarshalCandle(c, iv.Label)
	if err != nil {
		g.logger.Warn().Err(err).Msg("ingest: marshal candle envelope failed")
		return
	}
	g.broadcaster.Broadcast(payload)
	if g.publisher != nil && c.IsClosed {
		if err := g.publisher.Publish(iv.Label, c.Symbol, payload); err != nil {
			g.metrics.Counter(observability.MetricNATSPublishErrors).Inc()
			g.logger.Warn().Err(err).Str("symbol", c.Symbol).Msg("ingest: nats publish failed")
		} else {
			g.metrics.Counter(observability.MetricNATSMessagesPublished).Inc()
		}
	}
}

// cacheLatest mirrors the most recently persisted candle for symbol
// into Redis so a lightweight reader (e.g. cmd/wsclient) can print
// last-known state without touching Postgres. A no-op when no cache
// client was wired.
func (g *Ingestor) cacheLatest(ctx context.Context, symbol, intervalLabel string, c candle.Candle) {
	if g.cache == nil {
		return
	}
	err := g.cache.HSet(ctx, "candle:"+symbol, map[string]interface{}{
		"interval": intervalLabel,
		"open_ms":  c.OpenMs,
		"open":     c.Open,
		"high":     c.High,
		"low":      c.Low,
		"close":    c.Close,
		"volume":   c.BaseVolume,
	}).Err()
	if err != nil {
		g.logger.Warn().Err(err).Str("symbol", symbol).Msg("ingest: redis cache update failed")
	}
}

func (g *Ingestor) setLastClosed(symbol string, openMs int64) {
	g.closedMu.Lock()
	g.lastClosed[symbol] = openMs
	g.closedMu.Unlock()
}

func (g *Ingestor) getLastClosed(symbol string) (int64, bool) {
	g.closedMu.Lock()
	defer g.closedMu.Unlock()
	v, ok := g.lastClosed[symbol]
	return v, ok
}
