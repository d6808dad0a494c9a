// Command livefeed runs the resync-then-stream candle ingestion
// pipeline and the client-facing WebSocket fan-out server in a single
// process.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marketfeed/livefeed-core/internal/candle"
	"github.com/marketfeed/livefeed-core/internal/config"
	"github.com/marketfeed/livefeed-core/internal/exchange/rest"
	"github.com/marketfeed/livefeed-core/internal/exchange/ws"
	"github.com/marketfeed/livefeed-core/internal/ingest"
	"github.com/marketfeed/livefeed-core/internal/repo"
	"github.com/marketfeed/livefeed-core/internal/wsserver"
	"github.com/marketfeed/livefeed-core/pkg/database"
	"github.com/marketfeed/livefeed-core/pkg/messaging"
	"github.com/marketfeed/livefeed-core/pkg/observability"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.NewLogger("livefeed", observability.LevelError).Fatal("invalid configuration", err)
	}

	logger := observability.NewLogger("livefeed", logLevel(cfg.LogLevel))
	metrics := observability.NewCollector()
	health := observability.NewHealthChecker()

	logger.Info("starting livefeed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	pool, err := database.NewPool(ctx, cfg.DatabaseURL, database.PoolConfig{})
	if err != nil {
		logger.Fatal("failed to connect to database", err)
	}
	defer database.Close(pool)
	health.AddCheck("postgres", func(ctx context.Context) error { return pool.Ping(ctx) })

	if err := repo.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("failed to ensure schema", err)
	}
	candleRepo := repo.NewPostgresRepo(pool)

	var publisher *messaging.CandlePublisher
	if cfg.NATSURL != "" {
		nc, err := messaging.NewNATSConn(messaging.Config{URL: cfg.NATSURL, EnableJetStream: true})
		if err != nil {
			logger.Fatal("failed to connect to NATS", err)
		}
		defer messaging.Close(nc)
		health.AddCheck("nats", func(ctx context.Context) error {
			if nc.IsClosed() {
				return errors.New("nats connection closed")
			}
			return nil
		})

		js, err := messaging.NewJetStream(nc)
		if err != nil {
			logger.Fatal("failed to create jetstream context", err)
		}
		if err := messaging.CreateStream(js, "CANDLES", []string{"candles.>"}, 24*time.Hour); err != nil {
			logger.Fatal("failed to create candles stream", err)
		}
		publisher = messaging.NewCandlePublisher(js, "candles")
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.WithField("error", err.Error()).Warn("failed to connect to redis, cache disabled")
			_ = rdb.Close()
			rdb = nil
		} else {
			defer rdb.Close()
			health.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		}
	}

	restClient := rest.NewClient("https://"+cfg.ExchangeRESTHost, logger.Zerolog())
	wsClient := ws.NewClient(cfg.ExchangeWSHost, logger.Zerolog(), metrics)
	wsSrv := wsserver.NewServer(logger.Zerolog(), metrics, wsserver.Config{})

	ingestor := ingest.New(candleRepo, restClient, wsClient, wsSrv, publisher, rdb, metrics, logger.Zerolog(), cfg.WSEmitPartials, cfg.WSPartialThrottle)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsSrv.HandleWS)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // long-lived WebSocket connections
		IdleTimeout:  60 * time.Second,
	}

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/metrics", metrics.Handler())
	adminMux.HandleFunc("/health/live", health.LivenessHandler())
	adminMux.HandleFunc("/health/ready", health.ReadinessHandler())
	adminServer := &http.Server{Addr: cfg.MetricsAddr, Handler: adminMux}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := ingestor.Run(gctx, cfg.Symbols, candle.LiveInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		wsSrv.Run(gctx)
		return nil
	})

	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("client ws server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logger.WithField("addr", cfg.MetricsAddr).Info("admin server listening")
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		_ = adminServer.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("livefeed exited with error", err)
	}
	logger.Info("livefeed stopped")
}

func logLevel(v string) observability.LogLevel {
	switch v {
	case "debug":
		return observability.LevelDebug
	case "warn":
		return observability.LevelWarn
	case "error":
		return observability.LevelError
	default:
		return observability.LevelInfo
	}
}
