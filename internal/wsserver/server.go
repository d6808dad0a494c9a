// Package wsserver fans out candle updates to client WebSocket
// sessions: it performs the RFC 6455 handshake, runs a keepalive
// scheduler, and serializes outbound frames per session through a
// bounded SendQueue so one slow client can never block another.
package wsserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marketfeed/livefeed-core/internal/envelope"
	"github.com/marketfeed/livefeed-core/pkg/observability"
	"github.com/rs/zerolog"
)

// Config tunes keepalive cadence and per-session send-queue limits.
// Zero values fall back to the documented defaults.
type Config struct {
	PingPeriod        time.Duration // default 30s
	PongTimeout       time.Duration // default 75s
	InactivityTimeout time.Duration // default 90s
	KeepaliveTick     time.Duration // default 1s

	MaxQueueMessages  int           // default 500
	MaxQueueBytes     int           // default 15 MiB
	QueueStallTimeout time.Duration // default 20s
}

func (c *Config) applyDefaults() {
	if c.PingPeriod <= 0 {
		c.PingPeriod = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 75 * time.Second
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 90 * time.Second
	}
	if c.KeepaliveTick <= 0 {
		c.KeepaliveTick = 1 * time.Second
	}
	if c.MaxQueueMessages <= 0 {
		c.MaxQueueMessages = 500
	}
	if c.MaxQueueBytes <= 0 {
		c.MaxQueueBytes = 15 * 1024 * 1024
	}
	if c.QueueStallTimeout <= 0 {
		c.QueueStallTimeout = 20 * time.Second
	}
}

// Server accepts client WebSocket connections on /ws and owns the
// session table; it is the only component that may mutate it.
type Server struct {
	logger   zerolog.Logger
	metrics  *observability.MetricsCollector
	upgrader websocket.Upgrader
	cfg      Config

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewServer builds a server. cfg's zero fields fall back to defaults.
func NewServer(logger zerolog.Logger, metrics *observability.MetricsCollector, cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		logger:  logger.With().Str("component", "ws-server").Logger(),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			CheckOrigin:       func(r *http.Request) bool { return true },
			EnableCompression: true,
		},
		cfg:      cfg,
		sessions: make(map[string]*session),
	}
}

// HandleWS upgrades the request and registers a session. Wire this in
// as the handler for the /ws route; any other path is the normal
// HTTP mux's concern.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ws handshake failed")
		return
	}

	sess := newSession(conn, s)
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.metrics.Gauge(observability.MetricWSClientConnections).Inc()

	go sess.writerLoop()

	if payload, err := envelope.MarshalWelcome(); err == nil {
		sess.queue.Enqueue(payload)
	}

	sess.readPump()
}

// Broadcast enqueues payload onto every active session's send queue.
// A session whose queue closes for backpressure removes itself.
func (s *Server) Broadcast(payload []byte) {
	s.mu.RLock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.RUnlock()

	for _, sess := range targets {
		sess.queue.Enqueue(payload)
	}
}

// Count reports the number of currently registered sessions.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if existed {
		s.metrics.Gauge(observability.MetricWSClientConnections).Dec()
	}
}

// Run drives the keepalive scheduler until ctx is cancelled, then
// closes every remaining session.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.KeepaliveTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case <-ticker.C:
			s.keepaliveSweep()
		}
	}
}

func (s *Server) keepaliveSweep() {
	s.mu.RLock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.RUnlock()

	now := time.Now()
	for _, sess := range targets {
		lastActivity, lastPong, lastPingSent, _ := sess.snapshot()

		if now.Sub(lastActivity) >= s.cfg.InactivityTimeout {
			sess.close(CloseReasonInactivity, "inactive")
			continue
		}

		if now.Sub(lastPong) > s.cfg.PongTimeout {
			misses := sess.recordPongMiss()
			if misses == 1 {
				s.logger.Warn().Str("client_id", sess.id).Msg("ws: pong overdue")
			}
			if misses >= 2 {
				sess.close(CloseReasonPongTimeout, "pong_timeout")
				continue
			}
		}

		if now.Sub(lastPingSent) >= s.cfg.PingPeriod {
			sess.sendPing()
		}
	}
}

func (s *Server) closeAll() {
	s.mu.RLock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.RUnlock()

	for _, sess := range targets {
		sess.close(CloseReasonGoingAway, "shutdown")
	}
}
