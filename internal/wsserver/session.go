package wsserver

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/marketfeed/livefeed-core/pkg/observability"
)

const (
	writeWait       = 10 * time.Second
	maxFramePayload = 1 << 20 // 1 MiB
)

// pingSentinel is enqueued onto a session's SendQueue in place of a
// real frame to request a keepalive ping. It can never collide with a
// real envelope (those are always JSON objects), so the writer
// goroutine recognizes it by byte content and switches from
// WriteMessage to WriteControl. This keeps every outbound frame,
// including pings, flowing through SessionSendQueue.Enqueue.
var pingSentinel = []byte("\x00ping\x00")

// session is one accepted client connection. It holds only a
// non-owning pointer back to the server, used solely to report
// metrics and remove itself from the session table on close — the
// server owns the session table, never the reverse.
type session struct {
	id     string
	conn   *websocket.Conn
	server *Server
	queue  *SendQueue

	writeCh chan []byte
	done    chan struct{}
	closing atomic.Bool

	mu                    sync.Mutex
	lastActivity          time.Time
	lastPongAt            time.Time
	lastPingSentAt        time.Time
	consecutivePongMisses int

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

func newSession(conn *websocket.Conn, srv *Server) *session {
	s := &session{
		id:      uuid.NewString(),
		conn:    conn,
		server:  srv,
		writeCh: make(chan []byte, 1),
		done:    make(chan struct{}),
	}
	now := time.Now()
	s.lastActivity = now
	s.lastPongAt = now

	s.queue = NewSendQueue(
		srv.cfg.MaxQueueMessages,
		srv.cfg.MaxQueueBytes,
		srv.cfg.QueueStallTimeout,
		s.enqueueWrite,
		func() { s.close(CloseReasonBackpressure, "") },
	)

	conn.SetReadLimit(maxFramePayload)
	conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		s.lastPongAt = time.Now()
		s.consecutivePongMisses = 0
		s.mu.Unlock()
		return nil
	})

	return s
}

func (s *session) enqueueWrite(payload []byte) {
	select {
	case s.writeCh <- payload:
	case <-s.done:
	}
}

// writerLoop is the dedicated per-session writer goroutine: the only
// code path allowed to write to conn for this session. It dispatches
// each dequeued frame as a data frame, except for the reserved ping
// sentinel, which it sends as a control frame instead.
func (s *session) writerLoop() {
	for {
		select {
		case payload, ok := <-s.writeCh:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			var err error
			if bytes.Equal(payload, pingSentinel) {
				err = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			} else {
				err = s.conn.WriteMessage(websocket.TextMessage, payload)
			}
			if err != nil {
				s.close(CloseReasonWriteError, "")
				return
			}
			s.bytesOut.Add(int64(len(payload)))
			s.server.metrics.Counter(observability.MetricWSMessagesSent).Inc()
			s.queue.OnWriteComplete(len(payload))
		case <-s.done:
			return
		}
	}
}

// readPump blocks reading frames until the connection dies, updating
// liveness bookkeeping for the keepalive scheduler. Control frames
// (ping/pong/close) are handled by the gorilla library and the
// handlers registered above; anything else just counts as activity.
func (s *session) readPump() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			reason := CloseReasonAbnormal
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = CloseReasonNormal
			}
			s.close(reason, "")
			return
		}
		s.mu.Lock()
		s.lastActivity = time.Now()
		s.mu.Unlock()
		s.bytesIn.Add(int64(len(data)))
	}
}

// sendPing requests a keepalive ping by enqueuing the reserved ping
// sentinel onto the session's send queue, same as any other frame;
// the writer goroutine is what actually issues the WS control frame.
func (s *session) sendPing() {
	s.mu.Lock()
	s.lastPingSentAt = time.Now()
	s.mu.Unlock()
	s.queue.Enqueue(pingSentinel)
}

func (s *session) snapshot() (lastActivity, lastPong, lastPingSent time.Time, misses int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity, s.lastPongAt, s.lastPingSentAt, s.consecutivePongMisses
}

func (s *session) recordPongMiss() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutivePongMisses++
	return s.consecutivePongMisses
}

// close tears the session down exactly once: sends a close frame,
// shuts the socket, stops the queue, removes itself from the server's
// table, and emits the structured close-record log line.
func (s *session) close(reason, detail string) {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}

	qLen, qBytes := s.queue.Len(), s.queue.Bytes()
	_, _, _, misses := s.snapshot()

	// 1006 (abnormal) is reserved and must never appear on the wire, so
	// the wire code collapses write_error/abnormal into going_away;
	// logCode still records the finer-grained classification.
	wireCode := websocket.CloseGoingAway
	logCode := websocket.CloseGoingAway
	switch reason {
	case CloseReasonNormal:
		wireCode = websocket.CloseNormalClosure
		logCode = websocket.CloseNormalClosure
	case CloseReasonWriteError, CloseReasonAbnormal:
		logCode = websocket.CloseAbnormalClosure
	}
	msg := websocket.FormatCloseMessage(wireCode, truncateReason(detail))
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(2*time.Second))
	_ = s.conn.Close()

	close(s.done)
	s.queue.Shutdown()
	s.server.removeSession(s.id)
	s.server.metrics.CloseReasonCounter(reason).Inc()

	s.server.logger.Info().
		Str("event", "ws_session_close").
		Str("client_id", s.id).
		Str("dead_reason", reason).
		Int("close_code", logCode).
		Int("queue_msgs", qLen).
		Int("queue_bytes", qBytes).
		Int("consecutive_pong_misses", misses).
		Int64("bytes_in", s.bytesIn.Load()).
		Int64("bytes_out", s.bytesOut.Load()).
		Msg("client session closed")
}

func truncateReason(reason string) string {
	const maxReasonBytes = 123
	if len(reason) <= maxReasonBytes {
		return reason
	}
	return reason[:maxReasonBytes]
}

// Close reasons, per the keepalive scheduler and backpressure policy.
const (
	CloseReasonNormal       = "normal"
	CloseReasonGoingAway    = "going_away"
	CloseReasonInactivity   = "inactivity"
	CloseReasonPongTimeout  = "pong_timeout"
	CloseReasonBackpressure = "backpressure"
	CloseReasonWriteError   = "write_error"
	CloseReasonAbnormal     = "abnormal"
)
