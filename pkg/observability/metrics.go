package observability

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// MetricsCollector provides Prometheus-style metrics in a simple format
type MetricsCollector struct {
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	mu         sync.RWMutex
}

// Counter tracks cumulative values
type Counter struct {
	value float64
	mu    sync.Mutex
}

// Gauge tracks current values
type Gauge struct {
	value float64
	mu    sync.Mutex
}

// Histogram tracks distribution of values
type Histogram struct {
	sum   float64
	count uint64
	mu    sync.Mutex
}

// NewCollector builds a fresh metrics collector. Callers wire the
// result explicitly into whichever components need it rather than
// reaching for a package-level instance.
func NewCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter methods
func (c *Counter) Inc() {
	c.Add(1)
}

func (c *Counter) Add(val float64) {
	c.mu.Lock()
	c.value += val
	c.mu.Unlock()
}

func (c *Counter) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Gauge methods
func (g *Gauge) Set(val float64) {
	g.mu.Lock()
	g.value = val
	g.mu.Unlock()
}

func (g *Gauge) Inc() {
	g.Add(1)
}

func (g *Gauge) Dec() {
	g.Add(-1)
}

func (g *Gauge) Add(val float64) {
	g.mu.Lock()
	g.value += val
	g.mu.Unlock()
}

func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Histogram methods
func (h *Histogram) Observe(val float64) {
	h.mu.Lock()
	h.sum += val
	h.count++
	h.mu.Unlock()
}

func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) Avg() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// MetricsCollector methods
func (m *MetricsCollector) Counter(name string) *Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c
	}
	c := &Counter{}
	m.counters[name] = c
	return c
}

func (m *MetricsCollector) Gauge(name string) *Gauge {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gauges[name]; ok {
		return g
	}
	g := &Gauge{}
	m.gauges[name] = g
	return g
}

func (m *MetricsCollector) Histogram(name string) *Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h
	}
	h := &Histogram{}
	m.histograms[name] = h
	return h
}

// Timer measures duration and records to histogram
func (m *MetricsCollector) Timer(name string) func() {
	start := time.Now()
	return func() {
		duration := time.Since(start).Seconds()
		m.Histogram(name).Observe(duration)
	}
}

// Handler returns HTTP handler for /metrics endpoint
func (m *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		m.mu.RLock()
		defer m.mu.RUnlock()

		// Write counters
		for name, counter := range m.counters {
			fmt.Fprintf(w, "# TYPE %s counter\n", name)
			fmt.Fprintf(w, "%s %.2f\n", name, counter.Value())
		}

		// Write gauges
		for name, gauge := range m.gauges {
			fmt.Fprintf(w, "# TYPE %s gauge\n", name)
			fmt.Fprintf(w, "%s %.2f\n", name, gauge.Value())
		}

		// Write histograms
		for name, histogram := range m.histograms {
			fmt.Fprintf(w, "# TYPE %s histogram\n", name)
			fmt.Fprintf(w, "%s_sum %.6f\n", name, histogram.Sum())
			fmt.Fprintf(w, "%s_count %d\n", name, histogram.Count())
			fmt.Fprintf(w, "%s_avg %.6f\n", name, histogram.Avg())
		}
	}
}

// Predefined metric names, matching the vocabulary the live feed core
// is required to expose.
const (
	// Exchange WS client
	MetricReconnectAttempts  = "reconnect_attempts_total"
	MetricRestCatchupCandles = "rest_catchup_candles_total"
	MetricWSMessagesSent     = "ws_messages_sent_total"
	MetricWSMessagesReceived = "ws_messages_received_total"
	MetricWSState            = "ws_state"
	MetricIntervalMs         = "interval_ms"
	MetricLastMsgAgeMs       = "last_msg_age_ms"

	// Client-facing WS server
	MetricWSClientConnections = "ws_client_connections"

	// NATS fan-out
	MetricNATSMessagesPublished = "nats_messages_published_total"
	MetricNATSPublishErrors     = "nats_publish_errors_total"

	// Repository
	MetricDBQueries        = "database_queries_total"
	MetricDBErrors         = "database_errors_total"
	MetricDBUpsertDuration = "database_upsert_duration_seconds"
)

// closeReasonPrefix is the metric-name prefix for the dynamic
// ws.close.<reason> counter family.
const closeReasonPrefix = "ws_close_"

// CloseReasonCounter returns the counter tracking client-session
// closes for a given reason (normal, going_away, abnormal, ...).
func (m *MetricsCollector) CloseReasonCounter(reason string) *Counter {
	return m.Counter(closeReasonPrefix + reason + "_total")
}
