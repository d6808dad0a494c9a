// Package envelope encodes the JSON wire messages broadcast to client
// WebSocket sessions.
package envelope

import (
	"encoding/json"

	"github.com/marketfeed/livefeed-core/internal/candle"
)

// CandleEnvelope is the per-update broadcast message.
type CandleEnvelope struct {
	Type     string    `json:"type"`
	Symbol   string    `json:"symbol"`
	Interval string    `json:"interval"`
	Final    bool      `json:"final"`
	Data     []float64 `json:"data"`
}

// Candle builds the wire envelope for a single candle update:
// [openMs, open, high, low, close, baseVolume].
func Candle(c candle.Candle, intervalLabel string) CandleEnvelope {
	return CandleEnvelope{
		Type:     "candle",
		Symbol:   c.Symbol,
		Interval: intervalLabel,
		Final:    c.IsClosed,
		Data:     []float64{float64(c.OpenMs), c.Open, c.High, c.Low, c.Close, c.BaseVolume},
	}
}

// ResyncDone is emitted once a reconnect catch-up finishes for a batch
// of symbols.
type ResyncDone struct {
	Type     string   `json:"type"`
	Interval string   `json:"interval"`
	Symbols  []string `json:"symbols"`
}

// Welcome is sent immediately after a client session is accepted.
type Welcome struct {
	Event string `json:"event"`
}

// MarshalCandle is a convenience wrapper returning the JSON bytes for
// Broadcast.
func MarshalCandle(c candle.Candle, intervalLabel string) ([]byte, error) {
	return json.Marshal(Candle(c, intervalLabel))
}

// MarshalResyncDone returns the JSON bytes for a resync_done envelope.
func MarshalResyncDone(intervalLabel string, symbols []string) ([]byte, error) {
	return json.Marshal(ResyncDone{Type: "resync_done", Interval: intervalLabel, Symbols: symbols})
}

// MarshalWelcome returns the JSON bytes for the welcome frame.
func MarshalWelcome() ([]byte, error) {
	return json.Marshal(Welcome{Event: "welcome"})
}
