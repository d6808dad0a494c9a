package ingest

import (
	"encoding/json"
	"net/http"
)

// kline builds one Binance-shaped kline row: [openMs, open, high, low,
// close, volume, closeMs, quoteVolume, trades, ...].
func kline(openMs, intervalMs int64) []any {
	return []any{
		openMs,
		"1.0",
		"2.0",
		"0.5",
		"1.5",
		"10.0",
		openMs + intervalMs - 1,
		"15.0",
		3,
	}
}

func writeJSONArray(w http.ResponseWriter, rows [][]any) {
	if rows == nil {
		rows = [][]any{}
	}
	_ = json.NewEncoder(w).Encode(rows)
}
