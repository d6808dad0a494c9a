package candle

import "fmt"

// Interval is a closed-set tagged value: a millisecond width paired
// with its canonical exchange label. Only values produced by
// ParseInterval exist; there is no "maybe valid" flag to thread
// through call sites.
type Interval struct {
	Ms    int64
	Label string
}

var knownIntervals = map[string]int64{
	"1m":  60_000,
	"3m":  180_000,
	"5m":  300_000,
	"15m": 900_000,
	"30m": 1_800_000,
	"1h":  3_600_000,
	"4h":  14_400_000,
	"1d":  86_400_000,
}

// LiveInterval is the only interval the exchange WS stream supports.
var LiveInterval = Interval{Ms: 60_000, Label: "1m"}

// ParseInterval rejects unknown labels at the boundary rather than
// letting an invalid interval travel through the pipeline.
func ParseInterval(label string) (Interval, error) {
	ms, ok := knownIntervals[label]
	if !ok {
		return Interval{}, fmt.Errorf("candle: unknown interval label %q", label)
	}
	return Interval{Ms: ms, Label: label}, nil
}

// AlignDown floors a millisecond timestamp to the start of its bucket.
func (iv Interval) AlignDown(ms int64) int64 {
	if iv.Ms <= 0 {
		return ms
	}
	return (ms / iv.Ms) * iv.Ms
}
