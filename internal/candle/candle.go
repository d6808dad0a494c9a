package candle

import "fmt"

// Candle is an OHLCV bucket for one symbol/interval.
type Candle struct {
	Symbol      string
	OpenMs      int64
	CloseMs     int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	BaseVolume  float64
	QuoteVolume float64
	Trades      int64
	IsClosed    bool
}

const priceEpsilon = 1e-9

// Validate checks the OHLC ordering invariant and non-negative
// volumes/trade counts, within a small epsilon for float noise.
func (c Candle) Validate() error {
	lo := min(c.Open, c.Close)
	hi := max(c.Open, c.Close)
	if c.Low > lo+priceEpsilon {
		return fmt.Errorf("candle: low %v exceeds min(open,close) %v", c.Low, lo)
	}
	if c.High < hi-priceEpsilon {
		return fmt.Errorf("candle: high %v below max(open,close) %v", c.High, hi)
	}
	if c.BaseVolume < 0 || c.QuoteVolume < 0 {
		return fmt.Errorf("candle: negative volume")
	}
	if c.Trades < 0 {
		return fmt.Errorf("candle: negative trade count")
	}
	return nil
}

// Normalize aligns OpenMs down to the interval boundary and derives
// CloseMs, preserving the exchange's IsClosed flag.
func (c Candle) Normalize(iv Interval) Candle {
	c.OpenMs = iv.AlignDown(c.OpenMs)
	if c.OpenMs > 0 {
		c.CloseMs = c.OpenMs + iv.Ms - 1
	}
	return c
}

// IsCurrentBucket reports whether OpenMs is the interval's current
// open bucket relative to nowMs.
func (c Candle) IsCurrentBucket(iv Interval, nowMs int64) bool {
	return c.OpenMs == iv.AlignDown(nowMs)
}

// LiveKey is the dedup composite (symbol, intervalMs, openMs).
type LiveKey struct {
	Symbol     string
	IntervalMs int64
	OpenMs     int64
}
