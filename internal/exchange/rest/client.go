// Package rest fetches paginated historical klines from the exchange
// REST API with retry/backoff and rate-limit awareness.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/marketfeed/livefeed-core/internal/candle"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	klinesPath      = "/api/v3/klines"
	maxRetryAttempts = 5
	usedWeightHeader = "X-Mbx-Used-Weight"
	weightBudget     = 1200.0
	weightThreshold  = 0.90
	defaultPageLimit = 1000
)

// Client fetches paginated historical klines over HTTPS, honoring the
// exchange's documented retry and rate-limit conventions.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	logger      zerolog.Logger
	limiter     *rate.Limiter
	defaultFrom time.Time
}

// NewClient builds a REST client against baseURL (e.g.
// "https://api.binance.com"). limiter proactively throttles request
// issue rate; the reactive used-weight-header throttle (step 8 of the
// fetch algorithm) applies on top of it.
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger:      logger.With().Str("component", "exchange-rest").Logger(),
		limiter:     rate.NewLimiter(rate.Limit(weightBudget/60.0), 50),
		defaultFrom: time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// KlinesPage is one page of ascending-by-openMs candles.
type KlinesPage struct {
	Rows        []candle.Candle
	HasMore     bool
	NextFromSec int64
}

// FetchKlines fetches candles for symbol/interval spanning
// [fromSec, toSec), paginating internally until pageLimit rows have
// been collected or the span is exhausted.
func (c *Client) FetchKlines(ctx context.Context, symbol string, iv candle.Interval, fromSec, toSec int64, pageLimit int) (KlinesPage, error) {
	if symbol == "" {
		return KlinesPage{}, fatal("rest: symbol is required")
	}
	if toSec <= 0 {
		return KlinesPage{}, fatal("rest: toSec must be positive")
	}
	if fromSec <= 0 {
		fromSec = c.defaultFrom.Unix()
	}
	if fromSec >= toSec {
		return KlinesPage{}, nil
	}
	if pageLimit <= 0 || pageLimit > 1000 {
		pageLimit = defaultPageLimit
	}

	toMs := toSec * 1000
	currentStartMs := fromSec * 1000
	requestLimit := int64(pageLimit)

	var rows []candle.Candle
	var lastOpenMs int64 = -1
	var lastCloseMs int64

	for currentStartMs < toMs && int64(len(rows)) < requestLimit {
		chunkEndMs := currentStartMs + requestLimit*iv.Ms
		if chunkEndMs > toMs {
			chunkEndMs = toMs
		}

		respRows, usedWeight, err := c.fetchChunk(ctx, symbol, iv.Label, currentStartMs, chunkEndMs, pageLimit)
		if err != nil {
			return KlinesPage{}, err
		}

		if len(respRows) == 0 {
			break
		}

		advanced := false
		for _, row := range respRows {
			if row.CloseMs > toMs {
				continue
			}
			if row.OpenMs <= lastOpenMs {
				continue
			}
			rows = append(rows, row)
			lastOpenMs = row.OpenMs
			lastCloseMs = row.CloseMs
			advanced = true
			if int64(len(rows)) >= requestLimit {
				break
			}
		}

		currentStartMs = lastCloseMs + 1
		if !advanced {
			break
		}

		if usedWeight > 0 && usedWeight/weightBudget > weightThreshold {
			c.logger.Warn().Float64("used_weight", usedWeight).Msg("rest: throttling for rate limit")
			select {
			case <-ctx.Done():
				return KlinesPage{}, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	}

	page := KlinesPage{Rows: rows}
	if int64(len(rows)) >= requestLimit && currentStartMs < toMs {
		page.HasMore = true
		page.NextFromSec = (lastCloseMs + 1) / 1000
	}
	return page, nil
}

// fetchChunk issues one GET request with retry/backoff and returns the
// parsed rows plus the used-weight header value (0 if absent).
func (c *Client) fetchChunk(ctx context.Context, symbol, intervalLabel string, startMs, endMs int64, limit int) ([]candle.Candle, float64, error) {
	url := fmt.Sprintf("%s%s?symbol=%s&interval=%s&startTime=%d&endTime=%d&limit=%d",
		c.baseURL, klinesPath, symbol, intervalLabel, startMs, endMs, limit)

	var lastErr error
	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, err
		}

		rows, usedWeight, err := c.doRequest(ctx, url)
		if err == nil {
			return rows, usedWeight, nil
		}

		if !IsRetryable(err) {
			return nil, 0, err
		}

		lastErr = err
		if attempt == maxRetryAttempts {
			break
		}

		backoff := time.Duration(1<<uint(attempt-1)) * time.Second
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("rest: retrying")
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, 0, fmt.Errorf("rest: exhausted retries: %w", lastErr)
}

func (c *Client) doRequest(ctx context.Context, url string) ([]candle.Candle, float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fatal("rest: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, retryable("rest: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, 0, retryable("rest: read body: %w", readErr)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, 0, retryable("rest: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fatal("rest: status %d: %s", resp.StatusCode, string(body))
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, 0, fatal("rest: decode klines: %w", err)
	}

	rows := make([]candle.Candle, 0, len(raw))
	for i, row := range raw {
		c, err := parseRow(row)
		if err != nil {
			return nil, 0, fatal("rest: row %d: %w", i, err)
		}
		rows = append(rows, c)
	}

	var usedWeight float64
	if v := resp.Header.Get(usedWeightHeader); v != "" {
		usedWeight, _ = strconv.ParseFloat(v, 64)
	}

	return rows, usedWeight, nil
}

// parseRow decodes one kline array: [openMs, open, high, low, close,
// volume, closeMs, quoteVolume, trades, ...]. At least the first 7
// fields must be present.
func parseRow(fields []json.RawMessage) (candle.Candle, error) {
	if len(fields) < 7 {
		return candle.Candle{}, fmt.Errorf("row has %d fields, want >= 7", len(fields))
	}

	var openMs, closeMs int64
	var open, high, low, close, volume, quoteVolume float64
	var trades int64

	if err := json.Unmarshal(fields[0], &openMs); err != nil {
		return candle.Candle{}, fmt.Errorf("openMs: %w", err)
	}
	if err := parseDecimal(fields[1], &open); err != nil {
		return candle.Candle{}, fmt.Errorf("open: %w", err)
	}
	if err := parseDecimal(fields[2], &high); err != nil {
		return candle.Candle{}, fmt.Errorf("high: %w", err)
	}
	if err := parseDecimal(fields[3], &low); err != nil {
		return candle.Candle{}, fmt.Errorf("low: %w", err)
	}
	if err := parseDecimal(fields[4], &close); err != nil {
		return candle.Candle{}, fmt.Errorf("close: %w", err)
	}
	if err := parseDecimal(fields[5], &volume); err != nil {
		return candle.Candle{}, fmt.Errorf("volume: %w", err)
	}
	if err := json.Unmarshal(fields[6], &closeMs); err != nil {
		return candle.Candle{}, fmt.Errorf("closeMs: %w", err)
	}
	if len(fields) > 7 {
		if err := parseDecimal(fields[7], &quoteVolume); err != nil {
			return candle.Candle{}, fmt.Errorf("quoteVolume: %w", err)
		}
	}
	if len(fields) > 8 {
		if err := json.Unmarshal(fields[8], &trades); err != nil {
			return candle.Candle{}, fmt.Errorf("trades: %w", err)
		}
	}

	c := candle.Candle{
		OpenMs:      openMs,
		CloseMs:     closeMs,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       close,
		BaseVolume:  volume,
		QuoteVolume: quoteVolume,
		Trades:      trades,
		IsClosed:    true,
	}
	if err := c.Validate(); err != nil {
		return candle.Candle{}, err
	}
	return c, nil
}

// parseDecimal accepts either a JSON string or a JSON number, matching
// the exchange's habit of encoding prices as strings.
func parseDecimal(raw json.RawMessage, out *float64) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*out = v
		return nil
	}
	return json.Unmarshal(raw, out)
}
