package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/ratelimit"

	"mdfeed/internal/model"
)

const (
	klinesPath       = "/api/v3/klines"
	maxPageLimit     = 1000
	maxAttempts      = 5
	usedWeightHeader = "X-MBX-USED-WEIGHT"
	weightLimit      = 1200
)

// defaultFromSec is used when a caller passes fromSec <= 0. Binance spot
// launched mid-2017, so 2017-01-01 safely predates every listing.
const defaultFromSec = 1483228800

// KlinesPage is one page of historical candles. When HasMore is set the
// caller continues from NextFromSec.
type KlinesPage struct {
	Rows        []model.Candle
	HasMore     bool
	NextFromSec int64
}

// RestClient fetches historical klines from the Binance REST API.
// Requests are paced through a rate limiter and retried on transient
// failures with exponential backoff.
type RestClient struct {
	baseURL string
	httpc   *http.Client
	limiter ratelimit.Limiter
	log     *slog.Logger

	// sleep is swappable in tests.
	sleep func(time.Duration)
}

// NewRestClient creates a REST client against baseURL
// (e.g. "https://api.binance.com").
func NewRestClient(baseURL string, log *slog.Logger) *RestClient {
	return &RestClient{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 15 * time.Second},
		limiter: ratelimit.New(10), // 10 req/s, well under the weight budget
		log:     log,
		sleep:   time.Sleep,
	}
}

// FetchKlines fetches one page of klines for (symbol, iv) covering
// [fromSec, toSec). It returns only candles fully closed by toSec and
// strictly after fromSec-aligned history already emitted; an in-progress
// bucket is never returned. pageLimit is clamped to [1, 1000].
func (c *RestClient) FetchKlines(ctx context.Context, symbol string, iv model.Interval, fromSec, toSec int64, pageLimit int) (KlinesPage, error) {
	if pageLimit <= 0 || pageLimit > maxPageLimit {
		pageLimit = maxPageLimit
	}
	if fromSec <= 0 {
		fromSec = defaultFromSec
	}
	if fromSec >= toSec {
		return KlinesPage{}, nil
	}

	fromMs := fromSec * 1000
	toMs := toSec * 1000

	// endTime for this page: never ask past what one page can hold.
	chunkEnd := fromMs + int64(pageLimit)*iv.Ms
	if chunkEnd > toMs {
		chunkEnd = toMs
	}

	raw, err := c.fetchChunk(ctx, symbol, iv.Label, fromMs, chunkEnd, pageLimit)
	if err != nil {
		return KlinesPage{}, err
	}

	page := KlinesPage{Rows: make([]model.Candle, 0, len(raw))}
	var lastClose int64
	lastOpen := int64(-1)
	for _, row := range raw {
		cd, err := decodeKlineRow(row)
		if err != nil {
			return KlinesPage{}, fmt.Errorf("klines %s %s: %w", symbol, iv.Label, err)
		}
		lastClose = cd.CloseMs
		if cd.CloseMs > toMs {
			// still-open or future bucket, drop it
			continue
		}
		if cd.OpenMs <= lastOpen {
			// duplicated or out-of-order row, keep output strictly increasing
			continue
		}
		lastOpen = cd.OpenMs
		cd.IsClosed = true
		page.Rows = append(page.Rows, cd)
	}

	if len(raw) == pageLimit && lastClose+1 < toMs {
		page.HasMore = true
		page.NextFromSec = (lastClose + 1) / 1000
	}
	return page, nil
}

// fetchChunk performs one klines request with retry on 429 and 5xx.
func (c *RestClient) fetchChunk(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([][]json.RawMessage, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("startTime", strconv.FormatInt(startMs, 10))
	q.Set("endTime", strconv.FormatInt(endMs, 10))
	q.Set("limit", strconv.Itoa(limit))
	u := c.baseURL + klinesPath + "?" + q.Encode()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Second << (attempt - 2)
			c.log.Warn("klines retry", "symbol", symbol, "attempt", attempt, "backoff", backoff.String(), "err", lastErr)
			c.sleep(backoff)
		}
		c.limiter.Take()

		rows, retryable, err := c.doRequest(ctx, u)
		if err == nil {
			return rows, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("klines %s: giving up after %d attempts: %w", symbol, maxAttempts, lastErr)
}

func (c *RestClient) doRequest(ctx context.Context, u string) (rows [][]json.RawMessage, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	c.checkUsedWeight(resp.Header.Get(usedWeightHeader))

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("klines http %d: %s", resp.StatusCode, body)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, true, err
		}
		return nil, false, err
	}

	// a body we cannot parse will not get better on retry
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, false, fmt.Errorf("decode klines: %w", err)
	}
	return rows, false, nil
}

// checkUsedWeight backs off proactively when the reported request weight
// approaches the per-minute budget.
func (c *RestClient) checkUsedWeight(h string) {
	if h == "" {
		return
	}
	w, err := strconv.Atoi(h)
	if err != nil {
		return
	}
	if float64(w) > 0.9*weightLimit {
		c.log.Warn("approaching rate limit, pausing", "used_weight", w, "limit", weightLimit)
		c.sleep(2 * time.Second)
	}
}

// decodeKlineRow maps one raw klines array entry to a Candle. Binance
// rows carry at least 7 elements:
//
//	[openMs, open, high, low, close, baseVol, closeMs, quoteVol, trades, ...]
func decodeKlineRow(row []json.RawMessage) (model.Candle, error) {
	if len(row) < 7 {
		return model.Candle{}, fmt.Errorf("kline row has %d fields, want >= 7", len(row))
	}

	var (
		openMs, closeMs, trades Int
		o, h, l, cl             Float
		baseVol, quoteVol       Float
	)
	fields := []struct {
		idx int
		dst json.Unmarshaler
	}{
		{0, &openMs}, {1, &o}, {2, &h}, {3, &l}, {4, &cl}, {5, &baseVol}, {6, &closeMs},
	}
	for _, f := range fields {
		if err := f.dst.UnmarshalJSON(row[f.idx]); err != nil {
			return model.Candle{}, fmt.Errorf("field %d: %w", f.idx, err)
		}
	}
	if len(row) > 7 {
		if err := quoteVol.UnmarshalJSON(row[7]); err != nil {
			return model.Candle{}, fmt.Errorf("field 7: %w", err)
		}
	}
	if len(row) > 8 {
		if err := trades.UnmarshalJSON(row[8]); err != nil {
			return model.Candle{}, fmt.Errorf("field 8: %w", err)
		}
	}

	return model.Candle{
		OpenMs:      int64(openMs),
		CloseMs:     int64(closeMs),
		Open:        float64(o),
		High:        float64(h),
		Low:         float64(l),
		Close:       float64(cl),
		BaseVolume:  float64(baseVol),
		QuoteVolume: float64(quoteVol),
		Trades:      int64(trades),
	}, nil
}
