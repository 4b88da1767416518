package model

import (
	"encoding/json"
	"fmt"
	"math"
)

// ohlcEpsilon absorbs decimal-to-float rounding when checking candle shape.
const ohlcEpsilon = 1e-9

// Candle represents a single OHLCV bucket for one instrument.
// Timestamps are millisecond Unix epoch; OpenMs is aligned to the
// interval width and CloseMs is OpenMs + intervalMs - 1 for closed
// candles.
type Candle struct {
	OpenMs      int64   `json:"open_ms"`
	CloseMs     int64   `json:"close_ms"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	BaseVolume  float64 `json:"base_volume"`
	QuoteVolume float64 `json:"quote_volume"`
	Trades      int64   `json:"trades"`
	IsClosed    bool    `json:"is_closed"`
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// Validate checks the basic OHLC shape: low ≤ min(open, close) and
// max(open, close) ≤ high, within a small epsilon, and non-negative
// volumes and trade counts.
func (c *Candle) Validate() error {
	lo := math.Min(c.Open, c.Close)
	hi := math.Max(c.Open, c.Close)
	if c.Low > lo+ohlcEpsilon {
		return fmt.Errorf("candle open_ms=%d: low %g above min(open, close) %g", c.OpenMs, c.Low, lo)
	}
	if c.High < hi-ohlcEpsilon {
		return fmt.Errorf("candle open_ms=%d: high %g below max(open, close) %g", c.OpenMs, c.High, hi)
	}
	if c.BaseVolume < 0 || c.QuoteVolume < 0 {
		return fmt.Errorf("candle open_ms=%d: negative volume", c.OpenMs)
	}
	if c.Trades < 0 {
		return fmt.Errorf("candle open_ms=%d: negative trade count", c.OpenMs)
	}
	return nil
}

// AlignDown floors a millisecond timestamp to the start of its bucket.
func AlignDown(ms, intervalMs int64) int64 {
	if intervalMs <= 0 {
		return ms
	}
	return ms - ms%intervalMs
}
