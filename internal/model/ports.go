package model

import "context"

// ── Storage Port Interfaces ──
// These interfaces decouple the ingestion pipeline from concrete storage
// implementations (SQLite, Redis). Each implementation satisfies one or
// more of these interfaces.

// CandleRepo persists closed candles. Implementations must dedupe on
// (symbol, interval, openMs) so that repeated upserts of the same bucket
// are idempotent.
type CandleRepo interface {
	// UpsertBatch writes a batch of candles for one (symbol, interval).
	UpsertBatch(ctx context.Context, symbol, interval string, rows []Candle) error

	// MaxTimestamp returns the latest stored close timestamp (ms) for a
	// (symbol, interval), or ok=false when nothing is stored.
	MaxTimestamp(ctx context.Context, symbol, interval string) (ts int64, ok bool, err error)

	// Close releases underlying resources.
	Close() error
}

// CandleReader serves the HTTP query layer.
type CandleReader interface {
	// ReadRange reads candles for a (symbol, interval) with open_ms in
	// [fromMs, toMs], ascending, at most limit rows.
	ReadRange(ctx context.Context, symbol, interval string, fromMs, toMs int64, limit int) ([]Candle, error)

	// ReadLatest returns the most recent stored candle, ok=false when none.
	ReadLatest(ctx context.Context, symbol, interval string) (Candle, bool, error)
}

// LatestStore caches the most recent closed candle per (symbol, interval)
// for cheap query-side reads.
type LatestStore interface {
	StoreLatest(ctx context.Context, symbol, interval string, c Candle) error
}
