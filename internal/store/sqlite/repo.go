// Package sqlite persists closed candles in a single-writer SQLite
// database running in WAL mode.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"mdfeed/internal/model"
)

// Config configures the candle repository.
type Config struct {
	Path string // path to SQLite database file, e.g. "data/klines.db"
}

// Repo stores candles keyed by (symbol, interval, open_ms). Upserts are
// idempotent, so REST backfill and the live stream may both write the
// same bucket.
type Repo struct {
	db  *sql.DB
	log *slog.Logger
}

// DB returns the underlying sql.DB for health checks.
func (r *Repo) DB() *sql.DB { return r.db }

// New opens (and if needed creates) the database.
func New(cfg Config, log *slog.Logger) (*Repo, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single-writer: SQLite serializes writes anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Info("sqlite opened", "path", cfg.Path)
	return &Repo{db: db, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS klines (
			symbol       TEXT    NOT NULL,
			interval     TEXT    NOT NULL,
			open_ms      INTEGER NOT NULL,
			close_ms     INTEGER NOT NULL,
			open         REAL    NOT NULL,
			high         REAL    NOT NULL,
			low          REAL    NOT NULL,
			close        REAL    NOT NULL,
			base_volume  REAL    NOT NULL,
			quote_volume REAL    NOT NULL,
			trades       INTEGER NOT NULL,
			PRIMARY KEY (symbol, interval, open_ms)
		);
	`)
	return err
}

// UpsertBatch writes a batch of candles in one transaction.
func (r *Repo) UpsertBatch(ctx context.Context, symbol, interval string, rows []model.Candle) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO klines (symbol, interval, open_ms, close_ms, open, high, low, close, base_volume, quote_volume, trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range rows {
		_, err := stmt.ExecContext(ctx, symbol, interval, c.OpenMs, c.CloseMs, c.Open, c.High, c.Low, c.Close, c.BaseVolume, c.QuoteVolume, c.Trades)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite upsert %s %s open_ms=%d: %w", symbol, interval, c.OpenMs, err)
		}
	}
	return tx.Commit()
}

// MaxTimestamp returns the latest stored close_ms for a (symbol, interval).
func (r *Repo) MaxTimestamp(ctx context.Context, symbol, interval string) (int64, bool, error) {
	var ts sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(close_ms) FROM klines WHERE symbol = ? AND interval = ?`,
		symbol, interval,
	).Scan(&ts)
	if err != nil {
		return 0, false, fmt.Errorf("sqlite max timestamp: %w", err)
	}
	if !ts.Valid {
		return 0, false, nil
	}
	return ts.Int64, true, nil
}

// ReadRange reads candles with open_ms in [fromMs, toMs] ascending, at
// most limit rows.
func (r *Repo) ReadRange(ctx context.Context, symbol, interval string, fromMs, toMs int64, limit int) ([]model.Candle, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT open_ms, close_ms, open, high, low, close, base_volume, quote_volume, trades
		FROM klines
		WHERE symbol = ? AND interval = ? AND open_ms >= ? AND open_ms <= ?
		ORDER BY open_ms ASC
		LIMIT ?
	`, symbol, interval, fromMs, toMs, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite read range: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.OpenMs, &c.CloseMs, &c.Open, &c.High, &c.Low, &c.Close, &c.BaseVolume, &c.QuoteVolume, &c.Trades); err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		c.IsClosed = true
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReadLatest returns the most recent stored candle for a (symbol, interval).
func (r *Repo) ReadLatest(ctx context.Context, symbol, interval string) (model.Candle, bool, error) {
	var c model.Candle
	err := r.db.QueryRowContext(ctx, `
		SELECT open_ms, close_ms, open, high, low, close, base_volume, quote_volume, trades
		FROM klines
		WHERE symbol = ? AND interval = ?
		ORDER BY open_ms DESC
		LIMIT 1
	`, symbol, interval).Scan(&c.OpenMs, &c.CloseMs, &c.Open, &c.High, &c.Low, &c.Close, &c.BaseVolume, &c.QuoteVolume, &c.Trades)
	if err == sql.ErrNoRows {
		return model.Candle{}, false, nil
	}
	if err != nil {
		return model.Candle{}, false, fmt.Errorf("sqlite read latest: %w", err)
	}
	c.IsClosed = true
	return c, true, nil
}

// Close closes the database.
func (r *Repo) Close() error {
	return r.db.Close()
}
