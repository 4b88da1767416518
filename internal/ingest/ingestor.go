// Package ingest runs the live candle pipeline: REST backfill on start,
// streaming kline updates into storage and the client gateway, and REST
// catch-up after stream reconnects.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mdfeed/internal/binance"
	"mdfeed/internal/gateway"
	"mdfeed/internal/metrics"
	"mdfeed/internal/model"
)

const (
	persistTimeout = 5 * time.Second

	// resyncStallLimit aborts a backfill whose cursor stops advancing,
	// which otherwise loops forever against a misbehaving endpoint.
	resyncStallLimit = 3
)

// Broadcaster fans a payload out to connected clients.
type Broadcaster interface {
	Broadcast(p []byte)
}

// KlineFetcher pulls historical candle pages.
type KlineFetcher interface {
	FetchKlines(ctx context.Context, symbol string, iv model.Interval, fromSec, toSec int64, pageLimit int) (binance.KlinesPage, error)
}

// Stream delivers live kline updates.
type Stream interface {
	Subscribe(symbols []string, iv model.Interval, onKline binance.KlineHandler) error
	SetOnReconnected(fn func())
	Stop()
}

// Config controls the ingestor.
type Config struct {
	Symbols  []string
	Interval model.Interval

	// EmitPartials forwards in-progress bucket updates to clients.
	EmitPartials bool
	// PartialThrottle caps partial broadcasts per bucket; zero means
	// every update is forwarded.
	PartialThrottle time.Duration

	// BootstrapCandles is how much history to pull for a symbol with an
	// empty store.
	BootstrapCandles int
	// ResyncPageLimit is the klines page size during backfill.
	ResyncPageLimit int
}

// DefaultConfig returns production ingestion defaults for the given
// symbols and interval.
func DefaultConfig(symbols []string, iv model.Interval) Config {
	return Config{
		Symbols:          symbols,
		Interval:         iv,
		EmitPartials:     true,
		BootstrapCandles: 200,
		ResyncPageLimit:  1000,
	}
}

type liveKey struct {
	symbol string
	openMs int64
}

// Ingestor owns the live pipeline for one interval across many symbols.
type Ingestor struct {
	cfg     Config
	repo    model.CandleRepo
	latest  model.LatestStore // may be nil
	fetcher KlineFetcher
	stream  Stream
	bcast   Broadcaster
	m       *metrics.Metrics
	log     *slog.Logger

	// Health, when set, gets last-candle and stream-state updates.
	Health *metrics.HealthStatus

	// Now is swappable in tests.
	Now func() time.Time

	liveMu        sync.Mutex
	lastBroadcast map[liveKey]time.Time

	closedMu   sync.Mutex
	lastClosed map[string]int64 // symbol -> close_ms of last persisted candle
}

// New wires an ingestor. latest may be nil when no cache is configured.
func New(cfg Config, repo model.CandleRepo, latest model.LatestStore, fetcher KlineFetcher, stream Stream, bcast Broadcaster, m *metrics.Metrics, log *slog.Logger) *Ingestor {
	if cfg.BootstrapCandles <= 0 {
		cfg.BootstrapCandles = 200
	}
	if cfg.ResyncPageLimit <= 0 {
		cfg.ResyncPageLimit = 1000
	}
	return &Ingestor{
		cfg:           cfg,
		repo:          repo,
		latest:        latest,
		fetcher:       fetcher,
		stream:        stream,
		bcast:         bcast,
		m:             m,
		log:           log,
		Now:           time.Now,
		lastBroadcast: make(map[liveKey]time.Time),
		lastClosed:    make(map[string]int64),
	}
}

// Start backfills every symbol over REST and then subscribes to the live
// stream. Reconnects trigger a silent catch-up followed by a single
// resync_done envelope.
func (ing *Ingestor) Start(ctx context.Context) error {
	ing.m.IntervalMs.Set(float64(ing.cfg.Interval.Ms))

	for _, sym := range ing.cfg.Symbols {
		if _, err := ing.resyncSymbol(ctx, sym, true); err != nil {
			return fmt.Errorf("resync %s: %w", sym, err)
		}
	}

	ing.stream.SetOnReconnected(func() {
		ing.catchUp(context.Background())
	})
	return ing.stream.Subscribe(ing.cfg.Symbols, ing.cfg.Interval, ing.HandleKline)
}

// Stop terminates the stream subscription.
func (ing *Ingestor) Stop() {
	ing.stream.Stop()
}

// HandleKline processes one live kline update.
func (ing *Ingestor) HandleKline(symbol string, c model.Candle, final bool) {
	iv := ing.cfg.Interval
	if model.AlignDown(c.OpenMs, iv.Ms) != c.OpenMs {
		ing.log.Warn("misaligned kline dropped", "symbol", symbol, "open_ms", c.OpenMs)
		return
	}
	if err := c.Validate(); err != nil {
		ing.log.Warn("invalid kline dropped", "symbol", symbol, "err", err)
		return
	}

	if final {
		ing.handleClosed(symbol, c)
		return
	}
	ing.handlePartial(symbol, c)
}

func (ing *Ingestor) handleClosed(symbol string, c model.Candle) {
	iv := ing.cfg.Interval

	ing.closedMu.Lock()
	dup := c.CloseMs <= ing.lastClosed[symbol]
	ing.closedMu.Unlock()
	if dup {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	err := ing.repo.UpsertBatch(ctx, symbol, iv.Label, []model.Candle{c})
	cancel()
	if err != nil {
		// lastClosed stays put so the next catch-up re-fetches this bucket
		ing.m.PersistFailures.Inc()
		ing.log.Error("persist closed candle failed", "symbol", symbol, "open_ms", c.OpenMs, "err", err)
	} else {
		ing.m.ClosedPersisted.Inc()
		ing.closedMu.Lock()
		ing.lastClosed[symbol] = c.CloseMs
		ing.closedMu.Unlock()
		ing.storeLatest(symbol, c)
		if ing.Health != nil {
			ing.Health.SetLastCandleTime(ing.Now())
		}
	}

	ing.bcast.Broadcast(gateway.CandleEnvelope(symbol, iv.Label, c, true))

	ing.liveMu.Lock()
	delete(ing.lastBroadcast, liveKey{symbol, c.OpenMs})
	ing.liveMu.Unlock()
}

func (ing *Ingestor) handlePartial(symbol string, c model.Candle) {
	if !ing.cfg.EmitPartials {
		return
	}
	key := liveKey{symbol, c.OpenMs}
	now := ing.Now()

	ing.liveMu.Lock()
	if ing.cfg.PartialThrottle > 0 {
		if last, ok := ing.lastBroadcast[key]; ok && now.Sub(last) < ing.cfg.PartialThrottle {
			ing.liveMu.Unlock()
			return
		}
	}
	ing.lastBroadcast[key] = now
	ing.liveMu.Unlock()

	ing.bcast.Broadcast(gateway.CandleEnvelope(symbol, ing.cfg.Interval.Label, c, false))
}

// resyncSymbol fills the store from the last persisted candle (or a
// bootstrap window for an empty store) up to the last fully closed
// bucket. The current open bucket is never persisted from REST. The
// initial resync pushes the last candle of each page to clients;
// catch-up after a reconnect is silent. Returns how many candles were
// persisted.
func (ing *Ingestor) resyncSymbol(ctx context.Context, symbol string, initial bool) (int, error) {
	iv := ing.cfg.Interval
	now := ing.Now().UnixMilli()
	nowOpen := model.AlignDown(now, iv.Ms)

	fromSec, ok, err := ing.resyncFrom(ctx, symbol, now, initial)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil // store is fresh, the stream covers the rest
	}
	toSec := now / 1000

	persisted := 0
	stalls := 0
	for {
		if ctx.Err() != nil {
			return persisted, ctx.Err()
		}
		page, err := ing.fetcher.FetchKlines(ctx, symbol, iv, fromSec, toSec, ing.cfg.ResyncPageLimit)
		if err != nil {
			return persisted, err
		}

		rows := page.Rows
		for len(rows) > 0 && rows[len(rows)-1].OpenMs >= nowOpen {
			rows = rows[:len(rows)-1]
		}

		if len(rows) > 0 {
			if err := ing.repo.UpsertBatch(ctx, symbol, iv.Label, rows); err != nil {
				ing.m.PersistFailures.Inc()
				return persisted, fmt.Errorf("upsert page: %w", err)
			}
			persisted += len(rows)
			ing.m.RestCatchupCandles.Add(float64(len(rows)))

			last := rows[len(rows)-1]
			ing.closedMu.Lock()
			if last.CloseMs > ing.lastClosed[symbol] {
				ing.lastClosed[symbol] = last.CloseMs
			}
			ing.closedMu.Unlock()
			ing.storeLatest(symbol, last)
			if initial {
				ing.bcast.Broadcast(gateway.CandleEnvelope(symbol, iv.Label, last, true))
			}
		}

		if !page.HasMore {
			break
		}
		if page.NextFromSec <= fromSec {
			stalls++
			if stalls >= resyncStallLimit {
				ing.log.Warn("resync cursor stalled, aborting", "symbol", symbol, "from_sec", fromSec)
				break
			}
		} else {
			stalls = 0
		}
		fromSec = page.NextFromSec
	}

	if persisted > 0 {
		ing.log.Info("resync complete", "symbol", symbol, "interval", iv.Label, "candles", persisted)
	}
	return persisted, nil
}

// resyncFrom decides where the backfill starts. ok=false means there is
// nothing to fill. The initial resync tolerates a store within two
// intervals of now (the stream delivers those buckets); catch-up after
// a reconnect must fill every fully closed bucket the outage swallowed,
// because the stream never replays them.
func (ing *Ingestor) resyncFrom(ctx context.Context, symbol string, nowMs int64, initial bool) (int64, bool, error) {
	iv := ing.cfg.Interval

	ing.closedMu.Lock()
	memLast := ing.lastClosed[symbol]
	ing.closedMu.Unlock()

	last := memLast
	if last == 0 {
		ts, ok, err := ing.repo.MaxTimestamp(ctx, symbol, iv.Label)
		if err != nil {
			return 0, false, fmt.Errorf("max timestamp: %w", err)
		}
		if !ok {
			from := (nowMs - int64(ing.cfg.BootstrapCandles)*iv.Ms) / 1000
			return from, true, nil
		}
		last = ts
		ing.closedMu.Lock()
		if last > ing.lastClosed[symbol] {
			ing.lastClosed[symbol] = last
		}
		ing.closedMu.Unlock()
	}

	if initial {
		if last >= nowMs-2*iv.Ms {
			return 0, false, nil
		}
	} else if last+1 >= model.AlignDown(nowMs, iv.Ms) {
		return 0, false, nil
	}
	return (last + 1) / 1000, true, nil
}

// catchUp refills the gap for every symbol after a stream reconnect and
// announces completion with one resync_done envelope.
func (ing *Ingestor) catchUp(ctx context.Context) {
	var done []string
	for _, sym := range ing.cfg.Symbols {
		n, err := ing.resyncSymbol(ctx, sym, false)
		if err != nil {
			ing.log.Error("catch-up failed", "symbol", sym, "err", err)
			continue
		}
		if n > 0 {
			done = append(done, sym)
		}
	}
	if len(done) > 0 {
		ing.bcast.Broadcast(gateway.ResyncDoneEnvelope(ing.cfg.Interval.Label, done))
	}
}

func (ing *Ingestor) storeLatest(symbol string, c model.Candle) {
	if ing.latest == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := ing.latest.StoreLatest(ctx, symbol, ing.cfg.Interval.Label, c); err != nil {
		ing.log.Warn("latest cache update failed", "symbol", symbol, "err", err)
	}
}
