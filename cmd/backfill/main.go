// Command backfill pulls a historical kline range from the Binance REST
// API into the SQLite store. It shares the rate-limited REST client and
// repository with the live service, so it is safe to run alongside a
// stopped mdfeed instance pointing at the same database.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mdfeed/config"
	"mdfeed/internal/binance"
	"mdfeed/internal/logger"
	"mdfeed/internal/model"
	sqlitestore "mdfeed/internal/store/sqlite"
)

func main() {
	var (
		symbolsFlag  = flag.String("symbols", "", "comma-separated symbols (default: SYMBOLS env)")
		intervalFlag = flag.String("interval", "", "candle interval (default: INTERVAL env)")
		fromFlag     = flag.String("from", "", "range start, RFC3339 or unix seconds")
		toFlag       = flag.String("to", "", "range end, RFC3339 or unix seconds (default: now)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logger.Init("backfill", logger.ParseLevel(cfg.LogLevel))

	symbols := cfg.ParseSymbols()
	if *symbolsFlag != "" {
		symbols = nil
		for _, s := range strings.Split(*symbolsFlag, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				symbols = append(symbols, s)
			}
		}
	}
	intervalLabel := cfg.Interval
	if *intervalFlag != "" {
		intervalLabel = *intervalFlag
	}
	iv, err := model.ParseInterval(intervalLabel)
	if err != nil {
		log.Error("bad interval", "err", err)
		os.Exit(1)
	}

	fromSec := parseTimeFlag(*fromFlag, 0)
	toSec := parseTimeFlag(*toFlag, time.Now().Unix())
	if fromSec >= toSec {
		log.Error("empty range", "from", fromSec, "to", toSec)
		os.Exit(1)
	}

	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	repo, err := sqlitestore.New(sqlitestore.Config{Path: cfg.SQLitePath}, log)
	if err != nil {
		log.Error("sqlite init failed", "err", err)
		os.Exit(1)
	}
	defer repo.Close()

	rest := binance.NewRestClient(cfg.BinanceRestURL, log)
	ctx := context.Background()

	for _, sym := range symbols {
		total := 0
		cur := fromSec
		for {
			page, err := rest.FetchKlines(ctx, sym, iv, cur, toSec, 1000)
			if err != nil {
				log.Error("fetch failed", "symbol", sym, "from_sec", cur, "err", err)
				os.Exit(1)
			}
			if len(page.Rows) > 0 {
				if err := repo.UpsertBatch(ctx, sym, iv.Label, page.Rows); err != nil {
					log.Error("upsert failed", "symbol", sym, "err", err)
					os.Exit(1)
				}
				total += len(page.Rows)
			}
			if !page.HasMore || page.NextFromSec <= cur {
				break
			}
			cur = page.NextFromSec
		}
		log.Info("backfill complete", "symbol", sym, "interval", iv.Label, "candles", total)
	}
}

// parseTimeFlag accepts RFC3339 or unix seconds. Empty returns def.
func parseTimeFlag(s string, def int64) int64 {
	if s == "" {
		return def
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix()
	}
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
