// Package api provides the HTTP query surface: historical klines, the
// latest-candle endpoint, and the WebSocket upgrade route.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"mdfeed/internal/metrics"
	"mdfeed/internal/model"
)

const (
	defaultRangeLimit = 500
	maxRangeLimit     = 1000
)

// LatestSource reads the cached latest candle; a miss falls through to
// the repository.
type LatestSource interface {
	Latest(ctx context.Context, symbol, interval string) (model.Candle, bool, error)
}

// Handler serves the REST query endpoints.
type Handler struct {
	repo  model.CandleReader
	cache LatestSource // may be nil
	log   *slog.Logger
}

// NewRouter builds the full HTTP handler: REST routes, the WebSocket
// route, per-route latency metrics and CORS.
func NewRouter(repo model.CandleReader, cache LatestSource, m *metrics.Metrics, log *slog.Logger, wsHandler http.HandlerFunc) http.Handler {
	h := &Handler{repo: repo, cache: cache, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/klines", h.handleKlines).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/latest", h.handleLatest).Methods(http.MethodGet)
	r.HandleFunc("/ws", wsHandler)
	r.Use(latencyMiddleware(m))

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(r)
}

// latencyMiddleware records request duration against the route template.
func latencyMiddleware(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)

			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			m.HTTPRequestDur.WithLabelValues(route).Observe(time.Since(start).Seconds())
		})
	}
}

// handleKlines serves GET /api/v1/klines?symbol=&interval=&from=&to=&limit=
// with from/to in millisecond epoch.
func (h *Handler) handleKlines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	symbol := q.Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	iv, err := model.ParseInterval(q.Get("interval"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := parseIntDefault(q.Get("limit"), defaultRangeLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxRangeLimit {
		limit = maxRangeLimit
	}

	toMs := parseInt64Default(q.Get("to"), time.Now().UnixMilli())
	fromMs := parseInt64Default(q.Get("from"), toMs-int64(limit)*iv.Ms)
	if fromMs > toMs {
		writeError(w, http.StatusBadRequest, "from is after to")
		return
	}

	rows, err := h.repo.ReadRange(r.Context(), symbol, iv.Label, fromMs, toMs, limit)
	if err != nil {
		h.log.Error("read range failed", "symbol", symbol, "interval", iv.Label, "err", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if rows == nil {
		rows = []model.Candle{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleLatest serves GET /api/v1/latest?symbol=&interval=, preferring
// the cache and falling back to the repository.
func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	symbol := q.Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	iv, err := model.ParseInterval(q.Get("interval"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.cache != nil {
		if c, ok, err := h.cache.Latest(r.Context(), symbol, iv.Label); err == nil && ok {
			writeJSON(w, http.StatusOK, c)
			return
		} else if err != nil {
			h.log.Warn("latest cache read failed", "symbol", symbol, "err", err)
		}
	}

	c, ok, err := h.repo.ReadLatest(r.Context(), symbol, iv.Label)
	if err != nil {
		h.log.Error("read latest failed", "symbol", symbol, "interval", iv.Label, "err", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no candles stored")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseInt64Default(s string, def int64) int64 {
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}
