package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the market-data feed.
type Metrics struct {
	registry *prometheus.Registry

	// Exchange stream
	ReconnectAttempts prometheus.Counter
	WSState           prometheus.Gauge
	IntervalMs        prometheus.Gauge
	LastMsgAgeMs      prometheus.Gauge

	// Ingestion
	RestCatchupCandles prometheus.Counter
	ClosedPersisted    prometheus.Counter
	PersistFailures    prometheus.Counter

	// Client fan-out
	WSMessagesSent     prometheus.Counter
	WSMessagesReceived prometheus.Counter
	WSCloses           *prometheus.CounterVec // labels: reason
	ClientSessions     prometheus.Gauge

	// HTTP query layer
	HTTPRequestDur *prometheus.HistogramVec // labels: route
}

// New registers and returns all Prometheus metrics on a private registry,
// so multiple instances (tests included) never collide.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdfeed_reconnect_attempts_total",
			Help: "Total exchange WebSocket reconnection attempts",
		}),
		WSState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdfeed_ws_state",
			Help: "Exchange WebSocket state (1=up, 0=down)",
		}),
		IntervalMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdfeed_interval_ms",
			Help: "Configured live candle interval in milliseconds",
		}),
		LastMsgAgeMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdfeed_last_msg_age_ms",
			Help: "Age of the most recent exchange stream frame in milliseconds",
		}),

		RestCatchupCandles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdfeed_rest_catchup_candles_total",
			Help: "Closed candles persisted via REST resync and catch-up",
		}),
		ClosedPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdfeed_closed_candles_persisted_total",
			Help: "Closed candles persisted from the live stream",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdfeed_persist_failures_total",
			Help: "Candle upsert batches that failed",
		}),

		WSMessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdfeed_ws_messages_sent_total",
			Help: "Frames written to client WebSocket sessions",
		}),
		WSMessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdfeed_ws_messages_received_total",
			Help: "Frames read from client WebSocket sessions",
		}),
		WSCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdfeed_ws_close_total",
			Help: "Client session closes by reason",
		}, []string{"reason"}),
		ClientSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdfeed_client_sessions",
			Help: "Currently connected client WebSocket sessions",
		}),

		HTTPRequestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mdfeed_http_request_duration_seconds",
			Help:    "REST query latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.ReconnectAttempts,
		m.WSState,
		m.IntervalMs,
		m.LastMsgAgeMs,
		m.RestCatchupCandles,
		m.ClosedPersisted,
		m.PersistFailures,
		m.WSMessagesSent,
		m.WSMessagesReceived,
		m.WSCloses,
		m.ClientSessions,
		m.HTTPRequestDur,
	)

	return m
}

// Handler serves the Prometheus exposition endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
