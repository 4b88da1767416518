package binance

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"mdfeed/internal/model"
)

const (
	dialTimeout  = 10 * time.Second
	pingInterval = 60 * time.Second

	// watchdogPoll is how often stream silence is checked; the silence
	// threshold itself is 2*intervalMs + silenceGrace.
	watchdogPoll = 10 * time.Second
	silenceGrace = 5000 * time.Millisecond

	// stopPoll is the granularity at which backoff sleeps notice Stop.
	stopPoll = 200 * time.Millisecond

	maxBackoffShift = 10
	maxBackoff      = 30 * time.Second
)

// KlineHandler receives one parsed kline update. final is true when the
// bucket has closed on the exchange side.
type KlineHandler func(symbol string, c model.Candle, final bool)

// StreamClient maintains a combined-stream WebSocket subscription to
// Binance kline updates, reconnecting with jittered exponential backoff
// and watching for silent (half-open) connections.
type StreamClient struct {
	baseURL string
	log     *slog.Logger

	// Optional hooks, set before Subscribe.
	OnReconnectAttempt func(attempt int)
	OnState            func(up bool)

	// DisableJitter makes backoff deterministic in tests.
	DisableJitter bool

	mu            sync.Mutex
	conn          *websocket.Conn
	onReconnected func()

	running atomic.Bool
	lastMsg atomic.Int64 // unix ms of the most recent frame
	done    chan struct{}
}

// NewStreamClient creates a stream client against baseURL
// (e.g. "wss://stream.binance.com:9443").
func NewStreamClient(baseURL string, log *slog.Logger) *StreamClient {
	return &StreamClient{baseURL: baseURL, log: log}
}

// SetOnReconnected registers a callback invoked after every successful
// reconnect (not the initial connect). The ingestor uses it to fill the
// gap that opened while the stream was down.
func (s *StreamClient) SetOnReconnected(fn func()) {
	s.mu.Lock()
	s.onReconnected = fn
	s.mu.Unlock()
}

// Subscribe connects to the combined kline stream for the given symbols
// and interval and runs until Stop. It returns once the run loop has
// been started; delivery happens on an internal goroutine.
func (s *StreamClient) Subscribe(symbols []string, iv model.Interval, onKline KlineHandler) error {
	if len(symbols) == 0 {
		return fmt.Errorf("stream: no symbols to subscribe")
	}
	if iv.Label != "1m" {
		return fmt.Errorf("stream: live streaming supports 1m only, got %s", iv.Label)
	}
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("stream: already subscribed")
	}

	parts := make([]string, len(symbols))
	for i, sym := range symbols {
		parts[i] = strings.ToLower(sym) + "@kline_" + iv.Label
	}
	streamURL := s.baseURL + "/stream?streams=" + strings.Join(parts, "/")
	silenceThreshold := time.Duration(2*iv.Ms)*time.Millisecond + silenceGrace

	s.done = make(chan struct{})
	go s.run(streamURL, silenceThreshold, onKline)
	return nil
}

// Stop terminates the stream. Safe to call more than once.
func (s *StreamClient) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	<-s.done
}

// LastMessageAge reports how long ago the last frame arrived. Returns a
// negative duration when no frame has been seen yet.
func (s *StreamClient) LastMessageAge() time.Duration {
	ms := s.lastMsg.Load()
	if ms == 0 {
		return -1
	}
	return time.Duration(time.Now().UnixMilli()-ms) * time.Millisecond
}

func (s *StreamClient) run(streamURL string, silenceThreshold time.Duration, onKline KlineHandler) {
	defer close(s.done)

	attempt := 0
	everConnected := false
	for s.running.Load() {
		attempt++
		if s.OnReconnectAttempt != nil {
			s.OnReconnectAttempt(attempt)
		}
		if attempt > 1 {
			if !s.sleepInterruptible(Backoff(attempt-1, !s.DisableJitter)) {
				return
			}
		}
		if !s.running.Load() {
			return
		}

		connected := s.session(streamURL, silenceThreshold, onKline)
		if connected {
			if everConnected {
				s.mu.Lock()
				fn := s.onReconnected
				s.mu.Unlock()
				if fn != nil {
					fn()
				}
			}
			everConnected = true
			attempt = 0
		}
	}
}

// session dials and pumps one connection until it drops. Returns whether
// the handshake succeeded.
func (s *StreamClient) session(streamURL string, silenceThreshold time.Duration, onKline KlineHandler) bool {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(streamURL, nil)
	if err != nil {
		s.log.Warn("stream dial failed", "url", streamURL, "err", err)
		return false
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.lastMsg.Store(time.Now().UnixMilli())
	s.log.Info("stream connected", "url", streamURL)
	if s.OnState != nil {
		s.OnState(true)
	}
	defer func() {
		if s.OnState != nil {
			s.OnState(false)
		}
	}()

	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go s.keepalive(conn, silenceThreshold, sessionDone)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if s.running.Load() {
				s.log.Warn("stream read error", "err", err)
			}
			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
			conn.Close()
			return true
		}
		s.lastMsg.Store(time.Now().UnixMilli())

		sym, cd, final, err := parseStreamFrame(payload)
		if err != nil {
			s.log.Warn("stream frame dropped", "err", err)
			continue
		}
		onKline(sym, cd, final)
	}
}

// keepalive pings the server and tears the connection down when the
// stream has gone silent past the threshold. Closing the conn unblocks
// the read loop, which then drives the reconnect.
func (s *StreamClient) keepalive(conn *websocket.Conn, silenceThreshold time.Duration, sessionDone <-chan struct{}) {
	pingT := time.NewTicker(pingInterval)
	watchT := time.NewTicker(watchdogPoll)
	defer pingT.Stop()
	defer watchT.Stop()

	for {
		select {
		case <-sessionDone:
			return
		case <-pingT.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				conn.Close()
				return
			}
		case <-watchT.C:
			silent := time.Duration(time.Now().UnixMilli()-s.lastMsg.Load()) * time.Millisecond
			if silent > silenceThreshold {
				s.log.Warn("stream silent, forcing reconnect", "silent", silent.String(), "threshold", silenceThreshold.String())
				conn.Close()
				return
			}
		}
	}
}

// sleepInterruptible sleeps d in short slices so Stop is honored quickly.
// Returns false when the client was stopped mid-sleep.
func (s *StreamClient) sleepInterruptible(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !s.running.Load() {
			return false
		}
		remain := time.Until(deadline)
		if remain > stopPoll {
			remain = stopPoll
		}
		time.Sleep(remain)
	}
	return s.running.Load()
}

// Backoff computes the reconnect delay for the given failed attempt
// count (1-based): exponential from 1s, capped at 30s, with optional
// jitter of up to half the base delay.
func Backoff(attempt int, jitter bool) time.Duration {
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	d := time.Second << shift
	if d > maxBackoff {
		d = maxBackoff
	}
	if jitter {
		d += time.Duration(rand.Int63n(int64(d)/2 + 1))
		if d > maxBackoff {
			d = maxBackoff
		}
	}
	return d
}

// streamFrame is the combined-stream envelope.
type streamFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol string  `json:"s"`
		Kline  wsKline `json:"k"`
	} `json:"data"`
}

// wsKline is the kline payload inside a combined-stream frame. Prices
// and volumes arrive as decimal strings.
type wsKline struct {
	OpenMs   Int    `json:"t"`
	CloseMs  Int    `json:"T"`
	Interval string `json:"i"`
	Open     Float  `json:"o"`
	High     Float  `json:"h"`
	Low      Float  `json:"l"`
	Close    Float  `json:"c"`
	BaseVol  Float  `json:"v"`
	QuoteVol Float  `json:"q"`
	Trades   Int    `json:"n"`
	Final    bool   `json:"x"`
}

// parseStreamFrame decodes one combined-stream message into a normalized
// candle. Symbols are reported upper-case.
func parseStreamFrame(payload []byte) (string, model.Candle, bool, error) {
	var f streamFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return "", model.Candle{}, false, fmt.Errorf("decode stream frame: %w", err)
	}
	if f.Data.Symbol == "" {
		return "", model.Candle{}, false, fmt.Errorf("stream frame missing symbol (stream=%q)", f.Stream)
	}
	k := f.Data.Kline
	cd := model.Candle{
		OpenMs:      int64(k.OpenMs),
		CloseMs:     int64(k.CloseMs),
		Open:        float64(k.Open),
		High:        float64(k.High),
		Low:         float64(k.Low),
		Close:       float64(k.Close),
		BaseVolume:  float64(k.BaseVol),
		QuoteVolume: float64(k.QuoteVol),
		Trades:      int64(k.Trades),
		IsClosed:    k.Final,
	}
	return strings.ToUpper(f.Data.Symbol), cd, k.Final, nil
}
