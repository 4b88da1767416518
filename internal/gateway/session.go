package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait       = 10 * time.Second
	maxFramePayload = 1 << 20
	maxCloseReason  = 123 // RFC 6455 close payload limit minus the code
)

// Session is one connected WebSocket client.
type Session struct {
	id   string
	conn *websocket.Conn
	srv  *Server

	queue   *SendQueue
	writeCh chan []byte
	done    chan struct{}
	closing atomic.Bool

	mu           sync.Mutex
	lastActivity time.Time
	lastPong     time.Time
	pongMisses   int
	bytesIn      int64
	bytesOut     int64
}

func newSession(id string, conn *websocket.Conn, srv *Server) *Session {
	now := time.Now()
	s := &Session{
		id:           id,
		conn:         conn,
		srv:          srv,
		writeCh:      make(chan []byte, 1),
		done:         make(chan struct{}),
		lastActivity: now,
		lastPong:     now,
	}
	s.queue = NewSendQueue(srv.cfg.Queue,
		s.startWrite,
		func() { s.close(websocket.CloseGoingAway, "backpressure") },
	)
	return s
}

// Enqueue queues a payload for delivery.
func (s *Session) Enqueue(p []byte) {
	s.queue.Enqueue(p)
}

// startWrite hands a payload to the write loop. The cap-1 channel is
// always free here because the queue permits only one write in flight.
func (s *Session) startWrite(p []byte) {
	select {
	case s.writeCh <- p:
	case <-s.done:
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case p := <-s.writeCh:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, p); err != nil {
				s.close(websocket.CloseAbnormalClosure, "write_error")
				return
			}
			s.srv.m.WSMessagesSent.Inc()
			s.mu.Lock()
			s.bytesOut += int64(len(p))
			s.mu.Unlock()
			s.queue.OnWriteComplete()
		}
	}
}

func (s *Session) readLoop() {
	s.conn.SetReadLimit(maxFramePayload)
	s.conn.SetPongHandler(func(string) error {
		now := time.Now()
		s.mu.Lock()
		s.lastPong = now
		s.lastActivity = now
		s.pongMisses = 0
		s.mu.Unlock()
		return nil
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			code, reason := classifyReadError(err)
			s.close(code, reason)
			return
		}
		s.srv.m.WSMessagesReceived.Inc()
		s.mu.Lock()
		s.bytesIn += int64(len(msg))
		s.lastActivity = time.Now()
		s.mu.Unlock()
	}
}

func classifyReadError(err error) (int, string) {
	if errors.Is(err, websocket.ErrReadLimit) {
		return websocket.ClosePolicyViolation, "frame_too_large"
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure:
			return websocket.CloseNormalClosure, "client_close"
		case websocket.CloseGoingAway:
			return websocket.CloseGoingAway, "client_gone"
		}
	}
	return websocket.CloseAbnormalClosure, "read_error"
}

// keepalive runs one scheduler sweep: idle and pong-timeout enforcement,
// then a ping. Called by the server every PingPeriod.
func (s *Session) keepalive(now time.Time) {
	if s.closing.Load() {
		return
	}
	cfg := s.srv.cfg

	s.mu.Lock()
	idle := now.Sub(s.lastActivity)
	pongAge := now.Sub(s.lastPong)
	if idle >= cfg.IdleTimeout {
		s.mu.Unlock()
		s.close(websocket.CloseGoingAway, "inactivity")
		return
	}
	if pongAge > cfg.PongTimeout {
		s.pongMisses++
		misses := s.pongMisses
		s.mu.Unlock()
		if misses >= 2 {
			s.close(websocket.CloseGoingAway, "pong_timeout")
			return
		}
		s.srv.log.Warn("client pong overdue", "client_id", s.id, "pong_age", pongAge.String())
	} else {
		s.mu.Unlock()
	}

	if err := s.conn.WriteControl(websocket.PingMessage, nil, now.Add(writeWait)); err != nil {
		s.close(websocket.CloseAbnormalClosure, "write_error")
	}
}

// close tears the session down exactly once: stop the queue, send a
// close frame (except on abnormal closure), drop the conn, deregister,
// and emit the session post-mortem record.
func (s *Session) close(code int, reason string) {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	close(s.done)

	queueMsgs := s.queue.Len()
	queueBytes := s.queue.Bytes()
	s.queue.Shutdown()

	if code != websocket.CloseAbnormalClosure {
		msg := websocket.FormatCloseMessage(code, truncateReason(reason))
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	s.conn.Close()

	s.srv.removeSession(s)
	s.srv.m.WSCloses.WithLabelValues(reason).Inc()

	s.mu.Lock()
	misses := s.pongMisses
	bytesIn := s.bytesIn
	bytesOut := s.bytesOut
	s.mu.Unlock()

	s.srv.log.Info("ws_session_close",
		slog.String("client_id", s.id),
		slog.String("dead_reason", reason),
		slog.Int("close_code", code),
		slog.Int("queue_msgs", queueMsgs),
		slog.Int64("queue_bytes", queueBytes),
		slog.Int("consecutive_pong_misses", misses),
		slog.Int64("bytes_in", bytesIn),
		slog.Int64("bytes_out", bytesOut),
	)
}

func truncateReason(reason string) string {
	if len(reason) > maxCloseReason {
		return reason[:maxCloseReason]
	}
	return reason
}
