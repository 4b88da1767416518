package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"mdfeed/internal/metrics"
)

// Config controls the keepalive scheduler and per-session queues.
type Config struct {
	// PingPeriod is both the ping interval and the scheduler sweep period.
	PingPeriod time.Duration
	// PongTimeout is how long a pong may be overdue before it counts as
	// a miss; two consecutive misses close the session.
	PongTimeout time.Duration
	// IdleTimeout closes sessions with no inbound frames at all
	// (pongs included).
	IdleTimeout time.Duration

	Queue SendQueueConfig
}

// DefaultConfig returns the production keepalive policy.
func DefaultConfig() Config {
	return Config{
		PingPeriod:  30 * time.Second,
		PongTimeout: 75 * time.Second,
		IdleTimeout: 90 * time.Second,
		Queue:       DefaultSendQueueConfig(),
	}
}

// Server owns all client WebSocket sessions and fans broadcasts out to
// them.
type Server struct {
	cfg Config
	log *slog.Logger
	m   *metrics.Metrics

	upgrader websocket.Upgrader
	nextID   atomic.Int64

	mu       sync.RWMutex
	sessions map[*Session]struct{}
}

// NewServer creates a gateway server.
func NewServer(cfg Config, m *metrics.Metrics, log *slog.Logger) *Server {
	return &Server{
		cfg: cfg,
		log: log,
		m:   m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[*Session]struct{}),
	}
}

// HandleWS upgrades an HTTP request into a session. The session receives
// the welcome frame first, then joins the broadcast set.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	id := strconv.FormatInt(s.nextID.Add(1), 10)
	sess := newSession(id, conn, s)

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	n := len(s.sessions)
	s.mu.Unlock()
	s.m.ClientSessions.Set(float64(n))

	go sess.writeLoop()
	go sess.readLoop()
	sess.Enqueue(welcomeMsg)

	s.log.Info("ws client connected", "client_id", id, "remote", r.RemoteAddr, "sessions", n)
}

// Broadcast enqueues a payload on every session. Sessions that cannot
// keep up are closed by their own queue's stall timer, never blocking
// the caller.
func (s *Server) Broadcast(p []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sess := range s.sessions {
		sess.Enqueue(p)
	}
}

// Run drives the keepalive scheduler until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case now := <-ticker.C:
			for _, sess := range s.snapshot() {
				sess.keepalive(now)
			}
		}
	}
}

// SessionCount reports currently registered sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) snapshot() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) closeAll() {
	for _, sess := range s.snapshot() {
		sess.close(websocket.CloseGoingAway, "server_shutdown")
	}
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	n := len(s.sessions)
	s.mu.Unlock()
	s.m.ClientSessions.Set(float64(n))
}
