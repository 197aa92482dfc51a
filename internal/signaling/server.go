package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/signalmesh/relay/internal/metrics"
	"github.com/signalmesh/relay/internal/ratelimit"
	"github.com/signalmesh/relay/internal/registry"
)

// Config wires the runtime dependencies and hardening knobs for the push
// relay. Zero-valued limits fall back to the defaults below.
type Config struct {
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	PingInterval         time.Duration
	IdleTimeout          time.Duration
}

func (c Config) withDefaults() Config {
	if c.Registry == nil {
		c.Registry = registry.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = 50
	}
	return c
}

// Server owns the WebSocket surface of the push relay: one session per
// connection, a shared registry for membership, and a router for delivery.
type Server struct {
	cfg     Config
	log     *slog.Logger
	reg     *registry.Registry
	router  *Router
	metrics *metrics.Metrics

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		reg:     cfg.Registry,
		metrics: cfg.Metrics,
		upgrader: websocket.Upgrader{
			// Origin policy is enforced by the httpserver middleware wrapping
			// this handler; unit tests hit the handler directly.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
	}
	s.router = NewRouter(cfg.Registry, cfg.Metrics)
	return s
}

// Router exposes the delivery layer, mainly for tests.
func (s *Server) Router() *Router { return s.router }

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
}

// Close tears down every live session. New upgrades are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.requestClose(websocket.CloseGoingAway, "server shutting down")
		<-sess.writerDone
		_ = sess.conn.Close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// The handle is minted here, at the transport layer, and never reused:
	// a reconnecting client gets a fresh one.
	handle := registry.Handle(uuid.NewString())

	sess := &session{
		srv:    s,
		conn:   conn,
		handle: handle,
		log:    s.log.With("handle", string(handle)),
		limiter: ratelimit.NewTokenBucket(nil,
			int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond)),
		send:      make(chan []byte, sendQueueLen),
		closeSend:  make(chan closeFrame, 1),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	s.track(sess)
	s.router.attach(sess)

	go sess.writePump()
	sess.readLoop()

	// A dead connection leaves its room immediately; there is no grace
	// period, and the participant-left broadcast happens before the handler
	// returns.
	sess.disconnect()
	s.router.detach(sess)
	s.untrack(sess)
	sess.close()
	<-sess.writerDone
	_ = conn.Close()
}

func (s *Server) track(sess *session) {
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}
