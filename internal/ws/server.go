// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client connections, and dispatching
// incoming messages to the appropriate handlers. The same HTTP listener also
// serves health, metrics and any mounted request/response routes.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/dmserver/internal/metrics"
	"github.com/whisper/dmserver/internal/protocol"
	"github.com/whisper/dmserver/internal/ratelimit"
	"github.com/whisper/dmserver/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the high-performance WebSocket server built on gobwas/ws and Linux
// epoll. It upgrades HTTP connections to WebSocket, registers them with an
// epoll instance for I/O readiness notifications, and dispatches ready
// connections to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	sessionStore *session.Store                      // Redis-backed session records, may be nil
	limiter      *ratelimit.Limiter                  // connection rate limiter, may be nil
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called when a connection is removed
	mounts       map[string]http.Handler             // extra routes served next to /ws
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration, session store, and
// message callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, sessionStore *session.Store, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:       config,
		conns:        NewConnectionManager(),
		sessionStore: sessionStore,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		mounts:       make(map[string]http.Handler),
		done:         make(chan struct{}),
	}

	return s
}

// SetConnectLimiter enables per-IP rate limiting of WebSocket upgrades.
func (s *Server) SetConnectLimiter(l *ratelimit.Limiter) {
	s.limiter = l
}

// Mount serves handler under pattern on the same listener. It must be called
// before Start.
func (s *Server) Mount(pattern string, handler http.Handler) {
	s.mounts[pattern] = handler
}

// Handler builds the HTTP routes: /ws, /health, /metrics and every mounted
// handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleUpgrade)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	for pattern, h := range s.mounts {
		r.Mount(pattern, middleware.Logger(h))
	}
	return r
}

// Start initializes the epoll instance, configures the HTTP server, and begins
// accepting WebSocket connections. It starts the epoll event loop in a
// background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Handler(),
	}

	// Start the epoll event loop in the background.
	go s.startEventLoop()

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using
// gobwas/ws zero-copy upgrader. On success it creates a Connection, registers
// it with the connection manager and epoll instance.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if d, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	conn, fd := prepareConn(raw)
	c := NewConnection(uuid.New().String(), conn, fd)

	s.conns.Add(c)
	if err := s.epoll.Watch(c); err != nil {
		log.Printf("ws: epoll watch failed session=%s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Create(ctx, c.ID); err != nil {
			log.Printf("ws: failed to create redis session for %s: %v", c.ID, err)
		}
	}

	// The session ID is the client's only handle on this connection until
	// it registers a user.
	sessionMsg, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: c.ID,
	})
	if err != nil {
		log.Printf("ws: failed to build sessionCreated for session %s: %v", c.ID, err)
	} else if err := c.WriteMessageTimeout(sessionMsg, s.config.WriteTimeout); err != nil {
		log.Printf("ws: failed to send sessionCreated for session %s: %v", c.ID, err)
	}

	log.Printf("ws: new connection session=%s fd=%d (total=%d)", c.ID, fd, s.conns.Count())
}

// handleHealth reports liveness with the connection count, how many of those
// connections registered a user, and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Registered  int    `json:"registered"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Registered:  s.conns.Registered(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop waits for readable connections and hands each to a worker
// from the bounded pool. The loop exits once Shutdown closes s.done.
func (s *Server) startEventLoop() {
	for {
		fds, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			log.Printf("ws: epoll wait error: %v", err)
			continue
		}

		for _, fd := range fds {
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(fd)
				s.epoll.Rearm(fd)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// consumed without blocking for a data frame. Any read failure other than a
// timeout removes the connection.
func (s *Server) handleConn(fd int) {
	c := s.conns.GetByFd(fd)
	if c == nil {
		return
	}
	s.readFrame(c)
}

// readFrame is the body of handleConn. The processing flag keeps frames of
// one connection in arrival order: a second readiness report for the same
// connection is dropped while a worker is still reading it.
func (s *Server) readFrame(c *Connection) {
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer c.processing.Store(false)

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		// Stale readiness; the heartbeat handles connections that are dead.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = c.Conn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close). It is called
// before the Redis session is deleted, so the handler can inspect session state.
// It must be set before Start.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// RemoveConnection unwatches and closes c, then runs the disconnect
// callback and deletes the Redis session. Concurrent removals of the same
// connection (read error racing a heartbeat timeout) clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Unwatch(c)
	}

	if s.conns.Remove(c.ID) == nil {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete redis session for %s: %v", c.ID, err)
		}
	}

	log.Printf("ws: connection closed session=%s user=%q (total=%d)", c.ID, c.UserID(), s.conns.Count())
}

// SendMessage writes a text frame to the connection identified by connID. It
// satisfies the delivery engine's Pusher.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessageTimeout(data, s.config.WriteTimeout)
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat or session layer).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// SessionStore returns the Redis session store, or nil when sessions are
// disabled.
func (s *Server) SessionStore() *session.Store {
	return s.sessionStore
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	// Signal the event loop to stop.
	close(s.done)

	// Stop accepting new HTTP connections with a deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	// Delete all sessions from Redis and close all active WebSocket connections.
	for _, c := range s.conns.All() {
		if s.sessionStore != nil {
			delCtx, delCancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.sessionStore.Delete(delCtx, c.ID)
			delCancel()
		}
		if s.epoll != nil {
			_ = s.epoll.Unwatch(c)
		}
		c.Close()
	}

	// Close the epoll instance.
	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}
