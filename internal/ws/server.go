// Package ws serves the realtime WebSocket endpoint: it authenticates and
// upgrades HTTP requests, polls connections for readable frames, and hands
// complete text frames to a dispatcher on a bounded worker pool.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agora/social-chat/internal/metrics"
	"github.com/agora/social-chat/internal/protocol"
	"github.com/agora/social-chat/internal/ratelimit"
)

// MaxFrameBytes bounds an inbound data frame.
const MaxFrameBytes = 64 << 10

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

// Authenticator resolves the user behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (int64, error)
}

// ConnectLimiter throttles upgrades per client IP.
type ConnectLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server is the WebSocket server built on gobwas/ws and epoll. Non-upgrade
// routes are delegated to an optional HTTP handler so REST and realtime
// share one listener.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	auth         Authenticator
	limiter      ConnectLimiter
	handler      http.Handler
	workerPool   chan struct{} // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(conn *Connection)
	httpServer   *http.Server
	done         chan struct{}
	closed       atomic.Bool
	startedAt    time.Time
	logger       zerolog.Logger
}

// Option customises a Server.
type Option func(*Server)

// WithHandler serves every non-WebSocket route with h.
func WithHandler(h http.Handler) Option { return func(s *Server) { s.handler = h } }

// WithConnectLimiter enables per-IP upgrade throttling.
func WithConnectLimiter(l ConnectLimiter) Option { return func(s *Server) { s.limiter = l } }

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete text frame.
func NewServer(config ServerConfig, auth Authenticator, onMessage func(conn *Connection, data []byte), logger zerolog.Logger, opts ...Option) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		auth:       auth,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the HTTP handler serving /ws, /health and the delegated
// routes.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	if s.handler != nil {
		mux.Handle("/", s.handler)
	}
	return mux
}

// Start listens on config.ListenAddr and blocks until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln and blocks until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.startEventLoop()
	s.startHeartbeat(s.config.Heartbeat)

	s.logger.Info().Str("addr", ln.Addr().String()).Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).Msg("server listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates, rate limits and upgrades the request, then
// registers the connection with the poller.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if s.limiter != nil {
		ok, err := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect)
		if err != nil {
			s.logger.Warn().Err(err).Msg("connect limiter unavailable")
		}
		if !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	userID, err := s.auth.Authenticate(r)
	if err != nil {
		s.logger.Debug().Err(err).Str("ip", ip).Msg("upgrade rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	fd, _ := socketFD(conn)
	c := &Connection{
		ID:           uuid.NewString(),
		UserID:       userID,
		RemoteIP:     ip,
		Conn:         conn,
		Fd:           fd,
		CreatedAt:    time.Now(),
		WriteTimeout: s.config.WriteTimeout,
	}
	c.Touch()

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		s.logger.Error().Err(err).Str("conn", c.ID).Msg("epoll add failed")
		s.conns.Remove(c.ID)
		_ = conn.Close()
		return
	}
	metrics.ConnectionsTotal.Inc()

	frame, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: c.ID,
		UserID:    userID,
	})
	if err == nil {
		err = c.WriteMessage(frame)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("conn", c.ID).Msg("send session_created failed")
	}

	s.logger.Info().Str("conn", c.ID).Int64("user_id", userID).Int("fd", c.Fd).
		Int("total", s.conns.Count()).Msg("connection opened")
}

// handleHealth reports liveness, connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop and hands each ready connection
// to a worker, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if !errors.Is(err, syscall.EINTR) {
				s.logger.Error().Err(err).Msg("epoll wait error")
			}
			continue
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames keep
// the connection alive; read errors and close frames remove it.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	removed := false
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		if !removed {
			s.epoll.Rearm(netConn)
		}
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means the dispatch was stale; the heartbeat deals with
		// dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		removed = true
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			removed = true
			s.RemoveConnection(c)
		case ws.OpPing:
			// Control payloads are at most 125 bytes.
			payload, _ := io.ReadAll(reader)
			if err := c.writePong(payload); err != nil {
				removed = true
				s.RemoveConnection(c)
			}
		default:
			_, _ = io.Copy(io.Discard, reader)
		}
		return
	}

	if header.Length > MaxFrameBytes {
		s.logger.Warn().Str("conn", c.ID).Int64("length", header.Length).Msg("frame too large")
		removed = true
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			removed = true
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// SetOnDisconnect registers a callback invoked once per removed connection,
// whatever the cause: read error, close frame, heartbeat timeout or
// shutdown.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// RemoveConnection unregisters c from the poller and the connection manager
// and closes it. Racing callers are safe; only the first one runs the
// disconnect callback.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	s.logger.Info().Str("conn", c.ID).Int64("user_id", c.UserID).
		Int("total", s.conns.Count()).Msg("connection closed")
}

// Connections exposes the connection manager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting requests, removes every open connection through
// RemoveConnection so disconnect callbacks run, and closes the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info().Msg("shutting down server")

	close(s.done)

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("http shutdown error")
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	s.logger.Info().Msg("server stopped, all connections closed")
	return err
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
