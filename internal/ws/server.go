// Package ws is the gateway's WebSocket front end: an epoll-driven server
// built on gobwas/ws that upgrades player connections, reads frames on a
// bounded worker pool and reports connection lifecycle through hooks.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/party-app/internal/log"
)

// epollWaitTimeout bounds each wait so the event loop notices shutdown.
const epollWaitTimeout = 200 * time.Millisecond

// ErrUnknownConnection is returned when sending to a session with no live connection.
var ErrUnknownConnection = errors.New("ws: connection not found")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string
	WorkerPoolSize int           // max concurrent read workers
	MaxConnections int           // hard cap on live connections
	ReadTimeout    time.Duration // per-frame read deadline
	WriteTimeout   time.Duration // per-frame write deadline
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns production defaults.
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

// Hooks connect the server to the application. All are optional.
type Hooks struct {
	// Admit runs before the upgrade; returning false rejects the request
	// with 429.
	Admit func(r *http.Request) bool

	// OnConnect runs after the connection is registered.
	OnConnect func(c *Connection)

	// OnMessage runs on a worker goroutine for every complete text frame.
	OnMessage func(c *Connection, data []byte)

	// OnDisconnect runs exactly once per connection after it is unregistered.
	OnDisconnect func(c *Connection)
}

// Server upgrades HTTP requests on /ws, registers sockets with epoll and
// dispatches readable sockets to a bounded pool of read workers.
type Server struct {
	config     ServerConfig
	hooks      Hooks
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{}
	mux        *http.ServeMux
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
	logger     zerolog.Logger
}

// NewServer creates a server; call ListenAndServe or Serve to start it.
func NewServer(config ServerConfig, hooks Hooks) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.Heartbeat == (HeartbeatConfig{}) {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	s := &Server{
		config:     config,
		hooks:      hooks,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
		logger:     log.WithComponent("ws"),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Handle registers an extra HTTP handler next to /ws and /health.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// ListenAndServe listens on config.ListenAddr and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
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
	s.httpServer = &http.Server{Handler: s.mux, ReadHeaderTimeout: 5 * time.Second}

	go s.eventLoop()
	go s.heartbeat()

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.hooks.Admit != nil && !s.hooks.Admit(r) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	conn = s.epoll.Wrap(conn)
	c := newConnection(uuid.NewString(), conn, r.RemoteAddr, time.Now())
	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		s.logger.Error().Err(err).Str("session_id", c.ID).Msg("epoll add failed")
		s.conns.Remove(c.ID)
		_ = conn.Close()
		return
	}

	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect(c)
	}
	s.logger.Debug().
		Str("session_id", c.ID).
		Int("fd", c.Fd).
		Int("total", s.conns.Count()).
		Msg("connection opened")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// eventLoop waits for readable sockets and hands each to a read worker.
func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.epoll.Wait(epollWaitTimeout)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error().Err(err).Msg("epoll wait")
			continue
		}

		for _, conn := range ready {
			s.workerPool <- struct{}{}
			go func(conn net.Conn) {
				defer func() { <-s.workerPool }()
				s.readFrame(conn)
			}(conn)
		}
	}
}

// readFrame reads one frame from a readable socket. Control frames are
// consumed here; text frames go to OnMessage.
func (s *Server) readFrame(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}
	// Level-triggered epoll may report the same socket again while a
	// worker is still reading it.
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		c.processing.Store(false)
		s.epoll.Rearm(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}
	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch(time.Now())

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if _, err := io.ReadFull(reader, data); err != nil {
		s.RemoveConnection(c)
		return
	}
	if len(data) > 0 && s.hooks.OnMessage != nil {
		s.hooks.OnMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c, then runs OnDisconnect. Safe to
// call from several goroutines for the same connection.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(c)
	}
	s.logger.Debug().
		Str("session_id", c.ID).
		Int("total", s.conns.Count()).
		Msg("connection closed")
}

// SendMessage writes a text frame to the connection bound to sessionID.
func (s *Server) SendMessage(sessionID string, data []byte) error {
	c := s.conns.Get(sessionID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, sessionID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return c.WriteMessage(data)
}

// Connections exposes the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections and closes every live connection,
// running OnDisconnect for each.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Int("connections", s.conns.Count()).Msg("shutting down")
	close(s.done)

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}
	if s.epoll != nil {
		_ = s.epoll.Close()
	}
	return err
}
