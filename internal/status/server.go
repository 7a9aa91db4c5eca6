package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/auto-claude/auto-claude/internal/control"
	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
)

const (
	wsWriteWait  = 5 * time.Second
	wsSendBuffer = 16
)

// SnapshotSource hands out the latest published snapshot.
type SnapshotSource interface {
	Snapshot() *core.DaemonSnapshot
}

// wsEnvelope is the wire format of server-to-client messages. "snapshot"
// carries the full state on connect; "status_update" is a hint to re-read
// the status file.
type wsEnvelope struct {
	Kind string               `json:"kind"`
	TS   time.Time            `json:"ts"`
	Data *core.DaemonSnapshot `json:"data,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server is the loopback HTTP/WebSocket face of the status bridge. It
// serves the current snapshot, prometheus metrics, and a control route,
// and pushes a status_update to every WebSocket client after each file
// write.
type Server struct {
	source  SnapshotSource
	bus     *control.Bus
	metrics *Metrics
	logger  *logging.Logger

	portBase     int
	portAttempts int

	router   chi.Router
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	srv  *http.Server
	port int
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithBus wires the control command bus behind POST /control.
func WithBus(bus *control.Bus) ServerOption {
	return func(s *Server) { s.bus = bus }
}

// WithMetrics sets the collectors served on /metrics.
func WithMetrics(m *Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) { s.logger = logger.WithComponent("status") }
}

// WithPortRange overrides the ports Start scans.
func WithPortRange(base, attempts int) ServerOption {
	return func(s *Server) {
		s.portBase = base
		s.portAttempts = attempts
	}
}

// NewServer creates a status server. Start binds it.
func NewServer(source SnapshotSource, opts ...ServerOption) *Server {
	s := &Server{
		source:       source,
		metrics:      NewMetrics(),
		logger:       logging.NewNop(),
		portBase:     core.WSPortBase,
		portAttempts: core.WSPortAttempts,
		clients:      make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Loopback listener; desktop clients connect from file:// and
			// app:// origins that a host check would reject.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the bound port, zero before Start.
func (s *Server) Port() int { return s.port }

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Start binds the first free loopback port in the configured range and
// serves on it. The bound port is returned for publication in the status
// file.
func (s *Server) Start() (int, error) {
	var lastErr error
	for i := 0; i < s.portAttempts; i++ {
		port := s.portBase + i
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			lastErr = err
			continue
		}

		s.port = port
		s.srv = &http.Server{
			Handler:           s.router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Warn("status server stopped", "error", err)
			}
		}()

		s.logger.Info("status server listening", "addr", fmt.Sprintf("ws://127.0.0.1:%d/ws", port))
		return port, nil
	}
	return 0, fmt.Errorf("no free port in [%d,%d]: %w",
		s.portBase, s.portBase+s.portAttempts-1, lastErr)
}

// Shutdown disconnects all clients and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()

	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Broadcast pushes a status_update hint to every client. A client whose
// send buffer is full is dropped; the file remains the source of truth,
// so a reconnecting client loses nothing.
func (s *Server) Broadcast(snap *core.DaemonSnapshot) {
	msg, err := json.Marshal(wsEnvelope{Kind: "status_update", TS: snap.Timestamp})
	if err != nil {
		return
	}

	s.mu.Lock()
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			delete(s.clients, c)
			close(c.send)
		}
	}
	s.mu.Unlock()
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/ws", s.handleWS)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	r.Post("/control", s.handleControl)

	return r
}

// loggingMiddleware logs HTTP requests. Debug level: the UI polls these
// routes every few seconds.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError sends a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus returns the latest snapshot as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.source.Snapshot()
	if snap == nil {
		respondError(w, http.StatusServiceUnavailable, "no snapshot published yet")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// handleWS upgrades the connection and streams push hints. The first
// message is always the full current snapshot.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, wsSendBuffer)}

	initial, err := json.Marshal(wsEnvelope{
		Kind: "snapshot",
		TS:   time.Now().UTC(),
		Data: s.source.Snapshot(),
	})
	if err != nil {
		conn.Close()
		return
	}
	c.send <- initial

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("websocket client connected", "remote", r.RemoteAddr)

	go s.writePump(c)
	s.readPump(c, r.RemoteAddr)
}

// readPump discards inbound messages until the peer goes away. Commands
// arrive over POST /control, not the socket.
func (s *Server) readPump(c *client, remote string) {
	defer s.removeClient(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			s.logger.Debug("websocket client disconnected", "remote", remote)
			return
		}
	}
}

// writePump serializes writes to one client. The periodic republish keeps
// traffic flowing, so a dead peer fails its next write and gets dropped;
// no ping machinery is needed.
func (s *Server) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.removeClient(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(wsWriteWait))
}

// removeClient unregisters a client exactly once; the send channel is only
// ever closed while the client is still in the map.
func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
	c.conn.Close()
}

// controlRequest is the body of POST /control.
type controlRequest struct {
	Command string `json:"command"`
	SpecID  string `json:"specId,omitempty"`
}

// handleControl dispatches a daemon command. Only loopback callers are
// accepted; the route exists so `auto-claude stop` works even when the pid
// file is stale and signals have nowhere to go.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		respondError(w, http.StatusForbidden, "control is loopback-only")
		return
	}
	if s.bus == nil {
		respondError(w, http.StatusServiceUnavailable, "control bus unavailable")
		return
	}

	var req controlRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	kind, err := control.ParseKind(req.Command)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	cmd, err := s.bus.Dispatch(kind, core.SpecID(req.SpecID))
	if err != nil {
		var derr *core.DomainError
		if errors.As(err, &derr) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	s.logger.Info("control command accepted", "kind", cmd.Kind, "spec", cmd.SpecID, "id", cmd.ID)
	respondJSON(w, http.StatusAccepted, cmd)
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
