// Package server wires the relay behind an HTTP server: the readiness page,
// static assets, health and room listings, and the WebSocket endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/christopherjohns/collabrelay/internal/config"
	"github.com/christopherjohns/collabrelay/internal/logging"
	"github.com/christopherjohns/collabrelay/internal/message"
	"github.com/christopherjohns/collabrelay/internal/ratelimit"
	"github.com/christopherjohns/collabrelay/internal/relay"
	"github.com/christopherjohns/collabrelay/internal/room"
	"github.com/christopherjohns/collabrelay/internal/ws"
	"github.com/rs/zerolog"
)

// readyText is served at the root path.
const readyText = "Excalidraw collaboration server is up :)"

// Server is the main HTTP server for the relay.
type Server struct {
	cfg     *config.Config
	logger  zerolog.Logger
	mux     *http.ServeMux
	http    *http.Server
	rooms   *room.Manager
	hub     *ws.Hub
	relay   *relay.Service
	limiter *ratelimit.IPLimiter
	bus     message.Bus
}

// Option configures a Server.
type Option func(*Server)

// WithBus shares broadcasts with other relay instances over bus.
func WithBus(bus message.Bus) Option {
	return func(s *Server) {
		s.bus = bus
	}
}

// New creates a new Server from cfg.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logging.Component(logger, "server"),
		mux:    http.NewServeMux(),
		rooms:  room.NewManager(),
		limiter: ratelimit.NewIPLimiter(
			cfg.Socket.ConnectRateLimit,
			cfg.Socket.ConnectRateWindow,
		),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hub = ws.NewHub(logger, s.rooms.Touch,
		ws.WithMaxConns(cfg.Socket.MaxConns),
		ws.WithIdleTimeout(cfg.Socket.IdleTimeout),
	)

	relayOpts := []relay.Option{relay.WithLogger(logging.Component(logger, "relay"))}
	if s.bus != nil {
		relayOpts = append(relayOpts, relay.WithBus(s.bus))
	}
	s.relay = relay.New(s.hub, relayOpts...)

	s.routes()
	s.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return withCORS(s.cfg.CORSOrigin, withRequestLog(s.logger, s.mux))
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down:
// open sockets are closed with going-away, in-flight HTTP requests get up to
// ShutdownTimeout to finish, and the relay stops last.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	relayCtx, stopRelay := context.WithCancel(context.Background())
	relayDone := make(chan error, 1)
	go func() { relayDone <- s.relay.Run(relayCtx) }()
	defer func() {
		stopRelay()
		<-relayDone
	}()

	go s.pruneLimiter(ctx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.http.Serve(ln) }()
	s.logger.Info().Str("addr", ln.Addr().String()).Str("env", s.cfg.Env).Msg("listening")

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.hub.ConnMgr().Shutdown()
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down")
	// Hijacked WebSocket connections are not tracked by http.Server.
	s.hub.ConnMgr().Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	<-serveErr
	return nil
}

func (s *Server) pruneLimiter(ctx context.Context) {
	if !s.limiter.Enabled() {
		return
	}
	ticker := time.NewTicker(s.cfg.Socket.ConnectRateWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Prune()
		}
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleReady)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/rooms", s.handleListRooms)
	s.mux.HandleFunc("GET /api/rooms/{id}", s.handleGetRoom)
	s.mux.Handle("GET /socket", ws.NewHandler(s.hub, s.relay,
		ws.WithRateLimiter(s.limiter),
		ws.WithAllowedOrigin(s.cfg.CORSOrigin),
		ws.WithReadLimit(s.cfg.Socket.MaxMessageBytes),
	))
	s.mux.Handle("GET /", http.FileServer(http.Dir(s.cfg.StaticDir)))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, readyText)
}

type healthResponse struct {
	Status      string       `json:"status"`
	Instance    string       `json:"instance"`
	Connections ws.ConnStats `json:"connections"`
	Rooms       int          `json:"rooms"`
	Relay       *relay.Stats `json:"relay,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Instance:    s.relay.InstanceID(),
		Connections: s.hub.ConnMgr().Stats(),
		Rooms:       s.rooms.Count(),
	}
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if st, err := s.relay.Stats(ctx); err == nil {
		resp.Relay = &st
	} else {
		s.logger.Warn().Err(err).Msg("relay stats unavailable")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rooms.List())
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	rm := s.rooms.Get(r.PathValue("id"))
	if rm == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "room not found"})
		return
	}
	writeJSON(w, http.StatusOK, rm)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
