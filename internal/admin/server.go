// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package admin serves health probes, Prometheus metrics and the room state API.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/piresence/internal/health"
	"github.com/ManuGH/piresence/internal/log"
	"github.com/ManuGH/piresence/internal/presence"
)

// RoomSource provides the current occupancy snapshot.
type RoomSource interface {
	Snapshot(ctx context.Context) ([]presence.RoomSnapshot, error)
}

// Options configures the admin server.
type Options struct {
	Listen          string
	RoomsRateLimit  int // requests per minute per client
	ShutdownTimeout time.Duration
	Health          *health.Manager
	Rooms           RoomSource
	Logger          *zerolog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	opts    Options
	logger  zerolog.Logger
	handler http.Handler
}

// RoomsResponse is the body of GET /api/rooms.
type RoomsResponse struct {
	Rooms []presence.RoomSnapshot `json:"rooms"`
}

// New builds the router. Run starts listening.
func New(opts Options) *Server {
	if opts.RoomsRateLimit <= 0 {
		opts.RoomsRateLimit = 60
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Health == nil {
		opts.Health = health.NewManager("")
	}
	logger := log.WithComponent("admin")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	s := &Server{opts: opts, logger: logger}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)

	r.Get("/healthz", s.opts.Health.ServeHealth)
	r.Get("/readyz", s.opts.Health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/rooms", func(r chi.Router) {
		r.Use(RateLimit(s.opts.RoomsRateLimit, time.Minute))
		r.Get("/", s.handleRooms)
		r.Get("/{room}", s.handleRoom)
	})

	return OTelHTTP("piresence-admin")(r)
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) ([]presence.RoomSnapshot, bool) {
	if s.opts.Rooms == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "engine_unavailable")
		return nil, false
	}
	rooms, err := s.opts.Rooms.Snapshot(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, presence.ErrEngineStopped) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn().Err(err).Str(log.FieldEvent, "admin.snapshot_failed").Msg("room snapshot failed")
		writeJSONError(w, status, "snapshot_failed")
		return nil, false
	}
	return rooms, true
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	rooms, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, RoomsResponse{Rooms: rooms})
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	rooms, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "room")
	for _, room := range rooms {
		if room.Room == id {
			s.writeJSON(w, http.StatusOK, room)
			return
		}
	}
	writeJSONError(w, http.StatusNotFound, "unknown_room")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Str(log.FieldEvent, "admin.encode_error").Msg("failed to encode response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// Run listens on Options.Listen until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	s.logger.Info().
		Str(log.FieldEvent, "admin.listening").
		Str("addr", ln.Addr().String()).
		Msg("admin server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	s.logger.Info().Str(log.FieldEvent, "admin.stopped").Msg("admin server stopped")
	return nil
}
