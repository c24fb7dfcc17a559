// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package api exposes the session control plane and event read paths
// over HTTP. Identity is taken from the X-User-ID header; every session
// route is scoped to that owner.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/plantsim/internal/domain/session/manager"
	"github.com/ManuGH/plantsim/internal/domain/session/model"
	"github.com/ManuGH/plantsim/internal/domain/session/recovery"
	"github.com/ManuGH/plantsim/internal/log"
)

// SessionManager is the control-plane surface the API needs.
type SessionManager interface {
	Create(ctx context.Context, userID string, req manager.CreateRequest) (*model.SessionRecord, error)
	Get(ctx context.Context, userID, id string) (*model.SessionRecord, error)
	List(ctx context.Context, userID string) ([]*model.SessionRecord, error)
	Start(ctx context.Context, userID, id string) (*model.SessionRecord, error)
	Pause(ctx context.Context, userID, id string) (*model.SessionRecord, error)
	Resume(ctx context.Context, userID, id string) (*model.SessionRecord, error)
	Stop(ctx context.Context, userID, id string) (*model.SessionRecord, error)
	Recover(ctx context.Context, userID, id string) (*model.SessionRecord, error)
	Discard(ctx context.Context, userID, id string) (*model.SessionRecord, error)
	Delete(ctx context.Context, userID, id string) error
	RecoverySummary() (*recovery.Summary, bool)
}

// EventReader is the read-only event surface the API needs.
type EventReader interface {
	ListCarEvents(ctx context.Context, sessionID string, limit int) ([]model.CarEvent, bool, error)
	ListStopEvents(ctx context.Context, sessionID string, limit int) ([]model.StopEvent, bool, error)
	ListBufferStates(ctx context.Context, sessionID string, limit int) ([]model.BufferState, bool, error)
	ListPlantSnapshots(ctx context.Context, sessionID string, limit int) ([]model.PlantSnapshot, bool, error)
}

// Config tunes the HTTP surface.
type Config struct {
	// RateLimitPerMinute caps control-plane writes per client IP.
	// Zero disables rate limiting.
	RateLimitPerMinute int
}

// Server holds the handler dependencies.
type Server struct {
	manager SessionManager
	events  EventReader
	cfg     Config
	logger  zerolog.Logger
}

// NewServer wires the HTTP layer.
func NewServer(mgr SessionManager, events EventReader, cfg Config) *Server {
	return &Server{
		manager: mgr,
		events:  events,
		cfg:     cfg,
		logger:  log.WithComponent("api"),
	}
}

// Router builds the chi route tree.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireIdentity)

		r.Get("/recovery/summary", s.handleRecoverySummary)

		r.Route("/sessions", func(r chi.Router) {
			if s.cfg.RateLimitPerMinute > 0 {
				r.Use(httprate.Limit(
					s.cfg.RateLimitPerMinute,
					time.Minute,
					httprate.WithKeyFuncs(httprate.KeyByIP),
					httprate.WithLimitHandler(s.handleRateLimited),
				))
			}

			r.Post("/", s.handleCreate)
			r.Get("/", s.handleList)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Delete("/", s.handleDelete)
				r.Post("/start", s.transition(s.manager.Start))
				r.Post("/pause", s.transition(s.manager.Pause))
				r.Post("/resume", s.transition(s.manager.Resume))
				r.Post("/stop", s.transition(s.manager.Stop))
				r.Post("/recover", s.transition(s.manager.Recover))
				r.Post("/discard", s.transition(s.manager.Discard))

				r.Route("/events", func(r chi.Router) {
					r.Get("/cars", s.eventList(s.listCars))
					r.Get("/stops", s.eventList(s.listStops))
					r.Get("/buffers", s.eventList(s.listBuffers))
					r.Get("/snapshots", s.eventList(s.listSnapshots))
				})
			})
		})
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRateLimited(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}

// requestLogger stamps correlation fields into the request context and
// emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := log.ContextWithRequestID(r.Context(), chimw.GetReqID(r.Context()))
		if cid := r.Header.Get("X-Correlation-ID"); cid != "" {
			ctx = log.ContextWithCorrelationID(ctx, cid)
		}
		r = r.WithContext(ctx)

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger := log.WithContext(ctx, s.logger)
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
