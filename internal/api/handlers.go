// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/plantsim/internal/domain/session/lifecycle"
	"github.com/ManuGH/plantsim/internal/domain/session/manager"
	"github.com/ManuGH/plantsim/internal/domain/session/model"
	"github.com/ManuGH/plantsim/internal/log"
)

const headerUserID = "X-User-ID"

type ctxKey int

const userIDKey ctxKey = 0

// envelope is the uniform response shape.
type envelope struct {
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Session   *model.SessionRecord   `json:"session,omitempty"`
	Sessions  []*model.SessionRecord `json:"sessions,omitempty"`
	Data      any                    `json:"data,omitempty"`
	Truncated *bool                  `json:"truncated,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: msg})
}

// writeDomainError maps the public error classes onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrNotRecoverable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrCapExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		logger := log.WithContext(r.Context(), s.logger)
		logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// requireIdentity rejects requests without a caller identity. The header
// is trusted; authenticating it is the ingress proxy's job.
func (s *Server) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(headerUserID)
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "missing "+headerUserID+" header")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

type createBody struct {
	Name           string          `json:"name"`
	ConfigID       string          `json:"configId"`
	ConfigSnapshot json.RawMessage `json:"configSnapshot"`
	DurationDays   int             `json:"durationDays"`
	SpeedFactor    int             `json:"speedFactor"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, err := s.manager.Create(r.Context(), userFrom(r), manager.CreateRequest{
		Name:           body.Name,
		ConfigID:       body.ConfigID,
		ConfigSnapshot: string(body.ConfigSnapshot),
		DurationDays:   body.DurationDays,
		SpeedFactor:    body.SpeedFactor,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Session: rec})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.manager.List(r.Context(), userFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*model.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Sessions: recs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.manager.Get(r.Context(), userFrom(r), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Session: rec})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), userFrom(r), chi.URLParam(r, "sessionID")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

// transition adapts a manager lifecycle call into a handler.
func (s *Server) transition(op func(ctx context.Context, userID, id string) (*model.SessionRecord, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := op(r.Context(), userFrom(r), chi.URLParam(r, "sessionID"))
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, envelope{Success: true, Session: rec})
	}
}

func (s *Server) handleRecoverySummary(w http.ResponseWriter, _ *http.Request) {
	summary, ok := s.manager.RecoverySummary()
	if !ok {
		writeError(w, http.StatusNotFound, "no recovery run recorded")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: summary})
}

const defaultEventLimit = 1000

// eventList handles a session-scoped event read. The session is looked up
// through the manager first so ownership applies to event data too.
func (s *Server) eventList(list func(ctx context.Context, sessionID string, limit int) (any, bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		if _, err := s.manager.Get(r.Context(), userFrom(r), sessionID); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		limit := defaultEventLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		data, truncated, err := list(r.Context(), sessionID, limit)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: data, Truncated: &truncated})
	}
}

func (s *Server) listCars(ctx context.Context, sessionID string, limit int) (any, bool, error) {
	rows, truncated, err := s.events.ListCarEvents(ctx, sessionID, limit)
	return rows, truncated, err
}

func (s *Server) listStops(ctx context.Context, sessionID string, limit int) (any, bool, error) {
	rows, truncated, err := s.events.ListStopEvents(ctx, sessionID, limit)
	return rows, truncated, err
}

func (s *Server) listBuffers(ctx context.Context, sessionID string, limit int) (any, bool, error) {
	rows, truncated, err := s.events.ListBufferStates(ctx, sessionID, limit)
	return rows, truncated, err
}

func (s *Server) listSnapshots(ctx context.Context, sessionID string, limit int) (any, bool, error) {
	rows, truncated, err := s.events.ListPlantSnapshots(ctx, sessionID, limit)
	return rows, truncated, err
}
