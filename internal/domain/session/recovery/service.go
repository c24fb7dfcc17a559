// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package recovery implements startup reconciliation after a daemon
// restart and the assembly of world-state payloads for interrupted
// sessions.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/renameio/v2"

	"github.com/ManuGH/plantsim/internal/domain/session/lifecycle"
	"github.com/ManuGH/plantsim/internal/domain/session/model"
	"github.com/ManuGH/plantsim/internal/log"
	"github.com/ManuGH/plantsim/internal/metrics"
)

// DefaultStaleAfter is how long an interrupted session stays eligible
// for recovery before reconciliation garbage-collects it to stopped.
const DefaultStaleAfter = 24 * time.Hour

// sessionStore is the slice of the session repository reconciliation needs.
type sessionStore interface {
	MarkInterrupted(ctx context.Context, now time.Time) ([]*model.SessionRecord, error)
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
	MarkStaleInterruptedStopped(ctx context.Context, cutoff time.Time) (int64, error)
}

// eventStore is the slice of the event repository payload assembly needs.
type eventStore interface {
	LatestPlantSnapshot(ctx context.Context, sessionID string) (*model.PlantSnapshot, error)
	LatestBufferStates(ctx context.Context, sessionID string) ([]model.BufferState, error)
	CompletedCarIDs(ctx context.Context, sessionID string) ([]string, error)
	ActiveStops(ctx context.Context, sessionID string) ([]model.StopEvent, error)
}

// Summary is the durable record of one startup reconciliation run.
type Summary struct {
	RanAt               time.Time `json:"ranAt"`
	InterruptedCount    int       `json:"interruptedCount"`
	ExpiredCount        int       `json:"expiredCount"`
	StaleCount          int       `json:"staleCount"`
	InterruptedSessions []string  `json:"interruptedSessions"`
}

// Service reconciles session rows at startup and assembles recovery
// payloads on demand.
type Service struct {
	sessions    sessionStore
	events      eventStore
	staleAfter  time.Duration
	summaryPath string

	last *Summary
}

// NewService builds a recovery service. summaryPath may be empty to skip
// persisting the reconciliation summary to disk.
func NewService(sessions sessionStore, events eventStore, staleAfter time.Duration, summaryPath string) *Service {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Service{
		sessions:    sessions,
		events:      events,
		staleAfter:  staleAfter,
		summaryPath: summaryPath,
	}
}

// ReconcileStartup runs the three reconciliation steps in order:
// active rows become interrupted, overdue rows become expired, and
// interrupted rows older than the stale cutoff become stopped. It must
// complete before the first admission decision is taken.
func (s *Service) ReconcileStartup(ctx context.Context, now time.Time) (*Summary, error) {
	logger := log.WithComponent("recovery")

	interrupted, err := s.sessions.MarkInterrupted(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("mark interrupted: %w", err)
	}
	expired, err := s.sessions.MarkExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("mark expired: %w", err)
	}
	stale, err := s.sessions.MarkStaleInterruptedStopped(ctx, now.Add(-s.staleAfter))
	if err != nil {
		return nil, fmt.Errorf("mark stale: %w", err)
	}

	summary := &Summary{
		RanAt:            now,
		InterruptedCount: len(interrupted),
		ExpiredCount:     int(expired),
		StaleCount:       int(stale),
	}
	for _, rec := range interrupted {
		summary.InterruptedSessions = append(summary.InterruptedSessions, rec.ID)
	}
	metrics.RecoveryOutcomeTotal.WithLabelValues("interrupted").Add(float64(len(interrupted)))
	metrics.RecoveryOutcomeTotal.WithLabelValues("expired").Add(float64(expired))
	metrics.RecoveryOutcomeTotal.WithLabelValues("stale").Add(float64(stale))

	s.last = summary
	s.persistSummary(summary)

	logger.Info().
		Int("interrupted", summary.InterruptedCount).
		Int("expired", summary.ExpiredCount).
		Int("stale", summary.StaleCount).
		Msg("startup reconciliation complete")
	return summary, nil
}

// LastSummary returns the most recent reconciliation result. When none
// ran in this process, it falls back to the persisted summary file.
func (s *Service) LastSummary() (*Summary, bool) {
	if s.last != nil {
		return s.last, true
	}
	if s.summaryPath == "" {
		return nil, false
	}
	raw, err := os.ReadFile(s.summaryPath)
	if err != nil {
		return nil, false
	}
	var summary Summary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil, false
	}
	return &summary, true
}

// persistSummary writes the summary atomically. Failures are logged and
// ignored: the summary is operator convenience, not correctness.
func (s *Service) persistSummary(summary *Summary) {
	if s.summaryPath == "" {
		return
	}
	raw, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return
	}
	if err := renameio.WriteFile(s.summaryPath, raw, 0o644); err != nil {
		logger := log.WithComponent("recovery")
		logger.Warn().Err(err).
			Str("path", s.summaryPath).
			Msg("could not persist recovery summary")
	}
}

// AssemblePayload reconstructs the world state of an interrupted session
// from persisted events. Sub-components with no data are left nil or
// empty; only the session row itself gates recoverability.
func (s *Service) AssemblePayload(ctx context.Context, rec *model.SessionRecord) (*model.RecoveryPayload, error) {
	if !rec.Recoverable() {
		return nil, lifecycle.NewReasonError(model.RNotRecoverable,
			fmt.Sprintf("session %s is %s without a usable checkpoint", rec.ID, rec.Status), nil)
	}

	payload := &model.RecoveryPayload{
		SimulatedTimestamp: *rec.SimulatedTimestamp,
		CurrentTick:        rec.CurrentTick,
	}

	snapshot, err := s.events.LatestPlantSnapshot(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	payload.PlantSnapshot = snapshot

	buffers, err := s.events.LatestBufferStates(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("load buffer states: %w", err)
	}
	payload.BufferStates = buffers

	completed, err := s.events.CompletedCarIDs(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("load completed cars: %w", err)
	}
	payload.CompletedCarIDs = completed

	stops, err := s.events.ActiveStops(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("load active stops: %w", err)
	}
	payload.ActiveStops = stops

	return payload, nil
}
