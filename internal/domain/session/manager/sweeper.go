// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"time"

	"github.com/ManuGH/plantsim/internal/domain/session/lifecycle"
	"github.com/ManuGH/plantsim/internal/log"
	"github.com/ManuGH/plantsim/internal/metrics"
)

// startSweeper arms the periodic expiration scan.
func (m *Manager) startSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	m.sweepCancel = cancel
	m.sweepDone = make(chan struct{})
	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SweepOnce(ctx, time.Now().UTC())
			}
		}
	}()
}

// SweepOnce expires every active session whose window has closed and
// returns how many it moved. Exported so tests and operators can force
// a deterministic scan.
func (m *Manager) SweepOnce(ctx context.Context, now time.Time) int {
	overdue, err := m.store.ListExpired(ctx, now)
	if err != nil {
		m.logger.Warn().Err(err).Msg("expiration scan failed")
		return 0
	}
	n := 0
	for _, rec := range overdue {
		if m.expireSession(ctx, rec.ID, now) {
			n++
		}
	}
	return n
}

// expireSession re-reads the row under the session lock: the client may
// have stopped the session between the scan and this call.
func (m *Manager) expireSession(ctx context.Context, id string, now time.Time) bool {
	unlock := m.lockSession(id)
	defer unlock()

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return false
	}
	if rec.ExpiresAt == nil || rec.ExpiresAt.After(now) {
		return false
	}
	if _, ok := lifecycle.TransitionFor(rec.Status, lifecycle.EvExpire); !ok {
		return false
	}

	if err := m.pool.Terminate(ctx, id); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldSessionID, id).Msg("worker termination incomplete")
	}
	from := rec.Status
	if _, err := lifecycle.Dispatch(rec, lifecycle.Event{Kind: lifecycle.EvExpire}, now); err != nil {
		return false
	}
	if err := m.store.Save(ctx, rec); err != nil {
		m.logger.Error().Err(err).Str(log.FieldSessionID, id).Msg("could not persist expiration")
		return false
	}
	metrics.RecordTransition(string(from), string(rec.Status))
	metrics.SweepExpiredTotal.Inc()
	m.logger.Info().
		Str(log.FieldSessionID, id).
		Time("expired_at", *rec.ExpiresAt).
		Msg("session expired")
	return true
}
