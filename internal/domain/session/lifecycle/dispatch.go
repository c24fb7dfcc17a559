// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lifecycle

import (
	"time"

	"github.com/ManuGH/plantsim/internal/domain/session/model"
)

// Dispatch resolves and applies the next transition from the table.
// It is the only entry point that mutates a record's status, and it owns
// the timestamp side effects tied to each edge.
func Dispatch(rec *model.SessionRecord, ev Event, now time.Time) (Transition, error) {
	tr, ok := TransitionFor(rec.Status, ev.Kind)
	if !ok {
		return Transition{}, NewReasonError(model.RInvalidState,
			"illegal transition "+string(rec.Status)+" -> "+string(ev.Kind), nil)
	}
	if ev.Reason != "" {
		tr.Reason = ev.Reason
	}
	applyTransition(rec, tr, now)
	return tr, nil
}

func applyTransition(rec *model.SessionRecord, tr Transition, now time.Time) {
	rec.Status = tr.To

	switch tr.Event {
	case EvStart:
		// started_at and expires_at are set on the first start only and
		// are immutable afterwards (restarts keep the original window).
		if rec.StartedAt == nil {
			started := now
			rec.StartedAt = &started
			expires := started.Add(time.Duration(rec.DurationDays) * 24 * time.Hour)
			rec.ExpiresAt = &expires
		}
		rec.StoppedAt = nil
	case EvStop, EvExpire, EvCrash:
		stopped := now
		rec.StoppedAt = &stopped
	case EvInterrupt:
		interrupted := now
		rec.InterruptedAt = &interrupted
	case EvRecover:
		rec.InterruptedAt = nil
		rec.StoppedAt = nil
	case EvDiscard, EvStaleTimeout:
		stopped := now
		rec.StoppedAt = &stopped
		rec.InterruptedAt = nil
	}
}
