// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lifecycle

import "github.com/ManuGH/plantsim/internal/domain/session/model"

// Transition is a single allowed edge in the session state machine.
type Transition struct {
	From   model.SessionStatus
	To     model.SessionStatus
	Event  EventKind
	Reason model.ReasonCode
}

// transitionsTable is the single source of truth for legal edges.
// Anything not listed here is an illegal transition.
var transitionsTable = []Transition{
	// Start path (fresh start and restart after stop)
	{From: model.StatusIdle, To: model.StatusRunning, Event: EvStart},
	{From: model.StatusStopped, To: model.StatusRunning, Event: EvStart},

	// Pause / resume
	{From: model.StatusRunning, To: model.StatusPaused, Event: EvPause},
	{From: model.StatusPaused, To: model.StatusRunning, Event: EvResume},

	// Client stop
	{From: model.StatusRunning, To: model.StatusStopped, Event: EvStop, Reason: model.RClientStop},
	{From: model.StatusPaused, To: model.StatusStopped, Event: EvStop, Reason: model.RClientStop},

	// Expiration sweeper
	{From: model.StatusRunning, To: model.StatusExpired, Event: EvExpire, Reason: model.RExpired},
	{From: model.StatusPaused, To: model.StatusExpired, Event: EvExpire, Reason: model.RExpired},

	// Worker crash
	{From: model.StatusRunning, To: model.StatusStopped, Event: EvCrash, Reason: model.RWorkerCrashed},
	{From: model.StatusPaused, To: model.StatusStopped, Event: EvCrash, Reason: model.RWorkerCrashed},

	// Startup reconciliation: live sessions found after a restart
	{From: model.StatusRunning, To: model.StatusInterrupted, Event: EvInterrupt},
	{From: model.StatusPaused, To: model.StatusInterrupted, Event: EvInterrupt},

	// Operator decisions on interrupted sessions
	{From: model.StatusInterrupted, To: model.StatusRunning, Event: EvRecover},
	{From: model.StatusInterrupted, To: model.StatusStopped, Event: EvDiscard, Reason: model.RDiscarded},
	{From: model.StatusInterrupted, To: model.StatusStopped, Event: EvStaleTimeout, Reason: model.RDiscarded},
}

// TransitionFor returns the allowed transition for a given status+event.
func TransitionFor(from model.SessionStatus, ev EventKind) (Transition, bool) {
	for _, tr := range transitionsTable {
		if tr.From == from && tr.Event == ev {
			return tr, true
		}
	}
	return Transition{}, false
}

// Transitions returns a copy of the full table, for table-driven tests.
func Transitions() []Transition {
	out := make([]Transition, len(transitionsTable))
	copy(out, transitionsTable)
	return out
}
