// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lifecycle

import "github.com/ManuGH/plantsim/internal/domain/session/model"

// EventKind enumerates the triggers that can move a session between
// lifecycle states.
type EventKind string

const (
	EvStart     EventKind = "start"
	EvPause     EventKind = "pause"
	EvResume    EventKind = "resume"
	EvStop      EventKind = "stop"
	EvExpire    EventKind = "expire"
	EvCrash     EventKind = "crash"
	EvInterrupt EventKind = "interrupt"
	EvRecover   EventKind = "recover"
	EvDiscard   EventKind = "discard"
	// EvStaleTimeout garbage-collects interrupted sessions older than the
	// configured stale age on the next startup.
	EvStaleTimeout EventKind = "stale_timeout"
)

// Event is a lifecycle trigger with an optional overriding reason.
type Event struct {
	Kind   EventKind
	Reason model.ReasonCode
}
