// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import "time"

// SessionStatus is the durable lifecycle state of a simulation session.
type SessionStatus string

const (
	StatusIdle        SessionStatus = "idle"
	StatusRunning     SessionStatus = "running"
	StatusPaused      SessionStatus = "paused"
	StatusStopped     SessionStatus = "stopped"
	StatusExpired     SessionStatus = "expired"
	StatusInterrupted SessionStatus = "interrupted"
)

// IsActive reports whether the status counts against admission caps.
func (s SessionStatus) IsActive() bool {
	return s == StatusRunning || s == StatusPaused
}

// IsValid reports whether s is one of the six known statuses.
func (s SessionStatus) IsValid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusPaused, StatusStopped, StatusExpired, StatusInterrupted:
		return true
	default:
		return false
	}
}

// ActiveStatuses are the statuses counted by admission control.
var ActiveStatuses = []SessionStatus{StatusRunning, StatusPaused}

// SessionRecord is the durable session row. The Store is authoritative;
// in-memory worker handles are a cache on top of it.
type SessionRecord struct {
	ID             string        `json:"id"`
	UserID         string        `json:"userId"`
	Name           string        `json:"name,omitempty"`
	ConfigID       string        `json:"configId,omitempty"`
	ConfigSnapshot string        `json:"-"`
	DurationDays   int           `json:"durationDays"`
	SpeedFactor    int           `json:"speedFactor"`
	Status         SessionStatus `json:"status"`

	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	StoppedAt     *time.Time `json:"stoppedAt,omitempty"`
	InterruptedAt *time.Time `json:"interruptedAt,omitempty"`

	// Checkpoint cursor written by the worker's clock events.
	SimulatedTimestamp *int64     `json:"simulatedTimestamp,omitempty"`
	CurrentTick        int64      `json:"currentTick"`
	LastSnapshotAt     *time.Time `json:"lastSnapshotAt,omitempty"`
}

// Recoverable reports whether a recovery payload can be assembled for
// the session: it must be interrupted and carry a simulated-time cursor.
func (r *SessionRecord) Recoverable() bool {
	return r.Status == StatusInterrupted && r.SimulatedTimestamp != nil
}

// Clone returns a deep copy. Pointer timestamp fields are duplicated so
// callers can mutate the copy without aliasing the original.
func (r *SessionRecord) Clone() *SessionRecord {
	cp := *r
	cp.StartedAt = cloneTime(r.StartedAt)
	cp.ExpiresAt = cloneTime(r.ExpiresAt)
	cp.StoppedAt = cloneTime(r.StoppedAt)
	cp.InterruptedAt = cloneTime(r.InterruptedAt)
	if r.SimulatedTimestamp != nil {
		v := *r.SimulatedTimestamp
		cp.SimulatedTimestamp = &v
	}
	cp.LastSnapshotAt = cloneTime(r.LastSnapshotAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
