// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package engine defines the simulation runtime contract the worker
// supervises, plus the optional restore capabilities probed during
// session recovery.
package engine

import (
	"context"
	"encoding/json"

	"github.com/ManuGH/plantsim/internal/domain/session/model"
)

// Engine is one per-session simulation runtime. Init must be called
// first; Start begins event emission; Stop is idempotent and closes the
// event channel once the runtime has wound down.
type Engine interface {
	Init(ctx context.Context, cfg Config) error
	Start() error
	Pause() error
	Resume() error
	Stop()
	// Events is the engine's outbox. Emission order is the simulation
	// order and must be preserved by consumers.
	Events() <-chan Event
}

// Factory builds a fresh engine for a session. The worker owns the
// returned engine for its whole lifetime.
type Factory func(sessionID string) Engine

// Optional restore capabilities. Recovery probes each with a type
// assertion; a missing capability is a silent skip, never an error.
type (
	// CompletedCarRestorer reinstates the set of finished unit IDs.
	CompletedCarRestorer interface {
		RestoreCompletedCars(ids []string) error
	}
	// BufferRestorer reinstates buffer occupancy.
	BufferRestorer interface {
		RestoreBuffers(states []model.BufferState) error
	}
	// StopRestorer reinstates stops that were in progress.
	StopRestorer interface {
		RestoreStops(stops []model.StopEvent) error
	}
	// SnapshotRestorer reloads the opaque plant snapshot blob.
	SnapshotRestorer interface {
		RestoreSnapshot(data json.RawMessage) error
	}
	// ClockSetter positions the simulated clock before the first tick.
	ClockSetter interface {
		SetClock(simulatedTimestamp, tick int64) error
	}
)

// Config is the per-session engine configuration, parsed from the
// session's config snapshot.
type Config struct {
	// SpeedFactor is simulated milliseconds per wall millisecond.
	SpeedFactor int `json:"speedFactor"`
	// TickIntervalMS is the wall cadence of the simulation loop.
	TickIntervalMS int `json:"tickIntervalMs"`
	// Stations orders the processing line; buffers sit between stations.
	Stations []string `json:"stations"`
	// BufferCapacity bounds each inter-station buffer.
	BufferCapacity int `json:"bufferCapacity"`
	// SnapshotEveryTicks sets the plant snapshot cadence.
	SnapshotEveryTicks int `json:"snapshotEveryTicks"`
	// StopProbability is the per-tick chance a station breaks down.
	StopProbability float64 `json:"stopProbability"`
	// Seed makes the run reproducible; 0 derives one from the clock.
	Seed int64 `json:"seed"`
}

// DefaultConfig is used when a session has no config snapshot or the
// snapshot fails to parse.
func DefaultConfig() Config {
	return Config{
		SpeedFactor:        60,
		TickIntervalMS:     250,
		Stations:           []string{"body", "paint", "assembly", "inspection"},
		BufferCapacity:     8,
		SnapshotEveryTicks: 20,
		StopProbability:    0.01,
	}
}

// withDefaults fills zero-valued fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SpeedFactor <= 0 {
		c.SpeedFactor = d.SpeedFactor
	}
	if c.TickIntervalMS <= 0 {
		c.TickIntervalMS = d.TickIntervalMS
	}
	if len(c.Stations) == 0 {
		c.Stations = d.Stations
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = d.BufferCapacity
	}
	if c.SnapshotEveryTicks <= 0 {
		c.SnapshotEveryTicks = d.SnapshotEveryTicks
	}
	if c.StopProbability <= 0 {
		c.StopProbability = d.StopProbability
	}
	return c
}

// EventKind discriminates the engine event union.
type EventKind string

const (
	KindCar      EventKind = "car"
	KindStopOpen EventKind = "stop_open"
	KindStopEnd  EventKind = "stop_end"
	KindBuffer   EventKind = "buffer"
	KindSnapshot EventKind = "snapshot"
	KindClock    EventKind = "clock"
	KindOEE      EventKind = "oee"
	KindMTTR     EventKind = "mttr_mtbf"
)

// StopEnd closes a previously opened stop.
type StopEnd struct {
	StopID     string `json:"stopId"`
	EndTime    int64  `json:"endTime"`
	DurationMS int64  `json:"durationMs"`
}

// Event is the engine outbox union. Exactly one payload field is set,
// matching Kind. SessionID stamping is the persistence sidecar's job.
type Event struct {
	Kind     EventKind
	Car      *model.CarEvent
	StopOpen *model.StopEvent
	StopEnd  *StopEnd
	Buffer   *model.BufferState
	Snapshot *model.PlantSnapshot
	Clock    *model.ClockCheckpoint
	OEE      *model.OEESample
	MTTR     *model.MTTRMTBFSample
}
