// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import "encoding/json"

// Car event types emitted by the simulation engine.
type CarEventType string

const (
	CarCreated   CarEventType = "CREATED"
	CarMoved     CarEventType = "MOVED"
	CarCompleted CarEventType = "COMPLETED"
	CarBufferIn  CarEventType = "BUFFER_IN"
	CarBufferOut CarEventType = "BUFFER_OUT"
	CarReworkIn  CarEventType = "REWORK_IN"
	CarReworkOut CarEventType = "REWORK_OUT"
)

// Stop event status values.
const (
	StopInProgress = "IN_PROGRESS"
	StopCompleted  = "COMPLETED"
)

// CarEvent is one row in the car_events table. Timestamp is simulated
// epoch milliseconds; ID is assigned by the store on insert.
type CarEvent struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId"`
	CarID     string          `json:"carId"`
	EventType CarEventType    `json:"eventType"`
	Location  string          `json:"location,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// StopEvent is one row in the stop_events table. Rows are append-only
// except that EndTime/DurationMS/Status are updated when a stop ends.
type StopEvent struct {
	ID         int64  `json:"id"`
	SessionID  string `json:"sessionId"`
	StopID     string `json:"stopId"`
	Location   string `json:"location"`
	Reason     string `json:"reason,omitempty"`
	Type       string `json:"type,omitempty"`
	Category   string `json:"category,omitempty"`
	Severity   string `json:"severity,omitempty"`
	StartTime  int64  `json:"startTime"`
	EndTime    *int64 `json:"endTime,omitempty"`
	DurationMS *int64 `json:"durationMs,omitempty"`
	Status     string `json:"status"`
}

// BufferState is one row in the buffer_states table. CarIDs is stored
// as a JSON array column.
type BufferState struct {
	ID        int64    `json:"id"`
	SessionID string   `json:"sessionId"`
	BufferID  string   `json:"bufferId"`
	Capacity  int      `json:"capacity"`
	Count     int      `json:"currentCount"`
	CarIDs    []string `json:"carIds"`
	Status    string   `json:"status,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// PlantSnapshot is one row in the plant_snapshots table. SnapshotData is
// an opaque blob owned by the engine.
type PlantSnapshot struct {
	ID             int64           `json:"id"`
	SessionID      string          `json:"sessionId"`
	Timestamp      int64           `json:"timestamp"`
	TotalCars      int             `json:"totalCars"`
	CompletedCars  int             `json:"completedCars"`
	ActiveStops    int             `json:"activeStops"`
	SnapshotData   json.RawMessage `json:"snapshotData,omitempty"`
}

// OEESample is one row in the oee table (periodic aggregate).
type OEESample struct {
	ID           int64   `json:"id"`
	SessionID    string  `json:"sessionId"`
	Date         string  `json:"date"`
	Location     string  `json:"location"`
	Availability float64 `json:"availability"`
	Performance  float64 `json:"performance"`
	Quality      float64 `json:"quality"`
	OEE          float64 `json:"oee"`
}

// MTTRMTBFSample is one row in the mttr_mtbf table (periodic aggregate).
type MTTRMTBFSample struct {
	ID        int64   `json:"id"`
	SessionID string  `json:"sessionId"`
	Date      string  `json:"date"`
	Location  string  `json:"location"`
	MTTRMS    float64 `json:"mttrMs"`
	MTBFMS    float64 `json:"mtbfMs"`
	StopCount int     `json:"stopCount"`
}

// ClockCheckpoint is the periodic simulated-time cursor emitted by the
// engine and persisted onto the session row.
type ClockCheckpoint struct {
	SimulatedTimestamp int64 `json:"simulatedTimestamp"`
	Tick               int64 `json:"tick"`
}

// RecoveryPayload is the reconstructed world state handed to a fresh
// worker on RECOVER. Missing sub-components are nil/empty, not errors.
type RecoveryPayload struct {
	SimulatedTimestamp int64          `json:"simulatedTimestamp"`
	CurrentTick        int64          `json:"currentTick"`
	PlantSnapshot      *PlantSnapshot `json:"plantSnapshot,omitempty"`
	BufferStates       []BufferState  `json:"bufferStates,omitempty"`
	CompletedCarIDs    []string       `json:"completedCarIds,omitempty"`
	ActiveStops        []StopEvent    `json:"activeStops,omitempty"`
}
