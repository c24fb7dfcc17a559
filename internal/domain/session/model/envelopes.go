// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import "time"

// CommandType enumerates the supervisor -> worker command surface.
type CommandType string

const (
	CmdInit    CommandType = "INIT"
	CmdStart   CommandType = "START"
	CmdPause   CommandType = "PAUSE"
	CmdResume  CommandType = "RESUME"
	CmdStop    CommandType = "STOP"
	CmdRecover CommandType = "RECOVER"
)

// Command is the envelope sent from the supervisor to a worker.
// Delivery is best-effort FIFO per worker; the sender never waits for
// the worker to act on it.
type Command struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"sessionId"`
	Payload   any         `json:"payload,omitempty"`
}

// WorkerEventType enumerates the worker -> supervisor event surface.
type WorkerEventType string

const (
	EvtInitComplete  WorkerEventType = "INIT_COMPLETE"
	EvtHeartbeat     WorkerEventType = "HEARTBEAT"
	EvtEvent         WorkerEventType = "EVENT"
	EvtError         WorkerEventType = "ERROR"
	EvtStateChange   WorkerEventType = "STATE_CHANGE"
	EvtWorkerCrashed WorkerEventType = "WORKER_CRASHED"
)

// WorkerEvent is the envelope carried on the process-wide event bus.
type WorkerEvent struct {
	Type          WorkerEventType `json:"type"`
	SessionID     string          `json:"sessionId"`
	Data          any             `json:"data,omitempty"`
	WallTimestamp time.Time       `json:"wallTimestamp"`
}

// Worker run states carried in STATE_CHANGE payloads.
const (
	WorkerStateRunning = "running"
	WorkerStatePaused  = "paused"
	WorkerStateStopped = "stopped"
)

// HeartbeatData is the liveness probe payload attached to HEARTBEAT events.
type HeartbeatData struct {
	UptimeMS   int64  `json:"uptimeMs"`
	HeapBytes  uint64 `json:"heapBytes"`
	Goroutines int    `json:"goroutines"`
}

// CrashData describes a non-graceful worker death.
type CrashData struct {
	ExitCode int    `json:"exitCode"`
	Reason   string `json:"reason,omitempty"`
}

// Crash reasons.
const (
	CrashReasonExit             = "worker_exit"
	CrashReasonHeartbeatTimeout = "heartbeat_timeout"
)
