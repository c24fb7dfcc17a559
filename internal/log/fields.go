// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID     = "session_id"
	FieldUserID        = "user_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldWorker    = "worker"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"

	// Simulation fields
	FieldTick     = "tick"
	FieldSimTime  = "sim_time"
	FieldExitCode = "exit_code"
)
