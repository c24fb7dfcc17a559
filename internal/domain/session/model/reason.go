// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

// ReasonCode is a stable machine-readable cause attached to lifecycle
// failures and terminalizations. Codes are part of the operator contract
// and must not be renamed casually.
type ReasonCode string

const (
	RNone           ReasonCode = ""
	RInvalidState   ReasonCode = "invalid_state"
	RNotFound       ReasonCode = "not_found"
	RCapExceeded    ReasonCode = "cap_exceeded"
	RInitFailed     ReasonCode = "init_failed"
	RInitTimeout    ReasonCode = "init_timeout"
	RWorkerCrashed  ReasonCode = "worker_crashed"
	RNotRecoverable ReasonCode = "not_recoverable"
	RExpired        ReasonCode = "expired"
	RClientStop     ReasonCode = "client_stop"
	RDiscarded      ReasonCode = "discarded"
	RStoreFailure   ReasonCode = "store_failure"
	RUnknown        ReasonCode = "unknown"
)
