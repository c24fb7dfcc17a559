// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package lifecycle

import (
	"context"
	"errors"
	"strings"

	"github.com/ManuGH/plantsim/internal/domain/session/model"
)

// Public error classes. Callers match with errors.Is; the HTTP layer maps
// each class to exactly one response shape. Ownership mismatch and absence
// both map to ErrNotFound so callers cannot enumerate session IDs.
var (
	ErrInvalidState   = errors.New("invalid session state")
	ErrNotFound       = errors.New("session not found or access denied")
	ErrCapExceeded    = errors.New("active session limit reached")
	ErrNotRecoverable = errors.New("session not recoverable")
	ErrInternal       = errors.New("internal error")
)

type reasonError struct {
	reason model.ReasonCode
	detail string
	err    error
}

func (e *reasonError) Error() string {
	if e.detail != "" {
		return e.detail
	}
	if e.err != nil {
		return e.err.Error()
	}
	return string(e.reason)
}

func (e *reasonError) Is(target error) bool {
	if target == nil {
		return false
	}
	class := ReasonErrorClass(e.reason)
	return class != nil && target == class
}

func (e *reasonError) Unwrap() error {
	return e.err
}

// NewReasonError wraps err with a stable reason code and operator detail.
func NewReasonError(reason model.ReasonCode, detail string, err error) error {
	return &reasonError{reason: reason, detail: detail, err: err}
}

// ReasonFromError extracts the reason code if err carries one.
func ReasonFromError(err error) (model.ReasonCode, bool) {
	var rerr *reasonError
	if errors.As(err, &rerr) {
		return rerr.reason, true
	}
	return "", false
}

// ReasonErrorClass maps a reason code to its public error class.
func ReasonErrorClass(reason model.ReasonCode) error {
	switch reason {
	case model.RInvalidState:
		return ErrInvalidState
	case model.RNotFound:
		return ErrNotFound
	case model.RCapExceeded:
		return ErrCapExceeded
	case model.RNotRecoverable:
		return ErrNotRecoverable
	case model.RInitFailed, model.RInitTimeout, model.RStoreFailure, model.RUnknown:
		return ErrInternal
	default:
		return nil
	}
}

// WrapWithReasonClass classifies arbitrary errors into reason errors so
// they surface with a stable public class.
func WrapWithReasonClass(err error) error {
	if err == nil {
		return nil
	}
	var rerr *reasonError
	if errors.As(err, &rerr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewReasonError(model.RInitTimeout, sanitizeDetail(err.Error()), err)
	}
	return NewReasonError(model.RUnknown, sanitizeDetail(err.Error()), err)
}

func sanitizeDetail(detail string) string {
	const maxLen = 160
	clean := strings.ReplaceAll(detail, "\n", " ")
	if len(clean) > maxLen {
		return clean[:maxLen] + "..."
	}
	return clean
}
