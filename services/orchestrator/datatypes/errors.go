// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the shared record types exchanged between the
// orchestrator's subsystems: queued requests, stream events, conversation
// messages, loaded-model state, and the error kinds surfaced to callers.
//
// Loosely-typed payloads are deliberately avoided; every wire shape is a
// tagged struct so that handlers and the pipeline get exhaustiveness from
// the compiler instead of runtime key checks.
package datatypes

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for routing and user-facing messaging.
type ErrorKind string

const (
	KindQueueFull           ErrorKind = "queue_full"
	KindMaintenanceActive   ErrorKind = "maintenance_active"
	KindInvalidProfile      ErrorKind = "invalid_profile"
	KindUnknownModel        ErrorKind = "unknown_model"
	KindOverBudget          ErrorKind = "over_budget"
	KindBackendUnavailable  ErrorKind = "backend_unavailable"
	KindModelCrashed        ErrorKind = "model_crashed"
	KindCircuitOpen         ErrorKind = "circuit_open"
	KindVisibilityTimeout   ErrorKind = "visibility_timeout"
	KindCancelled           ErrorKind = "cancelled"
	KindAskUserTimeout      ErrorKind = "ask_user_timeout"
	KindToolError           ErrorKind = "tool_error"
	KindExtractionFailed    ErrorKind = "extraction_failed"
	KindTokenBudgetExceeded ErrorKind = "token_budget_exceeded"
	KindInvalidToken        ErrorKind = "invalid_token"
	KindForbidden           ErrorKind = "forbidden"
)

// Error is the orchestrator's typed error. Kind drives propagation policy
// (see the pipeline and queue packages); Msg is safe to show to callers.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed error with an optional wrapped cause.
func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Errorf builds a typed error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, unwrapping as needed.
// Returns an empty kind when err carries no classification.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err (or anything it wraps) carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Sentinels for the failure modes callers match on directly.
var (
	ErrQueueFull         = &Error{Kind: KindQueueFull, Msg: "request queue is full"}
	ErrMaintenanceActive = &Error{Kind: KindMaintenanceActive, Msg: "orchestrator is in maintenance mode"}
	ErrOverBudget        = &Error{Kind: KindOverBudget, Msg: "insufficient VRAM for model admission"}
	ErrCancelled         = &Error{Kind: KindCancelled, Msg: "request cancelled"}
	ErrCircuitOpen       = &Error{Kind: KindCircuitOpen, Msg: "model circuit breaker is open"}
)
