// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a sync or authorization failure. Codes are stable
// identifiers shared with clients; the message text is not.
type Code string

// Sync codes raised by ingestion, replay, and session binding.
const (
	CodeEmptyBatch                 Code = "E_SYNC_EMPTY_BATCH"
	CodeThreadNotFound             Code = "E_SYNC_THREAD_NOT_FOUND"
	CodeTurnNotFound               Code = "E_SYNC_TURN_NOT_FOUND"
	CodeSessionNotFound            Code = "E_SYNC_SESSION_NOT_FOUND"
	CodeSessionThreadMismatch      Code = "E_SYNC_SESSION_THREAD_MISMATCH"
	CodeSessionDeviceMismatch      Code = "E_SYNC_SESSION_DEVICE_MISMATCH"
	CodeTurnIDRequiredForTurnEvent Code = "E_SYNC_TURN_ID_REQUIRED_FOR_TURN_EVENT"
	CodeTurnIDRequiredForCodex     Code = "E_SYNC_TURN_ID_REQUIRED_FOR_CODEX_EVENT"
	CodeStreamTurnCollision        Code = "E_SYNC_STREAM_TURN_COLLISION"
	CodeInvalidCursorRange         Code = "E_SYNC_INVALID_CURSOR_RANGE"
	CodeOutOfOrder                 Code = "E_SYNC_OUT_OF_ORDER"
	CodeDuplicateEventInBatch      Code = "E_SYNC_DUP_EVENT_IN_BATCH"
	CodeReplayGap                  Code = "E_SYNC_REPLAY_GAP"
	CodeInvalidEvent               Code = "E_SYNC_INVALID_EVENT"
)

// Authorization codes. These indicate that the caller's actor scope
// does not own the record it tried to touch.
const (
	CodeThreadForbidden  Code = "E_AUTH_THREAD_FORBIDDEN"
	CodeTurnForbidden    Code = "E_AUTH_TURN_FORBIDDEN"
	CodeSessionForbidden Code = "E_AUTH_SESSION_FORBIDDEN"
)

// Error is a coded failure from the sync layer. Callers extract it with
// errors.As or use the helpers in this package:
//
//	var syncErr *syncerr.Error
//	if errors.As(err, &syncErr) && syncErr.Code == syncerr.CodeOutOfOrder {
//	    ...
//	}
//
// The Error() string has the form "[CODE] message" so that the code
// survives transports that only carry text.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New returns a coded error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code carried by err, or "" if err does not wrap an
// *Error.
func CodeOf(err error) Code {
	var syncErr *Error
	if errors.As(err, &syncErr) {
		return syncErr.Code
	}
	return ""
}

// Is reports whether err wraps an *Error with the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsAuthorization reports whether err is an ownership violation. These
// are never retried.
func IsAuthorization(err error) bool {
	return strings.HasPrefix(string(CodeOf(err)), "E_AUTH_")
}
