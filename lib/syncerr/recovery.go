// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncerr

// SafeCode is the reduced error vocabulary returned by the safe ingest
// wrapper to untrusted callers.
type SafeCode string

const (
	SafeSessionNotFound            SafeCode = "SESSION_NOT_FOUND"
	SafeSessionThreadMismatch      SafeCode = "SESSION_THREAD_MISMATCH"
	SafeSessionDeviceMismatch      SafeCode = "SESSION_DEVICE_MISMATCH"
	SafeTurnIDRequiredForTurnEvent SafeCode = "TURN_ID_REQUIRED_FOR_TURN_EVENT"
	SafeOutOfOrder                 SafeCode = "OUT_OF_ORDER"
	SafeReplayGap                  SafeCode = "REPLAY_GAP"
	SafeUnknown                    SafeCode = "UNKNOWN"
)

// ItemError is one entry of a safe ingest error list. Recoverable tells
// the caller whether rebinding the session and retrying can succeed.
type ItemError struct {
	Code        SafeCode `json:"code"`
	Message     string   `json:"message"`
	Recoverable bool     `json:"recoverable"`
}

// recoverableCodes are failures that a session rebind resolves. The
// caller owns the thread; only the session binding is stale.
var recoverableCodes = map[Code]bool{
	CodeSessionNotFound:       true,
	CodeSessionThreadMismatch: true,
	CodeSessionDeviceMismatch: true,
}

// IsRecoverableCode reports whether a failure with this code should
// trigger session rebinding and a retry.
func IsRecoverableCode(code Code) bool {
	return recoverableCodes[code]
}

// IsRecoverable reports whether err carries a recoverable code.
func IsRecoverable(err error) bool {
	return IsRecoverableCode(CodeOf(err))
}

// MapSafeCode reduces an internal code to the safe ingest vocabulary.
func MapSafeCode(code Code) SafeCode {
	switch code {
	case CodeSessionNotFound:
		return SafeSessionNotFound
	case CodeSessionThreadMismatch:
		return SafeSessionThreadMismatch
	case CodeSessionDeviceMismatch:
		return SafeSessionDeviceMismatch
	case CodeTurnIDRequiredForTurnEvent, CodeTurnIDRequiredForCodex:
		return SafeTurnIDRequiredForTurnEvent
	case CodeOutOfOrder:
		return SafeOutOfOrder
	case CodeReplayGap:
		return SafeReplayGap
	default:
		return SafeUnknown
	}
}

// ItemErrorFor converts err to a safe ingest list entry.
func ItemErrorFor(err error) ItemError {
	code := CodeOf(err)
	return ItemError{
		Code:        MapSafeCode(code),
		Message:     err.Error(),
		Recoverable: IsRecoverableCode(code),
	}
}
