// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// TurnStatus is the lifecycle status of a turn.
type TurnStatus string

const (
	TurnQueued      TurnStatus = "queued"
	TurnInProgress  TurnStatus = "inProgress"
	TurnCompleted   TurnStatus = "completed"
	TurnInterrupted TurnStatus = "interrupted"
	TurnFailed      TurnStatus = "failed"
)

// IsTerminal reports whether no further transition may leave status.
func (s TurnStatus) IsTerminal() bool {
	return s.Priority() > 0
}

// Priority orders terminal statuses: completed < interrupted < failed.
// Non-terminal statuses have priority zero.
func (s TurnStatus) Priority() int {
	switch s {
	case TurnCompleted:
		return 1
	case TurnInterrupted:
		return 2
	case TurnFailed:
		return 3
	default:
		return 0
	}
}

// TerminalStatus is a definitive turn-ending signal. Error is empty for
// completed turns.
type TerminalStatus struct {
	Status TurnStatus
	Error  string
}

type turnCompletedParams struct {
	Turn struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"turn"`
}

type errorParams struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// TerminalStatusForEvent detects whether an event ends its turn. A
// turn/completed whose payload cannot be read counts as completed.
func TerminalStatusForEvent(kind string, payload []byte) *TerminalStatus {
	switch kind {
	case KindTurnCompleted:
		params := decodeMethod[turnCompletedParams](payload, KindTurnCompleted)
		if params == nil {
			return &TerminalStatus{Status: TurnCompleted}
		}
		message := ""
		if params.Turn.Error != nil {
			message = params.Turn.Error.Message
		}
		switch TurnStatus(params.Turn.Status) {
		case TurnInterrupted:
			return &TerminalStatus{Status: TurnInterrupted, Error: orDefault(message, "turn interrupted")}
		case TurnFailed:
			return &TerminalStatus{Status: TurnFailed, Error: orDefault(message, "turn failed")}
		default:
			return &TerminalStatus{Status: TurnCompleted}
		}

	case KindError:
		params := decodeMethod[errorParams](payload, KindError)
		if params == nil || params.Error == nil {
			return &TerminalStatus{Status: TurnFailed, Error: "stream error"}
		}
		return &TerminalStatus{Status: TurnFailed, Error: orDefault(params.Error.Message, "stream error")}

	case KindLegacyTurnAborted:
		return &TerminalStatus{Status: TurnInterrupted, Error: "turn aborted"}
	}
	return nil
}

// PickHigherPriority returns whichever of current and next has the
// higher terminal priority. Ties keep current.
func PickHigherPriority(current *TerminalStatus, next TerminalStatus) TerminalStatus {
	if current == nil || next.Status.Priority() > current.Status.Priority() {
		return next
	}
	return *current
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
