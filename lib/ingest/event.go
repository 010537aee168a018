// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import "github.com/zakstam/convex-codex-component-sub003/lib/protocol"

// EventType distinguishes cursor-addressed stream deltas from
// stream-less lifecycle events.
type EventType string

const (
	StreamDelta    EventType = "stream_delta"
	LifecycleEvent EventType = "lifecycle_event"
)

// InboundEvent is one event as submitted by a client. Stream deltas
// carry a stream, a turn, and a half-open cursor range
// [CursorStart, CursorEnd); lifecycle events carry neither cursor and
// may omit the turn.
type InboundEvent struct {
	Type        EventType `json:"type"`
	EventID     string    `json:"eventId"`
	TurnID      string    `json:"turnId,omitempty"`
	StreamID    string    `json:"streamId,omitempty"`
	Kind        string    `json:"kind"`
	PayloadJSON string    `json:"payloadJson"`
	CursorStart int64     `json:"cursorStart"`
	CursorEnd   int64     `json:"cursorEnd"`

	// CreatedAt is Unix milliseconds at the producer.
	CreatedAt int64 `json:"createdAt"`
}

// NormalizedEvent is an InboundEvent with its turn resolved and its
// facets parsed. Facets are nil when the payload does not carry them.
type NormalizedEvent struct {
	InboundEvent

	// SyntheticStatus is the status a turn gets when this event is the
	// first to reference it.
	SyntheticStatus protocol.TurnStatus

	Terminal           *protocol.TerminalStatus
	ApprovalRequest    *protocol.ApprovalRequest
	ApprovalResolution *protocol.ApprovalResolution
	Message            *protocol.DurableMessage
	Delta              *protocol.DurableDelta
	Reasoning          *protocol.ReasoningDelta
}

// HasTurn reports whether the event resolved to a turn.
func (e *NormalizedEvent) HasTurn() bool {
	return e.TurnID != ""
}

// TurnStreamID is the id of the single stream a turn's events are
// sequenced on.
func TurnStreamID(threadID, turnID string) string {
	return threadID + ":" + turnID + ":0"
}
