// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"testing"

	"github.com/zakstam/convex-codex-component-sub003/lib/protocol"
	"github.com/zakstam/convex-codex-component-sub003/lib/syncerr"
)

func streamEvent(eventID, kind, payload string, cursor, createdAt int64) InboundEvent {
	return InboundEvent{
		Type:        StreamDelta,
		EventID:     eventID,
		TurnID:      "submitted-turn",
		StreamID:    "stream-1",
		Kind:        kind,
		PayloadJSON: payload,
		CursorStart: cursor,
		CursorEnd:   cursor + 1,
		CreatedAt:   createdAt,
	}
}

func TestNormalizeOrdersByCreatedAtStably(t *testing.T) {
	t.Parallel()

	delta := `{"method":"item/agentMessage/delta","params":{"turnId":"t1","itemId":"m1","delta":"x"}}`
	events := []InboundEvent{
		streamEvent("c", protocol.KindAgentMessageDelta, delta, 2, 300),
		streamEvent("a", protocol.KindAgentMessageDelta, delta, 0, 100),
		streamEvent("b1", protocol.KindAgentMessageDelta, delta, 1, 200),
		streamEvent("b2", protocol.KindAgentMessageDelta, delta, 3, 200),
	}
	normalized, err := Normalize(events)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := []string{"a", "b1", "b2", "c"}
	for i, event := range normalized {
		if event.EventID != want[i] {
			t.Errorf("position %d = %s, want %s", i, event.EventID, want[i])
		}
	}
	if events[0].EventID != "c" {
		t.Error("Normalize reordered the caller's slice")
	}
}

func TestNormalizePayloadTurnOverridesSubmitted(t *testing.T) {
	t.Parallel()

	payload := `{"method":"turn/started","params":{"threadId":"th","turn":{"id":"t-real"}}}`
	normalized, err := Normalize([]InboundEvent{streamEvent("e1", protocol.KindTurnStarted, payload, 0, 1)})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if normalized[0].TurnID != "t-real" {
		t.Errorf("TurnID = %q, want t-real", normalized[0].TurnID)
	}
	if normalized[0].SyntheticStatus != protocol.TurnInProgress {
		t.Errorf("SyntheticStatus = %q, want inProgress", normalized[0].SyntheticStatus)
	}
}

func TestNormalizeStreamDeltaKeepsSubmittedTurn(t *testing.T) {
	t.Parallel()

	normalized, err := Normalize([]InboundEvent{
		streamEvent("e1", "thread/started", `{"method":"thread/started","params":{"thread":{"id":"th"}}}`, 0, 1),
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if normalized[0].TurnID != "submitted-turn" {
		t.Errorf("TurnID = %q, want submitted-turn", normalized[0].TurnID)
	}
	if normalized[0].SyntheticStatus != protocol.TurnQueued {
		t.Errorf("SyntheticStatus = %q, want queued", normalized[0].SyntheticStatus)
	}
}

func TestNormalizeRequiresPayloadTurn(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		event InboundEvent
		code  syncerr.Code
	}{
		{
			name:  "turn started without turn id",
			event: streamEvent("e1", protocol.KindTurnStarted, `{"method":"turn/started","params":{"threadId":"th"}}`, 0, 1),
			code:  syncerr.CodeTurnIDRequiredForTurnEvent,
		},
		{
			name:  "turn completed with mismatched method",
			event: streamEvent("e1", protocol.KindTurnCompleted, `{"method":"turn/started","params":{"turn":{"id":"t1"}}}`, 0, 1),
			code:  syncerr.CodeTurnIDRequiredForTurnEvent,
		},
		{
			name: "legacy event without turn id",
			event: InboundEvent{
				Type:        LifecycleEvent,
				EventID:     "e1",
				Kind:        "codex/event/agent_message",
				PayloadJSON: `{"method":"codex/event/agent_message","params":{"conversationId":"th","msg":{"type":"agent_message"}}}`,
			},
			code: syncerr.CodeTurnIDRequiredForCodex,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Normalize([]InboundEvent{test.event})
			if !syncerr.Is(err, test.code) {
				t.Fatalf("Normalize error = %v, want %s", err, test.code)
			}
		})
	}
}

func TestNormalizeLifecycleWithoutPayloadTurn(t *testing.T) {
	t.Parallel()

	event := InboundEvent{
		Type:        LifecycleEvent,
		EventID:     "e1",
		TurnID:      "submitted-turn",
		Kind:        protocol.KindError,
		PayloadJSON: `{"method":"error","params":{"error":{"message":"boom"}}}`,
	}
	normalized, err := Normalize([]InboundEvent{event})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	got := normalized[0]
	if got.HasTurn() {
		t.Errorf("TurnID = %q, want none", got.TurnID)
	}
	if got.Terminal != nil {
		t.Errorf("Terminal = %+v, want nil", *got.Terminal)
	}
}

func TestNormalizeLifecycleTerminal(t *testing.T) {
	t.Parallel()

	event := InboundEvent{
		Type:        LifecycleEvent,
		EventID:     "e1",
		Kind:        protocol.KindTurnCompleted,
		PayloadJSON: `{"method":"turn/completed","params":{"turn":{"id":"t1","status":"failed","error":{"message":"rate limited"}}}}`,
	}
	normalized, err := Normalize([]InboundEvent{event})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	got := normalized[0]
	if got.TurnID != "t1" {
		t.Errorf("TurnID = %q, want t1", got.TurnID)
	}
	if got.Terminal == nil || got.Terminal.Status != protocol.TurnFailed || got.Terminal.Error != "rate limited" {
		t.Fatalf("Terminal = %+v, want failed/rate limited", got.Terminal)
	}
	if got.SyntheticStatus != protocol.TurnFailed {
		t.Errorf("SyntheticStatus = %q, want failed", got.SyntheticStatus)
	}
}

func TestNormalizeParsesFacets(t *testing.T) {
	t.Parallel()

	events := []InboundEvent{
		streamEvent("approval", protocol.KindCommandExecutionRequestApproval,
			`{"id":9,"method":"item/commandExecution/requestApproval","params":{"turnId":"t1","itemId":"cmd-1"}}`, 0, 1),
		streamEvent("delta", protocol.KindAgentMessageDelta,
			`{"method":"item/agentMessage/delta","params":{"turnId":"t1","itemId":"m1","delta":"Hel"}}`, 1, 2),
		streamEvent("reasoning", protocol.KindReasoningSummaryTextDelta,
			`{"method":"item/reasoning/summaryTextDelta","params":{"turnId":"t1","itemId":"r1","delta":"think","summaryIndex":1}}`, 2, 3),
		streamEvent("message", protocol.KindItemCompleted,
			`{"method":"item/completed","params":{"turnId":"t1","item":{"type":"agentMessage","id":"m1","text":"Hello"}}}`, 3, 4),
	}
	normalized, err := Normalize(events)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if request := normalized[0].ApprovalRequest; request == nil || request.ItemID != "cmd-1" {
		t.Errorf("ApprovalRequest = %+v", request)
	}
	if delta := normalized[1].Delta; delta == nil || delta.Delta != "Hel" {
		t.Errorf("Delta = %+v", delta)
	}
	if reasoning := normalized[2].Reasoning; reasoning == nil || reasoning.Index != 1 || reasoning.Channel != protocol.ReasoningSummary {
		t.Errorf("Reasoning = %+v", reasoning)
	}
	if message := normalized[3].Message; message == nil || message.Text != "Hello" || message.Status != protocol.MessageCompleted {
		t.Errorf("Message = %+v", message)
	}
	for _, event := range normalized {
		if event.TurnID != "t1" {
			t.Errorf("%s: TurnID = %q, want t1", event.EventID, event.TurnID)
		}
	}
}

func TestSyntheticStatus(t *testing.T) {
	t.Parallel()

	interrupted := &protocol.TerminalStatus{Status: protocol.TurnInterrupted}
	tests := []struct {
		kind     string
		terminal *protocol.TerminalStatus
		want     protocol.TurnStatus
	}{
		{protocol.KindTurnStarted, nil, protocol.TurnInProgress},
		{protocol.KindItemStarted, nil, protocol.TurnInProgress},
		{protocol.KindAgentMessageDelta, nil, protocol.TurnInProgress},
		{"turn/plan/updated", nil, protocol.TurnQueued},
		{"some/future/kind", nil, protocol.TurnQueued},
		{protocol.KindLegacyTurnAborted, interrupted, protocol.TurnInterrupted},
	}
	for _, test := range tests {
		if got := SyntheticStatus(test.kind, test.terminal); got != test.want {
			t.Errorf("SyntheticStatus(%s) = %s, want %s", test.kind, got, test.want)
		}
	}
}
