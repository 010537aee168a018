// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"testing"

	"github.com/zakstam/convex-codex-component-sub003/lib/wire"
)

func decode(t *testing.T, line string) wire.Message {
	t.Helper()
	message, err := wire.Decode([]byte(line))
	if err != nil {
		t.Fatalf("wire.Decode(%s): %v", line, err)
	}
	return message
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		line     string
		scope    Scope
		kind     string
		threadID string
	}{
		{
			name:     "threadId param",
			line:     `{"method":"turn/started","params":{"threadId":"th-1","turn":{"id":"t1"}}}`,
			scope:    ScopeThread,
			kind:     "turn/started",
			threadID: "th-1",
		},
		{
			name:     "nested thread object",
			line:     `{"method":"thread/started","params":{"thread":{"id":"th-2"}}}`,
			scope:    ScopeThread,
			kind:     "thread/started",
			threadID: "th-2",
		},
		{
			name:     "legacy conversation id",
			line:     `{"method":"codex/event/task_started","params":{"id":"t1","conversationId":"th-3","msg":{"type":"task_started"}}}`,
			scope:    ScopeThread,
			kind:     "codex/event/task_started",
			threadID: "th-3",
		},
		{
			name:     "threadId wins over conversationId",
			line:     `{"method":"item/started","params":{"threadId":"a","conversationId":"b"}}`,
			scope:    ScopeThread,
			kind:     "item/started",
			threadID: "a",
		},
		{
			name:  "response is global",
			line:  `{"id":1,"result":{}}`,
			scope: ScopeGlobal,
			kind:  KindResponse,
		},
		{
			name:  "unknown method without thread is global",
			line:  `{"method":"account/rateLimits/updated","params":{}}`,
			scope: ScopeGlobal,
			kind:  "account/rateLimits/updated",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			classification, err := Classify(decode(t, test.line))
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if classification.Scope != test.scope {
				t.Errorf("Scope = %v, want %v", classification.Scope, test.scope)
			}
			if classification.Kind != test.kind {
				t.Errorf("Kind = %q, want %q", classification.Kind, test.kind)
			}
			if classification.ThreadID != test.threadID {
				t.Errorf("ThreadID = %q, want %q", classification.ThreadID, test.threadID)
			}
		})
	}
}

func TestClassifyFailsClosed(t *testing.T) {
	t.Parallel()

	lines := []string{
		`{"method":"turn/completed","params":{"turn":{"id":"t1","status":"completed"}}}`,
		`{"method":"item/agentMessage/delta","params":{"itemId":"m1","delta":"x"}}`,
		`{"method":"rawResponseItem/completed","params":{}}`,
		`{"id":"r1","method":"execCommandApproval","params":{}}`,
	}
	for _, line := range lines {
		_, err := Classify(decode(t, line))
		var classificationErr *ClassificationError
		if !errors.As(err, &classificationErr) {
			t.Errorf("Classify(%s) = %v, want *ClassificationError", line, err)
		}
	}
}

func TestTurnID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		line   string
		turnID string
		ok     bool
	}{
		{"turn object", `{"method":"turn/completed","params":{"threadId":"th","turn":{"id":"t1"}}}`, "t1", true},
		{"params turnId", `{"method":"item/agentMessage/delta","params":{"threadId":"th","turnId":"t2","itemId":"m","delta":"x"}}`, "t2", true},
		{"error event", `{"method":"error","params":{"threadId":"th","turnId":"t3","error":{"message":"boom"}}}`, "t3", true},
		{"approval request", `{"id":4,"method":"item/fileChange/requestApproval","params":{"threadId":"th","turnId":"t4","itemId":"i"}}`, "t4", true},
		{"legacy snake case", `{"method":"codex/event/agent_message","params":{"conversationId":"th","msg":{"type":"agent_message","turn_id":"t5"}}}`, "t5", true},
		{"legacy camel case", `{"method":"codex/event/agent_message","params":{"conversationId":"th","msg":{"type":"agent_message","turnId":"t6"}}}`, "t6", true},
		{"legacy task started id", `{"method":"codex/event/task_started","params":{"id":"t7","conversationId":"th","msg":{"type":"task_started"}}}`, "t7", true},
		{"legacy other event id ignored", `{"method":"codex/event/agent_message","params":{"id":"t8","conversationId":"th","msg":{"type":"agent_message"}}}`, "", false},
		{"unknown method", `{"method":"thread/started","params":{"thread":{"id":"th"},"turnId":"t9"}}`, "", false},
		{"missing field", `{"method":"turn/started","params":{"threadId":"th"}}`, "", false},
		{"response", `{"id":1,"result":{"turnId":"t"}}`, "", false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			turnID, ok := TurnID(decode(t, test.line))
			if turnID != test.turnID || ok != test.ok {
				t.Errorf("TurnID = (%q, %v), want (%q, %v)", turnID, ok, test.turnID, test.ok)
			}
		})
	}
}

func TestTurnIDForPayloadRequiresMatchingKind(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"method":"turn/started","params":{"threadId":"th","turn":{"id":"t1"}}}`)
	if turnID, ok := TurnIDForPayload("turn/started", payload); !ok || turnID != "t1" {
		t.Errorf("TurnIDForPayload = (%q, %v), want (t1, true)", turnID, ok)
	}
	if _, ok := TurnIDForPayload("turn/completed", payload); ok {
		t.Error("TurnIDForPayload with mismatched kind should report false")
	}
	if _, ok := TurnIDForPayload("turn/started", []byte("not json")); ok {
		t.Error("TurnIDForPayload with invalid JSON should report false")
	}
}
