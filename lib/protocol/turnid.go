// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"

	"github.com/zakstam/convex-codex-component-sub003/lib/wire"
)

// turnIDLocation says where a method carries its turn id.
type turnIDLocation int

const (
	turnIDInTurnObject turnIDLocation = iota + 1 // params.turn.id
	turnIDInParams                               // params.turnId
)

var turnIDLocations = map[string]turnIDLocation{
	KindTurnStarted:   turnIDInTurnObject,
	KindTurnCompleted: turnIDInTurnObject,

	"turn/diff/updated":         turnIDInParams,
	"turn/plan/updated":         turnIDInParams,
	"thread/tokenUsage/updated": turnIDInParams,
	KindError:                   turnIDInParams,

	KindItemStarted:                            turnIDInParams,
	KindItemCompleted:                          turnIDInParams,
	"rawResponseItem/completed":                turnIDInParams,
	KindAgentMessageDelta:                      turnIDInParams,
	"item/plan/delta":                          turnIDInParams,
	"item/commandExecution/outputDelta":        turnIDInParams,
	"item/commandExecution/terminalInteraction": turnIDInParams,
	"item/fileChange/outputDelta":              turnIDInParams,
	"item/mcpToolCall/progress":                turnIDInParams,
	KindReasoningSummaryTextDelta:              turnIDInParams,
	KindReasoningSummaryPartAdded:              turnIDInParams,
	KindReasoningTextDelta:                     turnIDInParams,
	"thread/compacted":                         turnIDInParams,
	KindCommandExecutionRequestApproval:        turnIDInParams,
	KindFileChangeRequestApproval:              turnIDInParams,
	KindToolRequestUserInput:                   turnIDInParams,
	KindToolCall:                               turnIDInParams,
}

// TurnID extracts the turn a frame refers to. Methods without a known
// turn id location report false.
func TurnID(message wire.Message) (string, bool) {
	if message.IsResponse() {
		return "", false
	}
	params, ok := decodeObject(message.Params)
	if !ok {
		return "", false
	}
	if IsLegacyEvent(message.Method) {
		return legacyTurnID(params)
	}
	switch turnIDLocations[message.Method] {
	case turnIDInTurnObject:
		turn, ok := params.Object("turn")
		if !ok {
			return "", false
		}
		return turn.String("id")
	case turnIDInParams:
		return params.String("turnId")
	default:
		return "", false
	}
}

// legacyTurnID reads msg.turn_id or msg.turnId. Task start and
// completion markers carry the turn id as the event id instead.
func legacyTurnID(params object) (string, bool) {
	msg, ok := params.Object("msg")
	if !ok {
		return "", false
	}
	if id, ok := msg.String("turn_id"); ok {
		return id, true
	}
	if id, ok := msg.String("turnId"); ok {
		return id, true
	}
	if msgType, _ := msg.String("type"); msgType == "task_started" || msgType == "task_complete" {
		return params.String("id")
	}
	return "", false
}

// TurnIDForPayload extracts the turn id from a persisted frame.
func TurnIDForPayload(kind string, payload []byte) (string, bool) {
	var frame struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil || frame.Method != kind {
		return "", false
	}
	return TurnID(wire.Message{Method: frame.Method, Params: frame.Params})
}

// StreamID extracts a protocol-level stream id. The app-server does not
// multiplex streams within a turn, so there is none today; callers
// derive one from the turn.
func StreamID(message wire.Message) (string, bool) {
	return "", false
}
