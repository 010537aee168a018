// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "strings"

// Event kinds with dedicated handling. Kinds are method names verbatim;
// responses use KindResponse.
const (
	KindResponse = "response"

	KindTurnStarted   = "turn/started"
	KindTurnCompleted = "turn/completed"
	KindError         = "error"

	KindItemStarted   = "item/started"
	KindItemCompleted = "item/completed"

	KindAgentMessageDelta         = "item/agentMessage/delta"
	KindReasoningSummaryTextDelta = "item/reasoning/summaryTextDelta"
	KindReasoningSummaryPartAdded = "item/reasoning/summaryPartAdded"
	KindReasoningTextDelta        = "item/reasoning/textDelta"

	KindCommandExecutionRequestApproval = "item/commandExecution/requestApproval"
	KindFileChangeRequestApproval       = "item/fileChange/requestApproval"
	KindToolRequestUserInput            = "item/tool/requestUserInput"
	KindToolCall                        = "item/tool/call"

	KindLegacyTurnAborted = "codex/event/turn_aborted"

	// LegacyEventPrefix marks notifications from the pre-v2 event
	// stream, whose params wrap a typed msg.
	LegacyEventPrefix = "codex/event/"
)

// IsLegacyEvent reports whether kind is a codex/event/* notification.
func IsLegacyEvent(kind string) bool {
	return strings.HasPrefix(kind, LegacyEventPrefix)
}

// IsItemEvent reports whether kind is an item/* notification.
func IsItemEvent(kind string) bool {
	return strings.HasPrefix(kind, "item/")
}
