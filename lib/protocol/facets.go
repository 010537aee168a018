// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "encoding/json"

// ApprovalKind names what an approval gates.
type ApprovalKind string

const (
	ApprovalCommandExecution ApprovalKind = "commandExecution"
	ApprovalFileChange       ApprovalKind = "fileChange"
)

// ApprovalStatus is the lifecycle of an approval record.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalAccepted ApprovalStatus = "accepted"
	ApprovalDeclined ApprovalStatus = "declined"
)

// ApprovalRequest is a pending approval prompt for one item.
type ApprovalRequest struct {
	ItemID string
	Kind   ApprovalKind
	Reason string
}

// ApprovalResolution records the outcome of an approval, inferred from
// the gated item's completion.
type ApprovalResolution struct {
	ItemID string
	Status ApprovalStatus
}

// MessageRole is the speaker of a durable message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
	RoleSystem    MessageRole = "system"
)

// MessageStatus is the lifecycle of a durable message. Failed and
// interrupted are terminal.
type MessageStatus string

const (
	MessageStreaming   MessageStatus = "streaming"
	MessageCompleted   MessageStatus = "completed"
	MessageFailed      MessageStatus = "failed"
	MessageInterrupted MessageStatus = "interrupted"
)

// DurableMessage is a full snapshot of one conversational item.
type DurableMessage struct {
	MessageID      string
	Role           MessageRole
	Status         MessageStatus
	SourceItemType string
	Text           string
	PayloadJSON    string
}

// DurableDelta appends streamed text to an agent message.
type DurableDelta struct {
	MessageID string
	Delta     string
}

// ReasoningChannel separates model-visible summaries from raw
// reasoning text.
type ReasoningChannel string

const (
	ReasoningSummary ReasoningChannel = "summary"
	ReasoningRaw     ReasoningChannel = "raw"
)

// SegmentType distinguishes appended text from a section boundary.
type SegmentType string

const (
	SegmentTextDelta    SegmentType = "textDelta"
	SegmentSectionBreak SegmentType = "sectionBreak"
)

// ReasoningDelta is one reasoning increment. Index is the summary index
// for the summary channel and the content index for the raw channel.
type ReasoningDelta struct {
	ItemID      string
	Channel     ReasoningChannel
	SegmentType SegmentType
	Index       int
	Delta       string
}

type approvalRequestParams struct {
	ItemID string `json:"itemId"`
	Reason string `json:"reason"`
}

// ApprovalRequestFor parses a command or file change approval prompt.
func ApprovalRequestFor(kind string, payload []byte) *ApprovalRequest {
	var approvalKind ApprovalKind
	switch kind {
	case KindCommandExecutionRequestApproval:
		approvalKind = ApprovalCommandExecution
	case KindFileChangeRequestApproval:
		approvalKind = ApprovalFileChange
	default:
		return nil
	}
	params := decodeMethod[approvalRequestParams](payload, kind)
	if params == nil || params.ItemID == "" {
		return nil
	}
	return &ApprovalRequest{ItemID: params.ItemID, Kind: approvalKind, Reason: params.Reason}
}

// ApprovalResolutionFor infers an approval outcome from the completion
// of a command or file change item. A declined item was declined; one
// that ran to completion or failure was accepted.
func ApprovalResolutionFor(kind string, payload []byte) *ApprovalResolution {
	if kind != KindItemCompleted {
		return nil
	}
	item, _ := decodeItem(kind, payload)
	if item == nil || !item.hasExecutionStatus() {
		return nil
	}
	switch item.Status {
	case "declined":
		return &ApprovalResolution{ItemID: item.ID, Status: ApprovalDeclined}
	case "completed", "failed":
		return &ApprovalResolution{ItemID: item.ID, Status: ApprovalAccepted}
	}
	return nil
}

type toolCallParams struct {
	CallID string `json:"callId"`
	Tool   string `json:"tool"`
}

type toolUserInputParams struct {
	ItemID string `json:"itemId"`
}

// DurableMessageFor derives a message snapshot from item lifecycle
// events and tool requests.
func DurableMessageFor(kind string, payload []byte) *DurableMessage {
	switch kind {
	case KindItemStarted, KindItemCompleted:
		item, raw := decodeItem(kind, payload)
		if item == nil {
			return nil
		}
		status := MessageStreaming
		if kind == KindItemCompleted {
			status = item.completedStatus()
		}
		return &DurableMessage{
			MessageID:      item.ID,
			Role:           item.role(),
			Status:         status,
			SourceItemType: item.Type,
			Text:           item.text(),
			PayloadJSON:    string(raw),
		}

	case KindToolCall:
		params := decodeMethod[toolCallParams](payload, kind)
		if params == nil || params.CallID == "" || params.Tool == "" {
			return nil
		}
		return &DurableMessage{
			MessageID:      params.CallID,
			Role:           RoleTool,
			Status:         MessageCompleted,
			SourceItemType: "dynamicToolCall",
			Text:           params.Tool,
			PayloadJSON:    mustMarshal(map[string]string{"type": "dynamicToolCall", "id": params.CallID, "tool": params.Tool}),
		}

	case KindToolRequestUserInput:
		params := decodeMethod[toolUserInputParams](payload, kind)
		if params == nil || params.ItemID == "" {
			return nil
		}
		return &DurableMessage{
			MessageID:      params.ItemID,
			Role:           RoleTool,
			Status:         MessageCompleted,
			SourceItemType: "toolUserInputRequest",
			Text:           "Tool requested user input",
			PayloadJSON:    mustMarshal(map[string]string{"type": "toolUserInputRequest", "id": params.ItemID}),
		}
	}
	return nil
}

type textDeltaParams struct {
	ItemID       string `json:"itemId"`
	Delta        string `json:"delta"`
	SummaryIndex int    `json:"summaryIndex"`
	ContentIndex int    `json:"contentIndex"`
}

// DurableDeltaFor parses an agent message text delta.
func DurableDeltaFor(kind string, payload []byte) *DurableDelta {
	if kind != KindAgentMessageDelta {
		return nil
	}
	params := decodeMethod[textDeltaParams](payload, kind)
	if params == nil || params.ItemID == "" {
		return nil
	}
	return &DurableDelta{MessageID: params.ItemID, Delta: params.Delta}
}

// ReasoningDeltaFor parses summary text, summary section breaks, and
// raw reasoning text.
func ReasoningDeltaFor(kind string, payload []byte) *ReasoningDelta {
	var channel ReasoningChannel
	segment := SegmentTextDelta
	switch kind {
	case KindReasoningSummaryTextDelta:
		channel = ReasoningSummary
	case KindReasoningSummaryPartAdded:
		channel = ReasoningSummary
		segment = SegmentSectionBreak
	case KindReasoningTextDelta:
		channel = ReasoningRaw
	default:
		return nil
	}
	params := decodeMethod[textDeltaParams](payload, kind)
	if params == nil || params.ItemID == "" {
		return nil
	}
	delta := &ReasoningDelta{
		ItemID:      params.ItemID,
		Channel:     channel,
		SegmentType: segment,
		Index:       params.SummaryIndex,
	}
	if channel == ReasoningRaw {
		delta.Index = params.ContentIndex
	}
	if segment == SegmentTextDelta {
		delta.Delta = params.Delta
	}
	return delta
}

func mustMarshal(value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	return string(data)
}
