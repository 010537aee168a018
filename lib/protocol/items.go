// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// threadItem is the subset of an app-server ThreadItem needed to derive
// durable messages. Content is polymorphic: user input parts for
// userMessage, plain strings for reasoning.
type threadItem struct {
	Type             string            `json:"type"`
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Text             string            `json:"text"`
	Content          json.RawMessage   `json:"content"`
	Summary          []string          `json:"summary"`
	Command          string            `json:"command"`
	AggregatedOutput *string           `json:"aggregatedOutput"`
	Changes          []json.RawMessage `json:"changes"`
	Server           string            `json:"server"`
	Tool             string            `json:"tool"`
	Query            string            `json:"query"`
	Path             string            `json:"path"`
	Review           string            `json:"review"`
	Error            *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type itemParams struct {
	TurnID string          `json:"turnId"`
	Item   json.RawMessage `json:"item"`
}

// decodeItem parses an item/started or item/completed payload. The raw
// item JSON is returned alongside the parsed form.
func decodeItem(kind string, payload []byte) (*threadItem, json.RawMessage) {
	if kind != KindItemStarted && kind != KindItemCompleted {
		return nil, nil
	}
	params := decodeMethod[itemParams](payload, kind)
	if params == nil || len(params.Item) == 0 {
		return nil, nil
	}
	var item threadItem
	if err := json.Unmarshal(params.Item, &item); err != nil {
		return nil, nil
	}
	if item.Type == "" || item.ID == "" {
		return nil, nil
	}
	return &item, params.Item
}

// hasExecutionStatus reports whether the item type carries its own
// lifecycle status.
func (item *threadItem) hasExecutionStatus() bool {
	return item.Type == "commandExecution" || item.Type == "fileChange"
}

func (item *threadItem) role() MessageRole {
	switch item.Type {
	case "userMessage":
		return RoleUser
	case "agentMessage", "plan", "reasoning":
		return RoleAssistant
	case "commandExecution", "fileChange", "mcpToolCall", "collabAgentToolCall", "webSearch":
		return RoleTool
	default:
		return RoleSystem
	}
}

type userInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
	URL  string `json:"url"`
	Path string `json:"path"`
	Name string `json:"name"`
}

func (input userInput) flatten() string {
	switch input.Type {
	case "text":
		return input.Text
	case "image":
		return "[image] " + input.URL
	case "localImage":
		return "[localImage] " + input.Path
	case "skill":
		return fmt.Sprintf("[skill] %s (%s)", input.Name, input.Path)
	case "mention":
		return fmt.Sprintf("[mention] %s (%s)", input.Name, input.Path)
	default:
		return ""
	}
}

func (item *threadItem) text() string {
	switch item.Type {
	case "userMessage":
		var inputs []userInput
		if err := json.Unmarshal(item.Content, &inputs); err != nil {
			return ""
		}
		parts := make([]string, len(inputs))
		for i, input := range inputs {
			parts[i] = input.flatten()
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	case "agentMessage", "plan":
		return item.Text
	case "reasoning":
		var content []string
		_ = json.Unmarshal(item.Content, &content)
		return strings.TrimSpace(strings.Join(append(append([]string(nil), item.Summary...), content...), "\n"))
	case "commandExecution":
		if item.AggregatedOutput != nil {
			return *item.AggregatedOutput
		}
		return item.Command
	case "fileChange":
		return fmt.Sprintf("File changes: %d", len(item.Changes))
	case "mcpToolCall":
		if item.Error != nil {
			return item.Error.Message
		}
		return item.Server + "/" + item.Tool
	case "collabAgentToolCall":
		return fmt.Sprintf("%s (%s)", item.Tool, item.Status)
	case "webSearch":
		return item.Query
	case "imageView":
		return item.Path
	case "enteredReviewMode", "exitedReviewMode":
		return item.Review
	case "contextCompaction":
		return "Context compaction"
	default:
		return ""
	}
}

// completedStatus maps a finished item to a message status. Only
// execution items can end as failed or interrupted.
func (item *threadItem) completedStatus() MessageStatus {
	if item.hasExecutionStatus() {
		switch item.Status {
		case "failed":
			return MessageFailed
		case "declined":
			return MessageInterrupted
		}
	}
	return MessageCompleted
}

// ItemSnapshot is the latest known state of one thread item, used by
// replay to hydrate clients that missed the deltas.
type ItemSnapshot struct {
	ItemID      string `json:"itemId"`
	ItemType    string `json:"itemType"`
	Status      string `json:"status"`
	PayloadJSON string `json:"payloadJson"`
	CursorEnd   int64  `json:"cursorEnd"`
}

// ItemSnapshotFor builds a snapshot from an item/started or
// item/completed payload. Items without their own status report
// inProgress when started and completed when finished.
func ItemSnapshotFor(kind string, payload []byte, cursorEnd int64) *ItemSnapshot {
	item, _ := decodeItem(kind, payload)
	if item == nil {
		return nil
	}
	status := item.Status
	if !item.hasExecutionStatus() || status == "" {
		status = string(MessageCompleted)
		if kind == KindItemStarted {
			status = string(TurnInProgress)
		}
	}
	return &ItemSnapshot{
		ItemID:      item.ID,
		ItemType:    item.Type,
		Status:      status,
		PayloadJSON: string(payload),
		CursorEnd:   cursorEnd,
	}
}
