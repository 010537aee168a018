// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncstore

import (
	"encoding/json"

	"zombiezen.com/go/sqlite"

	"github.com/zakstam/convex-codex-component-sub003/lib/ingest"
	"github.com/zakstam/convex-codex-component-sub003/lib/protocol"
)

// itemFailedError is recorded on messages whose item failed.
const itemFailedError = "item failed"

type messageKey struct {
	turnID    string
	messageID string
}

// messageRow is a message as held by the batch cache.
type messageRow struct {
	role           protocol.MessageRole
	status         protocol.MessageStatus
	text           string
	sourceItemType string
	payloadJSON    string
	errorText      string
	order          int64
	createdAt      int64
	completedAt    int64

	// inserted is false until the row exists in the database.
	inserted bool
}

// messageCache is a write-through cache of the messages a batch
// touches. Rows are read at most once and written at most once per
// batch, on flush.
type messageCache struct {
	b         *batch
	rows      map[messageKey]*messageRow
	loaded    map[messageKey]bool
	nextOrder map[string]int64
	dirty     []messageKey
	isDirty   map[messageKey]bool
}

func newMessageCache(b *batch) *messageCache {
	return &messageCache{
		b:         b,
		rows:      make(map[messageKey]*messageRow),
		loaded:    make(map[messageKey]bool),
		nextOrder: make(map[string]int64),
		isDirty:   make(map[messageKey]bool),
	}
}

// get returns the cached row for key, loading it on first access. It
// returns nil when the message does not exist.
func (c *messageCache) get(key messageKey) (*messageRow, error) {
	if c.loaded[key] {
		return c.rows[key], nil
	}
	var row *messageRow
	_, err := queryOne(c.b.conn,
		`SELECT role, status, text, source_item_type, payload_json, error, order_in_turn, created_at, completed_at
		 FROM messages WHERE tenant_id = ? AND thread_id = ? AND turn_id = ? AND message_id = ?`,
		func(stmt *sqlite.Stmt) error {
			row = &messageRow{
				role:           protocol.MessageRole(stmt.ColumnText(0)),
				status:         protocol.MessageStatus(stmt.ColumnText(1)),
				text:           stmt.ColumnText(2),
				sourceItemType: stmt.ColumnText(3),
				payloadJSON:    stmt.ColumnText(4),
				errorText:      stmt.ColumnText(5),
				order:          stmt.ColumnInt64(6),
				createdAt:      stmt.ColumnInt64(7),
				completedAt:    stmt.ColumnInt64(8),
				inserted:       true,
			}
			return nil
		}, c.b.actor.TenantID, c.b.threadID, key.turnID, key.messageID)
	if err != nil {
		return nil, err
	}
	c.loaded[key] = true
	c.rows[key] = row
	return row, nil
}

// create adds a new row at the end of its turn.
func (c *messageCache) create(key messageKey, row *messageRow) error {
	order, ok := c.nextOrder[key.turnID]
	if !ok {
		_, err := queryOne(c.b.conn,
			`SELECT COALESCE(MAX(order_in_turn), -1) + 1 FROM messages
			 WHERE tenant_id = ? AND thread_id = ? AND turn_id = ?`,
			func(stmt *sqlite.Stmt) error {
				order = stmt.ColumnInt64(0)
				return nil
			}, c.b.actor.TenantID, c.b.threadID, key.turnID)
		if err != nil {
			return err
		}
	}
	c.nextOrder[key.turnID] = order + 1
	row.order = order
	row.createdAt = c.b.now
	c.loaded[key] = true
	c.rows[key] = row
	c.markDirty(key)
	return nil
}

func (c *messageCache) markDirty(key messageKey) {
	if !c.isDirty[key] {
		c.isDirty[key] = true
		c.dirty = append(c.dirty, key)
	}
}

// flush writes every dirty row once.
func (c *messageCache) flush() error {
	b := c.b
	for _, key := range c.dirty {
		row := c.rows[key]
		var err error
		if row.inserted {
			err = execute(b.conn,
				`UPDATE messages
				 SET role = ?, status = ?, text = ?, source_item_type = ?, payload_json = ?, error = ?,
				     updated_at = ?, completed_at = ?
				 WHERE tenant_id = ? AND thread_id = ? AND turn_id = ? AND message_id = ?`, nil,
				string(row.role), string(row.status), row.text, row.sourceItemType, row.payloadJSON, row.errorText,
				b.now, row.completedAt,
				b.actor.TenantID, b.threadID, key.turnID, key.messageID)
		} else {
			err = execute(b.conn,
				`INSERT INTO messages (tenant_id, thread_id, turn_id, message_id, user_id, role, status, text,
				                       source_item_type, order_in_turn, payload_json, error, created_at, updated_at, completed_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nil,
				b.actor.TenantID, b.threadID, key.turnID, key.messageID, b.actor.UserID,
				string(row.role), string(row.status), row.text, row.sourceItemType, row.order, row.payloadJSON,
				row.errorText, row.createdAt, b.now, row.completedAt)
			row.inserted = true
		}
		if err != nil {
			return err
		}
	}
	c.dirty = nil
	clear(c.isDirty)
	return nil
}

// mergeMessageStatus applies an incoming status to an existing one.
// Failed is sticky; interrupted yields only to failed; an incoming
// streaming status never regresses a message.
func mergeMessageStatus(existing, incoming protocol.MessageStatus) protocol.MessageStatus {
	switch {
	case existing == protocol.MessageFailed:
		return existing
	case existing == protocol.MessageInterrupted && incoming != protocol.MessageFailed:
		return existing
	case incoming == protocol.MessageStreaming:
		return existing
	default:
		return incoming
	}
}

// applyMessageEffects turns an event's message, delta, and reasoning
// facets into row changes.
func (b *batch) applyMessageEffects(event *ingest.NormalizedEvent) error {
	if !event.HasTurn() {
		return nil
	}
	if event.Message != nil {
		if err := b.applyDurableMessage(event.TurnID, event.Message); err != nil {
			return err
		}
	}
	if event.Delta != nil {
		if err := b.applyDurableDelta(event.TurnID, event.Delta); err != nil {
			return err
		}
	}
	if event.Reasoning != nil {
		if err := b.applyReasoningDelta(event); err != nil {
			return err
		}
	}
	return nil
}

func (b *batch) applyDurableMessage(turnID string, message *protocol.DurableMessage) error {
	key := messageKey{turnID: turnID, messageID: message.MessageID}
	row, err := b.messages.get(key)
	if err != nil {
		return err
	}

	if row == nil {
		row = &messageRow{
			role:           message.Role,
			status:         message.Status,
			text:           message.Text,
			sourceItemType: message.SourceItemType,
			payloadJSON:    message.PayloadJSON,
		}
		b.settleMessage(row)
		return b.messages.create(key, row)
	}

	row.status = mergeMessageStatus(row.status, message.Status)
	row.role = message.Role
	row.sourceItemType = message.SourceItemType
	row.payloadJSON = message.PayloadJSON
	if message.Text != "" {
		row.text = message.Text
	}
	b.settleMessage(row)
	b.messages.markDirty(key)
	return nil
}

// settleMessage stamps completion and the failure error once a row
// leaves streaming.
func (b *batch) settleMessage(row *messageRow) {
	if row.status == protocol.MessageStreaming {
		return
	}
	if row.completedAt == 0 {
		row.completedAt = b.now
	}
	if row.status == protocol.MessageFailed && row.errorText == "" {
		row.errorText = itemFailedError
	}
}

type agentMessagePayload struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Text string `json:"text"`
}

func agentMessageJSON(messageID, text string) string {
	data, err := json.Marshal(agentMessagePayload{Type: "agentMessage", ID: messageID, Text: text})
	if err != nil {
		panic(err)
	}
	return string(data)
}

// applyDurableDelta appends streamed text. Deltas for a message that
// has already left streaming are ignored.
func (b *batch) applyDurableDelta(turnID string, delta *protocol.DurableDelta) error {
	key := messageKey{turnID: turnID, messageID: delta.MessageID}
	row, err := b.messages.get(key)
	if err != nil {
		return err
	}
	if row == nil {
		return b.messages.create(key, &messageRow{
			role:           protocol.RoleAssistant,
			status:         protocol.MessageStreaming,
			text:           delta.Delta,
			sourceItemType: "agentMessage",
			payloadJSON:    agentMessageJSON(delta.MessageID, delta.Delta),
		})
	}
	if row.status != protocol.MessageStreaming {
		return nil
	}
	row.text += delta.Delta
	row.payloadJSON = agentMessageJSON(delta.MessageID, row.text)
	b.messages.markDirty(key)
	return nil
}

// applyReasoningDelta appends to the reasoning segment addressed by
// (item, channel, index). Raw reasoning is kept only when the runtime
// exposes it.
func (b *batch) applyReasoningDelta(event *ingest.NormalizedEvent) error {
	reasoning := event.Reasoning
	if reasoning.Channel == protocol.ReasoningRaw && !b.runtime.ExposeRawReasoningDeltas {
		return nil
	}
	return execute(b.conn,
		`INSERT INTO reasoning_segments (tenant_id, thread_id, turn_id, item_id, channel, segment_index, segment_type,
		                                 text, event_id, cursor_start, cursor_end, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, thread_id, turn_id, item_id, channel, segment_index) DO UPDATE
		 SET text = reasoning_segments.text || excluded.text, event_id = excluded.event_id,
		     cursor_end = excluded.cursor_end, updated_at = excluded.updated_at`, nil,
		b.actor.TenantID, b.threadID, event.TurnID, reasoning.ItemID, string(reasoning.Channel), reasoning.Index,
		string(reasoning.SegmentType), reasoning.Delta, event.EventID, event.CursorStart, event.CursorEnd, b.now, b.now)
}
