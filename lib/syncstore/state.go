// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncstore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"

	"github.com/zakstam/convex-codex-component-sub003/lib/payload"
	"github.com/zakstam/convex-codex-component-sub003/lib/protocol"
)

// Turn is a stored turn.
type Turn struct {
	TurnID      string              `json:"turnId"`
	Status      protocol.TurnStatus `json:"status"`
	Error       string              `json:"error,omitempty"`
	StartedAt   int64               `json:"startedAt"`
	CompletedAt int64               `json:"completedAt,omitempty"`
}

// Message is a stored durable message.
type Message struct {
	TurnID         string                 `json:"turnId"`
	MessageID      string                 `json:"messageId"`
	Role           protocol.MessageRole   `json:"role"`
	Status         protocol.MessageStatus `json:"status"`
	Text           string                 `json:"text"`
	SourceItemType string                 `json:"sourceItemType"`
	OrderInTurn    int64                  `json:"orderInTurn"`
	PayloadJSON    string                 `json:"payloadJson"`
	Error          string                 `json:"error,omitempty"`
	CompletedAt    int64                  `json:"completedAt,omitempty"`
}

// Approval is a stored approval.
type Approval struct {
	TurnID    string                  `json:"turnId"`
	ItemID    string                  `json:"itemId"`
	Kind      protocol.ApprovalKind   `json:"kind"`
	Status    protocol.ApprovalStatus `json:"status"`
	Reason    string                  `json:"reason,omitempty"`
	DecidedBy string                  `json:"decidedBy,omitempty"`
	DecidedAt int64                   `json:"decidedAt,omitempty"`
}

// ReasoningSegment is accumulated reasoning text for one item, channel,
// and index.
type ReasoningSegment struct {
	TurnID      string                    `json:"turnId"`
	ItemID      string                    `json:"itemId"`
	Channel     protocol.ReasoningChannel `json:"channel"`
	Index       int                       `json:"segmentIndex"`
	SegmentType protocol.SegmentType      `json:"segmentType"`
	Text        string                    `json:"text"`
}

// ThreadStateResult is the durable state of a thread.
type ThreadStateResult struct {
	ThreadID  string             `json:"threadId"`
	Status    ThreadStatus       `json:"status"`
	Turns     []Turn             `json:"turns"`
	Messages  []Message          `json:"messages"`
	Approvals []Approval         `json:"approvals"`
	Reasoning []ReasoningSegment `json:"reasoning"`
}

// ThreadState reads everything stored for a thread. Turns are ordered
// by start time, messages by turn start then order within the turn.
func (s *Store) ThreadState(ctx context.Context, actor Actor, threadID string) (ThreadStateResult, error) {
	state := ThreadStateResult{
		ThreadID:  threadID,
		Turns:     []Turn{},
		Messages:  []Message{},
		Approvals: []Approval{},
		Reasoning: []ReasoningSegment{},
	}
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		if err := requireThread(conn, actor, threadID); err != nil {
			return err
		}
		tenantID := actor.TenantID
		_, err := queryOne(conn, "SELECT status FROM threads WHERE tenant_id = ? AND thread_id = ?",
			func(stmt *sqlite.Stmt) error {
				state.Status = ThreadStatus(stmt.ColumnText(0))
				return nil
			}, tenantID, threadID)
		if err != nil {
			return err
		}

		err = execute(conn,
			`SELECT turn_id, status, error, started_at, completed_at FROM turns
			 WHERE tenant_id = ? AND thread_id = ? ORDER BY started_at, turn_id`,
			func(stmt *sqlite.Stmt) error {
				state.Turns = append(state.Turns, Turn{
					TurnID:      stmt.ColumnText(0),
					Status:      protocol.TurnStatus(stmt.ColumnText(1)),
					Error:       stmt.ColumnText(2),
					StartedAt:   stmt.ColumnInt64(3),
					CompletedAt: stmt.ColumnInt64(4),
				})
				return nil
			}, tenantID, threadID)
		if err != nil {
			return err
		}

		err = execute(conn,
			`SELECT m.turn_id, m.message_id, m.role, m.status, m.text, m.source_item_type, m.order_in_turn,
			        m.payload_json, m.error, m.completed_at
			 FROM messages m
			 JOIN turns t ON t.tenant_id = m.tenant_id AND t.thread_id = m.thread_id AND t.turn_id = m.turn_id
			 WHERE m.tenant_id = ? AND m.thread_id = ?
			 ORDER BY t.started_at, m.turn_id, m.order_in_turn`,
			func(stmt *sqlite.Stmt) error {
				state.Messages = append(state.Messages, Message{
					TurnID:         stmt.ColumnText(0),
					MessageID:      stmt.ColumnText(1),
					Role:           protocol.MessageRole(stmt.ColumnText(2)),
					Status:         protocol.MessageStatus(stmt.ColumnText(3)),
					Text:           stmt.ColumnText(4),
					SourceItemType: stmt.ColumnText(5),
					OrderInTurn:    stmt.ColumnInt64(6),
					PayloadJSON:    stmt.ColumnText(7),
					Error:          stmt.ColumnText(8),
					CompletedAt:    stmt.ColumnInt64(9),
				})
				return nil
			}, tenantID, threadID)
		if err != nil {
			return err
		}

		err = execute(conn,
			`SELECT turn_id, item_id, kind, status, reason, decided_by, decided_at FROM approvals
			 WHERE tenant_id = ? AND thread_id = ? ORDER BY created_at, turn_id, item_id`,
			func(stmt *sqlite.Stmt) error {
				state.Approvals = append(state.Approvals, Approval{
					TurnID:    stmt.ColumnText(0),
					ItemID:    stmt.ColumnText(1),
					Kind:      protocol.ApprovalKind(stmt.ColumnText(2)),
					Status:    protocol.ApprovalStatus(stmt.ColumnText(3)),
					Reason:    stmt.ColumnText(4),
					DecidedBy: stmt.ColumnText(5),
					DecidedAt: stmt.ColumnInt64(6),
				})
				return nil
			}, tenantID, threadID)
		if err != nil {
			return err
		}

		return execute(conn,
			`SELECT turn_id, item_id, channel, segment_index, segment_type, text FROM reasoning_segments
			 WHERE tenant_id = ? AND thread_id = ? ORDER BY created_at, turn_id, item_id, channel, segment_index`,
			func(stmt *sqlite.Stmt) error {
				state.Reasoning = append(state.Reasoning, ReasoningSegment{
					TurnID:      stmt.ColumnText(0),
					ItemID:      stmt.ColumnText(1),
					Channel:     protocol.ReasoningChannel(stmt.ColumnText(2)),
					Index:       stmt.ColumnInt(3),
					SegmentType: protocol.SegmentType(stmt.ColumnText(4)),
					Text:        stmt.ColumnText(5),
				})
				return nil
			}, tenantID, threadID)
	})
	if err != nil {
		return ThreadStateResult{}, fmt.Errorf("reading thread %s: %w", threadID, err)
	}
	return state, nil
}

// LifecycleEvent is a stored stream-less event.
type LifecycleEvent struct {
	EventID     string `json:"eventId"`
	TurnID      string `json:"turnId,omitempty"`
	Kind        string `json:"kind"`
	PayloadJSON string `json:"payloadJson"`
	CreatedAt   int64  `json:"createdAt"`
}

// LifecycleEvents returns the thread's stream-less events, including
// stream/drain_complete markers, in creation order.
func (s *Store) LifecycleEvents(ctx context.Context, actor Actor, threadID string) ([]LifecycleEvent, error) {
	events := []LifecycleEvent{}
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		if err := requireThread(conn, actor, threadID); err != nil {
			return err
		}
		return execute(conn,
			`SELECT event_id, turn_id, kind, payload, payload_codec, payload_size, created_at FROM lifecycle_events
			 WHERE tenant_id = ? AND thread_id = ? ORDER BY created_at, event_id`,
			func(stmt *sqlite.Stmt) error {
				stored := storedPayload{
					data:  columnBytes(stmt, 3),
					codec: payload.Codec(stmt.ColumnInt(4)),
					size:  stmt.ColumnInt(5),
				}
				payloadJSON, err := stored.decode()
				if err != nil {
					return err
				}
				events = append(events, LifecycleEvent{
					EventID:     stmt.ColumnText(0),
					TurnID:      stmt.ColumnText(1),
					Kind:        stmt.ColumnText(2),
					PayloadJSON: payloadJSON,
					CreatedAt:   stmt.ColumnInt64(6),
				})
				return nil
			}, actor.TenantID, threadID)
	})
	if err != nil {
		return nil, fmt.Errorf("listing lifecycle events for thread %s: %w", threadID, err)
	}
	return events, nil
}
