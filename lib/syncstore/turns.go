// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncstore

import (
	"context"
	"fmt"
	"slices"

	"zombiezen.com/go/sqlite"

	"github.com/zakstam/convex-codex-component-sub003/lib/ingest"
	"github.com/zakstam/convex-codex-component-sub003/lib/protocol"
	"github.com/zakstam/convex-codex-component-sub003/lib/syncerr"
)

func turnIdempotencyKey(threadID, turnID string) string {
	return "sync:" + threadID + ":" + turnID
}

// StartTurnRequest asks for a turn to be created ahead of its events.
// A retried request carrying the same IdempotencyKey resolves to the
// turn the first call created.
type StartTurnRequest struct {
	Actor          Actor  `json:"actor"`
	ThreadID       string `json:"threadId"`
	TurnID         string `json:"turnId"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// StartTurnResult reports the turn a StartTurn call resolved to.
// Replayed is true when the turn already existed.
type StartTurnResult struct {
	TurnID   string              `json:"turnId"`
	Status   protocol.TurnStatus `json:"status"`
	Replayed bool                `json:"replayed"`
}

// StartTurn creates a queued turn. An empty IdempotencyKey defaults to
// the key ingestion assigns to lazily created turns, so an explicit
// start racing the turn's first event converges on one row.
func (s *Store) StartTurn(ctx context.Context, request StartTurnRequest) (StartTurnResult, error) {
	if request.TurnID == "" {
		return StartTurnResult{}, syncerr.New(syncerr.CodeInvalidEvent, "turn id is required")
	}
	key := request.IdempotencyKey
	if key == "" {
		key = turnIdempotencyKey(request.ThreadID, request.TurnID)
	}

	var result StartTurnResult
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := requireThread(conn, request.Actor, request.ThreadID); err != nil {
			return err
		}
		var owner string
		found, err := queryOne(conn,
			`SELECT turn_id, user_id, status FROM turns
			 WHERE tenant_id = ? AND thread_id = ? AND (idempotency_key = ? OR turn_id = ?)
			 ORDER BY idempotency_key = ? DESC LIMIT 1`,
			func(stmt *sqlite.Stmt) error {
				result.TurnID = stmt.ColumnText(0)
				owner = stmt.ColumnText(1)
				result.Status = protocol.TurnStatus(stmt.ColumnText(2))
				return nil
			}, request.Actor.TenantID, request.ThreadID, key, request.TurnID, key)
		if err != nil {
			return err
		}
		if found {
			if owner != request.Actor.UserID {
				return syncerr.New(syncerr.CodeTurnForbidden, "user %s is not allowed to access turn %s", request.Actor.UserID, result.TurnID)
			}
			result.Replayed = true
			return nil
		}
		result = StartTurnResult{TurnID: request.TurnID, Status: protocol.TurnQueued}
		return execute(conn,
			`INSERT INTO turns (tenant_id, thread_id, turn_id, user_id, status, idempotency_key, started_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`, nil,
			request.Actor.TenantID, request.ThreadID, request.TurnID, request.Actor.UserID,
			string(protocol.TurnQueued), key, s.nowMillis())
	})
	if err != nil {
		return StartTurnResult{}, fmt.Errorf("starting turn %s: %w", request.TurnID, err)
	}
	return result, nil
}

// ensureTurn links the event to its turn, creating the turn with the
// event's synthetic status on first reference.
func (b *batch) ensureTurn(event *ingest.NormalizedEvent) error {
	if !event.HasTurn() || b.knownTurns[event.TurnID] {
		return nil
	}
	var owner string
	found, err := queryOne(b.conn,
		"SELECT user_id FROM turns WHERE tenant_id = ? AND thread_id = ? AND turn_id = ?",
		func(stmt *sqlite.Stmt) error {
			owner = stmt.ColumnText(0)
			return nil
		}, b.actor.TenantID, b.threadID, event.TurnID)
	if err != nil {
		return err
	}
	if found && owner != b.actor.UserID {
		return syncerr.New(syncerr.CodeTurnForbidden, "user %s is not allowed to access turn %s", b.actor.UserID, event.TurnID)
	}

	if !found {
		status := event.SyntheticStatus
		var completedAt int64
		var turnError string
		if event.Terminal != nil {
			completedAt = b.now
			turnError = event.Terminal.Error
		}
		err := execute(b.conn,
			`INSERT INTO turns (tenant_id, thread_id, turn_id, user_id, status, idempotency_key, error, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, nil,
			b.actor.TenantID, b.threadID, event.TurnID, b.actor.UserID, string(status),
			turnIdempotencyKey(b.threadID, event.TurnID), turnError, b.now, completedAt)
		if err != nil {
			return err
		}
	}
	b.knownTurns[event.TurnID] = true
	return nil
}

// collectTurnSignals records turn starts and the highest-priority
// terminal status seen per turn.
func (b *batch) collectTurnSignals(event *ingest.NormalizedEvent) {
	if !event.HasTurn() {
		return
	}
	if event.Kind == protocol.KindTurnStarted && !slices.Contains(b.startedTurns, event.TurnID) {
		b.startedTurns = append(b.startedTurns, event.TurnID)
	}
	if event.Terminal == nil {
		return
	}
	current, seen := b.terminalTurns[event.TurnID]
	if !seen {
		b.terminalOrder = append(b.terminalOrder, event.TurnID)
		b.terminalTurns[event.TurnID] = *event.Terminal
		return
	}
	b.terminalTurns[event.TurnID] = protocol.PickHigherPriority(&current, *event.Terminal)
}

// finalizeTurns promotes started turns and hands terminal turns to
// reconcileTerminalArtifacts. Streaming messages of failed and
// interrupted turns are closed in the same transaction.
func (b *batch) finalizeTurns() error {
	for _, turnID := range b.startedTurns {
		err := execute(b.conn,
			`UPDATE turns SET status = ?
			 WHERE tenant_id = ? AND thread_id = ? AND turn_id = ? AND status = ?`, nil,
			string(protocol.TurnInProgress), b.actor.TenantID, b.threadID, turnID, string(protocol.TurnQueued))
		if err != nil {
			return err
		}
	}

	for _, turnID := range b.terminalOrder {
		terminal := b.terminalTurns[turnID]
		task := newReconcileTask(reconcileArgs{
			TenantID:          b.actor.TenantID,
			ThreadID:          b.threadID,
			TurnID:            turnID,
			Status:            string(terminal.Status),
			Error:             terminal.Error,
			DeleteDelayMillis: b.runtime.FinishedStreamDeleteDelay.Milliseconds(),
		})
		if _, err := b.store.queue.Enqueue(b.conn, task); err != nil {
			return err
		}
		if terminal.Status == protocol.TurnCompleted {
			continue
		}
		err := closeStreamingMessages(b.conn, b.actor.TenantID, b.threadID, turnID,
			messageStatusForTurn(terminal.Status), terminal.Error, b.now)
		if err != nil {
			return err
		}
	}
	return nil
}

// messageStatusForTurn maps a terminal turn status onto the status its
// unfinished messages take.
func messageStatusForTurn(status protocol.TurnStatus) protocol.MessageStatus {
	switch status {
	case protocol.TurnFailed:
		return protocol.MessageFailed
	case protocol.TurnInterrupted:
		return protocol.MessageInterrupted
	default:
		return protocol.MessageCompleted
	}
}

// closeStreamingMessages moves every streaming message of a turn to
// status. The error is only recorded for failed and interrupted
// messages.
func closeStreamingMessages(conn *sqlite.Conn, tenantID, threadID, turnID string, status protocol.MessageStatus, message string, now int64) error {
	if status == protocol.MessageCompleted {
		message = ""
	}
	return execute(conn,
		`UPDATE messages SET status = ?, error = ?, updated_at = ?, completed_at = ?
		 WHERE tenant_id = ? AND thread_id = ? AND turn_id = ? AND status = ?`, nil,
		string(status), message, now, now, tenantID, threadID, turnID, string(protocol.MessageStreaming))
}
