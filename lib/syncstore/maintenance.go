// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"

	"github.com/zakstam/convex-codex-component-sub003/lib/ingest"
	"github.com/zakstam/convex-codex-component-sub003/lib/protocol"
	"github.com/zakstam/convex-codex-component-sub003/lib/scheduler"
)

// Task names registered by [Store.RegisterTasks].
const (
	TaskReconcileTerminalArtifacts = "reconcileTerminalArtifacts"
	TaskCleanupFinishedStream      = "cleanupFinishedStream"
	TaskTimeoutStaleSessions       = "timeoutStaleSessions"
	TaskCleanupExpiredDeltas       = "cleanupExpiredDeltas"
)

// KindStreamDrainComplete marks a finished stream whose deltas have all
// been deleted.
const KindStreamDrainComplete = "stream/drain_complete"

const (
	maxStreamDeleteBatch   = 2000
	maxExpiredDeltaBatch   = 5000
	staleSessionSweepLimit = 500
	heartbeatTimeoutError  = "heartbeat timeout"
)

type reconcileArgs struct {
	TenantID          string `cbor:"tenant"`
	ThreadID          string `cbor:"thread"`
	TurnID            string `cbor:"turn"`
	Status            string `cbor:"status"`
	Error             string `cbor:"error,omitempty"`
	DeleteDelayMillis int64  `cbor:"delete_delay_ms"`
}

type cleanupStreamArgs struct {
	TenantID string `cbor:"tenant"`
	StreamID string `cbor:"stream"`
	Batch    int    `cbor:"batch"`
}

type staleSessionsArgs struct {
	TenantID    string `cbor:"tenant"`
	StaleBefore int64  `cbor:"stale_before"`
}

type expiredDeltasArgs struct {
	Now   int64 `cbor:"now"`
	Batch int   `cbor:"batch"`
}

func newReconcileTask(args reconcileArgs) scheduler.Task {
	return scheduler.Task{Name: TaskReconcileTerminalArtifacts, Payload: args}
}

func newCleanupStreamTask(tenantID, streamID string, batch int, runAt time.Time) scheduler.Task {
	return scheduler.Task{
		Name:    TaskCleanupFinishedStream,
		Payload: cleanupStreamArgs{TenantID: tenantID, StreamID: streamID, Batch: batch},
		RunAt:   runAt,
	}
}

// newStaleSessionsTask is deduplicated per tenant; one queued sweep
// covers every session.
func newStaleSessionsTask(tenantID string, staleBefore int64) scheduler.Task {
	return scheduler.Task{
		Name:      TaskTimeoutStaleSessions,
		Payload:   staleSessionsArgs{TenantID: tenantID, StaleBefore: staleBefore},
		DedupeKey: TaskTimeoutStaleSessions + ":" + tenantID,
	}
}

func newExpiredDeltasTask(now int64, batch int) scheduler.Task {
	return scheduler.Task{
		Name:    TaskCleanupExpiredDeltas,
		Payload: expiredDeltasArgs{Now: now, Batch: batch},
	}
}

// clampBatch returns fallback for non-positive sizes and caps the rest
// at limit.
func clampBatch(size, fallback, limit int) int {
	if size <= 0 {
		return fallback
	}
	return min(size, limit)
}

// RegisterTasks registers the store's maintenance handlers on runner.
// The runner must drain the store's own pool.
func (s *Store) RegisterTasks(runner *scheduler.Runner) {
	runner.Handle(TaskReconcileTerminalArtifacts, s.reconcileTerminalArtifacts)
	runner.Handle(TaskCleanupFinishedStream, s.cleanupFinishedStream)
	runner.Handle(TaskTimeoutStaleSessions, s.timeoutStaleSessions)
	runner.Handle(TaskCleanupExpiredDeltas, s.cleanupExpiredDeltas)
}

// reconcileTerminalArtifacts settles a turn that received a terminal
// signal: the turn takes the higher-priority terminal status, its
// streaming messages close, and its open streams end and are queued
// for cleanup.
func (s *Store) reconcileTerminalArtifacts(ctx context.Context, encoded scheduler.Payload) error {
	var args reconcileArgs
	if err := encoded.Decode(&args); err != nil {
		return err
	}
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		var currentStatus protocol.TurnStatus
		var currentError string
		found, err := queryOne(conn,
			"SELECT status, error FROM turns WHERE tenant_id = ? AND thread_id = ? AND turn_id = ?",
			func(stmt *sqlite.Stmt) error {
				currentStatus = protocol.TurnStatus(stmt.ColumnText(0))
				currentError = stmt.ColumnText(1)
				return nil
			}, args.TenantID, args.ThreadID, args.TurnID)
		if err != nil {
			return err
		}
		if !found {
			s.logger.Warn("reconcile skipped, turn not found",
				"tenant_id", args.TenantID,
				"thread_id", args.ThreadID,
				"turn_id", args.TurnID,
			)
			return nil
		}

		var current *protocol.TerminalStatus
		if currentStatus.IsTerminal() {
			current = &protocol.TerminalStatus{Status: currentStatus, Error: currentError}
		}
		picked := protocol.PickHigherPriority(current, protocol.TerminalStatus{
			Status: protocol.TurnStatus(args.Status),
			Error:  args.Error,
		})
		errorText := ""
		if picked.Status != protocol.TurnCompleted {
			errorText = firstNonEmpty(picked.Error, currentError, string(picked.Status))
		}

		now := s.nowMillis()
		err = execute(conn,
			`UPDATE turns
			 SET status = ?, error = ?, completed_at = CASE WHEN completed_at = 0 THEN ? ELSE completed_at END
			 WHERE tenant_id = ? AND thread_id = ? AND turn_id = ?`, nil,
			string(picked.Status), errorText, now, args.TenantID, args.ThreadID, args.TurnID)
		if err != nil {
			return err
		}
		err = closeStreamingMessages(conn, args.TenantID, args.ThreadID, args.TurnID,
			messageStatusForTurn(picked.Status), errorText, now)
		if err != nil {
			return err
		}
		return s.endTurnStreams(conn, args, picked.Status, errorText, now)
	})
}

// endTurnStreams finishes or aborts the turn's streaming streams and
// schedules their deletion.
func (s *Store) endTurnStreams(conn *sqlite.Conn, args reconcileArgs, status protocol.TurnStatus, reason string, now int64) error {
	var streamIDs []string
	err := execute(conn,
		"SELECT stream_id FROM streams WHERE tenant_id = ? AND thread_id = ? AND turn_id = ? AND state = ?",
		func(stmt *sqlite.Stmt) error {
			streamIDs = append(streamIDs, stmt.ColumnText(0))
			return nil
		}, args.TenantID, args.ThreadID, args.TurnID, string(StreamStreaming))
	if err != nil {
		return err
	}

	state := StreamFinished
	if status != protocol.TurnCompleted {
		state = StreamAborted
	} else {
		reason = ""
	}
	deleteDelay := time.Duration(args.DeleteDelayMillis) * time.Millisecond
	cleanupAt := s.clock.Now().Add(deleteDelay)

	for _, streamID := range streamIDs {
		err := execute(conn,
			`UPDATE streams SET state = ?, abort_reason = ?, ended_at = ?, cleanup_scheduled_at = ?
			 WHERE tenant_id = ? AND stream_id = ?`, nil,
			string(state), reason, now, now+args.DeleteDelayMillis, args.TenantID, streamID)
		if err != nil {
			return err
		}
		err = execute(conn,
			"UPDATE stream_stats SET state = ?, updated_at = ? WHERE tenant_id = ? AND stream_id = ?", nil,
			string(state), now, args.TenantID, streamID)
		if err != nil {
			return err
		}
		task := newCleanupStreamTask(args.TenantID, streamID, ingest.StreamDeleteBatch, cleanupAt)
		if _, err := s.queue.Enqueue(conn, task); err != nil {
			return err
		}
		s.logger.Info("stream ended",
			"tenant_id", args.TenantID,
			"stream_id", streamID,
			"state", state,
			"cleanup_in", deleteDelay,
		)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

// cleanupFinishedStream deletes one batch of a finished stream's deltas
// and receipts, re-enqueueing itself while rows remain. The drained
// stream leaves a stream/drain_complete lifecycle marker and keeps its
// binding.
func (s *Store) cleanupFinishedStream(ctx context.Context, encoded scheduler.Payload) error {
	var args cleanupStreamArgs
	if err := encoded.Decode(&args); err != nil {
		return err
	}
	batchSize := clampBatch(args.Batch, ingest.StreamDeleteBatch, maxStreamDeleteBatch)

	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		var threadID, turnID string
		var state StreamState
		found, err := queryOne(conn,
			"SELECT thread_id, turn_id, state FROM streams WHERE tenant_id = ? AND stream_id = ?",
			func(stmt *sqlite.Stmt) error {
				threadID = stmt.ColumnText(0)
				turnID = stmt.ColumnText(1)
				state = StreamState(stmt.ColumnText(2))
				return nil
			}, args.TenantID, args.StreamID)
		if err != nil {
			return err
		}
		if !found {
			return execute(conn, "DELETE FROM stream_stats WHERE tenant_id = ? AND stream_id = ?", nil,
				args.TenantID, args.StreamID)
		}
		if state == StreamStreaming {
			return nil
		}

		deletedDeltas, err := deleteLimited(conn,
			`DELETE FROM stream_deltas WHERE delta_id IN (
			     SELECT delta_id FROM stream_deltas WHERE tenant_id = ? AND stream_id = ?
			     ORDER BY cursor_start LIMIT ?)`,
			args.TenantID, args.StreamID, batchSize)
		if err != nil {
			return err
		}
		deletedReceipts, err := deleteLimited(conn,
			`DELETE FROM stream_receipts WHERE rowid IN (
			     SELECT rowid FROM stream_receipts WHERE tenant_id = ? AND stream_id = ?
			     ORDER BY cursor_start LIMIT ?)`,
			args.TenantID, args.StreamID, batchSize)
		if err != nil {
			return err
		}
		if deletedDeltas == batchSize || deletedReceipts == batchSize {
			_, err := s.queue.Enqueue(conn, newCleanupStreamTask(args.TenantID, args.StreamID, batchSize, time.Time{}))
			return err
		}

		// The streams and stream_stats rows outlive the drain: they hold
		// the stream's turn binding and applied cursor.
		if err := s.recordDrainComplete(conn, args.TenantID, threadID, turnID, args.StreamID); err != nil {
			return err
		}
		s.logger.Info("stream drained", "tenant_id", args.TenantID, "stream_id", args.StreamID)
		return nil
	})
}

func (s *Store) recordDrainComplete(conn *sqlite.Conn, tenantID, threadID, turnID, streamID string) error {
	data, err := json.Marshal(map[string]string{"streamId": streamID})
	if err != nil {
		return fmt.Errorf("encoding drain marker: %w", err)
	}
	encoded, err := s.encodePayload(string(data))
	if err != nil {
		return err
	}
	return execute(conn,
		`INSERT OR IGNORE INTO lifecycle_events (tenant_id, thread_id, event_id, turn_id, kind,
		                                         payload, payload_codec, payload_size, payload_digest, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nil,
		tenantID, threadID, KindStreamDrainComplete+":"+streamID, turnID, KindStreamDrainComplete,
		encoded.Data, int(encoded.Codec), encoded.Size, encoded.Digest[:], s.nowMillis())
}

func deleteLimited(conn *sqlite.Conn, query string, args ...any) (int, error) {
	if err := execute(conn, query, nil, args...); err != nil {
		return 0, err
	}
	return conn.Changes(), nil
}

// timeoutStaleSessions marks sessions whose heartbeat predates
// StaleBefore as stale.
func (s *Store) timeoutStaleSessions(ctx context.Context, encoded scheduler.Payload) error {
	var args staleSessionsArgs
	if err := encoded.Decode(&args); err != nil {
		return err
	}
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := execute(conn,
			`UPDATE sessions SET status = ?, error = ?, ended_at = ?
			 WHERE rowid IN (
			     SELECT rowid FROM sessions
			     WHERE tenant_id = ? AND status IN (?, ?) AND last_heartbeat_at < ?
			     LIMIT ?)`, nil,
			string(SessionStale), heartbeatTimeoutError, s.nowMillis(),
			args.TenantID, string(SessionActive), string(SessionStarting), args.StaleBefore, staleSessionSweepLimit)
		if err != nil {
			return err
		}
		if count := conn.Changes(); count > 0 {
			s.logger.Info("sessions timed out", "tenant_id", args.TenantID, "count", count)
		}
		return nil
	})
}

// cleanupExpiredDeltas deletes one batch of expired deltas and
// receipts across tenants, re-enqueueing itself while a batch fills.
func (s *Store) cleanupExpiredDeltas(ctx context.Context, encoded scheduler.Payload) error {
	var args expiredDeltasArgs
	if err := encoded.Decode(&args); err != nil {
		return err
	}
	batchSize := clampBatch(args.Batch, ingest.ExpiredDeltaSweepBatch, maxExpiredDeltaBatch)

	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		deletedDeltas, err := deleteLimited(conn,
			`DELETE FROM stream_deltas WHERE delta_id IN (
			     SELECT delta_id FROM stream_deltas WHERE expires_at <= ? LIMIT ?)`,
			args.Now, batchSize)
		if err != nil {
			return err
		}
		deletedReceipts, err := deleteLimited(conn,
			`DELETE FROM stream_receipts WHERE rowid IN (
			     SELECT rowid FROM stream_receipts WHERE expires_at <= ? LIMIT ?)`,
			args.Now, batchSize)
		if err != nil {
			return err
		}
		if deletedDeltas > 0 || deletedReceipts > 0 {
			s.logger.Info("expired deltas deleted", "deltas", deletedDeltas, "receipts", deletedReceipts)
		}
		if deletedDeltas == batchSize || deletedReceipts == batchSize {
			_, err := s.queue.Enqueue(conn, newExpiredDeltasTask(args.Now, batchSize))
			return err
		}
		return nil
	})
}
