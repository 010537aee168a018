// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncstore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"

	"github.com/zakstam/convex-codex-component-sub003/lib/syncerr"
)

// SessionStatus is the lifecycle of a session.
type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionActive   SessionStatus = "active"
	SessionStale    SessionStatus = "stale"
)

// SessionRequest identifies a session binding.
type SessionRequest struct {
	Actor     Actor  `json:"actor"`
	SessionID string `json:"sessionId"`
	ThreadID  string `json:"threadId"`

	// LastEventCursor is the client's highest known cursor. The stored
	// value never decreases.
	LastEventCursor int64 `json:"lastEventCursor"`
}

// EnsureSessionStatus reports whether EnsureSession created the
// session.
type EnsureSessionStatus string

const (
	SessionCreated  EnsureSessionStatus = "created"
	SessionExisting EnsureSessionStatus = "active"
)

// EnsureSessionResult is returned by EnsureSession.
type EnsureSessionResult struct {
	SessionID string              `json:"sessionId"`
	ThreadID  string              `json:"threadId"`
	Status    EnsureSessionStatus `json:"status"`
}

// sessionRecord is the session state ingestion reads.
type sessionRecord struct {
	threadID        string
	userID          string
	deviceID        string
	lastEventCursor int64
	lastHeartbeatAt int64
}

// EnsureSession creates the session or, when it exists, rebinds it to
// the request's thread and device and marks it active. A session owned
// by another user fails with E_AUTH_SESSION_FORBIDDEN.
func (s *Store) EnsureSession(ctx context.Context, request SessionRequest) (EnsureSessionResult, error) {
	var result EnsureSessionResult
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		var err error
		result, err = s.upsertSession(conn, request)
		return err
	})
	if err != nil {
		return EnsureSessionResult{}, fmt.Errorf("ensuring session %s: %w", request.SessionID, err)
	}
	return result, nil
}

// Heartbeat is EnsureSession without a result.
func (s *Store) Heartbeat(ctx context.Context, request SessionRequest) error {
	_, err := s.EnsureSession(ctx, request)
	return err
}

func (s *Store) upsertSession(conn *sqlite.Conn, request SessionRequest) (EnsureSessionResult, error) {
	actor := request.Actor
	if err := requireThread(conn, actor, request.ThreadID); err != nil {
		return EnsureSessionResult{}, err
	}
	result := EnsureSessionResult{SessionID: request.SessionID, ThreadID: request.ThreadID}
	now := s.nowMillis()
	cursor := max(0, request.LastEventCursor)

	session, found, err := loadSession(conn, actor.TenantID, request.SessionID)
	if err != nil {
		return EnsureSessionResult{}, err
	}
	if !found {
		result.Status = SessionCreated
		err := execute(conn,
			`INSERT INTO sessions (tenant_id, session_id, thread_id, user_id, device_id, status,
			                       last_event_cursor, last_heartbeat_at, started_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, nil,
			actor.TenantID, request.SessionID, request.ThreadID, actor.UserID, actor.DeviceID,
			string(SessionActive), cursor, now, now)
		if err != nil {
			return EnsureSessionResult{}, err
		}
		s.logger.Info("session created",
			"tenant_id", actor.TenantID,
			"session_id", request.SessionID,
			"thread_id", request.ThreadID,
			"device_id", actor.DeviceID,
		)
		return result, nil
	}

	if session.userID != actor.UserID {
		return EnsureSessionResult{}, sessionForbidden(actor, request.SessionID)
	}
	if session.threadID != request.ThreadID || session.deviceID != actor.DeviceID {
		s.logger.Info("session rebound",
			"tenant_id", actor.TenantID,
			"session_id", request.SessionID,
			"from_thread_id", session.threadID,
			"thread_id", request.ThreadID,
			"from_device_id", session.deviceID,
			"device_id", actor.DeviceID,
		)
	}
	result.Status = SessionExisting
	err = execute(conn,
		`UPDATE sessions
		 SET thread_id = ?, device_id = ?, status = ?, last_heartbeat_at = ?,
		     last_event_cursor = MAX(last_event_cursor, ?), ended_at = 0, error = ''
		 WHERE tenant_id = ? AND session_id = ?`, nil,
		request.ThreadID, actor.DeviceID, string(SessionActive), now, cursor,
		actor.TenantID, request.SessionID)
	if err != nil {
		return EnsureSessionResult{}, err
	}
	return result, nil
}

func loadSession(conn *sqlite.Conn, tenantID, sessionID string) (sessionRecord, bool, error) {
	var session sessionRecord
	found, err := queryOne(conn,
		`SELECT thread_id, user_id, device_id, last_event_cursor, last_heartbeat_at
		 FROM sessions WHERE tenant_id = ? AND session_id = ?`,
		func(stmt *sqlite.Stmt) error {
			session = sessionRecord{
				threadID:        stmt.ColumnText(0),
				userID:          stmt.ColumnText(1),
				deviceID:        stmt.ColumnText(2),
				lastEventCursor: stmt.ColumnInt64(3),
				lastHeartbeatAt: stmt.ColumnInt64(4),
			}
			return nil
		}, tenantID, sessionID)
	return session, found, err
}

// requireBoundSession verifies that sessionID is bound to threadID on
// actor's device. Ownership is checked first, so a session belonging to
// another user is never reported as recoverable.
func requireBoundSession(conn *sqlite.Conn, actor Actor, sessionID, threadID string) (sessionRecord, error) {
	session, found, err := loadSession(conn, actor.TenantID, sessionID)
	if err != nil {
		return sessionRecord{}, err
	}
	if !found {
		return sessionRecord{}, syncerr.New(syncerr.CodeSessionNotFound,
			"no active session found for sessionId=%s", sessionID)
	}
	if session.userID != actor.UserID {
		return sessionRecord{}, sessionForbidden(actor, sessionID)
	}
	if session.threadID != threadID {
		return sessionRecord{}, syncerr.New(syncerr.CodeSessionThreadMismatch,
			"session threadId=%s does not match request threadId=%s", session.threadID, threadID)
	}
	if session.deviceID != actor.DeviceID {
		return sessionRecord{}, syncerr.New(syncerr.CodeSessionDeviceMismatch,
			"session deviceId=%s does not match actor deviceId=%s", session.deviceID, actor.DeviceID)
	}
	return session, nil
}

func sessionForbidden(actor Actor, sessionID string) error {
	return syncerr.New(syncerr.CodeSessionForbidden, "user %s is not allowed to access session %s", actor.UserID, sessionID)
}

// Checkpoint is a device's acknowledged cursor for one stream.
type Checkpoint struct {
	StreamID string `json:"streamId"`
	Cursor   int64  `json:"cursor"`
}

// UpsertCheckpoint records cursor for the actor's device. The stored
// cursor never decreases.
func (s *Store) UpsertCheckpoint(ctx context.Context, actor Actor, threadID, streamID string, cursor int64) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := requireThread(conn, actor, threadID); err != nil {
			return err
		}
		return upsertCheckpoint(conn, actor, threadID, streamID, max(0, cursor), s.nowMillis())
	})
	if err != nil {
		return fmt.Errorf("upserting checkpoint for stream %s: %w", streamID, err)
	}
	return nil
}

func upsertCheckpoint(conn *sqlite.Conn, actor Actor, threadID, streamID string, cursor, now int64) error {
	return execute(conn,
		`INSERT INTO stream_checkpoints (tenant_id, thread_id, device_id, stream_id, user_id, acked_cursor, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, thread_id, device_id, stream_id) DO UPDATE
		 SET acked_cursor = excluded.acked_cursor, updated_at = excluded.updated_at
		 WHERE excluded.acked_cursor > stream_checkpoints.acked_cursor`, nil,
		actor.TenantID, threadID, actor.DeviceID, streamID, actor.UserID, cursor, now)
}

// ListCheckpoints returns the actor device's checkpoints for threadID,
// ordered by stream id.
func (s *Store) ListCheckpoints(ctx context.Context, actor Actor, threadID string) ([]Checkpoint, error) {
	var checkpoints []Checkpoint
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		if err := requireThread(conn, actor, threadID); err != nil {
			return err
		}
		return execute(conn,
			`SELECT stream_id, acked_cursor FROM stream_checkpoints
			 WHERE tenant_id = ? AND thread_id = ? AND device_id = ?
			 ORDER BY stream_id`,
			func(stmt *sqlite.Stmt) error {
				checkpoints = append(checkpoints, Checkpoint{StreamID: stmt.ColumnText(0), Cursor: stmt.ColumnInt64(1)})
				return nil
			}, actor.TenantID, threadID, actor.DeviceID)
	})
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints for thread %s: %w", threadID, err)
	}
	return checkpoints, nil
}
