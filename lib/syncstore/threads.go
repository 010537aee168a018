// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncstore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"

	"github.com/zakstam/convex-codex-component-sub003/lib/syncerr"
)

// ThreadStatus is the lifecycle of a thread.
type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadArchived ThreadStatus = "archived"
)

// EnsureThread creates the thread for actor if it does not exist and
// touches it otherwise. It reports whether the thread was created. A
// thread owned by another user fails with E_AUTH_THREAD_FORBIDDEN.
func (s *Store) EnsureThread(ctx context.Context, actor Actor, threadID string) (created bool, err error) {
	if threadID == "" {
		return false, syncerr.New(syncerr.CodeInvalidEvent, "thread id is required")
	}
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		now := s.nowMillis()
		owner, found, err := threadOwner(conn, actor.TenantID, threadID)
		if err != nil {
			return err
		}
		if !found {
			created = true
			return execute(conn,
				`INSERT INTO threads (tenant_id, thread_id, user_id, status, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?)`, nil,
				actor.TenantID, threadID, actor.UserID, string(ThreadActive), now, now)
		}
		if owner != actor.UserID {
			return threadForbidden(actor, threadID)
		}
		return execute(conn, "UPDATE threads SET updated_at = ? WHERE tenant_id = ? AND thread_id = ?", nil,
			now, actor.TenantID, threadID)
	})
	if err != nil {
		return false, fmt.Errorf("ensuring thread %s: %w", threadID, err)
	}
	if created {
		s.logger.Info("thread created", "tenant_id", actor.TenantID, "thread_id", threadID)
	}
	return created, nil
}

// ArchiveThread marks the thread archived. Archived threads still
// accept ingestion; the status is informational.
func (s *Store) ArchiveThread(ctx context.Context, actor Actor, threadID string) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := requireThread(conn, actor, threadID); err != nil {
			return err
		}
		return execute(conn, "UPDATE threads SET status = ?, updated_at = ? WHERE tenant_id = ? AND thread_id = ?", nil,
			string(ThreadArchived), s.nowMillis(), actor.TenantID, threadID)
	})
	if err != nil {
		return fmt.Errorf("archiving thread %s: %w", threadID, err)
	}
	return nil
}

func threadOwner(conn *sqlite.Conn, tenantID, threadID string) (string, bool, error) {
	var owner string
	found, err := queryOne(conn, "SELECT user_id FROM threads WHERE tenant_id = ? AND thread_id = ?",
		func(stmt *sqlite.Stmt) error {
			owner = stmt.ColumnText(0)
			return nil
		}, tenantID, threadID)
	return owner, found, err
}

// requireThread verifies the thread exists and belongs to actor.
func requireThread(conn *sqlite.Conn, actor Actor, threadID string) error {
	owner, found, err := threadOwner(conn, actor.TenantID, threadID)
	if err != nil {
		return err
	}
	if !found {
		return syncerr.New(syncerr.CodeThreadNotFound, "thread %s not found", threadID)
	}
	if owner != actor.UserID {
		return threadForbidden(actor, threadID)
	}
	return nil
}

func threadForbidden(actor Actor, threadID string) error {
	return syncerr.New(syncerr.CodeThreadForbidden, "user %s is not allowed to access thread %s", actor.UserID, threadID)
}

// requireTurn verifies the turn exists in the thread and belongs to
// actor.
func requireTurn(conn *sqlite.Conn, actor Actor, threadID, turnID string) error {
	var owner string
	found, err := queryOne(conn, "SELECT user_id FROM turns WHERE tenant_id = ? AND thread_id = ? AND turn_id = ?",
		func(stmt *sqlite.Stmt) error {
			owner = stmt.ColumnText(0)
			return nil
		}, actor.TenantID, threadID, turnID)
	if err != nil {
		return err
	}
	if !found {
		return syncerr.New(syncerr.CodeTurnNotFound, "turn %s not found in thread %s", turnID, threadID)
	}
	if owner != actor.UserID {
		return syncerr.New(syncerr.CodeTurnForbidden, "user %s is not allowed to access turn %s", actor.UserID, turnID)
	}
	return nil
}
