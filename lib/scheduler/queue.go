// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/zakstam/convex-codex-component-sub003/lib/clock"
	"github.com/zakstam/convex-codex-component-sub003/lib/codec"
)

// Migration creates the tasks table. A non-NULL dedupe_key is unique
// among queued tasks.
const Migration = `
CREATE TABLE tasks (
	task_id    INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	run_at     INTEGER NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	dedupe_key TEXT,
	last_error TEXT    NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX tasks_dedupe ON tasks (dedupe_key) WHERE dedupe_key IS NOT NULL;
CREATE INDEX tasks_due ON tasks (run_at, task_id);
`

// Task is a unit of deferred work.
type Task struct {
	// Name selects the handler.
	Name string

	// Payload is CBOR-encoded and handed to the handler as a [Payload].
	Payload any

	// RunAt is the earliest time the task may run. Zero means now.
	RunAt time.Time

	// DedupeKey, when set, makes Enqueue a no-op while another task
	// with the same key is queued.
	DedupeKey string
}

// Payload is an encoded task payload.
type Payload []byte

// Decode unmarshals the payload into v.
func (p Payload) Decode(v any) error {
	if err := codec.Unmarshal(p, v); err != nil {
		return fmt.Errorf("scheduler: decoding payload %s: %w", codec.Diagnose(p), err)
	}
	return nil
}

// Queue writes tasks into the caller's transaction.
type Queue struct {
	clock clock.Clock
}

// NewQueue returns a queue that stamps tasks with c.
func NewQueue(c clock.Clock) *Queue {
	return &Queue{clock: c}
}

// Enqueue inserts task on conn. It reports whether a row was written;
// false means a task with the same DedupeKey is already queued.
func (q *Queue) Enqueue(conn *sqlite.Conn, task Task) (bool, error) {
	if task.Name == "" {
		return false, fmt.Errorf("scheduler: task name is required")
	}
	payload, err := codec.Marshal(task.Payload)
	if err != nil {
		return false, fmt.Errorf("scheduler: encoding %s payload: %w", task.Name, err)
	}
	now := q.clock.Now()
	runAt := task.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	var dedupeKey any
	if task.DedupeKey != "" {
		dedupeKey = task.DedupeKey
	}

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO tasks (name, payload, run_at, dedupe_key, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{task.Name, payload, clock.Millis(runAt), dedupeKey, clock.Millis(now)},
		})
	if err != nil {
		return false, fmt.Errorf("scheduler: enqueue %s: %w", task.Name, err)
	}
	return conn.Changes() > 0, nil
}
