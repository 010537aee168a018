// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"

	"github.com/zakstam/convex-codex-component-sub003/lib/clock"
	"github.com/zakstam/convex-codex-component-sub003/lib/sqlitepool"
	"github.com/zakstam/convex-codex-component-sub003/lib/testutil"
)

var epoch = time.Date(2026, 2, 28, 14, 0, 0, 0, time.UTC)

type notePayload struct {
	Note string `cbor:"note"`
}

type testEnv struct {
	pool   *sqlitepool.Pool
	clock  *clock.FakeClock
	queue  *Queue
	runner *Runner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	pool, err := sqlitepool.Open(context.Background(), sqlitepool.Config{
		Path:       filepath.Join(t.TempDir(), "tasks.db"),
		Migrations: []string{Migration},
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	fake := clock.Fake(epoch)
	runner, err := NewRunner(RunnerConfig{
		Pool:        pool,
		Clock:       fake,
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  10 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return &testEnv{pool: pool, clock: fake, queue: NewQueue(fake), runner: runner}
}

func (env *testEnv) enqueue(t *testing.T, task Task) bool {
	t.Helper()
	var written bool
	err := env.pool.Write(context.Background(), func(conn *sqlite.Conn) error {
		var err error
		written, err = env.queue.Enqueue(conn, task)
		return err
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return written
}

func (env *testEnv) runDue(t *testing.T) int {
	t.Helper()
	count, err := env.runner.RunDue(context.Background())
	if err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	return count
}

func (env *testEnv) pending(t *testing.T, name string) int {
	t.Helper()
	count, err := env.runner.Pending(context.Background(), name)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	return count
}

func TestRunDueDispatchesByName(t *testing.T) {
	env := newTestEnv(t)

	var got []string
	env.runner.Handle("note", func(ctx context.Context, payload Payload) error {
		var note notePayload
		if err := payload.Decode(&note); err != nil {
			return err
		}
		got = append(got, note.Note)
		return nil
	})

	env.enqueue(t, Task{Name: "note", Payload: notePayload{Note: "first"}})
	env.enqueue(t, Task{Name: "note", Payload: notePayload{Note: "later"}, RunAt: epoch.Add(time.Minute)})

	if count := env.runDue(t); count != 1 {
		t.Fatalf("RunDue = %d, want 1", count)
	}
	if len(got) != 1 || got[0] != "first" {
		t.Fatalf("handled = %v, want [first]", got)
	}

	env.clock.Advance(time.Minute)
	if count := env.runDue(t); count != 1 {
		t.Fatalf("second RunDue = %d, want 1", count)
	}
	if len(got) != 2 || got[1] != "later" {
		t.Errorf("handled = %v, want [first later]", got)
	}
	if remaining := env.pending(t, ""); remaining != 0 {
		t.Errorf("pending = %d, want 0", remaining)
	}
}

func TestEnqueueDedupeKey(t *testing.T) {
	env := newTestEnv(t)

	if !env.enqueue(t, Task{Name: "sweep", DedupeKey: "sweep:tenant"}) {
		t.Fatal("first enqueue not written")
	}
	if env.enqueue(t, Task{Name: "sweep", DedupeKey: "sweep:tenant"}) {
		t.Error("duplicate dedupe key written")
	}
	if !env.enqueue(t, Task{Name: "sweep"}) {
		t.Error("task without dedupe key not written")
	}
	if pending := env.pending(t, "sweep"); pending != 2 {
		t.Errorf("pending = %d, want 2", pending)
	}

	env.runner.Handle("sweep", func(context.Context, Payload) error { return nil })
	env.runDue(t)
	if !env.enqueue(t, Task{Name: "sweep", DedupeKey: "sweep:tenant"}) {
		t.Error("dedupe key not released after the task ran")
	}
}

func TestFailedTaskRetriesWithBackoff(t *testing.T) {
	env := newTestEnv(t)

	calls := 0
	env.runner.Handle("flaky", func(context.Context, Payload) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	env.enqueue(t, Task{Name: "flaky"})

	if count := env.runDue(t); count != 0 || calls != 1 {
		t.Fatalf("first pass: succeeded=%d calls=%d", count, calls)
	}

	// First retry waits one second.
	env.runDue(t)
	if calls != 1 {
		t.Fatalf("retried before backoff elapsed: calls=%d", calls)
	}
	env.clock.Advance(time.Second)
	env.runDue(t)
	if calls != 2 {
		t.Fatalf("calls = %d after first backoff, want 2", calls)
	}

	// Second retry waits two seconds.
	env.clock.Advance(time.Second)
	env.runDue(t)
	if calls != 2 {
		t.Fatalf("retried before doubled backoff elapsed: calls=%d", calls)
	}
	env.clock.Advance(time.Second)
	if count := env.runDue(t); count != 1 || calls != 3 {
		t.Fatalf("final pass: succeeded=%d calls=%d", count, calls)
	}
	if pending := env.pending(t, ""); pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
}

func TestTaskDroppedAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)

	calls := 0
	env.runner.Handle("broken", func(context.Context, Payload) error {
		calls++
		return errors.New("permanent")
	})
	env.enqueue(t, Task{Name: "broken"})

	for range 5 {
		env.runDue(t)
		env.clock.Advance(10 * time.Second)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (MaxAttempts)", calls)
	}
	if pending := env.pending(t, ""); pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
}

func TestUnknownTaskDropped(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, Task{Name: "nobody-handles-this"})

	if count := env.runDue(t); count != 0 {
		t.Errorf("RunDue = %d, want 0", count)
	}
	if pending := env.pending(t, ""); pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
}

func TestEnqueueRollsBackWithTransaction(t *testing.T) {
	env := newTestEnv(t)

	failure := errors.New("batch rejected")
	err := env.pool.Write(context.Background(), func(conn *sqlite.Conn) error {
		if _, err := env.queue.Enqueue(conn, Task{Name: "reconcile"}); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("Write = %v, want %v", err, failure)
	}
	if pending := env.pending(t, ""); pending != 0 {
		t.Errorf("pending = %d, want 0 after rollback", pending)
	}
}

func TestRunPollsOnTicker(t *testing.T) {
	env := newTestEnv(t)

	handled := make(chan string, 1)
	env.runner.Handle("note", func(ctx context.Context, payload Payload) error {
		var note notePayload
		if err := payload.Decode(&note); err != nil {
			return err
		}
		handled <- note.Note
		return nil
	})
	env.enqueue(t, Task{Name: "note", Payload: notePayload{Note: "polled"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.runner.Run(ctx) }()

	env.clock.WaitForTimers(1)
	env.clock.Advance(time.Second)

	if note := testutil.RequireReceive(t, handled, 5*time.Second, "waiting for polled task"); note != "polled" {
		t.Errorf("note = %q, want polled", note)
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for Run to return"); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestBackoffCaps(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, test := range tests {
		if got := env.runner.backoff(test.attempts); got != test.want {
			t.Errorf("backoff(%d) = %v, want %v", test.attempts, got, test.want)
		}
	}
}
