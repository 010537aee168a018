// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/zakstam/convex-codex-component-sub003/lib/clock"
	"github.com/zakstam/convex-codex-component-sub003/lib/sqlitepool"
)

// Handler runs one task. Returning an error schedules a retry.
type Handler func(ctx context.Context, payload Payload) error

// RunnerConfig holds the parameters for a Runner.
type RunnerConfig struct {
	// Pool holds the tasks table. Required.
	Pool *sqlitepool.Pool

	// Clock drives polling and due-time comparisons. Required.
	Clock clock.Clock

	// Logger receives task failures. Nil discards them.
	Logger *slog.Logger

	// PollInterval is the spacing of RunDue passes in Run. Defaults to
	// one second.
	PollInterval time.Duration

	// MaxAttempts is how many times a failing task runs before it is
	// dropped. Defaults to 5.
	MaxAttempts int

	// BaseBackoff is the delay after the first failure, doubled per
	// subsequent failure up to MaxBackoff. Defaults to one second and
	// five minutes.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// BatchSize bounds the tasks claimed per pass. Defaults to 64.
	BatchSize int
}

// claimLease is how far a claimed task's run_at moves forward, so a
// concurrent runner does not pick it up while its handler runs.
const claimLease = time.Minute

// Runner dispatches due tasks to registered handlers.
type Runner struct {
	pool         *sqlitepool.Pool
	clock        clock.Clock
	logger       *slog.Logger
	pollInterval time.Duration
	maxAttempts  int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	batchSize    int

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRunner validates cfg and applies defaults.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("scheduler: Pool is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("scheduler: Clock is required")
	}
	runner := &Runner{
		pool:         cfg.Pool,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		pollInterval: cfg.PollInterval,
		maxAttempts:  cfg.MaxAttempts,
		baseBackoff:  cfg.BaseBackoff,
		maxBackoff:   cfg.MaxBackoff,
		batchSize:    cfg.BatchSize,
		handlers:     make(map[string]Handler),
	}
	if runner.logger == nil {
		runner.logger = slog.New(slog.DiscardHandler)
	}
	if runner.pollInterval <= 0 {
		runner.pollInterval = time.Second
	}
	if runner.maxAttempts <= 0 {
		runner.maxAttempts = 5
	}
	if runner.baseBackoff <= 0 {
		runner.baseBackoff = time.Second
	}
	if runner.maxBackoff <= 0 {
		runner.maxBackoff = 5 * time.Minute
	}
	if runner.batchSize <= 0 {
		runner.batchSize = 64
	}
	return runner, nil
}

// Handle registers handler for tasks named name, replacing any
// previous registration.
func (r *Runner) Handle(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

func (r *Runner) handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[name]
	return handler, ok
}

// Run polls until ctx is cancelled. Task failures are logged, never
// returned.
func (r *Runner) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.RunDue(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("scheduler pass failed", "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

type claimedTask struct {
	id       int64
	name     string
	payload  []byte
	attempts int
}

// RunDue claims the tasks due now and runs each one. It returns the
// number of tasks whose handler succeeded. Only failures to read or
// update the tasks table are returned.
func (r *Runner) RunDue(ctx context.Context) (int, error) {
	tasks, err := r.claim(ctx)
	if err != nil {
		return 0, err
	}

	succeeded := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			return succeeded, ctx.Err()
		}
		ok, err := r.runOne(ctx, task)
		if err != nil {
			return succeeded, err
		}
		if ok {
			succeeded++
		}
	}
	return succeeded, nil
}

func (r *Runner) claim(ctx context.Context) ([]claimedTask, error) {
	var tasks []claimedTask
	now := r.clock.Now()
	err := r.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`SELECT task_id, name, payload, attempts FROM tasks
			 WHERE run_at <= ? ORDER BY run_at, task_id LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{clock.Millis(now), r.batchSize},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					payload := make([]byte, stmt.ColumnLen(2))
					stmt.ColumnBytes(2, payload)
					tasks = append(tasks, claimedTask{
						id:       stmt.ColumnInt64(0),
						name:     stmt.ColumnText(1),
						payload:  payload,
						attempts: stmt.ColumnInt(3),
					})
					return nil
				},
			})
		if err != nil {
			return err
		}
		leaseUntil := clock.Millis(now.Add(claimLease))
		for _, task := range tasks {
			if err := sqlitex.Execute(conn, "UPDATE tasks SET run_at = ? WHERE task_id = ?", &sqlitex.ExecOptions{
				Args: []any{leaseUntil, task.id},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: claiming due tasks: %w", err)
	}
	return tasks, nil
}

func (r *Runner) runOne(ctx context.Context, task claimedTask) (bool, error) {
	handler, ok := r.handler(task.name)
	if !ok {
		r.logger.Warn("dropping task with no handler", "task", task.name, "task_id", task.id)
		return false, r.delete(ctx, task.id)
	}

	handlerErr := handler(ctx, Payload(task.payload))
	if handlerErr == nil {
		return true, r.delete(ctx, task.id)
	}

	attempts := task.attempts + 1
	if attempts >= r.maxAttempts {
		r.logger.Error("dropping task after repeated failures",
			"task", task.name,
			"task_id", task.id,
			"attempts", attempts,
			"error", handlerErr,
		)
		return false, r.delete(ctx, task.id)
	}

	delay := r.backoff(attempts)
	r.logger.Warn("task failed, retrying",
		"task", task.name,
		"task_id", task.id,
		"attempts", attempts,
		"retry_in", delay,
		"error", handlerErr,
	)
	err := r.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"UPDATE tasks SET attempts = ?, run_at = ?, last_error = ? WHERE task_id = ?",
			&sqlitex.ExecOptions{
				Args: []any{attempts, clock.Millis(r.clock.Now().Add(delay)), handlerErr.Error(), task.id},
			})
	})
	if err != nil {
		return false, fmt.Errorf("scheduler: rescheduling task %d: %w", task.id, err)
	}
	return false, nil
}

// backoff returns the retry delay after the given number of failures.
func (r *Runner) backoff(attempts int) time.Duration {
	delay := r.baseBackoff
	for i := 1; i < attempts && delay < r.maxBackoff; i++ {
		delay *= 2
	}
	return min(delay, r.maxBackoff)
}

func (r *Runner) delete(ctx context.Context, taskID int64) error {
	err := r.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM tasks WHERE task_id = ?", &sqlitex.ExecOptions{
			Args: []any{taskID},
		})
	})
	if err != nil {
		return fmt.Errorf("scheduler: deleting task %d: %w", taskID, err)
	}
	return nil
}

// Pending counts queued tasks, optionally restricted to one name.
func (r *Runner) Pending(ctx context.Context, name string) (int, error) {
	var count int
	err := r.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT COUNT(*) FROM tasks WHERE ? = '' OR name = ?",
			&sqlitex.ExecOptions{
				Args: []any{name, name},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					count = stmt.ColumnInt(0)
					return nil
				},
			})
	})
	if err != nil {
		return 0, fmt.Errorf("scheduler: counting tasks: %w", err)
	}
	return count, nil
}
