// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncstore

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/zakstam/convex-codex-component-sub003/lib/clock"
	"github.com/zakstam/convex-codex-component-sub003/lib/payload"
	"github.com/zakstam/convex-codex-component-sub003/lib/scheduler"
	"github.com/zakstam/convex-codex-component-sub003/lib/sqlitepool"
)

// Actor is the caller identity every operation is scoped to. Threads,
// turns, messages, and approvals are owned by a user within a tenant;
// sessions and checkpoints are additionally bound to a device.
type Actor struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
}

// StoreConfig holds the parameters for opening a Store.
type StoreConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string

	// PoolSize is the number of connections. Defaults to 4.
	PoolSize int

	// PayloadCodec compresses persisted event payloads. The zero value
	// stores them uncompressed.
	PayloadCodec payload.Codec

	// Clock provides every timestamp the store writes. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Store is the SQLite-backed conversation store. It is safe for
// concurrent use; SQLite serializes writers.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
	queue  *scheduler.Queue
	codec  payload.Codec
}

// Open creates or opens the database and applies migrations.
func Open(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("syncstore: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("syncstore: Logger is required")
	}

	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:       cfg.Path,
		PoolSize:   cfg.PoolSize,
		Migrations: migrations,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("syncstore: %w", err)
	}

	return &Store{
		pool:   pool,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		queue:  scheduler.NewQueue(cfg.Clock),
		codec:  cfg.PayloadCodec,
	}, nil
}

// Pool returns the connection pool, which also holds the task queue a
// scheduler.Runner drains.
func (s *Store) Pool() *sqlitepool.Pool {
	return s.pool
}

// Close closes the pool, waiting for borrowed connections.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) nowMillis() int64 {
	return clock.Millis(s.clock.Now())
}

// execute runs query with args, calling fn for each result row when fn
// is non-nil.
func execute(conn *sqlite.Conn, query string, fn func(stmt *sqlite.Stmt) error, args ...any) error {
	return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args, ResultFunc: fn})
}

// queryOne runs query and calls fn for the first row only. It reports
// whether a row was found.
func queryOne(conn *sqlite.Conn, query string, fn func(stmt *sqlite.Stmt) error, args ...any) (bool, error) {
	found := false
	err := execute(conn, query, func(stmt *sqlite.Stmt) error {
		if found {
			return nil
		}
		found = true
		return fn(stmt)
	}, args...)
	return found, err
}

func columnBytes(stmt *sqlite.Stmt, column int) []byte {
	data := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, data)
	return data
}

// storedPayload is a compressed payload as it sits in a row.
type storedPayload struct {
	data  []byte
	codec payload.Codec
	size  int
}

func (p storedPayload) decode() (string, error) {
	data, err := payload.Decode(p.data, p.codec, p.size)
	if err != nil {
		return "", fmt.Errorf("syncstore: decoding stored payload: %w", err)
	}
	return string(data), nil
}

func (s *Store) encodePayload(payloadJSON string) (payload.Encoded, error) {
	encoded, err := payload.Encode([]byte(payloadJSON), s.codec)
	if err != nil {
		return payload.Encoded{}, fmt.Errorf("syncstore: encoding payload: %w", err)
	}
	return encoded, nil
}
