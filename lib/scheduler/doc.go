// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler is a durable deferred task queue stored in SQLite.
//
// Producers call [Queue.Enqueue] with the connection of an open write
// transaction, so a task commits or rolls back together with the data
// change that produced it. A [Runner] polls for due tasks on a clock
// ticker and dispatches each to the handler registered under its name.
//
// Delivery is at-least-once: a handler that fails is retried with
// exponential backoff until MaxAttempts, and a crash between a
// handler's commit and the task's deletion runs the handler again.
// Handlers must therefore be idempotent. Payloads are CBOR (lib/codec).
//
// The tasks table is created by [Migration], which the owning store
// appends to its own migration list.
package scheduler
