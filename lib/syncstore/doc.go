// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncstore is the durable conversation store fed by the
// app-server bridge.
//
// [Store.Ingest] applies one batch of normalized events inside a single
// IMMEDIATE transaction: turns are linked (and created with a synthetic
// status when absent), stream cursors are checked for contiguity,
// lifecycle and selected delta events are persisted, durable messages,
// reasoning segments, and approvals are updated, and per-device stream
// checkpoints advance. Either the whole batch commits or none of it
// does. Replays are detected through per-event receipts, so
// re-submitting a batch is idempotent whether or not deltas are
// persisted.
//
// Work that must not block ingestion (terminal reconciliation, finished
// stream cleanup, stale session sweeps, expired delta garbage
// collection) is written to the lib/scheduler task queue in the same
// transaction and executed by handlers registered with
// [Store.RegisterTasks].
//
// [Store.IngestSafe] wraps Ingest for untrusted callers: recoverable
// session binding failures rebind the session and retry once, and every
// classified failure is returned as data rather than as an error.
//
// [Store.PullState] and [Store.ResumeFromCursor] serve reconnecting
// clients from retained deltas.
//
// Every operation takes an [Actor] and verifies ownership of the
// thread, turn, and session rows it touches.
package syncstore
