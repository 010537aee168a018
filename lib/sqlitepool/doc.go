// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite database behind the sync store
// and the task queue.
//
// Connections run in WAL mode with synchronous=NORMAL and a five second
// busy timeout. [Pool.Write] wraps a unit of work in an IMMEDIATE
// transaction; every ingestion batch is exactly one such call, which is
// what makes a batch all-or-nothing. [Pool.Read] gives a consistent
// snapshot for replay queries.
//
// Schema changes are append-only scripts passed as
// [Config.Migrations]; PRAGMA user_version records how many have run.
package sqlitepool
