// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// codex-sync runs a Codex app-server and records its conversations in a
// local SQLite store while proxying the JSON-RPC stream unchanged.
//
// Client frames read from stdin are validated and forwarded to the
// app-server; every line the app-server writes is echoed to stdout. In
// the background, thread-scoped events are grouped per thread and
// ingested through the safe ingest path, which rebinds the device's
// session when it has gone stale. Acknowledged stream cursors are
// written to a CBOR checkpoint file after every batch so a restart
// resumes the same sessions.
//
// Deferred maintenance (terminal reconciliation, stream cleanup, stale
// session sweeps, expired delta cleanup) runs in-process on the
// scheduler runner.
//
// Configuration comes from the file named by --config or
// CODEX_SYNC_CONFIG, falling back to built-in defaults; individual
// flags override the file.
package main
