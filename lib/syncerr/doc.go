// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncerr defines the error taxonomy of the sync layer.
//
// Failures fall into three tiers:
//
//   - Structural errors (a malformed line, a message that fails
//     classification). These live in lib/wire and lib/protocol, are
//     reported through bridge callbacks, and never stop processing.
//
//   - Recoverable ingestion errors (session not found, session bound to
//     another thread or device). The caller rebinds the session and
//     retries; the safe ingest wrapper does this automatically.
//
//   - Fatal errors (authorization violations, stream binding
//     collisions, cursor regressions). The whole batch is rejected and
//     must not be retried unchanged.
//
// All coded failures are *Error values. [MapSafeCode] and
// [ItemErrorFor] reduce them to the vocabulary exposed to untrusted
// callers.
package syncerr
