// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge runs a Codex app-server subprocess and turns its
// stdout into classified, cursor-stamped events.
//
// A single reader goroutine decodes each line with lib/wire, routes it
// with lib/protocol, and stamps thread-scoped frames with the next
// cursor before any handler runs, so cursor order always matches line
// order no matter how long handlers take. Malformed lines are reported
// to OnProtocolError and never stop the reader.
//
// Outbound frames are validated against the client schema and written
// one per line under a mutex.
package bridge
