// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire decodes and validates the newline-delimited JSON-RPC
// frames exchanged with a Codex app-server process.
//
// Inbound lines are checked against an embedded JSON Schema before
// they are decoded into a [Message]; anything that is not a
// notification, server request, or response fails with a
// [*ParseError] carrying the offending line. Outbound frames go through
// the client-side schema in [Encode] and [ValidateOutbound] and fail
// with a [*SendError].
//
// The package knows the envelope only. Method-specific payloads are
// interpreted by lib/protocol.
package wire
