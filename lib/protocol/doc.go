// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol interprets Codex app-server frames: it decides which
// conversation a frame belongs to, which turn it refers to, whether it
// ends that turn, and which durable facets (approvals, messages,
// reasoning) it carries.
//
// Everything here is pure. Classification failures are returned as
// [*ClassificationError]; facet parsers return nil when a payload does
// not have the expected shape and never fail.
//
// Facet parsers take the event kind and the complete frame JSON as it
// was persisted, so the same functions serve live ingestion and replay
// of stored payloads.
package protocol
