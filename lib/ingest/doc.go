// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingest defines the events a client submits for ingestion and
// turns a raw batch into normalized events.
//
// [Normalize] is a pure transform. It orders a batch by creation time,
// resolves each event's canonical turn from its payload, detects
// terminal turn signals, and parses the approval, message, and
// reasoning facets the store applies. It also owns the runtime options
// that tune persistence and replay, with their defaults and clamping.
package ingest
