// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so tests never block forever on a channel. [FakeAppServer]
// writes a shell script that impersonates the codex binary for bridge
// and end-to-end tests. [UniqueID] produces collision-free ids.
//
// Helpers call t.Fatalf on failure rather than returning errors.
package testutil
