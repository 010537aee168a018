// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers for the codex-sync
// binary: reporting a fatal error before or after the logger exists,
// and propagating a child's exit status.
package process
