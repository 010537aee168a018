// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build of the codex-sync binary.
//
// [GitCommit], [GitDirty], [BuildTime], and [Version] are injected with
// -ldflags -X. When they are not, the commit and dirty flag fall back
// to the VCS stamp the go command embeds in module builds:
//
//	go build -ldflags "-X github.com/zakstam/convex-codex-component-sub003/lib/version.Version=1.2.0" ./cmd/codex-sync
package version
