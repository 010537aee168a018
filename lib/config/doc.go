// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads codex-sync configuration.
//
// One file is read, named by --config or the CODEX_SYNC_CONFIG
// environment variable, and merged over [Default]. YAML is the normal
// format; files ending in .json or .jsonc are read as JSON with
// comments. Environment variables never override individual values;
// the only expansion is ${VAR} and ${VAR:-default} inside path fields,
// so a config file can be shared between machines.
//
// Command-line flags in cmd/codex-sync override the loaded values.
package config
