// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// FakeAppServer writes an executable /bin/sh script standing in for the
// codex binary and returns its path. The script receives the same
// arguments as the real binary ("app-server") and talks JSON lines on
// stdin and stdout.
//
//	bin := testutil.FakeAppServer(t, `echo '{"method":"turn/started",...}'`)
func FakeAppServer(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "codex")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake app-server: %v", err)
	}
	return path
}
