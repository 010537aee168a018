// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestExitCode(t *testing.T) {
	base := errors.New("app-server exited")
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain error", base, 1},
		{"exit error", &ExitError{Code: 3, Err: base}, 3},
		{"wrapped exit error", fmt.Errorf("running bridge: %w", &ExitError{Code: 7, Err: base}), 7},
		{"zero code", &ExitError{Code: 0, Err: base}, 1},
	}
	for _, test := range tests {
		if got := ExitCode(test.err); got != test.want {
			t.Errorf("%s: ExitCode = %d, want %d", test.name, got, test.want)
		}
	}
}

func TestReport(t *testing.T) {
	var buffer bytes.Buffer
	report(&buffer, &ExitError{Code: 2, Err: errors.New("boom")})
	if got, want := buffer.String(), "error: boom (exit status 2)\n"; got != want {
		t.Errorf("report wrote %q, want %q", got, want)
	}
}
