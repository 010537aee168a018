// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ExitError asks Fatal to exit with a specific status, such as the exit
// code of a supervised child process.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%v (exit status %d)", e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode returns the status Fatal would exit with for err: the code
// of a wrapped *ExitError, otherwise 1.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code > 0 {
		return exitErr.Code
	}
	return 1
}

// Fatal writes "error: err" to stderr and exits with ExitCode(err). It
// is the error handler around run() in main, where the structured
// logger may not exist yet.
func Fatal(err error) {
	report(os.Stderr, err)
	os.Exit(ExitCode(err))
}

func report(w io.Writer, err error) {
	fmt.Fprintf(w, "error: %v\n", err)
}
