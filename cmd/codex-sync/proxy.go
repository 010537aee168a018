// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// maxClientLine bounds one client frame read from stdin.
const maxClientLine = 16 << 20

// lineWriter writes whole lines to the client. Bridge handlers and the
// stdin forwarder share it.
type lineWriter struct {
	mu     sync.Mutex
	writer io.Writer
}

func (w *lineWriter) WriteLine(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.writer.Write(append(bytes.Clone(line), '\n')); err != nil {
		return fmt.Errorf("writing to client: %w", err)
	}
	return nil
}

// forwardClientFrames sends each JSON line read from reader to the
// app-server. Lines that are not JSON or fail outbound validation are
// logged and skipped. It returns when reader reaches EOF.
func forwardClientFrames(reader io.Reader, send func(any) error, logger *slog.Logger) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxClientLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			logger.Warn("skipping client line that is not JSON", "line", string(line))
			continue
		}
		if err := send(json.RawMessage(bytes.Clone(line))); err != nil {
			logger.Warn("skipping client frame", "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading client frames: %w", err)
	}
	return nil
}
