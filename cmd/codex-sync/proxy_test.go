// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestForwardClientFrames(t *testing.T) {
	t.Parallel()
	input := strings.Join([]string{
		`{"id":1,"method":"initialize","params":{}}`,
		``,
		`not json`,
		`{"id":2}`,
		`  {"method":"initialized"}  `,
	}, "\n")

	var sent []string
	send := func(message any) error {
		raw := string(message.(json.RawMessage))
		if raw == `{"id":2}` {
			return errors.New("invalid outbound message")
		}
		sent = append(sent, raw)
		return nil
	}
	if err := forwardClientFrames(strings.NewReader(input), send, slog.New(slog.DiscardHandler)); err != nil {
		t.Fatalf("forwardClientFrames: %v", err)
	}
	want := []string{`{"id":1,"method":"initialize","params":{}}`, `{"method":"initialized"}`}
	if strings.Join(sent, "|") != strings.Join(want, "|") {
		t.Errorf("sent = %q, want %q", sent, want)
	}
}

func TestLineWriter(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	writer := &lineWriter{writer: &buffer}
	for _, line := range []string{`{"a":1}`, `{"b":2}`} {
		if err := writer.WriteLine([]byte(line)); err != nil {
			t.Fatalf("WriteLine: %v", err)
		}
	}
	if got := buffer.String(); got != "{\"a\":1}\n{\"b\":2}\n" {
		t.Errorf("output = %q", got)
	}
}
