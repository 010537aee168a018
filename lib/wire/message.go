// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Message is one decoded inbound frame. Notifications and server
// requests have a Method; responses do not. Raw holds the original
// line bytes and is what gets persisted as the event payload.
type Message struct {
	// ID is the JSON-RPC id as raw JSON. Nil for notifications.
	ID json.RawMessage

	// Method is empty for responses.
	Method string

	// Params is the raw params object, or nil when absent.
	Params json.RawMessage

	// Result and Error are set on responses.
	Result json.RawMessage
	Error  json.RawMessage

	// Raw is the complete frame as received.
	Raw []byte
}

// IsResponse reports whether the frame is a response to a client
// request.
func (message Message) IsResponse() bool {
	return message.Method == ""
}

// ParseError reports a line that is not a supported inbound frame.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return "wire: " + e.Reason
}

// SendError reports an outbound frame that does not match the client
// message shape.
type SendError struct {
	Reason string
}

func (e *SendError) Error() string {
	return "wire: invalid outbound message: " + e.Reason
}

// frame is the JSON-RPC envelope. Absent keys leave the RawMessage
// fields nil and Method nil.
type frame struct {
	ID     json.RawMessage `json:"id"`
	Method *string         `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// Decode parses and validates one line of app-server output. The line
// is copied; the caller may reuse its buffer.
func Decode(line []byte) (Message, error) {
	raw := append([]byte(nil), bytes.TrimSpace(line)...)

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Message{}, &ParseError{Line: string(raw), Reason: fmt.Sprintf("invalid JSON from codex app-server: %v", err)}
	}
	if err := inboundValidator.Validate(instance); err != nil {
		return Message{}, &ParseError{Line: string(raw), Reason: fmt.Sprintf("unsupported codex message shape: %v", err)}
	}

	var envelope frame
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Message{}, &ParseError{Line: string(raw), Reason: fmt.Sprintf("decoding envelope: %v", err)}
	}

	message := Message{
		ID:     envelope.ID,
		Params: envelope.Params,
		Result: envelope.Result,
		Error:  envelope.Error,
		Raw:    raw,
	}
	if envelope.Method != nil {
		message.Method = *envelope.Method
	}
	return message, nil
}

// Encode validates an outbound frame and returns its JSON encoding
// terminated by a newline.
func Encode(message any) ([]byte, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, &SendError{Reason: err.Error()}
	}
	if err := validateOutboundBytes(data); err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// ValidateOutbound checks that message has the shape of a client
// request, client notification, or response to a server request.
func ValidateOutbound(message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return &SendError{Reason: err.Error()}
	}
	return validateOutboundBytes(data)
}

func validateOutboundBytes(data []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &SendError{Reason: err.Error()}
	}
	if err := outboundValidator.Validate(instance); err != nil {
		return &SendError{Reason: err.Error()}
	}
	return nil
}
