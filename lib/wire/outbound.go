// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

// Request is a client request frame. ID is a string or integer.
type Request struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Notification is a client notification frame.
type Notification struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Response answers a server-initiated request such as an approval
// prompt or a dynamic tool call.
type Response struct {
	ID     any `json:"id"`
	Result any `json:"result"`
}
