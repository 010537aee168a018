// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import "github.com/zakstam/convex-codex-component-sub003/lib/wire"

// Request sends a client request. id is a string or an integer.
func (b *Bridge) Request(id any, method string, params any) error {
	return b.Send(wire.Request{ID: id, Method: method, Params: params})
}

// Notify sends a client notification.
func (b *Bridge) Notify(method string, params any) error {
	return b.Send(wire.Notification{Method: method, Params: params})
}

// Respond answers a server request such as an approval prompt.
func (b *Bridge) Respond(id any, result any) error {
	return b.Send(wire.Response{ID: id, Result: result})
}

type interruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// InterruptTurn asks the app-server to stop a running turn.
func (b *Bridge) InterruptTurn(id any, threadID, turnID string) error {
	return b.Request(id, "turn/interrupt", interruptParams{ThreadID: threadID, TurnID: turnID})
}
