// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"strings"

	"github.com/zakstam/convex-codex-component-sub003/lib/wire"
)

// Scope says whether a frame belongs to one conversation thread or to
// the connection as a whole.
type Scope int

const (
	ScopeGlobal Scope = iota
	ScopeThread
)

func (s Scope) String() string {
	switch s {
	case ScopeThread:
		return "thread"
	default:
		return "global"
	}
}

// Classification is the result of [Classify]. ThreadID is set only for
// ScopeThread.
type Classification struct {
	Scope    Scope
	Kind     string
	ThreadID string
}

// ClassificationError reports a frame whose method is thread-scoped but
// which names no thread. Such frames are never routed as global.
type ClassificationError struct {
	Kind string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("thread-scoped protocol message missing threadId (kind=%s)", e.Kind)
}

var threadMethodPrefixes = []string{"thread/", "turn/", "item/", "rawResponseItem/"}

// Kind returns the frame's method, or KindResponse for responses.
func Kind(message wire.Message) string {
	if message.IsResponse() {
		return KindResponse
	}
	return message.Method
}

// Classify routes a frame to a thread or to the global handler.
func Classify(message wire.Message) (Classification, error) {
	kind := Kind(message)
	if threadID, ok := ThreadID(message); ok {
		return Classification{Scope: ScopeThread, Kind: kind, ThreadID: threadID}, nil
	}
	if isThreadScopedKind(kind) {
		return Classification{}, &ClassificationError{Kind: kind}
	}
	return Classification{Scope: ScopeGlobal, Kind: kind}, nil
}

// ThreadID extracts the conversation id from params.threadId,
// params.thread.id, or params.conversationId, in that order.
func ThreadID(message wire.Message) (string, bool) {
	if message.IsResponse() {
		return "", false
	}
	params, ok := decodeObject(message.Params)
	if !ok {
		return "", false
	}
	if id, ok := params.String("threadId"); ok {
		return id, true
	}
	if thread, ok := params.Object("thread"); ok {
		if id, ok := thread.String("id"); ok {
			return id, true
		}
	}
	return params.String("conversationId")
}

func isThreadScopedKind(kind string) bool {
	switch kind {
	case KindResponse:
		return false
	case "applyPatchApproval", "execCommandApproval":
		return true
	}
	for _, prefix := range threadMethodPrefixes {
		if strings.HasPrefix(kind, prefix) {
			return true
		}
	}
	return false
}
