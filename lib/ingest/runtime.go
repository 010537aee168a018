// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"time"

	"github.com/zakstam/convex-codex-component-sub003/lib/protocol"
)

// Fixed ingestion and maintenance parameters.
const (
	// DeltaTTL is how long a persisted delta is retained for replay.
	DeltaTTL = 24 * time.Hour

	// HeartbeatWriteInterval is the minimum spacing of session
	// heartbeat writes when a batch persisted nothing.
	HeartbeatWriteInterval = 10 * time.Second

	// StaleSweepInterval is the minimum spacing of stale-session sweeps
	// triggered by one session.
	StaleSweepInterval = 60 * time.Second

	// CleanupSweepInterval is the minimum spacing of expired-delta
	// sweeps triggered by one session.
	CleanupSweepInterval = 300 * time.Second

	// StaleTimeout is how long a session may go without a heartbeat
	// before the sweep marks it stale.
	StaleTimeout = 3 * time.Minute

	// StreamDeleteBatch bounds rows deleted per cleanupFinishedStream
	// run.
	StreamDeleteBatch = 500

	// ExpiredDeltaSweepBatch bounds rows deleted per
	// cleanupExpiredDeltas run.
	ExpiredDeltaSweepBatch = 1000
)

// Runtime option defaults.
const (
	DefaultMaxDeltasPerStreamRead    = 100
	DefaultMaxDeltasPerRequestRead   = 1000
	DefaultFinishedStreamDeleteDelay = 5 * time.Minute
)

var lifecycleKinds = map[string]bool{
	protocol.KindTurnStarted:       true,
	protocol.KindTurnCompleted:     true,
	protocol.KindItemStarted:       true,
	protocol.KindItemCompleted:     true,
	protocol.KindError:             true,
	protocol.KindLegacyTurnAborted: true,
}

var deltaKinds = map[string]bool{
	protocol.KindAgentMessageDelta: true,
}

// IsLifecycleKind reports whether stream events of this kind are always
// persisted.
func IsLifecycleKind(kind string) bool { return lifecycleKinds[kind] }

// IsDeltaKind reports whether stream events of this kind are persisted
// when SaveStreamDeltas is set.
func IsDeltaKind(kind string) bool { return deltaKinds[kind] }

// RuntimeInput carries caller overrides. Nil fields take defaults.
type RuntimeInput struct {
	SaveStreamDeltas          *bool          `json:"saveStreamDeltas,omitempty"`
	ExposeRawReasoningDeltas  *bool          `json:"exposeRawReasoningDeltas,omitempty"`
	MaxDeltasPerStreamRead    *int           `json:"maxDeltasPerStreamRead,omitempty"`
	MaxDeltasPerRequestRead   *int           `json:"maxDeltasPerRequestRead,omitempty"`
	FinishedStreamDeleteDelay *time.Duration `json:"finishedStreamDeleteDelay,omitempty"`
}

// RuntimeOptions are resolved runtime options.
type RuntimeOptions struct {
	// SaveStreamDeltas persists text deltas for replay. Lifecycle
	// events are persisted regardless.
	SaveStreamDeltas bool

	// ExposeRawReasoningDeltas persists raw reasoning text alongside
	// summaries.
	ExposeRawReasoningDeltas bool

	MaxDeltasPerStreamRead  int
	MaxDeltasPerRequestRead int

	// FinishedStreamDeleteDelay is how long a finished stream's deltas
	// stay readable before cleanup.
	FinishedStreamDeleteDelay time.Duration
}

// ResolveRuntimeOptions applies defaults. Read caps are clamped to at
// least 1 and the delete delay to at least 0.
func ResolveRuntimeOptions(input *RuntimeInput) RuntimeOptions {
	options := RuntimeOptions{
		MaxDeltasPerStreamRead:    DefaultMaxDeltasPerStreamRead,
		MaxDeltasPerRequestRead:   DefaultMaxDeltasPerRequestRead,
		FinishedStreamDeleteDelay: DefaultFinishedStreamDeleteDelay,
	}
	if input == nil {
		return options
	}
	if input.SaveStreamDeltas != nil {
		options.SaveStreamDeltas = *input.SaveStreamDeltas
	}
	if input.ExposeRawReasoningDeltas != nil {
		options.ExposeRawReasoningDeltas = *input.ExposeRawReasoningDeltas
	}
	if input.MaxDeltasPerStreamRead != nil {
		options.MaxDeltasPerStreamRead = max(1, *input.MaxDeltasPerStreamRead)
	}
	if input.MaxDeltasPerRequestRead != nil {
		options.MaxDeltasPerRequestRead = max(1, *input.MaxDeltasPerRequestRead)
	}
	if input.FinishedStreamDeleteDelay != nil {
		options.FinishedStreamDeleteDelay = max(0, *input.FinishedStreamDeleteDelay)
	}
	return options
}
