// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncstore

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"zombiezen.com/go/sqlite"

	"github.com/zakstam/convex-codex-component-sub003/lib/ingest"
	"github.com/zakstam/convex-codex-component-sub003/lib/protocol"
	"github.com/zakstam/convex-codex-component-sub003/lib/syncerr"
)

// IngestRequest is one batch of events for a thread, submitted through
// a bound session.
type IngestRequest struct {
	Actor     Actor                 `json:"actor"`
	SessionID string                `json:"sessionId"`
	ThreadID  string                `json:"threadId"`
	Events    []ingest.InboundEvent `json:"events"`
	Runtime   *ingest.RuntimeInput  `json:"runtime,omitempty"`
}

// IngestStatus is "partial" when a stream skipped ahead of its
// expected cursor.
type IngestStatus string

const (
	IngestOK      IngestStatus = "ok"
	IngestPartial IngestStatus = "partial"
)

// StreamAck is the checkpoint a client may persist for a stream.
type StreamAck struct {
	StreamID     string `json:"streamId"`
	AckCursorEnd int64  `json:"ackCursorEnd"`
}

// IngestResult is returned by Ingest. AckedStreams is sorted by
// stream id.
type IngestResult struct {
	AckedStreams []StreamAck  `json:"ackedStreams"`
	Status       IngestStatus `json:"ingestStatus"`
}

// Ingest applies a batch in one transaction. Coded failures are
// *syncerr.Error values wrapped with context; nothing from a failed
// batch is committed.
func (s *Store) Ingest(ctx context.Context, request IngestRequest) (IngestResult, error) {
	if len(request.Events) == 0 {
		return IngestResult{}, syncerr.New(syncerr.CodeEmptyBatch, "ingest received an empty event batch")
	}
	events, err := ingest.Normalize(request.Events)
	if err != nil {
		return IngestResult{}, fmt.Errorf("ingest thread %s: %w", request.ThreadID, err)
	}
	runtime := ingest.ResolveRuntimeOptions(request.Runtime)

	var result IngestResult
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := requireThread(conn, request.Actor, request.ThreadID); err != nil {
			return err
		}
		session, err := requireBoundSession(conn, request.Actor, request.SessionID, request.ThreadID)
		if err != nil {
			return err
		}
		b := s.newBatch(conn, request, runtime, session)
		result, err = b.apply(events)
		return err
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("ingest thread %s: %w", request.ThreadID, err)
	}

	s.logger.Debug("batch ingested",
		"tenant_id", request.Actor.TenantID,
		"thread_id", request.ThreadID,
		"session_id", request.SessionID,
		"events", len(events),
		"status", result.Status,
	)
	return result, nil
}

type approvalKey struct {
	turnID string
	itemID string
}

// batch is the per-transaction state of one Ingest call.
type batch struct {
	store     *Store
	conn      *sqlite.Conn
	actor     Actor
	threadID  string
	sessionID string
	session   sessionRecord
	runtime   ingest.RuntimeOptions
	now       int64

	inBatchEventIDs map[string]bool
	knownTurns      map[string]bool

	startedTurns  []string
	terminalTurns map[string]protocol.TerminalStatus
	terminalOrder []string
	pendingOrder  []approvalKey
	pending       map[approvalKey]protocol.ApprovalRequest
	resolvedOrder []approvalKey
	resolved      map[approvalKey]protocol.ApprovalResolution
	streams       map[string]*streamRecord
	streamOrder   []string
	checkpoints   map[string]int64
	messages      *messageCache
	lastPersisted int64
	persistedAny  bool
	status        IngestStatus
}

func (s *Store) newBatch(conn *sqlite.Conn, request IngestRequest, runtime ingest.RuntimeOptions, session sessionRecord) *batch {
	b := &batch{
		store:           s,
		conn:            conn,
		actor:           request.Actor,
		threadID:        request.ThreadID,
		sessionID:       request.SessionID,
		session:         session,
		runtime:         runtime,
		now:             s.nowMillis(),
		inBatchEventIDs: make(map[string]bool),
		knownTurns:      make(map[string]bool),
		terminalTurns:   make(map[string]protocol.TerminalStatus),
		pending:         make(map[approvalKey]protocol.ApprovalRequest),
		resolved:        make(map[approvalKey]protocol.ApprovalResolution),
		streams:         make(map[string]*streamRecord),
		checkpoints:     make(map[string]int64),
		lastPersisted:   session.lastEventCursor,
		status:          IngestOK,
	}
	b.messages = newMessageCache(b)
	return b
}

func (b *batch) apply(events []ingest.NormalizedEvent) (IngestResult, error) {
	for i := range events {
		event := &events[i]
		if err := validateEvent(event); err != nil {
			return IngestResult{}, err
		}
		if err := b.ensureTurn(event); err != nil {
			return IngestResult{}, err
		}

		var fresh bool
		var err error
		if event.Type == ingest.StreamDelta {
			fresh, err = b.applyStreamEvent(event)
		} else {
			fresh, err = b.persistLifecycleEvent(event)
		}
		if err != nil {
			return IngestResult{}, err
		}

		b.collectTurnSignals(event)
		b.collectApprovals(event)
		if fresh {
			if err := b.applyMessageEffects(event); err != nil {
				return IngestResult{}, err
			}
		}
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"flushing messages", b.messages.flush},
		{"finalizing turns", b.finalizeTurns},
		{"finalizing approvals", b.finalizeApprovals},
		{"flushing stream stats", b.flushStreamStats},
		{"applying checkpoints", b.applyCheckpoints},
		{"patching session", b.patchSession},
		{"scheduling maintenance", b.scheduleMaintenance},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return IngestResult{}, fmt.Errorf("%s: %w", step.name, err)
		}
	}

	result := IngestResult{Status: b.status, AckedStreams: make([]StreamAck, 0, len(b.checkpoints))}
	for streamID, cursor := range b.checkpoints {
		result.AckedStreams = append(result.AckedStreams, StreamAck{StreamID: streamID, AckCursorEnd: cursor})
	}
	slices.SortFunc(result.AckedStreams, func(a, b StreamAck) int {
		return strings.Compare(a.StreamID, b.StreamID)
	})
	return result, nil
}

func validateEvent(event *ingest.NormalizedEvent) error {
	switch {
	case event.EventID == "":
		return syncerr.New(syncerr.CodeInvalidEvent, "event of kind %s has no eventId", event.Kind)
	case event.Kind == "":
		return syncerr.New(syncerr.CodeInvalidEvent, "event %s has no kind", event.EventID)
	case event.Type == ingest.StreamDelta:
		if event.StreamID == "" || event.TurnID == "" {
			return syncerr.New(syncerr.CodeInvalidEvent, "stream delta %s requires streamId and turnId", event.EventID)
		}
	case event.Type != ingest.LifecycleEvent:
		return syncerr.New(syncerr.CodeInvalidEvent, "event %s has unknown type %q", event.EventID, event.Type)
	}
	return nil
}

// patchSession marks the session active, advances its cursor to the
// highest persisted cursor, and refreshes the heartbeat when data was
// persisted or the heartbeat is old enough.
func (b *batch) patchSession() error {
	cursor := max(b.session.lastEventCursor, b.lastPersisted)
	heartbeat := b.session.lastHeartbeatAt
	if b.persistedAny || b.now-heartbeat >= ingest.HeartbeatWriteInterval.Milliseconds() {
		heartbeat = b.now
	}
	return execute(b.conn,
		`UPDATE sessions SET status = ?, last_event_cursor = ?, last_heartbeat_at = ?
		 WHERE tenant_id = ? AND session_id = ?`, nil,
		string(SessionActive), cursor, heartbeat, b.actor.TenantID, b.sessionID)
}

// scheduleMaintenance enqueues the stale session sweep and the expired
// delta sweep, each gated on the time since the session's previous
// heartbeat.
func (b *batch) scheduleMaintenance() error {
	sinceHeartbeat := b.now - b.session.lastHeartbeatAt

	if sinceHeartbeat >= ingest.StaleSweepInterval.Milliseconds() {
		_, err := b.store.queue.Enqueue(b.conn, newStaleSessionsTask(b.actor.TenantID, b.now-ingest.StaleTimeout.Milliseconds()))
		if err != nil {
			return err
		}
	}
	if b.persistedAny && sinceHeartbeat >= ingest.CleanupSweepInterval.Milliseconds() {
		_, err := b.store.queue.Enqueue(b.conn, newExpiredDeltasTask(b.now, ingest.ExpiredDeltaSweepBatch))
		if err != nil {
			return err
		}
	}
	return nil
}
