// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zakstam/convex-codex-component-sub003/lib/clock"
	"github.com/zakstam/convex-codex-component-sub003/lib/cursorfile"
	"github.com/zakstam/convex-codex-component-sub003/lib/ingest"
	"github.com/zakstam/convex-codex-component-sub003/lib/syncstore"
)

// syncer binds threads and sessions on first use and ingests batches
// through the safe ingest path. It is used from the pump goroutine
// only.
type syncer struct {
	store   *syncstore.Store
	actor   syncstore.Actor
	runtime *ingest.RuntimeInput
	clock   clock.Clock
	logger  *slog.Logger

	// checkpoints is nil when no checkpoint file is configured.
	checkpoints    *cursorfile.File
	checkpointPath string

	newSessionID func() string

	// sessions holds the session of every thread bound during this
	// run.
	sessions map[string]string
}

// Sync ingests one thread's batch. Rejected batches are logged and
// dropped; only failures outside the error taxonomy are returned.
func (s *syncer) Sync(ctx context.Context, threadID string, events []ingest.InboundEvent) error {
	sessionID, err := s.bind(ctx, threadID)
	if err != nil {
		return err
	}

	result, err := s.store.IngestSafe(ctx, syncstore.IngestSafeRequest{
		IngestRequest: syncstore.IngestRequest{
			Actor:     s.actor,
			SessionID: sessionID,
			ThreadID:  threadID,
			Events:    events,
			Runtime:   s.runtime,
		},
		EnsureLastEventCursor: s.maxCursor(threadID),
	})
	if err != nil {
		return fmt.Errorf("ingesting %d events for thread %s: %w", len(events), threadID, err)
	}

	switch result.Status {
	case syncstore.SafeRejected:
		for _, itemError := range result.Errors {
			s.logger.Error("batch rejected",
				"thread_id", threadID,
				"session_id", sessionID,
				"events", len(events),
				"code", itemError.Code,
				"error", itemError.Message,
			)
		}
		return nil
	case syncstore.SafeSessionRecovered:
		s.logger.Info("session recovered", "thread_id", threadID, "session_id", sessionID)
	case syncstore.SafePartial:
		s.logger.Debug("batch applied with cursor gaps", "thread_id", threadID, "events", len(events))
	}
	return s.saveCheckpoints(threadID, sessionID, result.AckedStreams)
}

// bind ensures the thread and its session once per run. The session id
// recorded in the checkpoint file is reused so a restart continues the
// same session.
func (s *syncer) bind(ctx context.Context, threadID string) (string, error) {
	if sessionID, ok := s.sessions[threadID]; ok {
		return sessionID, nil
	}
	if _, err := s.store.EnsureThread(ctx, s.actor, threadID); err != nil {
		return "", err
	}

	sessionID := ""
	if s.checkpoints != nil {
		sessionID = s.checkpoints.SessionID(threadID)
	}
	if sessionID == "" {
		sessionID = s.newSessionID()
	}
	result, err := s.store.EnsureSession(ctx, syncstore.SessionRequest{
		Actor:           s.actor,
		SessionID:       sessionID,
		ThreadID:        threadID,
		LastEventCursor: s.maxCursor(threadID),
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("thread bound", "thread_id", threadID, "session_id", sessionID, "session_status", result.Status)
	s.sessions[threadID] = sessionID
	return sessionID, nil
}

func (s *syncer) maxCursor(threadID string) int64 {
	if s.checkpoints == nil {
		return 0
	}
	return s.checkpoints.MaxCursor(threadID)
}

func (s *syncer) saveCheckpoints(threadID, sessionID string, acks []syncstore.StreamAck) error {
	if s.checkpoints == nil {
		return nil
	}
	changed := s.checkpoints.SessionID(threadID) != sessionID
	s.checkpoints.SetSession(threadID, sessionID)
	for _, ack := range acks {
		if s.checkpoints.Advance(threadID, ack.StreamID, ack.AckCursorEnd) {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return cursorfile.Write(s.checkpointPath, s.checkpoints, s.clock.Now())
}
