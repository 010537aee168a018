// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncstore

import (
	"context"

	"github.com/zakstam/convex-codex-component-sub003/lib/syncerr"
)

// IngestSafeRequest is an IngestRequest plus the cursor used when the
// session has to be rebound.
type IngestSafeRequest struct {
	IngestRequest
	EnsureLastEventCursor int64 `json:"ensureLastEventCursor"`
}

// SafeStatus is the outcome of IngestSafe.
type SafeStatus string

const (
	SafeOK               SafeStatus = "ok"
	SafePartial          SafeStatus = "partial"
	SafeSessionRecovered SafeStatus = "session_recovered"
	SafeRejected         SafeStatus = "rejected"
)

// RecoveryActionSessionRebound is the only recovery IngestSafe performs.
const RecoveryActionSessionRebound = "session_rebound"

// Recovery describes the session rebind that preceded a successful
// retry.
type Recovery struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
	ThreadID  string `json:"threadId"`
}

// IngestSafeResult is returned by IngestSafe. IngestStatus and
// AckedStreams are set unless Status is rejected.
type IngestSafeResult struct {
	Status       SafeStatus          `json:"status"`
	IngestStatus IngestStatus        `json:"ingestStatus,omitempty"`
	AckedStreams []StreamAck         `json:"ackedStreams"`
	Recovery     *Recovery           `json:"recovery,omitempty"`
	Errors       []syncerr.ItemError `json:"errors"`
}

// IngestSafe runs Ingest and reports coded failures as a rejected
// result instead of an error. A recoverable session failure rebinds the
// session and retries once. Failures that are not *syncerr.Error, such
// as I/O and context errors, are returned.
func (s *Store) IngestSafe(ctx context.Context, request IngestSafeRequest) (IngestSafeResult, error) {
	result, err := s.Ingest(ctx, request.IngestRequest)
	if err == nil {
		return safeResult(result, nil), nil
	}
	if !isCoded(err) {
		return IngestSafeResult{}, err
	}
	if !syncerr.IsRecoverable(err) {
		return rejected(err), nil
	}

	s.logger.Info("rebinding session after recoverable ingest failure",
		"tenant_id", request.Actor.TenantID,
		"session_id", request.SessionID,
		"thread_id", request.ThreadID,
		"code", syncerr.CodeOf(err),
	)
	_, err = s.EnsureSession(ctx, SessionRequest{
		Actor:           request.Actor,
		SessionID:       request.SessionID,
		ThreadID:        request.ThreadID,
		LastEventCursor: request.EnsureLastEventCursor,
	})
	if err != nil {
		if !isCoded(err) {
			return IngestSafeResult{}, err
		}
		return rejected(err), nil
	}

	result, err = s.Ingest(ctx, request.IngestRequest)
	if err != nil {
		if !isCoded(err) {
			return IngestSafeResult{}, err
		}
		return rejected(err), nil
	}
	return safeResult(result, &Recovery{
		Action:    RecoveryActionSessionRebound,
		SessionID: request.SessionID,
		ThreadID:  request.ThreadID,
	}), nil
}

func isCoded(err error) bool {
	return syncerr.CodeOf(err) != ""
}

func safeResult(result IngestResult, recovery *Recovery) IngestSafeResult {
	status := SafeOK
	switch {
	case recovery != nil:
		status = SafeSessionRecovered
	case result.Status == IngestPartial:
		status = SafePartial
	}
	return IngestSafeResult{
		Status:       status,
		IngestStatus: result.Status,
		AckedStreams: result.AckedStreams,
		Recovery:     recovery,
		Errors:       []syncerr.ItemError{},
	}
}

func rejected(err error) IngestSafeResult {
	return IngestSafeResult{
		Status:       SafeRejected,
		AckedStreams: []StreamAck{},
		Errors:       []syncerr.ItemError{syncerr.ItemErrorFor(err)},
	}
}
