// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"cmp"
	"slices"

	"github.com/zakstam/convex-codex-component-sub003/lib/protocol"
	"github.com/zakstam/convex-codex-component-sub003/lib/syncerr"
)

// Normalize orders events by CreatedAt, keeping submission order for
// ties, and enriches each one.
//
// The turn named in the payload is canonical. A stream delta for
// turn/started or turn/completed, and any codex/event/* event, must
// name its turn in the payload. A lifecycle event whose payload names
// no turn is kept but carries no turn, no terminal status, and no
// facets; the submitted TurnID of a lifecycle event is never trusted.
func Normalize(events []InboundEvent) ([]NormalizedEvent, error) {
	sorted := slices.Clone(events)
	slices.SortStableFunc(sorted, func(a, b InboundEvent) int {
		return cmp.Compare(a.CreatedAt, b.CreatedAt)
	})

	normalized := make([]NormalizedEvent, 0, len(sorted))
	for _, event := range sorted {
		payload := []byte(event.PayloadJSON)
		payloadTurnID, hasPayloadTurn := protocol.TurnIDForPayload(event.Kind, payload)

		if event.Type == StreamDelta && (event.Kind == protocol.KindTurnStarted || event.Kind == protocol.KindTurnCompleted) && !hasPayloadTurn {
			return nil, syncerr.New(syncerr.CodeTurnIDRequiredForTurnEvent,
				"missing canonical payload turn id for turn lifecycle event kind=%s", event.Kind)
		}
		if protocol.IsLegacyEvent(event.Kind) && !hasPayloadTurn {
			return nil, syncerr.New(syncerr.CodeTurnIDRequiredForCodex,
				"missing canonical payload turn id for legacy codex event kind=%s", event.Kind)
		}

		result := NormalizedEvent{InboundEvent: event}
		switch {
		case hasPayloadTurn:
			result.TurnID = payloadTurnID
		case event.Type == LifecycleEvent:
			result.TurnID = ""
		}

		if event.Type == StreamDelta || result.HasTurn() {
			result.Terminal = protocol.TerminalStatusForEvent(event.Kind, payload)
			result.ApprovalRequest = protocol.ApprovalRequestFor(event.Kind, payload)
			result.ApprovalResolution = protocol.ApprovalResolutionFor(event.Kind, payload)
			result.Message = protocol.DurableMessageFor(event.Kind, payload)
			result.Delta = protocol.DurableDeltaFor(event.Kind, payload)
			result.Reasoning = protocol.ReasoningDeltaFor(event.Kind, payload)
		}
		result.SyntheticStatus = SyntheticStatus(event.Kind, result.Terminal)

		normalized = append(normalized, result)
	}
	return normalized, nil
}

// SyntheticStatus is the upsert-with-synthesized-default policy for
// turns created implicitly by an event. A terminal signal wins;
// turn/started and item/* events imply the turn is running; every other
// kind, including kinds introduced after this was written, yields
// queued, which the next started or terminal signal promotes.
func SyntheticStatus(kind string, terminal *protocol.TerminalStatus) protocol.TurnStatus {
	if terminal != nil {
		return terminal.Status
	}
	if kind == protocol.KindTurnStarted || protocol.IsItemEvent(kind) {
		return protocol.TurnInProgress
	}
	return protocol.TurnQueued
}
