// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncstore

import (
	"github.com/zakstam/convex-codex-component-sub003/lib/ingest"
	"github.com/zakstam/convex-codex-component-sub003/lib/protocol"
)

// runtimeDecider is recorded as decided_by for approvals resolved from
// item completions.
const runtimeDecider = "runtime"

func (b *batch) collectApprovals(event *ingest.NormalizedEvent) {
	if !event.HasTurn() {
		return
	}
	if request := event.ApprovalRequest; request != nil {
		key := approvalKey{turnID: event.TurnID, itemID: request.ItemID}
		if _, seen := b.pending[key]; !seen {
			b.pendingOrder = append(b.pendingOrder, key)
		}
		b.pending[key] = *request
	}
	if resolution := event.ApprovalResolution; resolution != nil {
		key := approvalKey{turnID: event.TurnID, itemID: resolution.ItemID}
		if _, seen := b.resolved[key]; !seen {
			b.resolvedOrder = append(b.resolvedOrder, key)
		}
		b.resolved[key] = *resolution
	}
}

// finalizeApprovals inserts new pending approvals and resolves pending
// ones. A decided approval is never changed.
func (b *batch) finalizeApprovals() error {
	for _, key := range b.pendingOrder {
		request := b.pending[key]
		err := execute(b.conn,
			`INSERT OR IGNORE INTO approvals (tenant_id, thread_id, turn_id, item_id, user_id, kind, status, reason, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, nil,
			b.actor.TenantID, b.threadID, key.turnID, key.itemID, b.actor.UserID,
			string(request.Kind), string(protocol.ApprovalPending), request.Reason, b.now)
		if err != nil {
			return err
		}
	}
	for _, key := range b.resolvedOrder {
		resolution := b.resolved[key]
		err := execute(b.conn,
			`UPDATE approvals SET status = ?, decided_by = ?, decided_at = ?
			 WHERE tenant_id = ? AND thread_id = ? AND turn_id = ? AND item_id = ? AND status = ?`, nil,
			string(resolution.Status), runtimeDecider, b.now,
			b.actor.TenantID, b.threadID, key.turnID, key.itemID, string(protocol.ApprovalPending))
		if err != nil {
			return err
		}
		if b.conn.Changes() > 0 {
			b.store.logger.Info("approval resolved",
				"tenant_id", b.actor.TenantID,
				"thread_id", b.threadID,
				"turn_id", key.turnID,
				"item_id", key.itemID,
				"status", resolution.Status,
			)
		}
	}
	return nil
}
