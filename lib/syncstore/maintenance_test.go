// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncstore

import (
	"testing"
	"time"

	"zombiezen.com/go/sqlite"

	"github.com/zakstam/convex-codex-component-sub003/lib/ingest"
	"github.com/zakstam/convex-codex-component-sub003/lib/protocol"
	"github.com/zakstam/convex-codex-component-sub003/lib/scheduler"
	"github.com/zakstam/convex-codex-component-sub003/lib/syncerr"
)

func (env *testEnv) enqueue(t *testing.T, task scheduler.Task) {
	t.Helper()
	err := env.store.Pool().Write(t.Context(), func(conn *sqlite.Conn) error {
		_, err := env.store.queue.Enqueue(conn, task)
		return err
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func TestFinishedStreamDrainsAfterDelay(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	stream := newTurnStream(testThread, "turn-1")
	env.mustIngest(t, testThread, "session-1", saveDeltas(), helloTurn(stream)...)
	env.runDue(t)

	// Deltas stay readable until the delete delay passes.
	env.clock.Advance(ingest.DefaultFinishedStreamDeleteDelay - time.Second)
	env.runDue(t)
	if got := env.count(t, "SELECT COUNT(*) FROM stream_deltas"); got != 8 {
		t.Fatalf("stream_deltas before delay = %d, want 8", got)
	}

	env.clock.Advance(time.Second)
	env.runDue(t)
	for _, table := range []string{"stream_deltas", "stream_receipts"} {
		if got := env.count(t, "SELECT COUNT(*) FROM "+table); got != 0 {
			t.Errorf("%s rows after drain = %d, want 0", table, got)
		}
	}
	if got := env.count(t, "SELECT COUNT(*) FROM streams WHERE stream_id = ? AND turn_id = 'turn-1' AND state = 'finished'", stream.id()); got != 1 {
		t.Errorf("finished stream rows after drain = %d, want the binding kept", got)
	}
	if got := env.count(t, "SELECT applied_cursor FROM stream_stats WHERE stream_id = ?", stream.id()); got != 8 {
		t.Errorf("applied cursor after drain = %d, want 8", got)
	}

	events, err := env.store.LifecycleEvents(t.Context(), env.actor, testThread)
	if err != nil {
		t.Fatalf("LifecycleEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("lifecycle events = %+v, want the drain marker", events)
	}
	marker := events[0]
	if marker.Kind != KindStreamDrainComplete || marker.EventID != KindStreamDrainComplete+":"+stream.id() || marker.TurnID != "turn-1" {
		t.Errorf("marker = %+v", marker)
	}
	if want := `{"streamId":"` + stream.id() + `"}`; marker.PayloadJSON != want {
		t.Errorf("marker payload = %s, want %s", marker.PayloadJSON, want)
	}
}

func TestCleanupFinishedStreamDeletesInBatches(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	stream := newTurnStream(testThread, "turn-1")
	env.mustIngest(t, testThread, "session-1", saveDeltas(), helloTurn(stream)...)
	env.runDue(t)

	env.enqueue(t, newCleanupStreamTask(env.actor.TenantID, stream.id(), 3, time.Time{}))
	env.runDue(t)
	if got := env.count(t, "SELECT COUNT(*) FROM stream_deltas"); got != 5 {
		t.Fatalf("stream_deltas after one batch = %d, want 5", got)
	}
	if got := env.count(t, "SELECT MIN(cursor_start) FROM stream_deltas"); got != 3 {
		t.Errorf("earliest retained cursor = %d, want 3", got)
	}

	env.runDue(t)
	env.runDue(t)
	if got := env.count(t, "SELECT COUNT(*) FROM stream_receipts"); got != 0 {
		t.Errorf("stream_receipts after final batch = %d, want 0", got)
	}
	if got := env.count(t, "SELECT COUNT(*) FROM lifecycle_events WHERE kind = ?", KindStreamDrainComplete); got != 1 {
		t.Errorf("drain markers = %d, want 1", got)
	}
}

// drainTurn ingests a complete turn and runs maintenance until its
// stream's deltas and receipts are gone.
func (env *testEnv) drainTurn(t *testing.T, stream *turnStream) {
	t.Helper()
	env.mustIngest(t, testThread, "session-1", saveDeltas(), helloTurn(stream)...)
	env.runDue(t)
	env.clock.Advance(ingest.DefaultFinishedStreamDeleteDelay)
	env.runDue(t)
	if got := env.count(t, "SELECT COUNT(*) FROM stream_receipts WHERE stream_id = ?", stream.id()); got != 0 {
		t.Fatalf("stream_receipts after drain = %d, want 0", got)
	}
}

func TestDrainedStreamKeepsTurnBinding(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	stream := newTurnStream(testThread, "turn-1")
	env.drainTurn(t, stream)

	intruder := newTurnStream(testThread, "turn-2")
	event := intruder.next(protocol.KindTurnStarted, turnStartedFrame("turn-2"))
	event.StreamID = stream.id()
	_, err := env.ingest(testThread, "session-1", nil, event)
	requireCode(t, err, syncerr.CodeStreamTurnCollision)

	if got := env.count(t, "SELECT COUNT(*) FROM streams WHERE stream_id = ? AND turn_id = 'turn-1'", stream.id()); got != 1 {
		t.Errorf("streams bound to turn-1 = %d, want 1", got)
	}
	if got := env.count(t, "SELECT COUNT(*) FROM turns WHERE turn_id = 'turn-2'"); got != 0 {
		t.Errorf("turn-2 rows = %d, want the rejected batch rolled back", got)
	}
}

func TestRedeliveryAfterDrainIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	env.drainTurn(t, newTurnStream(testThread, "turn-1"))

	replay := newTurnStream(testThread, "turn-1")
	result := env.mustIngest(t, testThread, "session-1", saveDeltas(), helloTurn(replay)...)
	if result.Status != IngestOK {
		t.Errorf("status = %s, want ok", result.Status)
	}
	if len(result.AckedStreams) != 1 || result.AckedStreams[0].AckCursorEnd != 8 {
		t.Errorf("acked = %+v, want one ack at 8", result.AckedStreams)
	}
	if got := env.count(t, "SELECT COUNT(*) FROM stream_deltas"); got != 0 {
		t.Errorf("stream_deltas after redelivery = %d, want 0", got)
	}
	if got := env.count(t, "SELECT state = 'finished' FROM streams WHERE stream_id = ?", replay.id()); got != 1 {
		t.Error("redelivery reopened the drained stream")
	}
	state := env.state(t, testThread)
	if len(state.Messages) != 2 || state.Messages[1].Text != "Hello" {
		t.Errorf("messages after redelivery = %+v, want the original two", state.Messages)
	}
}

func TestCleanupSkipsStreamingStream(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	stream := newTurnStream(testThread, "turn-1")
	env.mustIngest(t, testThread, "session-1", nil, stream.next(protocol.KindTurnStarted, turnStartedFrame("turn-1")))

	env.enqueue(t, newCleanupStreamTask(env.actor.TenantID, stream.id(), 0, time.Time{}))
	if got := env.runDue(t); got != 1 {
		t.Fatalf("RunDue = %d, want 1", got)
	}
	if got := env.count(t, "SELECT COUNT(*) FROM stream_deltas"); got != 1 {
		t.Errorf("stream_deltas = %d, want 1", got)
	}
	if got := env.count(t, "SELECT COUNT(*) FROM streams"); got != 1 {
		t.Errorf("streams = %d, want 1", got)
	}
}

func TestCleanupMissingStreamSucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, newCleanupStreamTask(env.actor.TenantID, "gone:turn:0", 10, time.Time{}))
	if got := env.runDue(t); got != 1 {
		t.Errorf("RunDue = %d, want 1", got)
	}
}

func TestTimeoutStaleSessions(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	env.bind(t, "thread-2", "session-2")

	env.clock.Advance(4 * time.Minute)
	stream := newTurnStream(testThread, "turn-1")
	env.mustIngest(t, testThread, "session-1", nil, stream.next(protocol.KindTurnStarted, turnStartedFrame("turn-1")))
	env.runDue(t)

	idle := env.session(t, "session-2")
	if idle.status != SessionStale || idle.errorText != "heartbeat timeout" || idle.endedAt == 0 {
		t.Errorf("idle session = %+v, want stale with heartbeat timeout", idle)
	}
	if active := env.session(t, "session-1"); active.status != SessionActive {
		t.Errorf("ingesting session status = %s, want active", active.status)
	}

	// Sweeping again changes nothing.
	env.enqueue(t, newStaleSessionsTask(env.actor.TenantID, env.clock.Now().UnixMilli()))
	env.runDue(t)
	if again := env.session(t, "session-2"); again.endedAt != idle.endedAt {
		t.Errorf("second sweep rewrote ended_at: %d, was %d", again.endedAt, idle.endedAt)
	}

	// A stale session is revived by rebinding.
	_, err := env.store.EnsureSession(t.Context(), SessionRequest{Actor: env.actor, SessionID: "session-2", ThreadID: "thread-2"})
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if revived := env.session(t, "session-2"); revived.status != SessionActive || revived.errorText != "" {
		t.Errorf("revived session = %+v, want active without error", revived)
	}
}

func TestStaleSweepIsDeduplicatedPerTenant(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, newStaleSessionsTask(env.actor.TenantID, 1))
	env.enqueue(t, newStaleSessionsTask(env.actor.TenantID, 2))
	env.enqueue(t, newStaleSessionsTask("tenant-b", 2))

	pending, err := env.runner.Pending(t.Context(), TaskTimeoutStaleSessions)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if pending != 2 {
		t.Errorf("pending sweeps = %d, want one per tenant", pending)
	}
}

func TestCleanupExpiredDeltas(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	old := newTurnStream(testThread, "turn-1")
	env.mustIngest(t, testThread, "session-1", saveDeltas(),
		old.next(protocol.KindTurnStarted, turnStartedFrame("turn-1")),
		old.next(protocol.KindAgentMessageDelta, agentDeltaFrame("turn-1", "a1", "one")),
		old.next(protocol.KindAgentMessageDelta, agentDeltaFrame("turn-1", "a1", "two")),
	)

	env.clock.Advance(ingest.DeltaTTL + time.Hour)
	fresh := newTurnStream(testThread, "turn-2")
	env.mustIngest(t, testThread, "session-1", saveDeltas(),
		fresh.next(protocol.KindTurnStarted, turnStartedFrame("turn-2")))
	env.runDue(t)

	if got := env.count(t, "SELECT COUNT(*) FROM stream_deltas"); got != 1 {
		t.Errorf("stream_deltas = %d, want only the fresh one", got)
	}
	if got := env.count(t, "SELECT COUNT(*) FROM stream_receipts"); got != 1 {
		t.Errorf("stream_receipts = %d, want only the fresh one", got)
	}

	// The expired window can no longer be resumed.
	_, err := env.store.ResumeFromCursor(t.Context(), env.actor, testThread, "turn-1", 0, nil)
	requireCode(t, err, syncerr.CodeReplayGap)
}

func TestCleanupExpiredDeltasRequeuesFullBatch(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	stream := newTurnStream(testThread, "turn-1")
	env.mustIngest(t, testThread, "session-1", saveDeltas(),
		stream.next(protocol.KindTurnStarted, turnStartedFrame("turn-1")),
		stream.next(protocol.KindAgentMessageDelta, agentDeltaFrame("turn-1", "a1", "one")),
		stream.next(protocol.KindAgentMessageDelta, agentDeltaFrame("turn-1", "a1", "two")),
	)
	env.clock.Advance(ingest.DeltaTTL)

	env.enqueue(t, newExpiredDeltasTask(env.clock.Now().UnixMilli(), 2))
	env.runDue(t)
	if got := env.count(t, "SELECT COUNT(*) FROM stream_deltas"); got != 1 {
		t.Fatalf("stream_deltas after one batch = %d, want 1", got)
	}
	env.runDue(t)
	if got := env.count(t, "SELECT COUNT(*) FROM stream_deltas"); got != 0 {
		t.Errorf("stream_deltas after requeued batch = %d, want 0", got)
	}
}

func TestClampBatch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		size, fallback, limit, want int
	}{
		{0, 500, 2000, 500},
		{-3, 500, 2000, 500},
		{1, 500, 2000, 1},
		{2000, 500, 2000, 2000},
		{9000, 1000, 5000, 5000},
	}
	for _, test := range tests {
		if got := clampBatch(test.size, test.fallback, test.limit); got != test.want {
			t.Errorf("clampBatch(%d, %d, %d) = %d, want %d", test.size, test.fallback, test.limit, got, test.want)
		}
	}
}

func TestMergeMessageStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		existing, incoming, want protocol.MessageStatus
	}{
		{protocol.MessageStreaming, protocol.MessageCompleted, protocol.MessageCompleted},
		{protocol.MessageCompleted, protocol.MessageStreaming, protocol.MessageCompleted},
		{protocol.MessageFailed, protocol.MessageCompleted, protocol.MessageFailed},
		{protocol.MessageFailed, protocol.MessageInterrupted, protocol.MessageFailed},
		{protocol.MessageInterrupted, protocol.MessageCompleted, protocol.MessageInterrupted},
		{protocol.MessageInterrupted, protocol.MessageFailed, protocol.MessageFailed},
		{protocol.MessageCompleted, protocol.MessageFailed, protocol.MessageFailed},
	}
	for _, test := range tests {
		if got := mergeMessageStatus(test.existing, test.incoming); got != test.want {
			t.Errorf("mergeMessageStatus(%s, %s) = %s, want %s", test.existing, test.incoming, got, test.want)
		}
	}
}
