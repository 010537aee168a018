// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncstore

import (
	"strings"
	"testing"
	"time"

	"github.com/zakstam/convex-codex-component-sub003/lib/ingest"
	"github.com/zakstam/convex-codex-component-sub003/lib/protocol"
	"github.com/zakstam/convex-codex-component-sub003/lib/syncerr"
)

// helloTurn is a complete turn: a user message, a streamed agent reply,
// and a successful completion.
func helloTurn(stream *turnStream) []ingest.InboundEvent {
	turnID := stream.turnID
	return []ingest.InboundEvent{
		stream.next(protocol.KindTurnStarted, turnStartedFrame(turnID)),
		stream.next(protocol.KindItemStarted, itemFrame(protocol.KindItemStarted, turnID, userItem("u1", "hi"))),
		stream.next(protocol.KindItemCompleted, itemFrame(protocol.KindItemCompleted, turnID, userItem("u1", "hi"))),
		stream.next(protocol.KindItemStarted, itemFrame(protocol.KindItemStarted, turnID, agentItem("a1", ""))),
		stream.next(protocol.KindAgentMessageDelta, agentDeltaFrame(turnID, "a1", "Hel")),
		stream.next(protocol.KindAgentMessageDelta, agentDeltaFrame(turnID, "a1", "lo")),
		stream.next(protocol.KindItemCompleted, itemFrame(protocol.KindItemCompleted, turnID, agentItem("a1", "Hello"))),
		stream.next(protocol.KindTurnCompleted, turnCompletedFrame(turnID, "completed", "")),
	}
}

func TestIngestHelloTurn(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	stream := newTurnStream(testThread, "turn-1")

	result := env.mustIngest(t, testThread, "session-1", saveDeltas(), helloTurn(stream)...)
	if result.Status != IngestOK {
		t.Errorf("status = %s, want ok", result.Status)
	}
	if len(result.AckedStreams) != 1 || result.AckedStreams[0] != (StreamAck{StreamID: stream.id(), AckCursorEnd: 8}) {
		t.Errorf("acked = %+v, want one ack at 8 for %s", result.AckedStreams, stream.id())
	}

	state := env.state(t, testThread)
	if len(state.Turns) != 1 || state.Turns[0].Status != protocol.TurnInProgress {
		t.Fatalf("turns before reconcile = %+v, want one inProgress turn", state.Turns)
	}

	env.runDue(t)
	state = env.state(t, testThread)
	turn := state.Turns[0]
	if turn.Status != protocol.TurnCompleted || turn.Error != "" || turn.CompletedAt == 0 {
		t.Errorf("turn after reconcile = %+v, want completed without error", turn)
	}

	if len(state.Messages) != 2 {
		t.Fatalf("messages = %+v, want 2", state.Messages)
	}
	user, agent := state.Messages[0], state.Messages[1]
	if user.Role != protocol.RoleUser || user.Text != "hi" || user.OrderInTurn != 0 || user.Status != protocol.MessageCompleted {
		t.Errorf("user message = %+v", user)
	}
	if agent.Role != protocol.RoleAssistant || agent.Text != "Hello" || agent.OrderInTurn != 1 || agent.Status != protocol.MessageCompleted {
		t.Errorf("agent message = %+v", agent)
	}
	if agent.CompletedAt == 0 {
		t.Error("completed agent message has no completedAt")
	}

	// All eight events were persisted: six lifecycle kinds and two
	// saved deltas.
	if got := env.count(t, "SELECT COUNT(*) FROM stream_deltas"); got != 8 {
		t.Errorf("stream_deltas = %d, want 8", got)
	}
	if got := env.count(t, "SELECT state = 'finished' FROM streams WHERE stream_id = ?", stream.id()); got != 1 {
		t.Error("stream was not finished by reconcile")
	}
}

func TestIngestReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	events := helloTurn(newTurnStream(testThread, "turn-1"))

	first := env.mustIngest(t, testThread, "session-1", saveDeltas(), events...)
	second := env.mustIngest(t, testThread, "session-1", saveDeltas(), events...)
	if second.Status != IngestOK {
		t.Errorf("replay status = %s, want ok", second.Status)
	}
	if second.AckedStreams[0] != first.AckedStreams[0] {
		t.Errorf("replay ack = %+v, want %+v", second.AckedStreams[0], first.AckedStreams[0])
	}

	state := env.state(t, testThread)
	if len(state.Messages) != 2 || state.Messages[1].Text != "Hello" {
		t.Errorf("messages after replay = %+v", state.Messages)
	}
	if got := env.count(t, "SELECT COUNT(*) FROM stream_deltas"); got != 8 {
		t.Errorf("stream_deltas after replay = %d, want 8", got)
	}
	if got := env.count(t, "SELECT COUNT(*) FROM stream_receipts"); got != 8 {
		t.Errorf("stream_receipts after replay = %d, want 8", got)
	}
}

func TestIngestDeltaWithoutSaveIsNotPersisted(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	env.mustIngest(t, testThread, "session-1", nil, helloTurn(newTurnStream(testThread, "turn-1"))...)

	if got := env.count(t, "SELECT COUNT(*) FROM stream_deltas"); got != 6 {
		t.Errorf("stream_deltas = %d, want the 6 lifecycle events", got)
	}
	if got := env.count(t, "SELECT COUNT(*) FROM stream_receipts"); got != 8 {
		t.Errorf("stream_receipts = %d, want 8", got)
	}
	// The message text still accumulates from deltas.
	state := env.state(t, testThread)
	if state.Messages[1].Text != "Hello" {
		t.Errorf("agent text = %q, want Hello", state.Messages[1].Text)
	}
}

func TestIngestDeltasAppendAcrossBatches(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	stream := newTurnStream(testThread, "turn-1")

	env.mustIngest(t, testThread, "session-1", nil,
		stream.next(protocol.KindTurnStarted, turnStartedFrame("turn-1")),
		stream.next(protocol.KindAgentMessageDelta, agentDeltaFrame("turn-1", "a1", "Hel")),
	)
	state := env.state(t, testThread)
	if len(state.Messages) != 1 {
		t.Fatalf("messages = %+v, want the delta-created message", state.Messages)
	}
	created := state.Messages[0]
	if created.Status != protocol.MessageStreaming || created.SourceItemType != "agentMessage" || created.Text != "Hel" {
		t.Errorf("delta-created message = %+v", created)
	}
	if created.PayloadJSON != `{"type":"agentMessage","id":"a1","text":"Hel"}` {
		t.Errorf("payload = %s", created.PayloadJSON)
	}

	env.mustIngest(t, testThread, "session-1", nil,
		stream.next(protocol.KindAgentMessageDelta, agentDeltaFrame("turn-1", "a1", "lo")),
		stream.next(protocol.KindItemCompleted, itemFrame(protocol.KindItemCompleted, "turn-1", agentItem("a1", "Hello"))),
		// A straggling delta after completion is ignored.
		stream.next(protocol.KindAgentMessageDelta, agentDeltaFrame("turn-1", "a1", "!!")),
	)
	message := env.state(t, testThread).Messages[0]
	if message.Text != "Hello" || message.Status != protocol.MessageCompleted {
		t.Errorf("message = %+v, want completed Hello", message)
	}
}

func TestIngestPreconditions(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	stream := newTurnStream(testThread, "turn-1")
	event := stream.next(protocol.KindTurnStarted, turnStartedFrame("turn-1"))

	_, err := env.ingest(testThread, "session-1", nil)
	requireCode(t, err, syncerr.CodeEmptyBatch)

	_, err = env.ingest("missing-thread", "session-1", nil, event)
	requireCode(t, err, syncerr.CodeThreadNotFound)

	_, err = env.ingest(testThread, "missing-session", nil, event)
	requireCode(t, err, syncerr.CodeSessionNotFound)

	other := env.actor
	other.UserID = "user-b"
	_, err = env.store.Ingest(t.Context(), IngestRequest{Actor: other, SessionID: "session-1", ThreadID: testThread, Events: []ingest.InboundEvent{event}})
	requireCode(t, err, syncerr.CodeThreadForbidden)

	otherDevice := env.actor
	otherDevice.DeviceID = "device-b"
	_, err = env.store.Ingest(t.Context(), IngestRequest{Actor: otherDevice, SessionID: "session-1", ThreadID: testThread, Events: []ingest.InboundEvent{event}})
	requireCode(t, err, syncerr.CodeSessionDeviceMismatch)

	if _, err := env.store.EnsureThread(t.Context(), env.actor, "thread-2"); err != nil {
		t.Fatalf("EnsureThread: %v", err)
	}
	_, err = env.ingest("thread-2", "session-1", nil, event)
	requireCode(t, err, syncerr.CodeSessionThreadMismatch)
}

func TestIngestCursorErrors(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	stream := newTurnStream(testThread, "turn-1")
	started := stream.next(protocol.KindTurnStarted, turnStartedFrame("turn-1"))

	empty := started
	empty.CursorEnd = empty.CursorStart
	_, err := env.ingest(testThread, "session-1", nil, empty)
	requireCode(t, err, syncerr.CodeInvalidCursorRange)

	duplicate := stream.next(protocol.KindAgentMessageDelta, agentDeltaFrame("turn-1", "a1", "x"))
	again := duplicate
	again.CursorStart, again.CursorEnd = 2, 3
	_, err = env.ingest(testThread, "session-1", nil, started, duplicate, again)
	requireCode(t, err, syncerr.CodeDuplicateEventInBatch)

	// Nothing from the failed batches was committed.
	if got := env.count(t, "SELECT COUNT(*) FROM turns"); got != 0 {
		t.Errorf("turns after failed batches = %d, want 0", got)
	}
}

func TestIngestGapIsPartialAndRegressionIsOutOfOrder(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	stream := newTurnStream(testThread, "turn-1")

	env.mustIngest(t, testThread, "session-1", nil, stream.next(protocol.KindTurnStarted, turnStartedFrame("turn-1")))

	skipped := stream.at(5, protocol.KindAgentMessageDelta, agentDeltaFrame("turn-1", "a1", "late"))
	result := env.mustIngest(t, testThread, "session-1", nil, skipped)
	if result.Status != IngestPartial {
		t.Errorf("status = %s, want partial", result.Status)
	}
	if result.AckedStreams[0].AckCursorEnd != 6 {
		t.Errorf("ack = %d, want 6", result.AckedStreams[0].AckCursorEnd)
	}

	regressed := stream.at(2, protocol.KindAgentMessageDelta, agentDeltaFrame("turn-1", "a1", "early"))
	_, err := env.ingest(testThread, "session-1", nil, regressed)
	requireCode(t, err, syncerr.CodeOutOfOrder)
}

func TestIngestStreamTurnCollisionRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	stream := newTurnStream(testThread, "turn-1")
	env.mustIngest(t, testThread, "session-1", nil, stream.next(protocol.KindTurnStarted, turnStartedFrame("turn-1")))

	// An event for turn-2 arriving on turn-1's stream.
	intruder := stream.next(protocol.KindTurnStarted, turnStartedFrame("turn-2"))
	_, err := env.ingest(testThread, "session-1", nil, intruder)
	requireCode(t, err, syncerr.CodeStreamTurnCollision)

	if got := env.count(t, "SELECT COUNT(*) FROM turns WHERE turn_id = 'turn-2'"); got != 0 {
		t.Error("turn-2 was committed despite the collision")
	}
}

func TestIngestRequiresCanonicalTurnID(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	stream := newTurnStream(testThread, "turn-1")

	event := stream.next(protocol.KindTurnStarted, frame("turn/started", map[string]any{"threadId": testThread}))
	_, err := env.ingest(testThread, "session-1", nil, event)
	requireCode(t, err, syncerr.CodeTurnIDRequiredForTurnEvent)
}

func TestTerminalStatusIsMonotonic(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	stream := newTurnStream(testThread, "turn-1")

	env.mustIngest(t, testThread, "session-1", nil,
		stream.next(protocol.KindTurnStarted, turnStartedFrame("turn-1")),
		stream.next(protocol.KindItemStarted, itemFrame(protocol.KindItemStarted, "turn-1", agentItem("a1", ""))),
		stream.next(protocol.KindAgentMessageDelta, agentDeltaFrame("turn-1", "a1", "partial")),
		stream.next(protocol.KindError, errorFrame("turn-1", "boom")),
	)

	// The failed turn's streaming message closes with the batch.
	message := env.state(t, testThread).Messages[0]
	if message.Status != protocol.MessageFailed || message.Error != "boom" {
		t.Errorf("message after failure = %+v, want failed with boom", message)
	}

	env.runDue(t)
	turn := env.state(t, testThread).Turns[0]
	if turn.Status != protocol.TurnFailed || turn.Error != "boom" {
		t.Fatalf("turn = %+v, want failed with boom", turn)
	}

	// A later completion has lower priority and is ignored.
	env.mustIngest(t, testThread, "session-1", nil,
		stream.next(protocol.KindTurnCompleted, turnCompletedFrame("turn-1", "completed", "")))
	env.runDue(t)
	turn = env.state(t, testThread).Turns[0]
	if turn.Status != protocol.TurnFailed || turn.Error != "boom" {
		t.Errorf("turn after late completion = %+v, want failed with boom", turn)
	}
	if got := env.count(t, "SELECT COUNT(*) FROM streams WHERE state = 'aborted' AND abort_reason = 'boom'"); got != 1 {
		t.Errorf("aborted streams = %d, want 1", got)
	}
}

func TestTerminalPriorityWithinBatch(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	stream := newTurnStream(testThread, "turn-1")

	env.mustIngest(t, testThread, "session-1", nil,
		stream.next(protocol.KindTurnStarted, turnStartedFrame("turn-1")),
		stream.next(protocol.KindTurnCompleted, turnCompletedFrame("turn-1", "interrupted", "")),
		stream.next(protocol.KindTurnCompleted, turnCompletedFrame("turn-1", "completed", "")),
	)
	env.runDue(t)
	turn := env.state(t, testThread).Turns[0]
	if turn.Status != protocol.TurnInterrupted || turn.Error != "turn interrupted" {
		t.Errorf("turn = %+v, want interrupted", turn)
	}
}

func TestTurnCreatedByTerminalEvent(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	stream := newTurnStream(testThread, "turn-1")

	env.mustIngest(t, testThread, "session-1", nil,
		stream.next(protocol.KindTurnCompleted, turnCompletedFrame("turn-1", "failed", "quota")))
	turn := env.state(t, testThread).Turns[0]
	if turn.Status != protocol.TurnFailed || turn.Error != "quota" || turn.CompletedAt == 0 {
		t.Errorf("turn = %+v, want failed with quota", turn)
	}
}

func TestApprovalResolvesExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	stream := newTurnStream(testThread, "turn-1")

	env.mustIngest(t, testThread, "session-1", nil,
		stream.next(protocol.KindTurnStarted, turnStartedFrame("turn-1")),
		stream.next(protocol.KindCommandExecutionRequestApproval, approvalFrame("turn-1", "c1", "needs network")),
	)
	approvals := env.state(t, testThread).Approvals
	if len(approvals) != 1 || approvals[0].Status != protocol.ApprovalPending || approvals[0].Reason != "needs network" {
		t.Fatalf("approvals = %+v, want one pending", approvals)
	}

	env.mustIngest(t, testThread, "session-1", nil,
		stream.next(protocol.KindItemCompleted, itemFrame(protocol.KindItemCompleted, "turn-1", commandItem("c1", "declined"))))
	approval := env.state(t, testThread).Approvals[0]
	if approval.Status != protocol.ApprovalDeclined || approval.DecidedBy != "runtime" || approval.DecidedAt == 0 {
		t.Fatalf("approval = %+v, want declined by runtime", approval)
	}

	// A second completion for the same item does not re-decide it, and
	// the interrupted message stays interrupted.
	env.mustIngest(t, testThread, "session-1", nil,
		stream.next(protocol.KindItemCompleted, itemFrame(protocol.KindItemCompleted, "turn-1", commandItem("c1", "completed"))))
	state := env.state(t, testThread)
	if state.Approvals[0].Status != protocol.ApprovalDeclined {
		t.Errorf("approval after second completion = %s, want declined", state.Approvals[0].Status)
	}
	if len(state.Messages) != 1 || state.Messages[0].Status != protocol.MessageInterrupted {
		t.Errorf("messages = %+v, want one interrupted tool message", state.Messages)
	}
}

func TestReasoningSegments(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	stream := newTurnStream(testThread, "turn-1")

	summary := func(delta string) string {
		return frame(protocol.KindReasoningSummaryTextDelta, map[string]any{"turnId": "turn-1", "itemId": "r1", "delta": delta, "summaryIndex": 0})
	}
	raw := frame(protocol.KindReasoningTextDelta, map[string]any{"turnId": "turn-1", "itemId": "r1", "delta": "secret", "contentIndex": 0})

	env.mustIngest(t, testThread, "session-1", nil,
		stream.next(protocol.KindTurnStarted, turnStartedFrame("turn-1")),
		stream.next(protocol.KindReasoningSummaryTextDelta, summary("Think")),
		stream.next(protocol.KindReasoningSummaryTextDelta, summary("ing")),
		stream.next(protocol.KindReasoningTextDelta, raw),
	)
	reasoning := env.state(t, testThread).Reasoning
	if len(reasoning) != 1 {
		t.Fatalf("reasoning = %+v, want only the summary segment", reasoning)
	}
	if reasoning[0].Channel != protocol.ReasoningSummary || reasoning[0].Text != "Thinking" {
		t.Errorf("segment = %+v, want summary Thinking", reasoning[0])
	}

	exposed := true
	env.mustIngest(t, testThread, "session-1", &ingest.RuntimeInput{ExposeRawReasoningDeltas: &exposed},
		stream.next(protocol.KindReasoningTextDelta, raw))
	if got := len(env.state(t, testThread).Reasoning); got != 2 {
		t.Errorf("reasoning segments with raw exposed = %d, want 2", got)
	}
}

func TestLifecycleEventsAreDeduplicated(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")

	event := ingest.InboundEvent{
		Type:        ingest.LifecycleEvent,
		EventID:     "life-1",
		TurnID:      "ignored",
		Kind:        "thread/started",
		PayloadJSON: frame("thread/started", map[string]any{"thread": map[string]any{"id": testThread}}),
		CreatedAt:   1,
	}
	env.mustIngest(t, testThread, "session-1", nil, event)
	result := env.mustIngest(t, testThread, "session-1", nil, event)
	if len(result.AckedStreams) != 0 {
		t.Errorf("acked = %+v, want none for lifecycle events", result.AckedStreams)
	}

	events, err := env.store.LifecycleEvents(t.Context(), env.actor, testThread)
	if err != nil {
		t.Fatalf("LifecycleEvents: %v", err)
	}
	if len(events) != 1 || events[0].TurnID != "" || !strings.Contains(events[0].PayloadJSON, testThread) {
		t.Errorf("events = %+v, want one turnless thread/started", events)
	}
	if got := env.count(t, "SELECT COUNT(*) FROM turns"); got != 0 {
		t.Errorf("turns = %d, want none from an untrusted lifecycle turn id", got)
	}
}

func TestSessionPatchedAfterIngest(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, testThread, "session-1")
	stream := newTurnStream(testThread, "turn-1")

	env.clock.Advance(30 * time.Second)
	env.mustIngest(t, testThread, "session-1", saveDeltas(), helloTurn(stream)...)

	session := env.session(t, "session-1")
	if session.lastEventCursor != 8 {
		t.Errorf("last_event_cursor = %d, want 8", session.lastEventCursor)
	}
	if want := epoch.Add(30 * time.Second).UnixMilli(); session.lastHeartbeatAt != want {
		t.Errorf("last_heartbeat_at = %d, want %d", session.lastHeartbeatAt, want)
	}
	if session.status != SessionActive {
		t.Errorf("status = %s, want active", session.status)
	}
}
