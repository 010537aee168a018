// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/zakstam/convex-codex-component-sub003/lib/bridge"
	"github.com/zakstam/convex-codex-component-sub003/lib/clock"
	"github.com/zakstam/convex-codex-component-sub003/lib/ingest"
	"github.com/zakstam/convex-codex-component-sub003/lib/protocol"
	"github.com/zakstam/convex-codex-component-sub003/lib/testutil"
)

var epoch = time.Date(2026, 2, 28, 14, 0, 0, 0, time.UTC)

type recordingSyncer struct {
	batches chan threadBatch
	err     error
}

func (r *recordingSyncer) Sync(_ context.Context, threadID string, events []ingest.InboundEvent) error {
	r.batches <- threadBatch{ThreadID: threadID, Events: events}
	return r.err
}

func bridgeEvent(threadID, kind string) bridge.Event {
	return bridge.Event{EventID: testutil.UniqueID("event"), ThreadID: threadID, Kind: kind, PayloadJSON: "{}"}
}

type pumpHarness struct {
	pump    *pump
	syncer  *recordingSyncer
	clock   *clock.FakeClock
	cancel  context.CancelFunc
	stopped chan error
}

func startPump(t *testing.T, maxEvents int, syncErr error) *pumpHarness {
	t.Helper()
	fake := clock.Fake(epoch)
	syncer := &recordingSyncer{batches: make(chan threadBatch, 16), err: syncErr}
	harness := &pumpHarness{
		pump:    newPump(syncer, maxEvents, time.Minute, fake, slog.New(slog.DiscardHandler)),
		syncer:  syncer,
		clock:   fake,
		stopped: make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(t.Context())
	harness.cancel = cancel
	go func() { harness.stopped <- harness.pump.Run(ctx) }()
	fake.WaitForTimers(1)
	t.Cleanup(cancel)
	return harness
}

func (h *pumpHarness) nextBatch(t *testing.T) threadBatch {
	t.Helper()
	return testutil.RequireReceive(t, h.syncer.batches, 5*time.Second, "waiting for a batch")
}

func TestPumpFlushesFullBatch(t *testing.T) {
	harness := startPump(t, 2, nil)
	harness.pump.Enqueue(bridgeEvent("thread-1", protocol.KindItemStarted))
	harness.pump.Enqueue(bridgeEvent("thread-1", protocol.KindItemStarted))

	batch := harness.nextBatch(t)
	if batch.ThreadID != "thread-1" || len(batch.Events) != 2 {
		t.Errorf("batch = %s with %d events, want thread-1 with 2", batch.ThreadID, len(batch.Events))
	}
}

func TestPumpFlushesTurnEnd(t *testing.T) {
	harness := startPump(t, 64, nil)
	harness.pump.Enqueue(bridgeEvent("thread-1", protocol.KindItemStarted))
	harness.pump.Enqueue(bridgeEvent("thread-1", protocol.KindTurnCompleted))

	batch := harness.nextBatch(t)
	if len(batch.Events) != 2 || batch.Events[1].Kind != protocol.KindTurnCompleted {
		t.Errorf("batch = %+v, want the turn through turn/completed", batch.Events)
	}
}

func TestPumpFlushesOnInterval(t *testing.T) {
	harness := startPump(t, 64, nil)
	harness.pump.Enqueue(bridgeEvent("thread-2", protocol.KindItemStarted))

	harness.clock.Advance(time.Minute)
	batch := harness.nextBatch(t)
	if batch.ThreadID != "thread-2" || len(batch.Events) != 1 {
		t.Errorf("batch = %s with %d events, want thread-2 with 1", batch.ThreadID, len(batch.Events))
	}
}

func TestPumpFlushesOnShutdown(t *testing.T) {
	harness := startPump(t, 64, nil)
	harness.pump.Enqueue(bridgeEvent("thread-3", protocol.KindItemStarted))

	harness.cancel()
	if err := testutil.RequireReceive(t, harness.stopped, 5*time.Second, "waiting for Run to return"); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if batch := harness.nextBatch(t); batch.ThreadID != "thread-3" {
		t.Errorf("batch thread = %s, want thread-3", batch.ThreadID)
	}
}

func TestPumpStopsOnSyncFailure(t *testing.T) {
	failure := errors.New("disk full")
	harness := startPump(t, 1, failure)
	harness.pump.Enqueue(bridgeEvent("thread-1", protocol.KindItemStarted))

	harness.nextBatch(t)
	if err := testutil.RequireReceive(t, harness.stopped, 5*time.Second, "waiting for Run to return"); !errors.Is(err, failure) {
		t.Errorf("Run = %v, want %v", err, failure)
	}
}
