// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/zakstam/convex-codex-component-sub003/lib/bridge"
	"github.com/zakstam/convex-codex-component-sub003/lib/clock"
	"github.com/zakstam/convex-codex-component-sub003/lib/ingest"
)

// batchSyncer ingests one thread's batch. Implemented by *syncer.
type batchSyncer interface {
	Sync(ctx context.Context, threadID string, events []ingest.InboundEvent) error
}

// pump moves bridge events into the store. Events are buffered per
// thread and flushed when a thread's batch is full, when a turn ends,
// and on every flush interval. All ingestion happens on the Run
// goroutine, so a thread's batches are applied in arrival order.
type pump struct {
	accumulator *Accumulator
	syncer      batchSyncer
	clock       clock.Clock
	interval    time.Duration
	logger      *slog.Logger

	// wake carries threads that asked for an immediate flush. A full
	// channel drops the request; the next tick flushes the thread.
	wake chan string
}

func newPump(syncer batchSyncer, maxEvents int, interval time.Duration, clk clock.Clock, logger *slog.Logger) *pump {
	return &pump{
		accumulator: NewAccumulator(maxEvents),
		syncer:      syncer,
		clock:       clk,
		interval:    interval,
		logger:      logger,
		wake:        make(chan string, 64),
	}
}

// Enqueue buffers a bridge event. It never blocks.
func (p *pump) Enqueue(event bridge.Event) {
	if !p.accumulator.Add(event.ThreadID, event.InboundEvent()) {
		return
	}
	select {
	case p.wake <- event.ThreadID:
	default:
	}
}

// Run flushes until ctx is cancelled, then flushes whatever remains
// with a context that is no longer cancelled. A failed batch stops the
// pump.
func (p *pump) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case threadID := <-p.wake:
			events := p.accumulator.Flush(threadID)
			if len(events) == 0 {
				continue
			}
			if err := p.syncer.Sync(ctx, threadID, events); err != nil {
				return err
			}
		case <-ticker.C:
			if err := p.flushAll(ctx); err != nil {
				return err
			}
		case <-ctx.Done():
			if pending := p.accumulator.Len(); pending > 0 {
				p.logger.Info("flushing buffered events before exit", "events", pending)
			}
			return p.flushAll(context.WithoutCancel(ctx))
		}
	}
}

func (p *pump) flushAll(ctx context.Context) error {
	for _, batch := range p.accumulator.FlushAll() {
		if err := p.syncer.Sync(ctx, batch.ThreadID, batch.Events); err != nil {
			return err
		}
	}
	return nil
}
