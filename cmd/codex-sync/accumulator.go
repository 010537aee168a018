// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"sync"

	"github.com/zakstam/convex-codex-component-sub003/lib/ingest"
	"github.com/zakstam/convex-codex-component-sub003/lib/protocol"
)

// Accumulator buffers events per thread until they are flushed as one
// ingest batch. Add is called from the bridge reader goroutine; Flush
// and FlushAll from the pump. All methods are safe for concurrent use.
type Accumulator struct {
	mu        sync.Mutex
	threads   map[string][]ingest.InboundEvent
	order     []string
	maxEvents int
}

// threadBatch is the pending events of one thread.
type threadBatch struct {
	ThreadID string
	Events   []ingest.InboundEvent
}

// NewAccumulator returns an Accumulator that asks for a flush once a
// thread holds maxEvents events.
func NewAccumulator(maxEvents int) *Accumulator {
	return &Accumulator{threads: make(map[string][]ingest.InboundEvent), maxEvents: maxEvents}
}

// Add appends an event to its thread's batch. It reports whether the
// thread should be flushed now: the batch is full or the event ends a
// turn.
func (a *Accumulator) Add(threadID string, event ingest.InboundEvent) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	pending, known := a.threads[threadID]
	if !known {
		a.order = append(a.order, threadID)
	}
	pending = append(pending, event)
	a.threads[threadID] = pending
	return len(pending) >= a.maxEvents || flushesImmediately(event.Kind)
}

// Flush removes and returns up to maxEvents of a thread's events.
func (a *Accumulator) Flush(threadID string) []ingest.InboundEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.takeLocked(threadID)
}

// FlushAll drains every thread in first-arrival order. A thread holding
// more than maxEvents events yields several batches.
func (a *Accumulator) FlushAll() []threadBatch {
	a.mu.Lock()
	defer a.mu.Unlock()
	var batches []threadBatch
	for len(a.order) > 0 {
		threadID := a.order[0]
		for events := a.takeLocked(threadID); len(events) > 0; events = a.takeLocked(threadID) {
			batches = append(batches, threadBatch{ThreadID: threadID, Events: events})
		}
	}
	return batches
}

// Len is the number of buffered events across all threads.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, pending := range a.threads {
		total += len(pending)
	}
	return total
}

func (a *Accumulator) takeLocked(threadID string) []ingest.InboundEvent {
	pending := a.threads[threadID]
	if len(pending) == 0 {
		return nil
	}
	count := min(len(pending), a.maxEvents)
	taken := pending[:count:count]
	if rest := pending[count:]; len(rest) > 0 {
		a.threads[threadID] = rest
		return taken
	}
	delete(a.threads, threadID)
	for i, id := range a.order {
		if id == threadID {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return taken
}

// flushesImmediately reports kinds that end a turn. Their batch is sent
// without waiting for the flush interval so terminal state lands
// promptly.
func flushesImmediately(kind string) bool {
	switch kind {
	case protocol.KindTurnCompleted, protocol.KindError, protocol.KindLegacyTurnAborted:
		return true
	}
	return false
}
