// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncstore

import (
	"bytes"

	"zombiezen.com/go/sqlite"

	"github.com/zakstam/convex-codex-component-sub003/lib/ingest"
	"github.com/zakstam/convex-codex-component-sub003/lib/payload"
	"github.com/zakstam/convex-codex-component-sub003/lib/syncerr"
)

// StreamState is the lifecycle of a stream.
type StreamState string

const (
	StreamStreaming StreamState = "streaming"
	StreamFinished  StreamState = "finished"
	StreamAborted   StreamState = "aborted"
)

// streamRecord is a stream as seen by one batch.
type streamRecord struct {
	threadID string
	turnID   string
	state    StreamState

	// expected is the cursorStart the next fresh event must have.
	expected int64

	// Accumulated for the stream_stats flush.
	persistedDeltas int
	latestPersisted int64
	applied         int64
}

// resolveStream returns the batch's view of the event's stream,
// creating the stream and its stat row on first sight. A stream is
// bound to one turn forever.
func (b *batch) resolveStream(event *ingest.NormalizedEvent) (*streamRecord, error) {
	stream, ok := b.streams[event.StreamID]
	if !ok {
		var err error
		stream, err = b.loadStream(event)
		if err != nil {
			return nil, err
		}
		b.streams[event.StreamID] = stream
		b.streamOrder = append(b.streamOrder, event.StreamID)
	}
	if stream.threadID != b.threadID || stream.turnID != event.TurnID {
		return nil, syncerr.New(syncerr.CodeStreamTurnCollision,
			"stream %s is bound to turn %s in thread %s, event %s names turn %s in thread %s",
			event.StreamID, stream.turnID, stream.threadID, event.EventID, event.TurnID, b.threadID)
	}
	return stream, nil
}

func (b *batch) loadStream(event *ingest.NormalizedEvent) (*streamRecord, error) {
	tenantID := b.actor.TenantID
	stream := &streamRecord{}
	found, err := queryOne(b.conn,
		"SELECT thread_id, turn_id, state FROM streams WHERE tenant_id = ? AND stream_id = ?",
		func(stmt *sqlite.Stmt) error {
			stream.threadID = stmt.ColumnText(0)
			stream.turnID = stmt.ColumnText(1)
			stream.state = StreamState(stmt.ColumnText(2))
			return nil
		}, tenantID, event.StreamID)
	if err != nil {
		return nil, err
	}

	if !found {
		stream.threadID = b.threadID
		stream.turnID = event.TurnID
		stream.state = StreamStreaming
		err := execute(b.conn,
			`INSERT INTO streams (tenant_id, stream_id, thread_id, turn_id, state, started_at)
			 VALUES (?, ?, ?, ?, ?, ?)`, nil,
			tenantID, event.StreamID, b.threadID, event.TurnID, string(StreamStreaming), b.now)
		if err != nil {
			return nil, err
		}
	}

	err = execute(b.conn,
		`INSERT OR IGNORE INTO stream_stats (tenant_id, stream_id, thread_id, turn_id, state, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`, nil,
		tenantID, event.StreamID, stream.threadID, stream.turnID, string(StreamStreaming), b.now)
	if err != nil {
		return nil, err
	}
	_, err = queryOne(b.conn,
		"SELECT applied_cursor FROM stream_stats WHERE tenant_id = ? AND stream_id = ?",
		func(stmt *sqlite.Stmt) error {
			stream.expected = stmt.ColumnInt64(0)
			return nil
		}, tenantID, event.StreamID)
	if err != nil {
		return nil, err
	}
	stream.applied = stream.expected
	return stream, nil
}

type receipt struct {
	cursorEnd int64
	digest    []byte
}

// applyStreamEvent checks cursor contiguity and records the event. It
// reports whether the event was fresh; a replayed event only advances
// the checkpoint.
func (b *batch) applyStreamEvent(event *ingest.NormalizedEvent) (bool, error) {
	stream, err := b.resolveStream(event)
	if err != nil {
		return false, err
	}
	if event.CursorStart < 0 || event.CursorStart >= event.CursorEnd {
		return false, syncerr.New(syncerr.CodeInvalidCursorRange,
			"invalid cursor range start=%d end=%d for eventId=%s", event.CursorStart, event.CursorEnd, event.EventID)
	}
	if b.inBatchEventIDs[event.EventID] {
		return false, syncerr.New(syncerr.CodeDuplicateEventInBatch, "duplicate eventId in request batch: %s", event.EventID)
	}
	b.inBatchEventIDs[event.EventID] = true

	digest := payload.DigestOf([]byte(event.PayloadJSON))
	var previous receipt
	replayed, err := queryOne(b.conn,
		`SELECT cursor_end, payload_digest FROM stream_receipts
		 WHERE tenant_id = ? AND stream_id = ? AND event_id = ?`,
		func(stmt *sqlite.Stmt) error {
			previous = receipt{cursorEnd: stmt.ColumnInt64(0), digest: columnBytes(stmt, 1)}
			return nil
		}, b.actor.TenantID, event.StreamID, event.EventID)
	if err != nil {
		return false, err
	}
	if !replayed && stream.state != StreamStreaming && event.CursorEnd <= stream.applied {
		// Receipts of an ended stream are drained after the delete
		// delay; an event inside its applied range is a redelivery.
		b.checkpoints[event.StreamID] = max(b.checkpoints[event.StreamID], event.CursorEnd)
		return false, nil
	}
	if replayed {
		if !bytes.Equal(previous.digest, digest[:]) {
			b.store.logger.Warn("replayed event payload differs from the applied one",
				"tenant_id", b.actor.TenantID,
				"stream_id", event.StreamID,
				"event_id", event.EventID,
			)
		}
		stream.expected = max(stream.expected, previous.cursorEnd)
		b.checkpoints[event.StreamID] = max(b.checkpoints[event.StreamID], previous.cursorEnd)
		return false, nil
	}

	if event.CursorStart < stream.expected {
		return false, syncerr.New(syncerr.CodeOutOfOrder,
			"expected cursorStart>=%d for streamId=%s but got %d for eventId=%s",
			stream.expected, event.StreamID, event.CursorStart, event.EventID)
	}
	if event.CursorStart > stream.expected {
		b.status = IngestPartial
	}

	expiresAt := b.now + ingest.DeltaTTL.Milliseconds()
	if ingest.IsLifecycleKind(event.Kind) || (b.runtime.SaveStreamDeltas && ingest.IsDeltaKind(event.Kind)) {
		encoded, err := b.store.encodePayload(event.PayloadJSON)
		if err != nil {
			return false, err
		}
		err = execute(b.conn,
			`INSERT INTO stream_deltas (tenant_id, stream_id, turn_id, event_id, cursor_start, cursor_end, kind,
			                            payload, payload_codec, payload_size, payload_digest, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nil,
			b.actor.TenantID, event.StreamID, event.TurnID, event.EventID, event.CursorStart, event.CursorEnd, event.Kind,
			encoded.Data, int(encoded.Codec), encoded.Size, digest[:], event.CreatedAt, expiresAt)
		if err != nil {
			return false, err
		}
		stream.persistedDeltas++
		stream.latestPersisted = max(stream.latestPersisted, event.CursorEnd)
		b.lastPersisted = max(b.lastPersisted, event.CursorEnd)
		b.persistedAny = true
	}

	err = execute(b.conn,
		`INSERT INTO stream_receipts (tenant_id, stream_id, event_id, cursor_start, cursor_end, payload_digest, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`, nil,
		b.actor.TenantID, event.StreamID, event.EventID, event.CursorStart, event.CursorEnd, digest[:], expiresAt)
	if err != nil {
		return false, err
	}

	b.checkpoints[event.StreamID] = max(b.checkpoints[event.StreamID], event.CursorEnd)
	stream.expected = event.CursorEnd
	stream.applied = max(stream.applied, event.CursorEnd)
	return true, nil
}

// persistLifecycleEvent stores a stream-less event once per event id.
// It reports whether the event was new.
func (b *batch) persistLifecycleEvent(event *ingest.NormalizedEvent) (bool, error) {
	encoded, err := b.store.encodePayload(event.PayloadJSON)
	if err != nil {
		return false, err
	}
	err = execute(b.conn,
		`INSERT OR IGNORE INTO lifecycle_events (tenant_id, thread_id, event_id, turn_id, kind,
		                                         payload, payload_codec, payload_size, payload_digest, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nil,
		b.actor.TenantID, b.threadID, event.EventID, event.TurnID, event.Kind,
		encoded.Data, int(encoded.Codec), encoded.Size, encoded.Digest[:], event.CreatedAt)
	if err != nil {
		return false, err
	}
	return b.conn.Changes() > 0, nil
}

func (b *batch) flushStreamStats() error {
	for _, streamID := range b.streamOrder {
		stream := b.streams[streamID]
		err := execute(b.conn,
			`UPDATE stream_stats
			 SET delta_count = delta_count + ?, latest_cursor = MAX(latest_cursor, ?),
			     applied_cursor = MAX(applied_cursor, ?), updated_at = ?
			 WHERE tenant_id = ? AND stream_id = ?`, nil,
			stream.persistedDeltas, stream.latestPersisted, stream.applied, b.now, b.actor.TenantID, streamID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *batch) applyCheckpoints() error {
	for streamID, cursor := range b.checkpoints {
		if err := upsertCheckpoint(b.conn, b.actor, b.threadID, streamID, cursor, b.now); err != nil {
			return err
		}
	}
	return nil
}
