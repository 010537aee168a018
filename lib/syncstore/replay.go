// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"zombiezen.com/go/sqlite"

	"github.com/zakstam/convex-codex-component-sub003/lib/ingest"
	"github.com/zakstam/convex-codex-component-sub003/lib/payload"
	"github.com/zakstam/convex-codex-component-sub003/lib/protocol"
	"github.com/zakstam/convex-codex-component-sub003/lib/syncerr"
)

// streamListLimit bounds the streams PullState lists.
const streamListLimit = 200

// StreamCursor is a client's position in one stream.
type StreamCursor struct {
	StreamID string `json:"streamId"`
	Cursor   int64  `json:"cursor"`
}

// WindowStatus classifies a requested cursor against what the server
// retains.
type WindowStatus string

const (
	// WindowOK means deltas from the cursor were returned.
	WindowOK WindowStatus = "ok"

	// WindowStale means the cursor precedes the earliest retained
	// event. The client must resynchronize from snapshots.
	WindowStale WindowStatus = "stale"

	// WindowRebased means the cursor lies beyond the server's applied
	// cursor and was moved back to it.
	WindowRebased WindowStatus = "rebased"
)

// StreamWindow is the retained cursor range of a stream.
type StreamWindow struct {
	StreamID          string       `json:"streamId"`
	Status            WindowStatus `json:"status"`
	ServerCursorStart int64        `json:"serverCursorStart"`
	ServerCursorEnd   int64        `json:"serverCursorEnd"`
}

// StreamSummary is a stream of the thread and its state.
type StreamSummary struct {
	StreamID string      `json:"streamId"`
	State    StreamState `json:"state"`
}

// ReplayDelta is one persisted delta.
type ReplayDelta struct {
	StreamID    string `json:"streamId"`
	EventID     string `json:"eventId"`
	CursorStart int64  `json:"cursorStart"`
	CursorEnd   int64  `json:"cursorEnd"`
	Kind        string `json:"kind"`
	PayloadJSON string `json:"payloadJson"`
}

// PullStateResult is returned by PullState.
type PullStateResult struct {
	Streams         []StreamSummary         `json:"streams"`
	StreamWindows   []StreamWindow          `json:"streamWindows"`
	NextCheckpoints []StreamCursor          `json:"nextCheckpoints"`
	Deltas          []ReplayDelta           `json:"deltas"`
	Snapshots       []protocol.ItemSnapshot `json:"snapshots"`
}

// ResumeResult is returned by ResumeFromCursor.
type ResumeResult struct {
	StreamWindow StreamWindow  `json:"streamWindow"`
	Deltas       []ReplayDelta `json:"deltas"`
	NextCursor   int64         `json:"nextCursor"`
}

// PullState returns the thread's streams and, for each requested
// cursor, the persisted deltas that follow it. Continuity is checked
// against the receipts of every applied event, so deltas that were
// never persisted do not count as gaps.
func (s *Store) PullState(ctx context.Context, actor Actor, threadID string, cursors []StreamCursor, runtimeInput *ingest.RuntimeInput) (PullStateResult, error) {
	runtime := ingest.ResolveRuntimeOptions(runtimeInput)
	result := PullStateResult{
		Streams:         []StreamSummary{},
		StreamWindows:   []StreamWindow{},
		NextCheckpoints: []StreamCursor{},
		Deltas:          []ReplayDelta{},
		Snapshots:       []protocol.ItemSnapshot{},
	}

	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		if err := requireThread(conn, actor, threadID); err != nil {
			return err
		}
		err := execute(conn,
			"SELECT stream_id, state FROM streams WHERE tenant_id = ? AND thread_id = ? ORDER BY stream_id LIMIT ?",
			func(stmt *sqlite.Stmt) error {
				result.Streams = append(result.Streams, StreamSummary{
					StreamID: stmt.ColumnText(0),
					State:    StreamState(stmt.ColumnText(1)),
				})
				return nil
			}, actor.TenantID, threadID, streamListLimit)
		if err != nil {
			return err
		}

		budget := runtime.MaxDeltasPerRequestRead
		for _, cursor := range cursors {
			if budget <= 0 {
				break
			}
			read, err := readStream(conn, actor.TenantID, threadID, cursor.StreamID, cursor.Cursor, min(runtime.MaxDeltasPerStreamRead, budget))
			if err != nil {
				return err
			}
			budget -= read.scanned
			result.StreamWindows = append(result.StreamWindows, read.window)
			result.NextCheckpoints = append(result.NextCheckpoints, StreamCursor{StreamID: cursor.StreamID, Cursor: read.next})
			result.Deltas = append(result.Deltas, read.deltas...)
		}
		return nil
	})
	if err != nil {
		return PullStateResult{}, fmt.Errorf("pulling state for thread %s: %w", threadID, err)
	}

	result.Snapshots = latestSnapshots(result.Deltas)
	return result, nil
}

// ResumeFromCursor returns the deltas of a turn's stream after
// fromCursor. A cursor older than the retained window is a replay gap.
func (s *Store) ResumeFromCursor(ctx context.Context, actor Actor, threadID, turnID string, fromCursor int64, runtimeInput *ingest.RuntimeInput) (ResumeResult, error) {
	runtime := ingest.ResolveRuntimeOptions(runtimeInput)
	streamID := ingest.TurnStreamID(threadID, turnID)

	var result ResumeResult
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		if err := requireThread(conn, actor, threadID); err != nil {
			return err
		}
		if err := requireTurn(conn, actor, threadID, turnID); err != nil {
			return err
		}
		read, err := readStream(conn, actor.TenantID, threadID, streamID, fromCursor, runtime.MaxDeltasPerRequestRead)
		if err != nil {
			return err
		}
		if read.window.Status == WindowStale {
			return syncerr.New(syncerr.CodeReplayGap,
				"requested cursor %d is older than earliest retained cursor %d for streamId=%s",
				fromCursor, read.window.ServerCursorStart, streamID)
		}
		result = ResumeResult{
			StreamWindow: read.window,
			Deltas:       read.deltas,
			NextCursor:   max(fromCursor, read.lastEnd),
		}
		if read.window.Status == WindowRebased {
			result.NextCursor = read.next
		}
		return nil
	})
	if err != nil {
		return ResumeResult{}, fmt.Errorf("resuming turn %s: %w", turnID, err)
	}
	return result, nil
}

// streamRead is the outcome of reading one stream from a cursor.
type streamRead struct {
	window StreamWindow
	deltas []ReplayDelta

	// scanned is the number of receipts walked, charged against the
	// request budget.
	scanned int

	// lastEnd is the cursorEnd of the last receipt walked.
	lastEnd int64

	// next is the checkpoint the client should persist.
	next int64
}

// readStream reads streamID as a stream of threadID. A stream bound to
// another thread reads as an empty one, so its existence is not
// revealed to the caller.
func readStream(conn *sqlite.Conn, tenantID, threadID, streamID string, cursor int64, limit int) (streamRead, error) {
	read := streamRead{deltas: []ReplayDelta{}}
	window := StreamWindow{StreamID: streamID}

	var boundThread string
	bound, err := queryOne(conn,
		"SELECT thread_id FROM streams WHERE tenant_id = ? AND stream_id = ?",
		func(stmt *sqlite.Stmt) error {
			boundThread = stmt.ColumnText(0)
			return nil
		}, tenantID, streamID)
	if err != nil {
		return streamRead{}, err
	}
	if bound && boundThread != threadID {
		return emptyStreamRead(streamID, cursor), nil
	}

	var applied int64
	_, err = queryOne(conn,
		"SELECT applied_cursor FROM stream_stats WHERE tenant_id = ? AND stream_id = ?",
		func(stmt *sqlite.Stmt) error {
			applied = stmt.ColumnInt64(0)
			return nil
		}, tenantID, streamID)
	if err != nil {
		return streamRead{}, err
	}
	earliest := applied
	_, err = queryOne(conn,
		"SELECT MIN(cursor_start) FROM stream_receipts WHERE tenant_id = ? AND stream_id = ? HAVING COUNT(*) > 0",
		func(stmt *sqlite.Stmt) error {
			earliest = stmt.ColumnInt64(0)
			return nil
		}, tenantID, streamID)
	if err != nil {
		return streamRead{}, err
	}
	window.ServerCursorStart = earliest
	window.ServerCursorEnd = applied

	switch {
	case cursor < earliest:
		window.Status = WindowStale
		read.window = window
		read.next = earliest
		return read, nil
	case cursor > applied:
		window.Status = WindowRebased
		read.window = window
		read.next = applied
		return read, nil
	}
	window.Status = WindowOK
	read.window = window

	type span struct{ start, end int64 }
	var spans []span
	err = execute(conn,
		`SELECT cursor_start, cursor_end FROM stream_receipts
		 WHERE tenant_id = ? AND stream_id = ? AND cursor_start >= ?
		 ORDER BY cursor_start LIMIT ?`,
		func(stmt *sqlite.Stmt) error {
			spans = append(spans, span{stmt.ColumnInt64(0), stmt.ColumnInt64(1)})
			return nil
		}, tenantID, streamID, cursor, limit)
	if err != nil {
		return streamRead{}, err
	}
	expected := cursor
	for _, span := range spans {
		if span.start != expected {
			return streamRead{}, syncerr.New(syncerr.CodeReplayGap,
				"replay gap for streamId=%s: expected cursorStart=%d, got %d", streamID, expected, span.start)
		}
		expected = span.end
	}
	read.scanned = len(spans)
	read.lastEnd = expected

	if len(spans) > 0 {
		err = execute(conn,
			`SELECT event_id, cursor_start, cursor_end, kind, payload, payload_codec, payload_size
			 FROM stream_deltas
			 WHERE tenant_id = ? AND stream_id = ? AND cursor_start >= ? AND cursor_end <= ?
			 ORDER BY cursor_start`,
			func(stmt *sqlite.Stmt) error {
				stored := storedPayload{
					data:  columnBytes(stmt, 4),
					codec: payload.Codec(stmt.ColumnInt(5)),
					size:  stmt.ColumnInt(6),
				}
				payloadJSON, err := stored.decode()
				if err != nil {
					return err
				}
				read.deltas = append(read.deltas, ReplayDelta{
					StreamID:    streamID,
					EventID:     stmt.ColumnText(0),
					CursorStart: stmt.ColumnInt64(1),
					CursorEnd:   stmt.ColumnInt64(2),
					Kind:        stmt.ColumnText(3),
					PayloadJSON: payloadJSON,
				})
				return nil
			}, tenantID, streamID, cursor, expected)
		if err != nil {
			return streamRead{}, err
		}
	}

	read.next = expected
	if len(spans) < limit {
		read.next = max(expected, applied)
	}
	return read, nil
}

// emptyStreamRead is the read of a stream with nothing applied.
func emptyStreamRead(streamID string, cursor int64) streamRead {
	window := StreamWindow{StreamID: streamID, Status: WindowOK}
	switch {
	case cursor < 0:
		window.Status = WindowStale
	case cursor > 0:
		window.Status = WindowRebased
	}
	return streamRead{window: window, deltas: []ReplayDelta{}}
}

// latestSnapshots keeps the newest item snapshot per item, newest
// first.
func latestSnapshots(deltas []ReplayDelta) []protocol.ItemSnapshot {
	latest := make(map[string]protocol.ItemSnapshot)
	for _, delta := range deltas {
		snapshot := protocol.ItemSnapshotFor(delta.Kind, []byte(delta.PayloadJSON), delta.CursorEnd)
		if snapshot == nil {
			continue
		}
		if current, ok := latest[snapshot.ItemID]; !ok || snapshot.CursorEnd >= current.CursorEnd {
			latest[snapshot.ItemID] = *snapshot
		}
	}
	snapshots := make([]protocol.ItemSnapshot, 0, len(latest))
	for _, snapshot := range latest {
		snapshots = append(snapshots, snapshot)
	}
	slices.SortFunc(snapshots, func(a, b protocol.ItemSnapshot) int {
		if c := cmp.Compare(b.CursorEnd, a.CursorEnd); c != 0 {
			return c
		}
		return strings.Compare(a.ItemID, b.ItemID)
	})
	return snapshots
}
