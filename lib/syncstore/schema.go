// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncstore

import "github.com/zakstam/convex-codex-component-sub003/lib/scheduler"

// Timestamps are Unix milliseconds; zero means unset.
const schemaV1 = `
CREATE TABLE threads (
	tenant_id  TEXT    NOT NULL,
	thread_id  TEXT    NOT NULL,
	user_id    TEXT    NOT NULL,
	status     TEXT    NOT NULL DEFAULT 'active',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, thread_id)
);

CREATE TABLE turns (
	tenant_id       TEXT    NOT NULL,
	thread_id       TEXT    NOT NULL,
	turn_id         TEXT    NOT NULL,
	user_id         TEXT    NOT NULL,
	status          TEXT    NOT NULL,
	idempotency_key TEXT    NOT NULL,
	error           TEXT    NOT NULL DEFAULT '',
	started_at      INTEGER NOT NULL,
	completed_at    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, thread_id, turn_id)
);
CREATE UNIQUE INDEX turns_by_idempotency_key ON turns (tenant_id, thread_id, idempotency_key);

CREATE TABLE streams (
	tenant_id            TEXT    NOT NULL,
	stream_id            TEXT    NOT NULL,
	thread_id            TEXT    NOT NULL,
	turn_id              TEXT    NOT NULL,
	state                TEXT    NOT NULL,
	abort_reason         TEXT    NOT NULL DEFAULT '',
	started_at           INTEGER NOT NULL,
	ended_at             INTEGER NOT NULL DEFAULT 0,
	cleanup_scheduled_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, stream_id)
);
CREATE INDEX streams_by_turn ON streams (tenant_id, thread_id, turn_id);

CREATE TABLE stream_stats (
	tenant_id      TEXT    NOT NULL,
	stream_id      TEXT    NOT NULL,
	thread_id      TEXT    NOT NULL,
	turn_id        TEXT    NOT NULL,
	state          TEXT    NOT NULL,
	delta_count    INTEGER NOT NULL DEFAULT 0,
	latest_cursor  INTEGER NOT NULL DEFAULT 0,
	applied_cursor INTEGER NOT NULL DEFAULT 0,
	updated_at     INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, stream_id)
);

CREATE TABLE stream_deltas (
	delta_id       INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id      TEXT    NOT NULL,
	stream_id      TEXT    NOT NULL,
	turn_id        TEXT    NOT NULL,
	event_id       TEXT    NOT NULL,
	cursor_start   INTEGER NOT NULL,
	cursor_end     INTEGER NOT NULL,
	kind           TEXT    NOT NULL,
	payload        BLOB,
	payload_codec  INTEGER NOT NULL,
	payload_size   INTEGER NOT NULL,
	payload_digest BLOB    NOT NULL,
	created_at     INTEGER NOT NULL,
	expires_at     INTEGER NOT NULL
);
CREATE UNIQUE INDEX stream_deltas_event ON stream_deltas (tenant_id, stream_id, event_id);
CREATE INDEX stream_deltas_cursor ON stream_deltas (tenant_id, stream_id, cursor_start);
CREATE INDEX stream_deltas_expiry ON stream_deltas (expires_at);

CREATE TABLE stream_receipts (
	tenant_id      TEXT    NOT NULL,
	stream_id      TEXT    NOT NULL,
	event_id       TEXT    NOT NULL,
	cursor_start   INTEGER NOT NULL,
	cursor_end     INTEGER NOT NULL,
	payload_digest BLOB    NOT NULL,
	expires_at     INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, stream_id, event_id)
);
CREATE INDEX stream_receipts_cursor ON stream_receipts (tenant_id, stream_id, cursor_start);
CREATE INDEX stream_receipts_expiry ON stream_receipts (expires_at);

CREATE TABLE lifecycle_events (
	tenant_id      TEXT    NOT NULL,
	thread_id      TEXT    NOT NULL,
	event_id       TEXT    NOT NULL,
	turn_id        TEXT    NOT NULL DEFAULT '',
	kind           TEXT    NOT NULL,
	payload        BLOB,
	payload_codec  INTEGER NOT NULL,
	payload_size   INTEGER NOT NULL,
	payload_digest BLOB    NOT NULL,
	created_at     INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, thread_id, event_id)
);

CREATE TABLE messages (
	tenant_id        TEXT    NOT NULL,
	thread_id        TEXT    NOT NULL,
	turn_id          TEXT    NOT NULL,
	message_id       TEXT    NOT NULL,
	user_id          TEXT    NOT NULL,
	role             TEXT    NOT NULL,
	status           TEXT    NOT NULL,
	text             TEXT    NOT NULL,
	source_item_type TEXT    NOT NULL,
	order_in_turn    INTEGER NOT NULL,
	payload_json     TEXT    NOT NULL,
	error            TEXT    NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	completed_at     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, thread_id, turn_id, message_id)
);
CREATE INDEX messages_by_status ON messages (tenant_id, thread_id, turn_id, status);

CREATE TABLE reasoning_segments (
	tenant_id     TEXT    NOT NULL,
	thread_id     TEXT    NOT NULL,
	turn_id       TEXT    NOT NULL,
	item_id       TEXT    NOT NULL,
	channel       TEXT    NOT NULL,
	segment_index INTEGER NOT NULL,
	segment_type  TEXT    NOT NULL,
	text          TEXT    NOT NULL,
	event_id      TEXT    NOT NULL,
	cursor_start  INTEGER NOT NULL,
	cursor_end    INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, thread_id, turn_id, item_id, channel, segment_index)
);

CREATE TABLE approvals (
	tenant_id  TEXT    NOT NULL,
	thread_id  TEXT    NOT NULL,
	turn_id    TEXT    NOT NULL,
	item_id    TEXT    NOT NULL,
	user_id    TEXT    NOT NULL,
	kind       TEXT    NOT NULL,
	status     TEXT    NOT NULL,
	reason     TEXT    NOT NULL DEFAULT '',
	decided_by TEXT    NOT NULL DEFAULT '',
	decided_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, thread_id, turn_id, item_id)
);

CREATE TABLE sessions (
	tenant_id         TEXT    NOT NULL,
	session_id        TEXT    NOT NULL,
	thread_id         TEXT    NOT NULL,
	user_id           TEXT    NOT NULL,
	device_id         TEXT    NOT NULL,
	status            TEXT    NOT NULL,
	last_event_cursor INTEGER NOT NULL DEFAULT 0,
	last_heartbeat_at INTEGER NOT NULL,
	started_at        INTEGER NOT NULL,
	ended_at          INTEGER NOT NULL DEFAULT 0,
	error             TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (tenant_id, session_id)
);
CREATE INDEX sessions_by_heartbeat ON sessions (tenant_id, last_heartbeat_at);

CREATE TABLE stream_checkpoints (
	tenant_id    TEXT    NOT NULL,
	thread_id    TEXT    NOT NULL,
	device_id    TEXT    NOT NULL,
	stream_id    TEXT    NOT NULL,
	user_id      TEXT    NOT NULL,
	acked_cursor INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, thread_id, device_id, stream_id)
);
`

// migrations is append-only; see sqlitepool.Config.Migrations.
var migrations = []string{
	schemaV1,
	scheduler.Migration,
}
