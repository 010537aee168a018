// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cursorfile persists the client side of stream checkpoints: the
// highest acknowledged cursor of every stream and the session each
// thread was last bound to. A restarted codex-sync reads it to resume
// sessions and to know which cursors the store has already applied.
//
// The file is CBOR (lib/codec) and is replaced atomically: written to a
// temporary file in the same directory, fsynced, and renamed into place,
// so readers never see a partial write.
package cursorfile

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/zakstam/convex-codex-component-sub003/lib/codec"
)

// Version is the format version written by Write.
const Version = 1

// File is the decoded checkpoint file.
type File struct {
	Version   int               `cbor:"version"`
	TenantID  string            `cbor:"tenant_id"`
	DeviceID  string            `cbor:"device_id"`
	UpdatedAt time.Time         `cbor:"updated_at"`
	Threads   map[string]Thread `cbor:"threads"`
}

// Thread is one thread's client state.
type Thread struct {
	SessionID string `cbor:"session_id"`

	// Streams maps stream ids to acknowledged cursor ends.
	Streams map[string]int64 `cbor:"streams"`
}

// New returns an empty file for a tenant and device.
func New(tenantID, deviceID string) *File {
	return &File{Version: Version, TenantID: tenantID, DeviceID: deviceID, Threads: map[string]Thread{}}
}

// Load reads path. A missing file yields an empty file for the tenant
// and device. A file written for another tenant or device is an error.
func Load(path, tenantID, deviceID string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(tenantID, deviceID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint file: %w", err)
	}

	var file File
	if err := codec.UnmarshalStrict(data, &file); err != nil {
		return nil, fmt.Errorf("parsing checkpoint file %s: %w", path, err)
	}
	if file.Version != Version {
		return nil, fmt.Errorf("checkpoint file %s has version %d, want %d", path, file.Version, Version)
	}
	if file.TenantID != tenantID || file.DeviceID != deviceID {
		return nil, fmt.Errorf("checkpoint file %s belongs to tenant %q device %q, not tenant %q device %q",
			path, file.TenantID, file.DeviceID, tenantID, deviceID)
	}
	if file.Threads == nil {
		file.Threads = map[string]Thread{}
	}
	return &file, nil
}

// SessionID returns the session threadID was last bound to.
func (f *File) SessionID(threadID string) string {
	return f.Threads[threadID].SessionID
}

// SetSession records the session bound to threadID.
func (f *File) SetSession(threadID, sessionID string) {
	thread := f.Threads[threadID]
	thread.SessionID = sessionID
	f.Threads[threadID] = thread
}

// Cursor returns the acknowledged cursor of a stream, zero when
// unknown.
func (f *File) Cursor(threadID, streamID string) int64 {
	return f.Threads[threadID].Streams[streamID]
}

// Advance raises a stream's cursor. It reports whether the cursor
// moved; a lower or equal cursor is ignored.
func (f *File) Advance(threadID, streamID string, cursor int64) bool {
	thread := f.Threads[threadID]
	if cursor <= thread.Streams[streamID] {
		return false
	}
	if thread.Streams == nil {
		thread.Streams = map[string]int64{}
	}
	thread.Streams[streamID] = cursor
	f.Threads[threadID] = thread
	return true
}

// MaxCursor is the highest cursor acknowledged on any stream of the
// thread. It seeds the session's lastEventCursor on rebind.
func (f *File) MaxCursor(threadID string) int64 {
	values := slices.Collect(maps.Values(f.Threads[threadID].Streams))
	if len(values) == 0 {
		return 0
	}
	return slices.Max(values)
}

// HighWater is the highest cursor acknowledged on any stream.
func (f *File) HighWater() int64 {
	var highest int64
	for threadID := range f.Threads {
		highest = max(highest, f.MaxCursor(threadID))
	}
	return highest
}

// Write atomically replaces path with f. The parent directory is
// created if needed.
func Write(path string, f *File, now time.Time) error {
	f.Version = Version
	f.UpdatedAt = now.UTC()
	data, err := codec.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding checkpoint file: %w", err)
	}

	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}
	temporary, err := os.CreateTemp(directory, ".checkpoints-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary checkpoint file: %w", err)
	}
	temporaryPath := temporary.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(temporaryPath)
		}
	}()

	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		return fmt.Errorf("writing temporary checkpoint file: %w", err)
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		return fmt.Errorf("syncing temporary checkpoint file: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("closing temporary checkpoint file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		return fmt.Errorf("renaming checkpoint file into place: %w", err)
	}
	success = true

	// Make the rename durable.
	if parent, err := os.Open(directory); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}
