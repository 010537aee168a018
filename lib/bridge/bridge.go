// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/zakstam/convex-codex-component-sub003/lib/clock"
	"github.com/zakstam/convex-codex-component-sub003/lib/ingest"
	"github.com/zakstam/convex-codex-component-sub003/lib/protocol"
	"github.com/zakstam/convex-codex-component-sub003/lib/wire"
)

var (
	// ErrAlreadyStarted is returned by Start while a process is running.
	ErrAlreadyStarted = errors.New("bridge: codex app-server already started")

	// ErrNotStarted is returned by Send and Wait when no process has
	// been started.
	ErrNotStarted = errors.New("bridge: codex app-server not started")
)

// BinEnvVar overrides the codex binary when Config.CodexBin is empty.
const BinEnvVar = "CODEX_BIN"

// maxLineSize bounds one JSON-RPC line. Item payloads with large
// command output fit comfortably.
const maxLineSize = 16 << 20

// Config configures a Bridge.
type Config struct {
	// CodexBin is the executable. Empty falls back to $CODEX_BIN and
	// then to "codex" on PATH.
	CodexBin string

	// WorkingDirectory is the process's working directory. Empty
	// inherits ours.
	WorkingDirectory string

	// Args replaces the default ["app-server"].
	Args []string

	// Env holds extra KEY=VALUE entries appended to the inherited
	// environment.
	Env []string

	// FirstCursor is the cursor of the first event. A host that
	// restarts mid-turn seeds it above every cursor it has already
	// acknowledged.
	FirstCursor int64

	Clock  clock.Clock
	Logger *slog.Logger
}

// Event is a thread-scoped frame stamped with a cursor range.
type Event struct {
	EventID     string
	ThreadID    string
	TurnID      string
	StreamID    string
	CursorStart int64
	CursorEnd   int64
	Kind        string
	PayloadJSON string

	// CreatedAt is Unix milliseconds when the line was read.
	CreatedAt int64
}

// InboundEvent converts the event for ingestion. Events with both a
// stream and a turn become stream deltas; everything else is a
// lifecycle event.
func (e Event) InboundEvent() ingest.InboundEvent {
	if e.StreamID != "" && e.TurnID != "" {
		return ingest.InboundEvent{
			Type:        ingest.StreamDelta,
			EventID:     e.EventID,
			TurnID:      e.TurnID,
			StreamID:    e.StreamID,
			Kind:        e.Kind,
			PayloadJSON: e.PayloadJSON,
			CursorStart: e.CursorStart,
			CursorEnd:   e.CursorEnd,
			CreatedAt:   e.CreatedAt,
		}
	}
	return ingest.InboundEvent{
		Type:        ingest.LifecycleEvent,
		EventID:     e.EventID,
		TurnID:      e.TurnID,
		Kind:        e.Kind,
		PayloadJSON: e.PayloadJSON,
		CreatedAt:   e.CreatedAt,
	}
}

// Handlers receive bridge output. All handlers are optional and are
// called from the reader goroutine, except OnExit which is called once
// the process and the reader have both finished.
type Handlers struct {
	OnEvent         func(Event)
	OnGlobalMessage func(wire.Message)
	OnProtocolError func(line string, err error)
	OnExit          func(code int)
}

// Bridge owns one app-server process at a time.
type Bridge struct {
	config   Config
	handlers Handlers
	logger   *slog.Logger

	mu      sync.Mutex
	current *child

	// cursor is touched only by the reader goroutine.
	cursor int64
}

// child is one spawned process.
type child struct {
	command *exec.Cmd
	stdin   io.WriteCloser
	exited  bool
	done    chan struct{}
	err     error

	// writeMu serializes frames on stdin. It is never held together
	// with Bridge.mu, so a child that stops reading cannot block Stop.
	writeMu sync.Mutex
}

// New returns a Bridge. Config.Clock is required.
func New(config Config, handlers Handlers) (*Bridge, error) {
	if config.Clock == nil {
		return nil, errors.New("bridge: Clock is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bridge{config: config, handlers: handlers, logger: logger, cursor: max(0, config.FirstCursor)}, nil
}

// ResolveBin returns the executable a Bridge with this configured
// binary would run.
func ResolveBin(configured string) string {
	if configured != "" {
		return configured
	}
	if fromEnv := os.Getenv(BinEnvVar); fromEnv != "" {
		return fromEnv
	}
	return "codex"
}

// Start spawns the app-server. Cancelling ctx terminates the process.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil && !b.current.exited {
		return ErrAlreadyStarted
	}

	args := b.config.Args
	if len(args) == 0 {
		args = []string{"app-server"}
	}
	bin := ResolveBin(b.config.CodexBin)
	command := exec.CommandContext(ctx, bin, args...)
	command.Dir = b.config.WorkingDirectory
	command.Env = append(os.Environ(), b.config.Env...)
	command.Cancel = func() error {
		return command.Process.Signal(unix.SIGTERM)
	}

	stdin, err := command.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := command.StderrPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := command.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("starting %s: %w", bin, err)
	}
	b.logger.Info("codex app-server started", "bin", bin, "pid", command.Process.Pid)

	process := &child{command: command, stdin: stdin, done: make(chan struct{})}
	b.current = process

	var readers errgroup.Group
	readers.Go(func() error { return b.readStdout(stdout) })
	readers.Go(func() error { return b.readStderr(stderr) })
	go b.supervise(process, &readers)
	return nil
}

// supervise reaps the process once both pipes are drained.
func (b *Bridge) supervise(process *child, readers *errgroup.Group) {
	readErr := readers.Wait()
	waitErr := process.command.Wait()

	code := process.command.ProcessState.ExitCode()
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		b.logger.Error("waiting for codex app-server", "error", waitErr)
	}
	b.logger.Info("codex app-server exited", "exit_code", code)

	b.mu.Lock()
	process.exited = true
	process.err = readErr
	b.mu.Unlock()

	if b.handlers.OnExit != nil {
		b.handlers.OnExit(code)
	}
	close(process.done)
}

func (b *Bridge) readStdout(stdout io.Reader) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		b.handleLine(line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading codex app-server stdout: %w", err)
	}
	return nil
}

func (b *Bridge) readStderr(stderr io.Reader) error {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		b.logger.Warn("codex app-server stderr", "line", scanner.Text())
	}
	return scanner.Err()
}

func (b *Bridge) handleLine(line []byte) {
	message, err := wire.Decode(line)
	if err != nil {
		b.protocolError(string(line), err)
		return
	}
	classification, err := protocol.Classify(message)
	if err != nil {
		b.protocolError(string(message.Raw), err)
		return
	}
	if classification.Scope == protocol.ScopeGlobal {
		if b.handlers.OnGlobalMessage != nil {
			b.handlers.OnGlobalMessage(message)
		}
		return
	}

	event := b.stamp(message, classification)
	if b.handlers.OnEvent != nil {
		b.handlers.OnEvent(event)
	}
}

// stamp assigns the next cursor and resolves the turn and stream.
func (b *Bridge) stamp(message wire.Message, classification protocol.Classification) Event {
	start := b.cursor
	b.cursor++

	turnID, _ := protocol.TurnID(message)
	streamID, ok := protocol.StreamID(message)
	if !ok && turnID != "" {
		streamID = ingest.TurnStreamID(classification.ThreadID, turnID)
	}
	return Event{
		EventID:     uuid.NewString(),
		ThreadID:    classification.ThreadID,
		TurnID:      turnID,
		StreamID:    streamID,
		CursorStart: start,
		CursorEnd:   b.cursor,
		Kind:        classification.Kind,
		PayloadJSON: string(message.Raw),
		CreatedAt:   clock.Millis(b.config.Clock.Now()),
	}
}

func (b *Bridge) protocolError(line string, err error) {
	b.logger.Warn("dropping codex app-server line", "error", err)
	if b.handlers.OnProtocolError != nil {
		b.handlers.OnProtocolError(line, err)
	}
}

// Send validates message against the client schema and writes it as
// one line. A write blocked on a full pipe fails once Stop closes
// stdin.
func (b *Bridge) Send(message any) error {
	b.mu.Lock()
	process := b.current
	running := process != nil && !process.exited
	b.mu.Unlock()
	if !running {
		return ErrNotStarted
	}
	data, err := wire.Encode(message)
	if err != nil {
		return err
	}
	process.writeMu.Lock()
	defer process.writeMu.Unlock()
	if _, err := process.stdin.Write(data); err != nil {
		return fmt.Errorf("writing to codex app-server: %w", err)
	}
	return nil
}

// Stop sends SIGTERM to the running process. It is a no-op when nothing
// is running.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil || b.current.exited {
		return nil
	}
	b.current.stdin.Close()
	if err := b.current.command.Process.Signal(unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("terminating codex app-server: %w", err)
	}
	return nil
}

// Wait blocks until the most recently started process has exited and
// its output has been fully read. It returns the stdout read error, if
// any; the exit status goes to OnExit.
func (b *Bridge) Wait() error {
	b.mu.Lock()
	process := b.current
	b.mu.Unlock()
	if process == nil {
		return ErrNotStarted
	}
	<-process.done
	return process.err
}
