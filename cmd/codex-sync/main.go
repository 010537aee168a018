// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/zakstam/convex-codex-component-sub003/lib/bridge"
	"github.com/zakstam/convex-codex-component-sub003/lib/clock"
	"github.com/zakstam/convex-codex-component-sub003/lib/config"
	"github.com/zakstam/convex-codex-component-sub003/lib/cursorfile"
	"github.com/zakstam/convex-codex-component-sub003/lib/ingest"
	"github.com/zakstam/convex-codex-component-sub003/lib/payload"
	"github.com/zakstam/convex-codex-component-sub003/lib/process"
	"github.com/zakstam/convex-codex-component-sub003/lib/scheduler"
	"github.com/zakstam/convex-codex-component-sub003/lib/syncstore"
	"github.com/zakstam/convex-codex-component-sub003/lib/version"
	"github.com/zakstam/convex-codex-component-sub003/lib/wire"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

// options are the command-line flags. Flags left unset do not override
// the config file.
type options struct {
	flagSet *pflag.FlagSet

	configPath       string
	databasePath     string
	codexBin         string
	tenant           string
	user             string
	device           string
	checkpointFile   string
	saveStreamDeltas bool
	showVersion      bool
}

func parseFlags(args []string) (*options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("codex-sync", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "config file (default: $"+config.EnvVar+", then built-in defaults)")
	flagSet.StringVar(&opts.databasePath, "database", "", "SQLite database path")
	flagSet.StringVar(&opts.codexBin, "codex-bin", "", "codex executable (default: $"+bridge.BinEnvVar+", then codex on PATH)")
	flagSet.StringVar(&opts.tenant, "tenant", "", "tenant id every write is attributed to")
	flagSet.StringVar(&opts.user, "user", "", "user id every write is attributed to")
	flagSet.StringVar(&opts.device, "device", "", "device id of this host")
	flagSet.StringVar(&opts.checkpointFile, "checkpoint-file", "", "CBOR file receiving acknowledged cursors")
	flagSet.BoolVar(&opts.saveStreamDeltas, "save-stream-deltas", false, "persist text deltas for replay")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(extra, " "))
	}
	opts.flagSet = flagSet
	return &opts, nil
}

// loadConfig reads the config file, applies flag overrides, and
// validates the result.
func loadConfig(opts *options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case opts.configPath != "":
		cfg, err = config.LoadFile(opts.configPath)
	case os.Getenv(config.EnvVar) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
		cfg.ExpandVariables()
	}
	if err != nil {
		return nil, err
	}

	changed := opts.flagSet.Changed
	if changed("database") {
		cfg.Database.Path = opts.databasePath
	}
	if changed("checkpoint-file") {
		cfg.Database.CheckpointFile = opts.checkpointFile
	}
	if changed("codex-bin") {
		cfg.Codex.Bin = opts.codexBin
	}
	if changed("tenant") {
		cfg.Actor.Tenant = opts.tenant
	}
	if changed("user") {
		cfg.Actor.User = opts.user
	}
	if changed("device") {
		cfg.Actor.Device = opts.device
	}
	if changed("save-stream-deltas") {
		cfg.Runtime.SaveStreamDeltas = opts.saveStreamDeltas
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, output io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	handlerOptions := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(output, handlerOptions)), nil
	}
	return slog.New(slog.NewTextHandler(output, handlerOptions)), nil
}

// runtimeInput converts the runtime section to ingestion options.
func runtimeInput(cfg config.RuntimeConfig) *ingest.RuntimeInput {
	deleteDelay := cfg.FinishedStreamDeleteDelay.Std()
	return &ingest.RuntimeInput{
		SaveStreamDeltas:          &cfg.SaveStreamDeltas,
		ExposeRawReasoningDeltas:  &cfg.ExposeRawReasoningDeltas,
		MaxDeltasPerStreamRead:    &cfg.MaxDeltasPerStreamRead,
		MaxDeltasPerRequestRead:   &cfg.MaxDeltasPerRequestRead,
		FinishedStreamDeleteDelay: &deleteDelay,
	}
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Printf("codex-sync %s\n", version.Full())
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	signalContext, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(signalContext)
	defer cancel()

	realClock := clock.Real()
	payloadCodec, err := payload.ParseCodec(cfg.Runtime.PayloadCodec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o700); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}
	store, err := syncstore.Open(ctx, syncstore.StoreConfig{
		Path:         cfg.Database.Path,
		PoolSize:     cfg.Database.PoolSize,
		PayloadCodec: payloadCodec,
		Clock:        realClock,
		Logger:       logger.With("component", "store"),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	runner, err := scheduler.NewRunner(scheduler.RunnerConfig{
		Pool:         store.Pool(),
		Clock:        realClock,
		Logger:       logger.With("component", "scheduler"),
		PollInterval: cfg.Maintenance.PollInterval.Std(),
		MaxAttempts:  cfg.Maintenance.MaxAttempts,
	})
	if err != nil {
		return err
	}
	store.RegisterTasks(runner)

	actor := syncstore.Actor{TenantID: cfg.Actor.Tenant, UserID: cfg.Actor.User, DeviceID: cfg.Actor.Device}
	ingester := &syncer{
		store:          store,
		actor:          actor,
		runtime:        runtimeInput(cfg.Runtime),
		clock:          realClock,
		logger:         logger.With("component", "sync"),
		checkpointPath: cfg.Database.CheckpointFile,
		newSessionID:   uuid.NewString,
		sessions:       make(map[string]string),
	}
	var firstCursor int64
	if cfg.Database.CheckpointFile != "" {
		ingester.checkpoints, err = cursorfile.Load(cfg.Database.CheckpointFile, actor.TenantID, actor.DeviceID)
		if err != nil {
			return err
		}
		firstCursor = ingester.checkpoints.HighWater()
	}
	events := newPump(ingester, cfg.Batch.MaxEvents, cfg.Batch.FlushInterval.Std(), realClock, logger.With("component", "pump"))

	client := &lineWriter{writer: os.Stdout}
	exitCodes := make(chan int, 1)
	codex, err := bridge.New(bridge.Config{
		CodexBin:         cfg.Codex.Bin,
		WorkingDirectory: cfg.Codex.WorkingDirectory,
		Env:              cfg.Codex.Env,
		FirstCursor:      firstCursor,
		Clock:            realClock,
		Logger:           logger.With("component", "bridge"),
	}, bridge.Handlers{
		OnEvent: func(event bridge.Event) {
			if err := client.WriteLine([]byte(event.PayloadJSON)); err != nil {
				logger.Warn("echoing event", "error", err)
			}
			events.Enqueue(event)
		},
		OnGlobalMessage: func(message wire.Message) {
			if err := client.WriteLine(message.Raw); err != nil {
				logger.Warn("echoing message", "error", err)
			}
		},
		OnProtocolError: func(line string, err error) {
			logger.Warn("protocol error", "error", err, "line", line)
		},
		OnExit: func(code int) { exitCodes <- code },
	})
	if err != nil {
		return err
	}

	group, groupContext := errgroup.WithContext(ctx)
	if err := codex.Start(groupContext); err != nil {
		return err
	}
	logger.Info("codex-sync running",
		"version", version.Info(),
		"database", cfg.Database.Path,
		"tenant_id", actor.TenantID,
		"device_id", actor.DeviceID,
	)

	group.Go(func() error { return runner.Run(groupContext) })
	group.Go(func() error { return events.Run(groupContext) })
	group.Go(func() error {
		err := codex.Wait()
		cancel()
		if err != nil {
			return err
		}
		if code := <-exitCodes; code > 0 && signalContext.Err() == nil {
			return &process.ExitError{Code: code, Err: errors.New("codex app-server exited")}
		}
		return nil
	})

	// Not in the group: a blocked stdin read cannot be interrupted.
	go func() {
		if err := forwardClientFrames(os.Stdin, codex.Send, logger); err != nil {
			logger.Error("forwarding client frames", "error", err)
		}
		logger.Info("client closed stdin, stopping codex app-server")
		if err := codex.Stop(); err != nil {
			logger.Error("stopping codex app-server", "error", err)
		}
	}()

	err = group.Wait()
	logger.Info("codex-sync stopped")
	return err
}
