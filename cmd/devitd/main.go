// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

// devitd is the persistent daemon that owns a single workspace: it
// authenticates requests over a local transport, evaluates every
// operation against its policy engine, executes approved work through
// sandboxed worker processes, and records everything in a tamper-evident
// journal. See cmd/devitd's accompanying settings.jsonc.example for a
// fully-annotated configuration file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/devit-dev/devitd/internal/daemon"
	"github.com/devit-dev/devitd/lib/approval"
	"github.com/devit-dev/devitd/lib/clock"
	"github.com/devit-dev/devitd/lib/envelope"
	"github.com/devit-dev/devitd/lib/journal"
	"github.com/devit-dev/devitd/lib/pathsandbox"
	"github.com/devit-dev/devitd/lib/policy"
	"github.com/devit-dev/devitd/lib/replay"
	"github.com/devit-dev/devitd/lib/secret"
	"github.com/devit-dev/devitd/lib/task"
	"github.com/devit-dev/devitd/lib/version"
	"github.com/devit-dev/devitd/lib/worker"
	"github.com/devit-dev/devitd/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "devitd: %v\n", err)
		os.Exit(1)
	}
}

// flags holds every command-line override. Each field's zero value
// means "not set on the command line", so a later merge step can tell
// an explicit flag apart from a settings-file value.
type flags struct {
	settingsPath string

	socketPath        string
	httpAddress       string
	workspaceRoot     string
	journalDir        string
	replaySnapshot    string
	workerDefinitions string
	protectedPaths    string
	approverTarget    string
	secretEnv         string
	secretFile        string

	showVersion bool
}

func run() error {
	var f flags

	flagSet := pflag.NewFlagSet("devitd", pflag.ContinueOnError)
	flagSet.StringVar(&f.settingsPath, "settings", "", "path to a JSONC runtime settings file")
	flagSet.StringVar(&f.socketPath, "socket", "", "Unix socket path to listen on (default /run/devitd/devitd.sock)")
	flagSet.StringVar(&f.httpAddress, "http", "", "optional HTTP+SSE listen address, e.g. 127.0.0.1:7777")
	flagSet.StringVar(&f.workspaceRoot, "workspace", "", "workspace root devitd sandboxes every path operation under")
	flagSet.StringVar(&f.journalDir, "journal-dir", "", "directory holding the durable append-only journal")
	flagSet.StringVar(&f.replaySnapshot, "replay-snapshot", "", "path to the replay-cache restart snapshot")
	flagSet.StringVar(&f.workerDefinitions, "workers", "", "path to a TOML worker definition registry")
	flagSet.StringVar(&f.protectedPaths, "protected-paths", "", "path to a YAML protected-path declaration")
	flagSet.StringVar(&f.approverTarget, "approver-target", "", "capability identifying the session approvals are routed to")
	flagSet.StringVar(&f.secretEnv, "secret-env", "", "environment variable holding the shared secret (default DEVITD_SHARED_SECRET)")
	flagSet.StringVar(&f.secretFile, "secret-file", "", "file (or \"-\" for stdin) holding the shared secret")
	flagSet.BoolVar(&f.showVersion, "version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if f.showVersion {
		fmt.Println(version.Info())
		return nil
	}

	cfg, err := loadSettings(f.settingsPath)
	if err != nil {
		return err
	}
	merged := mergeSettings(cfg, f)
	if merged.SecretEnv == "" {
		merged.SecretEnv = "DEVITD_SHARED_SECRET"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sharedSecret, err := loadSharedSecret(merged)
	if err != nil {
		return fmt.Errorf("loading shared secret: %w", err)
	}
	defer sharedSecret.Close()

	subkeyBuffer, err := envelope.DeriveSubkey(sharedSecret)
	if err != nil {
		return fmt.Errorf("deriving envelope subkey: %w", err)
	}
	defer subkeyBuffer.Close()
	subkey := append([]byte{}, subkeyBuffer.Bytes()...)

	clk := clock.Real()

	if err := os.MkdirAll(merged.JournalDir, 0o700); err != nil {
		return fmt.Errorf("creating journal directory: %w", err)
	}
	jrnl, err := journal.Open(merged.JournalDir, sharedSecret, clk, journal.Options{})
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer jrnl.Close()

	if err := os.MkdirAll(filepath.Dir(merged.ReplaySnapshot), 0o700); err != nil {
		return fmt.Errorf("creating replay snapshot directory: %w", err)
	}
	skewWindow := secondsOrDefault(merged.SkewWindowSeconds, 5*time.Minute)
	replayCache, err := replay.LoadFile(merged.ReplaySnapshot, skewWindow, time.Minute, clk)
	if err != nil {
		return fmt.Errorf("loading replay snapshot: %w", err)
	}

	workspaceRoot, err := pathsandbox.NewRoot(merged.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("resolving workspace root: %w", err)
	}

	var screenshotRoot *pathsandbox.Root
	if merged.ScreenshotEnabled {
		screenshotDir := merged.ScreenshotRoot
		if screenshotDir == "" {
			screenshotDir = merged.WorkspaceRoot
		}
		screenshotRoot, err = pathsandbox.NewRoot(screenshotDir)
		if err != nil {
			return fmt.Errorf("resolving screenshot root: %w", err)
		}
	}

	protected, err := policy.LoadProtectedPathSet(merged.ProtectedPaths)
	if err != nil {
		return fmt.Errorf("loading protected paths: %w", err)
	}

	workers := map[string]worker.Definition{}
	if merged.WorkerDefinitions != "" {
		workers, err = worker.LoadDefinitions(merged.WorkerDefinitions)
		if err != nil {
			return fmt.Errorf("loading worker definitions: %w", err)
		}
	}

	drivers := map[worker.Kind]worker.Driver{
		worker.KindSubprocessCLI: worker.NewSubprocessDriver(worker.NewSandboxSpawner(nil)),
		worker.KindChildProtocol: worker.NewChildProtocolDriver(worker.NewExecChildSpawner()),
	}

	runDir := merged.JournalDir
	var hook *task.Hook
	if hookCommand := os.Getenv("DEVITD_NOTIFY_HOOK"); hookCommand != "" {
		hook = task.NewHook(task.HookCommand{Shell: []string{"/bin/sh", "-c"}, Command: hookCommand}, runDir, clk)
	}

	approverTarget := merged.ApproverTarget
	if approverTarget == "" {
		approverTarget = approval.DefaultApproverTarget
	}

	d := daemon.New(daemon.Config{
		Logger:                logger,
		Clock:                 clk,
		Journal:               jrnl,
		EnvelopeSubkey:        subkey,
		ReplayCache:           replayCache,
		SkewWindow:            skewWindow,
		Protected:             protected,
		WorkspaceRoot:         workspaceRoot,
		ApprovalBroker:        approval.NewBroker(clk),
		ApprovalTimeout:       secondsOrDefault(merged.ApprovalTimeoutSeconds, 10*time.Minute),
		ApproverTarget:        approverTarget,
		Workers:               workers,
		Drivers:               drivers,
		Hook:                  hook,
		AckTimeout:            secondsOrDefault(merged.AckTimeoutSeconds, 10*time.Second),
		RateLimit:             merged.RateLimit,
		RateWindow:            secondsOrDefault(merged.RateWindowSeconds, time.Minute),
		MinimumClientVersion:  merged.MinimumClientVersion,
		ExpectedWorkerVersion: version.Short(),
		ScreenshotEnabled:     merged.ScreenshotEnabled,
		ScreenshotRoot:        screenshotRoot,
		ScreenshotHelper:      merged.ScreenshotHelper,
		DefaultLeaseTimeout:   secondsOrDefault(merged.DefaultLeaseTimeoutSeconds, 30*time.Minute),
		IdleShutdown:          secondsOrDefault(merged.IdleShutdownSeconds, 0),
		PoolWorkers:           merged.PoolWorkers,
		PoolQueue:             merged.PoolQueue,
	})

	go d.Run()

	socketListener := transport.NewSocketListener(merged.SocketPath, d, logger)
	serveErrors := make(chan error, 2)
	go func() {
		if err := socketListener.Serve(ctx); err != nil {
			serveErrors <- fmt.Errorf("socket listener: %w", err)
			return
		}
		serveErrors <- nil
	}()

	if merged.HTTPAddress != "" {
		httpListener := transport.NewHTTPListener(merged.HTTPAddress, d, logger)
		go func() {
			if err := httpListener.Serve(ctx); err != nil {
				serveErrors <- fmt.Errorf("http listener: %w", err)
				return
			}
			serveErrors <- nil
		}()
	} else {
		serveErrors <- nil
	}

	logger.Info("devitd started", "socket", merged.SocketPath, "workspace", merged.WorkspaceRoot, "version", version.Short())

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-serveErrors:
		if err != nil {
			serveErr = err
		}
	case <-d.ShutdownRequested():
		stop()
	}

	d.Close()

	if err := replay.SaveFile(merged.ReplaySnapshot, replayCache); err != nil {
		logger.Error("failed to save replay snapshot", "error", err)
	}

	logger.Info("devitd shutting down")
	return serveErr
}

// loadSharedSecret resolves the daemon's shared secret, preferring an
// explicitly configured environment variable, then a file/stdin path,
// then an interactive TTY prompt, mirroring
// cmd/bureau/cli/login.go's readLoginPassword/readSecretFile split.
func loadSharedSecret(s settings) (*secret.Buffer, error) {
	if s.SecretEnv != "" {
		if value := os.Getenv(s.SecretEnv); value != "" {
			raw := []byte(value)
			buf, err := secret.NewFromBytes(raw)
			os.Unsetenv(s.SecretEnv)
			return buf, err
		}
	}
	if s.SecretFile != "" {
		return secret.ReadFromPath(s.SecretFile)
	}

	stdinFD := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFD) {
		return nil, fmt.Errorf("no shared secret available: set %s, pass --secret-file, or run from a terminal", s.SecretEnv)
	}
	fmt.Fprint(os.Stderr, "Shared secret: ")
	secretBytes, err := term.ReadPassword(stdinFD)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading shared secret: %w", err)
	}
	buf, err := secret.NewFromBytes(secretBytes)
	if err != nil {
		secret.Zero(secretBytes)
		return nil, err
	}
	return buf, nil
}
