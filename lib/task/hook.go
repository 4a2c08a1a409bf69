// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/devit-dev/devitd/lib/clock"
)

// HookCommand is the platform shell invocation a [Hook] runs for
// every notification, per spec.md §6's notification hook contract.
type HookCommand struct {
	// Shell is the interpreter argv, e.g. {"/bin/sh", "-c"}. The
	// configured command string is appended as the final argument.
	Shell   []string
	Command string
}

// Hook invokes a configured external command once per task state
// transition and waits, bounded by a timeout, for the command to
// acknowledge via the byte-stream pipe (primary) or the marker file
// (fallback) — spec.md §9's resolved Open Question.
type Hook struct {
	Command HookCommand
	RunDir  string
	Clock   clock.Clock
}

// NewHook returns a Hook that runs command, staging ack channels under
// runDir (typically a per-daemon temp directory).
func NewHook(command HookCommand, runDir string, clk clock.Clock) *Hook {
	return &Hook{Command: command, RunDir: runDir, Clock: clk}
}

// Invoke runs the configured command for n, populating its environment
// per spec.md §6, and waits up to ackTimeout for an acknowledgement.
// A zero ackTimeout means "wait indefinitely" is not permitted; the
// caller must supply a positive bound.
func (h *Hook) Invoke(ctx context.Context, n Notification, ackTimeout time.Duration) error {
	if h.Command.Command == "" {
		return nil
	}

	markerPath := filepath.Join(h.RunDir, fmt.Sprintf("%s.ack", n.TaskID))
	pipePath := filepath.Join(h.RunDir, fmt.Sprintf("%s.ackpipe", n.TaskID))
	os.Remove(markerPath)
	os.Remove(pipePath)

	pipeAvailable := syscall.Mkfifo(pipePath, 0o600) == nil
	if !pipeAvailable {
		pipePath = ""
	}
	defer os.Remove(pipePath)

	env := h.buildEnv(n, markerPath, pipePath)

	shell := h.Command.Shell
	if len(shell) == 0 {
		shell = []string{"/bin/sh", "-c"}
	}
	args := append(append([]string{}, shell[1:]...), h.Command.Command)
	cmd := exec.CommandContext(ctx, shell[0], args...)
	cmd.Env = append(os.Environ(), env...)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("task: starting notification hook: %w", err)
	}
	go cmd.Wait()

	return h.awaitAck(ctx, markerPath, pipePath, ackTimeout)
}

// buildEnv constructs the environment variables spec.md §6 lists for
// the notification hook contract.
func (h *Hook) buildEnv(n Notification, markerPath, pipePath string) []string {
	env := []string{
		"task_id=" + n.TaskID,
		"status=" + string(n.Status),
		"summary=" + n.Summary,
		"timestamp=" + strconv.FormatInt(n.Timestamp.Unix(), 10),
		"ack_marker=" + markerPath,
		"ack_pipe_or_socket=" + pipePath,
	}
	return env
}

// awaitAck blocks until either the byte-stream pipe receives a byte
// (primary) or markerPath is created (fallback, watched via fsnotify,
// never polled), or until ctx is done or timeout elapses.
func (h *Hook) awaitAck(ctx context.Context, markerPath, pipePath string, timeout time.Duration) error {
	if _, err := os.Stat(markerPath); err == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("task: creating ack watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(markerPath)); err != nil {
		return fmt.Errorf("task: watching ack directory: %w", err)
	}

	// The file may have appeared between the Stat above and Add.
	if _, err := os.Stat(markerPath); err == nil {
		return nil
	}

	pipeAcked := make(chan error, 1)
	if pipePath != "" {
		go func() {
			pipeAcked <- readOneByte(pipePath)
		}()
	}

	for {
		select {
		case err := <-pipeAcked:
			if err == nil {
				return nil
			}
			// A failed pipe read (e.g. the hook never opened it) does
			// not fail the wait outright — the marker fallback is still
			// live until the timeout.
			pipeAcked = nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("task: ack watcher closed before acknowledgement")
			}
			if event.Name == markerPath && (event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("task: ack watcher closed before acknowledgement")
			}
			return fmt.Errorf("task: ack watcher error: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		case <-h.Clock.After(timeout):
			return fmt.Errorf("task: acknowledgement timed out after %s", timeout)
		}
	}
}

// readOneByte opens pipePath for reading (blocking until a writer
// opens the other end) and returns once a single byte has arrived.
func readOneByte(pipePath string) error {
	file, err := os.OpenFile(pipePath, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer file.Close()

	buffer := make([]byte, 1)
	_, err = file.Read(buffer)
	return err
}
