// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"testing"
	"time"
)

func TestSubprocessDriver_RawMode_CapturesStdout(t *testing.T) {
	driver := NewSubprocessDriver(NewExecSpawner())
	params := InvocationParams{
		Definition: Definition{
			Identifier:       "echo-worker",
			Executable:       "/bin/sh",
			ArgumentTemplate: []string{"-c", "printf '%s' '{goal}'"},
			ParseMode:        ParseRaw,
		},
		Goal:          "hello world",
		WorkspaceRoot: t.TempDir(),
	}

	handle, err := driver.Start(context.Background(), params)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	result, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if result.Summary != "hello world" {
		t.Errorf("Summary = %q, want %q", result.Summary, "hello world")
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
}

func TestSubprocessDriver_StructuredMode_ParsesLastJSONValue(t *testing.T) {
	driver := NewSubprocessDriver(NewExecSpawner())
	params := InvocationParams{
		Definition: Definition{
			Identifier:       "json-worker",
			Executable:       "/bin/sh",
			ArgumentTemplate: []string{"-c", `printf '{"summary":"first"}\n{"summary":"final","x":1}'`},
			ParseMode:        ParseStructured,
		},
		WorkspaceRoot: t.TempDir(),
	}

	handle, err := driver.Start(context.Background(), params)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	result, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if result.Summary != "final" {
		t.Errorf("Summary = %q, want %q", result.Summary, "final")
	}
	if result.Details["x"] != float64(1) {
		t.Errorf("Details[x] = %v, want 1", result.Details["x"])
	}
}

func TestSubprocessDriver_NonZeroExitRecordsCodeAndStderr(t *testing.T) {
	driver := NewSubprocessDriver(NewExecSpawner())
	params := InvocationParams{
		Definition: Definition{
			Identifier:       "failing-worker",
			Executable:       "/bin/sh",
			ArgumentTemplate: []string{"-c", "echo boom 1>&2; exit 7"},
			ParseMode:        ParseRaw,
		},
		WorkspaceRoot: t.TempDir(),
	}

	handle, err := driver.Start(context.Background(), params)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	result, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if result.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", result.ExitCode)
	}
	if result.Details["stderr"] != "boom\n" {
		t.Errorf("Details[stderr] = %q, want %q", result.Details["stderr"], "boom\n")
	}
}

func TestSubprocessDriver_ArgumentInterpolation(t *testing.T) {
	driver := NewSubprocessDriver(NewExecSpawner())
	params := InvocationParams{
		Definition: Definition{
			Identifier:       "interp-worker",
			Executable:       "/bin/sh",
			ArgumentTemplate: []string{"-c", "printf '%s|%s|%s' '{task_id}' '{model}' '{workspace}'"},
			ParseMode:        ParseRaw,
		},
		TaskID:           "task-1",
		Model:            "gpt-x",
		WorkspaceRoot:    "/srv/ws",
		WorkingDirectory: t.TempDir(),
	}

	handle, err := driver.Start(context.Background(), params)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	result, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	want := "task-1|gpt-x|/srv/ws"
	if result.Summary != want {
		t.Errorf("Summary = %q, want %q", result.Summary, want)
	}
}

func TestSubprocessDriver_Cancel_TerminatesLongRunningProcess(t *testing.T) {
	driver := NewSubprocessDriver(NewExecSpawner())
	params := InvocationParams{
		Definition: Definition{
			Identifier:       "sleepy-worker",
			Executable:       "/bin/sh",
			ArgumentTemplate: []string{"-c", "sleep 30"},
			ParseMode:        ParseRaw,
		},
		WorkspaceRoot: t.TempDir(),
	}

	handle, err := driver.Start(context.Background(), params)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		handle.Wait(context.Background())
		close(done)
	}()

	if err := handle.Cancel(200 * time.Millisecond); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process was not terminated by Cancel()")
	}
}
