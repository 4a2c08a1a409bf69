// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"time"
)

// InvocationParams is what the orchestrator hands a [Driver] to start
// one task's worker invocation.
type InvocationParams struct {
	Definition       Definition
	Goal             string
	TaskID           string
	Model            string
	WorkspaceRoot    string
	WorkingDirectory string
	ExtraContext     map[string]any
}

// Result is a completed worker invocation's outcome, spec.md §3's
// task exit fields.
type Result struct {
	Summary      string
	Details      map[string]any
	ExitCode     int
	Signal       string
	Truncated    bool
	OriginalSize int64
}

// Handle represents a running worker invocation. [Driver.Start]
// returns one; the orchestrator calls Wait to block for the result
// and Cancel to terminate the invocation early (explicit cancellation
// or lease timeout), modeled on
// lib/agentdriver.Process's Wait/Signal split in the teacher, folded
// into a single type since devitd captures a worker's entire output
// at exit rather than streaming structured events from it.
type Handle interface {
	// Wait blocks until the invocation completes and returns its
	// result, or an error if the invocation itself could not be
	// carried out (as opposed to the worker completing with a
	// non-zero exit, which is reported via Result, not an error).
	Wait(ctx context.Context) (Result, error)

	// Cancel requests the invocation stop. It sends a graceful
	// termination signal, waits the full grace period (it does not
	// return early if the process exits sooner), then escalates to a
	// forceful kill. Safe to call after the
	// invocation has already completed.
	Cancel(grace time.Duration) error
}

// Driver starts one worker invocation per call. The two concrete
// drivers are [NewSubprocessDriver] (Definition.Kind ==
// KindSubprocessCLI) and [NewChildProtocolDriver] (KindChildProtocol).
type Driver interface {
	Start(ctx context.Context, params InvocationParams) (Handle, error)
}
