// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"fmt"
	"slices"
	"time"
)

// Kind names a worker's driver protocol.
type Kind int

const (
	KindSubprocessCLI Kind = iota
	KindChildProtocol
)

// String returns the wire-stable, lower-case kind name.
func (k Kind) String() string {
	switch k {
	case KindSubprocessCLI:
		return "subprocess-cli"
	case KindChildProtocol:
		return "child-protocol"
	default:
		return "unknown"
	}
}

// ParseMode is how a subprocess-cli worker's stdout is interpreted
// into a task result.
type ParseMode int

const (
	// ParseStructured takes the last complete JSON value on stdout as
	// the result.
	ParseStructured ParseMode = iota

	// ParseRaw takes the entire stdout stream as the summary.
	ParseRaw
)

// Definition is a worker's immutable configuration, spec.md §3's
// "Worker definition" record. It is loaded once at daemon start and
// never mutated while a task using it runs.
type Definition struct {
	Identifier string
	Kind       Kind

	// Executable and ArgumentTemplate configure a subprocess-cli
	// worker. ArgumentTemplate elements containing {goal}, {workspace},
	// {task_id}, or {model} are interpolated per invocation.
	Executable       string
	ArgumentTemplate []string
	ParseMode        ParseMode

	// ToolName and ExtraArguments configure a child-protocol worker.
	// ToolName defaults to "delegate" when empty. ExtraArguments are
	// merged into every call_tool invocation's arguments.
	ToolName       string
	ExtraArguments map[string]any

	Timeout          time.Duration
	WorkingDirectory string
	MaxResponseSize  int64
	DefaultModel     string
	AllowedModels    []string

	// PollDispatch marks a worker whose tasks are never spawned by the
	// orchestrator directly: a session registers with worker_mode and
	// a capability matching Identifier, then pulls assigned tasks via
	// poll_tasks instead of devitd holding a subprocess or
	// child-protocol handle for it. Mutually exclusive in practice
	// with Executable/ToolName, though nothing enforces that — a
	// Definition with PollDispatch set simply never reaches a Driver.
	PollDispatch bool
}

// DefaultToolName is used when a child-protocol Definition does not
// declare one, per spec.md §3's "conventional delegation tool".
const DefaultToolName = "delegate"

// EffectiveToolName returns d.ToolName, or [DefaultToolName] if unset.
func (d Definition) EffectiveToolName() string {
	if d.ToolName == "" {
		return DefaultToolName
	}
	return d.ToolName
}

// SelectModel applies spec.md §4.7's model-selection precedence:
// an explicit per-request model, then a model carried in the request
// context, then the worker's default. If the worker declares an
// allow-list, the effective model must be a member or SelectModel
// returns an error the orchestrator maps to model_not_allowed.
func (d Definition) SelectModel(requestModel, contextModel string) (string, error) {
	model := d.DefaultModel
	switch {
	case requestModel != "":
		model = requestModel
	case contextModel != "":
		model = contextModel
	}

	if model == "" {
		return "", nil
	}
	if len(d.AllowedModels) > 0 && !slices.Contains(d.AllowedModels, model) {
		return "", fmt.Errorf("worker: model %q is not in %q's allow-list", model, d.Identifier)
	}
	return model, nil
}
