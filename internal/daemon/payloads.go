// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import "github.com/devit-dev/devitd/lib/codec"

// registerRequest is REGISTER's payload, spec.md §6.
type registerRequest struct {
	Capabilities []string `cbor:"capabilities"`
	PID          int      `cbor:"pid"`
	Version      string   `cbor:"version"`
	WorkerMode   bool     `cbor:"worker_mode"`
	Level        string   `cbor:"level"`
}

type registerResponse struct {
	OK                   bool   `cbor:"ok"`
	DaemonVersion        string `cbor:"daemon_version"`
	ExpectedWorkerVersion string `cbor:"expected_worker_version,omitempty"`
}

// delegateRequest is delegate's input payload.
type delegateRequest struct {
	Goal           string         `cbor:"goal"`
	DelegatedTo    string         `cbor:"delegated_to"`
	TimeoutSeconds int64          `cbor:"timeout"`
	WatchPatterns  []string       `cbor:"watch_patterns"`
	Model          string         `cbor:"model"`
	Context        map[string]any `cbor:"context"`
	WorkingDir     string         `cbor:"working_dir"`
	Format         string         `cbor:"format"`
}

type delegateResponse struct {
	OK     bool   `cbor:"ok"`
	TaskID string `cbor:"task_id"`
}

// notifyRequest is notify's input payload. It is overloaded onto one
// wire method for two distinct inbound shapes, matching spec.md §4.6
// and §6: a worker-reported task status change (TaskID populated) and
// an approver's verdict on a pending approval (ApprovalID populated).
// A given request populates exactly one of the two groups.
type notifyRequest struct {
	TaskID   string         `cbor:"task_id"`
	Status   string         `cbor:"status"`
	Summary  string         `cbor:"summary"`
	Details  map[string]any `cbor:"details"`
	Evidence map[string]any `cbor:"evidence"`

	ApprovalID string `cbor:"approval_id"`
	Verdict    string `cbor:"verdict"`
	Reason     string `cbor:"reason"`
}

type okResponse struct {
	OK bool `cbor:"ok"`
}

type statusRequest struct {
	Filter string `cbor:"filter"`
}

type statusResponse struct {
	OK             bool           `cbor:"ok"`
	ActiveTasks    []taskSummary  `cbor:"active_tasks"`
	CompletedTasks []taskSummary  `cbor:"completed_tasks"`
	SummaryCounts  map[string]int `cbor:"summary_counts"`
}

type taskSummary struct {
	TaskID string `cbor:"task_id"`
	State  string `cbor:"state"`
	Goal   string `cbor:"goal"`
	Worker string `cbor:"worker"`
}

type taskRequest struct {
	TaskID string `cbor:"task_id"`
}

type taskResponse struct {
	OK               bool           `cbor:"ok"`
	TaskID           string         `cbor:"task_id"`
	State            string         `cbor:"state"`
	Goal             string         `cbor:"goal"`
	Worker           string         `cbor:"worker"`
	RequestedModel   string         `cbor:"requested_model,omitempty"`
	EffectiveModel   string         `cbor:"effective_model,omitempty"`
	TimeQueued       int64          `cbor:"time_queued"`
	TimeStarted      int64          `cbor:"time_started,omitempty"`
	TimeCompleted    int64          `cbor:"time_completed,omitempty"`
	DurationTotalMS  int64          `cbor:"duration_total_ms,omitempty"`
	DurationExecMS   int64          `cbor:"duration_execution_ms,omitempty"`
	ExitCode         int            `cbor:"exit_code,omitempty"`
	ExitReason       string         `cbor:"exit_reason,omitempty"`
	Summary          string         `cbor:"summary,omitempty"`
	Details          map[string]any `cbor:"details,omitempty"`
	Evidence         map[string]any `cbor:"evidence,omitempty"`
	Truncated        bool           `cbor:"truncated,omitempty"`
	OriginalSize     int64          `cbor:"original_size,omitempty"`
}

type patchApplyRequest struct {
	Diff    string `cbor:"diff"`
	DryRun  bool   `cbor:"dry_run"`
}

type patchApplyResponse struct {
	OK      bool           `cbor:"ok"`
	Files   int            `cbor:"files"`
	Hunks   int            `cbor:"hunks"`
	Added   int            `cbor:"added_lines"`
	Removed int            `cbor:"removed_lines"`
	Plan    []filePlanWire `cbor:"plan,omitempty"`
}

type filePlanWire struct {
	Path   string `cbor:"path"`
	Action string `cbor:"action"`
	Added  int    `cbor:"added_lines"`
	Removed int   `cbor:"removed_lines"`
}

type capabilitiesResponse struct {
	OK                bool     `cbor:"ok"`
	DaemonVersion     string   `cbor:"daemon_version"`
	SandboxAvailable  bool     `cbor:"sandbox_available"`
	SandboxSkipReason string   `cbor:"sandbox_skip_reason,omitempty"`
	VersionControl    bool     `cbor:"version_control_present"`
	RegisteredWorkers []string `cbor:"registered_workers"`
	ScreenshotEnabled bool     `cbor:"screenshot_enabled"`
}

type pollTasksRequest struct {
	WaitSeconds int64 `cbor:"wait"`
}

type pollTasksResponse struct {
	OK     bool         `cbor:"ok"`
	Result string       `cbor:"result"` // assigned | cancelled | timeout | idle
	Task   *taskResponse `cbor:"task,omitempty"`
}

type screenshotResponse struct {
	OK   bool   `cbor:"ok"`
	Path string `cbor:"path"`
}

// errorPayload is the {ok, error} shape every failed response carries,
// spec.md §7's "response always carries {ok, error?, structuredContent?}".
type errorPayload struct {
	OK    bool      `cbor:"ok"`
	Error errorBody `cbor:"error"`
}

type errorBody struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message"`
	Hint    string `cbor:"hint,omitempty"`
}

func mustRaw(v any) codec.RawMessage {
	raw, err := codec.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
