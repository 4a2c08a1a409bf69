// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"time"

	"github.com/devit-dev/devitd/lib/approval"
	"github.com/devit-dev/devitd/lib/codec"
	"github.com/devit-dev/devitd/lib/failure"
	"github.com/devit-dev/devitd/lib/pathsandbox"
	"github.com/devit-dev/devitd/lib/patch"
	"github.com/devit-dev/devitd/lib/policy"
	"github.com/devit-dev/devitd/lib/task"
	"github.com/devit-dev/devitd/lib/version"
	"github.com/devit-dev/devitd/sandbox"
	"github.com/devit-dev/devitd/transport"
)

// handleDelegate validates a delegation request and creates its task,
// then hands the rest of the work (policy evaluation, approval,
// driver invocation) to runTask on the background pool, per spec.md
// §4.7's "delegate returns a task id immediately" contract.
func (d *Daemon) handleDelegate(ctx context.Context, session *transport.Session, payload []byte) (any, error) {
	var req delegateRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, errInvalidDiff(err.Error())
	}
	if req.Goal == "" {
		return nil, errValidation("goal is required", "")
	}

	def, ok := d.workers[req.DelegatedTo]
	if !ok {
		return nil, errWorkerUnknown(req.DelegatedTo)
	}

	workingDir, err := d.resolveWorkingDir(req.WorkingDir)
	if err != nil {
		return nil, err
	}

	model, err := def.SelectModel(req.Model, contextModel(req.Context))
	if err != nil {
		return nil, errModelNotAllowed(req.Model)
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = d.defaultLeaseTimeout
	}
	if def.Timeout > 0 && def.Timeout < timeout {
		timeout = def.Timeout
	}

	created := d.tasks.Create(task.Task{
		Goal:             req.Goal,
		WorkerIdentifier: req.DelegatedTo,
		RequestedModel:   req.Model,
		EffectiveModel:   model,
		WorkingDirectory: workingDir,
		Format:           task.Format(req.Format),
		Timeout:          timeout,
		WatchPatterns:    req.WatchPatterns,
		Context:          req.Context,
		OriginSessionID:  session.ID,
	}, d.clk.Now())

	if _, err := d.journal.Append("daemon", "task_queued", created); err != nil {
		d.logger.Error("failed to journal task_queued", "task_id", created.ID, "error", err)
	}

	d.pool.Submit(func() { d.runTask(created.ID, def) })

	return delegateResponse{OK: true, TaskID: created.ID}, nil
}

// contextModel extracts the "model" key from a request's free-form
// context map, per worker.Definition.SelectModel's precedence chain.
func contextModel(ctx map[string]any) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx["model"].(string); ok {
		return v
	}
	return ""
}

func (d *Daemon) handleStatus(payload []byte) (any, error) {
	var req statusRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, errInvalidDiff(err.Error())
	}

	all := d.tasks.List()
	resp := statusResponse{OK: true, SummaryCounts: make(map[string]int)}
	for _, t := range all {
		resp.SummaryCounts[t.State.String()]++
		if req.Filter != "" && req.Filter != t.State.String() {
			continue
		}
		summary := taskSummary{TaskID: t.ID, State: t.State.String(), Goal: t.Goal, Worker: t.WorkerIdentifier}
		if t.State.Terminal() {
			resp.CompletedTasks = append(resp.CompletedTasks, summary)
		} else {
			resp.ActiveTasks = append(resp.ActiveTasks, summary)
		}
	}
	return resp, nil
}

func (d *Daemon) handleTask(payload []byte) (any, error) {
	var req taskRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, errInvalidDiff(err.Error())
	}

	t, ok := d.tasks.Get(req.TaskID)
	if !ok {
		return nil, errTaskNotFound(req.TaskID)
	}
	return taskToResponse(t), nil
}

func taskToResponse(t task.Task) taskResponse {
	resp := taskResponse{
		OK:             true,
		TaskID:         t.ID,
		State:          t.State.String(),
		Goal:           t.Goal,
		Worker:         t.WorkerIdentifier,
		RequestedModel: t.RequestedModel,
		EffectiveModel: t.EffectiveModel,
		TimeQueued:     t.TimeQueued.Unix(),
		Summary:        t.Summary,
		Details:        t.Details,
		Evidence:       t.Evidence,
		Truncated:      t.Truncated,
		OriginalSize:   t.OriginalSize,
	}
	if !t.TimeStarted.IsZero() {
		resp.TimeStarted = t.TimeStarted.Unix()
	}
	if !t.TimeCompleted.IsZero() {
		resp.TimeCompleted = t.TimeCompleted.Unix()
		resp.DurationTotalMS = t.DurationTotal().Milliseconds()
		resp.DurationExecMS = t.DurationExecution().Milliseconds()
	}
	if t.HasExit {
		resp.ExitCode = t.ExitCode
		resp.ExitReason = string(t.ExitReason)
	}
	return resp
}

// handlePatchApply parses a diff and either previews it (dry_run, with
// no policy check) or policy-checks and applies it. A write that needs approval is resolved synchronously, here:
// unlike delegate, patch_apply has no task to park in an
// awaiting-approval state while the caller waits, so the broker round
// trip happens inline and the RPC simply takes longer to answer.
func (d *Daemon) handlePatchApply(ctx context.Context, session *transport.Session, payload []byte) (any, error) {
	var req patchApplyRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, errInvalidDiff(err.Error())
	}

	diff, err := patch.ParseDiff([]byte(req.Diff))
	if err != nil {
		return nil, errInvalidDiff(err.Error())
	}

	op := policy.Operation{Kind: policy.KindWrite, TargetPaths: filePaths(diff), PayloadSize: int64(len(req.Diff))}
	for _, f := range diff.Files {
		if d.protected != nil && d.protected.Matches(f.Path) {
			op.TouchesProtectedPath = true
		}
	}

	if req.DryRun {
		plan, err := d.patchEngine.Preview(diff)
		if err != nil {
			return nil, err
		}
		return planToResponse(plan, diff), nil
	}

	if err := d.authorize(ctx, session, op, req.Diff); err != nil {
		return nil, err
	}

	result, err := d.patchEngine.Apply(diff)
	if err != nil {
		return nil, err
	}

	if _, err := d.journal.Append(session.ID, "patch_applied", result); err != nil {
		d.logger.Error("failed to journal patch_applied", "error", err)
	}

	return planToResponse(result.Plan, diff), nil
}

// authorize runs op through the policy engine and, if it lands on
// need_approval, submits it to the broker and blocks for a verdict.
// Returns nil only when the operation may proceed.
func (d *Daemon) authorize(ctx context.Context, session *transport.Session, op policy.Operation, diffText string) error {
	result := policy.Evaluate(op, session.DefaultLevel)
	switch result.Decision {
	case policy.Deny:
		return errPolicyDenied
	case policy.Allow:
		return nil
	}

	request, err := d.approvalBroker.Submit(op, d.protected, "patch_apply", diffText, d.approverTarget)
	if err != nil {
		return newWireError(failure.System, "internal", err.Error(), "")
	}
	if _, jerr := d.journal.Append("daemon", "approval_requested", request); jerr != nil {
		d.logger.Error("failed to journal approval_requested", "approval_id", request.ID, "error", jerr)
	}
	d.notifyApprover(request)

	verdict, err := d.approvalBroker.Await(ctx, request.ID, d.approvalTimeout)
	if err != nil {
		return errCancelled
	}
	if verdict.Verdict != approval.VerdictApproved {
		return errApprovalDenied(verdict.Reason)
	}
	return nil
}

func filePaths(diff patch.Diff) []string {
	paths := make([]string, 0, len(diff.Files))
	for _, f := range diff.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

func planToResponse(plan patch.Plan, diff patch.Diff) patchApplyResponse {
	hunks := make(map[string]int, len(diff.Files))
	for _, f := range diff.Files {
		hunks[f.Path] = len(f.Hunks)
	}

	resp := patchApplyResponse{OK: true, Files: len(plan.Files)}
	for _, f := range plan.Files {
		resp.Hunks += hunks[f.Path]
		resp.Added += f.AddedLines
		resp.Removed += f.RemovedLines
		resp.Plan = append(resp.Plan, filePlanWire{
			Path: f.Path, Action: f.Action.String(), Added: f.AddedLines, Removed: f.RemovedLines,
		})
	}
	return resp
}

func (d *Daemon) handleCapabilitiesGet() any {
	caps := sandbox.DetectCapabilities()

	workers := make([]string, 0, len(d.workers))
	for id := range d.workers {
		workers = append(workers, id)
	}

	vcs := false
	if _, err := d.workspaceRoot.Resolve(".git", pathsandbox.ResolveOptions{MustExist: true}); err == nil {
		vcs = true
	}

	return capabilitiesResponse{
		OK:                true,
		DaemonVersion:     version.Short(),
		SandboxAvailable:  caps.CanRunSandbox(),
		SandboxSkipReason: caps.SkipReason(),
		VersionControl:    vcs,
		RegisteredWorkers: workers,
		ScreenshotEnabled: d.screenshotEnabled,
	}
}

func (d *Daemon) handleScreenshot(ctx context.Context, session *transport.Session) (any, error) {
	if !d.screenshotEnabled {
		return nil, errScreenshotDisabled
	}
	if !session.Allow("screenshot") {
		return nil, errRateLimited
	}

	path, err := d.captureScreenshot(ctx)
	if err != nil {
		return nil, newWireError(failure.System, "internal", err.Error(), "")
	}
	return screenshotResponse{OK: true, Path: path}, nil
}
