// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/devit-dev/devitd/lib/approval"
	"github.com/devit-dev/devitd/lib/clock"
	"github.com/devit-dev/devitd/lib/codec"
	"github.com/devit-dev/devitd/lib/policy"
	"github.com/devit-dev/devitd/lib/task"
	"github.com/devit-dev/devitd/lib/worker"
	"github.com/devit-dev/devitd/transport"
)

// runTask carries a task from Queued through to a terminal state. It
// runs on the background pool, never on a transport goroutine, so a
// slow approval wait or a hung worker never blocks a session's other
// requests. def.PollDispatch tasks are handed to a poll queue instead
// of a [worker.Driver]; everything through the approval gate is
// identical for both kinds of worker.
func (d *Daemon) runTask(taskID string, def worker.Definition) {
	d.tasks.AcquireLease(taskID, "daemon")

	started, err := d.tasks.Transition(taskID, task.InProgress, func(t *task.Task) {
		t.TimeStarted = d.clk.Now()
	})
	if err != nil {
		d.logger.Error("failed to start task", "task_id", taskID, "error", err)
		return
	}
	d.fanOut(started, task.Notification{TaskID: taskID, Status: task.StatusInProgress, Summary: "task started", Timestamp: d.clk.Now()})

	current, ok := d.authorizeTask(started, def)
	if !ok {
		return
	}

	leaseDuration := current.Timeout
	if leaseDuration <= 0 {
		leaseDuration = d.defaultLeaseTimeout
	}

	if def.PollDispatch {
		d.runPollDispatched(current, def, leaseDuration)
		return
	}
	d.runDriverDispatched(current, def, leaseDuration)
}

// authorizeTask evaluates policy for current's execution and, if
// needed, submits it to the approval broker and blocks for a verdict.
// It returns the task's latest state and whether execution may
// continue; on denial it has already transitioned the task to Failed
// and fanned out the notification.
func (d *Daemon) authorizeTask(current task.Task, def worker.Definition) (task.Task, bool) {
	op := policy.Operation{Kind: policy.KindExecuteProcess, TargetPaths: []string{current.WorkingDirectory}}
	result := policy.Evaluate(op, d.sessionLevel(current.OriginSessionID))

	switch result.Decision {
	case policy.Allow:
		return current, true
	case policy.Deny:
		d.failTask(current.ID, task.ExitReasonApprovalDenied, "policy engine denied this operation")
		return task.Task{}, false
	}

	awaiting, err := d.tasks.Transition(current.ID, task.AwaitingApproval, nil)
	if err != nil {
		d.logger.Error("failed to move task to awaiting_approval", "task_id", current.ID, "error", err)
		return task.Task{}, false
	}
	d.fanOut(awaiting, task.Notification{TaskID: current.ID, Status: task.StatusPending, Summary: "awaiting approval", Timestamp: d.clk.Now()})

	request, err := d.approvalBroker.Submit(op, d.protected, current.Goal, "", d.approverTarget)
	if err != nil {
		d.failTask(current.ID, task.ExitReasonWorkerError, err.Error())
		return task.Task{}, false
	}
	if _, jerr := d.journal.Append("daemon", "approval_requested", request); jerr != nil {
		d.logger.Error("failed to journal approval_requested", "approval_id", request.ID, "error", jerr)
	}
	d.notifyApprover(request)

	verdict, err := d.approvalBroker.Await(context.Background(), request.ID, d.approvalTimeout)
	if err != nil {
		d.failTask(current.ID, task.ExitReasonApprovalDenied, "approval wait was cancelled")
		return task.Task{}, false
	}
	if verdict.Verdict != approval.VerdictApproved {
		reason := verdict.Reason
		if reason == "" {
			reason = "denied"
		}
		d.failTask(current.ID, task.ExitReasonApprovalDenied, reason)
		return task.Task{}, false
	}

	resumed, err := d.tasks.Transition(current.ID, task.InProgress, nil)
	if err != nil {
		d.logger.Error("failed to resume task after approval", "task_id", current.ID, "error", err)
		return task.Task{}, false
	}
	return resumed, true
}

// runPollDispatched hands current to the poll queue for def's
// identifier, starting a lease timer that will time the task out if no
// poll_tasks caller ever reports a terminal notification for it.
func (d *Daemon) runPollDispatched(current task.Task, def worker.Definition, leaseDuration time.Duration) {
	timer := d.clk.AfterFunc(leaseDuration, func() { d.expireLease(current.ID) })
	d.setLeaseTimer(current.ID, timer)
	d.enqueuePoll(def.Identifier, current)
}

// runDriverDispatched starts def's driver directly and waits for it to
// finish, cancelling the invocation if the lease expires first.
func (d *Daemon) runDriverDispatched(current task.Task, def worker.Definition, leaseDuration time.Duration) {
	driver, ok := d.drivers[def.Kind]
	if !ok {
		d.failTask(current.ID, task.ExitReasonWorkerError, "no driver registered for worker kind "+def.Kind.String())
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	var timedOut atomic.Bool
	timer := d.clk.AfterFunc(leaseDuration, func() { timedOut.Store(true); cancel() })
	d.setLeaseCancel(current.ID, cancel)
	defer func() {
		timer.Stop()
		cancel()
		d.clearLeaseCancel(current.ID)
	}()

	handle, err := driver.Start(runCtx, worker.InvocationParams{
		Definition:       def,
		Goal:             current.Goal,
		TaskID:           current.ID,
		Model:            current.EffectiveModel,
		WorkspaceRoot:    d.workspaceRoot.Path(),
		WorkingDirectory: current.WorkingDirectory,
		ExtraContext:     current.Context,
	})
	if err != nil {
		d.failTask(current.ID, task.ExitReasonWorkerError, err.Error())
		return
	}
	d.trackHandle(current.ID, handle)
	defer d.untrackHandle(current.ID)

	result, err := handle.Wait(runCtx)
	if timedOut.Load() {
		handle.Cancel(5 * time.Second)
		d.timeOutTask(current.ID)
		return
	}
	if err != nil {
		d.failTask(current.ID, task.ExitReasonWorkerError, err.Error())
		return
	}

	completed, err := d.tasks.Transition(current.ID, task.Completed, func(t *task.Task) {
		t.TimeCompleted = d.clk.Now()
		t.HasExit = true
		t.ExitCode = result.ExitCode
		t.ExitReason = task.ExitReasonSuccess
		t.Summary = result.Summary
		t.Details = result.Details
		t.Truncated = result.Truncated
		t.OriginalSize = result.OriginalSize
	})
	d.tasks.ReleaseLease(current.ID)
	if err != nil {
		d.logger.Error("failed to complete task", "task_id", current.ID, "error", err)
		return
	}
	if _, jerr := d.journal.Append("daemon", "task_completed", completed); jerr != nil {
		d.logger.Error("failed to journal task_completed", "task_id", current.ID, "error", jerr)
	}
	d.fanOut(completed, task.Notification{
		TaskID: current.ID, Status: task.StatusCompleted, Summary: result.Summary, Details: result.Details, Timestamp: d.clk.Now(),
	})
}

// failTask transitions id to Failed, releases its lease, journals the
// failure, and fans out the resulting notification. Safe to call for
// a task already past InProgress only insofar as ValidTransition
// allows it — the few callers of failTask all act on a task they know
// is still InProgress or AwaitingApproval.
func (d *Daemon) failTask(id string, reason task.ExitReason, detail string) {
	d.stopLeaseTimer(id)
	failed, err := d.tasks.Transition(id, task.Failed, func(t *task.Task) {
		t.TimeCompleted = d.clk.Now()
		t.HasExit = true
		t.ExitReason = reason
		t.FailureReason = detail
	})
	d.tasks.ReleaseLease(id)
	if err != nil {
		d.logger.Error("failed to mark task failed", "task_id", id, "error", err)
		return
	}
	if _, jerr := d.journal.Append("daemon", "task_failed", failed); jerr != nil {
		d.logger.Error("failed to journal task_failed", "task_id", id, "error", jerr)
	}
	d.fanOut(failed, task.Notification{TaskID: id, Status: task.StatusFailed, Summary: detail, Timestamp: d.clk.Now()})
}

// timeOutTask transitions id to TimedOut, spec.md §8's lease-timeout
// scenario.
func (d *Daemon) timeOutTask(id string) {
	timedOut, err := d.tasks.Transition(id, task.TimedOut, func(t *task.Task) {
		t.TimeCompleted = d.clk.Now()
		t.HasExit = true
		t.ExitReason = task.ExitReasonTimeout
	})
	d.tasks.ReleaseLease(id)
	if err != nil {
		d.logger.Error("failed to mark task timed out", "task_id", id, "error", err)
		return
	}
	if _, jerr := d.journal.Append("daemon", "task_timed_out", timedOut); jerr != nil {
		d.logger.Error("failed to journal task_timed_out", "task_id", id, "error", jerr)
	}
	d.fanOut(timedOut, task.Notification{TaskID: id, Status: task.StatusFailed, Summary: "lease timed out", Timestamp: d.clk.Now()})
}

// expireLease is the poll-dispatch lease timer's callback: if the task
// is still not terminal, it times out just like a driver-supervised
// task would.
func (d *Daemon) expireLease(id string) {
	if t, ok := d.tasks.Get(id); ok && t.State.Terminal() {
		return
	}
	d.timeOutTask(id)
}

func (d *Daemon) sessionLevel(sessionID string) policy.Level {
	d.sessionsMu.Lock()
	defer d.sessionsMu.Unlock()
	if s, ok := d.sessions[sessionID]; ok {
		return s.DefaultLevel
	}
	return policy.Moderate
}

func (d *Daemon) setLeaseCancel(id string, cancel context.CancelFunc) {
	d.leaseMu.Lock()
	d.leaseCancel[id] = cancel
	d.leaseMu.Unlock()
}

func (d *Daemon) clearLeaseCancel(id string) {
	d.leaseMu.Lock()
	delete(d.leaseCancel, id)
	d.leaseMu.Unlock()
}

func (d *Daemon) setLeaseTimer(id string, timer *clock.Timer) {
	d.leaseMu.Lock()
	d.leaseTimers[id] = timer
	d.leaseMu.Unlock()
}

func (d *Daemon) stopLeaseTimer(id string) {
	d.leaseMu.Lock()
	timer, ok := d.leaseTimers[id]
	delete(d.leaseTimers, id)
	d.leaseMu.Unlock()
	if ok {
		timer.Stop()
	}
}

// pollQueue returns the channel poll_tasks callers serving identifier
// read from, creating it on first use.
func (d *Daemon) pollQueue(identifier string) chan task.Task {
	d.pollMu.Lock()
	defer d.pollMu.Unlock()
	q, ok := d.pollQueues[identifier]
	if !ok {
		q = make(chan task.Task, 16)
		d.pollQueues[identifier] = q
	}
	return q
}

func (d *Daemon) enqueuePoll(identifier string, t task.Task) {
	d.pollQueue(identifier) <- t
}

// pollDefinitionFor finds the first registered poll-dispatch worker
// definition named by one of session's declared capabilities.
func (d *Daemon) pollDefinitionFor(session *transport.Session) (worker.Definition, bool) {
	for _, capability := range session.Capabilities {
		if def, ok := d.workers[capability]; ok && def.PollDispatch {
			return def, true
		}
	}
	return worker.Definition{}, false
}

// handlePollTasks blocks until a task is assigned to one of session's
// declared worker identifiers, the wait elapses, or ctx is cancelled.
func (d *Daemon) handlePollTasks(ctx context.Context, session *transport.Session, payload []byte) (any, error) {
	if !session.WorkerMode {
		return nil, errValidation("poll_tasks requires a worker_mode registration", "")
	}

	var req pollTasksRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, errInvalidDiff(err.Error())
	}

	def, ok := d.pollDefinitionFor(session)
	if !ok {
		return nil, errWorkerUnknown("")
	}

	wait := time.Duration(req.WaitSeconds) * time.Second
	if wait <= 0 {
		wait = 20 * time.Second
	}

	select {
	case t := <-d.pollQueue(def.Identifier):
		resp := taskToResponse(t)
		return pollTasksResponse{OK: true, Result: "assigned", Task: &resp}, nil
	case <-ctx.Done():
		return pollTasksResponse{OK: true, Result: "cancelled"}, nil
	case <-d.clk.After(wait):
		return pollTasksResponse{OK: true, Result: "idle"}, nil
	}
}
