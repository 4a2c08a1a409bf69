// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/devit-dev/devitd/lib/approval"
	"github.com/devit-dev/devitd/lib/codec"
	"github.com/devit-dev/devitd/lib/envelope"
	"github.com/devit-dev/devitd/lib/task"
	"github.com/devit-dev/devitd/transport"
	"github.com/google/uuid"
)

// handleNotify accepts either of two inbound shapes the wire protocol
// overloads onto NOTIFY: a worker-reported task status change (or an
// acknowledgement of one), and the designated approver's verdict on a
// pending approval, per spec.md §4.6's `{approval_id, verdict, reason}`
// message. It never handles a notification the daemon generated for
// its own driver-supervised tasks — those go through fanOut directly
// from run.go.
func (d *Daemon) handleNotify(payload []byte) (any, error) {
	var req notifyRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, errInvalidDiff(err.Error())
	}

	if req.ApprovalID != "" {
		return d.handleApprovalVerdict(req)
	}
	if req.TaskID == "" {
		return nil, errValidation("task_id or approval_id is required", "")
	}

	status := task.NotificationStatus(req.Status)
	if status == task.StatusAck {
		d.releaseAck(req.TaskID)
		return okResponse{OK: true}, nil
	}

	current, ok := d.tasks.Get(req.TaskID)
	if !ok {
		return nil, errTaskNotFound(req.TaskID)
	}

	now := d.clk.Now()
	target, changesState := statusToState(status)
	updated := current
	terminal := false
	if changesState && target != current.State {
		mutated, err := d.tasks.Transition(req.TaskID, target, func(t *task.Task) {
			applyNotificationFields(t, req, target, now)
		})
		if err != nil {
			return nil, errValidation(err.Error(), "")
		}
		updated = mutated
		terminal = target.Terminal()
		if terminal {
			d.stopLeaseTimer(req.TaskID)
			d.tasks.ReleaseLease(req.TaskID)
		}
	} else {
		mutated, err := d.tasks.Mutate(req.TaskID, func(t *task.Task) {
			applyNotificationFields(t, req, current.State, now)
		})
		if err != nil {
			return nil, errValidation(err.Error(), "")
		}
		updated = mutated
	}

	if terminal {
		if _, err := d.journal.Append("worker", "task_"+string(status), updated); err != nil {
			d.logger.Error("failed to journal worker notification", "task_id", req.TaskID, "error", err)
		}
	}

	d.fanOut(updated, task.Notification{
		TaskID: req.TaskID, Status: status, Summary: req.Summary, Details: req.Details, Evidence: req.Evidence, Timestamp: d.clk.Now(),
	})
	return okResponse{OK: true}, nil
}

// handleApprovalVerdict delivers an approver's verdict into the
// broker. The broker itself resumes whichever handler is blocked in
// Await — either authorizeTask's background goroutine for a delegated
// task, or authorize's synchronous patch_apply call — so this handler
// has nothing further to do once Resolve succeeds.
func (d *Daemon) handleApprovalVerdict(req notifyRequest) (any, error) {
	verdict := approval.Verdict(req.Verdict)
	if verdict != approval.VerdictApproved && verdict != approval.VerdictDenied {
		return nil, errValidation("verdict must be approved or denied", req.Verdict)
	}
	if err := d.approvalBroker.Resolve(req.ApprovalID, verdict, req.Reason); err != nil {
		return nil, errValidation(err.Error(), req.ApprovalID)
	}
	if _, jerr := d.journal.Append("approver", "approval_resolved", req); jerr != nil {
		d.logger.Error("failed to journal approval_resolved", "approval_id", req.ApprovalID, "error", jerr)
	}
	return okResponse{OK: true}, nil
}

func applyNotificationFields(t *task.Task, req notifyRequest, state task.State, now time.Time) {
	if req.Summary != "" {
		t.Summary = req.Summary
	}
	if req.Details != nil {
		t.Details = req.Details
	}
	if req.Evidence != nil {
		t.Evidence = req.Evidence
	}
	if state.Terminal() {
		t.TimeCompleted = now
		t.HasExit = true
		if t.ExitReason == "" {
			t.ExitReason = exitReasonForStatus(state)
		}
	}
}

func exitReasonForStatus(state task.State) task.ExitReason {
	switch state {
	case task.Completed:
		return task.ExitReasonSuccess
	case task.Cancelled:
		return task.ExitReasonCancelled
	default:
		return task.ExitReasonWorkerError
	}
}

// statusToState maps an incoming notification's status to the task
// state it should drive the registry to, if any. Pending and Progress
// notifications annotate a task without attempting a transition —
// Pending is this daemon's own "awaiting approval" announcement, never
// a worker-originated status, and Progress is explicitly a non-state-
// changing update per spec.md §6.
func statusToState(status task.NotificationStatus) (task.State, bool) {
	switch status {
	case task.StatusInProgress:
		return task.InProgress, true
	case task.StatusCompleted:
		return task.Completed, true
	case task.StatusFailed:
		return task.Failed, true
	case task.StatusCancelled:
		return task.Cancelled, true
	default:
		return 0, false
	}
}

// fanOut delivers n to every consumer spec.md §4.7 names: the
// originating session's live connection (if any), the configured
// notification hook (run off the background pool, bounded by
// ackTimeout), and the journal — except an ack, which spec.md §4.7
// says changes no task state and is never itself journaled.
func (d *Daemon) fanOut(t task.Task, n task.Notification) {
	if !n.IsAck() {
		if _, err := d.journal.Append("daemon", "task_notification", n); err != nil {
			d.logger.Error("failed to journal notification", "task_id", n.TaskID, "error", err)
		}
	}

	d.sessionsMu.Lock()
	session, ok := d.sessions[t.OriginSessionID]
	d.sessionsMu.Unlock()
	if ok && session.Notify != nil {
		env, err := envelope.Seal(d.envelopeSubkey, d.clk, envelope.TypeNotify, uuid.New().String(), notifyRequest{
			TaskID: n.TaskID, Status: string(n.Status), Summary: n.Summary, Details: n.Details, Evidence: n.Evidence,
		})
		if err != nil {
			d.logger.Error("failed to seal notification envelope", "task_id", n.TaskID, "error", err)
		} else if err := session.Notify(env); err != nil {
			d.logger.Debug("session notify channel did not accept notification", "task_id", n.TaskID, "session_id", t.OriginSessionID, "error", err)
		}
	}

	if d.hook != nil {
		d.pool.Submit(func() {
			if err := d.hook.Invoke(context.Background(), n, d.ackTimeout); err != nil {
				d.logger.Debug("notification hook did not acknowledge", "task_id", n.TaskID, "error", err)
			}
		})
	}
}

// notifyApprover pushes request to whatever connected session
// declared a capability matching request.ApproverTarget, per spec.md
// §4.6's "sends a notification to the configured approver target
// (a session identifier or worker identifier)". A target with no
// matching live session is not an error — spec.md names no dedicated
// "list pending approvals" method, so an approver that is not
// currently connected is expected to learn about the request by
// re-registering and consulting the journal, the same way any other
// client recovers state after a reconnect.
func (d *Daemon) notifyApprover(request approval.Request) {
	d.sessionsMu.Lock()
	var target *transport.Session
	for _, s := range d.sessions {
		if s.ID == request.ApproverTarget || containsString(s.Capabilities, request.ApproverTarget) {
			target = s
			break
		}
	}
	d.sessionsMu.Unlock()
	if target == nil || target.Notify == nil {
		return
	}

	env, err := envelope.Seal(d.envelopeSubkey, d.clk, envelope.TypeNotify, uuid.New().String(), notifyRequest{
		ApprovalID: request.ID, Summary: request.Preview,
	})
	if err != nil {
		d.logger.Error("failed to seal approval-request envelope", "approval_id", request.ID, "error", err)
		return
	}
	if err := target.Notify(env); err != nil {
		d.logger.Debug("approver session did not accept notification", "approval_id", request.ID, "error", err)
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// releaseAck lets a connected client acknowledge a notification over
// the wire instead of through the hook command's own marker file or
// pipe. It writes the same marker path Hook.Invoke's awaitAck is
// watching, so a client ack and a hook-script ack satisfy the identical
// wait with no second code path in Hook itself.
func (d *Daemon) releaseAck(taskID string) {
	if d.hook == nil || d.hook.RunDir == "" {
		return
	}
	markerPath := filepath.Join(d.hook.RunDir, taskID+".ack")
	if err := os.WriteFile(markerPath, nil, 0o600); err != nil {
		d.logger.Debug("failed to write ack marker", "task_id", taskID, "error", err)
	}
}
