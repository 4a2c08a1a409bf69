// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"time"

	"github.com/devit-dev/devitd/lib/task"
	"github.com/devit-dev/devitd/lib/worker"
)

// reapInterval is how often the zombie-reaping sweep runs, independent
// of any single task's lease timer.
const reapInterval = 30 * time.Second

// Run starts the daemon's background lifecycle loops: the idle
// auto-shutdown timer and the zombie-reaping sweep. It blocks until
// Close is called or the idle timer fires on its own, at which point
// ShutdownRequested is closed so cmd/devitd's startup goroutine can
// begin an orderly exit.
func (d *Daemon) Run() {
	idleTicker := d.clk.NewTicker(5 * time.Second)
	defer idleTicker.Stop()
	reapTicker := d.clk.NewTicker(reapInterval)
	defer reapTicker.Stop()

	for {
		select {
		case <-d.shutdownCh:
			return
		case <-idleTicker.C:
			if d.idleShutdown > 0 && d.idle() {
				d.drainForShutdown()
				d.shutdownOnce.Do(func() { close(d.shutdownCh) })
				return
			}
		case <-reapTicker.C:
			d.reapZombies()
		}
	}
}

// idle reports whether the daemon has had zero active connections for
// at least idleShutdown, per spec.md §5's idle auto-shutdown rule.
func (d *Daemon) idle() bool {
	d.activityMu.Lock()
	defer d.activityMu.Unlock()
	if d.activeConns > 0 {
		return false
	}
	return d.clk.Now().Sub(d.lastActivity) >= d.idleShutdown
}

// drainForShutdown transitions every non-terminal task to Cancelled
// with reason daemon_shutdown and flushes its journal record, per
// spec.md §5's "outstanding tasks are transitioned to cancelled...
// before exit" rule.
func (d *Daemon) drainForShutdown() {
	for _, t := range d.tasks.List() {
		if t.State.Terminal() {
			continue
		}
		d.stopLeaseTimer(t.ID)
		if cancel, ok := d.leaseCancelFunc(t.ID); ok {
			cancel()
		}
		cancelled, err := d.tasks.Transition(t.ID, task.Cancelled, func(tk *task.Task) {
			tk.TimeCompleted = d.clk.Now()
			tk.HasExit = true
			tk.ExitReason = task.ExitReasonDaemonShutdown
			tk.FailureReason = "daemon is shutting down"
		})
		d.tasks.ReleaseLease(t.ID)
		if err != nil {
			d.logger.Error("failed to cancel task for shutdown", "task_id", t.ID, "error", err)
			continue
		}
		if _, jerr := d.journal.Append("daemon", "task_cancelled", cancelled); jerr != nil {
			d.logger.Error("failed to journal task_cancelled", "task_id", t.ID, "error", jerr)
		}
	}
}

func (d *Daemon) leaseCancelFunc(id string) (func(), bool) {
	d.leaseMu.Lock()
	defer d.leaseMu.Unlock()
	cancel, ok := d.leaseCancel[id]
	if !ok {
		return nil, false
	}
	return func() { cancel() }, true
}

// reapZombies sweeps activeHandles for any handle whose owning task
// has already reached a terminal state without the handle itself
// being cleared — a worker that double-forks and outlives its parent,
// or a lease abandoned mid-shutdown before its own cleanup ran. This
// is deliberately a second, independent check from the per-task lease
// timer: the lease timer only fires once per task, and only from
// inside the goroutine that started the driver, so it cannot catch a
// handle that goroutine never got to clean up.
func (d *Daemon) reapZombies() {
	d.leaseMu.Lock()
	ids := make([]string, 0, len(d.activeHandles))
	for id := range d.activeHandles {
		ids = append(ids, id)
	}
	d.leaseMu.Unlock()

	for _, id := range ids {
		t, ok := d.tasks.Get(id)
		if ok && !t.State.Terminal() {
			continue
		}
		d.leaseMu.Lock()
		handle, ok := d.activeHandles[id]
		delete(d.activeHandles, id)
		d.leaseMu.Unlock()
		if ok {
			handle.Cancel(5 * time.Second)
			d.logger.Debug("reaped zombie worker process", "task_id", id)
		}
	}
}

func (d *Daemon) trackHandle(id string, handle worker.Handle) {
	d.leaseMu.Lock()
	d.activeHandles[id] = handle
	d.leaseMu.Unlock()
}

func (d *Daemon) untrackHandle(id string) {
	d.leaseMu.Lock()
	delete(d.activeHandles, id)
	d.leaseMu.Unlock()
}

// ShutdownRequested reports a channel that closes when the daemon has
// decided, on its own, to stop — currently only the idle auto-shutdown
// timer does this. cmd/devitd selects on it alongside OS signals.
func (d *Daemon) ShutdownRequested() <-chan struct{} {
	return d.shutdownCh
}
