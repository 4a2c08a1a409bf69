// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"testing"
	"time"
)

func TestRegistry_CreateAssignsIDAndQueuedState(t *testing.T) {
	registry := NewRegistry()
	now := time.Unix(1000, 0)

	created := registry.Create(Task{Goal: "fix the bug", WorkerIdentifier: "claude-code"}, now)
	if created.ID == "" {
		t.Fatal("Create() did not assign an ID")
	}
	if created.State != Queued {
		t.Errorf("State = %s, want %s", created.State, Queued)
	}
	if !created.TimeQueued.Equal(now) {
		t.Errorf("TimeQueued = %v, want %v", created.TimeQueued, now)
	}

	fetched, ok := registry.Get(created.ID)
	if !ok {
		t.Fatal("Get() did not find the created task")
	}
	if fetched.Goal != "fix the bug" {
		t.Errorf("Goal = %q", fetched.Goal)
	}
}

func TestRegistry_Get_UnknownIDReturnsFalse(t *testing.T) {
	registry := NewRegistry()
	if _, ok := registry.Get("no-such-id"); ok {
		t.Fatal("Get() found a task that was never created")
	}
}

func TestRegistry_Transition_ValidEdgeSucceeds(t *testing.T) {
	registry := NewRegistry()
	created := registry.Create(Task{Goal: "goal"}, time.Unix(0, 0))

	started := time.Unix(10, 0)
	updated, err := registry.Transition(created.ID, InProgress, func(tk *Task) {
		tk.TimeStarted = started
		tk.LeaseOwner = "worker-1"
	})
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if updated.State != InProgress {
		t.Errorf("State = %s, want %s", updated.State, InProgress)
	}
	if updated.LeaseOwner != "worker-1" {
		t.Errorf("LeaseOwner = %q", updated.LeaseOwner)
	}
}

func TestRegistry_Transition_IllegalEdgeErrors(t *testing.T) {
	registry := NewRegistry()
	created := registry.Create(Task{Goal: "goal"}, time.Unix(0, 0))

	if _, err := registry.Transition(created.ID, Completed, nil); err == nil {
		t.Fatal("Transition() from Queued to Completed expected an error, got nil")
	}

	fetched, _ := registry.Get(created.ID)
	if fetched.State != Queued {
		t.Errorf("State after rejected transition = %s, want %s (unchanged)", fetched.State, Queued)
	}
}

func TestRegistry_Transition_UnknownIDErrors(t *testing.T) {
	registry := NewRegistry()
	if _, err := registry.Transition("no-such-id", InProgress, nil); err == nil {
		t.Fatal("Transition() with unknown id expected an error, got nil")
	}
}

func TestRegistry_AcquireLease_SecondClaimByDifferentOwnerFails(t *testing.T) {
	registry := NewRegistry()
	created := registry.Create(Task{Goal: "goal"}, time.Unix(0, 0))

	if err := registry.AcquireLease(created.ID, "worker-1"); err != nil {
		t.Fatalf("first AcquireLease() error = %v", err)
	}
	if err := registry.AcquireLease(created.ID, "worker-2"); err == nil {
		t.Fatal("second AcquireLease() by a different owner expected an error, got nil")
	}
	if err := registry.AcquireLease(created.ID, "worker-1"); err != nil {
		t.Fatalf("re-acquiring by the same owner should succeed, got %v", err)
	}
}

func TestRegistry_ReleaseLease_ClearsOwner(t *testing.T) {
	registry := NewRegistry()
	created := registry.Create(Task{Goal: "goal"}, time.Unix(0, 0))

	if err := registry.AcquireLease(created.ID, "worker-1"); err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	registry.ReleaseLease(created.ID)

	if err := registry.AcquireLease(created.ID, "worker-2"); err != nil {
		t.Fatalf("AcquireLease() after release should succeed, got %v", err)
	}
}

func TestRegistry_List_ReturnsAllTasks(t *testing.T) {
	registry := NewRegistry()
	registry.Create(Task{Goal: "a"}, time.Unix(0, 0))
	registry.Create(Task{Goal: "b"}, time.Unix(0, 0))

	tasks := registry.List()
	if len(tasks) != 2 {
		t.Fatalf("List() returned %d tasks, want 2", len(tasks))
	}
}

func TestRegistry_Remove_DeletesTask(t *testing.T) {
	registry := NewRegistry()
	created := registry.Create(Task{Goal: "goal"}, time.Unix(0, 0))
	registry.Remove(created.ID)

	if _, ok := registry.Get(created.ID); ok {
		t.Fatal("Get() found a task that was removed")
	}
}

func TestTask_DurationTotalAndExecution(t *testing.T) {
	tk := Task{
		TimeQueued:    time.Unix(0, 0),
		TimeStarted:   time.Unix(5, 0),
		TimeCompleted: time.Unix(20, 0),
	}
	if got := tk.DurationTotal(); got != 20*time.Second {
		t.Errorf("DurationTotal() = %v, want 20s", got)
	}
	if got := tk.DurationExecution(); got != 15*time.Second {
		t.Errorf("DurationExecution() = %v, want 15s", got)
	}
}

func TestTask_DurationsAreZeroBeforeCompletion(t *testing.T) {
	tk := Task{TimeQueued: time.Unix(0, 0), TimeStarted: time.Unix(5, 0)}
	if got := tk.DurationTotal(); got != 0 {
		t.Errorf("DurationTotal() before completion = %v, want 0", got)
	}
	if got := tk.DurationExecution(); got != 0 {
		t.Errorf("DurationExecution() before completion = %v, want 0", got)
	}
}
