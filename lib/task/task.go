// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExitReason classifies why a task left its running state, carried in
// notifications and journal records per spec.md §7's "operation
// failures include the worker's exit diagnostics" requirement.
type ExitReason string

const (
	ExitReasonSuccess        ExitReason = "success"
	ExitReasonWorkerError    ExitReason = "worker_error"
	ExitReasonTimeout        ExitReason = "timeout"
	ExitReasonCancelled      ExitReason = "cancelled"
	ExitReasonApprovalDenied ExitReason = "approval_denied"
	ExitReasonDaemonShutdown ExitReason = "daemon_shutdown"
)

// Format is the output shape a caller asked a task's summary to take.
type Format string

const (
	FormatDefault Format = "default"
	FormatCompact Format = "compact"
)

// Metrics carries the optional token/cost counters a worker reported,
// when it reported any.
type Metrics struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// Task is a single delegated unit of work, as spec.md §3 describes it.
// A Task is owned by exactly one [Registry] and must only be mutated
// through [Registry.Transition] and the Registry's other setters, so
// every mutation is serialised behind the Registry's lock.
type Task struct {
	ID                string
	Goal              string
	WorkerIdentifier  string
	RequestedModel    string
	EffectiveModel    string
	WorkingDirectory  string
	Format            Format
	Timeout           time.Duration
	WatchPatterns     []string
	Context           map[string]any

	State      State
	LeaseOwner string

	OriginSessionID string
	ReturnTo        string

	TimeQueued    time.Time
	TimeStarted   time.Time
	TimeCompleted time.Time

	ExitCode   int
	HasExit    bool
	ExitReason ExitReason

	Summary       string
	Details       map[string]any
	Evidence      map[string]any
	Metrics       Metrics
	Truncated     bool
	OriginalSize  int64
	FailureReason string
}

// DurationTotal is TimeCompleted - TimeQueued, or zero if the task
// has not completed.
func (t *Task) DurationTotal() time.Duration {
	if t.TimeCompleted.IsZero() {
		return 0
	}
	return t.TimeCompleted.Sub(t.TimeQueued)
}

// DurationExecution is TimeCompleted - TimeStarted, or zero if the
// task never started or has not completed.
func (t *Task) DurationExecution() time.Duration {
	if t.TimeStarted.IsZero() || t.TimeCompleted.IsZero() {
		return 0
	}
	return t.TimeCompleted.Sub(t.TimeStarted)
}

// Registry is the arena holding every task the orchestrator currently
// knows about. It is safe for concurrent use; the transport layer's
// per-connection goroutines and the lease-timeout goroutine all
// operate on the same Registry.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewRegistry returns an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Create allocates a new Task in the Queued state and inserts it into
// the registry, returning a copy of the stored value.
func (r *Registry) Create(t Task, now time.Time) Task {
	t.ID = uuid.New().String()
	t.State = Queued
	t.TimeQueued = now

	r.mu.Lock()
	stored := t
	r.tasks[t.ID] = &stored
	r.mu.Unlock()

	return t
}

// Get returns a copy of the task with the given id, or false if no
// such task exists.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns a copy of every task currently in the registry, in no
// particular order.
func (r *Registry) List() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, *t)
	}
	return out
}

// Transition moves the task with the given id from its current state
// to to, applying mutate under the registry lock, and rejects the
// call if the edge is not legal per [ValidTransition].
func (r *Registry) Transition(id string, to State, mutate func(*Task)) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task: unknown task %q", id)
	}
	if !ValidTransition(t.State, to) {
		return Task{}, fmt.Errorf("task: illegal transition %s -> %s for task %q", t.State, to, id)
	}

	t.State = to
	if mutate != nil {
		mutate(t)
	}
	return *t, nil
}

// Mutate applies fn to the task under the registry lock without
// attempting a state transition, for annotations that do not cross a
// state-machine edge (a progress update, a detail/evidence merge on an
// already-terminal task). Callers that need a state change must use
// Transition instead.
func (r *Registry) Mutate(id string, fn func(*Task)) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task: unknown task %q", id)
	}
	if fn != nil {
		fn(t)
	}
	return *t, nil
}

// AcquireLease assigns leaseOwner to the task, failing if the task
// already has a different lease holder, whatever its state —
// enforcing spec.md §3's at-most-one-active-lease invariant.
func (r *Registry) AcquireLease(id, leaseOwner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("task: unknown task %q", id)
	}
	if t.LeaseOwner != "" && t.LeaseOwner != leaseOwner {
		return fmt.Errorf("task: %q already leased by %q", id, t.LeaseOwner)
	}
	t.LeaseOwner = leaseOwner
	return nil
}

// ReleaseLease clears the lease holder on the task, if any.
func (r *Registry) ReleaseLease(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok {
		t.LeaseOwner = ""
	}
}

// Remove deletes the task from the registry. Nothing outside this
// package's tests calls it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}
