// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

// Package task implements the delegated-task registry: an
// arena-plus-identifier model where every [Task] lives in a
// [Registry] keyed by its id, and every other structure — a
// [Notification], a session's list of tasks it started — carries that
// id rather than a pointer or an embedded copy. This mirrors
// lib/pipeline and lib/ticketindex's registry-not-graph style, applied
// here to the cyclic task/notification/session relationship spec.md
// §9 calls out by name.
//
// State transitions are validated centrally in [ValidTransition] so
// every caller (the orchestrator, a worker driver, the lease timer)
// enforces the same state machine; [Registry.Transition] is the only
// way a Task's State field changes after creation.
package task
