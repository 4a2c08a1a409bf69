// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

// Package approval implements the out-of-band approval broker: when
// the policy engine returns NeedApproval, [Broker.Submit] registers
// the pending operation under a fresh id, renders a human-readable
// preview, and [Broker.Await] blocks until a verdict arrives via
// [Broker.Resolve] or the configured timeout elapses (which counts as
// denial).
//
// The broker is a single-shot-channel-per-id registry, the same
// pattern lib/command/future.go uses for Matrix command replies
// (there keyed by request id, here by approval id) applied to a
// different kind of asynchronous reply.
//
// [AssessRisk] attaches a coarse, presentation-only risk hint to a
// request; it never feeds back into the policy engine's decision.
package approval
