// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker implements the two worker-driver kinds the task
// orchestrator dispatches to: a subprocess-cli driver that spawns a
// worker binary and parses its stdout, and a child-protocol driver
// that speaks a small stdio-framed handshake to a long-lived child
// process.
//
// Both drivers implement [Driver], modeled on the agentdriver package's
// Driver/Process split: Start returns a [Handle] the orchestrator waits
// on and can signal, decoupling process supervision from the specific
// runtime being supervised.
//
// The subprocess-cli driver spawns through the adapted sandbox package
// (see [NewSandboxSpawner]) so a worker binary cannot read or write
// outside its worktree even if a policy check upstream has a gap.
//
// The child-protocol driver frames messages as [Message], a CBOR
// value carrying the same {type, message id, payload} shape as
// [envelope.Envelope], for wire-format uniformity across the daemon's
// external and worker-facing surfaces. It deliberately does not carry
// a nonce or an authentication tag: the child is a local subprocess
// devitd itself spawned over an unshared pipe, not a network peer, so
// envelope.Seal/Verify's replay and tamper defenses have no attacker
// model to defend against here — only the wire shape is reused, not
// the authentication.
package worker
