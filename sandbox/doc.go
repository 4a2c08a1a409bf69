// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox creates isolated execution environments for delegated-task
// worker subprocesses using bubblewrap (bwrap) Linux namespaces.
//
// The central type is [Sandbox], which assembles a bwrap command from a
// [Profile] and executes it. devitd carries exactly one profile
// ([DefaultProfile]) — there is no per-agent profile catalog to select from;
// an operator may adjust it with a [ProfileOverride] loaded from the
// daemon's own config file. All string values in the profile undergo
// variable expansion ([Variables].ExpandProfile) before use.
//
// Filesystem isolation is the primary security boundary. Every mount is
// declared explicitly in the profile; there is no implicit host filesystem
// visibility. Mount types include bind (read-only or read-write), tmpfs,
// proc, dev, dev-bind, and overlay. Overlay mounts use fuse-overlayfs
// ([OverlayManager]) to provide copy-on-write access to host directories
// with writes captured in either a tmpfs or a worktree-contained upper
// layer. The upper layer path is validated ([ValidateOverlayUpper]) with
// symlink resolution to prevent writes from escaping the worktree.
//
// Resource limits are enforced via systemd transient scopes ([SystemdScope]),
// setting cgroup v2 properties for task count, memory, CPU quota, and CPU
// weight. The scope wraps the bwrap command, so limits apply to the entire
// sandbox process tree.
//
// [BwrapBuilder] translates a Profile into bwrap command-line arguments.
// [Validator] performs pre-flight checks (bwrap availability, user namespace
// support, worktree existence, proxy socket presence, mount source
// validity). [Capabilities] probes the host for available features.
// [EscapeTestRunner] verifies sandbox containment by running a battery of
// escape attempts (network, filesystem, process, privilege, terminal) and
// confirming they all fail.
//
// The sandbox intentionally does not manage the process running inside it.
// It creates the namespace and mounts, then exec's the command. Process
// lifecycle (output capture, exit-code interpretation, cancellation) is the
// task orchestrator's responsibility, in package worker.
package sandbox
