// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy decides whether an operation may proceed given its
// descriptor and the caller's approval level.
//
// [Evaluate] is a pure function: equal inputs yield equal outputs
// across invocations, and a downgrade never produces a level above the
// caller's. Neither Evaluate nor its callers rely on side effects —
// tests depend on that purity, so Evaluate touches neither the clock,
// the filesystem, nor the network. The only I/O in this package is
// [LoadProtectedPathSet] reading its YAML file once at startup.
//
// [ProtectedPathSet] is the one piece of mutable-at-startup state this
// package owns: the declared set of protected path prefixes and glob
// patterns, loaded once from YAML and immutable for the life of the
// process. Callers intersect an operation's target paths against it
// before constructing the [Operation] descriptor that Evaluate
// consumes.
package policy
