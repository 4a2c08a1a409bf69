// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

// Package daemon implements devitd's dispatch core: the [Daemon] type
// satisfies transport.Dispatcher and owns every subsystem a request
// might touch — envelope verification, policy evaluation, the
// approval broker, the task registry and worker drivers, the patch
// engine, and the journal. Nothing outside this package routes a
// "method" string to behavior; transport only frames and authenticates
// bytes.
package daemon
