// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for devitd packages.
//
// [SocketDir] creates a temporary directory in /tmp suitable for Unix
// domain sockets. This exists because Unix domain sockets have a
// 108-byte path limit (sun_path in sockaddr_un), and t.TempDir() can
// exceed that limit under a deeply nested working directory. The
// directory is automatically removed when the test completes.
//
// This package has no devitd-internal dependencies.
package testutil
