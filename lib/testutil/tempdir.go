// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for devitd packages.
package testutil

import (
	"os"
	"testing"
)

// SocketDir creates a temporary directory suitable for Unix domain sockets.
//
// Unix domain sockets have a 108-byte path limit (sun_path in sockaddr_un).
// t.TempDir() can exceed this limit under deeply nested test working
// directories, making it unsuitable for socket files. This function
// creates a short-named directory directly in /tmp instead.
//
// The directory is automatically removed when the test completes.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "devitd-test-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}
