// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

// Package pathsandbox computes, for any externally supplied path, a
// canonical absolute path that provably lies within a configured
// workspace root, or rejects the path.
//
// [Root.Resolve] walks the path one component at a time, re-checking
// containment after every symlink hop, so a resolution cannot escape
// the root partway through and go unnoticed. It rejects NUL and
// control characters, empty segments, and Windows reserved device
// names, and treats the root as case-insensitive-unsafe (it never
// relies on case alone to keep two paths distinct).
//
// No dependency in this project's corpus resolves and contains a path
// in one pass; this package is built on the standard library
// (os, path/filepath) alone.
package pathsandbox
