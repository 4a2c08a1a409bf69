// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

// Package patch parses unified diffs and applies them to a
// pathsandbox-validated workspace atomically, producing a rollback
// payload the caller can persist and later replay through Rollback.
//
// The pipeline is [ParseDiff] (bytes to a [Diff]), then
// [Engine.Preview] (dry run: builds a [Plan] and checks every hunk's
// pre-image without writing anything) or [Engine.Apply] (stages new
// file contents beside their targets, then renames them into place
// and returns a [Rollback] payload).
//
// There is no unified-diff parsing/application library in the
// example corpus: the nearest candidate, sergi/go-diff (pulled in
// transitively through steveyegge-beads's stretchr/testify closure),
// computes a Myers diff between two strings — it does not parse or
// apply a unified diff text someone else produced, which is the
// entire job this package does. The parser and hunk matcher below are
// hand-written against the standard library, the one other place
// (besides lib/pathsandbox) SPEC_FULL.md accepts that.
package patch
