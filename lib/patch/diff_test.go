// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package patch

import (
	"strings"
	"testing"
)

const simpleDiff = `--- a/greeting.txt
+++ b/greeting.txt
@@ -1,3 +1,3 @@
 hello
-world
+there
 friend
`

func TestParseDiff_SimpleModify(t *testing.T) {
	diff, err := ParseDiff([]byte(simpleDiff))
	if err != nil {
		t.Fatalf("ParseDiff failed: %v", err)
	}
	if len(diff.Files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(diff.Files))
	}
	file := diff.Files[0]
	if file.Path != "greeting.txt" {
		t.Fatalf("expected path %q, got %q", "greeting.txt", file.Path)
	}
	if file.Action != ActionModify {
		t.Fatalf("expected ActionModify, got %v", file.Action)
	}
	if len(file.Hunks) != 1 {
		t.Fatalf("expected 1 hunk, got %d", len(file.Hunks))
	}
	hunk := file.Hunks[0]
	if hunk.OldStart != 1 || hunk.OldLines != 3 || hunk.NewStart != 1 || hunk.NewLines != 3 {
		t.Fatalf("unexpected hunk header: %+v", hunk)
	}
	if len(hunk.Lines) != 4 {
		t.Fatalf("expected 4 body lines, got %d", len(hunk.Lines))
	}
}

const gitStyleDiff = `diff --git a/note.txt b/note.txt
index 1234567..89abcde 100644
--- a/note.txt
+++ b/note.txt
@@ -1 +1 @@
-old line
+new line
`

func TestParseDiff_GitHeaderIsSkipped(t *testing.T) {
	diff, err := ParseDiff([]byte(gitStyleDiff))
	if err != nil {
		t.Fatalf("ParseDiff failed: %v", err)
	}
	if len(diff.Files) != 1 || diff.Files[0].Path != "note.txt" {
		t.Fatalf("unexpected parse result: %+v", diff)
	}
}

const createDiff = `--- /dev/null
+++ b/new.txt
@@ -0,0 +1,2 @@
+line one
+line two
`

func TestParseDiff_CreateFile(t *testing.T) {
	diff, err := ParseDiff([]byte(createDiff))
	if err != nil {
		t.Fatalf("ParseDiff failed: %v", err)
	}
	if diff.Files[0].Action != ActionCreate {
		t.Fatalf("expected ActionCreate, got %v", diff.Files[0].Action)
	}
	if diff.Files[0].Path != "new.txt" {
		t.Fatalf("expected path %q, got %q", "new.txt", diff.Files[0].Path)
	}
}

const deleteDiff = `--- a/old.txt
+++ /dev/null
@@ -1,2 +0,0 @@
-line one
-line two
`

func TestParseDiff_DeleteFile(t *testing.T) {
	diff, err := ParseDiff([]byte(deleteDiff))
	if err != nil {
		t.Fatalf("ParseDiff failed: %v", err)
	}
	if diff.Files[0].Action != ActionDelete {
		t.Fatalf("expected ActionDelete, got %v", diff.Files[0].Action)
	}
}

func TestParseDiff_RejectsContextDiff(t *testing.T) {
	contextDiff := "*** old.txt\n--- new.txt\n***************\n"
	if _, err := ParseDiff([]byte(contextDiff)); err == nil {
		t.Fatal("expected ParseDiff to reject a context diff")
	}
}

func TestParseDiff_RejectsBinaryDiff(t *testing.T) {
	binaryDiff := "diff --git a/img.png b/img.png\nBinary files a/img.png and b/img.png differ\n"
	if _, err := ParseDiff([]byte(binaryDiff)); err == nil {
		t.Fatal("expected ParseDiff to reject a binary diff")
	}
}

func TestParseDiff_RejectsOversizeDiff(t *testing.T) {
	oversized := strings.Repeat("a", MaxDiffSize+1)
	if _, err := ParseDiff([]byte(oversized)); err == nil {
		t.Fatal("expected ParseDiff to reject a diff over MaxDiffSize")
	}
}

func TestParseDiff_RejectsMissingPlusPlusHeader(t *testing.T) {
	malformed := "--- a/file.txt\n@@ -1 +1 @@\n-old\n+new\n"
	if _, err := ParseDiff([]byte(malformed)); err == nil {
		t.Fatal("expected ParseDiff to reject a --- header with no +++ header")
	}
}

func TestParseDiff_RejectsHunkWithWrongLineCounts(t *testing.T) {
	malformed := "--- a/file.txt\n+++ b/file.txt\n@@ -1,2 +1,2 @@\n context\n"
	if _, err := ParseDiff([]byte(malformed)); err == nil {
		t.Fatal("expected ParseDiff to reject a hunk whose body doesn't match its header counts")
	}
}

func TestParseDiff_NoNewlineMarkerAppliesToPrecedingLine(t *testing.T) {
	diffText := "--- a/file.txt\n+++ b/file.txt\n@@ -1 +1 @@\n-old\n+new\n\\ No newline at end of file\n"
	diff, err := ParseDiff([]byte(diffText))
	if err != nil {
		t.Fatalf("ParseDiff failed: %v", err)
	}
	lines := diff.Files[0].Hunks[0].Lines
	last := lines[len(lines)-1]
	if !last.NoNewline {
		t.Fatal("expected the last body line to be marked NoNewline")
	}
}

func TestParseDiff_MultipleFiles(t *testing.T) {
	combined := simpleDiff + createDiff
	diff, err := ParseDiff([]byte(combined))
	if err != nil {
		t.Fatalf("ParseDiff failed: %v", err)
	}
	if len(diff.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(diff.Files))
	}
}
