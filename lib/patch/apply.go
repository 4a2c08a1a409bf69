// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package patch

import (
	"fmt"
	"strings"

	"github.com/devit-dev/devitd/lib/failure"
)

// MismatchError is the structured error spec §4.5 requires when a
// hunk's pre-image does not match the current file content: no file
// has been written by the time this is returned.
type MismatchError struct {
	File            string
	HunkIndex       int
	ExpectedContext string
	FoundContext    string
	LineRangeStart  int
	LineRangeEnd    int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf(
		"patch: %s: hunk %d does not match at lines %d-%d: expected %q, found %q",
		e.File, e.HunkIndex, e.LineRangeStart, e.LineRangeEnd, e.ExpectedContext, e.FoundContext)
}

// Class reports that a pre-image mismatch is a state failure: the
// caller's diff is stale relative to the current workspace, not
// malformed, and may succeed after re-reading the file and
// regenerating the diff.
func (e *MismatchError) Class() failure.Class { return failure.State }

// lineEnding names the dominant line terminator of a file, preserved
// on write per spec's "preserve the file's dominant line ending"
// requirement.
type lineEnding string

const (
	endingLF   lineEnding = "\n"
	endingCRLF lineEnding = "\r\n"
)

// detectLineEnding reports the dominant line ending in data. An empty
// or newly-created file defaults to LF.
func detectLineEnding(data []byte) lineEnding {
	text := string(data)
	crlf := strings.Count(text, "\r\n")
	lfOnly := strings.Count(text, "\n") - crlf
	if crlf > lfOnly {
		return endingCRLF
	}
	return endingLF
}

// applyResult is the outcome of applying every hunk in a FileDiff to
// a file's original content.
type applyResult struct {
	lines          []string
	finalNoNewline bool
}

// applyHunks applies fileDiff's hunks, in order, to original (split
// into lines with terminators stripped), verifying each hunk's
// context and removed lines match exactly before touching anything.
// It returns a *MismatchError, wrapped in nothing further, on the
// first mismatch.
func applyHunks(path string, original []string, hunks []Hunk) (applyResult, error) {
	var result []string
	cursor := 0

	for hunkIndex, hunk := range hunks {
		target := hunk.OldStart - 1
		if hunk.OldStart == 0 {
			target = 0
		}
		if target < cursor || target > len(original) {
			return applyResult{}, fmt.Errorf("patch: %s: hunk %d targets line %d, out of order or out of range", path, hunkIndex, hunk.OldStart)
		}

		result = append(result, original[cursor:target]...)
		cursor = target

		for _, line := range hunk.Lines {
			switch line.Kind {
			case LineContext:
				if cursor >= len(original) || original[cursor] != line.Text {
					return applyResult{}, mismatchError(path, hunkIndex, line.Text, original, cursor)
				}
				result = append(result, line.Text)
				cursor++
			case LineRemove:
				if cursor >= len(original) || original[cursor] != line.Text {
					return applyResult{}, mismatchError(path, hunkIndex, line.Text, original, cursor)
				}
				cursor++
			case LineAdd:
				result = append(result, line.Text)
			}
		}
	}

	result = append(result, original[cursor:]...)

	noNewline := false
	if last := hunks[len(hunks)-1]; len(last.Lines) > 0 {
		noNewline = last.Lines[len(last.Lines)-1].NoNewline
	}

	return applyResult{lines: result, finalNoNewline: noNewline}, nil
}

func mismatchError(path string, hunkIndex int, expected string, original []string, at int) *MismatchError {
	found := "<end of file>"
	if at < len(original) {
		found = original[at]
	}
	return &MismatchError{
		File:            path,
		HunkIndex:       hunkIndex,
		ExpectedContext: expected,
		FoundContext:    found,
		LineRangeStart:  at + 1,
		LineRangeEnd:    at + 1,
	}
}

// render joins lines with ending, honoring finalNoNewline for the
// last line.
func render(lines []string, ending lineEnding, finalNoNewline bool) []byte {
	if len(lines) == 0 {
		return nil
	}
	joined := strings.Join(lines, string(ending))
	if !finalNoNewline {
		joined += string(ending)
	}
	return []byte(joined)
}
