// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package patch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/devit-dev/devitd/lib/pathsandbox"
)

// Engine applies unified diffs to a single pathsandbox-validated
// workspace root.
type Engine struct {
	root *pathsandbox.Root
}

// NewEngine returns an Engine that resolves every touched path
// against root.
func NewEngine(root *pathsandbox.Root) *Engine {
	return &Engine{root: root}
}

// fileWork is the per-file result of resolving a target, reading its
// current content, and applying its hunks — computed once and shared
// between Preview (which discards the content) and Apply (which
// stages it).
type fileWork struct {
	diff     FileDiff
	resolved string
	original []byte
	applied  applyResult
}

// verify resolves and applies every file in diff without writing
// anything. It returns a *MismatchError (see apply.go) on the first
// hunk whose pre-image does not match, per spec's "no file has been
// written yet" guarantee.
func (e *Engine) verify(diff Diff) ([]fileWork, error) {
	works := make([]fileWork, 0, len(diff.Files))

	for _, fileDiff := range diff.Files {
		requireExist := fileDiff.Action != ActionCreate

		resolved, err := e.root.Resolve(fileDiff.Path, pathsandbox.ResolveOptions{MustExist: requireExist})
		if err != nil {
			return nil, fmt.Errorf("patch: %s: %w", fileDiff.Path, err)
		}

		var original []byte
		if fileDiff.Action != ActionCreate {
			original, err = os.ReadFile(resolved)
			if err != nil {
				return nil, fmt.Errorf("patch: reading %s: %w", fileDiff.Path, err)
			}
		} else if _, err := os.Stat(resolved); err == nil {
			return nil, fmt.Errorf("patch: %s: file already exists, cannot create", fileDiff.Path)
		}

		applied, err := applyHunks(fileDiff.Path, splitLines(original), fileDiff.Hunks)
		if err != nil {
			return nil, err
		}

		works = append(works, fileWork{diff: fileDiff, resolved: resolved, original: original, applied: applied})
	}

	return works, nil
}

// Preview parses and verifies diff against the current workspace
// without applying anything, returning the summary spec §4.5 step 4
// requires.
func (e *Engine) Preview(diff Diff) (Plan, error) {
	works, err := e.verify(diff)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{Files: make([]FilePlan, 0, len(works))}
	for _, work := range works {
		added, removed := countLines(work.diff.Hunks)
		plan.Files = append(plan.Files, FilePlan{
			Path:         work.diff.Path,
			Action:       work.diff.Action,
			AddedLines:   added,
			RemovedLines: removed,
		})
	}
	return plan, nil
}

// Result is what Apply returns: the plan that was applied, the
// rollback payload that undoes it, and content hashes for the
// journal record spec §4.5 step 7 requires.
type Result struct {
	Plan            Plan
	Rollback        Rollback
	PreImageHashes  map[string][]byte
	PostImageHashes map[string][]byte
}

// Apply verifies, stages, and commits diff. Staging writes each new
// file's content to a temporary file in the target's own directory
// (same filesystem, so the final rename is atomic); commit renames
// every staged file into place in file order, which is also the order
// recorded in Result so a partial failure can be diagnosed and
// reconstructed.
func (e *Engine) Apply(diff Diff) (Result, error) {
	works, err := e.verify(diff)
	if err != nil {
		return Result{}, err
	}

	stagedFiles := make([]stagedFile, 0, len(works))

	// Stage everything before committing anything, so a failure while
	// staging (e.g. disk full) leaves the workspace untouched.
	for _, work := range works {
		if work.diff.Action == ActionDelete {
			continue
		}

		ending := endingLF
		if len(work.original) > 0 {
			ending = detectLineEnding(work.original)
		}
		content := render(work.applied.lines, ending, work.applied.finalNoNewline)

		dir := filepath.Dir(work.resolved)
		if work.diff.Action == ActionCreate {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				e.cleanupStaged(stagedFiles)
				return Result{}, fmt.Errorf("patch: creating parent directory for %s: %w", work.diff.Path, err)
			}
		}

		tempFile, err := os.CreateTemp(dir, ".patch-*.tmp")
		if err != nil {
			e.cleanupStaged(stagedFiles)
			return Result{}, fmt.Errorf("patch: staging %s: %w", work.diff.Path, err)
		}
		if _, err := tempFile.Write(content); err != nil {
			tempFile.Close()
			os.Remove(tempFile.Name())
			e.cleanupStaged(stagedFiles)
			return Result{}, fmt.Errorf("patch: writing staged content for %s: %w", work.diff.Path, err)
		}
		if err := preserveMode(work.resolved, tempFile); err != nil {
			tempFile.Close()
			os.Remove(tempFile.Name())
			e.cleanupStaged(stagedFiles)
			return Result{}, fmt.Errorf("patch: preserving mode for %s: %w", work.diff.Path, err)
		}
		if err := tempFile.Close(); err != nil {
			os.Remove(tempFile.Name())
			e.cleanupStaged(stagedFiles)
			return Result{}, fmt.Errorf("patch: closing staged file for %s: %w", work.diff.Path, err)
		}

		stagedFiles = append(stagedFiles, stagedFile{work: work, tempPath: tempFile.Name()})
	}

	result := Result{
		Plan:            Plan{Files: make([]FilePlan, 0, len(works))},
		Rollback:        Rollback{Entries: make([]RollbackEntry, 0, len(works))},
		PreImageHashes:  make(map[string][]byte, len(works)),
		PostImageHashes: make(map[string][]byte, len(works)),
	}

	for _, work := range works {
		added, removed := countLines(work.diff.Hunks)
		result.Plan.Files = append(result.Plan.Files, FilePlan{
			Path: work.diff.Path, Action: work.diff.Action, AddedLines: added, RemovedLines: removed,
		})

		preHash := blake3.Sum256(work.original)
		result.PreImageHashes[work.diff.Path] = preHash[:]

		result.Rollback.Entries = append(result.Rollback.Entries, RollbackEntry{
			Path:      work.diff.Path,
			PreImage:  work.original,
			Tombstone: work.diff.Action == ActionCreate,
		})
	}

	// Commit: renames first (in file order), then deletes. Ordering is
	// recorded implicitly by the order of works/stagedFiles, which
	// mirrors diff.Files, so a rollback tool replays it in reverse.
	for _, entry := range stagedFiles {
		if err := os.Rename(entry.tempPath, entry.work.resolved); err != nil {
			return result, fmt.Errorf("patch: committing %s: %w", entry.work.diff.Path, err)
		}
		postHash := blake3.Sum256(render(entry.work.applied.lines, detectLineEndingOrDefault(entry.work.original), entry.work.applied.finalNoNewline))
		result.PostImageHashes[entry.work.diff.Path] = postHash[:]
	}

	for _, work := range works {
		if work.diff.Action != ActionDelete {
			continue
		}
		if err := os.Remove(work.resolved); err != nil {
			return result, fmt.Errorf("patch: deleting %s: %w", work.diff.Path, err)
		}
		result.PostImageHashes[work.diff.Path] = nil
	}

	return result, nil
}

// stagedFile pairs a verified fileWork with the temporary file its new
// content was staged into, awaiting commit.
type stagedFile struct {
	work     fileWork
	tempPath string
}

func (e *Engine) cleanupStaged(staged []stagedFile) {
	for _, entry := range staged {
		os.Remove(entry.tempPath)
	}
}

func detectLineEndingOrDefault(original []byte) lineEnding {
	if len(original) == 0 {
		return endingLF
	}
	return detectLineEnding(original)
}

// preserveMode copies the original file's mode bits onto the staged
// temp file, so a rename-into-place does not silently change
// permissions. New files keep the default mode os.CreateTemp chose.
func preserveMode(originalPath string, tempFile *os.File) error {
	info, err := os.Stat(originalPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return tempFile.Chmod(info.Mode().Perm())
}
