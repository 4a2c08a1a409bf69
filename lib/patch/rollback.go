// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package patch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/devit-dev/devitd/lib/pathsandbox"
)

// RollbackEntry undoes one file's change: restore PreImage, or (if
// Tombstone) remove a file that Apply created.
type RollbackEntry struct {
	Path      string
	PreImage  []byte
	Tombstone bool
}

// Rollback is the payload Apply returns and Engine.Rollback consumes.
// It is opaque to everything except this package: callers persist it
// (e.g. as a journal record's payload) and hand it back unmodified.
type Rollback struct {
	Entries []RollbackEntry
}

// Rollback undoes a previously applied patch by restoring every
// entry's pre-image, or removing the file if it did not exist before
// the patch (Tombstone). Entries are processed in reverse of the
// order Apply committed them in, matching the recorded commit order.
func (e *Engine) Rollback(payload Rollback) error {
	for i := len(payload.Entries) - 1; i >= 0; i-- {
		entry := payload.Entries[i]

		resolved, err := e.root.Resolve(entry.Path, pathsandbox.ResolveOptions{})
		if err != nil {
			return fmt.Errorf("patch: rollback: %s: %w", entry.Path, err)
		}

		if entry.Tombstone {
			if err := os.Remove(resolved); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("patch: rollback: removing %s: %w", entry.Path, err)
			}
			continue
		}

		if err := writeRestored(resolved, entry.PreImage); err != nil {
			return fmt.Errorf("patch: rollback: restoring %s: %w", entry.Path, err)
		}
	}
	return nil
}

// writeRestored writes data back to path via the same
// stage-then-rename sequence Apply uses, so a rollback is as atomic
// as the change it undoes.
func writeRestored(path string, data []byte) error {
	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, ".patch-rollback-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		os.Remove(tempFile.Name())
		return err
	}
	if err := preserveMode(path, tempFile); err != nil {
		tempFile.Close()
		os.Remove(tempFile.Name())
		return err
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempFile.Name())
		return err
	}
	return os.Rename(tempFile.Name(), path)
}
