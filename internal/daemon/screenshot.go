// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/devit-dev/devitd/lib/pathsandbox"
)

// captureScreenshot runs the configured screenshot helper and returns
// the path of the image it wrote, relative to and contained in
// screenshotRoot the same way every other filesystem-touching
// operation is. devitd never captures a screenshot itself — the
// helper is an external program (platform-specific: grim, scrot,
// screencapture) the operator configures, matching the "thin wrapper
// around an OS tool" shape the rest of the external interfaces use.
func (d *Daemon) captureScreenshot(ctx context.Context) (string, error) {
	if d.screenshotHelper == "" {
		return "", fmt.Errorf("daemon: no screenshot helper is configured")
	}

	relativePath := uuid.New().String() + ".png"
	resolved, err := d.screenshotRoot.Resolve(relativePath, pathsandbox.ResolveOptions{})
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, d.screenshotHelper, resolved)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("daemon: running screenshot helper: %w", err)
	}

	return relativePath, nil
}
