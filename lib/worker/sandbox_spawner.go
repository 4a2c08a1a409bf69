// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"fmt"

	"github.com/devit-dev/devitd/sandbox"
)

// sandboxSpawner spawns subprocess-cli workers inside devitd's hardened
// OS sandbox (package sandbox), so a worker binary cannot read or write
// outside its worktree even if a policy check has a gap. This is the
// production Spawner; [NewExecSpawner] exists for tests and for hosts
// without bubblewrap.
//
// Environment variables passed to Spawn are not forwarded into the
// sandboxed process — bwrap clears the environment and repopulates it
// from the profile's own Environment map, so a worker never inherits
// devitd's own environment (secrets included).
type sandboxSpawner struct {
	override *sandbox.ProfileOverride
}

// NewSandboxSpawner returns a [Spawner] that wraps every worker
// subprocess in devitd's single hardened sandbox profile, optionally
// narrowed by override (nil for no override).
func NewSandboxSpawner(override *sandbox.ProfileOverride) Spawner {
	return &sandboxSpawner{override: override}
}

func (s *sandboxSpawner) Spawn(ctx context.Context, executable string, args []string, dir string, env []string, stdout, stderr *ringBuffer) (SpawnedProcess, error) {
	profile := sandbox.DefaultProfile().ApplyOverride(s.override)

	box, err := sandbox.New(sandbox.Config{
		Profile:  profile,
		Worktree: dir,
	})
	if err != nil {
		return nil, fmt.Errorf("worker: constructing sandbox: %w", err)
	}

	command := append([]string{executable}, args...)
	cmd, err := box.Command(ctx, command)
	if err != nil {
		return nil, fmt.Errorf("worker: building sandboxed command: %w", err)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}
