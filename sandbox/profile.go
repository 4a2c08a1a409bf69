// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultProfile returns devitd's single hardened sandbox profile: an
// isolated network and PID namespace, a read-write bind of the worktree at
// /workspace, read-only binds of the host toolchain, and a proxy socket for
// any network access the worker needs to make (mediated, never direct).
//
// There is no per-agent profile catalog to choose from — every worker
// subprocess runs under this one profile, optionally adjusted by a
// [ProfileOverride].
func DefaultProfile() *Profile {
	return &Profile{
		Name:        "devitd-worker",
		Description: "Isolated execution environment for a delegated-task worker subprocess",

		Filesystem: []Mount{
			{Source: "${WORKTREE}", Dest: "/workspace", Mode: MountModeRW},
			{Type: MountTypeTmpfs, Dest: "/tmp", Options: "size=512M"},
			{Source: "/usr", Dest: "/usr", Mode: MountModeRO},
			{Source: "/bin", Dest: "/bin", Mode: MountModeRO},
			{Source: "/lib", Dest: "/lib", Mode: MountModeRO},
			{Source: "/lib64", Dest: "/lib64", Mode: MountModeRO, Optional: true},
			{Source: "/etc/resolv.conf", Dest: "/etc/resolv.conf", Mode: MountModeRO, Optional: true},
			{Source: "/etc/ssl", Dest: "/etc/ssl", Mode: MountModeRO, Optional: true},
			{Source: "/etc/ca-certificates", Dest: "/etc/ca-certificates", Mode: MountModeRO, Optional: true},
			{Source: "/etc/passwd", Dest: "/etc/passwd", Mode: MountModeRO},
			{Source: "/etc/group", Dest: "/etc/group", Mode: MountModeRO},
			{Source: "${PROXY_SOCKET}", Dest: "/run/devitd/proxy.sock", Mode: MountModeRW, Optional: true},
		},

		Namespaces: NamespaceConfig{
			PID:    true,
			Net:    true, // unshared: the worker gets no direct network, only the proxy socket above
			IPC:    true,
			UTS:    true,
			Cgroup: false,
		},

		Environment: map[string]string{
			"PATH":               "/workspace/bin:/usr/local/bin:/usr/bin:/bin",
			"HOME":               "/workspace",
			"TERM":               "${TERM}",
			"DEVIT_SANDBOX":      "1",
			"DEVIT_PROXY_SOCKET": "/run/devitd/proxy.sock",
		},

		Resources: ResourceConfig{
			TasksMax:  256,
			MemoryMax: "2G",
			CPUQuota:  "200%",
		},

		Security: SecurityConfig{
			NewSession:    true,
			DieWithParent: true,
			NoNewPrivs:    true,
		},

		CreateDirs: []string{"/tmp", "/run/devitd"},
	}
}

// LoadProfileOverride reads a [ProfileOverride] from a YAML file — the
// `sandbox:` section of the daemon's config file, not a named-profile
// catalog entry. A missing file is not an error; it means no override is
// configured and [DefaultProfile] applies unmodified.
func LoadProfileOverride(path string) (*ProfileOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading sandbox profile override %s: %w", path, err)
	}

	var override ProfileOverride
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parsing sandbox profile override %s: %w", path, err)
	}
	return &override, nil
}
