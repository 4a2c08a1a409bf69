// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"testing"
)

func TestProfileClone_DeepCopiesCollections(t *testing.T) {
	t.Parallel()

	original := &Profile{
		Name:        "base",
		Filesystem:  []Mount{{Source: "/usr", Dest: "/usr", Mode: "ro"}},
		Environment: map[string]string{"HOME": "/home"},
		CreateDirs:  []string{"/tmp"},
	}

	clone := original.Clone()
	clone.Filesystem[0].Source = "/mutated"
	clone.Environment["HOME"] = "/mutated"
	clone.CreateDirs[0] = "/mutated"

	if original.Filesystem[0].Source != "/usr" {
		t.Error("Clone shared the Filesystem slice with the original")
	}
	if original.Environment["HOME"] != "/home" {
		t.Error("Clone shared the Environment map with the original")
	}
	if original.CreateDirs[0] != "/tmp" {
		t.Error("Clone shared the CreateDirs slice with the original")
	}
}

func TestVariableExpansion(t *testing.T) {
	t.Parallel()

	vars := Variables{
		"WORKTREE":     "/home/user/work",
		"PROXY_SOCKET": "/run/proxy.sock",
	}

	tests := []struct {
		input    string
		expected string
	}{
		{"${WORKTREE}", "/home/user/work"},
		{"${PROXY_SOCKET}", "/run/proxy.sock"},
		{"${WORKTREE}/bin", "/home/user/work/bin"},
		{"no vars here", "no vars here"},
		{"${UNKNOWN}", "${UNKNOWN}"},
		{"${WORKTREE}:${PROXY_SOCKET}", "/home/user/work:/run/proxy.sock"},
	}

	for _, tt := range tests {
		result := vars.Expand(tt.input)
		if result != tt.expected {
			t.Errorf("Expand(%q) = %q, expected %q", tt.input, result, tt.expected)
		}
	}
}

func TestExpandProfile(t *testing.T) {
	t.Parallel()

	vars := Variables{
		"WORKTREE":     "/home/user/work",
		"PROXY_SOCKET": "/run/proxy.sock",
		"TERM":         "xterm",
	}

	profile := &Profile{
		Name: "test",
		Filesystem: []Mount{
			{Source: "${WORKTREE}", Dest: "/workspace", Mode: "rw"},
			{Source: "${PROXY_SOCKET}", Dest: "/run/devitd/proxy.sock", Mode: "rw"},
		},
		Environment: map[string]string{
			"TERM":    "${TERM}",
			"WORKDIR": "${WORKTREE}",
		},
		CreateDirs: []string{"${WORKTREE}/.cache"},
	}

	expanded := vars.ExpandProfile(profile)

	// Check filesystem.
	if expanded.Filesystem[0].Source != "/home/user/work" {
		t.Errorf("expected expanded worktree, got %q", expanded.Filesystem[0].Source)
	}
	if expanded.Filesystem[1].Source != "/run/proxy.sock" {
		t.Errorf("expected expanded proxy socket, got %q", expanded.Filesystem[1].Source)
	}

	// Check environment.
	if expanded.Environment["TERM"] != "xterm" {
		t.Errorf("expected TERM=xterm, got %q", expanded.Environment["TERM"])
	}
	if expanded.Environment["WORKDIR"] != "/home/user/work" {
		t.Errorf("expected WORKDIR=/home/user/work, got %q", expanded.Environment["WORKDIR"])
	}

	// Check create_dirs.
	if expanded.CreateDirs[0] != "/home/user/work/.cache" {
		t.Errorf("expected expanded create_dirs, got %q", expanded.CreateDirs[0])
	}

	// Original profile should be unchanged.
	if profile.Filesystem[0].Source != "${WORKTREE}" {
		t.Error("original profile was modified")
	}
}

func TestProfileValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		profile   Profile
		expectErr bool
	}{
		{
			name: "valid profile",
			profile: Profile{
				Name: "test",
				Filesystem: []Mount{
					{Source: "/tmp", Dest: "/test", Mode: "ro"},
				},
			},
			expectErr: false,
		},
		{
			name: "missing dest",
			profile: Profile{
				Name: "test",
				Filesystem: []Mount{
					{Source: "/tmp", Mode: "ro"},
				},
			},
			expectErr: true,
		},
		{
			name: "missing source for bind",
			profile: Profile{
				Name: "test",
				Filesystem: []Mount{
					{Dest: "/test", Mode: "ro"},
				},
			},
			expectErr: true,
		},
		{
			name: "tmpfs without source is ok",
			profile: Profile{
				Name: "test",
				Filesystem: []Mount{
					{Dest: "/tmp", Type: "tmpfs"},
				},
			},
			expectErr: false,
		},
		{
			name: "invalid mode",
			profile: Profile{
				Name: "test",
				Filesystem: []Mount{
					{Source: "/tmp", Dest: "/test", Mode: "invalid"},
				},
			},
			expectErr: true,
		},
		{
			name: "negative tasks_max",
			profile: Profile{
				Name: "test",
				Resources: ResourceConfig{
					TasksMax: -1,
				},
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.profile.Validate()
			if tt.expectErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestResourceConfigHasLimits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		config   ResourceConfig
		expected bool
	}{
		{
			name:     "no limits",
			config:   ResourceConfig{},
			expected: false,
		},
		{
			name:     "tasks_max only",
			config:   ResourceConfig{TasksMax: 100},
			expected: true,
		},
		{
			name:     "memory_max only",
			config:   ResourceConfig{MemoryMax: "4G"},
			expected: true,
		},
		{
			name:     "cpu_quota only",
			config:   ResourceConfig{CPUQuota: "200%"},
			expected: true,
		},
		{
			name: "all limits",
			config: ResourceConfig{
				TasksMax:  100,
				MemoryMax: "4G",
				CPUQuota:  "200%",
			},
			expected: true,
		},
		{
			name:     "tasks_max 0 means unlimited",
			config:   ResourceConfig{TasksMax: 0},
			expected: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := tt.config.HasLimits()
			if result != tt.expected {
				t.Errorf("HasLimits() = %v, expected %v", result, tt.expected)
			}
		})
	}
}
