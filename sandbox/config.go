// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Profile defines the sandbox configuration wrapping a worker subprocess.
// devitd carries exactly one profile (see [DefaultProfile]); there is no
// per-agent profile catalog to select from.
type Profile struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Filesystem  []Mount           `yaml:"filesystem,omitempty"`
	Namespaces  NamespaceConfig   `yaml:"namespaces,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Resources   ResourceConfig    `yaml:"resources,omitempty"`
	Security    SecurityConfig    `yaml:"security,omitempty"`
	CreateDirs  []string          `yaml:"create_dirs,omitempty"`
}

// Mount defines a filesystem mount in the sandbox.
type Mount struct {
	Source   string `yaml:"source,omitempty"`
	Dest     string `yaml:"dest"`
	Mode     string `yaml:"mode,omitempty"`
	Type     string `yaml:"type,omitempty"`
	Options  string `yaml:"options,omitempty"`
	Optional bool   `yaml:"optional,omitempty"`
	Glob     bool   `yaml:"glob,omitempty"`
	// Upper specifies the upper layer for overlay mounts.
	// Must be "tmpfs" (default) or a path inside the worktree.
	// Only used when Type is "overlay".
	Upper string `yaml:"upper,omitempty"`
}

// MountType constants for the Type field.
const (
	MountTypeBind    = ""         // Default: bind mount
	MountTypeTmpfs   = "tmpfs"    // tmpfs mount
	MountTypeProc    = "proc"     // /proc
	MountTypeDev     = "dev"      // /dev (minimal)
	MountTypeDevBind = "dev-bind" // Device node bind
	MountTypeOverlay = "overlay"  // Overlay mount (fuse-overlayfs)
)

// OverlayUpperTmpfs is the special value for overlay upper layer that uses tmpfs.
const OverlayUpperTmpfs = "tmpfs"

// MountMode constants for the Mode field.
const (
	MountModeRO = "ro" // Read-only
	MountModeRW = "rw" // Read-write
)

// NamespaceConfig defines which namespaces to unshare.
type NamespaceConfig struct {
	PID    bool `yaml:"pid"`
	Net    bool `yaml:"net"`
	IPC    bool `yaml:"ipc"`
	UTS    bool `yaml:"uts"`
	Cgroup bool `yaml:"cgroup"`
	User   bool `yaml:"user"`
}

// ResourceConfig defines resource limits via systemd scopes.
type ResourceConfig struct {
	TasksMax  int    `yaml:"tasks_max,omitempty"`
	MemoryMax string `yaml:"memory_max,omitempty"`
	CPUQuota  string `yaml:"cpu_quota,omitempty"`

	// CPUWeight is the cgroup v2 cpu.weight value (1-10000, default 100).
	// This controls relative CPU time under contention via the systemd
	// CPUWeight property. Zero means no limit (use cgroup default).
	CPUWeight int `yaml:"cpu_weight,omitempty"`
}

// HasLimits returns true if any resource limits are configured.
func (r ResourceConfig) HasLimits() bool {
	return r.TasksMax > 0 || r.MemoryMax != "" || r.CPUQuota != "" || r.CPUWeight > 0
}

// SecurityConfig defines security settings for the sandbox.
type SecurityConfig struct {
	NewSession    bool `yaml:"new_session"`
	DieWithParent bool `yaml:"die_with_parent"`
	NoNewPrivs    bool `yaml:"no_new_privs"`
}

// Clone creates a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	clone := &Profile{
		Name:        p.Name,
		Description: p.Description,
		Namespaces:  p.Namespaces,
		Resources:   p.Resources,
		Security:    p.Security,
	}

	if p.Filesystem != nil {
		clone.Filesystem = make([]Mount, len(p.Filesystem))
		copy(clone.Filesystem, p.Filesystem)
	}
	if p.CreateDirs != nil {
		clone.CreateDirs = make([]string, len(p.CreateDirs))
		copy(clone.CreateDirs, p.CreateDirs)
	}

	if p.Environment != nil {
		clone.Environment = make(map[string]string)
		for k, v := range p.Environment {
			clone.Environment[k] = v
		}
	}

	return clone
}

// ApplyOverride merges operator-supplied overrides onto the receiver and
// returns the result, leaving the receiver untouched. Only resource limits,
// extra environment variables, and additional filesystem mounts may be
// overridden; namespace isolation and security settings are fixed by the
// hardened default and cannot be loosened this way.
func (p *Profile) ApplyOverride(o *ProfileOverride) *Profile {
	result := p.Clone()
	if o == nil {
		return result
	}

	if o.Resources.TasksMax != 0 {
		result.Resources.TasksMax = o.Resources.TasksMax
	}
	if o.Resources.MemoryMax != "" {
		result.Resources.MemoryMax = o.Resources.MemoryMax
	}
	if o.Resources.CPUQuota != "" {
		result.Resources.CPUQuota = o.Resources.CPUQuota
	}
	if o.Resources.CPUWeight != 0 {
		result.Resources.CPUWeight = o.Resources.CPUWeight
	}

	for k, v := range o.Environment {
		if result.Environment == nil {
			result.Environment = make(map[string]string)
		}
		result.Environment[k] = v
	}

	result.Filesystem = append(result.Filesystem, o.ExtraMounts...)

	return result
}

// ProfileOverride carries the small set of operator-tunable knobs on top of
// the hardened default profile. It is decoded from the daemon's YAML config
// file (`sandbox:` section), never from a named-profile catalog.
type ProfileOverride struct {
	Resources   ResourceConfig    `yaml:"resources,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	ExtraMounts []Mount           `yaml:"extra_mounts,omitempty"`
}

// Variables holds the variable values for expansion in profiles.
type Variables map[string]string

// Expand expands variables in a string using ${VAR} syntax.
// Falls back to environment variables if not in the Variables map.
func (v Variables) Expand(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]

		if val, ok := v[varName]; ok {
			return val
		}
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match
	})
}

// ExpandProfile expands all variables in a profile.
func (v Variables) ExpandProfile(p *Profile) *Profile {
	result := p.Clone()

	for i := range result.Filesystem {
		result.Filesystem[i].Source = v.Expand(result.Filesystem[i].Source)
		result.Filesystem[i].Dest = v.Expand(result.Filesystem[i].Dest)
	}

	for key, val := range result.Environment {
		result.Environment[key] = v.Expand(val)
	}

	for i := range result.CreateDirs {
		result.CreateDirs[i] = v.Expand(result.CreateDirs[i])
	}

	return result
}

// DefaultVariables returns the default variable set for expanding the
// hardened profile.
func DefaultVariables() Variables {
	stateRoot := os.Getenv("DEVIT_STATE_DIR")
	if stateRoot == "" {
		stateRoot = os.ExpandEnv("$HOME/.local/state/devitd")
	}

	proxySocket := os.Getenv("DEVIT_PROXY_SOCKET")
	if proxySocket == "" {
		proxySocket = "/run/devitd/proxy.sock"
	}

	return Variables{
		"DEVIT_STATE_DIR": stateRoot,
		"PROXY_SOCKET":    proxySocket,
		"TERM":            os.Getenv("TERM"),
	}
}

// Validate checks that a profile is structurally valid.
func (p *Profile) Validate() error {
	var errors []string

	for i, m := range p.Filesystem {
		if m.Dest == "" {
			errors = append(errors, fmt.Sprintf("filesystem[%d]: dest is required", i))
		}
		if m.Type == "" && m.Source == "" {
			errors = append(errors, fmt.Sprintf("filesystem[%d]: source is required for bind mounts", i))
		}
		if m.Mode != "" && m.Mode != MountModeRO && m.Mode != MountModeRW {
			errors = append(errors, fmt.Sprintf("filesystem[%d]: invalid mode %q (must be ro or rw)", i, m.Mode))
		}
		if m.Type == MountTypeOverlay {
			if m.Source == "" {
				errors = append(errors, fmt.Sprintf("filesystem[%d]: source (lower layer) is required for overlay mounts", i))
			}
		}
		if m.Upper != "" && m.Type != MountTypeOverlay {
			errors = append(errors, fmt.Sprintf("filesystem[%d]: upper is only valid for overlay mounts", i))
		}
	}

	if p.Resources.TasksMax < 0 {
		errors = append(errors, "resources.tasks_max must be >= 0")
	}

	if len(errors) > 0 {
		return fmt.Errorf("profile %q validation failed:\n  %s", p.Name, strings.Join(errors, "\n  "))
	}

	return nil
}

// ValidateOverlayUpper validates that an overlay upper path is safe.
// The upper path must be either "tmpfs" or inside the worktree.
// This MUST be called after variable expansion.
//
// Upper layer writes must never escape the sandboxed worktree: if upper
// resolves to a host path outside it, a worker could write a payload that
// later executes with the daemon's own privileges. Symlinks are resolved
// to prevent a worker from planting one inside the worktree that points
// outside it.
func ValidateOverlayUpper(upper string, worktree string) error {
	if upper == "" || upper == OverlayUpperTmpfs {
		return nil
	}

	worktreeResolved, err := filepath.EvalSymlinks(worktree)
	if err != nil {
		return fmt.Errorf("cannot resolve worktree path %q: %w", worktree, err)
	}
	worktreeResolved = filepath.Clean(worktreeResolved)

	upperResolved, err := filepath.EvalSymlinks(upper)
	if err != nil {
		parentDir := filepath.Dir(upper)
		parentResolved, parentErr := filepath.EvalSymlinks(parentDir)
		if parentErr != nil {
			return fmt.Errorf("cannot resolve overlay upper parent path %q: %w", parentDir, parentErr)
		}
		upperResolved = filepath.Join(parentResolved, filepath.Base(upper))
	}
	upperResolved = filepath.Clean(upperResolved)

	if !strings.HasPrefix(upperResolved, worktreeResolved+string(filepath.Separator)) && upperResolved != worktreeResolved {
		return fmt.Errorf("overlay upper path %q resolves to %q which is outside worktree %q: "+
			"upper must be \"tmpfs\" or inside the worktree to prevent privilege escalation",
			upper, upperResolved, worktreeResolved)
	}

	return nil
}
