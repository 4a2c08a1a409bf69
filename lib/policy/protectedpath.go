// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// ProtectedPath is a single declared entry: either a literal path
// prefix or a glob pattern, matched against workspace-relative paths.
type ProtectedPath struct {
	// Pattern is the literal prefix or glob pattern, always expressed
	// with forward slashes regardless of host platform.
	Pattern string `yaml:"pattern"`

	// Glob selects doublestar glob matching over the pattern instead
	// of a plain prefix check.
	Glob bool `yaml:"glob"`
}

// protectedPathFile is the on-disk YAML shape: a flat list under a
// top-level key, so the file reads naturally as declarative config
// rather than a bare array.
type protectedPathFile struct {
	Paths []ProtectedPath `yaml:"paths"`
}

// ProtectedPathSet is the declared set of protected path prefixes and
// glob patterns: version-control metadata, key material, environment
// files. It is loaded once at daemon startup and immutable afterward —
// there is no hot reload, which keeps the policy engine's purity
// testable without a mutation surface to account for.
type ProtectedPathSet struct {
	paths []ProtectedPath
}

// DefaultProtectedPaths returns the built-in set devitd protects even
// if the operator supplies no configuration: version-control internals
// and the conventional environment-secrets filename.
func DefaultProtectedPaths() []ProtectedPath {
	return []ProtectedPath{
		{Pattern: ".git/**", Glob: true},
		{Pattern: ".hg/**", Glob: true},
		{Pattern: ".svn/**", Glob: true},
		{Pattern: ".env", Glob: false},
		{Pattern: "**/.env", Glob: true},
		{Pattern: "**/id_rsa", Glob: true},
		{Pattern: "**/id_ed25519", Glob: true},
	}
}

// NewProtectedPathSet builds a set from an explicit list of entries,
// with no defaults merged in. Used by tests and by LoadProtectedPathSet.
func NewProtectedPathSet(paths []ProtectedPath) *ProtectedPathSet {
	return &ProtectedPathSet{paths: paths}
}

// LoadProtectedPathSet reads a YAML declaration file and merges its
// entries with [DefaultProtectedPaths]. An empty or missing path
// yields the defaults alone.
func LoadProtectedPathSet(path string) (*ProtectedPathSet, error) {
	entries := DefaultProtectedPaths()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("policy: reading protected path set %q: %w", path, err)
		}

		var file protectedPathFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("policy: parsing protected path set %q: %w", path, err)
		}
		entries = append(entries, file.Paths...)
	}

	return NewProtectedPathSet(entries), nil
}

// Matches reports whether a workspace-relative path (forward-slash
// separated) falls inside the protected set.
func (s *ProtectedPathSet) Matches(workspaceRelativePath string) bool {
	if s == nil {
		return false
	}
	candidate := strings.TrimPrefix(workspaceRelativePath, "/")

	for _, entry := range s.paths {
		if entry.Glob {
			matched, err := doublestar.Match(entry.Pattern, candidate)
			if err == nil && matched {
				return true
			}
			continue
		}
		if candidate == entry.Pattern || strings.HasPrefix(candidate, entry.Pattern+"/") {
			return true
		}
	}
	return false
}
