// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package approval

import (
	"path/filepath"
	"strings"

	"github.com/devit-dev/devitd/lib/policy"
)

// RiskLevel is a coarse, presentation-only classification of an
// operation shown to the approver alongside the policy engine's
// verdict. It never feeds back into policy.Evaluate.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// sensitiveBasenames are file names whose modification is treated as
// higher risk regardless of the protected-path set, matching the
// operator's build/dependency surface rather than its secrets.
var sensitiveBasenames = map[string]bool{
	"go.mod":           true,
	"go.sum":           true,
	"main.go":          true,
	"Makefile":         true,
	"Dockerfile":       true,
	".gitmodules":      true,
	"package.json":     true,
	"Cargo.toml":       true,
	"requirements.txt": true,
}

// AssessRisk classifies op for the approval preview. It is a
// heuristic, not a security boundary: the policy engine's Deny/
// NeedApproval/Allow decision is authoritative regardless of what
// AssessRisk reports.
func AssessRisk(op policy.Operation, protected *policy.ProtectedPathSet) RiskLevel {
	touchesSensitiveName := false
	for _, path := range op.TargetPaths {
		if sensitiveBasenames[filepath.Base(path)] {
			touchesSensitiveName = true
			break
		}
	}

	nearMissProtected := false
	if protected != nil {
		for _, path := range op.TargetPaths {
			if protected.Matches(path) {
				continue
			}
			if looksLikeNearMiss(path) {
				nearMissProtected = true
				break
			}
		}
	}

	switch {
	case op.TouchesProtectedPath:
		return RiskCritical
	case op.TouchesBinaryPath, nearMissProtected:
		return RiskHigh
	case op.TogglesExecBit, touchesSensitiveName:
		return RiskMedium
	default:
		return RiskLow
	}
}

// looksLikeNearMiss reports whether path lies anywhere beneath a
// conventionally sensitive directory (.git, .ssh, .aws, .gnupg), or
// names a .env-style file. AssessRisk only asks this of paths the
// declared protected-path set did not match — e.g. a hook file added
// under .git/hooks.
func looksLikeNearMiss(path string) bool {
	for dir := filepath.Dir(path); dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		switch filepath.Base(dir) {
		case ".git", ".ssh", ".aws", ".gnupg":
			return true
		}
	}
	return strings.HasPrefix(filepath.Base(path), ".env")
}
