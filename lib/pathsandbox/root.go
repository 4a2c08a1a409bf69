// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package pathsandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxSymlinkDepth bounds symlink-chain resolution, matching the Linux
// kernel's own ELOOP limit, so a cyclic symlink cannot spin forever.
const maxSymlinkDepth = 40

// Root is a canonicalised workspace root that every externally
// supplied path is resolved and contained against.
//
// A Root is safe for concurrent use: it holds only an immutable
// canonical directory string.
type Root struct {
	abs string
}

// NewRoot canonicalises path (resolving any symlinks in the root
// itself) and returns a Root anchored there. path must name an
// existing directory.
func NewRoot(path string) (*Root, error) {
	if err := validateCharacters(path); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("pathsandbox: resolving absolute path for root %q: %w", path, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("pathsandbox: resolving root %q: %w", path, err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("pathsandbox: statting root %q: %w", path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("pathsandbox: root %q is not a directory", path)
	}

	return &Root{abs: filepath.Clean(resolved)}, nil
}

// Path returns the canonical absolute workspace root.
func (r *Root) Path() string { return r.abs }

// ResolveOptions controls how Root.Resolve treats an input path.
type ResolveOptions struct {
	// AllowAbsolute permits an absolute input path. Callers that only
	// ever hand out workspace-relative paths (the patch engine, task
	// working directories) should leave this false.
	AllowAbsolute bool

	// AllowDotDot permits a literal ".." component in the caller-
	// supplied path. This does not affect ".." encountered while
	// following a symbolic link's target — that is always resolved,
	// subject to the same containment check as every other step.
	AllowDotDot bool

	// MustExist requires the fully resolved path to name an existing
	// filesystem entry.
	MustExist bool
}

// Resolve computes a canonical absolute path for inputPath and
// verifies that every component resolved along the way, including the
// targets of any symbolic links, remains inside the workspace root.
//
// Resolution proceeds component by component: after each component is
// joined and any symbolic link it names is followed to its target,
// containment is re-checked before moving to the next component. This
// means a symlink that points outside the root is caught at the hop
// where it is followed, not only at the end of the walk.
func (r *Root) Resolve(inputPath string, opts ResolveOptions) (string, error) {
	if err := validateCharacters(inputPath); err != nil {
		return "", err
	}
	if inputPath == "" {
		return "", newError(ErrEmptySegment, inputPath, fmt.Errorf("empty path"))
	}

	isAbs := filepath.IsAbs(inputPath)
	if isAbs && !opts.AllowAbsolute {
		return "", newError(ErrAbsolutePath, inputPath, fmt.Errorf("absolute paths are not permitted here"))
	}

	components, err := splitComponents(inputPath, isAbs)
	if err != nil {
		return "", err
	}

	current := r.abs
	if isAbs {
		rootComponents, _ := splitComponents(r.abs, true)
		if len(components) < len(rootComponents) {
			return "", newError(ErrEscapesRoot, inputPath, fmt.Errorf("absolute path lies outside workspace root"))
		}
		for i, c := range rootComponents {
			if components[i] != c {
				return "", newError(ErrEscapesRoot, inputPath, fmt.Errorf("absolute path lies outside workspace root"))
			}
		}
		components = components[len(rootComponents):]
	}

	for _, component := range components {
		switch component {
		case ".":
			continue
		case "..":
			if !opts.AllowDotDot {
				return "", newError(ErrTraversal, inputPath, fmt.Errorf("path contains \"..\""))
			}
			parent := filepath.Dir(current)
			if !r.contains(parent) {
				return "", newError(ErrEscapesRoot, inputPath, fmt.Errorf("\"..\" escapes workspace root"))
			}
			current = parent
		default:
			if err := validateSegment(component); err != nil {
				return "", &Error{Kind: err.Kind, Path: inputPath, Err: err.Err}
			}
			next := filepath.Join(current, component)
			resolved, err := r.followSymlinks(next, inputPath)
			if err != nil {
				return "", err
			}
			current = resolved
		}

		if !r.contains(current) {
			return "", newError(ErrEscapesRoot, inputPath, fmt.Errorf("resolution escaped workspace root at %q", current))
		}
	}

	if opts.MustExist {
		if _, err := os.Lstat(current); err != nil {
			return "", newError(ErrNotExist, inputPath, err)
		}
	}

	return current, nil
}

// followSymlinks resolves candidate if it names a symbolic link,
// re-checking containment after every hop, and returns the final path
// (which may not exist, if no component along the way is a symlink and
// the target itself is absent — the caller decides whether that is an
// error via ResolveOptions.MustExist).
func (r *Root) followSymlinks(candidate, originalInput string) (string, error) {
	current := candidate
	for depth := 0; depth < maxSymlinkDepth; depth++ {
		info, err := os.Lstat(current)
		if err != nil {
			// Does not exist yet (e.g. a file about to be created), or
			// a permission error the caller will hit again on use.
			// Either way there is no symlink to follow.
			return current, nil
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return current, nil
		}

		target, err := os.Readlink(current)
		if err != nil {
			return "", newError(ErrExternalSymlink, originalInput, err)
		}

		if filepath.IsAbs(target) {
			current = filepath.Clean(target)
		} else {
			current = filepath.Clean(filepath.Join(filepath.Dir(current), target))
		}

		if !r.contains(current) {
			return "", newError(ErrExternalSymlink, originalInput, fmt.Errorf("symlink target %q escapes workspace root", target))
		}
	}
	return "", newError(ErrExternalSymlink, originalInput, fmt.Errorf("too many levels of symbolic links"))
}

// contains reports whether candidate (an absolute, cleaned path) is
// the workspace root or lies beneath it. The comparison is a plain
// prefix check: resolution up to this point has already gone through
// os.Lstat/os.Readlink on the real filesystem, so the case sensitivity
// of the underlying volume has already been accounted for and no
// separate case-folding is needed here.
func (r *Root) contains(candidate string) bool {
	candidate = filepath.Clean(candidate)
	if candidate == r.abs {
		return true
	}
	return strings.HasPrefix(candidate, r.abs+string(filepath.Separator))
}

// splitComponents breaks path into its slash-separated components,
// rejecting doubled separators (empty components) along the way. When
// isAbs is true, the leading separator that marks the path as absolute
// is consumed first.
func splitComponents(path string, isAbs bool) ([]string, error) {
	normalized := filepath.ToSlash(path)
	if isAbs {
		normalized = strings.TrimPrefix(normalized, "/")
	}
	if normalized == "" {
		return nil, nil
	}

	raw := strings.Split(normalized, "/")
	components := make([]string, 0, len(raw))
	for _, c := range raw {
		if c == "" {
			return nil, newError(ErrEmptySegment, path, fmt.Errorf("doubled path separator"))
		}
		components = append(components, c)
	}
	return components, nil
}

// validateCharacters rejects NUL bytes and other control characters
// anywhere in path.
func validateCharacters(path string) error {
	for _, r := range path {
		if r < 0x20 || r == 0x7f {
			return newError(ErrInvalidCharacter, path, fmt.Errorf("control character %q", r))
		}
	}
	return nil
}

// reservedNames lists Windows device names that are unsafe to use as a
// path component on any platform devitd might run on, since a
// workspace synced onto a Windows filesystem (e.g. via a network
// share) would otherwise silently collide with a device.
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// validateSegment rejects a single path component that is unsafe
// regardless of where it appears in the path.
func validateSegment(segment string) *Error {
	base := segment
	if idx := strings.IndexByte(segment, '.'); idx >= 0 {
		base = segment[:idx]
	}
	if reservedNames[strings.ToUpper(base)] {
		return newError(ErrReservedName, segment, fmt.Errorf("%q is a reserved device name", segment))
	}
	return nil
}
