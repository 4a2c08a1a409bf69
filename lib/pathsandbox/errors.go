// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package pathsandbox

import (
	"fmt"

	"github.com/devit-dev/devitd/lib/failure"
)

// ErrorKind classifies why Root.Resolve rejected a path.
type ErrorKind int

const (
	// ErrInvalidCharacter means the path contains a NUL byte or other
	// control character.
	ErrInvalidCharacter ErrorKind = iota

	// ErrEmptySegment means the path contains an empty component, e.g.
	// a doubled separator.
	ErrEmptySegment

	// ErrReservedName means a component matches a Windows reserved
	// device name (CON, PRN, COM1, ...).
	ErrReservedName

	// ErrAbsolutePath means the path is absolute and the caller did
	// not permit that.
	ErrAbsolutePath

	// ErrTraversal means the path contains a literal ".." component
	// and the caller did not permit that.
	ErrTraversal

	// ErrEscapesRoot means resolution, whether from a literal ".." or
	// from following a symbolic link, would leave the workspace root.
	ErrEscapesRoot

	// ErrExternalSymlink means a symbolic link along the path resolves
	// to a target outside the workspace root.
	ErrExternalSymlink

	// ErrNotExist means the resolved path does not exist and the
	// caller required that it do.
	ErrNotExist
)

// String returns a short machine-stable name for the error kind, used
// as the wire error code by the transport's error mapper.
func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidCharacter:
		return "invalid_character"
	case ErrEmptySegment:
		return "empty_segment"
	case ErrReservedName:
		return "reserved_name"
	case ErrAbsolutePath:
		return "absolute_path"
	case ErrTraversal:
		return "traversal"
	case ErrEscapesRoot:
		return "escape_root"
	case ErrExternalSymlink:
		return "external_symlink"
	case ErrNotExist:
		return "does_not_exist"
	default:
		return "unknown"
	}
}

// Error is returned by Root.Resolve. It carries a stable Kind so
// callers can map rejections to wire error codes without inspecting
// error strings.
type Error struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pathsandbox: %s: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("pathsandbox: %s: %s", e.Kind, e.Path)
}

func (e *Error) Unwrap() error { return e.Err }

// Class reports the failure taxonomy an Error belongs to: every kind
// here is a security rejection (escape, traversal, disallowed
// absolute path, external symlink) except those that merely describe
// shape or existence (invalid character, empty segment, reserved name,
// not-exist), which are validation failures.
func (e *Error) Class() failure.Class {
	switch e.Kind {
	case ErrEscapesRoot, ErrExternalSymlink, ErrTraversal, ErrAbsolutePath:
		return failure.Security
	default:
		return failure.Validation
	}
}

func newError(kind ErrorKind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}
