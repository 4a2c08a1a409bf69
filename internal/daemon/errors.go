// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"errors"

	"github.com/devit-dev/devitd/lib/envelope"
	"github.com/devit-dev/devitd/lib/failure"
	"github.com/devit-dev/devitd/lib/pathsandbox"
	"github.com/devit-dev/devitd/lib/patch"
)

// wireError is a daemon-level error that already carries the stable
// wire code and human hint the transport layer sends back verbatim,
// for failure cases with no natural home in a lib/* package's own
// error type (a policy denial, a missing worker, an expired lease).
type wireError struct {
	class   failure.Class
	code    string
	message string
	hint    string
}

func (e *wireError) Error() string        { return e.message }
func (e *wireError) Class() failure.Class { return e.class }

func newWireError(class failure.Class, code, message, hint string) *wireError {
	return &wireError{class: class, code: code, message: message, hint: hint}
}

var (
	errVersionMismatch = func(expected, got string) error {
		return newWireError(failure.Version, "version_mismatch",
			"declared version does not match the expected peer version",
			"expected "+expected+", got "+got)
	}
	errPolicyDenied = newWireError(failure.Security, "policy_denied",
		"the policy engine denied this operation", "")
	errApprovalDenied = func(reason string) error {
		return newWireError(failure.Security, "approval_denied",
			"the designated approver denied this operation", reason)
	}
	errWorkerUnknown = func(id string) error {
		return newWireError(failure.Validation, "worker_unknown",
			"no worker is registered with that identifier", id)
	}
	errModelNotAllowed = func(model string) error {
		return newWireError(failure.Validation, "model_not_allowed",
			"the requested model is not in the worker's allow-list", model)
	}
	errRateLimited = newWireError(failure.Resource, "rate_limited",
		"this session has exceeded its rate limit for this method", "")
	errTimeout = newWireError(failure.Resource, "timeout",
		"the operation did not complete within its deadline", "")
	errCancelled = newWireError(failure.State, "cancelled",
		"the operation was cancelled", "")
	errTaskNotFound = func(id string) error {
		return newWireError(failure.State, "internal",
			"no task exists with that id", id)
	}
	errScreenshotDisabled = newWireError(failure.Security, "policy_denied",
		"the screenshot capability is disabled", "")
	errNoSuchSession = newWireError(failure.Security, "internal",
		"no session is registered on this connection", "")
	errUnknownMethod = func(method string) error {
		return newWireError(failure.Validation, "internal",
			"unknown method", method)
	}
	errInvalidDiff = func(detail string) error {
		return newWireError(failure.Validation, "invalid_diff", "could not parse the supplied diff", detail)
	}
	errValidation = func(message, hint string) error {
		return newWireError(failure.Validation, "internal", message, hint)
	}
)

// wireCode maps err to the stable enumeration spec.md §6 names. It
// never inspects an error's message text: every case recovers a
// typed error via errors.As and reads its own classification.
func wireCode(err error) (code string, hint string) {
	if err == nil {
		return "", ""
	}

	var we *wireError
	if errors.As(err, &we) {
		return we.code, we.hint
	}

	var rejected *envelope.RejectError
	if errors.As(err, &rejected) {
		switch rejected.Reason {
		case envelope.ReasonReplay:
			return "replay", ""
		case envelope.ReasonTimestampSkew:
			return "timestamp_skew", ""
		default:
			return "auth_failed", ""
		}
	}

	var pathErr *pathsandbox.Error
	if errors.As(err, &pathErr) {
		return pathErr.Kind.String(), pathErr.Path
	}

	var mismatch *patch.MismatchError
	if errors.As(err, &mismatch) {
		return "context_mismatch", mismatch.Error()
	}

	return "internal", ""
}

// classify recovers err's failure.Class, defaulting to System for any
// error this package did not itself construct or recognize — an
// unclassified error from a third-party library or the standard
// library is, by definition, something this package did not predict,
// which is exactly what "system" means in spec.md §7's taxonomy.
func classify(err error) failure.Class {
	var c failure.Classified
	if errors.As(err, &c) {
		return c.Class()
	}
	return failure.System
}
