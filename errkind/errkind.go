// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package errkind classifies every error the engine returns into one of
// a small set of kinds, modeled on virtcontainers/errors: a thin
// wrapper around github.com/pkg/errors that preserves a classification
// tag through Wrap/Cause so callers can branch on Kind(err) without
// string-matching error text.
package errkind

import "github.com/pkg/errors"

// Kind classifies an engine failure.
type Kind int

const (
	// Unknown is the zero value; never returned deliberately.
	Unknown Kind = iota
	// NullArg indicates a required argument was nil or empty.
	NullArg
	// OutOfMemory indicates an allocation failed.
	OutOfMemory
	// InvalidPath indicates a device-tree or sysfs path did not resolve.
	InvalidPath
	// InvalidState indicates a pattern outside the defined enumeration,
	// or otherwise unrepresentable by any transport.
	InvalidState
	// NotSupported indicates the capability is absent on this specific
	// hardware instance (as opposed to unrepresentable in general).
	NotSupported
	// DataError indicates a malformed parse (e.g. a truncated SES page).
	DataError
	// IoError indicates an underlying syscall failed.
	IoError
	// StatError indicates a stat(2)/file-attribute read failed.
	StatError
)

func (k Kind) String() string {
	switch k {
	case NullArg:
		return "null-arg"
	case OutOfMemory:
		return "out-of-memory"
	case InvalidPath:
		return "invalid-path"
	case InvalidState:
		return "invalid-state"
	case NotSupported:
		return "not-supported"
	case DataError:
		return "data-error"
	case IoError:
		return "io-error"
	case StatError:
		return "stat-error"
	default:
		return "unknown"
	}
}

// classified is the concrete error type carrying a Kind alongside the
// pkg/errors-wrapped cause and stack trace.
type classified struct {
	kind Kind
	err  error
}

func (c *classified) Error() string { return c.kind.String() + ": " + c.err.Error() }
func (c *classified) Cause() error  { return c.err }
func (c *classified) Unwrap() error { return c.err }

// New builds a new classified error with the given kind and message.
func New(kind Kind, msg string) error {
	return &classified{kind: kind, err: errors.New(msg)}
}

// Wrap classifies cause under kind, adding msg as context. Returns nil if
// cause is nil, matching pkg/errors.Wrap's convention.
func Wrap(cause error, kind Kind, msg string) error {
	if cause == nil {
		return nil
	}
	return &classified{kind: kind, err: errors.Wrap(cause, msg)}
}

// Wrapf is the formatted-message form of Wrap.
func Wrapf(cause error, kind Kind, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return &classified{kind: kind, err: errors.Wrapf(cause, format, args...)}
}

// Of returns the Kind of err if it (or something it wraps) was produced
// by this package, and ok=true. Otherwise returns Unknown, false.
func Of(err error) (Kind, bool) {
	for err != nil {
		if c, ok := err.(*classified); ok {
			return c.kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return Unknown, false
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}
