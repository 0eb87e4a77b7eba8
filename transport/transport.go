// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package transport defines the shared interface every hardware-specific
// LED transport implements, replacing a set of per-device function
// pointers with a typed variant dispatched by controller kind.
package transport

import "github.com/ledctl/ledctl/pattern"

// Transport is implemented once per addressable LED (a bound
// BlockDevice, or a bare slot) by each of the eight hardware-specific
// subpackages.
type Transport interface {
	// Set records the desired pattern without necessarily writing it to
	// hardware; batching transports defer the actual write to Flush.
	Set(p pattern.Pattern) error

	// Flush applies any pending pattern to hardware if it differs from
	// what was last successfully applied. A no-op when nothing changed.
	Flush() error

	// GetState reports the pattern last known to be applied to hardware.
	GetState() (pattern.Pattern, error)

	// Capable reports whether this specific transport, on this specific
	// controller instance, can represent p at all.
	Capable(p pattern.Pattern) bool
}
