// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package problog provides the per-subsystem structured loggers shared by
// every package in this module. Each subsystem (probe, bind, enclosure,
// each transport) gets its own *logrus.Entry tagged with a "subsystem"
// field, following the device/api pattern of a package-level logger that
// the embedding application can redirect with SetLogger.
package problog

import "github.com/sirupsen/logrus"

var rootLogger = logrus.NewEntry(logrus.New())

// SetLogger redirects every subsystem logger created by NewSubsystemLogger
// from this point forward to derive from logger instead of a bare
// logrus.New(). Existing *logrus.Entry values already handed out are not
// retroactively rewired; callers should invoke SetLogger before Scan.
func SetLogger(logger *logrus.Entry) {
	rootLogger = logger
}

// NewSubsystemLogger returns a logger entry tagged with the given
// subsystem name, e.g. "probe", "bind", "transport.ahci".
func NewSubsystemLogger(subsystem string) *logrus.Entry {
	return rootLogger.WithField("subsystem", subsystem)
}
