// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package ahci implements the AHCI enclosure-management transport: a
// single 32-bit SGPIO command word written, as decimal ASCII, to the
// controller's em_message sysfs file.
package ahci

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ledctl/ledctl/bind"
	"github.com/ledctl/ledctl/errkind"
	"github.com/ledctl/ledctl/pattern"
	"github.com/ledctl/ledctl/problog"
)

var log = problog.NewSubsystemLogger("transport.ahci")

// writePacing is the required delay before every em_message write, for
// the message-transmit bit to clear from the previous command.
const writePacing = 1500 * time.Microsecond

// table maps the IBPI subset AHCI's single command word can represent
// to its 32-bit encoding.
var table = pattern.NewTable(uint32(0), map[pattern.Pattern]uint32{
	pattern.NORMAL:         0x00000000,
	pattern.ONESHOT_NORMAL: 0x00000000,
	pattern.LOCATE_OFF:     0x00000000,
	pattern.LOCATE:         0x00080000,
	pattern.FAILED_DRIVE:   0x00400000,
	pattern.REBUILD:        0x00480000,
})

// nanosleep and writeFile are package-level function variables so tests
// can intercept the pacing delay and the actual sysfs write.
var (
	nanosleep = time.Sleep
	writeFile = os.WriteFile
)

// Device drives one AHCI-attached drive's em_message file.
type Device struct {
	Block *bind.BlockDevice
}

// New wraps a bound block device for AHCI dispatch.
func New(bd *bind.BlockDevice) *Device {
	return &Device{Block: bd}
}

// Capable reports whether p has an AHCI encoding at all.
func (d *Device) Capable(p pattern.Pattern) bool {
	_, ok := table.Lookup(p)
	return ok
}

// Set records p as the pattern to apply on the next Flush.
func (d *Device) Set(p pattern.Pattern) error {
	if !d.Capable(p) {
		return errkind.New(errkind.InvalidState, "pattern not representable on AHCI em_message")
	}
	d.Block.Transition.Set(p)
	return nil
}

// Flush writes the 32-bit command word if the pattern changed since the
// last successful write, pacing 1.5 ms before the write as the AHCI
// message-transmit bit requires.
func (d *Device) Flush() error {
	t := &d.Block.Transition
	if !t.Dirty() {
		return nil
	}

	val, ok := table.Lookup(t.Current())
	if !ok {
		return errkind.New(errkind.InvalidState, "pattern not representable on AHCI em_message")
	}

	nanosleep(writePacing)

	path := filepath.Join(d.Block.ControlPath, "em_message")
	if err := writeFile(path, []byte(strconv.FormatUint(uint64(val), 10)), 0o644); err != nil {
		log.WithError(err).WithField("path", path).Debug("em_message write failed")
		t.Fail()
		return errkind.Wrap(err, errkind.IoError, "write em_message")
	}

	t.Commit()
	return nil
}

// GetState returns the last pattern this transport successfully wrote.
func (d *Device) GetState() (pattern.Pattern, error) {
	return d.Block.Transition.Previous(), nil
}
