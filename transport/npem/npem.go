// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package npem implements the PCIe Native Enclosure Management
// transport: a read-modify-write of the NPEM extended capability's
// control register, reached through a PCI device's sysfs "config" file.
package npem

import (
	"os"
	"time"

	"github.com/ledctl/ledctl/bind"
	"github.com/ledctl/ledctl/errkind"
	"github.com/ledctl/ledctl/pattern"
	"github.com/ledctl/ledctl/problog"
)

var log = problog.NewSubsystemLogger("transport.npem")

// NPEM extended capability register offsets, relative to the capability
// header located by probe.findNPEMCapability.
const (
	ctrlRegOffset   = 8
	statusRegOffset = 12
)

// NPEM control register bits.
const (
	bitEnable   = 0x001
	bitOK       = 0x004
	bitLocate   = 0x008
	bitFail     = 0x010
	bitRebuild  = 0x020
	bitPFA      = 0x040
	bitHotSpare = 0x080
	bitCRA      = 0x100
	bitFA       = 0x200

	reservedMask = 0xfffff000 // bits above 11 must be preserved across writes
	statusMask   = 0xfff      // §4.8/§6: control bits live in the low 12 bits

	commandCompletedBit = 0x1 // NPEM status register bit 0
)

const (
	pollInterval = 10 * time.Millisecond
	pollTimeout  = 1 * time.Second
)

// table maps a pattern to its NPEM control bit. LOCATE_OFF returns to OK
// rather than clearing every bit, matching the transport's general
// "translate to one of nine bits" design.
var table = pattern.NewTable(uint32(0), map[pattern.Pattern]uint32{
	pattern.NORMAL:         bitOK,
	pattern.ONESHOT_NORMAL: bitOK,
	pattern.LOCATE_OFF:     bitOK,
	pattern.LOCATE:         bitLocate,
	pattern.FAILED_DRIVE:   bitFail,
	pattern.FAULT:          bitFail,
	pattern.REBUILD:        bitRebuild,
	pattern.PFA:            bitPFA,
	pattern.PRDFAIL:        bitPFA,
	pattern.HOTSPARE:       bitHotSpare,
	pattern.ICA:            bitCRA,
	pattern.DEGRADED:       bitCRA,
	pattern.IFA:            bitFA,
	pattern.FAILED_ARRAY:   bitFA,
})

// reverse maps a single control bit back to the pattern GetState reports.
var reverse = map[uint32]pattern.Pattern{
	bitOK:       pattern.NORMAL,
	bitLocate:   pattern.LOCATE,
	bitFail:     pattern.FAILED_DRIVE,
	bitRebuild:  pattern.REBUILD,
	bitPFA:      pattern.PFA,
	bitHotSpare: pattern.HOTSPARE,
	bitCRA:      pattern.ICA,
	bitFA:       pattern.IFA,
}

// nanosleep and openConfig are package-level function variables so tests
// can intercept the Command-Completed poll and the config-space file.
var (
	nanosleep  = time.Sleep
	openConfig = func(path string) (*os.File, error) { return os.OpenFile(path, os.O_RDWR, 0) }
)

// Device drives one NPEM-capable PCI device's control register.
type Device struct {
	Block *bind.BlockDevice
}

// New wraps a bound block device reachable through an NPEM controller.
func New(bd *bind.BlockDevice) *Device {
	return &Device{Block: bd}
}

// Capable reports whether p maps to an NPEM bit the capability register
// advertises as supported for this specific controller instance.
func (d *Device) Capable(p pattern.Pattern) bool {
	bit, ok := table.Lookup(p)
	if !ok {
		return false
	}
	return d.Block.Controller.NPEMCapable&bit != 0
}

// Set validates p is both representable and advertised capable, then
// records it for the next Flush.
func (d *Device) Set(p pattern.Pattern) error {
	bit, ok := table.Lookup(p)
	if !ok {
		return errkind.New(errkind.InvalidState, "pattern not representable on NPEM")
	}
	if d.Block.Controller.NPEMCapable&bit == 0 {
		return errkind.New(errkind.NotSupported, "NPEM capability register does not advertise this bit")
	}
	d.Block.Transition.Set(p)
	return nil
}

// Flush polls the status register's Command-Completed bit for up to 1 s,
// then read-modify-writes the control register, preserving reserved
// bits above bit 11.
func (d *Device) Flush() error {
	t := &d.Block.Transition
	if !t.Dirty() {
		return nil
	}

	bit, ok := table.Lookup(t.Current())
	if !ok {
		return errkind.New(errkind.InvalidState, "pattern not representable on NPEM")
	}

	f, err := openConfig(d.Block.ControlPath + "/config")
	if err != nil {
		t.Fail()
		return errkind.Wrap(err, errkind.IoError, "open NPEM config space")
	}
	defer f.Close()

	off := d.Block.Controller.NPEMCapOffset
	waitCommandCompleted(f, off+statusRegOffset)

	ctrl, err := readDword(f, off+ctrlRegOffset)
	if err != nil {
		t.Fail()
		return errkind.Wrap(err, errkind.IoError, "read NPEM control register")
	}

	newCtrl := (ctrl & reservedMask) | bitEnable | bit
	if err := writeDword(f, off+ctrlRegOffset, newCtrl); err != nil {
		t.Fail()
		return errkind.Wrap(err, errkind.IoError, "write NPEM control register")
	}

	t.Commit()
	return nil
}

// waitCommandCompleted polls statusOffset for up to pollTimeout; if the
// bit never sets, the write proceeds anyway, per spec allowance.
func waitCommandCompleted(f *os.File, statusOffset int) {
	deadline := pollTimeout
	for elapsed := time.Duration(0); elapsed < deadline; elapsed += pollInterval {
		status, err := readDword(f, statusOffset)
		if err == nil && status&commandCompletedBit != 0 {
			return
		}
		nanosleep(pollInterval)
	}
	log.Debug("NPEM Command-Completed bit did not set within 1s, proceeding anyway")
}

// GetState decodes the control register by matching its low 12 bits
// against the single-bit pattern table.
func (d *Device) GetState() (pattern.Pattern, error) {
	f, err := openConfig(d.Block.ControlPath + "/config")
	if err != nil {
		return pattern.UNKNOWN, errkind.Wrap(err, errkind.IoError, "open NPEM config space")
	}
	defer f.Close()

	ctrl, err := readDword(f, d.Block.Controller.NPEMCapOffset+ctrlRegOffset)
	if err != nil {
		return pattern.UNKNOWN, errkind.Wrap(err, errkind.IoError, "read NPEM control register")
	}

	for bit, p := range reverse {
		if ctrl&statusMask&bit == bit {
			return p, nil
		}
	}
	return pattern.NORMAL, nil
}

func readDword(f *os.File, offset int) (uint32, error) {
	buf := make([]byte, 4)
	if _, err := f.ReadAt(buf, int64(offset)); err != nil {
		return 0, err
	}
	return le32(buf), nil
}

func writeDword(f *os.File, offset int, val uint32) error {
	buf := []byte{byte(val), byte(val >> 8), byte(val >> 16), byte(val >> 24)}
	_, err := f.WriteAt(buf, int64(offset))
	return err
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
