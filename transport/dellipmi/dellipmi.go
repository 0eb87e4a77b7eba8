// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package dellipmi implements the Dell OEM IPMI backplane transport: a
// drive-status write issued through the iDRAC over /dev/ipmi0, after
// translating the drive's PCI B:D.F to a backplane bay:slot pair.
package dellipmi

import (
	"os"
	"strings"

	"github.com/ledctl/ledctl/bind"
	"github.com/ledctl/ledctl/errkind"
	"github.com/ledctl/ledctl/ipmi"
	"github.com/ledctl/ledctl/pattern"
	"github.com/ledctl/ledctl/probe"
	"github.com/ledctl/ledctl/problog"
)

var log = problog.NewSubsystemLogger("transport.dellipmi")

func init() {
	probe.DellGenerationProbe = ProbeGeneration
}

// Dell OEM IPMI NetFn/Cmd. The generation-dependent piece is the first
// data byte (the OEM sub-command), not the IPMI command byte itself.
const (
	netFn = 0x30
	cmd   = 0xd5
)

// subCmds is one generation tier's (get-drive-map, set-drive-status)
// sub-command pair.
type subCmds struct{ getMap, setStatus byte }

var (
	tierLegacy = subCmds{getMap: 0x07, setStatus: 0x04} // 12G and earlier
	tier13G    = subCmds{getMap: 0x17, setStatus: 0x14} // 13G
	tierModern = subCmds{getMap: 0x37, setStatus: 0x34} // 14G/15G
)

// tierFor picks the sub-command pair for an iDRAC generation byte as
// returned by GetSystemInfo (0x10=12G, 0x20=13G, 0x30=14G, 0x40=15G).
func tierFor(generation int) subCmds {
	switch {
	case generation < 0x20:
		return tierLegacy
	case generation == 0x20:
		return tier13G
	default:
		return tierModern
	}
}

// Drive status mask bits, the 16-bit state word carried by the
// set-drive-status payload.
const (
	statePresent       = 0x0001
	stateOnline        = 0x0002
	stateHotspare      = 0x0004
	stateIdentify      = 0x0008
	stateRebuilding    = 0x0010
	stateFault         = 0x0020
	statePredict       = 0x0040
	stateCriticalArray = 0x0080
	stateFailedArray   = 0x0100
)

var table = pattern.NewTable(uint32(0), map[pattern.Pattern]uint32{
	pattern.NORMAL:         stateOnline,
	pattern.ONESHOT_NORMAL: stateOnline,
	pattern.LOCATE_OFF:     stateOnline,
	pattern.LOCATE:         stateIdentify,
	pattern.REBUILD:        stateRebuilding,
	pattern.FAILED_DRIVE:   stateFault,
	pattern.FAULT:          stateFault,
	pattern.PFA:            statePredict,
	pattern.PRDFAIL:        statePredict,
	pattern.HOTSPARE:       stateHotspare,
	pattern.ICA:            stateCriticalArray,
	pattern.DEGRADED:       stateCriticalArray,
	pattern.IFA:            stateFailedArray,
	pattern.FAILED_ARRAY:   stateFailedArray,
})

var reverse = map[uint32]pattern.Pattern{
	stateOnline:        pattern.NORMAL,
	stateIdentify:      pattern.LOCATE,
	stateRebuilding:    pattern.REBUILD,
	stateFault:         pattern.FAILED_DRIVE,
	statePredict:       pattern.PFA,
	stateHotspare:      pattern.HOTSPARE,
	stateCriticalArray: pattern.ICA,
	stateFailedArray:   pattern.IFA,
}

// openIPMIDevice and transact are package-level function variables so
// tests can intercept the /dev/ipmi0 handle and the request/response
// exchange without a real BMC.
var (
	openIPMIDevice = func() (*os.File, error) { return os.OpenFile("/dev/ipmi0", os.O_RDWR, 0) }
	transact       = ipmi.Transact
)

// Device drives one Dell backplane drive slot through the iDRAC.
type Device struct {
	Block      *bind.BlockDevice
	bdf        string
	generation int
	bay, slot  byte
	mapped     bool
}

// New wraps a bound block device reachable through a DELLSSD controller.
func New(bd *bind.BlockDevice) (*Device, error) {
	if bd.Controller == nil || bd.Controller.Kind != probe.DELLSSD {
		return nil, errkind.New(errkind.InvalidState, "block device is not Dell-backplane-attached")
	}
	bdf := bdfOf(bd.ControlPath)
	return &Device{Block: bd, bdf: bdf, generation: bd.Controller.IdracGeneration}, nil
}

func bdfOf(controlPath string) string {
	i := strings.LastIndexByte(controlPath, '/')
	if i < 0 {
		return controlPath
	}
	return controlPath[i+1:]
}

// ProbeGeneration answers probe.DellGenerationProbe: it opens the IPMI
// device and asks the iDRAC for its system generation, returning it on
// success. bdf is not part of the request; any device answers ok while
// the iDRAC responds.
func ProbeGeneration(bdf string) (generation int, ok bool) {
	f, err := openIPMIDevice()
	if err != nil {
		return 0, false
	}
	defer f.Close()

	gen, err := getSystemInfo(f.Fd())
	if err != nil {
		return 0, false
	}
	return gen, true
}

// getSystemInfo issues the OEM "get system info" sub-command (0x00) and
// returns the generation byte the iDRAC reports in the first response
// byte.
func getSystemInfo(fd uintptr) (int, error) {
	resp, err := transact(fd, netFn, cmd, []byte{0x00})
	if err != nil {
		return 0, err
	}
	if len(resp) < 1 {
		return 0, errkind.New(errkind.DataError, "empty GetSystemInfo response")
	}
	return int(resp[0]), nil
}

// ensureMapped resolves bay:slot for this device's B:D.F, caching the
// result for the lifetime of the Device.
func (d *Device) ensureMapped(fd uintptr) error {
	if d.mapped {
		return nil
	}
	tier := tierFor(d.generation)

	req := make([]byte, 0, 1+len(d.bdf))
	req = append(req, tier.getMap)
	req = append(req, []byte(d.bdf)...)

	resp, err := transact(fd, netFn, cmd, req)
	if err != nil {
		return errkind.Wrap(err, errkind.IoError, "get drive map")
	}
	if len(resp) < 2 {
		return errkind.New(errkind.DataError, "short get-drive-map response")
	}
	d.bay, d.slot = resp[0], resp[1]
	d.mapped = true
	return nil
}

// Capable reports whether p has a Dell drive-status bit encoding.
func (d *Device) Capable(p pattern.Pattern) bool {
	_, ok := table.Lookup(p)
	return ok
}

// Set records p as the pattern to apply on the next Flush.
func (d *Device) Set(p pattern.Pattern) error {
	if !d.Capable(p) {
		return errkind.New(errkind.InvalidState, "pattern not representable on Dell backplane status")
	}
	d.Block.Transition.Set(p)
	return nil
}

// Flush resolves bay:slot (first use only), then issues a 12-byte
// set-drive-status payload carrying the pattern's state bits, per the
// generation-appropriate sub-command pair.
func (d *Device) Flush() error {
	t := &d.Block.Transition
	if !t.Dirty() {
		return nil
	}
	state, ok := table.Lookup(t.Current())
	if !ok {
		return errkind.New(errkind.InvalidState, "pattern not representable on Dell backplane status")
	}

	f, err := openIPMIDevice()
	if err != nil {
		t.Fail()
		return errkind.Wrap(err, errkind.IoError, "open IPMI device")
	}
	defer f.Close()

	if d.generation == 0 {
		if gen, err := getSystemInfo(f.Fd()); err == nil {
			d.generation = gen
		}
	}

	if err := d.ensureMapped(f.Fd()); err != nil {
		t.Fail()
		return err
	}

	tier := tierFor(d.generation)
	payload := make([]byte, 12)
	payload[0] = tier.setStatus
	payload[1] = d.bay
	payload[2] = d.slot
	payload[3] = byte(state)      // state LSB
	payload[4] = byte(state >> 8) // state MSB

	if _, err := transact(f.Fd(), netFn, cmd, payload); err != nil {
		log.WithError(err).WithField("bdf", d.bdf).Debug("set-drive-status failed")
		t.Fail()
		return errkind.Wrap(err, errkind.IoError, "set drive status")
	}
	t.Commit()
	return nil
}

// GetState re-reads bay:slot's status through the same OEM command set
// and decodes it against the single-bit pattern table.
func (d *Device) GetState() (pattern.Pattern, error) {
	f, err := openIPMIDevice()
	if err != nil {
		return pattern.UNKNOWN, errkind.Wrap(err, errkind.IoError, "open IPMI device")
	}
	defer f.Close()

	if err := d.ensureMapped(f.Fd()); err != nil {
		return pattern.UNKNOWN, err
	}

	tier := tierFor(d.generation)
	resp, err := transact(f.Fd(), netFn, cmd, []byte{tier.getMap, d.bay, d.slot})
	if err != nil {
		return pattern.UNKNOWN, errkind.Wrap(err, errkind.IoError, "get drive status")
	}
	if len(resp) < 2 {
		return pattern.UNKNOWN, errkind.New(errkind.DataError, "short get-drive-status response")
	}
	state := uint32(resp[0]) | uint32(resp[1])<<8

	for bit, p := range reverse {
		if state&bit == bit {
			return p, nil
		}
	}
	return pattern.NORMAL, nil
}
