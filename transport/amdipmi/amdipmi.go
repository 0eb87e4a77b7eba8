// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package amdipmi implements the AMD dual-mode backplane's IPMI leg: a
// read-modify-write of one drive-bay bit, on an MG9098 backplane chip
// reached through the Set/Get Drive Status OEM command.
package amdipmi

import (
	"os"
	"regexp"
	"strconv"

	"github.com/ledctl/ledctl/bind"
	"github.com/ledctl/ledctl/errkind"
	"github.com/ledctl/ledctl/ipmi"
	"github.com/ledctl/ledctl/pattern"
)

// Set/Get Drive Status OEM command.
const (
	netFn = 0x06
	cmd   = 0x52
)

// Per-platform tail addresses (DaytonaX layout).
const (
	tailSATALow  = 0xc0 // bays 1-8
	tailSATAHigh = 0xc2 // bays 9-16
	tailNVMe     = 0xc4
)

// Status registers, one bit per bay.
const (
	regPFA          = 0x41
	regLocate       = 0x42
	regFailed       = 0x44
	regFailedArray  = 0x45
	regRebuild      = 0x46
	regHotspare     = 0x47
	regSMBUSControl = 0x3c

	chipIDReg      = 0x63
	chipIDExpected = 0x98
)

var regTable = map[pattern.Pattern]byte{
	pattern.PFA:          regPFA,
	pattern.PRDFAIL:      regPFA,
	pattern.LOCATE:       regLocate,
	pattern.FAILED_DRIVE: regFailed,
	pattern.FAULT:        regFailed,
	pattern.FAILED_ARRAY: regFailedArray,
	pattern.IFA:          regFailedArray,
	pattern.REBUILD:      regRebuild,
	pattern.HOTSPARE:     regHotspare,
}

var allRegs = []byte{regPFA, regLocate, regFailed, regFailedArray, regRebuild, regHotspare}

var ataSegment = regexp.MustCompile(`ata(\d+)$`)
var nvmeSegment = regexp.MustCompile(`nvme(\d+)(?:n\d+)?$`)

// openIPMIDevice and transact are package-level function variables so
// tests can intercept the /dev/ipmi0 handle and the request/response
// exchange.
var (
	openIPMIDevice = func() (*os.File, error) { return os.OpenFile("/dev/ipmi0", os.O_RDWR, 0) }
	transact       = ipmi.Transact
)

// Device drives one drive bay on an AMD IPMI backplane.
type Device struct {
	Block   *bind.BlockDevice
	channel byte
	tail    byte
	bayIdx  byte // 0-7, bit position within each status register
}

// New derives (channel, tail-address, bay bit) from bd's control path,
// per §4.12's platform-identity + bay-type rule.
func New(bd *bind.BlockDevice) (*Device, error) {
	bay, isNVMe, ok := bayNumber(bd.ControlPath)
	if !ok {
		return nil, errkind.New(errkind.InvalidPath, "no ata or nvme segment in AMD IPMI control path")
	}

	var tail byte
	switch {
	case isNVMe:
		tail = tailNVMe
	case bay <= 8:
		tail = tailSATALow
	default:
		tail = tailSATAHigh
	}

	return &Device{Block: bd, channel: 0x00, tail: tail, bayIdx: byte((bay - 1) % 8)}, nil
}

func bayNumber(controlPath string) (bay int, isNVMe bool, ok bool) {
	if m := nvmeSegment.FindStringSubmatch(controlPath); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n + 1, true, true
	}
	if m := ataSegment.FindStringSubmatch(controlPath); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n, false, true
	}
	return 0, false, false
}

// ValidateBackplane reads register 0x63 and confirms this is an MG9098
// chip before any drive-bay command is trusted.
func (d *Device) ValidateBackplane() error {
	f, err := openIPMIDevice()
	if err != nil {
		return errkind.Wrap(err, errkind.IoError, "open IPMI device")
	}
	defer f.Close()

	resp, err := transact(f.Fd(), netFn, cmd, []byte{d.channel, d.tail, chipIDReg, 0x00})
	if err != nil {
		return errkind.Wrap(err, errkind.IoError, "read chip id register")
	}
	if len(resp) < 1 || resp[0] != chipIDExpected {
		return errkind.New(errkind.NotSupported, "backplane chip id is not MG9098")
	}
	return nil
}

// Capable reports whether p has a status-register bit encoding, or is
// one of the two clearing patterns.
func (d *Device) Capable(p pattern.Pattern) bool {
	if p == pattern.NORMAL || p == pattern.ONESHOT_NORMAL || p == pattern.LOCATE_OFF {
		return true
	}
	_, ok := regTable[p]
	return ok
}

// Set records p as the pattern to apply on the next Flush.
func (d *Device) Set(p pattern.Pattern) error {
	if !d.Capable(p) {
		return errkind.New(errkind.InvalidState, "pattern not representable on AMD IPMI backplane")
	}
	d.Block.Transition.Set(p)
	return nil
}

// Flush clears every register's bay bit for NORMAL, clears only LOCATE
// for LOCATE_OFF, or sets one register's bay bit and toggles the SMBUS
// control bit once for any other pattern.
func (d *Device) Flush() error {
	t := &d.Block.Transition
	if !t.Dirty() {
		return nil
	}

	f, err := openIPMIDevice()
	if err != nil {
		t.Fail()
		return errkind.Wrap(err, errkind.IoError, "open IPMI device")
	}
	defer f.Close()

	switch p := t.Current(); {
	case p == pattern.NORMAL || p == pattern.ONESHOT_NORMAL:
		for _, reg := range allRegs {
			if err := d.setBit(f.Fd(), reg, false); err != nil {
				t.Fail()
				return err
			}
		}
	case p == pattern.LOCATE_OFF:
		if err := d.setBit(f.Fd(), regLocate, false); err != nil {
			t.Fail()
			return err
		}
	default:
		reg, ok := regTable[p]
		if !ok {
			return errkind.New(errkind.InvalidState, "pattern not representable on AMD IPMI backplane")
		}
		if err := d.setBit(f.Fd(), reg, true); err != nil {
			t.Fail()
			return err
		}
		if err := d.toggleSMBUSControl(f.Fd()); err != nil {
			t.Fail()
			return err
		}
	}

	t.Commit()
	return nil
}

func (d *Device) readRegister(fd uintptr, reg byte) (byte, error) {
	resp, err := transact(fd, netFn, cmd, []byte{d.channel, d.tail, reg, 0x00})
	if err != nil {
		return 0, errkind.Wrap(err, errkind.IoError, "read drive status register")
	}
	if len(resp) < 1 {
		return 0, errkind.New(errkind.DataError, "empty drive status response")
	}
	return resp[0], nil
}

func (d *Device) writeRegister(fd uintptr, reg, value byte) error {
	_, err := transact(fd, netFn, cmd, []byte{d.channel, d.tail, reg, value, 0x00})
	if err != nil {
		return errkind.Wrap(err, errkind.IoError, "write drive status register")
	}
	return nil
}

// setBit reads reg's current byte, then ORs or AND-NOTs this device's
// bay bit into it and writes it back.
func (d *Device) setBit(fd uintptr, reg byte, on bool) error {
	cur, err := d.readRegister(fd, reg)
	if err != nil {
		return err
	}
	mask := byte(1) << d.bayIdx
	var next byte
	if on {
		next = cur | mask
	} else {
		next = cur &^ mask
	}
	return d.writeRegister(fd, reg, next)
}

// toggleSMBUSControl flips the 0x3C control bit once, as required any
// time a status register transitions to a lit state.
func (d *Device) toggleSMBUSControl(fd uintptr) error {
	cur, err := d.readRegister(fd, regSMBUSControl)
	if err != nil {
		return err
	}
	return d.writeRegister(fd, regSMBUSControl, cur^0x01)
}

// GetState reads every known register's bay bit and reports the first
// one set; NORMAL if none are.
func (d *Device) GetState() (pattern.Pattern, error) {
	f, err := openIPMIDevice()
	if err != nil {
		return pattern.UNKNOWN, errkind.Wrap(err, errkind.IoError, "open IPMI device")
	}
	defer f.Close()

	mask := byte(1) << d.bayIdx
	for p, reg := range regTable {
		v, err := d.readRegister(f.Fd(), reg)
		if err != nil {
			return pattern.UNKNOWN, err
		}
		if v&mask != 0 {
			return p, nil
		}
	}
	return pattern.NORMAL, nil
}
