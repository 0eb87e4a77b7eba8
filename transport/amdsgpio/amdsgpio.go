// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package amdsgpio implements the AMD dual-mode backplane's SGPIO leg: a
// three-register (AMD/Configuration/Transmit) frame written to the
// controller's em_buffer, with blink-generator assignments held in a
// file-backed cache shared across every process driving the backplane.
package amdsgpio

import (
	"os"
	"regexp"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ledctl/ledctl/bind"
	"github.com/ledctl/ledctl/errkind"
	"github.com/ledctl/ledctl/pattern"
	"github.com/ledctl/ledctl/problog"
)

var log = problog.NewSubsystemLogger("transport.amdsgpio")

var ataSegment = regexp.MustCompile(`ata(\d+)$`)

const drivesPerGroup = 4

// ibpiPattern assigns each pattern a blink-generator rate code. REBUILD's
// 0x07 is the only value this is pinned to; the rest follow the same
// numbering scheme.
var ibpiPattern = map[pattern.Pattern]byte{
	pattern.NORMAL:         0x00,
	pattern.ONESHOT_NORMAL: 0x00,
	pattern.LOCATE_OFF:     0x00,
	pattern.LOCATE:         0x01,
	pattern.PFA:            0x05,
	pattern.PRDFAIL:        0x05,
	pattern.FAILED_DRIVE:   0x03,
	pattern.FAULT:          0x03,
	pattern.REBUILD:        0x07,
	pattern.ICA:            0x09,
	pattern.DEGRADED:       0x09,
	pattern.IFA:            0x0b,
	pattern.FAILED_ARRAY:   0x0b,
	pattern.HOTSPARE:       0x0d,
}

// txBits is one drive's {error:3, locate:2, activity:3} TX register
// contribution, before packing.
type txBits struct {
	errorCode byte
	locate    byte
	activity  byte
}

var txTable = map[pattern.Pattern]txBits{
	pattern.NORMAL:         {},
	pattern.ONESHOT_NORMAL: {},
	pattern.LOCATE_OFF:     {},
	pattern.LOCATE:         {locate: 0x1},
	pattern.FAILED_DRIVE:   {errorCode: 0x01},
	pattern.FAULT:          {errorCode: 0x01},
	pattern.REBUILD:        {errorCode: 0x02},
	pattern.PFA:            {errorCode: 0x03},
	pattern.PRDFAIL:        {errorCode: 0x03},
	pattern.ICA:            {errorCode: 0x04},
	pattern.DEGRADED:       {errorCode: 0x04},
	pattern.IFA:            {errorCode: 0x05},
	pattern.FAILED_ARRAY:   {errorCode: 0x05},
	pattern.HOTSPARE:       {activity: 0x01},
}

// packTX bit-packs one drive's TX byte: error in bits 7:5, locate in
// bits 4:3, activity in bits 2:0.
func packTX(b txBits) byte {
	return (b.errorCode&0x7)<<5 | (b.locate&0x3)<<3 | b.activity&0x7
}

// AMD register bits (initiator, polarity-flip, bypass-enable,
// return-to-normal).
const (
	amdBitInitiator      = 0x01
	amdBitPolarityFlip   = 0x02
	amdBitBypassEnable   = 0x04
	amdBitReturnToNormal = 0x08
)

const cachePath = "/dev/shm/ledmon_amd_sgpio_cache"
const cacheSize = 1024
const recordSize = 12 // drive_leds[4] (1 packed byte each) + blink_gen_a + blink_gen_b + 6 bytes reserved

// groupRecord is one group's 12-byte cache slot.
type groupRecord struct {
	DriveLEDs [drivesPerGroup]byte
	BlinkGenA byte
	BlinkGenB byte
}

func (r groupRecord) marshal() []byte {
	buf := make([]byte, recordSize)
	copy(buf[0:4], r.DriveLEDs[:])
	buf[4] = r.BlinkGenA
	buf[5] = r.BlinkGenB
	return buf
}

func unmarshalRecord(buf []byte) groupRecord {
	var r groupRecord
	copy(r.DriveLEDs[:], buf[0:4])
	r.BlinkGenA = buf[4]
	r.BlinkGenB = buf[5]
	return r
}

// openCache, flockFn and nanosleep are package-level function variables
// so tests can substitute a temp file and skip the real file lock.
var (
	openCache = func() (*os.File, error) {
		return os.OpenFile(cachePath, os.O_RDWR|os.O_CREATE, 0o644)
	}
	flockFn   = unix.Flock
	nanosleep = time.Sleep
)

// Device drives one drive bay within an AMD SGPIO backplane group.
type Device struct {
	Block   *bind.BlockDevice
	ataPort int
}

// New derives the drive's ata_port number from its control path.
func New(bd *bind.BlockDevice) (*Device, error) {
	m := ataSegment.FindStringSubmatch(bd.ControlPath)
	if m == nil {
		return nil, errkind.New(errkind.InvalidPath, "no ataNN segment in AMD SGPIO control path")
	}
	port := 0
	for _, c := range m[1] {
		port = port*10 + int(c-'0')
	}
	return &Device{Block: bd, ataPort: port}, nil
}

func (d *Device) group() int   { return (d.ataPort - 1) / drivesPerGroup }
func (d *Device) bayInGroup() int { return (d.ataPort - 1) % drivesPerGroup }

// Capable reports whether p has a TX/blink-generator encoding.
func (d *Device) Capable(p pattern.Pattern) bool {
	_, ok := txTable[p]
	return ok
}

// Set records p as the pattern to apply on the next Flush.
func (d *Device) Set(p pattern.Pattern) error {
	if !d.Capable(p) {
		return errkind.New(errkind.InvalidState, "pattern not representable on AMD SGPIO")
	}
	d.Block.Transition.Set(p)
	return nil
}

// Flush opens the shared cache under an exclusive flock, mutates this
// drive's slot, writes the AMD/Configuration/Transmit register triple,
// and restores the cache snapshot on any failure.
func (d *Device) Flush() error {
	t := &d.Block.Transition
	if !t.Dirty() {
		return nil
	}
	tx, ok := txTable[t.Current()]
	if !ok {
		return errkind.New(errkind.InvalidState, "pattern not representable on AMD SGPIO")
	}

	f, err := openCache()
	if err != nil {
		t.Fail()
		return errkind.Wrap(err, errkind.IoError, "open AMD SGPIO cache")
	}
	defer f.Close()

	if err := flockFn(int(f.Fd()), unix.LOCK_EX); err != nil {
		t.Fail()
		return errkind.Wrap(err, errkind.IoError, "lock AMD SGPIO cache")
	}
	defer flockFn(int(f.Fd()), unix.LOCK_UN)

	if fi, err := f.Stat(); err == nil && fi.Size() < cacheSize {
		if err := f.Truncate(cacheSize); err != nil {
			t.Fail()
			return errkind.Wrap(err, errkind.IoError, "size AMD SGPIO cache")
		}
	}

	offset := int64(d.group() * recordSize)
	snapshot := make([]byte, recordSize)
	if _, err := f.ReadAt(snapshot, offset); err != nil {
		t.Fail()
		return errkind.Wrap(err, errkind.IoError, "read AMD SGPIO cache slot")
	}

	rec := unmarshalRecord(snapshot)
	rec.DriveLEDs[d.bayInGroup()] = packTX(tx)
	assignGenerator(&rec, ibpiPattern[t.Current()])

	if err := d.writeRegisters(rec); err != nil {
		if _, werr := f.WriteAt(snapshot, offset); werr != nil {
			log.WithError(werr).Debug("failed to restore AMD SGPIO cache snapshot after write failure")
		}
		t.Fail()
		return err
	}

	if _, err := f.WriteAt(rec.marshal(), offset); err != nil {
		t.Fail()
		return errkind.Wrap(err, errkind.IoError, "write AMD SGPIO cache slot")
	}

	t.Commit()
	return nil
}

// assignGenerator picks which of the group's two blink generators takes
// over code: reuse a generator already carrying it, fill whichever is
// unused, or overwrite A once both are occupied by other codes. With
// both occupied, every further new code replaces A, so successive
// distinct patterns do not alternate between A and B.
func assignGenerator(rec *groupRecord, code byte) {
	switch {
	case rec.BlinkGenA == code, rec.BlinkGenB == code:
		return
	case rec.BlinkGenA == 0:
		rec.BlinkGenA = code
	case rec.BlinkGenB == 0:
		rec.BlinkGenB = code
	default:
		rec.BlinkGenA = code
	}
}

// writeRegisters writes the AMD register, then the Configuration
// register (this group's blink-generator pair), then the Transmit
// register (all four bays' packed TX bytes), in that order.
func (d *Device) writeRegisters(rec groupRecord) error {
	amdReg := byte(amdBitInitiator)
	cfgReg := []byte{rec.BlinkGenA, rec.BlinkGenB}
	txReg := rec.DriveLEDs[:]

	frame := append([]byte{amdReg}, cfgReg...)
	frame = append(frame, txReg...)

	path := d.Block.ControlPath + "/em_buffer"
	if err := os.WriteFile(path, frame, 0o644); err != nil {
		return errkind.Wrap(err, errkind.IoError, "write em_buffer")
	}
	return nil
}

// GetState reads this drive's TX byte back from the cache and decodes
// it against the packed TX table.
func (d *Device) GetState() (pattern.Pattern, error) {
	f, err := openCache()
	if err != nil {
		return pattern.UNKNOWN, errkind.Wrap(err, errkind.IoError, "open AMD SGPIO cache")
	}
	defer f.Close()

	offset := int64(d.group()*recordSize) + int64(d.bayInGroup())
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return pattern.UNKNOWN, errkind.Wrap(err, errkind.IoError, "read AMD SGPIO cache slot")
	}

	for p, bits := range txTable {
		if packTX(bits) == buf[0] && bits != (txBits{}) {
			return p, nil
		}
	}
	if buf[0] == 0 {
		return pattern.NORMAL, nil
	}
	return pattern.UNKNOWN, nil
}
