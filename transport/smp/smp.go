// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package smp implements the SCSI SAS SMP (Serial Management Protocol)
// transport: per-host staging of IBPI status bytes, flushed as a
// write-GPIO frame over a host's bsg node. isci-driven hosts instead
// maintain a single SFF-8485 GPIO_TX[1] bitstream.
package smp

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"time"

	"github.com/ledctl/ledctl/bind"
	"github.com/ledctl/ledctl/errkind"
	"github.com/ledctl/ledctl/pattern"
	"github.com/ledctl/ledctl/probe"
	"github.com/ledctl/ledctl/problog"
	"github.com/ledctl/ledctl/sgio"
)

var log = problog.NewSubsystemLogger("transport.smp")

// SMP write-GPIO frame layout (§6: "header {0x40, 0x82, reg_type,
// reg_index, reg_count, rsvd[3]} + reg_count*4 data bytes + 4-byte CRC").
const (
	frameType        = 0x40
	writeGPIOFunc    = 0x82
	frameReplyType   = 0x41
	frameHeaderLen   = 8
	crcLen           = 4
	regTypeCFG       = 0
	regTypeRX        = 1
	regTypeRXGP      = 2
	regTypeTX        = 3
	regTypeTXGP      = 4
	maxRetries       = 3
	retrySleep       = time.Millisecond
	smpFrameTimeout  = 5 * time.Second
	bitsPerPhyISCI   = 3
	bytesPerTXReg    = 4
	physPerTXReg     = 4
)

// activityCode is the SFF-8489 3-bit activity phase field.
type activityCode byte

const (
	activityOn activityCode = iota
	activityOff
	activity4Hz
	activityInverse4Hz
	activityEOF
	activitySOF
	activity2Hz
	activityInverse2Hz
)

// sffCode is one phy's {error:3, locate:2, activity:3} bit-packed
// status byte, staged as three separate bytes (one field per byte) in
// the host's staging buffer and packed only at Flush time.
type sffCode struct {
	Error    byte
	Locate   byte
	Activity activityCode
}

func (c sffCode) pack() byte {
	return (c.Error&0x7)<<5 | (c.Locate&0x3)<<3 | byte(c.Activity&0x7)
}

// sffTable maps patterns to their non-isci SFF-8489 sub-field encoding.
var sffTable = pattern.NewTable(sffCode{}, map[pattern.Pattern]sffCode{
	pattern.NORMAL:          {Error: 0, Locate: 0, Activity: activityOff},
	pattern.ONESHOT_NORMAL:  {Error: 0, Locate: 0, Activity: activityOff},
	pattern.LOCATE_OFF:      {Error: 0, Locate: 0, Activity: activityOff},
	pattern.LOCATE:          {Error: 0, Locate: 1, Activity: activityOff},
	pattern.LOCATE_AND_FAIL: {Error: 1, Locate: 1, Activity: activityOff},
	pattern.REBUILD:         {Error: 0, Locate: 0, Activity: activity4Hz},
	pattern.FAILED_DRIVE:    {Error: 1, Locate: 0, Activity: activityOff},
	pattern.FAULT:           {Error: 1, Locate: 0, Activity: activityOff},
	pattern.PFA:             {Error: 1, Locate: 0, Activity: activity2Hz},
	pattern.PRDFAIL:         {Error: 1, Locate: 0, Activity: activity2Hz},
	pattern.DEGRADED:        {Error: 1, Locate: 0, Activity: activityInverse4Hz},
	pattern.FAILED_ARRAY:    {Error: 1, Locate: 0, Activity: activityOn},
	pattern.HOTSPARE:        {Error: 0, Locate: 1, Activity: activity2Hz},
})

// isciBits is the boolean triple written into the GPIO_TX[1] bitstream
// for isci direct-attached hosts.
type isciBits struct {
	Error, Locate, Activity bool
}

var isciTable = pattern.NewTable(isciBits{}, map[pattern.Pattern]isciBits{
	pattern.NORMAL:          {},
	pattern.ONESHOT_NORMAL:  {},
	pattern.LOCATE_OFF:      {},
	pattern.LOCATE:          {Locate: true},
	pattern.LOCATE_AND_FAIL: {Error: true, Locate: true},
	pattern.REBUILD:         {Activity: true},
	pattern.FAILED_DRIVE:    {Error: true},
	pattern.FAULT:           {Error: true},
	pattern.PFA:             {Error: true, Activity: true},
	pattern.PRDFAIL:         {Error: true, Activity: true},
	pattern.DEGRADED:        {Error: true, Activity: true},
	pattern.FAILED_ARRAY:    {Error: true},
	pattern.HOTSPARE:        {Locate: true, Activity: true},
})

// nanosleep and openBsg are package-level function variables so tests
// can intercept retry pacing and the bsg device open.
var (
	nanosleep = time.Sleep
	openBsg   = os.OpenFile
)

// EnsureHost finds or creates, and registers on ctrl, the Host record
// for hostID, sized for phyCount phys. New fails for a drive whose host
// has no record; Context.Scan does not call EnsureHost, so only hosts
// registered here by other callers get smp.Device values.
func EnsureHost(ctrl *probe.Controller, hostID, phyCount int, isci bool) *probe.Host {
	if h := ctrl.HostByID(hostID); h != nil {
		return h
	}
	h := probe.NewHost(hostID, phyCount, isci)
	ctrl.Hosts = append(ctrl.Hosts, h)
	return h
}

// Device drives one SMP-attached drive's phy slot on its host.
type Device struct {
	Block *bind.BlockDevice
	host  *probe.Host
}

// New wraps a bound SCSI block device for SMP dispatch. The owning
// controller must already carry a Host record for Block.HostID (see
// EnsureHost), and Block.PhyIndex must be within that host's phy count.
func New(bd *bind.BlockDevice) (*Device, error) {
	if bd.Controller == nil || bd.Controller.Kind != probe.SCSI {
		return nil, errkind.New(errkind.InvalidState, "block device is not SMP-attached")
	}
	host := bd.Controller.HostByID(bd.HostID)
	if host == nil {
		return nil, errkind.New(errkind.NotSupported, "no host record registered for SMP dispatch")
	}
	if bd.PhyIndex < 0 || bd.PhyIndex >= host.PhyCount {
		return nil, errkind.New(errkind.InvalidState, "phy index out of range for host")
	}
	return &Device{Block: bd, host: host}, nil
}

// Capable reports whether p has an SMP encoding for this host's mode.
func (d *Device) Capable(p pattern.Pattern) bool {
	if d.host.ISCI {
		_, ok := isciTable.Lookup(p)
		return ok
	}
	_, ok := sffTable.Lookup(p)
	return ok
}

// Set stages p for this device's phy and marks the host dirty; the
// actual hardware write is deferred to Flush.
func (d *Device) Set(p pattern.Pattern) error {
	if !d.Capable(p) {
		return errkind.New(errkind.InvalidState, "pattern not representable on SMP")
	}
	d.Block.Transition.Set(p)

	if d.host.ISCI {
		bits, _ := isciTable.Lookup(p)
		setISCIBits(&d.host.Bitstream, d.Block.PhyIndex, bits)
	} else {
		code, _ := sffTable.Lookup(p)
		off := d.Block.PhyIndex * 3
		if off+3 <= len(d.host.Staging) {
			d.host.Staging[off] = code.Error
			d.host.Staging[off+1] = code.Locate
			d.host.Staging[off+2] = byte(code.Activity)
		}
	}
	d.host.Dirty = true
	return nil
}

// setISCIBits writes three consecutive bits (error, locate, activity)
// into buf starting at bit offset phy*3, most-significant bit first.
func setISCIBits(buf *[4]byte, phy int, bits isciBits) {
	base := phy * bitsPerPhyISCI
	setBit(buf[:], base, bits.Error)
	setBit(buf[:], base+1, bits.Locate)
	setBit(buf[:], base+2, bits.Activity)
}

func setBit(buf []byte, bitIndex int, v bool) {
	byteIdx := bitIndex / 8
	if byteIdx >= len(buf) {
		return
	}
	mask := byte(0x80 >> uint(bitIndex%8))
	if v {
		buf[byteIdx] |= mask
	} else {
		buf[byteIdx] &^= mask
	}
}

// Flush emits one SMP write-GPIO frame for this device's host if the
// host carries any unflushed staged changes.
func (d *Device) Flush() error {
	t := &d.Block.Transition
	if !t.Dirty() {
		return nil
	}
	if !d.host.Dirty {
		t.Commit()
		return nil
	}

	fd, err := openBsg(d.Block.ControlPath, os.O_RDWR, 0)
	if err != nil {
		t.Fail()
		return errkind.Wrap(err, errkind.IoError, "open SMP host bsg node")
	}
	defer fd.Close()

	req := d.buildRequest()
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		lastErr = executeFrame(fd.Fd(), req)
		if lastErr == nil || !sgio.IsEBusy(lastErr) {
			break
		}
		nanosleep(retrySleep)
	}
	if lastErr != nil {
		t.Fail()
		return errkind.Wrap(lastErr, errkind.IoError, "SMP write-GPIO frame")
	}

	d.host.Dirty = false
	t.Commit()
	return nil
}

// buildRequest assembles the write-GPIO frame for this device's host:
// isci hosts write one TX_GP register (index 1, count 1) carrying the
// 4-byte bitstream; non-isci hosts write ceil(ports/4) TX registers
// built from the 3-bytes-per-phy staging buffer.
func (d *Device) buildRequest() []byte {
	if d.host.ISCI {
		return buildFrame(regTypeTXGP, 1, 1, d.host.Bitstream[:])
	}

	regCount := (d.host.PhyCount + physPerTXReg - 1) / physPerTXReg
	data := make([]byte, regCount*bytesPerTXReg)
	for phy := 0; phy < d.host.PhyCount; phy++ {
		off := phy * 3
		if off+3 > len(d.host.Staging) {
			continue
		}
		code := sffCode{
			Error:    d.host.Staging[off],
			Locate:   d.host.Staging[off+1],
			Activity: activityCode(d.host.Staging[off+2]),
		}
		data[phy] = code.pack()
	}
	return buildFrame(regTypeTX, 0, regCount, data)
}

func buildFrame(regType, regIndex, regCount byte, data []byte) []byte {
	frame := make([]byte, frameHeaderLen+len(data)+crcLen)
	frame[0] = frameType
	frame[1] = writeGPIOFunc
	frame[2] = regType
	frame[3] = regIndex
	frame[4] = regCount
	copy(frame[frameHeaderLen:], data)
	crc := crc32.ChecksumIEEE(frame[:frameHeaderLen+len(data)])
	binary.BigEndian.PutUint32(frame[frameHeaderLen+len(data):], crc)
	return frame
}

// executeFrame sends req and overwrites it in place with the reply,
// validating the reply echoes frameReplyType and the request's function
// byte.
func executeFrame(fd uintptr, req []byte) error {
	if _, err := sgio.ExecuteTimeout(fd, []byte{req[0]}, req, sgio.Bidirectional, smpFrameTimeout); err != nil {
		return err
	}
	if req[0] != frameReplyType || req[1] != writeGPIOFunc {
		return errkind.New(errkind.DataError, "SMP reply frame mismatch")
	}
	return nil
}

// GetState returns the last pattern this transport successfully wrote.
func (d *Device) GetState() (pattern.Pattern, error) {
	return d.Block.Transition.Previous(), nil
}
