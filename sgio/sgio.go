// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package sgio issues SCSI commands through the Linux SG_IO ioctl, shared
// by the SES transport (RECEIVE/SEND DIAGNOSTIC) and the SMP transport
// (generic-SCSI passthrough of an SMP frame). A thin, directly-testable
// wrapper around golang.org/x/sys/unix.Syscall(SYS_IOCTL, ...) rather than
// a cgo binding.
package sgio

import (
	"errors"
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux <scsi/sg.h> SG_IO ioctl request number and sg_io_hdr constants.
const (
	sgIO              = 0x2285
	sgDxferNone       = -1
	sgDxferToDev      = -2
	sgDxferFromDev    = -3
	sgDxferToFromDev  = -4
	sgInterfaceID     = 'S'
	defaultTimeoutMs  = 5000 // driver timeout for SG_IO passthrough commands
	maxSenseBufferLen = 32
)

// Direction is the data-transfer direction of a SCSI command.
type Direction int

const (
	None Direction = iota
	ToDevice
	FromDevice
	// Bidirectional reuses a single buffer for both the outgoing request
	// and the incoming response, the SG_DXFER_TO_FROM_DEV mode bsg-style
	// SMP passthrough needs: the kernel overwrites the request bytes with
	// the reply in place.
	Bidirectional
)

// ioctlFunc is a package-level function variable so tests can mock the
// syscall entirely, the same pattern as virtcontainers/utils.ioctlFunc.
var ioctlFunc = rawIoctl

func rawIoctl(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg)); errno != 0 {
		return os.NewSyscallError("ioctl", errno)
	}
	return nil
}

// sgIOHdr mirrors struct sg_io_hdr from <scsi/sg.h>. Field order and
// sizes must match the kernel ABI exactly; this is the one place a Go
// struct (rather than an explicit byte-buffer pack/unpack) is
// appropriate, because the kernel dereferences real pointers
// (dxferp/cmdp/sbp) that unsafe.Pointer must carry, not just numbers.
type sgIOHdr struct {
	InterfaceID    int32
	DxferDirection int32
	CmdLen         uint8
	MxSbLen        uint8
	IovecCount     uint16
	DxferLen       uint32
	Dxferp         unsafe.Pointer
	Cmdp           unsafe.Pointer
	Sbp            unsafe.Pointer
	Timeout        uint32
	Flags          uint32
	PackID         int32
	UsrPtr         unsafe.Pointer
	Status         uint8
	MaskedStatus   uint8
	MsgStatus      uint8
	SbLenWr        uint8
	HostStatus     uint16
	DriverStatus   uint16
	Resid          int32
	Duration       uint32
	Info           uint32
}

// Result carries the kernel, host/transport, and device status fields in
// that precedence order, so callers can distinguish a kernel-level
// failure from a device that merely reported CHECK CONDITION.
type Result struct {
	Status       uint8
	HostStatus   uint16
	DriverStatus uint16
	SenseLen     uint8
	Sense        [maxSenseBufferLen]byte
}

// Success reports whether the command completed with no kernel, host, or
// device-level error indication.
func (r Result) Success() bool {
	return r.HostStatus == 0 && r.DriverStatus == 0 && r.Status == 0
}

// Execute issues cdb against the device opened at fd, transferring data
// in the given direction, with the default 5-second timeout. data is
// read from (ToDevice) or written into (FromDevice) in place.
func Execute(fd uintptr, cdb []byte, data []byte, dir Direction) (Result, error) {
	return ExecuteTimeout(fd, cdb, data, dir, defaultTimeoutMs*time.Millisecond)
}

// ExecuteTimeout is Execute with an explicit timeout.
func ExecuteTimeout(fd uintptr, cdb []byte, data []byte, dir Direction, timeout time.Duration) (Result, error) {
	var direction int32
	var dxferp unsafe.Pointer
	var dxferLen uint32

	switch dir {
	case ToDevice:
		direction = sgDxferToDev
	case FromDevice:
		direction = sgDxferFromDev
	case Bidirectional:
		direction = sgDxferToFromDev
	default:
		direction = sgDxferNone
	}
	if len(data) > 0 {
		dxferp = unsafe.Pointer(&data[0])
		dxferLen = uint32(len(data))
	}
	if len(cdb) == 0 {
		return Result{}, fmt.Errorf("sgio: empty command descriptor block")
	}

	sense := make([]byte, maxSenseBufferLen)
	hdr := sgIOHdr{
		InterfaceID:    sgInterfaceID,
		DxferDirection: direction,
		CmdLen:         uint8(len(cdb)),
		MxSbLen:        maxSenseBufferLen,
		DxferLen:       dxferLen,
		Dxferp:         dxferp,
		Cmdp:           unsafe.Pointer(&cdb[0]),
		Sbp:            unsafe.Pointer(&sense[0]),
		Timeout:        uint32(timeout / time.Millisecond),
	}

	if err := ioctlFunc(fd, sgIO, unsafe.Pointer(&hdr)); err != nil {
		return Result{}, err
	}

	res := Result{
		Status:       hdr.Status,
		HostStatus:   hdr.HostStatus,
		DriverStatus: hdr.DriverStatus,
		SenseLen:     hdr.SbLenWr,
	}
	copy(res.Sense[:], sense)
	if !res.Success() {
		return res, fmt.Errorf("sgio: command failed: status=0x%x host=0x%x driver=0x%x", res.Status, res.HostStatus, res.DriverStatus)
	}
	return res, nil
}

// IsEBusy reports whether err is an EBUSY errno surfaced through the
// ioctl syscall path, the condition SES/SMP writes retry on.
func IsEBusy(err error) bool {
	return errors.Is(err, unix.EBUSY)
}

// MockIoctl overrides the syscall used by Execute for the duration of a
// test and returns a restore function.
func MockIoctl(f func(fd uintptr, req uintptr, arg unsafe.Pointer) error) (restore func()) {
	saved := ioctlFunc
	ioctlFunc = f
	return func() { ioctlFunc = saved }
}
