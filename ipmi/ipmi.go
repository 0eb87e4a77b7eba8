// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package ipmi issues IPMI requests through the Linux /dev/ipmi0 character
// device, shared by the two OEM backplane transports (Dell and AMD) the
// way sgio is shared by the SES and SMP transports. A thin wrapper
// around golang.org/x/sys/unix ioctls rather than a cgo binding.
package ipmi

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// <linux/ipmi.h> ioctl magic and request numbers.
const (
	ipmiIocMagic = 'i'

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	sendCommandNr    = 13
	receiveMsgNr     = 12
	receiveTruncNr   = 11
	systemInterfaceAddrType = 0x0c
	bmcChannel              = 0xf

	defaultTimeout = 5 * time.Second
)

func ioc(dir, size uintptr, nr uintptr) uintptr {
	const typeShift, nrShift, sizeShift, dirShift = 8, 0, 16, 30
	return dir<<dirShift | size<<sizeShift | uintptr(ipmiIocMagic)<<typeShift | nr<<nrShift
}

type systemInterfaceAddr struct {
	AddrType int32
	Channel  int16
	Lun      uint8
	_        [5]byte // struct padding to match the kernel's alignment
}

type msg struct {
	Netfn   uint8
	Cmd     uint8
	_       [2]byte
	DataLen uint32
	Data    unsafe.Pointer
}

type req struct {
	Addr    unsafe.Pointer
	AddrLen uint32
	_       [4]byte
	MsgID   int64
	Msg     msg
}

type recv struct {
	RecvType int32
	Addr     unsafe.Pointer
	AddrLen  uint32
	MsgID    int64
	Msg      msg
}

var (
	sendCommandReq = ioc(iocRead, unsafe.Sizeof(req{}), sendCommandNr)
	receiveMsgReq  = ioc(iocRead|iocWrite, unsafe.Sizeof(recv{}), receiveMsgNr)
)

// ioctlFunc is a package-level function variable so tests can mock the
// syscall entirely, the same pattern sgio.ioctlFunc uses.
var ioctlFunc = rawIoctl

func rawIoctl(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg)); errno != 0 {
		return os.NewSyscallError("ioctl", errno)
	}
	return nil
}

// selectReadable waits for fd to become readable, or returns an error on
// timeout. Mockable so tests never actually block on select(2).
var selectReadable = func(fd uintptr, timeout time.Duration) error {
	var fdSet unix.FdSet
	fdSet.Set(int(fd))
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(int(fd)+1, &fdSet, nil, nil, &tv)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("ipmi: select timed out waiting for response")
	}
	return nil
}

// Transact sends one IPMI request (netfn, cmd, data) over the device
// opened at fd's BMC channel, and returns the response payload. It
// blocks on select(2) per spec.md's "synchronous ipmicmd with select()
// wait on the device fd; no explicit timeout (kernel manages)" — a
// generous 5 s ceiling is applied here purely so a broken mock cannot
// hang a test suite forever.
func Transact(fd uintptr, netfn, cmd byte, data []byte) ([]byte, error) {
	addr := systemInterfaceAddr{AddrType: systemInterfaceAddrType, Channel: bmcChannel}

	var dataPtr unsafe.Pointer
	if len(data) > 0 {
		dataPtr = unsafe.Pointer(&data[0])
	}

	r := req{
		Addr:    unsafe.Pointer(&addr),
		AddrLen: uint32(unsafe.Sizeof(addr)),
		MsgID:   1,
		Msg: msg{
			Netfn:   netfn,
			Cmd:     cmd,
			DataLen: uint32(len(data)),
			Data:    dataPtr,
		},
	}
	if err := ioctlFunc(fd, sendCommandReq, unsafe.Pointer(&r)); err != nil {
		return nil, fmt.Errorf("ipmi: send command: %w", err)
	}

	if err := selectReadable(fd, defaultTimeout); err != nil {
		return nil, err
	}

	respData := make([]byte, 256)
	var respAddr systemInterfaceAddr
	rv := recv{
		Addr:    unsafe.Pointer(&respAddr),
		AddrLen: uint32(unsafe.Sizeof(respAddr)),
		Msg: msg{
			DataLen: uint32(len(respData)),
			Data:    unsafe.Pointer(&respData[0]),
		},
	}
	if err := ioctlFunc(fd, receiveMsgReq, unsafe.Pointer(&rv)); err != nil {
		return nil, fmt.Errorf("ipmi: receive message: %w", err)
	}

	return respData[:rv.Msg.DataLen], nil
}

// MockIoctl overrides the syscall Transact issues, for the duration of a
// test, and returns a restore function.
func MockIoctl(f func(fd uintptr, req uintptr, arg unsafe.Pointer) error) (restore func()) {
	saved := ioctlFunc
	ioctlFunc = f
	return func() { ioctlFunc = saved }
}

// MockSelect overrides the readability wait Transact issues between the
// send and receive ioctls, for the duration of a test.
func MockSelect(f func(fd uintptr, timeout time.Duration) error) (restore func()) {
	saved := selectReadable
	selectReadable = f
	return func() { selectReadable = saved }
}
