// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package ses

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledctl/ledctl/bind"
	"github.com/ledctl/ledctl/enclosure"
	"github.com/ledctl/ledctl/pattern"
	"github.com/ledctl/ledctl/sgio"
)

// sgIOHdrAlias mirrors sgio's unexported kernel-ABI struct so the fake
// ioctl handler below can read the fields the real sgio package filled
// in, the same pattern enclosure's own tests use.
type sgIOHdrAlias struct {
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
}

type fakePages struct {
	pages map[byte][]byte
	sent  [][]byte
}

func (f *fakePages) handle(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	hdr := (*sgIOHdrAlias)(arg)
	cdb := unsafe.Slice((*byte)(hdr.Cmdp), int(hdr.CmdLen))
	data := unsafe.Slice((*byte)(hdr.Dxferp), int(hdr.DxferLen))

	switch cdb[0] {
	case 0x1c:
		copy(data, f.pages[cdb[2]])
	case 0x1d:
		cp := make([]byte, len(data))
		copy(cp, data)
		f.sent = append(f.sent, cp)
		f.pages[enclosure.PageEnclosureStatus] = cp
	}
	return nil
}

func onePage1(numElements byte) []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, enclosure.PageConfiguration, 0, 0, 0, 0, 0, 0, 1)
	buf = append(buf, 0x00, 0x00, 0x00, 0x00)
	buf = append(buf, enclosure.ElementTypeArrayDeviceSlot, numElements, 0, 0)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-4))
	return buf
}

func matchingPage2(p1 []byte) []byte {
	p := make([]byte, len(p1))
	p[0] = enclosure.PageEnclosureStatus
	binary.BigEndian.PutUint16(p[2:4], uint16(len(p)-4))
	return p
}

func emptyPage10() []byte {
	buf := make([]byte, 0, 8)
	buf = append(buf, enclosure.PageAdditionalElemStatus, 0, 0, 0, 0, 0, 0, 0)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-4))
	return buf
}

func newTestDevice(t *testing.T, numElements byte) (*Device, *enclosure.Enclosure, *fakePages) {
	t.Helper()
	p1 := onePage1(numElements)
	fp := &fakePages{pages: map[byte][]byte{
		enclosure.PageConfiguration:        p1,
		enclosure.PageEnclosureStatus:      matchingPage2(p1),
		enclosure.PageAdditionalElemStatus: emptyPage10(),
	}}
	restore := sgio.MockIoctl(fp.handle)
	t.Cleanup(restore)

	devNode := filepath.Join(t.TempDir(), "sg0")
	require.NoError(t, os.WriteFile(devNode, nil, 0o644))
	enc, err := enclosure.Open(devNode)
	require.NoError(t, err)
	t.Cleanup(func() { enc.Close() })

	bd := &bind.BlockDevice{Enclosure: enc, ElementIndex: 0, Transition: pattern.NewTransition()}
	d, err := New(bd)
	require.NoError(t, err)
	return d, enc, fp
}

func TestFlushRebuildWritesSESCode(t *testing.T) {
	d, enc, fp := newTestDevice(t, 1)

	require.NoError(t, d.Set(pattern.REBUILD))
	require.NoError(t, d.Flush())

	require.Len(t, fp.sent, 1)
	off := enc.ControlOffset[0]
	sent := fp.sent[0][off : off+4]
	assert.Equal(t, []byte{0x80, 0x02, 0x00, 0x00}, sent)
	assert.Equal(t, 0, enc.ChangeCounter)
}

func TestFlushLocateOffPreservesPrdfailCarry(t *testing.T) {
	d, enc, fp := newTestDevice(t, 1)

	ctrl, err := enc.ControlBytes(0)
	require.NoError(t, err)
	ctrl[0] = prdfailCarryMask // simulate a prior PRDFAIL condition
	ctrl[2] = identBit

	require.NoError(t, d.Set(pattern.LOCATE_OFF))
	require.NoError(t, d.Flush())

	off := enc.ControlOffset[0]
	sent := fp.sent[0][off : off+4]
	assert.Equal(t, byte(selectBit|prdfailCarryMask), sent[0])
	assert.Zero(t, sent[2]&identBit)
}

func TestFlushSkipsWhenPatternUnchanged(t *testing.T) {
	d, _, fp := newTestDevice(t, 1)
	require.NoError(t, d.Set(pattern.LOCATE))
	require.NoError(t, d.Flush())
	require.Len(t, fp.sent, 1)

	require.NoError(t, d.Set(pattern.LOCATE))
	require.NoError(t, d.Flush())
	assert.Len(t, fp.sent, 1)
}

func TestGetStateCombinesIdentAndFault(t *testing.T) {
	d, enc, _ := newTestDevice(t, 1)
	ctrl, err := enc.ControlBytes(0)
	require.NoError(t, err)
	ctrl[2] = identBit | faultBit

	p, err := d.GetState()
	require.NoError(t, err)
	assert.Equal(t, pattern.LOCATE_AND_FAIL, p)
}

func TestNewRejectsUnlinkedBlockDevice(t *testing.T) {
	bd := &bind.BlockDevice{Transition: pattern.NewTransition()}
	_, err := New(bd)
	assert.Error(t, err)
}
