// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package enclosure

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

// buildPage1 assembles a synthetic Configuration page with a single
// primary subenclosure (no secondary subenclosures), an enclosure
// descriptor of the given body length, and the given type descriptors.
func buildPage1(encDescBodyLen int, types []TypeDescriptor) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, PageConfiguration, 0x00, 0x00, 0x00) // numSubEnc=0, page length patched below
	buf = append(buf, 0, 0, 0, 1)                          // generation code

	// One enclosure descriptor: byte0 reserved, byte1 subenclosure id,
	// byte2 num type descriptor headers (informational only here), byte3
	// descriptor length (bytes following byte3).
	buf = append(buf, 0x00, 0x00, byte(len(types)), byte(encDescBodyLen))
	buf = append(buf, make([]byte, encDescBodyLen)...)

	for _, td := range types {
		buf = append(buf, td.ElementType, td.NumElements, 0x00, 0x00)
	}

	pageLen := len(buf) - 4
	binary.BigEndian.PutUint16(buf[2:4], uint16(pageLen))
	return buf
}

func TestParsePage1RoundTrip(t *testing.T) {
	types := []TypeDescriptor{
		{ElementType: 0x00, NumElements: 1}, // unspecified
		{ElementType: ElementTypeArrayDeviceSlot, NumElements: 4},
		{ElementType: 0x02, NumElements: 1}, // power supply
	}
	buf := buildPage1(28, types)

	got, truncated := ParsePage1(buf)
	assert.False(t, truncated)
	assert.Equal(t, types, got)
}

func TestParsePage1Truncated(t *testing.T) {
	buf := buildPage1(28, []TypeDescriptor{{ElementType: ElementTypeDeviceSlot, NumElements: 2}})
	short := buf[:len(buf)-2]

	_, truncated := ParsePage1(short)
	assert.True(t, truncated)
}

func TestPreferredTypePrefersArray(t *testing.T) {
	types := []TypeDescriptor{
		{ElementType: ElementTypeDeviceSlot, NumElements: 2},
		{ElementType: ElementTypeArrayDeviceSlot, NumElements: 2},
	}
	target, ok := preferredType(types)
	assert.True(t, ok)
	assert.Equal(t, byte(ElementTypeArrayDeviceSlot), target)
}

func TestSlotOffsetsSkipsOverallAndOtherTypes(t *testing.T) {
	types := []TypeDescriptor{
		{ElementType: 0x00, NumElements: 1},
		{ElementType: ElementTypeArrayDeviceSlot, NumElements: 3},
	}
	offsets, isArray := slotOffsets(types)
	assert.True(t, isArray)
	// overall(type0)=8..11, individual(type0)=12..15, overall(type1)=16..19,
	// then three individual array-slot elements at 20, 24, 28.
	assert.Equal(t, []int{20, 24, 28}, offsets)
}

func buildPage10(descs [][]byte) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, PageAdditionalElemStatus, 0x00, 0x00, 0x00)
	buf = append(buf, 0, 0, 0, 1)
	for _, d := range descs {
		buf = append(buf, d...)
	}
	pageLen := len(buf) - 4
	binary.BigEndian.PutUint16(buf[2:4], uint16(pageLen))
	return buf
}

func sasDescriptorEIP(elementIndex byte, sasAddr uint64) []byte {
	d := make([]byte, 20)
	d[0] = 0x10 | sasProtocolIdentifier // EIP set
	d[1] = byte(len(d) - 2)
	d[3] = elementIndex
	binary.BigEndian.PutUint64(d[12:20], sasAddr)
	return d
}

func TestParsePage10ExtractsSASAddressByExplicitIndex(t *testing.T) {
	buf := buildPage10([][]byte{
		sasDescriptorEIP(2, 0x5000000000000001),
		sasDescriptorEIP(0, 0x5000000000000002),
	})

	elems, truncated := ParsePage10(buf)
	assert.False(t, truncated)
	assert.Len(t, elems, 2)
	assert.Equal(t, 2, elems[0].ElementIndex)
	assert.Equal(t, uint64(0x5000000000000001), elems[0].SASAddress)
	assert.Equal(t, 0, elems[1].ElementIndex)
}

func TestParsePage10TruncatedDescriptor(t *testing.T) {
	full := buildPage10([][]byte{sasDescriptorEIP(0, 0x1)})
	short := full[:len(full)-5]

	_, truncated := ParsePage10(short)
	assert.True(t, truncated)
}
