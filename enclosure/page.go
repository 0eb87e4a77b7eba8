// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package enclosure

import "encoding/binary"

// SES-2 diagnostic page codes.
const (
	PageConfiguration         = 0x01
	PageEnclosureStatus       = 0x02
	PageAdditionalElemStatus  = 0x0a // page 10, decimal
	pageHeaderLen             = 8
	enclosureDescriptorHdrLen = 4
	elementLen                = 4
)

// SES element type codes relevant to LED dispatch: only Device Slot and
// Array Device Slot carry drive-bay LEDs.
const (
	ElementTypeDeviceSlot      = 0x01
	ElementTypeArrayDeviceSlot = 0x17
)

// sasProtocolIdentifier is the SES-2 PROTOCOL IDENTIFIER value for SAS,
// the only transport protocol page 10 parsing extracts.
const sasProtocolIdentifier = 0x6

// TypeDescriptor is one entry of page 1's type descriptor header list:
// an element type plus how many individual elements of that type follow
// in page 1's enclosure descriptor (and, one-for-one, in page 2's
// element list).
type TypeDescriptor struct {
	ElementType byte
	NumElements byte
}

// ParsePage1 locates the type descriptor header list in a Configuration
// (page 1) buffer and returns every entry, summing element counts.
// Tolerates truncated buffers: whatever type descriptors were fully
// readable before the buffer ran out are returned, with truncated=true —
// partial, best-effort data beats an outright failure.
func ParsePage1(buf []byte) (types []TypeDescriptor, truncated bool) {
	if len(buf) < pageHeaderLen {
		return nil, true
	}
	numSubEnc := int(buf[1])
	pageLen := int(binary.BigEndian.Uint16(buf[2:4]))
	end := pageHeaderLen + pageLen - (pageHeaderLen - 4) // page length excludes the first 4 bytes
	if end > len(buf) {
		end = len(buf)
		truncated = true
	}

	offset := pageHeaderLen
	for i := 0; i <= numSubEnc; i++ {
		if offset+enclosureDescriptorHdrLen > len(buf) {
			return types, true
		}
		descLen := int(buf[offset+3])
		offset += enclosureDescriptorHdrLen + descLen
	}

	for offset+enclosureDescriptorHdrLen <= end {
		types = append(types, TypeDescriptor{
			ElementType: buf[offset],
			NumElements: buf[offset+1],
		})
		offset += enclosureDescriptorHdrLen
	}
	return types, truncated
}

// preferredType picks which of Device Slot / Array Device Slot this
// enclosure uses for its drive bays, preferring Array Device Slot when
// both are present.
func preferredType(types []TypeDescriptor) (byte, bool) {
	hasArray, hasDevice := false, false
	for _, td := range types {
		switch td.ElementType {
		case ElementTypeArrayDeviceSlot:
			hasArray = true
		case ElementTypeDeviceSlot:
			hasDevice = true
		}
	}
	switch {
	case hasArray:
		return ElementTypeArrayDeviceSlot, true
	case hasDevice:
		return ElementTypeDeviceSlot, true
	default:
		return 0, false
	}
}

// slotOffsets computes, for the preferred slot element type, the page-2
// byte offset of each individual element's 4-byte status/control field,
// in the same order page 1 enumerates them. Page 2's element list
// mirrors page 1's type-descriptor order: one 4-byte "overall"
// status/control element per type, followed by NumElements individual
// elements, repeated per type descriptor.
func slotOffsets(types []TypeDescriptor) (offsets []int, arrayElements bool) {
	target, ok := preferredType(types)
	if !ok {
		return nil, false
	}

	offset := pageHeaderLen
	for _, td := range types {
		offset += elementLen // overall status/control element
		for i := 0; i < int(td.NumElements); i++ {
			if td.ElementType == target {
				offsets = append(offsets, offset)
			}
			offset += elementLen
		}
	}
	return offsets, target == ElementTypeArrayDeviceSlot
}

// AdditionalElement is one parsed entry of page 10.
type AdditionalElement struct {
	ElementIndex int
	SASAddress   uint64
}

// ParsePage10 builds the slot vector from an Additional Element Status
// (page 10) buffer: for each descriptor carrying the SAS protocol
// identifier, extracts the 8-byte SAS address at offset +12 (EIP set) or
// +4 (EIP clear), and the element index explicit at offset +3 when EIP
// is set, else the running sequential position. Truncated buffers yield
// a partial result plus truncated=true.
func ParsePage10(buf []byte) (elems []AdditionalElement, truncated bool) {
	if len(buf) < pageHeaderLen {
		return nil, true
	}
	pageLen := int(binary.BigEndian.Uint16(buf[2:4]))
	end := pageHeaderLen + pageLen - 4
	if end > len(buf) {
		end = len(buf)
		truncated = true
	}

	offset := pageHeaderLen
	sequential := 0
	for offset+2 <= end {
		flags := buf[offset]
		eip := flags&0x10 != 0
		protocol := flags & 0x0f
		descLen := int(buf[offset+1])
		total := descLen + 2
		if offset+total > len(buf) {
			return elems, true
		}

		if protocol == sasProtocolIdentifier {
			elementIndex := sequential
			sasOff := offset + 4
			if eip {
				elementIndex = int(buf[offset+3])
				sasOff = offset + 12
			}
			if sasOff+8 <= len(buf) {
				elems = append(elems, AdditionalElement{
					ElementIndex: elementIndex,
					SASAddress:   binary.BigEndian.Uint64(buf[sasOff : sasOff+8]),
				})
			}
		}
		sequential++
		offset += total
	}
	return elems, truncated
}
