// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package probe

import "os"

// NPEM extended capability layout (PCIe Native Enclosure Management).
const (
	npemCapID     = 0x29
	npemCapOffset = 4 // CAP_REG offset from the capability header
	extCapListHdr = 0x100
)

// findNPEMCapability walks the PCI extended-capability linked list in
// configPath (a device's "config" sysfs file) looking for capability id
// 0x29 (NPEM). Returns the byte offset of the capability header and the
// CAP_REG value (which bit enable/ok/locate/... patterns it declares
// capable), or capable=false if the device has no NPEM capability or its
// config space is too small to carry extended capabilities (plain PCI
// devices expose only 256 bytes; only PCIe devices carry the extended
// config space NPEM lives in).
func findNPEMCapability(configPath string) (offset int, capReg uint32, capable bool) {
	buf, err := os.ReadFile(configPath)
	if err != nil || len(buf) <= extCapListHdr {
		return 0, 0, false
	}

	off := extCapListHdr
	seen := map[int]bool{}
	for off != 0 && off+4 <= len(buf) && !seen[off] {
		seen[off] = true
		header := le32(buf[off : off+4])
		capID := header & 0xffff
		nextOff := int((header >> 20) & 0xfff)

		if capID == npemCapID {
			if off+npemCapOffset+4 > len(buf) {
				return 0, 0, false
			}
			reg := le32(buf[off+npemCapOffset : off+npemCapOffset+4])
			return off, reg, reg&0x1 != 0 // bit 0: NPEM-Capable / ENABLE-representable
		}
		off = nextOff
	}
	return 0, 0, false
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
