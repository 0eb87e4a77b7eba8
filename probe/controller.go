// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package probe

// Host is a SCSI host record: a controller owns a linked set of these.
// Staging (non-isci hosts) or Bitstream (isci hosts) holds the per-host
// state the SMP transport maintains across all phys on that host —
// exactly one staging buffer and bitstream per host.
type Host struct {
	ID        int
	PhyCount  int
	ISCI      bool
	Staging   []byte  // 3 bytes per phy, length PhyCount*3
	Bitstream [4]byte // SFF-8485 GPIO_TX[1] bitstream, shared across all phys
	Dirty     bool
}

// NewHost allocates a Host with a staging buffer sized for phyCount phys.
func NewHost(id, phyCount int, isci bool) *Host {
	return &Host{
		ID:       id,
		PhyCount: phyCount,
		ISCI:     isci,
		Staging:  make([]byte, phyCount*3),
	}
}

// Controller identifies a storage HBA or management endpoint. Created
// during Probe; destroyed at rescan.
type Controller struct {
	// Path is the canonical device-tree path, the stable identifier for
	// this controller used by bind to find its owning controller.
	Path string
	Kind Kind

	// SCSI-specific.
	ISCIPresent bool
	Hosts       []*Host

	// VMD-specific.
	Domain string

	// AMD-specific.
	Interface AMDInterface

	// AHCI-specific: whether the kernel has enclosure-management
	// messaging enabled for this controller.
	EMMessagesEnabled bool

	// NPEM-specific: the extended-capability offset located in this
	// device's PCI config space, and the capability bits it advertises.
	NPEMCapOffset int
	NPEMCapable   uint32

	// DELLSSD-specific: iDRAC generation, when known.
	IdracGeneration int
}

// HostByID returns the Host record with the given id, or nil.
func (c *Controller) HostByID(id int) *Host {
	for _, h := range c.Hosts {
		if h.ID == id {
			return h
		}
	}
	return nil
}
