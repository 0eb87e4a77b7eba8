// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package probe

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/ledctl/ledctl/problog"
)

var log = problog.NewSubsystemLogger("probe")

// Filter is an allowlist/excludelist pair. Allowlist wins when both are
// populated; an empty Allow means "all paths".
type Filter struct {
	Allow   []string
	Exclude []string
}

func (f Filter) permits(path string) bool {
	if len(f.Allow) > 0 {
		for _, p := range f.Allow {
			if p == path {
				return true
			}
		}
		return false
	}
	for _, p := range f.Exclude {
		if p == path {
			return false
		}
	}
	return true
}

// Probe enumerates every PCI device under SysBusPCIDevicesPath, classifies
// each into a Kind, and returns the resulting controller set. Probe
// failures for an individual device are non-fatal: the device is simply
// absent from the result, logged at debug and folded into the returned
// *multierror.Error.
func Probe(filter Filter) ([]*Controller, error) {
	entries, err := os.ReadDir(SysBusPCIDevicesPath)
	if err != nil {
		return nil, err
	}

	var controllers []*Controller
	var errs *multierror.Error

	for _, e := range entries {
		devicePath := filepath.Join(SysBusPCIDevicesPath, e.Name())
		if !filter.permits(devicePath) {
			continue
		}

		c, err := classify(devicePath)
		if err != nil {
			log.WithError(err).WithField("path", devicePath).Debug("skipping unclassifiable device")
			errs = multierror.Append(errs, err)
			continue
		}
		if c == nil {
			continue // classified as UNKNOWN and not storage-relevant
		}
		controllers = append(controllers, c)
	}

	return controllers, errs.ErrorOrNil()
}

// classify applies the controller classification decision tree, in
// priority order: NPEM, then VMD, then DELLSSD, then among storage-class
// devices AHCI-Intel / AMD / SCSI.
func classify(devicePath string) (*Controller, error) {
	vendor, _ := readAttr(filepath.Join(devicePath, "vendor"))
	device, _ := readAttr(filepath.Join(devicePath, "device"))
	class, _ := readAttr(filepath.Join(devicePath, "class"))
	driver := readDriver(devicePath)
	bdf := filepath.Base(devicePath)

	if off, capReg, ok := findNPEMCapability(filepath.Join(devicePath, "config")); ok {
		return &Controller{
			Path:          devicePath,
			Kind:          NPEM,
			NPEMCapOffset: off,
			NPEMCapable:   capReg,
		}, nil
	}

	if driver == "vmd" {
		return &Controller{Path: devicePath, Kind: VMD, Domain: bdf}, nil
	}

	if gen, ok := DellGenerationProbe(bdf); ok {
		return &Controller{Path: devicePath, Kind: DELLSSD, IdracGeneration: gen}, nil
	}
	if isDellNVMe(vendor, class) {
		return &Controller{Path: devicePath, Kind: DELLSSD}, nil
	}

	if !isStorageClass(class) {
		return nil, nil
	}

	switch {
	case vendor == "0x8086" && driver == "ahci":
		em := emMessagesEnabled() && hasLibahciHolder(devicePath)
		return &Controller{Path: devicePath, Kind: AHCI, EMMessagesEnabled: em}, nil

	case vendor == "0x1022" && (driver == "ahci" || strings.HasPrefix(class, "0x0108")):
		iface := AMDSGPIO
		if knownIPMIPlatforms[dmiProductName()] {
			iface = AMDIPMI
		}
		return &Controller{Path: devicePath, Kind: AMD, Interface: iface}, nil

	case driver == "isci" || hasEnclosureChild(devicePath) || ScsiSMPProbe(devicePath):
		return &Controller{Path: devicePath, Kind: SCSI, ISCIPresent: driver == "isci"}, nil
	}

	return nil, nil
}

// isDellNVMe implements the vendor:device fallback leg of the DELLSSD
// classification: the device's vendor:device identifies a Dell-branded
// NVMe SSD directly. 0x1028 is Dell's PCI vendor ID; an NVMe
// device reports base class 0x01 (mass storage), subclass 0x08 (NVM).
func isDellNVMe(vendor, class string) bool {
	return vendor == "0x1028" && strings.HasPrefix(class, "0x0108")
}

// isStorageClass reports whether class (the raw "0x$$SSPP" PCI class
// code) is a mass-storage class (base class 0x01).
func isStorageClass(class string) bool {
	return strings.HasPrefix(class, "0x01")
}

// hasLibahciHolder checks that this AHCI device's driver appears in the
// libahci holders set, the second AHCI enclosure-management gate condition.
func hasLibahciHolder(devicePath string) bool {
	holdersPath := filepath.Join(filepath.Dir(filepath.Dir(SysModuleLibahciEMMessagesPath)), "holders")
	entries, err := os.ReadDir(holdersPath)
	if err != nil {
		// Older kernels may not expose a holders directory at all; treat
		// as satisfied rather than failing the whole gate on a kernel
		// layout difference; an old-kernel layout without this file at
		// all should not block classification.
		return true
	}
	driver := readDriver(devicePath)
	for _, e := range entries {
		if e.Name() == driver {
			return true
		}
	}
	return len(entries) == 0
}
