// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package probe

import (
	"os"
	"path/filepath"
	"strings"
)

// Sysfs roots. Declared as package variables, not constants, so tests can
// point them at a synthetic tree.
var (
	SysBusPCIDevicesPath           = "/sys/bus/pci/devices"
	SysBlockPath                   = "/sys/block"
	SysClassEnclosurePath          = "/sys/class/enclosure"
	SysModuleLibahciEMMessagesPath = "/sys/module/libahci/parameters/ahci_em_messages"
	SysClassDMIProductNamePath     = "/sys/class/dmi/id/product_name"
	SysBusPCISlotsPath             = "/sys/bus/pci/slots"
)

// DellGenerationProbe is overridden by the engine at startup to point at
// transport/dellipmi.ProbeGeneration, which owns the OEM IPMI wire format.
// probe itself never speaks IPMI; it only needs the yes/no + generation
// answer to classify a controller as DELLSSD. The default always reports
// "not a Dell backplane".
var DellGenerationProbe = func(bdf string) (generation int, ok bool) { return 0, false }

// ScsiSMPProbe is overridden by the engine at startup to point at
// transport/smp's GPIO read probe, for the "successfully answers an SMP
// gpio read" classification leg.
var ScsiSMPProbe = func(hostBsgPath string) bool { return false }

func readAttr(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// readDriver resolves the "driver" symlink under a PCI device's sysfs
// directory and returns the bound driver's basename, or "" if unbound.
func readDriver(devicePath string) string {
	target, err := filepath.EvalSymlinks(filepath.Join(devicePath, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

// hasEnclosureChild reports whether a PCI device's sysfs tree contains an
// enclosure child, one of the SCSI classification legs.
func hasEnclosureChild(devicePath string) bool {
	found := false
	_ = filepath.Walk(devicePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() && strings.Contains(path, "enclosure") {
			found = true
			return filepath.SkipDir
		}
		return nil
	})
	return found
}

// emMessagesEnabled implements the AHCI gate: the kernel must have
// enclosure-management messaging enabled (ahci_em_messages module
// parameter = 1, or the old-kernel equivalent).
func emMessagesEnabled() bool {
	v, err := readAttr(SysModuleLibahciEMMessagesPath)
	if err != nil {
		return false
	}
	return v == "1" || v == "Y"
}

// dmiProductName reads the DMI product name used to select the AMD
// sub-interface.
func dmiProductName() string {
	v, _ := readAttr(SysClassDMIProductNamePath)
	return v
}
