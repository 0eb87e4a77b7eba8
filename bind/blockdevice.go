// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package bind resolves, for each block device, its owning controller
// and the control path the matching transport must address it through.
package bind

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ledctl/ledctl/enclosure"
	"github.com/ledctl/ledctl/errkind"
	"github.com/ledctl/ledctl/pattern"
	"github.com/ledctl/ledctl/probe"
	"github.com/ledctl/ledctl/problog"
	"github.com/ledctl/ledctl/transport"
)

var log = problog.NewSubsystemLogger("bind")

// BlockDevice represents one addressable drive.
type BlockDevice struct {
	SysfsPath string
	DevNode   string

	Controller  *probe.Controller
	ControlPath string

	// Meaningful only for SCSI.
	HostID   int
	PhyIndex int

	// Meaningful only for SES-attached drives.
	Enclosure    *enclosure.Enclosure
	ElementIndex int

	Transition pattern.Transition

	Raid *RaidRecord

	// Transport is the wire-level driver for this device's controller
	// kind. Bind never constructs it (that would make bind depend on
	// every transport subpackage, which each already depend on bind for
	// *BlockDevice); the engine wires it in after Bind returns.
	Transport transport.Transport
}

// Bind resolves a block device's sysfs path into a BlockDevice: it picks
// the owning controller, computes the control path, dereferences the
// devnode, and attaches any RAID membership record found.
func Bind(sysfsPath string, controllers []*probe.Controller, enclosures []*enclosure.Enclosure) (*BlockDevice, error) {
	canonical, err := filepath.EvalSymlinks(sysfsPath)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.InvalidPath, "resolve block device sysfs path")
	}

	ctrl := selectController(canonical, controllers)
	if ctrl == nil {
		return nil, errkind.New(errkind.NotSupported, "no controller owns "+canonical)
	}

	bd := &BlockDevice{
		SysfsPath:  canonical,
		Controller: ctrl,
		Transition: pattern.NewTransition(),
	}
	bd.DevNode = resolveDevNode(canonical)

	if err := resolveControlPath(bd, ctrl, canonical, enclosures); err != nil {
		return nil, err
	}

	if mdPath, slavePath, ok := findRaidArray(canonical); ok {
		if r, ok := ReadRaidRecord(mdPath, slavePath); ok {
			bd.Raid = r
		}
	}

	return bd, nil
}

// resolveDevNode dereferences a block device's sysfs "dev" attribute
// (MAJOR:MINOR) against /dev, as spec.md §4.2 requires, falling back to
// the sysfs basename only when no /dev node matches that major:minor
// pair (e.g. a fixture or container without a populated /dev).
func resolveDevNode(canonical string) string {
	if major, minor, ok := majorMinor(canonical); ok {
		if node, ok := devNodeFromMajorMinor(major, minor); ok {
			return node
		}
	}
	return filepath.Join(DevPath, canonicalDevNodeName(filepath.Base(canonical)))
}

// selectController picks, among controllers whose canonical path is a
// prefix of canonical, the one a flush should address: an NPEM
// controller wins over any other kind (it is the leaf closest to the
// drive); ties are broken by the longest (most specific) path match.
func selectController(canonical string, controllers []*probe.Controller) *probe.Controller {
	var best *probe.Controller
	for _, c := range controllers {
		if !strings.HasPrefix(canonical, c.Path) {
			continue
		}
		if best == nil || betterControllerMatch(c, best) {
			best = c
		}
	}
	return best
}

func betterControllerMatch(candidate, current *probe.Controller) bool {
	candNPEM := candidate.Kind == probe.NPEM
	currNPEM := current.Kind == probe.NPEM
	if candNPEM != currNPEM {
		return candNPEM
	}
	return len(candidate.Path) > len(current.Path)
}

// resolveControlPath computes bd.ControlPath (and any kind-specific
// fields) from the matched controller's kind.
func resolveControlPath(bd *BlockDevice, ctrl *probe.Controller, canonical string, enclosures []*enclosure.Enclosure) error {
	switch ctrl.Kind {
	case probe.AHCI:
		hostID, ok := hostIDFromPath(canonical)
		if !ok {
			return errkind.New(errkind.InvalidPath, "no host segment in AHCI block device path")
		}
		bd.HostID = hostID
		bd.ControlPath = filepath.Join("/sys/class/scsi_host", fmt.Sprintf("host%d", hostID))

	case probe.SCSI:
		hostID, ok := hostIDFromPath(canonical)
		if !ok {
			return errkind.New(errkind.InvalidPath, "no host segment in SCSI block device path")
		}
		bd.HostID = hostID
		bd.ControlPath = filepath.Join(ctrl.Path, fmt.Sprintf("host%d", hostID), "bsg", fmt.Sprintf("sas_host%d", hostID))
		if phy, ok := readPhyIndex(canonical); ok {
			bd.PhyIndex = phy
		}

		if isExpanderAttached(canonical) {
			linkEnclosureElement(bd, canonical, enclosures)
		}

	case probe.NPEM, probe.VMD, probe.DELLSSD:
		bd.ControlPath = ctrl.Path

	case probe.AMD:
		switch ctrl.Interface {
		case probe.AMDSGPIO:
			p, ok := findNearestFile(ctrl.Path, "em_buffer")
			if !ok {
				return errkind.New(errkind.NotSupported, "no em_buffer under AMD AHCI root")
			}
			bd.ControlPath = filepath.Dir(p)
		case probe.AMDIPMI:
			if truncated, ok := ataSegmentTruncate(canonical); ok {
				bd.ControlPath = truncated
			} else {
				bd.ControlPath = canonical // NVMe: full sysfs path
			}
		}

	default:
		return errkind.New(errkind.InvalidState, "controller kind has no defined control path")
	}
	return nil
}

// linkEnclosureElement matches this drive's own SAS end-device address
// against the slot vectors of the known enclosures, recording the
// enclosure and element index on a match.
func linkEnclosureElement(bd *BlockDevice, canonical string, enclosures []*enclosure.Enclosure) {
	sas, ok := readSasAddress(canonical)
	if !ok {
		return
	}
	for _, enc := range enclosures {
		for i, slot := range enc.Slots {
			if slot.SASAddress == sas {
				bd.Enclosure = enc
				bd.ElementIndex = i
				return
			}
		}
	}
	log.WithField("path", canonical).Debug("expander-attached drive not found in any known enclosure")
}

// readSasAddress looks for a "sas_address" sysfs attribute at path or one
// of its nearest ancestors (the end device's own SAS address is usually
// exposed a few path segments above the block device node).
func readSasAddress(path string) (uint64, bool) {
	for i := 0; i < 6 && path != "/" && path != "."; i++ {
		if b, err := os.ReadFile(filepath.Join(path, "sas_address")); err == nil {
			if v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64); err == nil {
				return v, true
			}
		}
		path = filepath.Dir(path)
	}
	return 0, false
}

// readPhyIndex looks for a "phy_identifier" sysfs attribute at path or
// one of its nearest ancestors, the same ancestor-walk used by
// readSasAddress: an end device's phy identifier is usually exposed a
// few path segments above the block device node.
func readPhyIndex(path string) (int, bool) {
	for i := 0; i < 6 && path != "/" && path != "."; i++ {
		if b, err := os.ReadFile(filepath.Join(path, "phy_identifier")); err == nil {
			if v, err := strconv.Atoi(strings.TrimSpace(string(b))); err == nil {
				return v, true
			}
		}
		path = filepath.Dir(path)
	}
	return 0, false
}

// findRaidArray locates the MD-RAID array device (if any) that holds
// memberPath, via the sysfs "holders" reverse-reference, and the
// member's own per-slave attribute directory within that array's md
// directory (dev-<member basename>, the standard md sysfs layout).
func findRaidArray(memberPath string) (mdPath, slavePath string, ok bool) {
	holders := filepath.Join(memberPath, "holders")
	entries, err := os.ReadDir(holders)
	if err != nil {
		return "", "", false
	}
	for _, e := range entries {
		candidate := filepath.Join(holders, e.Name(), "md")
		if _, err := os.Stat(candidate); err == nil {
			if resolved, err := filepath.EvalSymlinks(candidate); err == nil {
				candidate = resolved
			}
			slave := filepath.Join(candidate, "dev-"+filepath.Base(memberPath))
			return candidate, slave, true
		}
	}
	return "", "", false
}
