// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package vmd implements the Intel VMD PCIe hotplug transport: a drive's
// attention state, written as a decimal nibble to its hotplug slot's
// "attention" sysfs attribute.
package vmd

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ledctl/ledctl/bind"
	"github.com/ledctl/ledctl/errkind"
	"github.com/ledctl/ledctl/pattern"
	"github.com/ledctl/ledctl/probe"
	"github.com/ledctl/ledctl/problog"
)

var log = problog.NewSubsystemLogger("transport.vmd")

var bdfSegment = regexp.MustCompile(`^[0-9a-fA-F]{4}:[0-9a-fA-F]{2}:[0-9a-fA-F]{2}\.[0-9a-fA-F]$`)

// table maps a pattern to its 4-bit attention indicator nibble.
var table = pattern.NewTable(uint32(0xF), map[pattern.Pattern]uint32{
	pattern.NORMAL:         0xF,
	pattern.ONESHOT_NORMAL: 0xF,
	pattern.LOCATE_OFF:     0xF,
	pattern.LOCATE:         0x7,
	pattern.REBUILD:        0x5,
	pattern.FAILED_DRIVE:   0xD,
})

var reverse = map[uint32]pattern.Pattern{
	0xF: pattern.NORMAL,
	0x7: pattern.LOCATE,
	0x5: pattern.REBUILD,
	0xD: pattern.FAILED_DRIVE,
}

// writeFile and readFile are package-level function variables so tests
// can intercept the attention sysfs attribute.
var (
	writeFile = os.WriteFile
	readFile  = os.ReadFile
)

// Device drives one VMD hotplug slot's attention attribute.
type Device struct {
	Block         *bind.BlockDevice
	AttentionPath string
}

// New maps bd's sysfs path to a PCIe hotplug slot under
// probe.SysBusPCISlotsPath and verifies that slot belongs to bd's VMD
// controller's domain.
func New(bd *bind.BlockDevice) (*Device, error) {
	if bd.Controller == nil || bd.Controller.Kind != probe.VMD {
		return nil, errkind.New(errkind.InvalidState, "block device is not VMD-attached")
	}

	bdf, ok := extractBDF(bd.SysfsPath)
	if !ok {
		return nil, errkind.New(errkind.InvalidPath, "no PCI B:D.F segment under nvme in sysfs path")
	}

	if !domainMatches(bdf, bd.Controller.Domain) {
		return nil, errkind.New(errkind.NotSupported, "hotplug slot does not belong to the configured VMD controller")
	}

	slotDir, ok := findSlot(bdf)
	if !ok {
		return nil, errkind.New(errkind.NotSupported, "no PCIe hotplug slot maps to this drive's B:D.F")
	}

	return &Device{Block: bd, AttentionPath: filepath.Join(slotDir, "attention")}, nil
}

// extractBDF returns the B:D.F path segment immediately preceding the
// "nvme" segment in an NVMe drive's sysfs path.
func extractBDF(sysfsPath string) (string, bool) {
	segments := strings.Split(sysfsPath, string(filepath.Separator))
	for i, seg := range segments {
		if seg == "nvme" && i > 0 && bdfSegment.MatchString(segments[i-1]) {
			return segments[i-1], true
		}
	}
	return "", false
}

// domainMatches compares the PCI domain (the leading "0000" in
// "0000:01:00.0") of bdf against controllerDomain.
func domainMatches(bdf, controllerDomain string) bool {
	if controllerDomain == "" {
		return true // no domain recorded for this controller, nothing to check
	}
	bdfDomain := strings.SplitN(bdf, ":", 2)[0]
	ctrlDomain := strings.SplitN(controllerDomain, ":", 2)[0]
	return strings.EqualFold(bdfDomain, ctrlDomain)
}

// findSlot walks probe.SysBusPCISlotsPath looking for a slot directory
// whose "address" attribute is a prefix of bdf (the slot address omits
// the function number; the drive's own BDF carries it).
func findSlot(bdf string) (string, bool) {
	entries, err := os.ReadDir(probe.SysBusPCISlotsPath)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		addrPath := filepath.Join(probe.SysBusPCISlotsPath, e.Name(), "address")
		b, err := readFile(addrPath)
		if err != nil {
			continue
		}
		addr := strings.TrimSpace(string(b))
		if strings.HasPrefix(bdf, addr) {
			return filepath.Join(probe.SysBusPCISlotsPath, e.Name()), true
		}
	}
	return "", false
}

// Capable reports whether p has an attention-nibble encoding.
func (d *Device) Capable(p pattern.Pattern) bool {
	_, ok := table.Lookup(p)
	return ok
}

// Set records p as the pattern to apply on the next Flush.
func (d *Device) Set(p pattern.Pattern) error {
	if !d.Capable(p) {
		return errkind.New(errkind.InvalidState, "pattern not representable on VMD attention")
	}
	d.Block.Transition.Set(p)
	return nil
}

// Flush writes the decimal attention nibble if the pattern changed.
func (d *Device) Flush() error {
	t := &d.Block.Transition
	if !t.Dirty() {
		return nil
	}
	nibble, ok := table.Lookup(t.Current())
	if !ok {
		return errkind.New(errkind.InvalidState, "pattern not representable on VMD attention")
	}
	if err := writeFile(d.AttentionPath, []byte(strconv.FormatUint(uint64(nibble), 10)), 0o644); err != nil {
		log.WithError(err).WithField("path", d.AttentionPath).Debug("attention write failed")
		t.Fail()
		return errkind.Wrap(err, errkind.IoError, "write attention")
	}
	t.Commit()
	return nil
}

// GetState reads the attention attribute back and decodes it.
func (d *Device) GetState() (pattern.Pattern, error) {
	b, err := readFile(d.AttentionPath)
	if err != nil {
		return pattern.UNKNOWN, errkind.Wrap(err, errkind.IoError, "read attention")
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return pattern.UNKNOWN, errkind.Wrap(err, errkind.DataError, "parse attention")
	}
	if p, ok := reverse[uint32(v)]; ok {
		return p, nil
	}
	return pattern.UNKNOWN, nil
}
