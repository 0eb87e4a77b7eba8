// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package slot gives callers a uniform handle over a drive bay that
// works whether or not a block device currently occupies it: a PCI
// hotplug slot, an NPEM controller, or an SES enclosure element. Each
// variant is backed by the same transport.Transport a bound block
// device would use, so slot.Property never duplicates wire logic.
package slot

import (
	"github.com/ledctl/ledctl/bind"
	"github.com/ledctl/ledctl/enclosure"
	"github.com/ledctl/ledctl/errkind"
	"github.com/ledctl/ledctl/pattern"
	"github.com/ledctl/ledctl/probe"
	"github.com/ledctl/ledctl/transport"
	"github.com/ledctl/ledctl/transport/npem"
	"github.com/ledctl/ledctl/transport/ses"
	"github.com/ledctl/ledctl/transport/vmd"
)

// Property is a tagged handle over one addressable slot: exactly one of
// the three NewXSlot constructors produced the transport.Transport it
// wraps, matching the PCI hotplug / controller / enclosure+index
// variants spec.md describes for SlotProperty.
type Property struct {
	ControllerKind probe.Kind
	ID             string
	Device         *bind.BlockDevice // nil if the slot is currently empty

	drv transport.Transport
}

// Occupied reports whether a block device currently sits in this slot.
func (p *Property) Occupied() bool { return p.Device != nil }

// Set stages pat and immediately flushes it — slot operations are
// always one-shot, unlike a bound block device's buffered Set/Flush.
func (p *Property) Set(pat pattern.Pattern) error {
	if err := p.drv.Set(pat); err != nil {
		return err
	}
	return p.drv.Flush()
}

// Get reads the slot's current pattern directly from hardware.
func (p *Property) Get() (pattern.Pattern, error) {
	return p.drv.GetState()
}

func emptyBlockDevice() *bind.BlockDevice {
	return &bind.BlockDevice{Transition: pattern.NewTransition()}
}

// NewHotplugSlot wraps a VMD PCIe hotplug slot whose attention sysfs
// attribute is already known (no sysfs B:D.F lookup needed — the caller
// already resolved it by enumerating /sys/bus/pci/slots).
func NewHotplugSlot(id, attentionPath string, dev *bind.BlockDevice) *Property {
	bd := dev
	if bd == nil {
		bd = emptyBlockDevice()
	}
	return &Property{
		ControllerKind: probe.VMD,
		ID:             id,
		Device:         dev,
		drv:            &vmd.Device{Block: bd, AttentionPath: attentionPath},
	}
}

// NewControllerSlot wraps an NPEM-capable PCI device's control register.
func NewControllerSlot(id string, ctrl *probe.Controller, dev *bind.BlockDevice) *Property {
	bd := dev
	if bd == nil {
		bd = &bind.BlockDevice{Controller: ctrl, ControlPath: ctrl.Path, Transition: pattern.NewTransition()}
	}
	return &Property{
		ControllerKind: probe.NPEM,
		ID:             id,
		Device:         dev,
		drv:            npem.New(bd),
	}
}

// NewEnclosureSlot wraps one SES enclosure element by index.
func NewEnclosureSlot(id string, enc *enclosure.Enclosure, index int, dev *bind.BlockDevice) (*Property, error) {
	if enc == nil {
		return nil, errkind.New(errkind.NullArg, "enclosure is nil")
	}
	bd := dev
	if bd == nil {
		bd = &bind.BlockDevice{Enclosure: enc, ElementIndex: index, Transition: pattern.NewTransition()}
	}
	d, err := ses.New(bd)
	if err != nil {
		return nil, err
	}
	return &Property{
		ControllerKind: probe.SCSI,
		ID:             id,
		Device:         dev,
		drv:            d,
	}, nil
}
