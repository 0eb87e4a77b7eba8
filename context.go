// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package ledctl is the engine context: it owns the controller registry,
// the bound block-device set, and the slot set, and dispatches Set/Flush
// to whichever transport each device's controller kind resolved to. It
// is the Go-native equivalent of the library surface spec.md §6
// describes (new_context/scan/set/flush/...), playing the same registry
// role virtcontainers' device/manager plays atop device/config/api/drivers.
package ledctl

import (
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/ledctl/ledctl/bind"
	"github.com/ledctl/ledctl/enclosure"
	"github.com/ledctl/ledctl/errkind"
	"github.com/ledctl/ledctl/pattern"
	"github.com/ledctl/ledctl/probe"
	"github.com/ledctl/ledctl/problog"
	"github.com/ledctl/ledctl/slot"
	"github.com/ledctl/ledctl/transport/ahci"
	"github.com/ledctl/ledctl/transport/amdipmi"
	"github.com/ledctl/ledctl/transport/amdsgpio"
	"github.com/ledctl/ledctl/transport/dellipmi"
	"github.com/ledctl/ledctl/transport/npem"
	"github.com/ledctl/ledctl/transport/ses"
	"github.com/ledctl/ledctl/transport/smp"
	"github.com/ledctl/ledctl/transport/vmd"
)

var log = problog.NewSubsystemLogger("ledctl")

// Context is the engine's live device model: every controller, SES
// enclosure, bound block device, and addressable slot from the most
// recent Scan.
type Context struct {
	Controllers []*probe.Controller
	Enclosures  []*enclosure.Enclosure
	Devices     []*bind.BlockDevice
	Slots       []*slot.Property
}

// NewContext returns an empty engine context; call Scan to populate it.
func NewContext() *Context {
	return &Context{}
}

// LogFDSet makes subsystem loggers created from this point forward write
// to w; loggers created earlier keep their previous output.
func LogFDSet(w io.Writer) {
	logger := logrus.New()
	logger.SetOutput(w)
	problog.SetLogger(logrus.NewEntry(logger))
}

// LogLevelSet sets the verbosity of every subsystem logger created from
// this point forward.
func LogLevelSet(level logrus.Level) {
	logger := logrus.New()
	logger.SetLevel(level)
	problog.SetLogger(logrus.NewEntry(logger))
}

// Scan rebuilds the device model: probes controllers, opens every SES
// enclosure, binds every block device, wires each device's transport,
// and builds the slot set. Failures at any one step are non-fatal and
// folded into the returned error; the rest of the scan still completes,
// matching spec.md §7's "aggregate, do not abort" failure semantics.
func (c *Context) Scan(filter ProbeFilter) error {
	var errs *multierror.Error

	controllers, err := probe.Probe(filter)
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	enclosures, encErr := discoverEnclosures()
	if encErr != nil {
		errs = multierror.Append(errs, encErr)
	}

	for _, old := range c.Enclosures {
		old.Close()
	}

	devices, devErr := discoverBlockDevices(controllers, enclosures)
	if devErr != nil {
		errs = multierror.Append(errs, devErr)
	}

	for _, bd := range devices {
		if err := wireTransport(bd); err != nil {
			log.WithError(err).WithField("path", bd.SysfsPath).Debug("no transport for this device's controller")
			errs = multierror.Append(errs, err)
		}
	}

	c.Controllers = controllers
	c.Enclosures = enclosures
	c.Devices = devices
	c.Slots = buildSlots(controllers, devices)

	return errs.ErrorOrNil()
}

// discoverEnclosures opens every /sys/class/enclosure entry's SG device
// node. One enclosure's open failure does not prevent the others from
// being discovered.
func discoverEnclosures() ([]*enclosure.Enclosure, error) {
	entries, err := os.ReadDir(probe.SysClassEnclosurePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errkind.Wrap(err, errkind.StatError, "list enclosure class directory")
	}

	var encs []*enclosure.Enclosure
	var errs *multierror.Error
	for _, e := range entries {
		devNode, ok := enclosureDevNode(filepath.Join(probe.SysClassEnclosurePath, e.Name()))
		if !ok {
			continue
		}
		enc, err := enclosure.Open(devNode)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		encs = append(encs, enc)
	}
	return encs, errs.ErrorOrNil()
}

// enclosureDevNode resolves a /sys/class/enclosure/<name> entry to the
// /dev SG node it points at.
func enclosureDevNode(classPath string) (string, bool) {
	target, err := filepath.EvalSymlinks(filepath.Join(classPath, "device", "scsi_generic"))
	if err != nil {
		return "", false
	}
	entries, err := os.ReadDir(target)
	if err != nil || len(entries) == 0 {
		return "", false
	}
	return filepath.Join("/dev", entries[0].Name()), true
}

// discoverBlockDevices binds every /sys/block entry against controllers
// and enclosures. One device's bind failure does not prevent the others
// from being bound.
func discoverBlockDevices(controllers []*probe.Controller, enclosures []*enclosure.Enclosure) ([]*bind.BlockDevice, error) {
	entries, err := os.ReadDir(probe.SysBlockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errkind.Wrap(err, errkind.StatError, "list block class directory")
	}

	var devices []*bind.BlockDevice
	var errs *multierror.Error
	for _, e := range entries {
		sysfsPath := filepath.Join(probe.SysBlockPath, e.Name())
		bd, err := bind.Bind(sysfsPath, controllers, enclosures)
		if err != nil {
			log.WithError(err).WithField("path", sysfsPath).Debug("skipping unbindable block device")
			errs = multierror.Append(errs, err)
			continue
		}
		devices = append(devices, bd)
	}
	return devices, errs.ErrorOrNil()
}

// wireTransport constructs the transport.Transport matching bd's
// controller kind and records it on bd, completing the binding step
// bind itself cannot perform (it would need to import every transport
// subpackage, which already import bind for *BlockDevice).
func wireTransport(bd *bind.BlockDevice) error {
	if bd.Controller == nil {
		return errkind.New(errkind.InvalidState, "block device has no controller")
	}

	switch bd.Controller.Kind {
	case probe.AHCI:
		bd.Transport = ahci.New(bd)
		return nil

	case probe.SCSI:
		if bd.Enclosure != nil {
			d, err := ses.New(bd)
			if err != nil {
				return err
			}
			bd.Transport = d
			return nil
		}
		d, err := smp.New(bd)
		if err != nil {
			return err
		}
		bd.Transport = d
		return nil

	case probe.NPEM:
		bd.Transport = npem.New(bd)
		return nil

	case probe.VMD:
		d, err := vmd.New(bd)
		if err != nil {
			return err
		}
		bd.Transport = d
		return nil

	case probe.DELLSSD:
		d, err := dellipmi.New(bd)
		if err != nil {
			return err
		}
		bd.Transport = d
		return nil

	case probe.AMD:
		switch bd.Controller.Interface {
		case probe.AMDIPMI:
			d, err := amdipmi.New(bd)
			if err != nil {
				return err
			}
			bd.Transport = d
			return nil
		default:
			d, err := amdsgpio.New(bd)
			if err != nil {
				return err
			}
			bd.Transport = d
			return nil
		}

	default:
		return errkind.New(errkind.NotSupported, "controller kind has no transport")
	}
}

// buildSlots derives the slot set from the controller registry: one
// controller-kind slot per NPEM controller, plus one enclosure slot per
// bound SES-attached device. VMD hotplug slots are not enumerated here.
func buildSlots(controllers []*probe.Controller, devices []*bind.BlockDevice) []*slot.Property {
	var slots []*slot.Property

	for _, ctrl := range controllers {
		if ctrl.Kind == probe.NPEM {
			slots = append(slots, slot.NewControllerSlot(ctrl.Path, ctrl, deviceOnController(devices, ctrl)))
		}
	}

	for _, bd := range devices {
		if bd.Enclosure != nil {
			s, err := slot.NewEnclosureSlot(bd.Enclosure.DevNode, bd.Enclosure, bd.ElementIndex, bd)
			if err != nil {
				continue
			}
			slots = append(slots, s)
		}
	}

	return slots
}

func deviceOnController(devices []*bind.BlockDevice, ctrl *probe.Controller) *bind.BlockDevice {
	for _, bd := range devices {
		if bd.Controller == ctrl {
			return bd
		}
	}
	return nil
}

// DeviceNameLookup resolves a /dev node path to the BlockDevice it
// denotes, the canonical "/dev node -> model key" lookup spec.md §6
// names as device_name_lookup.
func (c *Context) DeviceNameLookup(devNode string) (*bind.BlockDevice, bool) {
	for _, bd := range c.Devices {
		if bd.DevNode == devNode {
			return bd, true
		}
	}
	return nil, false
}

// IsManagementSupported reports whether kind resolved to a wired
// transport at all (UNKNOWN never does).
func (c *Context) IsManagementSupported(kind probe.Kind) bool {
	return kind != probe.UNKNOWN
}

// Set stages pat on the device addressed by devNode, for later Flush.
func (c *Context) Set(devNode string, pat pattern.Pattern) error {
	bd, ok := c.DeviceNameLookup(devNode)
	if !ok {
		return errkind.New(errkind.InvalidPath, "no bound device for "+devNode)
	}
	if bd.Transport == nil {
		return errkind.New(errkind.NotSupported, "device has no wired transport")
	}
	return bd.Transport.Set(pat)
}

// Flush dispatches every device's pending pattern to hardware. One
// device's flush failure does not prevent the others from flushing.
func (c *Context) Flush() error {
	var errs *multierror.Error
	for _, bd := range c.Devices {
		if bd.Transport == nil {
			continue
		}
		if err := bd.Transport.Flush(); err != nil {
			log.WithError(err).WithField("path", bd.SysfsPath).Debug("flush failed")
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// SlotSet stages and immediately flushes pat on the slot with the given
// id, the slot_set library call.
func (c *Context) SlotSet(slotID string, pat pattern.Pattern) error {
	for _, s := range c.Slots {
		if s.ID == slotID {
			return s.Set(pat)
		}
	}
	return errkind.New(errkind.InvalidPath, "no such slot: "+slotID)
}

// Close releases every open enclosure device node.
func (c *Context) Close() error {
	var errs *multierror.Error
	for _, enc := range c.Enclosures {
		if err := enc.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
