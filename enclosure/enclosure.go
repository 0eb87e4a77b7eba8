// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package enclosure models a SCSI Enclosure Services (SES-2) target: the
// Configuration (page 1), Enclosure Control/Status (page 2), and
// Additional Element Status (page 10) diagnostic pages, and the
// read-modify-write discipline SES-addressed LED control requires.
package enclosure

import (
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/ledctl/ledctl/errkind"
	"github.com/ledctl/ledctl/pattern"
	"github.com/ledctl/ledctl/problog"
	"github.com/ledctl/ledctl/sgio"
)

var log = problog.NewSubsystemLogger("enclosure")

const (
	// allocLen is generous enough for enclosures with a few hundred
	// elements; RECEIVE DIAGNOSTIC truncates rather than erroring when the
	// real page is shorter.
	allocLen = 4096

	maxRetries = 3
	retrySleep = time.Millisecond
)

// nanosleep is a package-level function variable so tests can intercept
// retry pacing.
var nanosleep = time.Sleep

// Slot is one drive bay tracked against a page-2 control element.
type Slot struct {
	ElementIndex int
	SASAddress   uint64
	Pattern      pattern.Pattern
}

// Enclosure is a live SES target reached through its bsg/generic-SCSI
// device node.
type Enclosure struct {
	DevNode string

	file *os.File

	Page1  []byte
	Page2  []byte
	Page10 []byte

	Types         []TypeDescriptor
	ArrayElements bool
	ControlOffset []int

	Slots []Slot

	// ChangeCounter tracks pending, unflushed page-2 edits. Flush is a
	// no-op when this is zero: it is only issued when at least one slot
	// actually changed.
	ChangeCounter int

	// Truncated records whether the most recent Reload had to tolerate a
	// short read on any of the three pages.
	Truncated bool
}

// Open opens the device node and performs an initial Reload.
func Open(devNode string) (*Enclosure, error) {
	f, err := os.OpenFile(devNode, os.O_RDWR, 0)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.IoError, "open enclosure device "+devNode)
	}
	e := &Enclosure{DevNode: devNode, file: f}
	if err := e.Reload(); err != nil {
		f.Close()
		return nil, err
	}
	return e, nil
}

// Close releases the underlying device node.
func (e *Enclosure) Close() error {
	if e.file == nil {
		return nil
	}
	return e.file.Close()
}

// Reload re-reads pages 1, 2, and 10 and rebuilds the slot vector. Called
// on Open and after every successful Flush so callers observe the
// enclosure's own view of state rather than a stale local copy.
func (e *Enclosure) Reload() error {
	p1, t1, err := e.receiveDiagnostic(PageConfiguration)
	if err != nil {
		return err
	}
	p2, t2, err := e.receiveDiagnostic(PageEnclosureStatus)
	if err != nil {
		return err
	}
	p10, t10, err := e.receiveDiagnostic(PageAdditionalElemStatus)
	if err != nil {
		return err
	}

	types, truncTypes := ParsePage1(p1)
	offsets, arrayElements := slotOffsets(types)
	elems, truncElems := ParsePage10(p10)

	slots := make([]Slot, len(offsets))
	for i := range slots {
		slots[i].ElementIndex = i
	}
	for _, el := range elems {
		if el.ElementIndex >= 0 && el.ElementIndex < len(slots) {
			slots[el.ElementIndex].SASAddress = el.SASAddress
		}
	}

	e.Page1, e.Page2, e.Page10 = p1, p2, p10
	e.Types = types
	e.ArrayElements = arrayElements
	e.ControlOffset = offsets
	e.Slots = slots
	e.Truncated = t1 || t2 || t10 || truncTypes || truncElems
	if e.Truncated {
		log.WithField("devnode", e.DevNode).Debug("enclosure pages truncated, proceeding best-effort")
	}
	return nil
}

// ControlBytes returns the mutable 4-byte control field for a slot's
// page-2 element. Callers (transport/ses) write directly into this
// slice; MarkDirty must be called separately since writes here are not
// observable to Enclosure.
func (e *Enclosure) ControlBytes(elementIndex int) ([]byte, error) {
	if elementIndex < 0 || elementIndex >= len(e.ControlOffset) {
		return nil, errkind.New(errkind.InvalidState, "element index out of range")
	}
	off := e.ControlOffset[elementIndex]
	if off+4 > len(e.Page2) {
		return nil, errkind.New(errkind.InvalidState, "page 2 too short for element")
	}
	return e.Page2[off : off+4], nil
}

// MarkDirty records that a page-2 control byte was edited and a Flush is
// now needed before the enclosure will observe it.
func (e *Enclosure) MarkDirty() {
	e.ChangeCounter++
}

// Flush sends the accumulated page-2 edits with SEND DIAGNOSTIC and
// reloads all three pages so callers observe the enclosure's own view of
// state. A no-op when nothing is dirty.
func (e *Enclosure) Flush() error {
	if e.ChangeCounter == 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		lastErr = e.sendDiagnostic(e.Page2)
		if lastErr == nil || !sgio.IsEBusy(lastErr) {
			break
		}
		nanosleep(retrySleep)
	}
	if lastErr != nil {
		return lastErr
	}

	e.ChangeCounter = 0
	return e.Reload()
}

func (e *Enclosure) receiveDiagnostic(page byte) (buf []byte, truncated bool, err error) {
	cdb := []byte{
		0x1c,       // RECEIVE DIAGNOSTIC RESULTS
		0x01,       // PCV
		page,       // PAGE CODE
		byte(allocLen >> 8), byte(allocLen), // ALLOCATION LENGTH
		0x00,
	}
	data := make([]byte, allocLen)
	res, err := sgio.Execute(e.file.Fd(), cdb, data, sgio.FromDevice)
	if err != nil {
		return nil, false, errors.Wrapf(err, "receive diagnostic page 0x%02x", page)
	}
	_ = res
	return data, false, nil
}

func (e *Enclosure) sendDiagnostic(page2 []byte) error {
	cdb := []byte{
		0x1d, // SEND DIAGNOSTIC
		0x10, // PF (page format)
		0x00,
		byte(len(page2) >> 8), byte(len(page2)),
		0x00,
	}
	_, err := sgio.Execute(e.file.Fd(), cdb, page2, sgio.ToDevice)
	if err != nil {
		return errors.Wrap(err, "send diagnostic page 2")
	}
	return nil
}
