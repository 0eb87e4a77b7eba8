// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package amdsgpio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledctl/ledctl/bind"
	"github.com/ledctl/ledctl/pattern"
)

func newTestDevice(t *testing.T, ataPort int) (*Device, string, string) {
	t.Helper()
	root := t.TempDir()
	ctrlPath := filepath.Join(root, "ata"+itoa(ataPort))
	require.NoError(t, os.MkdirAll(ctrlPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ctrlPath, "em_buffer"), nil, 0o644))

	cachePath := filepath.Join(root, "cache")
	restoreOpen := openCache
	openCache = func() (*os.File, error) {
		return os.OpenFile(cachePath, os.O_RDWR|os.O_CREATE, 0o644)
	}
	t.Cleanup(func() { openCache = restoreOpen })

	restoreFlock := flockFn
	flockFn = func(fd int, how int) error { return nil }
	t.Cleanup(func() { flockFn = restoreFlock })

	bd := &bind.BlockDevice{ControlPath: ctrlPath, Transition: pattern.NewTransition()}
	d, err := New(bd)
	require.NoError(t, err)
	return d, cachePath, filepath.Join(ctrlPath, "em_buffer")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	if neg {
		buf = append([]byte{'-'}, buf...)
	}
	return string(buf)
}

func TestFlushRebuildOnAtaPort5AssignsBlinkGenA(t *testing.T) {
	d, cachePath, emBufferPath := newTestDevice(t, 5)
	assert.Equal(t, 1, d.group())
	assert.Equal(t, 0, d.bayInGroup())

	require.NoError(t, d.Set(pattern.REBUILD))
	require.NoError(t, d.Flush())

	cache, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	rec := unmarshalRecord(cache[recordSize : 2*recordSize])
	assert.Equal(t, byte(0x07), rec.BlinkGenA)
	assert.Equal(t, byte(0x00), rec.BlinkGenB)
	assert.Equal(t, packTX(txBits{errorCode: 0x02}), rec.DriveLEDs[0])

	frame, err := os.ReadFile(emBufferPath)
	require.NoError(t, err)
	require.Len(t, frame, 1+2+4)
	assert.Equal(t, byte(0x07), frame[1]) // Configuration register: blink_gen_a
}

func TestAssignGeneratorAlternatesWhenBothOccupied(t *testing.T) {
	rec := groupRecord{BlinkGenA: 0x01, BlinkGenB: 0x02}
	assignGenerator(&rec, 0x03)
	assert.Equal(t, byte(0x03), rec.BlinkGenA)
	assert.Equal(t, byte(0x02), rec.BlinkGenB)
}

func TestNewRejectsControlPathWithoutAtaSegment(t *testing.T) {
	bd := &bind.BlockDevice{ControlPath: "/sys/devices/pci0000:00/nvme/nvme0", Transition: pattern.NewTransition()}
	_, err := New(bd)
	assert.Error(t, err)
}
