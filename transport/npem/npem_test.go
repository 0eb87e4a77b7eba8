// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package npem

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledctl/ledctl/bind"
	"github.com/ledctl/ledctl/errkind"
	"github.com/ledctl/ledctl/pattern"
	"github.com/ledctl/ledctl/probe"
)

func newTestDevice(t *testing.T, capable uint32) (*Device, string) {
	t.Helper()
	root := t.TempDir()
	configPath := filepath.Join(root, "config")
	buf := make([]byte, 32)
	// status register (offset 12) reports Command-Completed set so Flush
	// doesn't have to wait out the real 1s poll.
	buf[12] = 0x1
	require.NoError(t, os.WriteFile(configPath, buf, 0o644))

	ctrl := &probe.Controller{Kind: probe.NPEM, NPEMCapOffset: 0, NPEMCapable: capable}
	bd := &bind.BlockDevice{Controller: ctrl, ControlPath: root, Transition: pattern.NewTransition()}
	return New(bd), configPath
}

func TestFlushWritesFailedDriveBitPreservingReserved(t *testing.T) {
	d, configPath := newTestDevice(t, 0x1c) // OK|LOCATE|FAIL capable, per S3

	raw, err := os.ReadFile(configPath)
	require.NoError(t, err)
	raw[ctrlRegOffset] = 0x00
	raw[ctrlRegOffset+3] = 0xab // reserved bits must survive the write
	require.NoError(t, os.WriteFile(configPath, raw, 0o644))

	require.NoError(t, d.Set(pattern.FAILED_DRIVE))
	require.NoError(t, d.Flush())

	after, err := os.ReadFile(configPath)
	require.NoError(t, err)
	got := le32(after[ctrlRegOffset : ctrlRegOffset+4])
	assert.Equal(t, uint32(0xab000000)|bitEnable|bitFail, got)
}

func TestSetRejectsBitNotAdvertisedCapable(t *testing.T) {
	d, _ := newTestDevice(t, 0x1c) // REBUILD (0x20) not in capability set
	err := d.Set(pattern.REBUILD)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.NotSupported))
}

func TestGetStateDecodesControlRegister(t *testing.T) {
	d, configPath := newTestDevice(t, 0x1c)
	raw, err := os.ReadFile(configPath)
	require.NoError(t, err)
	raw[ctrlRegOffset] = byte(bitLocate)
	require.NoError(t, os.WriteFile(configPath, raw, 0o644))

	p, err := d.GetState()
	require.NoError(t, err)
	assert.Equal(t, pattern.LOCATE, p)
}

func TestWaitCommandCompletedGivesUpAfterTimeout(t *testing.T) {
	root := t.TempDir()
	configPath := filepath.Join(root, "config")
	buf := make([]byte, 32) // Command-Completed never set
	require.NoError(t, os.WriteFile(configPath, buf, 0o644))

	ctrl := &probe.Controller{Kind: probe.NPEM, NPEMCapable: 0x1c}
	bd := &bind.BlockDevice{Controller: ctrl, ControlPath: root, Transition: pattern.NewTransition()}
	d := New(bd)

	calls := 0
	restore := nanosleep
	nanosleep = func(_ time.Duration) { calls++ }
	defer func() { nanosleep = restore }()

	require.NoError(t, d.Set(pattern.LOCATE))
	require.NoError(t, d.Flush()) // must return rather than block forever
	assert.Greater(t, calls, 0)
}
