// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package probe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeDevice creates a synthetic /sys/bus/pci/devices/<bdf> entry with
// the given attributes.
func writeDevice(t *testing.T, root, bdf string, attrs map[string]string) string {
	t.Helper()
	dir := filepath.Join(root, bdf)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, val := range attrs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(val), 0o644))
	}
	return dir
}

func withSysfsRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	saved := SysBusPCIDevicesPath
	SysBusPCIDevicesPath = root
	t.Cleanup(func() { SysBusPCIDevicesPath = saved })
	return root
}

func TestProbeClassifiesAHCI(t *testing.T) {
	root := withSysfsRoot(t)
	savedEM := SysModuleLibahciEMMessagesPath
	SysModuleLibahciEMMessagesPath = filepath.Join(root, "em_messages")
	require.NoError(t, os.WriteFile(SysModuleLibahciEMMessagesPath, []byte("1"), 0o644))
	t.Cleanup(func() { SysModuleLibahciEMMessagesPath = savedEM })

	dir := writeDevice(t, root, "0000:00:1f.2", map[string]string{
		"vendor": "0x8086",
		"device": "0x2821",
		"class":  "0x010601",
	})
	driverDir := filepath.Join(root, "drivers", "ahci")
	require.NoError(t, os.MkdirAll(driverDir, 0o755))
	require.NoError(t, os.Symlink(driverDir, filepath.Join(dir, "driver")))

	c, err := classify(dir)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, AHCI, c.Kind)
	assert.True(t, c.EMMessagesEnabled)
}

func TestProbeClassifiesAHCIRequiresDriver(t *testing.T) {
	root := withSysfsRoot(t)
	dir := writeDevice(t, root, "0000:00:1f.2", map[string]string{
		"vendor": "0x8086",
		"class":  "0x010601",
	})
	c, err := classify(dir)
	require.NoError(t, err)
	assert.Nil(t, c, "without a bound ahci driver symlink this is an unclassified storage device")
}

func TestProbeClassifiesVMD(t *testing.T) {
	root := withSysfsRoot(t)
	dir := writeDevice(t, root, "0000:00:0e.0", map[string]string{
		"vendor": "0x8086",
		"class":  "0x010401",
	})
	driverDir := filepath.Join(root, "drivers", "vmd")
	require.NoError(t, os.MkdirAll(driverDir, 0o755))
	require.NoError(t, os.Symlink(driverDir, filepath.Join(dir, "driver")))

	c, err := classify(dir)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, VMD, c.Kind)
	assert.Equal(t, "0000:00:0e.0", c.Domain)
}

func TestProbeClassifiesSCSIByEnclosureChild(t *testing.T) {
	root := withSysfsRoot(t)
	dir := writeDevice(t, root, "0000:03:00.0", map[string]string{
		"vendor": "0x1000",
		"class":  "0x010700",
	})
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "host5", "enclosure"), 0o755))

	c, err := classify(dir)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, SCSI, c.Kind)
}

func TestProbeClassifiesAMDInterfaceByDMI(t *testing.T) {
	root := withSysfsRoot(t)
	savedDMI := SysClassDMIProductNamePath
	dmiPath := filepath.Join(root, "product_name")
	SysClassDMIProductNamePath = dmiPath
	require.NoError(t, os.WriteFile(dmiPath, []byte("DAYTONA_X"), 0o644))
	t.Cleanup(func() { SysClassDMIProductNamePath = savedDMI })

	dir := writeDevice(t, root, "0000:00:11.4", map[string]string{
		"vendor": "0x1022",
		"class":  "0x010601",
	})
	driverDir := filepath.Join(root, "drivers", "ahci")
	require.NoError(t, os.MkdirAll(driverDir, 0o755))
	require.NoError(t, os.Symlink(driverDir, filepath.Join(dir, "driver")))

	c, err := classify(dir)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, AMD, c.Kind)
	assert.Equal(t, AMDIPMI, c.Interface)
}

func TestFilterAllowWinsOverExclude(t *testing.T) {
	f := Filter{Allow: []string{"/a"}, Exclude: []string{"/a"}}
	assert.True(t, f.permits("/a"))
	assert.False(t, f.permits("/b"))
}

func TestFilterExcludeOnly(t *testing.T) {
	f := Filter{Exclude: []string{"/a"}}
	assert.False(t, f.permits("/a"))
	assert.True(t, f.permits("/b"))
}

func TestFindNPEMCapability(t *testing.T) {
	root := t.TempDir()
	cfgPath := filepath.Join(root, "config")
	buf := make([]byte, 0x120)
	// Extended capability header at 0x100: cap id 0x29, version 1, next 0.
	putLE32(buf[0x100:], 0x29|(1<<16))
	// CAP_REG at 0x104: bits for OK|LOCATE|FAIL capable, plus ENABLE(bit0).
	putLE32(buf[0x104:], 0x1|0x4|0x8|0x10)
	require.NoError(t, os.WriteFile(cfgPath, buf, 0o644))

	off, capReg, ok := findNPEMCapability(cfgPath)
	assert.True(t, ok)
	assert.Equal(t, 0x100, off)
	assert.Equal(t, uint32(0x1d), capReg)
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
