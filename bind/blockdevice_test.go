// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package bind

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ledctl/ledctl/enclosure"
	"github.com/ledctl/ledctl/probe"
)

func TestBindAHCIResolvesHostControlPath(t *testing.T) {
	root := t.TempDir()
	blockPath := filepath.Join(root, "devices", "pci0000:00", "0000:00:1f.2", "ata1", "host0", "target0:0:0", "0:0:0:0", "block", "sda")
	require.NoError(t, os.MkdirAll(blockPath, 0o755))

	ctrl := &probe.Controller{Path: filepath.Join(root, "devices", "pci0000:00", "0000:00:1f.2"), Kind: probe.AHCI}

	bd, err := Bind(blockPath, []*probe.Controller{ctrl}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, bd.HostID)
	assert.Equal(t, "/sys/class/scsi_host/host0", bd.ControlPath)
	assert.Equal(t, filepath.Join(DevPath, "sda"), bd.DevNode)
}

func TestBindDereferencesDevNodeViaMajorMinor(t *testing.T) {
	root := t.TempDir()
	blockPath := filepath.Join(root, "devices", "pci0000:00", "0000:00:1f.2", "ata1", "host0", "target0:0:0", "0:0:0:0", "block", "sdz")
	require.NoError(t, os.MkdirAll(blockPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(blockPath, "dev"), []byte("8:32\n"), 0o644))

	devRoot := t.TempDir()
	DevPath = devRoot
	t.Cleanup(func() { DevPath = "/dev" })
	require.NoError(t, os.WriteFile(filepath.Join(devRoot, "sdc"), nil, 0o644))

	restore := statDev
	t.Cleanup(func() { statDev = restore })
	statDev = func(path string, st *unix.Stat_t) error {
		st.Mode = unix.S_IFBLK
		if filepath.Base(path) == "sdc" {
			st.Rdev = unix.Mkdev(8, 32)
		}
		return nil
	}

	ctrl := &probe.Controller{Path: filepath.Join(root, "devices", "pci0000:00", "0000:00:1f.2"), Kind: probe.AHCI}

	bd, err := Bind(blockPath, []*probe.Controller{ctrl}, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(devRoot, "sdc"), bd.DevNode)
}

func TestBindPrefersNPEMOverParentController(t *testing.T) {
	root := t.TempDir()
	parentPath := filepath.Join(root, "devices", "pci0000:00", "0000:00:0d.0")
	npemPath := filepath.Join(parentPath, "nvme", "nvme0")
	blockPath := filepath.Join(npemPath, "nvme0n1")
	require.NoError(t, os.MkdirAll(blockPath, 0o755))

	scsiCtrl := &probe.Controller{Path: parentPath, Kind: probe.SCSI}
	npemCtrl := &probe.Controller{Path: npemPath, Kind: probe.NPEM}

	bd, err := Bind(blockPath, []*probe.Controller{scsiCtrl, npemCtrl}, nil)
	require.NoError(t, err)
	assert.Equal(t, npemCtrl, bd.Controller)
	assert.Equal(t, npemPath, bd.ControlPath)
}

func TestBindSCSIExpanderLinksEnclosureElement(t *testing.T) {
	root := t.TempDir()
	hostPath := filepath.Join(root, "devices", "pci0000:00", "0000:03:00.0", "host5")
	endDevicePath := filepath.Join(hostPath, "expander-5:0", "port-5:0:1", "end_device-5:0:1")
	blockPath := filepath.Join(endDevicePath, "target5:0:1", "5:0:1:0", "block", "sdb")
	require.NoError(t, os.MkdirAll(blockPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(endDevicePath, "sas_address"), []byte("0x5000000000000099\n"), 0o644))

	ctrl := &probe.Controller{Path: filepath.Join(root, "devices", "pci0000:00", "0000:03:00.0"), Kind: probe.SCSI}
	enc := &enclosure.Enclosure{Slots: []enclosure.Slot{
		{ElementIndex: 0, SASAddress: 0x5000000000000001},
		{ElementIndex: 1, SASAddress: 0x5000000000000099},
	}}

	bd, err := Bind(blockPath, []*probe.Controller{ctrl}, []*enclosure.Enclosure{enc})
	require.NoError(t, err)
	assert.Equal(t, 5, bd.HostID)
	require.NotNil(t, bd.Enclosure)
	assert.Equal(t, 1, bd.ElementIndex)
}

func TestBindSCSIReadsPhyIndex(t *testing.T) {
	root := t.TempDir()
	hostPath := filepath.Join(root, "devices", "pci0000:00", "0000:03:00.0", "host5")
	endDevicePath := filepath.Join(hostPath, "port-5:0:1", "end_device-5:0:1")
	blockPath := filepath.Join(endDevicePath, "target5:0:1", "5:0:1:0", "block", "sdb")
	require.NoError(t, os.MkdirAll(blockPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(endDevicePath, "phy_identifier"), []byte("3\n"), 0o644))

	ctrl := &probe.Controller{Path: filepath.Join(root, "devices", "pci0000:00", "0000:03:00.0"), Kind: probe.SCSI}

	bd, err := Bind(blockPath, []*probe.Controller{ctrl}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, bd.PhyIndex)
}

func TestBindAMDSGPIOFindsEmBuffer(t *testing.T) {
	root := t.TempDir()
	ctrlPath := filepath.Join(root, "devices", "pci0000:00", "0000:00:11.4")
	blockPath := filepath.Join(ctrlPath, "ata3", "host2", "target2:0:0", "2:0:0:0", "block", "sdc")
	require.NoError(t, os.MkdirAll(blockPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ctrlPath, "ata3", "em_buffer"), nil, 0o644))

	ctrl := &probe.Controller{Path: ctrlPath, Kind: probe.AMD, Interface: probe.AMDSGPIO}

	bd, err := Bind(blockPath, []*probe.Controller{ctrl}, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ctrlPath, "ata3"), bd.ControlPath)
}

func TestBindNoMatchingControllerErrors(t *testing.T) {
	root := t.TempDir()
	blockPath := filepath.Join(root, "devices", "unrelated", "block", "sdz")
	require.NoError(t, os.MkdirAll(blockPath, 0o755))

	_, err := Bind(blockPath, nil, nil)
	assert.Error(t, err)
}

func TestFindRaidArrayLocatesMemberViaHolders(t *testing.T) {
	root := t.TempDir()
	memberPath := filepath.Join(root, "block", "sda")
	arrayMdPath := filepath.Join(root, "block", "md0", "md")
	slaveDir := filepath.Join(arrayMdPath, "dev-sda")
	require.NoError(t, os.MkdirAll(slaveDir, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(memberPath, "holders"), 0o755))
	require.NoError(t, os.Symlink(filepath.Dir(arrayMdPath), filepath.Join(memberPath, "holders", "md0")))
	require.NoError(t, os.WriteFile(filepath.Join(arrayMdPath, "level"), []byte("raid5"), 0o644))

	mdPath, slavePath, ok := findRaidArray(memberPath)
	assert.True(t, ok)
	assert.Equal(t, arrayMdPath, mdPath)
	assert.Equal(t, slaveDir, slavePath)

	r, ok := ReadRaidRecord(mdPath, slavePath)
	assert.True(t, ok)
	assert.Equal(t, "raid5", r.Level)
}
