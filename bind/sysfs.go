// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package bind

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Sysfs/devfs roots, package variables so tests can redirect them.
var (
	SysBlockPath = "/sys/block"
	DevPath      = "/dev"
)

var (
	nvmeMultipathName = regexp.MustCompile(`^(nvme\d+)c\d+(n\d+)$`)
	hostSegment       = regexp.MustCompile(`host(\d+)`)
	ataSegment        = regexp.MustCompile(`^ata\d+$`)
)

// canonicalDevNodeName strips an NVMe multipath controller segment so the
// devnode names the primary namespace: nvme0c1n1 -> nvme0n1.
func canonicalDevNodeName(name string) string {
	if m := nvmeMultipathName.FindStringSubmatch(name); m != nil {
		return m[1] + m[2]
	}
	return name
}

// majorMinor reads and parses the "dev" sysfs attribute ("MAJOR:MINOR").
func majorMinor(sysfsPath string) (major, minor int, ok bool) {
	b, err := os.ReadFile(filepath.Join(sysfsPath, "dev"))
	if err != nil {
		return 0, 0, false
	}
	parts := strings.SplitN(strings.TrimSpace(string(b)), ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	maj, err1 := strconv.Atoi(parts[0])
	min, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return maj, min, true
}

// statDev is a package-level variable so tests can intercept the /dev
// stat(2) calls devNodeFromMajorMinor issues.
var statDev = unix.Stat

// devNodeFromMajorMinor scans DevPath for the device node whose rdev
// matches major:minor, the dereference spec.md §4.2 requires instead of
// guessing the node name from the sysfs basename.
func devNodeFromMajorMinor(major, minor int) (string, bool) {
	entries, err := os.ReadDir(DevPath)
	if err != nil {
		return "", false
	}
	want := unix.Mkdev(uint32(major), uint32(minor))
	for _, e := range entries {
		full := filepath.Join(DevPath, e.Name())
		var st unix.Stat_t
		if err := statDev(full, &st); err != nil {
			continue
		}
		if st.Mode&unix.S_IFMT != unix.S_IFBLK {
			continue
		}
		if uint64(st.Rdev) == want {
			return full, true
		}
	}
	return "", false
}

// hostIDFromPath extracts the SCSI host number from a sysfs path segment
// like ".../host5/...".
func hostIDFromPath(path string) (int, bool) {
	m := hostSegment.FindStringSubmatch(path)
	if m == nil {
		return 0, false
	}
	id, err := strconv.Atoi(m[1])
	return id, err == nil
}

// isExpanderAttached reports whether a block device's sysfs path runs
// through a SAS expander.
func isExpanderAttached(path string) bool {
	return strings.Contains(path, "/expander")
}

// ataSegmentTruncate returns the prefix of path up to and including the
// first "ataNN" path segment, or ok=false if none is present (the NVMe
// case, where the full path is used as-is).
func ataSegmentTruncate(path string) (string, bool) {
	segments := strings.Split(path, string(filepath.Separator))
	for i, seg := range segments {
		if ataSegment.MatchString(seg) {
			return strings.Join(segments[:i+1], string(filepath.Separator)), true
		}
	}
	return "", false
}

// findNearestFile walks root looking for a file or directory entry named
// name, returning the first match's own path. Used to locate em_buffer
// (AMD SGPIO) the same way probe locates an enclosure child.
func findNearestFile(root, name string) (string, bool) {
	var found string
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if found != "" {
			return filepath.SkipDir
		}
		if info.Name() == name {
			found = path
			return filepath.SkipDir
		}
		return nil
	})
	return found, found != ""
}
