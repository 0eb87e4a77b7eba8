// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package ledctl

import (
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestProbeFilterDecodesFromTOML exercises the "[probe]" table shape
// SPEC_FULL.md §8 describes: ledctl itself never opens a config file
// (that stays the embedding CLI's job), but ProbeFilter's fields must
// round-trip through the same TOML decoder the teacher uses for its own
// settings file.
func TestProbeFilterDecodesFromTOML(t *testing.T) {
	const doc = `
[probe]
allow = ["/sys/devices/pci0000:00/0000:00:1f.2"]
exclude = ["/sys/devices/pci0000:00/0000:00:0d.0"]
`
	var cfg struct {
		Probe ProbeFilter `toml:"probe"`
	}
	_, err := toml.Decode(doc, &cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"/sys/devices/pci0000:00/0000:00:1f.2"}, cfg.Probe.Allow)
	assert.Equal(t, []string{"/sys/devices/pci0000:00/0000:00:0d.0"}, cfg.Probe.Exclude)
}

func TestProbeFilterDecodesEmptyTable(t *testing.T) {
	var cfg struct {
		Probe ProbeFilter `toml:"probe"`
	}
	_, err := toml.Decode("[probe]\n", &cfg)
	require.NoError(t, err)
	assert.Empty(t, cfg.Probe.Allow)
	assert.Empty(t, cfg.Probe.Exclude)
}
