// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package ledctl

import "github.com/ledctl/ledctl/probe"

// ProbeFilter is the allowlist/excludelist pair a caller decodes from a
// TOML "[probe]" table (config-file loading itself is an external,
// out-of-scope concern — ledctl only ever accepts the decoded struct)
// and hands to Context.Scan. It is exactly probe.Filter; aliased here so
// callers never need to import probe just to build one.
type ProbeFilter = probe.Filter
