// Copyright (c) 2025 ledctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package pattern

// Transition tracks the previous/current pattern pair for one addressable
// LED (a BlockDevice or a bare slot):
//
//	Set writes the new pattern to current, leaves previous untouched.
//	Dirty compares previous to current; if different, the caller issues
//	the hardware write; on success Commit sets previous <- current, except
//	that after ONESHOT_NORMAL both previous and current are rearmed to
//	UNKNOWN so a later NORMAL re-fires once. A failed write leaves
//	previous unchanged.
type Transition struct {
	previous Pattern
	current  Pattern
}

// NewTransition returns a Transition with both previous and current set
// to NONE, matching the initial state of a freshly bound BlockDevice.
// NONE is the explicit "never set" sentinel, distinct from the UNKNOWN
// pattern value itself, which a transport can also legitimately report.
func NewTransition() Transition {
	return Transition{previous: NONE, current: NONE}
}

// Set records p as the pattern to apply on the next Flush. It never
// touches previous, so repeated Set calls without an intervening Flush
// simply change what the next hardware write will contain.
func (t *Transition) Set(p Pattern) {
	t.current = p
}

// Current returns the most recently Set pattern, regardless of whether it
// has been applied to hardware yet.
func (t Transition) Current() Pattern { return t.current }

// Previous returns the last pattern that was successfully applied to
// hardware.
func (t Transition) Previous() Pattern { return t.previous }

// Dirty reports whether current differs from previous, i.e. whether a
// hardware write is required: when previous == current the transport
// skips the hardware write entirely.
func (t Transition) Dirty() bool {
	return t.current != t.previous
}

// Commit is called by a transport after a hardware write for Current()
// succeeds. It advances previous to current; after ONESHOT_NORMAL it
// instead sets both previous and current to UNKNOWN, so that a
// subsequent Set(NORMAL) is seen as a fresh transition and re-fires once.
func (t *Transition) Commit() {
	t.previous = t.current
	if t.current == ONESHOT_NORMAL {
		t.current = UNKNOWN
		t.previous = UNKNOWN
	}
}

// Fail is called by a transport when a hardware write for Current()
// fails. previous is left untouched, so the next Flush retries.
func (t *Transition) Fail() {}
