// Copyright (C) The Open Data Cube Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import "time"

// throttle spaces out successive submit attempts for the same
// message after a transient cluster error. All calls happen on the
// dispatch loop goroutine.
type throttle struct {
	hold  time.Duration
	seen  map[string]time.Time
	clock func() time.Time
}

// Check returns true if it's OK to attempt [again] now for the given
// message ID, and records the attempt.
func (t *throttle) Check(id string) bool {
	if t.hold == 0 {
		return true
	}
	if t.seen == nil {
		t.seen = make(map[string]time.Time)
	}
	now := t.clock()
	if last, ok := t.seen[id]; ok && now.Sub(last) < t.hold {
		return false
	}
	t.seen[id] = now
	return true
}

// Forget drops the attempt record for a message that is no longer
// tracked.
func (t *throttle) Forget(id string) {
	delete(t.seen, id)
}
