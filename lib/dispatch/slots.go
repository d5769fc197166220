// Copyright (C) The Open Data Cube Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import "sync"

// slotPool caps the number of in-flight jobs per worker process. One
// slot is acquired before a job is submitted and held until the job
// reaches a terminal state, so the cap bounds cluster load rather
// than just submission rate.
type slotPool struct {
	size int
	mtx  sync.Mutex
	used int
}

func newSlotPool(size int) *slotPool {
	return &slotPool{size: size}
}

// TryAcquire claims a slot if one is free. It never blocks:
// backpressure is expressed by not polling for more work.
func (p *slotPool) TryAcquire() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.used >= p.size {
		return false
	}
	p.used++
	return true
}

// Release returns a slot to the pool.
func (p *slotPool) Release() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.used > 0 {
		p.used--
	}
}

// Free returns the number of available slots.
func (p *slotPool) Free() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.size - p.used
}

// Used returns the number of slots currently held.
func (p *slotPool) Used() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.used
}
