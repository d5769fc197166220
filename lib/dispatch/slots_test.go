// Copyright (C) The Open Data Cube Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"sync"

	"gopkg.in/check.v1"
)

var _ = check.Suite(&slotsSuite{})

type slotsSuite struct{}

func (s *slotsSuite) TestAcquireRelease(c *check.C) {
	pool := newSlotPool(2)
	c.Check(pool.Free(), check.Equals, 2)
	c.Check(pool.TryAcquire(), check.Equals, true)
	c.Check(pool.TryAcquire(), check.Equals, true)
	c.Check(pool.TryAcquire(), check.Equals, false)
	c.Check(pool.Free(), check.Equals, 0)
	c.Check(pool.Used(), check.Equals, 2)
	pool.Release()
	c.Check(pool.Free(), check.Equals, 1)
	c.Check(pool.TryAcquire(), check.Equals, true)
}

func (s *slotsSuite) TestReleaseNeverGoesNegative(c *check.C) {
	pool := newSlotPool(1)
	pool.Release()
	pool.Release()
	c.Check(pool.Free(), check.Equals, 1)
	c.Check(pool.Used(), check.Equals, 0)
}

func (s *slotsSuite) TestConcurrentAcquire(c *check.C) {
	pool := newSlotPool(5)
	var wg sync.WaitGroup
	got := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got <- pool.TryAcquire()
		}()
	}
	wg.Wait()
	close(got)
	acquired := 0
	for ok := range got {
		if ok {
			acquired++
		}
	}
	c.Check(acquired, check.Equals, 5)
	c.Check(pool.Used(), check.Equals, 5)
}
