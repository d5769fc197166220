// Copyright (C) The Open Data Cube Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"time"

	"gopkg.in/check.v1"
)

var _ = check.Suite(&throttleSuite{})

type throttleSuite struct{}

func (s *throttleSuite) TestThrottle(c *check.C) {
	now := time.Now()
	t := throttle{
		hold:  10 * time.Second,
		clock: func() time.Time { return now },
	}
	c.Check(t.Check("msg-1"), check.Equals, true)
	c.Check(t.Check("msg-1"), check.Equals, false)
	c.Check(t.Check("msg-2"), check.Equals, true)

	now = now.Add(9 * time.Second)
	c.Check(t.Check("msg-1"), check.Equals, false)
	now = now.Add(2 * time.Second)
	c.Check(t.Check("msg-1"), check.Equals, true)
	c.Check(t.Check("msg-1"), check.Equals, false)
}

func (s *throttleSuite) TestZeroHoldNeverBlocks(c *check.C) {
	t := throttle{}
	c.Check(t.Check("msg-1"), check.Equals, true)
	c.Check(t.Check("msg-1"), check.Equals, true)
}

func (s *throttleSuite) TestForget(c *check.C) {
	now := time.Now()
	t := throttle{
		hold:  time.Minute,
		clock: func() time.Time { return now },
	}
	c.Check(t.Check("msg-1"), check.Equals, true)
	c.Check(t.Check("msg-1"), check.Equals, false)
	t.Forget("msg-1")
	c.Check(t.Check("msg-1"), check.Equals, true)
}
