// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package launcher

import (
	"errors"
	"time"

	"github.com/nwm-maas/swarmsched/lib/dispatchswarm/test"
	"github.com/nwm-maas/swarmsched/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ThrottleSuite{})

type ThrottleSuite struct{}

func (s *ThrottleSuite) TestThrottle(c *check.C) {
	var t0 throttle
	c.Check(t0.Error(), check.IsNil)
	c.Check(t0.Error(), check.IsNil)

	t0.ErrorUntil(errors.New("wait"), time.Now().Add(time.Second))
	c.Check(t0.Error(), check.NotNil)
	t0.ErrorUntil(nil, time.Now())
	c.Check(t0.Error(), check.IsNil)
	t0.ErrorUntil(errors.New("wait"), time.Now().Add(-time.Second))
	c.Check(t0.Error(), check.IsNil)
}

func (s *ThrottleSuite) TestCheckUnavailable(c *check.C) {
	logger := ctxlog.TestLogger(c)
	var t0 throttle
	t0.CheckUnavailable(errors.New("some other error"), time.Minute, logger, "Create")
	c.Check(t0.Error(), check.IsNil)
	t0.CheckUnavailable(test.ErrStubDown, 0, logger, "Create")
	c.Check(t0.Error(), check.IsNil)
	t0.CheckUnavailable(test.ErrStubDown, time.Minute, logger, "Create")
	c.Check(t0.Error(), check.ErrorMatches, `orchestrator calls are suspended for 1m0s, until .*`)
}
