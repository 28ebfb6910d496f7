// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package swarm

import (
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&MountSuite{})

type MountSuite struct{}

func (*MountSuite) TestParseMount(c *check.C) {
	for in, expect := range map[string]Mount{
		"/local:/nwm/domains:rw": {Source: "/local", Target: "/nwm/domains"},
		"/local:/nwm/domains":    {Source: "/local", Target: "/nwm/domains"},
		"data:/nwm/run:ro":       {Source: "data", Target: "/nwm/run", ReadOnly: true},
	} {
		m, err := ParseMount(in)
		c.Check(err, check.IsNil)
		c.Check(m, check.Equals, expect)
	}
	c.Check(Mount{Source: "/a", Target: "/b"}.String(), check.Equals, "/a:/b:rw")
	for _, bad := range []string{"", "/local", ":/b", "/a:", "/a:/b:rx", "/a:/b:rw:x"} {
		_, err := ParseMount(bad)
		c.Check(err, check.NotNil, check.Commentf("%q", bad))
	}
}
