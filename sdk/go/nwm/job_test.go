// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nwm

import (
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&JobSuite{})

type JobSuite struct{}

func (s *JobSuite) TestTransitions(c *check.C) {
	c.Check(JobStatePending.CanTransition(JobStateAllocated), check.Equals, true)
	c.Check(JobStateAllocated.CanTransition(JobStateLaunching), check.Equals, true)
	c.Check(JobStateLaunching.CanTransition(JobStateRunning), check.Equals, true)
	c.Check(JobStateLaunching.CanTransition(JobStateFailed), check.Equals, true)
	c.Check(JobStateRunning.CanTransition(JobStateTornDown), check.Equals, true)

	c.Check(JobStatePending.CanTransition(JobStateRunning), check.Equals, false)
	c.Check(JobStateAllocated.CanTransition(JobStatePending), check.Equals, false)
	for _, final := range []JobState{JobStateFailed, JobStateCompleted, JobStateTornDown} {
		c.Check(final.Final(), check.Equals, true)
		c.Check(final.CanTransition(JobStateRunning), check.Equals, false)
	}
}

func (s *JobSuite) TestTotalCPUs(c *check.C) {
	c.Check(TotalCPUs(nil), check.Equals, 0)
	c.Check(TotalCPUs([]CPUAllocation{{CPUs: 3}, {CPUs: 4}}), check.Equals, 7)
}

func (s *JobSuite) TestSortedNodeIDs(c *check.C) {
	cc := Cluster{Nodes: map[string]NodeConfig{
		"Node-0002": {Hostname: "b"},
		"Node-0001": {Hostname: "a"},
		"Node-0010": {Hostname: "c"},
	}}
	c.Check(cc.SortedNodeIDs(), check.DeepEquals, []string{"Node-0001", "Node-0002", "Node-0010"})
}
