// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pool

import (
	"sort"

	"github.com/nwm-maas/swarmsched/sdk/go/nwm"
)

// A strategy decides how many CPUs to take from each node, given the
// available CPUs per node (in node order). It returns nil if the
// request cannot be satisfied. It must not modify avail.
type strategy func(avail []int, cpus int) []int

var strategies = map[string]strategy{
	nwm.StrategySingleNode: singleNode,
	nwm.StrategyRoundRobin: roundRobin,
	nwm.StrategyFillNodes:  fillNodes,
}

// Strategies returns the names of the supported strategies.
func Strategies() []string {
	var names []string
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// singleNode puts the whole request on the first node that can take
// it.
func singleNode(avail []int, cpus int) []int {
	for i, a := range avail {
		if a >= cpus {
			grants := make([]int, len(avail))
			grants[i] = cpus
			return grants
		}
	}
	return nil
}

// roundRobin deals out one CPU at a time to each node that still has
// availability, in node order, so the request is spread as evenly as
// availability allows.
func roundRobin(avail []int, cpus int) []int {
	if sum(avail) < cpus {
		return nil
	}
	grants := make([]int, len(avail))
	for remaining := cpus; remaining > 0; {
		for i := range avail {
			if remaining == 0 {
				break
			}
			if grants[i] < avail[i] {
				grants[i]++
				remaining--
			}
		}
	}
	return grants
}

// fillNodes uses up each node's availability before moving on to the
// next node.
func fillNodes(avail []int, cpus int) []int {
	if sum(avail) < cpus {
		return nil
	}
	grants := make([]int, len(avail))
	remaining := cpus
	for i, a := range avail {
		if remaining == 0 {
			break
		}
		take := a
		if take > remaining {
			take = remaining
		}
		grants[i] = take
		remaining -= take
	}
	return grants
}
