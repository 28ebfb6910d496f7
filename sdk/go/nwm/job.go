// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nwm

import (
	"time"
)

// Allocation strategies.
const (
	StrategySingleNode = "single-node"
	StrategyRoundRobin = "round-robin"
	StrategyFillNodes  = "fill-nodes"
)

// JobRequest is a resolved request to run a job, as produced by the
// admission layer.
type JobRequest struct {
	UserID   string   `json:"user_id"`
	CPUs     int      `json:"cpus"`
	Memory   ByteSize `json:"memory"`
	Domain   string   `json:"domain"`
	Image    string   `json:"image"`
	Strategy string   `json:"strategy,omitempty"`
}

// CPUAllocation is a grant of CPUs on one node.
type CPUAllocation struct {
	NodeID   string `json:"node_id"`
	Hostname string `json:"hostname"`
	CPUs     int    `json:"cpus_alloc"`
}

// TotalCPUs returns the sum of CPUs over allocs.
func TotalCPUs(allocs []CPUAllocation) int {
	n := 0
	for _, a := range allocs {
		n += a.CPUs
	}
	return n
}

// Node is a snapshot of a compute node's CPU capacity.
type Node struct {
	ID            string `json:"id"`
	Hostname      string `json:"hostname"`
	TotalCPUs     int    `json:"total_cpus"`
	AvailableCPUs int    `json:"available_cpus"`
}

// JobState is a job lifecycle state.
type JobState string

const (
	JobStatePending   = JobState("Pending")
	JobStateAllocated = JobState("Allocated")
	JobStateLaunching = JobState("Launching")
	JobStateRunning   = JobState("Running")
	JobStateFailed    = JobState("Failed")
	JobStateCompleted = JobState("Completed")
	JobStateTornDown  = JobState("TornDown")
)

// Final returns true if no further transitions are possible from
// the given state.
func (s JobState) Final() bool {
	return s == JobStateFailed || s == JobStateCompleted || s == JobStateTornDown
}

// Transitions that are allowed out of each non-final state.
var jobStateTransitions = map[JobState][]JobState{
	JobStatePending:   {JobStateAllocated, JobStateFailed},
	JobStateAllocated: {JobStateLaunching, JobStateFailed},
	JobStateLaunching: {JobStateRunning, JobStateFailed},
	JobStateRunning:   {JobStateCompleted, JobStateTornDown, JobStateFailed},
}

// CanTransition returns true if a job in state s may move to state
// next.
func (s JobState) CanTransition(next JobState) bool {
	for _, ok := range jobStateTransitions[s] {
		if ok == next {
			return true
		}
	}
	return false
}

// ServiceHandle identifies an orchestrator service created for a
// job.
type ServiceHandle struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	NodeID string `json:"node_id"`
	Runner bool   `json:"runner"`
}

// Job is a scheduled job.
type Job struct {
	ID          int64           `json:"id"`
	UserID      string          `json:"user_id"`
	Image       string          `json:"image"`
	Domain      string          `json:"domain"`
	Strategy    string          `json:"strategy"`
	Memory      ByteSize        `json:"memory"`
	Allocations []CPUAllocation `json:"allocations"`
	HostList    []string        `json:"host_list,omitempty"`
	Services    []ServiceHandle `json:"services,omitempty"`
	State       JobState        `json:"state"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
