// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package pool tracks per-node CPU availability and allocates CPUs
// to jobs.
package pool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nwm-maas/swarmsched/sdk/go/nwm"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	ErrInsufficientResources = errors.New("insufficient resources")
	ErrInvalidRequest        = errors.New("invalid allocation request")
	ErrUnknownStrategy       = errors.New("unknown allocation strategy")
)

type node struct {
	id        string
	hostname  string
	total     int
	available int
}

// Pool is a fixed set of compute nodes. A zero Pool should not be
// used. Call New to create a Pool.
//
// All methods are safe for concurrent use. Allocations are planned
// and committed inside one critical section, so concurrent callers
// can never oversubscribe a node.
type Pool struct {
	logger logrus.FieldLogger

	mtx   sync.Mutex
	nodes []*node // ascending by id
	byID  map[string]*node

	mCPUsTotal     *prometheus.GaugeVec
	mCPUsAvailable *prometheus.GaugeVec
	mAllocations   *prometheus.CounterVec
}

// New returns a Pool with the given nodes, all fully available.
func New(logger logrus.FieldLogger, reg *prometheus.Registry, nodes map[string]nwm.NodeConfig) (*Pool, error) {
	p := &Pool{
		logger: logger,
		byID:   map[string]*node{},
	}
	for id, nc := range nodes {
		if nc.CPUs < 0 {
			return nil, fmt.Errorf("node %s: negative CPU count %d", id, nc.CPUs)
		}
		hostname := nc.Hostname
		if hostname == "" {
			hostname = id
		}
		n := &node{id: id, hostname: hostname, total: nc.CPUs, available: nc.CPUs}
		p.nodes = append(p.nodes, n)
		p.byID[id] = n
	}
	sort.Slice(p.nodes, func(i, j int) bool { return p.nodes[i].id < p.nodes[j].id })
	p.registerMetrics(reg)
	p.updateMetrics()
	return p, nil
}

func (p *Pool) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p.mCPUsTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nwm",
		Subsystem: "scheduler",
		Name:      "node_cpus_total",
		Help:      "Total CPUs on each node.",
	}, []string{"node"})
	reg.MustRegister(p.mCPUsTotal)
	p.mCPUsAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nwm",
		Subsystem: "scheduler",
		Name:      "node_cpus_available",
		Help:      "CPUs on each node that are not allocated to a job.",
	}, []string{"node"})
	reg.MustRegister(p.mCPUsAvailable)
	p.mAllocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nwm",
		Subsystem: "scheduler",
		Name:      "allocations_total",
		Help:      "Allocation attempts, by strategy and outcome.",
	}, []string{"strategy", "outcome"})
	reg.MustRegister(p.mAllocations)
}

// Caller must have lock (or be the constructor).
func (p *Pool) updateMetrics() {
	for _, n := range p.nodes {
		p.mCPUsTotal.WithLabelValues(n.id).Set(float64(n.total))
		p.mCPUsAvailable.WithLabelValues(n.id).Set(float64(n.available))
	}
}

// Allocate reserves cpus CPUs using the named strategy and returns
// the resulting per-node allocations, in node order.
//
// If the request cannot be satisfied, Allocate returns an error
// wrapping ErrInsufficientResources, and no node's availability is
// changed.
func (p *Pool) Allocate(strategy string, cpus int) ([]nwm.CPUAllocation, error) {
	plan, ok := strategies[strategy]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownStrategy, "%q", strategy)
	}
	if cpus < 1 {
		return nil, errors.Wrapf(ErrInvalidRequest, "cannot allocate %d CPUs", cpus)
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()
	avail := make([]int, len(p.nodes))
	for i, n := range p.nodes {
		avail[i] = n.available
	}
	grants := plan(avail, cpus)
	if grants == nil {
		p.mAllocations.WithLabelValues(strategy, "insufficient").Inc()
		return nil, errors.Wrapf(ErrInsufficientResources, "%s: cannot allocate %d CPUs (%d available)", strategy, cpus, sum(avail))
	}
	var allocs []nwm.CPUAllocation
	for i, g := range grants {
		if g == 0 {
			continue
		}
		n := p.nodes[i]
		if g > n.available {
			// Strategies only see a copy of the
			// availability counts, so this would be a
			// strategy bug.
			panic(fmt.Sprintf("strategy %s granted %d CPUs on %s with %d available", strategy, g, n.id, n.available))
		}
		allocs = append(allocs, nwm.CPUAllocation{NodeID: n.id, Hostname: n.hostname, CPUs: g})
	}
	for _, a := range allocs {
		p.byID[a.NodeID].available -= a.CPUs
	}
	p.mAllocations.WithLabelValues(strategy, "ok").Inc()
	p.updateMetrics()
	p.logger.WithFields(logrus.Fields{
		"Strategy":    strategy,
		"CPUs":        cpus,
		"Allocations": allocs,
	}).Debug("allocated")
	return allocs, nil
}

// Release returns allocated CPUs to their nodes. Allocations on
// unknown nodes are ignored, and availability never exceeds a node's
// total.
func (p *Pool) Release(allocs []nwm.CPUAllocation) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, a := range allocs {
		n, ok := p.byID[a.NodeID]
		if !ok {
			p.logger.WithField("NodeID", a.NodeID).Warn("release: unknown node")
			continue
		}
		n.available += a.CPUs
		if n.available > n.total {
			p.logger.WithFields(logrus.Fields{
				"NodeID":    n.id,
				"Available": n.available,
				"Total":     n.total,
			}).Warn("release: more CPUs released than allocated")
			n.available = n.total
		}
	}
	p.updateMetrics()
}

// Nodes returns a snapshot of all nodes, in node order.
func (p *Pool) Nodes() []nwm.Node {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	nodes := make([]nwm.Node, 0, len(p.nodes))
	for _, n := range p.nodes {
		nodes = append(nodes, nwm.Node{
			ID:            n.id,
			Hostname:      n.hostname,
			TotalCPUs:     n.total,
			AvailableCPUs: n.available,
		})
	}
	return nodes
}

func sum(ns []int) int {
	t := 0
	for _, n := range ns {
		t += n
	}
	return t
}
