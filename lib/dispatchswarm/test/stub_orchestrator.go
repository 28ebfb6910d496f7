// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package test provides stubs for testing the scheduler without a
// real swarm.
package test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nwm-maas/swarmsched/lib/swarm"
	"github.com/pkg/errors"
)

// A StubOrchestrator implements swarm.Orchestrator in memory.
//
// The hook funcs, if non-nil, are called before the corresponding
// operation; a non-nil error return is returned to the caller
// instead of performing the operation.
type StubOrchestrator struct {
	// Called before creating a service.
	CreateHook func(swarm.ServiceSpec) error
	// Called before removing a service.
	RemoveHook func(id string) error
	// Called (with the stored status) by InspectService; it can
	// modify the status seen by the caller.
	InspectHook func(*swarm.ServiceStatus)
	// Delay each call by this long, or until the context is
	// cancelled.
	Delay time.Duration
	// Simulate an unreachable daemon.
	Down bool
	// Clock used for service creation times. Defaults to
	// time.Now.
	Now func() time.Time

	mtx      sync.Mutex
	services map[string]swarm.ServiceStatus
	specs    map[string]swarm.ServiceSpec
	serial   int
	created  []string // names, in creation order
	removed  []string // names, in removal order
	inflight int
	maxInflt int
}

type stubError struct {
	error
	unavailable bool
	notFound    bool
}

func (se *stubError) IsUnavailable() bool { return se.unavailable }
func (se *stubError) IsNotFound() bool    { return se.notFound }

// ErrStubDown is returned by all calls while Down is true.
var ErrStubDown error = &stubError{error: errors.New("StubOrchestrator: daemon is down"), unavailable: true}

func (so *StubOrchestrator) enter(ctx context.Context) error {
	so.mtx.Lock()
	so.inflight++
	if so.inflight > so.maxInflt {
		so.maxInflt = so.inflight
	}
	down := so.Down
	so.mtx.Unlock()
	if so.Delay > 0 {
		select {
		case <-ctx.Done():
			so.leave()
			return ctx.Err()
		case <-time.After(so.Delay):
		}
	}
	if down {
		so.leave()
		return ErrStubDown
	}
	return nil
}

func (so *StubOrchestrator) leave() {
	so.mtx.Lock()
	so.inflight--
	so.mtx.Unlock()
}

func (so *StubOrchestrator) now() time.Time {
	if so.Now != nil {
		return so.Now()
	}
	return time.Now()
}

func (so *StubOrchestrator) CreateService(ctx context.Context, spec swarm.ServiceSpec) (string, error) {
	if err := so.enter(ctx); err != nil {
		return "", err
	}
	defer so.leave()
	if so.CreateHook != nil {
		if err := so.CreateHook(spec); err != nil {
			return "", err
		}
	}
	so.mtx.Lock()
	defer so.mtx.Unlock()
	if so.services == nil {
		so.services = map[string]swarm.ServiceStatus{}
		so.specs = map[string]swarm.ServiceSpec{}
	}
	for _, st := range so.services {
		if st.Name == spec.Name {
			return "", fmt.Errorf("StubOrchestrator: service %q already exists", spec.Name)
		}
	}
	so.serial++
	id := fmt.Sprintf("stub-service-%d", so.serial)
	labels := map[string]string{}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	so.services[id] = swarm.ServiceStatus{
		ID:          id,
		Name:        spec.Name,
		Labels:      labels,
		Constraints: append([]string(nil), spec.Constraints...),
		CreatedAt:   so.now(),
	}
	so.specs[id] = spec
	so.created = append(so.created, spec.Name)
	return id, nil
}

func (so *StubOrchestrator) InspectService(ctx context.Context, id string) (swarm.ServiceStatus, error) {
	if err := so.enter(ctx); err != nil {
		return swarm.ServiceStatus{}, err
	}
	defer so.leave()
	so.mtx.Lock()
	st, ok := so.services[id]
	so.mtx.Unlock()
	if !ok {
		return st, &stubError{error: fmt.Errorf("StubOrchestrator: no such service %q", id), notFound: true}
	}
	if so.InspectHook != nil {
		so.InspectHook(&st)
	}
	return st, nil
}

// ListServices returns the services whose names start with
// namePrefix, like the Docker daemon's name filter.
func (so *StubOrchestrator) ListServices(ctx context.Context, namePrefix string) ([]swarm.ServiceStatus, error) {
	if err := so.enter(ctx); err != nil {
		return nil, err
	}
	defer so.leave()
	so.mtx.Lock()
	defer so.mtx.Unlock()
	var list []swarm.ServiceStatus
	for _, st := range so.services {
		if strings.HasPrefix(st.Name, namePrefix) {
			list = append(list, st)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

func (so *StubOrchestrator) RemoveService(ctx context.Context, id string) error {
	if err := so.enter(ctx); err != nil {
		return err
	}
	defer so.leave()
	if so.RemoveHook != nil {
		if err := so.RemoveHook(id); err != nil {
			return err
		}
	}
	so.mtx.Lock()
	defer so.mtx.Unlock()
	st, ok := so.services[id]
	if !ok {
		return &stubError{error: fmt.Errorf("StubOrchestrator: no such service %q", id), notFound: true}
	}
	delete(so.services, id)
	delete(so.specs, id)
	so.removed = append(so.removed, st.Name)
	return nil
}

func (so *StubOrchestrator) Ping(ctx context.Context) error {
	if err := so.enter(ctx); err != nil {
		return err
	}
	so.leave()
	return nil
}

// AddService adds a service that was not created through
// CreateService, e.g., the scheduler's own service.
func (so *StubOrchestrator) AddService(name string) string {
	id, err := so.CreateService(context.Background(), swarm.ServiceSpec{Name: name})
	if err != nil {
		panic(err)
	}
	return id
}

// Specs returns the specs of all existing services, sorted by name.
func (so *StubOrchestrator) Specs() []swarm.ServiceSpec {
	so.mtx.Lock()
	defer so.mtx.Unlock()
	var specs []swarm.ServiceSpec
	for _, spec := range so.specs {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Created returns the names of all services created so far, in
// creation order, including ones that have since been removed.
func (so *StubOrchestrator) Created() []string {
	so.mtx.Lock()
	defer so.mtx.Unlock()
	return append([]string(nil), so.created...)
}

// Removed returns the names of all services removed so far, in
// removal order.
func (so *StubOrchestrator) Removed() []string {
	so.mtx.Lock()
	defer so.mtx.Unlock()
	return append([]string(nil), so.removed...)
}

// MaxConcurrent returns the largest number of calls that have been
// in progress at the same time.
func (so *StubOrchestrator) MaxConcurrent() int {
	so.mtx.Lock()
	defer so.mtx.Unlock()
	return so.maxInflt
}

// SetDown makes subsequent calls fail (or succeed again).
func (so *StubOrchestrator) SetDown(down bool) {
	so.mtx.Lock()
	defer so.mtx.Unlock()
	so.Down = down
}
