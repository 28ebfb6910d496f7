// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package swarm defines the interface between the scheduler and a
// container orchestrator that runs replicated services on a fixed
// set of nodes.
package swarm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// An UnavailableError should be returned by an Orchestrator when the
// orchestrator cannot be reached, or reports that it is not able to
// serve requests (e.g., the swarm has no manager quorum).
type UnavailableError interface {
	// If true, the caller should expect other calls to fail too
	// for some time.
	IsUnavailable() bool
	error
}

// A NotFoundError should be returned by InspectService and
// RemoveService when the given service does not exist.
type NotFoundError interface {
	IsNotFound() bool
	error
}

// RestartConditionNone means a service's task is never restarted
// after it exits.
const RestartConditionNone = "none"

// A Mount makes a host directory (or named volume, if Source is not
// an absolute path) available inside a service's containers.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ParseMount parses a "source:target[:mode]" string, where mode is
// "rw" (the default) or "ro".
func ParseMount(s string) (Mount, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return Mount{}, fmt.Errorf("invalid mount %q: expected source:target[:mode]", s)
	}
	m := Mount{Source: parts[0], Target: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "rw":
		case "ro":
			m.ReadOnly = true
		default:
			return Mount{}, fmt.Errorf("invalid mount %q: unknown mode %q", s, parts[2])
		}
	}
	return m, nil
}

func (m Mount) String() string {
	mode := "rw"
	if m.ReadOnly {
		mode = "ro"
	}
	return m.Source + ":" + m.Target + ":" + mode
}

// HealthCheck configures the orchestrator's health check for a
// service's containers.
type HealthCheck struct {
	// E.g., {"CMD-SHELL", "/nwm/check_job.sh /nwm/index_file"}
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// A ServiceSpec describes a single-replica service pinned to one
// node.
type ServiceSpec struct {
	Name    string
	Image   string
	Command []string
	Args    []string
	// Placement constraints, e.g., "node.hostname == host1".
	Constraints []string
	// Container hostname, possibly a template like
	// "{{.Service.Name}}".
	Hostname         string
	Labels           map[string]string
	Mounts           []Mount
	Networks         []string
	HealthCheck      *HealthCheck
	RestartCondition string
}

// ServiceStatus is the orchestrator's view of an existing service.
type ServiceStatus struct {
	ID          string
	Name        string
	Labels      map[string]string
	Constraints []string
	CreatedAt   time.Time
}

// An Orchestrator creates and removes services.
type Orchestrator interface {
	// Create a service and return its ID.
	CreateService(context.Context, ServiceSpec) (string, error)

	// Return the current status of the service with the given
	// ID.
	InspectService(ctx context.Context, id string) (ServiceStatus, error)

	// Return the services whose names start with namePrefix, or
	// all services if namePrefix is empty.
	ListServices(ctx context.Context, namePrefix string) ([]ServiceStatus, error)

	// Remove the service with the given ID.
	RemoveService(ctx context.Context, id string) error

	// Return nil if the orchestrator is reachable and able to
	// serve requests.
	Ping(context.Context) error
}
