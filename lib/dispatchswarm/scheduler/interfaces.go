// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"

	"github.com/nwm-maas/swarmsched/lib/dispatchswarm/launcher"
	"github.com/nwm-maas/swarmsched/sdk/go/nwm"
)

// A ResourcePool tracks CPU availability. It is typically a
// *pool.Pool.
type ResourcePool interface {
	Allocate(strategy string, cpus int) ([]nwm.CPUAllocation, error)
	Release([]nwm.CPUAllocation)
	Nodes() []nwm.Node
}

// An IDSource issues unique job IDs. It is typically an
// *idstore.Store.
type IDSource interface {
	NextID(context.Context) (int64, error)
}

// A ServiceLauncher creates and removes job services. It is
// typically a *launcher.Launcher.
type ServiceLauncher interface {
	Launch(context.Context, launcher.LaunchRequest) ([]nwm.ServiceHandle, error)
	Teardown(context.Context, []nwm.ServiceHandle) error
}

// A HostfileWriter records a job's allocations in the hostfile. It
// is typically a *hostlist.HostfileWriter.
type HostfileWriter interface {
	Write(allocs []nwm.CPUAllocation, jobID int64) error
}
