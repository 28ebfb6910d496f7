// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatchswarm runs the scheduler service: it accepts job
// requests over the management API and launches each job as a set
// of swarm services.
package dispatchswarm

import (
	"context"

	"github.com/nwm-maas/swarmsched/lib/cmd"
	"github.com/nwm-maas/swarmsched/lib/service"
	"github.com/nwm-maas/swarmsched/lib/swarm"
	"github.com/nwm-maas/swarmsched/lib/swarm/docker"
	"github.com/nwm-maas/swarmsched/sdk/go/nwm"
	"github.com/prometheus/client_golang/prometheus"
)

var Command cmd.Handler = service.Command(newHandler)

func newHandler(ctx context.Context, cluster *nwm.Cluster, token string, reg *prometheus.Registry) service.Handler {
	d := &dispatcher{
		Cluster:  cluster,
		Context:  ctx,
		Registry: reg,
	}
	if err := d.initialize(); err != nil {
		d.release()
		return service.ErrorHandler(ctx, cluster, err)
	}
	go d.run()
	return d
}

func newOrchestrator(host string) (swarm.Orchestrator, error) {
	o, err := docker.New(host)
	if err != nil {
		return nil, err
	}
	return o, nil
}
