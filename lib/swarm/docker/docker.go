// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package docker implements swarm.Orchestrator using the Docker
// Engine's swarm services API.
package docker

import (
	"context"
	"path"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	dockerswarm "github.com/docker/docker/api/types/swarm"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/nwm-maas/swarmsched/lib/swarm"
)

// Orchestrator talks to a Docker swarm manager.
type Orchestrator struct {
	client *dockerclient.Client
}

// New returns an Orchestrator connected to the Docker daemon at the
// given address. If host is empty, the usual DOCKER_HOST (etc.)
// environment variables apply.
func New(host string) (*Orchestrator, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}
	client, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{client: client}, nil
}

func (o *Orchestrator) CreateService(ctx context.Context, spec swarm.ServiceSpec) (string, error) {
	resp, err := o.client.ServiceCreate(ctx, serviceSpec(spec), types.ServiceCreateOptions{})
	if err != nil {
		return "", wrapError(err)
	}
	return resp.ID, nil
}

func (o *Orchestrator) InspectService(ctx context.Context, id string) (swarm.ServiceStatus, error) {
	svc, _, err := o.client.ServiceInspectWithRaw(ctx, id, types.ServiceInspectOptions{InsertDefaults: true})
	if err != nil {
		return swarm.ServiceStatus{}, wrapError(err)
	}
	return serviceStatus(svc), nil
}

func (o *Orchestrator) ListServices(ctx context.Context, namePrefix string) ([]swarm.ServiceStatus, error) {
	var opts types.ServiceListOptions
	if namePrefix != "" {
		// The daemon matches the name filter as a prefix.
		opts.Filters = filters.NewArgs(filters.Arg("name", namePrefix))
	}
	svcs, err := o.client.ServiceList(ctx, opts)
	if err != nil {
		return nil, wrapError(err)
	}
	var list []swarm.ServiceStatus
	for _, svc := range svcs {
		list = append(list, serviceStatus(svc))
	}
	return list, nil
}

func (o *Orchestrator) RemoveService(ctx context.Context, id string) error {
	return wrapError(o.client.ServiceRemove(ctx, id))
}

func (o *Orchestrator) Ping(ctx context.Context) error {
	_, err := o.client.Ping(ctx)
	return wrapError(err)
}

// Close releases the client's idle connections.
func (o *Orchestrator) Close() error {
	return o.client.Close()
}

func serviceSpec(spec swarm.ServiceSpec) dockerswarm.ServiceSpec {
	var mounts []mount.Mount
	for _, m := range spec.Mounts {
		mt := mount.TypeVolume
		if path.IsAbs(m.Source) {
			mt = mount.TypeBind
		}
		mounts = append(mounts, mount.Mount{
			Type:     mt,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	var hc *dockercontainer.HealthConfig
	if spec.HealthCheck != nil {
		hc = &dockercontainer.HealthConfig{
			Test:        spec.HealthCheck.Test,
			Interval:    spec.HealthCheck.Interval,
			Timeout:     spec.HealthCheck.Timeout,
			Retries:     spec.HealthCheck.Retries,
			StartPeriod: spec.HealthCheck.StartPeriod,
		}
	}
	var nets []dockerswarm.NetworkAttachmentConfig
	for _, n := range spec.Networks {
		nets = append(nets, dockerswarm.NetworkAttachmentConfig{Target: n})
	}
	replicas := uint64(1)
	return dockerswarm.ServiceSpec{
		Annotations: dockerswarm.Annotations{
			Name:   spec.Name,
			Labels: spec.Labels,
		},
		TaskTemplate: dockerswarm.TaskSpec{
			ContainerSpec: &dockerswarm.ContainerSpec{
				Image:       spec.Image,
				Command:     spec.Command,
				Args:        spec.Args,
				Hostname:    spec.Hostname,
				Mounts:      mounts,
				Healthcheck: hc,
			},
			Placement: &dockerswarm.Placement{
				Constraints: spec.Constraints,
			},
			RestartPolicy: &dockerswarm.RestartPolicy{
				Condition: dockerswarm.RestartPolicyCondition(spec.RestartCondition),
			},
			Networks: nets,
		},
		Mode: dockerswarm.ServiceMode{
			Replicated: &dockerswarm.ReplicatedService{Replicas: &replicas},
		},
	}
}

func serviceStatus(svc dockerswarm.Service) swarm.ServiceStatus {
	st := swarm.ServiceStatus{
		ID:        svc.ID,
		Name:      svc.Spec.Name,
		Labels:    svc.Spec.Labels,
		CreatedAt: svc.CreatedAt,
	}
	if p := svc.Spec.TaskTemplate.Placement; p != nil {
		st.Constraints = p.Constraints
	}
	return st
}

type dockerError struct {
	error
	unavailable bool
	notFound    bool
}

func (de *dockerError) IsUnavailable() bool { return de.unavailable }
func (de *dockerError) IsNotFound() bool    { return de.notFound }
func (de *dockerError) Unwrap() error       { return de.error }

var (
	_ swarm.UnavailableError = (*dockerError)(nil)
	_ swarm.NotFoundError    = (*dockerError)(nil)
)

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	return &dockerError{
		error:       err,
		unavailable: errdefs.IsUnavailable(err) || dockerclient.IsErrConnectionFailed(err),
		notFound:    errdefs.IsNotFound(err),
	}
}
