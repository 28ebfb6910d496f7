// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nwm

import (
	"fmt"
	"sort"
)

const DefaultConfigFile = "/etc/nwm/config.yml"

type Config struct {
	Clusters map[string]Cluster
}

// GetCluster returns the cluster ID and config for the given
// cluster, or the default/only configured cluster if clusterID is "".
func (sc *Config) GetCluster(clusterID string) (*Cluster, error) {
	if clusterID == "" {
		if len(sc.Clusters) == 0 {
			return nil, fmt.Errorf("no clusters configured")
		} else if len(sc.Clusters) > 1 {
			return nil, fmt.Errorf("multiple clusters configured, cannot choose")
		} else {
			for id, cc := range sc.Clusters {
				cc.ClusterID = id
				return &cc, nil
			}
		}
	}
	if cc, ok := sc.Clusters[clusterID]; !ok {
		return nil, fmt.Errorf("cluster %q is not configured", clusterID)
	} else {
		cc.ClusterID = clusterID
		return &cc, nil
	}
}

type Cluster struct {
	ClusterID       string `json:"-"`
	ManagementToken string

	SystemLogs struct {
		LogLevel string
		Format   string
	}

	Services struct {
		Scheduler struct {
			Listen string
		}
	}

	Catalog struct {
		// Path to the image/domain catalog YAML file.
		Path string
		// Reload the catalog when the file changes.
		Watch bool
		// Number of (image, domain) resolutions to cache. 0
		// disables the cache.
		CacheSize int
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
		// Key holding the next job id.
		JobIDKey string
		// Compare-and-swap attempts before giving up with a
		// concurrency conflict.
		MaxAttempts int
		RetryDelay  Duration
	}

	Docker struct {
		// Docker daemon address. Empty means use the
		// DOCKER_HOST environment (or the default socket).
		Host     string
		Networks []string
		// Labels added to every service, e.g.
		// com.docker.stack.namespace.
		Labels map[string]string
	}

	Scheduler struct {
		// Base name of job services. Service i of job J is
		// named "{BaseName}{i}_{J}".
		BaseName string
		// Default allocation strategy: single-node,
		// round-robin, or fill-nodes.
		DefaultStrategy string
		// Name fragment identifying scheduler services in the
		// orchestrator's service list.
		ServiceNamePattern string
		// This instance's own service name. Usually set via
		// the NWM_SERVICE_NAME environment variable.
		SelfServiceName string
		HostfilePath    string
		// Node that has the domain data directory; services
		// placed there mount it at the run directory.
		PrimaryNodeID string
		// Mount ("source:target:mode") used on all other
		// nodes.
		WorkerMount   string
		WorkerCommand []string
		RunnerCommand []string
		HealthCheck   HealthCheckConfig
		LaunchTimeout Duration
		// Allowed difference between local and orchestrator
		// clocks when checking service creation times.
		ClockSkew Duration
		// Limit on concurrent orchestrator API calls across
		// all jobs.
		MaxConcurrentOrchestratorCalls int
		// How long to suspend orchestrator calls after the
		// daemon reports it is unavailable.
		UnavailableHoldoff Duration
		// How long finished jobs stay in the job list.
		FinishedJobRetention Duration
	}

	Nodes map[string]NodeConfig
}

type HealthCheckConfig struct {
	Test        []string
	Interval    Duration
	Timeout     Duration
	Retries     int
	StartPeriod Duration
}

type NodeConfig struct {
	Hostname string
	CPUs     int
}

// SortedNodeIDs returns the configured node IDs in ascending order.
func (cc *Cluster) SortedNodeIDs() []string {
	ids := make([]string, 0, len(cc.Nodes))
	for id := range cc.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
