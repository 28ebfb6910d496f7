// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package launcher turns a job's CPU allocations into orchestrator
// services: one worker service per allocation, except the last,
// which runs the MPI job itself.
package launcher

import (
	"context"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/nwm-maas/swarmsched/lib/dispatchswarm/hostlist"
	"github.com/nwm-maas/swarmsched/lib/swarm"
	"github.com/nwm-maas/swarmsched/sdk/go/nwm"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var ErrOrchestratorUnreachable = errors.New("orchestrator unreachable")

// Labels added to every job service, in addition to the configured
// labels.
const (
	LabelImage    = "com.docker.stack.image"
	LabelHostname = "Hostname"
	LabelCPUs     = "cpus_alloc"
	LabelJobID    = "nwm.job_id"
)

const (
	serviceHostname = "{{.Service.Name}}"
	teardownTimeout = time.Minute
	createTimeout   = time.Minute
	lookupTimeout   = 10 * time.Second
)

type unreachableError struct {
	err error
}

func (e unreachableError) Error() string {
	return ErrOrchestratorUnreachable.Error() + ": " + e.err.Error()
}

func (e unreachableError) Unwrap() error { return e.err }

func (e unreachableError) Is(target error) bool { return target == ErrOrchestratorUnreachable }

func unreachable(err error) error {
	return unreachableError{err: err}
}

func isUnavailable(err error) bool {
	var ue swarm.UnavailableError
	return errors.As(err, &ue) && ue.IsUnavailable()
}

// Config determines the services created for each job.
type Config struct {
	// Service i of job J is named "{BaseName}{i}_{J}".
	BaseName string
	// Allocations on this node mount the job's data directory
	// at its run directory. Allocations on other nodes get
	// WorkerMount.
	PrimaryNodeID string
	WorkerMount   swarm.Mount
	WorkerCommand []string
	RunnerCommand []string
	HealthCheck   *swarm.HealthCheck
	Networks      []string
	Labels        map[string]string

	LaunchTimeout      time.Duration
	ClockSkew          time.Duration
	UnavailableHoldoff time.Duration
	MaxConcurrentCalls int
}

// ConfigFromCluster returns the launcher configuration for the given
// cluster.
func ConfigFromCluster(cc *nwm.Cluster) (Config, error) {
	sc := cc.Scheduler
	cfg := Config{
		BaseName:           sc.BaseName,
		PrimaryNodeID:      sc.PrimaryNodeID,
		WorkerCommand:      sc.WorkerCommand,
		RunnerCommand:      sc.RunnerCommand,
		Networks:           cc.Docker.Networks,
		Labels:             cc.Docker.Labels,
		LaunchTimeout:      sc.LaunchTimeout.Duration(),
		ClockSkew:          sc.ClockSkew.Duration(),
		UnavailableHoldoff: sc.UnavailableHoldoff.Duration(),
		MaxConcurrentCalls: sc.MaxConcurrentOrchestratorCalls,
	}
	if cfg.BaseName == "" {
		return cfg, errors.New("Scheduler.BaseName is empty")
	}
	if len(cfg.RunnerCommand) == 0 {
		return cfg, errors.New("Scheduler.RunnerCommand is empty")
	}
	if sc.WorkerMount != "" {
		m, err := swarm.ParseMount(sc.WorkerMount)
		if err != nil {
			return cfg, errors.Wrap(err, "Scheduler.WorkerMount")
		}
		cfg.WorkerMount = m
	}
	if hc := sc.HealthCheck; len(hc.Test) > 0 {
		cfg.HealthCheck = &swarm.HealthCheck{
			Test:        hc.Test,
			Interval:    hc.Interval.Duration(),
			Timeout:     hc.Timeout.Duration(),
			Retries:     hc.Retries,
			StartPeriod: hc.StartPeriod.Duration(),
		}
	}
	return cfg, nil
}

// A LaunchRequest describes the services needed for one job.
type LaunchRequest struct {
	JobID       int64
	Image       string
	DataDir     string
	RunDir      string
	Allocations []nwm.CPUAllocation
	// Arguments for the runner service (see hostlist.BuildHostList).
	HostList []string
}

// Launcher creates and removes job services. It is safe for
// concurrent use. Call New to create a Launcher.
type Launcher struct {
	logger   logrus.FieldLogger
	orch     swarm.Orchestrator
	config   Config
	sem      *semaphore.Weighted
	throttle throttle
	now      func() time.Time

	mServicesCreated prometheus.Counter
	mLaunches        *prometheus.CounterVec
	mCallDuration    *prometheus.SummaryVec
}

// New returns a Launcher that uses the given orchestrator.
func New(logger logrus.FieldLogger, reg *prometheus.Registry, orch swarm.Orchestrator, cfg Config) *Launcher {
	if cfg.MaxConcurrentCalls < 1 {
		cfg.MaxConcurrentCalls = 1
	}
	l := &Launcher{
		logger: logger,
		orch:   orch,
		config: cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentCalls)),
		now:    time.Now,
	}
	l.registerMetrics(reg)
	return l
}

func (l *Launcher) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	l.mServicesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nwm",
		Subsystem: "scheduler",
		Name:      "services_created_total",
		Help:      "Number of job services created.",
	})
	reg.MustRegister(l.mServicesCreated)
	l.mLaunches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nwm",
		Subsystem: "scheduler",
		Name:      "launches_total",
		Help:      "Number of job launches, by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(l.mLaunches)
	l.mCallDuration = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace:  "nwm",
		Subsystem:  "scheduler",
		Name:       "orchestrator_call_duration_seconds",
		Help:       "Orchestrator API call latency.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"call", "outcome"})
	reg.MustRegister(l.mCallDuration)
}

// Specs returns the services that would be created for the given
// request, in creation order.
func (l *Launcher) Specs(req LaunchRequest) []swarm.ServiceSpec {
	n := len(req.Allocations)
	specs := make([]swarm.ServiceSpec, 0, n)
	for i, a := range req.Allocations {
		labels := make(map[string]string, len(l.config.Labels)+4)
		for k, v := range l.config.Labels {
			labels[k] = v
		}
		labels[LabelImage] = req.Image
		labels[LabelHostname] = a.Hostname
		labels[LabelCPUs] = strconv.Itoa(a.CPUs)
		labels[LabelJobID] = strconv.FormatInt(req.JobID, 10)

		mnt := l.config.WorkerMount
		if a.NodeID == l.config.PrimaryNodeID {
			mnt = swarm.Mount{Source: req.DataDir, Target: req.RunDir}
		}
		var mounts []swarm.Mount
		if mnt.Source != "" {
			mounts = []swarm.Mount{mnt}
		}

		spec := swarm.ServiceSpec{
			Name:             hostlist.ServiceName(l.config.BaseName, i, req.JobID),
			Image:            req.Image,
			Command:          l.config.WorkerCommand,
			Constraints:      []string{"node.hostname == " + a.Hostname},
			Hostname:         serviceHostname,
			Labels:           labels,
			Mounts:           mounts,
			Networks:         l.config.Networks,
			HealthCheck:      l.config.HealthCheck,
			RestartCondition: swarm.RestartConditionNone,
		}
		if i == n-1 {
			spec.Command = l.config.RunnerCommand
			spec.Args = req.HostList
		}
		specs = append(specs, spec)
	}
	return specs
}

// Launch creates and verifies the services for the given request,
// workers first and the runner last. It returns after all services
// have been created and verified, or a failure occurs.
//
// On failure, any services already created are removed before
// Launch returns. Errors encountered while removing them are
// included in the returned error.
func (l *Launcher) Launch(ctx context.Context, req LaunchRequest) ([]nwm.ServiceHandle, error) {
	if len(req.Allocations) == 0 {
		return nil, errors.New("cannot launch a job with no allocations")
	}
	logger := l.logger.WithField("JobID", req.JobID)
	if l.config.LaunchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.LaunchTimeout)
		defer cancel()
	}
	notBefore := l.now().Add(-l.config.ClockSkew)
	specs := l.Specs(req)
	var handles []nwm.ServiceHandle
	for i, spec := range specs {
		err := ctx.Err()
		if err != nil {
			err = errors.Wrap(err, "launch interrupted")
		} else {
			var id string
			id, err = l.create(ctx, spec)
			if err != nil && outcomeUnknown(err) {
				// The daemon may have created the service
				// anyway.
				id = l.lookup(spec.Name)
			}
			if id != "" {
				handles = append(handles, nwm.ServiceHandle{
					ID:     id,
					Name:   spec.Name,
					NodeID: req.Allocations[i].NodeID,
					Runner: i == len(specs)-1,
				})
			}
			if err == nil {
				err = l.verify(ctx, id, spec, notBefore)
			}
			if err != nil {
				err = errors.Wrapf(err, "service %s", spec.Name)
			}
		}
		if err != nil {
			l.mLaunches.WithLabelValues("fail").Inc()
			tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			terr := l.Teardown(tctx, handles)
			cancel()
			if terr != nil {
				err = multierror.Append(err, terr)
			}
			logger.WithError(err).WithField("ServicesCreated", len(handles)).Warn("launch failed")
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"ServiceID":   handles[i].ID,
			"ServiceName": spec.Name,
			"Hostname":    req.Allocations[i].Hostname,
		}).Debug("created service")
	}
	l.mLaunches.WithLabelValues("success").Inc()
	logger.WithField("Services", len(handles)).Info("launched")
	return handles, nil
}

// Teardown removes the given services, runner first. Services that
// no longer exist are skipped. All services are attempted even if
// some removals fail.
func (l *Launcher) Teardown(ctx context.Context, handles []nwm.ServiceHandle) error {
	var result *multierror.Error
	for i := len(handles) - 1; i >= 0; i-- {
		h := handles[i]
		err := l.call(ctx, "Remove", false, func(ctx context.Context) error {
			return l.orch.RemoveService(ctx, h.ID)
		})
		var nfe swarm.NotFoundError
		if errors.As(err, &nfe) && nfe.IsNotFound() {
			err = nil
		}
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "removing %s", h.Name))
			continue
		}
		l.logger.WithFields(logrus.Fields{
			"ServiceID":   h.ID,
			"ServiceName": h.Name,
		}).Debug("removed service")
	}
	return result.ErrorOrNil()
}

// CheckOrchestrator returns an error wrapping
// ErrOrchestratorUnreachable if the orchestrator does not respond.
func (l *Launcher) CheckOrchestrator(ctx context.Context) error {
	err := l.call(ctx, "Ping", false, l.orch.Ping)
	if err != nil && !errors.Is(err, ErrOrchestratorUnreachable) {
		err = unreachable(err)
	}
	return err
}

// ServiceNames returns the names of the services known to the
// orchestrator whose names start with namePrefix.
func (l *Launcher) ServiceNames(ctx context.Context, namePrefix string) ([]string, error) {
	list, err := l.list(ctx, namePrefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(list))
	for _, st := range list {
		names = append(names, st.Name)
	}
	return names, nil
}

// create issues a single create call. Once the call has started it
// is not cancelled along with ctx: the daemon may complete it
// regardless, and Launch must learn the service ID to remove it.
func (l *Launcher) create(ctx context.Context, spec swarm.ServiceSpec) (string, error) {
	var id string
	err := l.call(ctx, "Create", true, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), createTimeout)
		defer cancel()
		var err error
		id, err = l.orch.CreateService(ctx, spec)
		return err
	})
	if err == nil {
		l.mServicesCreated.Inc()
	}
	return id, err
}

// call runs fn while holding one of the orchestrator call slots.
// Throttled calls fail immediately while the orchestrator is known
// to be unavailable.
func (l *Launcher) call(ctx context.Context, callType string, throttled bool, fn func(context.Context) error) error {
	if throttled {
		if err := l.throttle.Error(); err != nil {
			return unreachable(err)
		}
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrapf(err, "waiting to call %s", callType)
	}
	defer l.sem.Release(1)
	t0 := time.Now()
	err := fn(ctx)
	outcome := "success"
	if err != nil {
		outcome = "fail"
	}
	l.mCallDuration.WithLabelValues(callType, outcome).Observe(time.Since(t0).Seconds())
	if isUnavailable(err) {
		l.throttle.CheckUnavailable(err, l.config.UnavailableHoldoff, l.logger, callType)
		return unreachable(err)
	}
	return err
}

func (l *Launcher) list(ctx context.Context, namePrefix string) ([]swarm.ServiceStatus, error) {
	var list []swarm.ServiceStatus
	err := l.call(ctx, "List", false, func(ctx context.Context) error {
		var err error
		list, err = l.orch.ListServices(ctx, namePrefix)
		return err
	})
	return list, err
}

// lookup returns the ID of the service with the given name, or "" if
// there is none or the orchestrator cannot say.
func (l *Launcher) lookup(name string) string {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	list, err := l.list(ctx, name)
	if err != nil {
		l.logger.WithError(err).WithField("ServiceName", name).Warn("cannot check for service after failed create")
		return ""
	}
	for _, st := range list {
		if st.Name == name {
			return st.ID
		}
	}
	return ""
}

// outcomeUnknown reports whether a failed create call might have
// created the service anyway.
func outcomeUnknown(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		isUnavailable(err)
}
