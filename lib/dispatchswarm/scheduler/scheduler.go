// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scheduler admits job requests: it allocates CPUs, assigns
// a job ID, and launches the job's services.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/nwm-maas/swarmsched/lib/catalog"
	"github.com/nwm-maas/swarmsched/lib/dispatchswarm/hostlist"
	"github.com/nwm-maas/swarmsched/lib/dispatchswarm/launcher"
	"github.com/nwm-maas/swarmsched/lib/dispatchswarm/queue"
	"github.com/nwm-maas/swarmsched/sdk/go/ctxlog"
	"github.com/nwm-maas/swarmsched/sdk/go/nwm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrBusy       = errors.New("another operation is in progress for this job")
	ErrNotRunning = errors.New("job is not running")
	// A launch was cancelled but some of its services could not
	// be removed. The job is left Running with its CPUs held,
	// so Cancel can retry the teardown.
	ErrTeardownFailed = errors.New("teardown after cancelled launch failed")
)

const teardownTimeout = time.Minute

// Config holds the scheduler settings that are not owned by one of
// its components.
type Config struct {
	// Base name of job services, used in host lists.
	BaseName string
	// Strategy used when a request does not specify one.
	DefaultStrategy string
}

// A Scheduler runs jobs on the nodes of a ResourcePool.
//
// Submit, Cancel, and Complete are safe to call concurrently.
type Scheduler struct {
	logger   logrus.FieldLogger
	config   Config
	catalog  catalog.Resolver
	pool     ResourcePool
	ids      IDSource
	queue    *queue.Queue
	launcher ServiceLauncher
	hostfile HostfileWriter

	mtx       sync.Mutex
	launching map[int64]context.CancelFunc // jobs between Enqueue and Running
	jobOp     map[int64]string             // operation in progress: "cancel", "complete"
}

// New returns a new Scheduler. The logger is taken from ctx.
func New(ctx context.Context, cfg Config, cat catalog.Resolver, pool ResourcePool, ids IDSource, q *queue.Queue, l ServiceLauncher, hw HostfileWriter) *Scheduler {
	return &Scheduler{
		logger:    ctxlog.FromContext(ctx),
		config:    cfg,
		catalog:   cat,
		pool:      pool,
		ids:       ids,
		queue:     q,
		launcher:  l,
		hostfile:  hw,
		launching: map[int64]context.CancelFunc{},
		jobOp:     map[int64]string{},
	}
}

// Submit schedules and launches a job. It returns when the job is
// running, or has failed.
//
// Requests that cannot be resolved or allocated are rejected before
// a job ID is issued: the returned Job is empty and no job is
// queued. Once a job is queued, a failure leaves it in the Failed
// state, and Submit returns both the Job and the error.
func (sch *Scheduler) Submit(ctx context.Context, req nwm.JobRequest) (nwm.Job, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = sch.config.DefaultStrategy
	}
	logger := sch.logger.WithFields(logrus.Fields{
		"UserID":   req.UserID,
		"Image":    req.Image,
		"Domain":   req.Domain,
		"CPUs":     req.CPUs,
		"Memory":   req.Memory.String(),
		"Strategy": strategy,
	})

	res, err := sch.catalog.Resolve(req.Image, req.Domain)
	if err != nil {
		logger.WithError(err).Info("rejected request")
		return nwm.Job{}, err
	}
	allocs, err := sch.pool.Allocate(strategy, req.CPUs)
	if err != nil {
		logger.WithError(err).Info("rejected request")
		return nwm.Job{}, err
	}
	id, err := sch.ids.NextID(ctx)
	if err != nil {
		sch.pool.Release(allocs)
		logger.WithError(err).Error("could not get job id")
		return nwm.Job{}, errors.Wrap(err, "getting job id")
	}
	logger = logger.WithField("JobID", id)

	err = sch.queue.Enqueue(nwm.Job{
		ID:          id,
		UserID:      req.UserID,
		Image:       res.Image,
		Domain:      req.Domain,
		Strategy:    strategy,
		Memory:      req.Memory,
		Allocations: allocs,
	})
	if err != nil {
		sch.pool.Release(allocs)
		logger.WithError(err).Error("could not queue job")
		return nwm.Job{}, err
	}
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sch.mtx.Lock()
	sch.launching[id] = cancel
	sch.mtx.Unlock()
	defer func() {
		sch.mtx.Lock()
		delete(sch.launching, id)
		sch.mtx.Unlock()
	}()

	err = sch.run(lctx, logger, id, res, allocs)
	if errors.Is(err, ErrTeardownFailed) {
		logger.WithError(err).Warn("cancelled job left running")
	} else if err != nil {
		sch.pool.Release(allocs)
		if serr := sch.queue.SetState(id, nwm.JobStateFailed, err.Error()); serr != nil {
			logger.WithError(serr).Error("could not mark job failed")
		}
		logger.WithError(err).Warn("job failed")
	}
	job, _ := sch.queue.Get(id)
	return job, err
}

// run performs the steps from Allocated to Running. If it returns an
// error other than ErrTeardownFailed, the caller releases the
// allocation and fails the job.
func (sch *Scheduler) run(ctx context.Context, logger logrus.FieldLogger, id int64, res catalog.Resolution, allocs []nwm.CPUAllocation) error {
	hl := hostlist.BuildHostList(sch.config.BaseName, allocs, id, res.RunDir)
	err := sch.queue.Update(id, func(job *nwm.Job) { job.HostList = hl })
	if err != nil {
		return err
	}
	if err = sch.queue.SetState(id, nwm.JobStateAllocated, ""); err != nil {
		return err
	}
	logger.WithField("HostList", hl).Info("allocated")

	err = sch.hostfile.Write(allocs, id)
	if errors.Is(err, hostlist.ErrHostfileIdentityMismatch) {
		logger.WithError(err).Warn("not writing hostfile")
	} else if err != nil {
		return errors.Wrap(err, "writing hostfile")
	}

	if err = ctx.Err(); err != nil {
		return errors.Wrap(err, "cancelled before launch")
	}
	if err = sch.queue.SetState(id, nwm.JobStateLaunching, ""); err != nil {
		return err
	}
	handles, err := sch.launcher.Launch(ctx, launcher.LaunchRequest{
		JobID:       id,
		Image:       res.Image,
		DataDir:     res.DataDir,
		RunDir:      res.RunDir,
		Allocations: allocs,
		HostList:    hl,
	})
	if err != nil {
		return err
	}
	err = sch.queue.Update(id, func(job *nwm.Job) { job.Services = handles })
	if err != nil {
		return err
	}
	// Once the job is Running, Cancel must go through finish()
	// instead of the launch context.
	sch.mtx.Lock()
	err = ctx.Err()
	if err == nil {
		delete(sch.launching, id)
		err = sch.queue.SetState(id, nwm.JobStateRunning, "")
		sch.mtx.Unlock()
		return err
	}
	sch.mtx.Unlock()
	tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if terr := sch.launcher.Teardown(tctx, handles); terr != nil {
		logger.WithError(terr).Error("teardown after cancel failed")
		if serr := sch.queue.SetState(id, nwm.JobStateRunning, "cancelled during launch, teardown failed"); serr != nil {
			logger.WithError(serr).Error("could not mark job running")
		}
		return errors.Wrapf(ErrTeardownFailed, "%s", terr)
	}
	return errors.Wrap(err, "cancelled during launch")
}

// Cancel stops a job. A job that is still being launched is
// interrupted (its services are removed by the launcher, and Submit
// fails the job, or leaves it Running if the services cannot be
// removed). A running job's services are removed, its CPUs are
// released, and it is marked TornDown.
func (sch *Scheduler) Cancel(ctx context.Context, id int64) error {
	sch.mtx.Lock()
	cancel, launching := sch.launching[id]
	if launching {
		cancel()
	}
	sch.mtx.Unlock()
	if launching {
		sch.logger.WithField("JobID", id).Info("cancelled launch")
		return nil
	}
	return sch.finish(ctx, id, "cancel", nwm.JobStateTornDown, "cancelled")
}

// Complete records that a running job has finished: its services
// are removed, its CPUs are released, and it is marked Completed.
func (sch *Scheduler) Complete(ctx context.Context, id int64) error {
	return sch.finish(ctx, id, "complete", nwm.JobStateCompleted, "")
}

func (sch *Scheduler) finish(ctx context.Context, id int64, op string, state nwm.JobState, reason string) error {
	logger := sch.logger.WithFields(logrus.Fields{"JobID": id, "Operation": op})
	sch.mtx.Lock()
	if cur, busy := sch.jobOp[id]; busy {
		sch.mtx.Unlock()
		return errors.Wrapf(ErrBusy, "job %d: %s", id, cur)
	}
	sch.jobOp[id] = op
	sch.mtx.Unlock()
	defer func() {
		sch.mtx.Lock()
		delete(sch.jobOp, id)
		sch.mtx.Unlock()
	}()

	job, ok := sch.queue.Get(id)
	if !ok {
		return errors.Wrapf(queue.ErrNotFound, "job %d", id)
	}
	if job.State != nwm.JobStateRunning {
		return errors.Wrapf(ErrNotRunning, "job %d is %s", id, job.State)
	}
	if err := sch.launcher.Teardown(ctx, job.Services); err != nil {
		// Leave the job Running so the operation can be
		// retried.
		logger.WithError(err).Error("teardown failed")
		return err
	}
	sch.pool.Release(job.Allocations)
	return sch.queue.SetState(id, state, reason)
}

// Jobs returns all known jobs, in submission order.
func (sch *Scheduler) Jobs() []nwm.Job {
	return sch.queue.Entries()
}

// Job returns the job with the given ID.
func (sch *Scheduler) Job(id int64) (nwm.Job, bool) {
	return sch.queue.Get(id)
}

// Nodes returns the current CPU availability of all nodes.
func (sch *Scheduler) Nodes() []nwm.Node {
	return sch.pool.Nodes()
}

// Stop interrupts all launches in progress.
func (sch *Scheduler) Stop() {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	for id, cancel := range sch.launching {
		sch.logger.WithField("JobID", id).Info("interrupting launch")
		cancel()
	}
}
