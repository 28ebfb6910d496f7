// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nwm-maas/swarmsched/lib/catalog"
	"github.com/nwm-maas/swarmsched/lib/dispatchswarm/hostlist"
	"github.com/nwm-maas/swarmsched/lib/dispatchswarm/launcher"
	"github.com/nwm-maas/swarmsched/lib/dispatchswarm/pool"
	"github.com/nwm-maas/swarmsched/lib/dispatchswarm/queue"
	"github.com/nwm-maas/swarmsched/lib/dispatchswarm/test"
	"github.com/nwm-maas/swarmsched/lib/swarm"
	"github.com/nwm-maas/swarmsched/sdk/go/ctxlog"
	"github.com/nwm-maas/swarmsched/sdk/go/nwm"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&SchedulerSuite{})

const (
	testImage  = "127.0.0.1:5000/nwm-2.0:latest"
	testDomain = "domain_croton_NY"
	baseName   = "nwm_mpi-worker_serv"
)

type stubIDs struct {
	mtx  sync.Mutex
	next int64
	err  error
}

func (ids *stubIDs) NextID(context.Context) (int64, error) {
	ids.mtx.Lock()
	defer ids.mtx.Unlock()
	if ids.err != nil {
		return 0, ids.err
	}
	ids.next++
	return ids.next, nil
}

func (ids *stubIDs) issued() int64 {
	ids.mtx.Lock()
	defer ids.mtx.Unlock()
	return ids.next
}

type SchedulerSuite struct {
	stub     *test.StubOrchestrator
	ids      *stubIDs
	pool     *pool.Pool
	queue    *queue.Queue
	hostfile *hostlist.HostfileWriter
	sch      *Scheduler
}

func (s *SchedulerSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	ctx := ctxlog.Context(context.Background(), logger)
	reg := prometheus.NewRegistry()
	var err error
	s.pool, err = pool.New(logger, reg, map[string]nwm.NodeConfig{
		"Node-0001": {Hostname: "host1", CPUs: 2},
		"Node-0002": {Hostname: "host2", CPUs: 2},
	})
	c.Assert(err, check.IsNil)
	s.stub = &test.StubOrchestrator{}
	s.ids = &stubIDs{}
	s.queue = queue.NewQueue(logger, reg)
	s.hostfile = &hostlist.HostfileWriter{
		Identity: hostlist.Identity{Elected: true, Self: "nwm-_scheduler"},
		Path:     filepath.Join(c.MkDir(), "hostfile"),
		BaseName: baseName,
		Logger:   logger,
	}
	cat := catalog.New(
		map[string]string{testDomain: "/opt/nwm_c/domains/croton", "domain_norun": "/opt/x"},
		map[string]string{testDomain: "/nwm/domains/croton"},
		[]string{testImage})
	l := launcher.New(logger, reg, s.stub, launcher.Config{
		BaseName:           baseName,
		PrimaryNodeID:      "Node-0001",
		WorkerMount:        swarm.Mount{Source: "/local", Target: "/nwm/domains"},
		WorkerCommand:      []string{"sh", "-c", "sudo /usr/sbin/sshd -D"},
		RunnerCommand:      []string{"/nwm/run_model.sh"},
		LaunchTimeout:      time.Minute,
		MaxConcurrentCalls: 4,
	})
	s.sch = New(ctx, Config{BaseName: baseName, DefaultStrategy: nwm.StrategyRoundRobin}, cat, s.pool, s.ids, s.queue, l, s.hostfile)
}

func request(cpus int) nwm.JobRequest {
	return nwm.JobRequest{
		UserID: "someuser",
		CPUs:   cpus,
		Memory: 5 << 30,
		Domain: testDomain,
		Image:  testImage,
	}
}

func (s *SchedulerSuite) available() []int {
	var avail []int
	for _, n := range s.sch.Nodes() {
		avail = append(avail, n.AvailableCPUs)
	}
	return avail
}

func (s *SchedulerSuite) TestSubmit(c *check.C) {
	job, err := s.sch.Submit(context.Background(), request(4))
	c.Assert(err, check.IsNil)
	c.Check(job.ID, check.Equals, int64(1))
	c.Check(job.State, check.Equals, nwm.JobStateRunning)
	c.Check(job.Strategy, check.Equals, nwm.StrategyRoundRobin)
	c.Check(job.Allocations, check.DeepEquals, []nwm.CPUAllocation{
		{NodeID: "Node-0001", Hostname: "host1", CPUs: 2},
		{NodeID: "Node-0002", Hostname: "host2", CPUs: 2},
	})
	c.Check(job.HostList, check.DeepEquals, []string{
		"2",
		"nwm_mpi-worker_serv0_1:2",
		"nwm_mpi-worker_serv1_1:2",
		"/nwm/domains/croton",
	})
	c.Check(job.Services, check.HasLen, 2)
	c.Check(s.available(), check.DeepEquals, []int{0, 0})
	c.Check(s.stub.Created(), check.DeepEquals, []string{"nwm_mpi-worker_serv0_1", "nwm_mpi-worker_serv1_1"})

	specs := s.stub.Specs()
	c.Assert(specs, check.HasLen, 2)
	c.Check(specs[0].Mounts, check.DeepEquals, []swarm.Mount{{Source: "/opt/nwm_c/domains/croton", Target: "/nwm/domains/croton"}})
	c.Check(specs[1].Args, check.DeepEquals, job.HostList)

	buf, err := os.ReadFile(s.hostfile.Path)
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, "nwm_mpi-worker_serv0_1:2\nnwm_mpi-worker_serv1_1:2\n")

	c.Check(s.sch.Jobs(), check.HasLen, 1)
}

func (s *SchedulerSuite) TestCatalogErrorsConsumeNoID(c *check.C) {
	for _, trial := range []struct {
		image, domain string
		err           error
	}{
		{testImage, "nosuchdomain", catalog.ErrDomainNotFound},
		{testImage, "domain_norun", catalog.ErrRunDirNotConfigured},
		{"nosuchimage", testDomain, catalog.ErrImageNotFound},
	} {
		req := request(1)
		req.Image, req.Domain = trial.image, trial.domain
		job, err := s.sch.Submit(context.Background(), req)
		c.Check(errors.Is(err, trial.err), check.Equals, true, check.Commentf("%v", err))
		c.Check(job.ID, check.Equals, int64(0))
	}
	c.Check(s.ids.issued(), check.Equals, int64(0))
	c.Check(s.sch.Jobs(), check.HasLen, 0)
	c.Check(s.available(), check.DeepEquals, []int{2, 2})
}

func (s *SchedulerSuite) TestInsufficientResourcesConsumesNoID(c *check.C) {
	_, err := s.sch.Submit(context.Background(), request(10))
	c.Check(errors.Is(err, pool.ErrInsufficientResources), check.Equals, true)
	req := request(3)
	req.Strategy = nwm.StrategySingleNode
	_, err = s.sch.Submit(context.Background(), req)
	c.Check(errors.Is(err, pool.ErrInsufficientResources), check.Equals, true)
	c.Check(s.ids.issued(), check.Equals, int64(0))
	c.Check(s.sch.Jobs(), check.HasLen, 0)
	c.Check(s.stub.Created(), check.HasLen, 0)
	c.Check(s.available(), check.DeepEquals, []int{2, 2})
}

func (s *SchedulerSuite) TestIDFailureReleases(c *check.C) {
	s.ids.err = errors.New("redis unavailable")
	_, err := s.sch.Submit(context.Background(), request(3))
	c.Check(err, check.ErrorMatches, `getting job id: redis unavailable`)
	c.Check(s.available(), check.DeepEquals, []int{2, 2})
	c.Check(s.sch.Jobs(), check.HasLen, 0)
}

// If the runner can't be created after the worker was, the worker
// is removed, the CPUs are released, and the job fails.
func (s *SchedulerSuite) TestRunnerFailure(c *check.C) {
	s.stub.CreateHook = func(spec swarm.ServiceSpec) error {
		if spec.Name == "nwm_mpi-worker_serv1_1" {
			return errors.New("no suitable node")
		}
		return nil
	}
	job, err := s.sch.Submit(context.Background(), request(4))
	c.Check(err, check.ErrorMatches, `(?s).*no suitable node.*`)
	c.Check(job.ID, check.Equals, int64(1))
	c.Check(job.State, check.Equals, nwm.JobStateFailed)
	c.Check(job.Reason, check.Matches, `(?s).*no suitable node.*`)
	c.Check(s.stub.Removed(), check.DeepEquals, []string{"nwm_mpi-worker_serv0_1"})
	c.Check(s.stub.Specs(), check.HasLen, 0)
	c.Check(s.available(), check.DeepEquals, []int{2, 2})
}

func (s *SchedulerSuite) TestHostfileIdentityMismatchNotFatal(c *check.C) {
	s.hostfile.Identity = hostlist.Identity{Self: "nwm-_scheduler"}
	job, err := s.sch.Submit(context.Background(), request(1))
	c.Check(err, check.IsNil)
	c.Check(job.State, check.Equals, nwm.JobStateRunning)
	_, err = os.Stat(s.hostfile.Path)
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *SchedulerSuite) TestHostfileWriteError(c *check.C) {
	s.hostfile.Path = filepath.Join(c.MkDir(), "nonexistent", "hostfile")
	job, err := s.sch.Submit(context.Background(), request(1))
	c.Check(err, check.ErrorMatches, `writing hostfile: .*`)
	c.Check(job.State, check.Equals, nwm.JobStateFailed)
	c.Check(s.stub.Created(), check.HasLen, 0)
	c.Check(s.available(), check.DeepEquals, []int{2, 2})
}

func (s *SchedulerSuite) TestComplete(c *check.C) {
	job, err := s.sch.Submit(context.Background(), request(3))
	c.Assert(err, check.IsNil)
	c.Check(s.available(), check.DeepEquals, []int{0, 1})
	c.Check(s.sch.Complete(context.Background(), job.ID), check.IsNil)
	job, _ = s.sch.Job(job.ID)
	c.Check(job.State, check.Equals, nwm.JobStateCompleted)
	c.Check(s.available(), check.DeepEquals, []int{2, 2})
	c.Check(s.stub.Specs(), check.HasLen, 0)

	err = s.sch.Complete(context.Background(), job.ID)
	c.Check(errors.Is(err, ErrNotRunning), check.Equals, true)
	err = s.sch.Cancel(context.Background(), job.ID)
	c.Check(errors.Is(err, ErrNotRunning), check.Equals, true)
	err = s.sch.Complete(context.Background(), 999)
	c.Check(errors.Is(err, queue.ErrNotFound), check.Equals, true)
}

func (s *SchedulerSuite) TestCancelRunning(c *check.C) {
	job, err := s.sch.Submit(context.Background(), request(2))
	c.Assert(err, check.IsNil)
	c.Check(s.sch.Cancel(context.Background(), job.ID), check.IsNil)
	job, _ = s.sch.Job(job.ID)
	c.Check(job.State, check.Equals, nwm.JobStateTornDown)
	c.Check(job.Reason, check.Equals, "cancelled")
	c.Check(s.available(), check.DeepEquals, []int{2, 2})
	c.Check(s.stub.Specs(), check.HasLen, 0)
}

func (s *SchedulerSuite) TestTeardownFailureKeepsJobRunning(c *check.C) {
	job, err := s.sch.Submit(context.Background(), request(2))
	c.Assert(err, check.IsNil)
	s.stub.RemoveHook = func(string) error { return errors.New("permission denied") }
	err = s.sch.Complete(context.Background(), job.ID)
	c.Check(err, check.ErrorMatches, `(?s).*permission denied.*`)
	job, _ = s.sch.Job(job.ID)
	c.Check(job.State, check.Equals, nwm.JobStateRunning)
	c.Check(s.available(), check.DeepEquals, []int{1, 1})

	s.stub.RemoveHook = nil
	c.Check(s.sch.Complete(context.Background(), job.ID), check.IsNil)
	c.Check(s.available(), check.DeepEquals, []int{2, 2})
}

func (s *SchedulerSuite) TestCancelDuringLaunch(c *check.C) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	s.stub.CreateHook = func(spec swarm.ServiceSpec) error {
		if spec.Name == "nwm_mpi-worker_serv0_1" {
			close(started)
			<-proceed
		}
		return nil
	}
	done := make(chan error)
	go func() {
		_, err := s.sch.Submit(context.Background(), request(4))
		done <- err
	}()
	<-started
	job, ok := s.sch.Job(1)
	c.Check(ok, check.Equals, true)
	c.Check(job.State, check.Equals, nwm.JobStateLaunching)
	c.Check(s.sch.Cancel(context.Background(), 1), check.IsNil)
	close(proceed)
	err := <-done
	c.Check(errors.Is(err, context.Canceled), check.Equals, true, check.Commentf("%v", err))
	job, _ = s.sch.Job(1)
	c.Check(job.State, check.Equals, nwm.JobStateFailed)
	c.Check(s.stub.Specs(), check.HasLen, 0)
	c.Check(s.available(), check.DeepEquals, []int{2, 2})
}

// hookLauncher calls afterLaunch once Launch has returned
// successfully.
type hookLauncher struct {
	ServiceLauncher
	afterLaunch func()
}

func (hl hookLauncher) Launch(ctx context.Context, req launcher.LaunchRequest) ([]nwm.ServiceHandle, error) {
	handles, err := hl.ServiceLauncher.Launch(ctx, req)
	if err == nil {
		hl.afterLaunch()
	}
	return handles, err
}

// A cancel that arrives after the services are up, but whose
// teardown fails, leaves the job Running with its CPUs held.
func (s *SchedulerSuite) TestCancelAfterLaunchTeardownFails(c *check.C) {
	s.sch.launcher = hookLauncher{
		ServiceLauncher: s.sch.launcher,
		afterLaunch: func() {
			s.stub.RemoveHook = func(string) error { return errors.New("permission denied") }
			c.Check(s.sch.Cancel(context.Background(), 1), check.IsNil)
		},
	}
	job, err := s.sch.Submit(context.Background(), request(3))
	c.Check(errors.Is(err, ErrTeardownFailed), check.Equals, true, check.Commentf("%v", err))
	c.Check(err, check.ErrorMatches, `(?s).*permission denied.*`)
	c.Check(job.State, check.Equals, nwm.JobStateRunning)
	c.Check(job.Services, check.HasLen, 2)
	c.Check(s.stub.Specs(), check.HasLen, 2)
	c.Check(s.available(), check.DeepEquals, []int{0, 1})

	s.stub.RemoveHook = nil
	c.Check(s.sch.Cancel(context.Background(), job.ID), check.IsNil)
	job, _ = s.sch.Job(job.ID)
	c.Check(job.State, check.Equals, nwm.JobStateTornDown)
	c.Check(s.stub.Specs(), check.HasLen, 0)
	c.Check(s.available(), check.DeepEquals, []int{2, 2})
}

// Concurrent submissions never oversubscribe the pool, and every
// job that was admitted is running.
func (s *SchedulerSuite) TestConcurrentSubmit(c *check.C) {
	var wg sync.WaitGroup
	var mtx sync.Mutex
	admitted := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := s.sch.Submit(context.Background(), request(1))
			if err != nil {
				c.Check(errors.Is(err, pool.ErrInsufficientResources), check.Equals, true)
				return
			}
			c.Check(job.State, check.Equals, nwm.JobStateRunning)
			mtx.Lock()
			admitted++
			mtx.Unlock()
		}()
	}
	wg.Wait()
	c.Check(admitted, check.Equals, 4)
	c.Check(s.ids.issued(), check.Equals, int64(4))
	c.Check(s.available(), check.DeepEquals, []int{0, 0})
}
