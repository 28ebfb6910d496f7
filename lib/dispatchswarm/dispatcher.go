// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchswarm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/nwm-maas/swarmsched/lib/catalog"
	"github.com/nwm-maas/swarmsched/lib/dispatchswarm/hostlist"
	"github.com/nwm-maas/swarmsched/lib/dispatchswarm/launcher"
	"github.com/nwm-maas/swarmsched/lib/dispatchswarm/pool"
	"github.com/nwm-maas/swarmsched/lib/dispatchswarm/queue"
	"github.com/nwm-maas/swarmsched/lib/dispatchswarm/scheduler"
	"github.com/nwm-maas/swarmsched/lib/idstore"
	"github.com/nwm-maas/swarmsched/lib/swarm"
	"github.com/nwm-maas/swarmsched/sdk/go/ctxlog"
	"github.com/nwm-maas/swarmsched/sdk/go/health"
	"github.com/nwm-maas/swarmsched/sdk/go/httpserver"
	"github.com/nwm-maas/swarmsched/sdk/go/message"
	"github.com/nwm-maas/swarmsched/sdk/go/nwm"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	healthCheckTimeout = 10 * time.Second
	maxRequestBody     = 1 << 20
	pruneInterval      = time.Minute
)

// jobIDs issues job IDs. *idstore.Store is the usual
// implementation.
type jobIDs interface {
	scheduler.IDSource
	Ping(context.Context) error
	Close() error
}

type dispatcher struct {
	Cluster  *nwm.Cluster
	Context  context.Context
	Registry *prometheus.Registry

	// Orchestrator and IDs are normally built from the cluster
	// config. Tests set them before calling initialize.
	Orchestrator swarm.Orchestrator
	IDs          jobIDs

	logger      logrus.FieldLogger
	catalog     *catalog.Watcher
	pool        *pool.Pool
	queue       *queue.Queue
	launcher    *launcher.Launcher
	identity    hostlist.Identity
	sched       *scheduler.Scheduler
	httpHandler http.Handler

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// ServeHTTP implements service.Handler.
func (disp *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler. The dispatcher is healthy
// when both the orchestrator and the job ID store respond.
func (disp *dispatcher) CheckHealth() error {
	var eg errgroup.Group
	eg.Go(disp.checkOrchestrator)
	eg.Go(disp.checkIDStore)
	return eg.Wait()
}

func (disp *dispatcher) checkOrchestrator() error {
	ctx, cancel := context.WithTimeout(disp.Context, healthCheckTimeout)
	defer cancel()
	return disp.launcher.CheckOrchestrator(ctx)
}

func (disp *dispatcher) checkIDStore() error {
	ctx, cancel := context.WithTimeout(disp.Context, healthCheckTimeout)
	defer cancel()
	return errors.Wrap(disp.IDs.Ping(ctx), "job id store")
}

// Done implements service.Handler.
func (disp *dispatcher) Done() <-chan struct{} {
	return disp.stopped
}

// Close stops the dispatcher and releases resources. Typically used
// in tests.
func (disp *dispatcher) Close() {
	disp.stopOnce.Do(func() { close(disp.stop) })
	<-disp.stopped
}

// initialize builds the dispatcher's components from the cluster
// config. It does not start any goroutines.
func (disp *dispatcher) initialize() error {
	disp.logger = ctxlog.FromContext(disp.Context)
	disp.stop = make(chan struct{})
	disp.stopped = make(chan struct{})
	cc := disp.Cluster

	var err error
	disp.catalog, err = catalog.NewWatcher(disp.logger, cc.Catalog.Path, cc.Catalog.CacheSize)
	if err != nil {
		return errors.Wrap(err, "loading catalog")
	}
	if cc.Catalog.Watch {
		if err = disp.catalog.Start(); err != nil {
			return errors.Wrap(err, "watching catalog")
		}
	}

	disp.pool, err = pool.New(disp.logger, disp.Registry, cc.Nodes)
	if err != nil {
		return errors.Wrap(err, "setting up node pool")
	}
	disp.queue = queue.NewQueue(disp.logger, disp.Registry)

	if disp.Orchestrator == nil {
		disp.Orchestrator, err = newOrchestrator(cc.Docker.Host)
		if err != nil {
			return errors.Wrap(err, "setting up docker client")
		}
	}
	lcfg, err := launcher.ConfigFromCluster(cc)
	if err != nil {
		return err
	}
	disp.launcher = launcher.New(disp.logger, disp.Registry, disp.Orchestrator, lcfg)
	if err = disp.checkOrchestrator(); err != nil {
		return errors.Wrap(err, "startup check")
	}

	if disp.IDs == nil {
		disp.IDs = idstore.NewFromCluster(cc)
	}

	disp.identity, err = disp.elect()
	if err != nil {
		return errors.Wrap(err, "checking scheduler identity")
	}
	hw := &hostlist.HostfileWriter{
		Identity: disp.identity,
		Path:     cc.Scheduler.HostfilePath,
		BaseName: cc.Scheduler.BaseName,
		Logger:   disp.logger,
	}
	disp.sched = scheduler.New(disp.Context, scheduler.Config{
		BaseName:        cc.Scheduler.BaseName,
		DefaultStrategy: cc.Scheduler.DefaultStrategy,
	}, disp.catalog, disp.pool, disp.IDs, disp.queue, disp.launcher, hw)

	if cc.ManagementToken == "" {
		disp.httpHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httpserver.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
	} else {
		mux := httprouter.New()
		mux.HandlerFunc("POST", "/nwm/v1/jobs", disp.apiSubmit)
		mux.HandlerFunc("GET", "/nwm/v1/jobs", disp.apiJobs)
		mux.HandlerFunc("GET", "/nwm/v1/jobs/:id", disp.apiJob)
		mux.HandlerFunc("DELETE", "/nwm/v1/jobs/:id", disp.apiJobForget)
		mux.HandlerFunc("POST", "/nwm/v1/jobs/:id/cancel", disp.apiJobCancel)
		mux.HandlerFunc("POST", "/nwm/v1/jobs/:id/complete", disp.apiJobComplete)
		mux.HandlerFunc("GET", "/nwm/v1/nodes", disp.apiNodes)
		metricsH := promhttp.HandlerFor(disp.Registry, promhttp.HandlerOpts{
			ErrorLog: disp.logger,
		})
		mux.Handler("GET", "/metrics", metricsH)
		mux.Handler("GET", "/_health/:check", &health.Handler{
			Token:  cc.ManagementToken,
			Prefix: "/_health/",
			Routes: health.Routes{
				"ping":         disp.CheckHealth,
				"orchestrator": disp.checkOrchestrator,
				"idstore":      disp.checkIDStore,
			},
			Timeout: healthCheckTimeout + time.Second,
		})
		disp.httpHandler = health.RequireToken(cc.ManagementToken, mux)
	}
	return nil
}

// elect decides, once, whether this process writes the hostfile.
func (disp *dispatcher) elect() (hostlist.Identity, error) {
	sc := disp.Cluster.Scheduler
	ctx, cancel := context.WithTimeout(disp.Context, healthCheckTimeout)
	defer cancel()
	id, err := hostlist.Elect(ctx, disp.launcher, sc.ServiceNamePattern, sc.SelfServiceName)
	if err != nil {
		return id, err
	}
	disp.logger.WithFields(logrus.Fields{
		"Self":     id.Self,
		"Pattern":  sc.ServiceNamePattern,
		"Matches":  id.Matches,
		"Elected":  id.Elected,
		"Hostfile": sc.HostfilePath,
	}).Info("scheduler identity")
	return id, nil
}

func (disp *dispatcher) run() {
	defer close(disp.stopped)
	defer disp.shutdown()

	retention := disp.Cluster.Scheduler.FinishedJobRetention.Duration()
	notify := disp.queue.Subscribe()
	defer disp.queue.Unsubscribe(notify)
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-disp.stop:
			return
		case <-disp.Context.Done():
			return
		case <-notify:
		case <-ticker.C:
		}
		if retention > 0 {
			disp.prune(time.Now().Add(-retention))
		}
	}
}

// prune forgets finished jobs last updated before threshold.
func (disp *dispatcher) prune(threshold time.Time) {
	for _, job := range disp.queue.Entries() {
		if job.State.Final() && job.UpdatedAt.Before(threshold) {
			disp.queue.Forget(job.ID)
		}
	}
}

func (disp *dispatcher) shutdown() {
	disp.sched.Stop()
	disp.release()
	for _, job := range disp.queue.Drain() {
		if !job.State.Final() {
			// Services of running jobs are left in place.
			disp.logger.WithFields(logrus.Fields{
				"JobID": job.ID,
				"State": job.State,
			}).Warn("job still active at shutdown")
		}
	}
}

// release closes whatever connections and watchers have been set up.
func (disp *dispatcher) release() {
	var eg errgroup.Group
	if disp.catalog != nil {
		eg.Go(func() error {
			disp.catalog.Stop()
			return nil
		})
	}
	if disp.IDs != nil {
		eg.Go(func() error {
			return errors.Wrap(disp.IDs.Close(), "closing job id store")
		})
	}
	if c, ok := disp.Orchestrator.(io.Closer); ok {
		eg.Go(func() error {
			return errors.Wrap(c.Close(), "closing orchestrator client")
		})
	}
	if err := eg.Wait(); err != nil {
		disp.logger.WithError(err).Warn("error releasing resources")
	}
}

// Management API: submit a scheduler request message.
func (disp *dispatcher) apiSubmit(w http.ResponseWriter, r *http.Request) {
	logger := ctxlog.FromContext(r.Context())
	var payload map[string]interface{}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&payload)
	if err != nil {
		httpserver.WriteJSON(w, message.InvalidResponse(map[string]interface{}{"error": err.Error()}), http.StatusBadRequest)
		return
	}
	msg, err := message.Decode(payload)
	if err != nil {
		httpserver.WriteJSON(w, message.InvalidResponse(map[string]interface{}{"error": err.Error()}), http.StatusBadRequest)
		return
	}
	sr, ok := msg.(*message.SchedulerRequest)
	if !ok {
		httpserver.WriteJSON(w, message.Response{
			ResponseTo: msg.EventType(),
			Success:    false,
			Reason:     "Unsupported Request Type",
			Message:    "The scheduler accepts only " + message.EventSchedulerRequest.String() + " messages",
		}, http.StatusBadRequest)
		return
	}

	// The launch must not be abandoned if the client disconnects,
	// so it runs in the dispatcher's context with the request's
	// logger.
	ctx := ctxlog.Context(disp.Context, logger)
	job, err := disp.sched.Submit(ctx, sr.JobRequest())
	if err != nil {
		reason, status := classify(err)
		var data interface{}
		if job.ID != 0 {
			data = job
		}
		httpserver.WriteJSON(w, message.Response{
			ResponseTo: message.EventSchedulerRequest,
			Success:    false,
			Reason:     reason,
			Message:    err.Error(),
			Data:       data,
		}, status)
		return
	}
	httpserver.WriteJSON(w, message.Response{
		ResponseTo: message.EventSchedulerRequest,
		Success:    true,
		Reason:     "Job Scheduled",
		Message:    "job " + strconv.FormatInt(job.ID, 10) + " is running",
		Data:       job,
	}, http.StatusOK)
}

// classify returns the response reason and HTTP status for a Submit
// error.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, catalog.ErrDomainNotFound),
		errors.Is(err, catalog.ErrRunDirNotConfigured),
		errors.Is(err, catalog.ErrImageNotFound):
		return "Catalog Lookup Failed", http.StatusBadRequest
	case errors.Is(err, pool.ErrInvalidRequest),
		errors.Is(err, pool.ErrUnknownStrategy):
		return "Invalid Request", http.StatusBadRequest
	case errors.Is(err, pool.ErrInsufficientResources):
		return "Insufficient Resources", http.StatusServiceUnavailable
	case errors.Is(err, idstore.ErrConcurrencyConflict):
		return "Job ID Unavailable", http.StatusServiceUnavailable
	case errors.Is(err, launcher.ErrOrchestratorUnreachable):
		return "Orchestrator Unreachable", http.StatusBadGateway
	case errors.Is(err, launcher.ErrLaunchIntegrity):
		return "Launch Integrity Check Failed", http.StatusInternalServerError
	default:
		return "Launch Failed", http.StatusInternalServerError
	}
}

// Management API: all known jobs.
func (disp *dispatcher) apiJobs(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []nwm.Job `json:"items"`
	}
	resp.Items = disp.sched.Jobs()
	httpserver.WriteJSON(w, resp, http.StatusOK)
}

// Management API: one job.
func (disp *dispatcher) apiJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, ok := disp.sched.Job(id)
	if !ok {
		httpserver.Error(w, "job not found", http.StatusNotFound)
		return
	}
	httpserver.WriteJSON(w, job, http.StatusOK)
}

// Management API: remove a finished job from the job list.
func (disp *dispatcher) apiJobForget(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, ok := disp.sched.Job(id)
	if !ok {
		httpserver.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if !job.State.Final() {
		httpserver.Error(w, "job is "+string(job.State), http.StatusConflict)
		return
	}
	disp.queue.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

// Management API: cancel a launching or running job.
func (disp *dispatcher) apiJobCancel(w http.ResponseWriter, r *http.Request) {
	disp.apiJobOp(w, r, disp.sched.Cancel)
}

// Management API: record that a running job has finished.
func (disp *dispatcher) apiJobComplete(w http.ResponseWriter, r *http.Request) {
	disp.apiJobOp(w, r, disp.sched.Complete)
}

func (disp *dispatcher) apiJobOp(w http.ResponseWriter, r *http.Request, op func(context.Context, int64) error) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	ctx := ctxlog.Context(disp.Context, ctxlog.FromContext(r.Context()))
	err := op(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrNotFound):
		httpserver.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, scheduler.ErrNotRunning), errors.Is(err, scheduler.ErrBusy):
		httpserver.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, launcher.ErrOrchestratorUnreachable):
		httpserver.Error(w, err.Error(), http.StatusBadGateway)
		return
	default:
		httpserver.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	job, _ := disp.sched.Job(id)
	httpserver.WriteJSON(w, job, http.StatusOK)
}

// Management API: CPU availability of all nodes.
func (disp *dispatcher) apiNodes(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []nwm.Node `json:"items"`
	}
	resp.Items = disp.sched.Nodes()
	httpserver.WriteJSON(w, resp, http.StatusOK)
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	s := httprouter.ParamsFromContext(r.Context()).ByName("id")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 1 {
		httpserver.Error(w, "invalid job id "+strconv.Quote(s), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
