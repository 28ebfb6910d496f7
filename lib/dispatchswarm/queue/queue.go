// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package queue keeps the scheduler's in-memory job records.
package queue

import (
	"sync"
	"time"

	"github.com/nwm-maas/swarmsched/sdk/go/nwm"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrDuplicate         = errors.New("job already queued")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

var allStates = []nwm.JobState{
	nwm.JobStatePending,
	nwm.JobStateAllocated,
	nwm.JobStateLaunching,
	nwm.JobStateRunning,
	nwm.JobStateFailed,
	nwm.JobStateCompleted,
	nwm.JobStateTornDown,
}

// A Queue holds the jobs submitted to this scheduler process, in
// submission order.
//
// All methods return immediately, and return copies: modifying a
// returned Job does not affect the Queue.
type Queue struct {
	logger logrus.FieldLogger
	now    func() time.Time

	mtx     sync.Mutex
	current map[int64]*nwm.Job
	order   []int64

	// active notification subscribers (see Subscribe)
	subscribers map[<-chan struct{}]chan struct{}

	mJobs *prometheus.GaugeVec
}

// NewQueue returns a new, empty Queue.
func NewQueue(logger logrus.FieldLogger, reg *prometheus.Registry) *Queue {
	q := &Queue{
		logger:      logger,
		now:         time.Now,
		current:     map[int64]*nwm.Job{},
		subscribers: map[<-chan struct{}]chan struct{}{},
	}
	q.registerMetrics(reg)
	return q
}

func (q *Queue) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	q.mJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nwm",
		Subsystem: "scheduler",
		Name:      "jobs",
		Help:      "Number of jobs in the queue, by state.",
	}, []string{"state"})
	reg.MustRegister(q.mJobs)
	q.updateMetrics()
}

// Caller must have lock (or be the constructor).
func (q *Queue) updateMetrics() {
	count := map[nwm.JobState]int{}
	for _, job := range q.current {
		count[job.State]++
	}
	for _, state := range allStates {
		q.mJobs.WithLabelValues(string(state)).Set(float64(count[state]))
	}
}

// Subscribe returns a channel that becomes ready to receive when a
// job in the Queue is added or updated.
//
//	ch := q.Subscribe()
//	defer q.Unsubscribe(ch)
//	for range ch {
//		// ...
//	}
func (q *Queue) Subscribe() <-chan struct{} {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	ch := make(chan struct{}, 1)
	q.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel. See
// Subscribe.
func (q *Queue) Unsubscribe(ch <-chan struct{}) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	delete(q.subscribers, ch)
}

// Caller must have lock.
func (q *Queue) notify() {
	q.updateMetrics()
	for _, ch := range q.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Enqueue adds a job. If the job's state is empty, it is set to
// Pending.
func (q *Queue) Enqueue(job nwm.Job) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if _, dup := q.current[job.ID]; dup {
		return errors.Wrapf(ErrDuplicate, "job %d", job.ID)
	}
	if job.State == "" {
		job.State = nwm.JobStatePending
	}
	now := q.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	j := copyJob(job)
	q.current[job.ID] = &j
	q.order = append(q.order, job.ID)
	q.notify()
	return nil
}

// Get returns the job with the given ID. Like a map lookup, its
// second return value is false if the job is not in the Queue.
func (q *Queue) Get(id int64) (nwm.Job, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	job, ok := q.current[id]
	if !ok {
		return nwm.Job{}, false
	}
	return copyJob(*job), true
}

// Entries returns all jobs, in submission order.
func (q *Queue) Entries() []nwm.Job {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	jobs := make([]nwm.Job, 0, len(q.order))
	for _, id := range q.order {
		jobs = append(jobs, copyJob(*q.current[id]))
	}
	return jobs
}

// Drain removes all jobs from the Queue and returns them, in
// submission order.
func (q *Queue) Drain() []nwm.Job {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	jobs := make([]nwm.Job, 0, len(q.order))
	for _, id := range q.order {
		jobs = append(jobs, *q.current[id])
	}
	q.current = map[int64]*nwm.Job{}
	q.order = nil
	q.notify()
	return jobs
}

// SetState moves a job to a new state. Reason is recorded if
// non-empty. An invalid transition returns an error wrapping
// ErrInvalidTransition and leaves the job unchanged.
func (q *Queue) SetState(id int64, state nwm.JobState, reason string) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	job, ok := q.current[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %d", id)
	}
	if !job.State.CanTransition(state) {
		return errors.Wrapf(ErrInvalidTransition, "job %d: %s -> %s", id, job.State, state)
	}
	q.logger.WithFields(logrus.Fields{
		"JobID":  id,
		"State":  state,
		"Reason": reason,
	}).Infof("%s -> %s", job.State, state)
	job.State = state
	if reason != "" {
		job.Reason = reason
	}
	job.UpdatedAt = q.now()
	q.notify()
	return nil
}

// Update calls fn with the current record of the given job, and
// stores the result. fn cannot change the job's ID or state (use
// SetState).
func (q *Queue) Update(id int64, fn func(*nwm.Job)) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	job, ok := q.current[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %d", id)
	}
	updated := copyJob(*job)
	fn(&updated)
	updated.ID, updated.State, updated.CreatedAt = job.ID, job.State, job.CreatedAt
	updated.UpdatedAt = q.now()
	*job = copyJob(updated)
	q.notify()
	return nil
}

// Forget drops the specified job from the Queue. It should be
// called on finished jobs to avoid leaking memory over time. It is
// a no-op if the job is not in a final state.
func (q *Queue) Forget(id int64) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	job, ok := q.current[id]
	if !ok || !job.State.Final() {
		return
	}
	delete(q.current, id)
	for i, qid := range q.order {
		if qid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.notify()
}

func copyJob(job nwm.Job) nwm.Job {
	job.Allocations = append([]nwm.CPUAllocation(nil), job.Allocations...)
	job.HostList = append([]string(nil), job.HostList...)
	job.Services = append([]nwm.ServiceHandle(nil), job.Services...)
	return job
}
