// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package launcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/nwm-maas/swarmsched/lib/swarm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type throttle struct {
	err   error
	until time.Time
	mtx   sync.Mutex
}

// CheckUnavailable checks whether the given error is a
// swarm.UnavailableError, and if so, ensures Error() returns a
// non-nil error until the holdoff period expires.
func (thr *throttle) CheckUnavailable(err error, holdoff time.Duration, logger logrus.FieldLogger, callType string) {
	var ue swarm.UnavailableError
	if holdoff <= 0 || !errors.As(err, &ue) || !ue.IsUnavailable() {
		return
	}
	until := time.Now().Add(holdoff)
	logger.WithError(err).WithFields(logrus.Fields{
		"CallType": callType,
		"Duration": holdoff,
		"ResumeAt": until,
	}).Info("suspending orchestrator calls because the daemon is unavailable")
	thr.ErrorUntil(fmt.Errorf("orchestrator calls are suspended for %s, until %s", holdoff, until.Format(time.RFC3339)), until)
}

func (thr *throttle) ErrorUntil(err error, until time.Time) {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	thr.err, thr.until = err, until
}

func (thr *throttle) Error() error {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	if thr.err != nil && time.Now().After(thr.until) {
		thr.err = nil
	}
	return thr.err
}
