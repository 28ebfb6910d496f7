// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"net/http"

	"github.com/nwm-maas/swarmsched/sdk/go/ctxlog"
	"github.com/nwm-maas/swarmsched/sdk/go/httpserver"
	"github.com/nwm-maas/swarmsched/sdk/go/nwm"
)

// ErrorHandler returns the Handler of a service that could not be
// set up. Its CheckHealth returns err, so the startup health check
// fails and the command exits. Requests that reach it anyway get a
// 500 response, and err is logged with each request's logger.
func ErrorHandler(ctx context.Context, cluster *nwm.Cluster, err error) Handler {
	logger := ctxlog.FromContext(ctx)
	if cluster != nil {
		logger = logger.WithField("ClusterID", cluster.ClusterID)
	}
	logger.WithError(err).Error("unhealthy service")
	done := make(chan struct{})
	close(done)
	return &errorHandler{err: err, done: done}
}

type errorHandler struct {
	err  error
	done chan struct{}
}

func (eh *errorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctxlog.FromContext(r.Context()).WithError(eh.err).Error("request refused by unhealthy service")
	httpserver.Error(w, "service is unhealthy", http.StatusInternalServerError)
}

func (eh *errorHandler) CheckHealth() error {
	return eh.err
}

// Done is already closed: the service has failed.
func (eh *errorHandler) Done() <-chan struct{} {
	return eh.done
}
