// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Instrument wraps next, recording request counts, durations, and
// in-flight requests in reg.
func Instrument(reg *prometheus.Registry, next http.Handler) http.Handler {
	reqDuration := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "nwm",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Summary of request duration.",
	}, []string{"code", "method"})
	reqCount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nwm",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Number of requests handled.",
	}, []string{"code", "method"})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nwm",
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Number of requests being handled.",
	})
	if reg != nil {
		reg.MustRegister(reqDuration, reqCount, inFlight)
	}
	return promhttp.InstrumentHandlerInFlight(inFlight,
		promhttp.InstrumentHandlerDuration(reqDuration,
			promhttp.InstrumentHandlerCounter(reqCount, next)))
}
