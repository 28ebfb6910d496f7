// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package httpserver

import (
	"net/http"
	"time"

	"github.com/nwm-maas/swarmsched/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// LogRequests wraps an http.Handler, logging each request and
// response via logger. The request's logger (with RequestID and
// request fields attached) is available to the wrapped handler via
// ctxlog.FromContext(req.Context()).
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := WrapResponseWriter(wrapped)
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":       req.Header.Get(HeaderRequestID),
			"remoteAddr":      req.RemoteAddr,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
			"reqMethod":       req.Method,
			"reqPath":         req.URL.Path[1:],
			"reqQuery":        req.URL.RawQuery,
			"reqBytes":        req.ContentLength,
		})
		req = req.WithContext(ctxlog.Context(req.Context(), lgr))

		tStart := time.Now()
		lgr.Debug("request")
		defer logResponse(w, tStart, lgr)
		h.ServeHTTP(w, req)
	})
}

func logResponse(w ResponseWriter, tStart time.Time, lgr logrus.FieldLogger) {
	tDone := time.Now()
	respCode := w.WroteStatus()
	if respCode == 0 {
		respCode = http.StatusOK
	}
	fields := logrus.Fields{
		"timeTotal":      tDone.Sub(tStart).Seconds(),
		"respStatusCode": respCode,
		"respStatus":     http.StatusText(respCode),
		"respBytes":      w.WroteBodyBytes(),
	}
	if t := w.WroteAt(); !t.IsZero() {
		fields["timeToStatus"] = t.Sub(tStart).Seconds()
		fields["timeWriteBody"] = tDone.Sub(t).Seconds()
	}
	if respCode >= 400 {
		fields["respBody"] = string(w.Sniffed())
	}
	lgr = lgr.WithFields(fields)
	if respCode >= 500 {
		lgr.Error("response")
	} else {
		lgr.Info("response")
	}
}
