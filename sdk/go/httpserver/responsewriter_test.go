// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ResponseWriterSuite{})

type ResponseWriterSuite struct{}

func (s *ResponseWriterSuite) TestImplicitOK(c *check.C) {
	rec := httptest.NewRecorder()
	w := WrapResponseWriter(rec)
	c.Check(w.WroteStatus(), check.Equals, 0)
	c.Check(w.WroteAt().IsZero(), check.Equals, true)
	w.Write([]byte("hello "))
	w.Write([]byte("world"))
	c.Check(w.WroteStatus(), check.Equals, http.StatusOK)
	c.Check(w.WroteBodyBytes(), check.Equals, 11)
	c.Check(w.WroteAt().IsZero(), check.Equals, false)
	c.Check(w.Sniffed(), check.HasLen, 0)
	c.Check(rec.Body.String(), check.Equals, "hello world")
}

func (s *ResponseWriterSuite) TestFirstStatusWins(c *check.C) {
	w := WrapResponseWriter(httptest.NewRecorder())
	w.WriteHeader(http.StatusConflict)
	t0 := w.WroteAt()
	w.WriteHeader(http.StatusOK)
	c.Check(w.WroteStatus(), check.Equals, http.StatusConflict)
	c.Check(w.WroteAt(), check.Equals, t0)
}

func (s *ResponseWriterSuite) TestSniffErrorBody(c *check.C) {
	w := WrapResponseWriter(httptest.NewRecorder())
	w.WriteHeader(http.StatusBadRequest)
	w.Write([]byte(strings.Repeat("x", sniffBytes-1)))
	w.Write([]byte("yz"))
	c.Check(w.Sniffed(), check.HasLen, sniffBytes)
	c.Check(string(w.Sniffed()[sniffBytes-1:]), check.Equals, "y")
	c.Check(w.WroteBodyBytes(), check.Equals, sniffBytes+1)
}

func (s *ResponseWriterSuite) TestFlush(c *check.C) {
	rec := httptest.NewRecorder()
	w := WrapResponseWriter(rec)
	w.(http.Flusher).Flush()
	c.Check(rec.Flushed, check.Equals, true)
	c.Check(w.WroteStatus(), check.Equals, http.StatusOK)
}

func (s *ResponseWriterSuite) TestWrapOnce(c *check.C) {
	w := WrapResponseWriter(httptest.NewRecorder())
	c.Check(WrapResponseWriter(w), check.Equals, w)
}

func (s *ResponseWriterSuite) TestLogErrorBody(c *check.C) {
	var logbuf bytes.Buffer
	log := logrus.New()
	log.Out = &logbuf
	log.Formatter = &logrus.JSONFormatter{}
	h := LogRequests(log, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		Error(w, "job not found", http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/nwm/v1/jobs/9", nil))
	var got map[string]interface{}
	c.Assert(json.NewDecoder(&logbuf).Decode(&got), check.IsNil)
	c.Check(got["msg"], check.Equals, "response")
	c.Check(got["respStatusCode"], check.Equals, float64(http.StatusNotFound))
	c.Check(got["respBody"], check.Equals, `{"errors":["job not found"]}`+"\n")
}
