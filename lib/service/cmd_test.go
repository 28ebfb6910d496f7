// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/nwm-maas/swarmsched/sdk/go/ctxlog"
	"github.com/nwm-maas/swarmsched/sdk/go/nwm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&Suite{})

type Suite struct{}
type key int

const (
	contextKey key = iota
)

func freePort(c *check.C) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)
	defer ln.Close()
	return ln.Addr().String()
}

func (*Suite) TestCommand(c *check.C) {
	cf, err := ioutil.TempFile("", "cmd_test.")
	c.Assert(err, check.IsNil)
	defer os.Remove(cf.Name())
	defer cf.Close()
	fmt.Fprintf(cf, "Clusters:\n zzzzz:\n  ManagementToken: abcde\n  Services: {Scheduler: {Listen: %q}}\n", freePort(c))

	healthCheck := make(chan bool, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := Command(func(ctx context.Context, cluster *nwm.Cluster, token string, reg *prometheus.Registry) Handler {
		c.Check(ctx.Value(contextKey), check.Equals, "bar")
		c.Check(token, check.Equals, "abcde")
		c.Check(cluster.ClusterID, check.Equals, "zzzzz")
		return &testHandler{ctx: ctx, healthCheck: healthCheck}
	})
	cmd.(*command).ctx = context.WithValue(ctx, contextKey, "bar")

	done := make(chan int)
	var stdin, stdout, stderr bytes.Buffer

	go func() {
		done <- cmd.RunCommand("nwm-scheduler", []string{"-config", cf.Name()}, &stdin, &stdout, &stderr)
	}()
	select {
	case <-healthCheck:
	case <-done:
		c.Fatal("command exited without health check")
	}
	cancel()
	select {
	case code := <-done:
		c.Check(code, check.Equals, 0)
	case <-time.After(10 * time.Second):
		c.Fatal("command did not exit after context was cancelled")
	}
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Matches, `(?ms).*"msg":"CheckHealth called".*`)
}

func (*Suite) TestServeAndHealth(c *check.C) {
	addr := freePort(c)
	stdin := bytes.NewBufferString(fmt.Sprintf(`
Clusters:
 zzzzz:
  ManagementToken: abcde
  Services: {Scheduler: {Listen: %q}}
`, addr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := Command(func(ctx context.Context, _ *nwm.Cluster, token string, reg *prometheus.Registry) Handler {
		return &testHandler{ctx: ctx, handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		})}
	})
	cmd.(*command).ctx = ctx

	exited := make(chan bool)
	var stdout, stderr bytes.Buffer
	go func() {
		cmd.RunCommand("nwm-scheduler", []string{"-config", "-"}, stdin, &stdout, &stderr)
		close(exited)
	}()

	var resp *http.Response
	var err error
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(10 * time.Millisecond) {
		resp, err = http.Get("http://" + addr + "/foo")
		if err == nil {
			break
		}
	}
	c.Assert(err, check.IsNil)
	body, _ := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusOK)
	c.Check(string(body), check.Equals, "ok")
	c.Check(resp.Header.Get("X-Request-Id"), check.Matches, `req-.*`)

	req, _ := http.NewRequest("GET", "http://"+addr+"/_health/ping", nil)
	req.Header.Set("Authorization", "Bearer abcde")
	resp, err = http.DefaultClient.Do(req)
	c.Assert(err, check.IsNil)
	body, _ = ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusOK)
	c.Check(string(body), check.Matches, `(?ms).*"health":"OK".*`)

	cancel()
	select {
	case <-exited:
	case <-time.After(10 * time.Second):
		c.Error("timed out waiting for command to exit")
	}
}

func (*Suite) TestUnhealthyAtStartup(c *check.C) {
	stdin := bytes.NewBufferString(fmt.Sprintf("Clusters: {zzzzz: {Services: {Scheduler: {Listen: %q}}}}", freePort(c)))
	cmd := Command(func(ctx context.Context, cluster *nwm.Cluster, token string, reg *prometheus.Registry) Handler {
		return ErrorHandler(ctx, cluster, errors.New("docker daemon unreachable"))
	})
	var stdout, stderr bytes.Buffer
	code := cmd.RunCommand("nwm-scheduler", []string{"-config", "-"}, stdin, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*docker daemon unreachable.*`)
}

func (*Suite) TestBadConfig(c *check.C) {
	var stdout, stderr bytes.Buffer
	cmd := Command(func(context.Context, *nwm.Cluster, string, *prometheus.Registry) Handler {
		c.Error("newHandler should not be called")
		return nil
	})
	code := cmd.RunCommand("nwm-scheduler", []string{"-config", "-"}, bytes.NewBufferString("Clusters: {}"), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*config does not define any clusters.*`)
}

func (*Suite) TestVersionFlag(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := Command(nil).RunCommand("nwm-scheduler", []string{"-version"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `nwm-scheduler .*\n`)
}

func (*Suite) TestErrorHandler(c *check.C) {
	ctx := ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	eh := ErrorHandler(ctx, nil, errors.New("boom"))
	c.Check(eh.CheckHealth(), check.ErrorMatches, "boom")
	select {
	case <-eh.Done():
	default:
		c.Error("Done channel is not closed")
	}
	resp := httptest.NewRecorder()
	eh.ServeHTTP(resp, httptest.NewRequest("GET", "/", nil))
	c.Check(resp.Code, check.Equals, http.StatusInternalServerError)
	c.Check(resp.Body.String(), check.Matches, `.*service is unhealthy.*`)

	// Each refused request is logged with that request's logger.
	var logbuf bytes.Buffer
	reqLog := logrus.New()
	reqLog.Out = &logbuf
	req := httptest.NewRequest("GET", "/nwm/v1/jobs", nil)
	req = req.WithContext(ctxlog.Context(req.Context(), reqLog.WithField("RequestID", "req-1234")))
	eh.ServeHTTP(httptest.NewRecorder(), req)
	c.Check(logbuf.String(), check.Matches, `(?ms).*RequestID=req-1234.*`)
	c.Check(logbuf.String(), check.Matches, `(?ms).*error=boom.*`)
}

type testHandler struct {
	ctx         context.Context
	handler     http.Handler
	healthCheck chan bool
}

func (th *testHandler) Done() <-chan struct{}                            { return nil }
func (th *testHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) { th.handler.ServeHTTP(w, r) }
func (th *testHandler) CheckHealth() error {
	ctxlog.FromContext(th.ctx).Info("CheckHealth called")
	select {
	case th.healthCheck <- true:
	default:
	}
	return nil
}
