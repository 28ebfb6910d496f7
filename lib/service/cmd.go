// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	"github.com/nwm-maas/swarmsched/lib/cmd"
	"github.com/nwm-maas/swarmsched/lib/config"
	"github.com/nwm-maas/swarmsched/sdk/go/ctxlog"
	"github.com/nwm-maas/swarmsched/sdk/go/health"
	"github.com/nwm-maas/swarmsched/sdk/go/httpserver"
	"github.com/nwm-maas/swarmsched/sdk/go/nwm"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Handler is the service-specific part of a running service.
type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

type NewHandlerFunc func(_ context.Context, _ *nwm.Cluster, token string, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	ctx        context.Context // tests cancel this to stop the service
}

// Command returns a cmd.Handler that loads the site config, builds a
// Handler for the selected cluster, and serves it over HTTP behind
// the usual middleware (request IDs, request logging, metrics, and
// /_health/ping).
func Command(newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	// Bootstrap logger, replaced once the cluster's logging
	// config is known.
	bootLog := ctxlog.New(stderr, "json", "info")

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	loader := config.NewLoader(stdin, bootLog)
	loader.SetupFlags(flags)
	clusterID := flags.String("cluster", "", "Cluster `ID` to run (default: the only configured cluster)")
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			bootLog.WithError(http.ListenAndServe(*pprofAddr, nil)).Warn("pprof server stopped")
		}()
	}

	cluster, err := loadCluster(loader, *clusterID)
	if err != nil {
		bootLog.WithError(err).Error("exiting")
		return 1
	}
	logger := ctxlog.New(stderr, cluster.SystemLogs.Format, cluster.SystemLogs.LogLevel).WithFields(logrus.Fields{
		"PID":       os.Getpid(),
		"ClusterID": cluster.ClusterID,
	})
	ctx, cancel := signal.NotifyContext(c.ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	ctx = ctxlog.Context(ctx, logger)

	if err = c.serve(ctx, cluster, loader); err != nil {
		logger.WithError(err).Error("exiting")
		return 1
	}
	return 0
}

func loadCluster(loader *config.Loader, clusterID string) (*nwm.Cluster, error) {
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	return cfg.GetCluster(clusterID)
}

// serve runs the service until ctx is cancelled or the handler shuts
// itself down.
func (c *command) serve(ctx context.Context, cluster *nwm.Cluster, loader *config.Loader) error {
	logger := ctxlog.FromContext(ctx)
	listen, err := getListenAddr(cluster)
	if err != nil {
		return err
	}

	reg := newRegistry(loader)
	handler := c.newHandler(ctx, cluster, cluster.ManagementToken, reg)
	if err = handler.CheckHealth(); err != nil {
		return errors.Wrap(err, "startup health check")
	}

	srv := &httpserver.Server{
		Server: http.Server{
			Handler: httpserver.AddRequestIDs(
				httpserver.LogRequests(logger,
					httpserver.Instrument(reg,
						interceptHealthReqs(cluster.ManagementToken, handler.CheckHealth, handler)))),
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		Addr: listen,
	}
	if err = srv.Start(); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"Listen":  srv.Addr,
		"Version": cmd.Version.String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Error("error notifying init daemon")
	}
	go func() {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
		case <-handler.Done():
			logger.Warn("handler stopped, shutting down")
		}
		srv.Close()
	}()
	return srv.Wait()
}

// newRegistry returns a registry carrying the config and version
// metrics shared by every service.
func newRegistry(loader *config.Loader) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	loader.RegisterMetrics(reg)

	// nwm_version_running{version="1.2.3 (go1.21.10)"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nwm",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)
	return reg
}

// interceptHealthReqs answers /_health/ping with checkHealth and
// passes everything else to next.
func interceptHealthReqs(mgtToken string, checkHealth func() error, next http.Handler) http.Handler {
	mux := httprouter.New()
	mux.Handler("GET", "/_health/ping", &health.Handler{
		Token:  mgtToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": checkHealth},
	})
	mux.NotFound = next
	mux.HandleMethodNotAllowed = false
	mux.RedirectTrailingSlash = false
	mux.RedirectFixedPath = false
	return mux
}

func getListenAddr(cluster *nwm.Cluster) (string, error) {
	if want := os.Getenv("NWM_SERVICE_LISTEN"); want != "" {
		return want, nil
	}
	if cluster.Services.Scheduler.Listen == "" {
		return "", fmt.Errorf("configuration does not enable the scheduler service (Services.Scheduler.Listen is empty)")
	}
	return cluster.Services.Scheduler.Listen, nil
}
