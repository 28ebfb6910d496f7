// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// ShutdownTimeout is how long Close waits for in-flight requests
// before dropping their connections.
var ShutdownTimeout = 10 * time.Second

type Server struct {
	http.Server
	Addr string // host:port where the server is listening.

	mtx      sync.Mutex
	err      error
	done     chan struct{}
	listener net.Listener
	wantDown bool
}

// Start is (*http.Server)ListenAndServe() except that it returns as
// soon as the listening socket is open. By then Addr holds the
// address:port actually bound, which makes ":0" useful in tests.
// Close shuts the server down without exiting the process.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.listener = ln
	srv.Addr = ln.Addr().String()
	srv.done = make(chan struct{})
	go func() {
		defer close(srv.done)
		err := srv.Serve(ln)
		srv.mtx.Lock()
		defer srv.mtx.Unlock()
		if !srv.wantDown && err != http.ErrServerClosed {
			srv.err = err
		}
	}()
	return nil
}

// Close stops accepting connections, waits up to ShutdownTimeout
// for active requests to finish, and returns when the server has
// stopped.
func (srv *Server) Close() error {
	srv.mtx.Lock()
	srv.wantDown = true
	srv.mtx.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		srv.Server.Close()
	}
	return srv.Wait()
}

// Wait returns when the server has shut down.
func (srv *Server) Wait() error {
	if srv.done == nil {
		return nil
	}
	<-srv.done
	srv.mtx.Lock()
	defer srv.mtx.Unlock()
	return srv.err
}
