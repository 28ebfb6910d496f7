// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves token-protected health checks as JSON.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes maps check names to health-check funcs.
type Routes map[string]Func

// AllChecks is the check name that runs every route and reports
// each result.
const AllChecks = "all"

// Result is the JSON body returned for a single check.
type Result struct {
	Health  string  `json:"health"`
	Error   string  `json:"error,omitempty"`
	Elapsed float64 `json:"elapsed"`
}

// Report is the JSON body returned for AllChecks.
type Report struct {
	Health string            `json:"health"`
	Checks map[string]Result `json:"checks"`
	Errors []string          `json:"errors,omitempty"`
}

// Handler responds to authenticated requests for "{Prefix}{name}"
// by running Routes[name]. A "ping" route that always succeeds is
// provided if Routes has none.
type Handler struct {
	// Authentication token. If empty, all requests return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	Routes Routes

	// Checks still running after Timeout are reported as
	// failed. Zero means no limit.
	Timeout time.Duration

	// If non-nil, Log is called after each check.
	Log func(r *http.Request, name string, err error)
}

var errTimeout = errors.New("health check timed out")

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	RequireToken(h.Token, http.HandlerFunc(h.serve)).ServeHTTP(w, r)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, strings.TrimSuffix(h.Prefix, "/")+"/")
	routes := h.routes()
	if name == AllChecks {
		if _, ok := routes[AllChecks]; !ok {
			writeJSON(w, h.runAll(r, routes))
			return
		}
	}
	fn, ok := routes[name]
	if !ok {
		http.Error(w, "no such health check", http.StatusNotFound)
		return
	}
	writeJSON(w, h.run(r, name, fn))
}

func (h *Handler) routes() Routes {
	routes := Routes{}
	for name, fn := range h.Routes {
		routes[name] = fn
	}
	if _, ok := routes["ping"]; !ok {
		routes["ping"] = func() error { return nil }
	}
	return routes
}

func (h *Handler) run(r *http.Request, name string, fn Func) Result {
	t0 := time.Now()
	err := h.call(fn)
	if h.Log != nil {
		h.Log(r, name, err)
	}
	res := Result{Health: "OK", Elapsed: time.Since(t0).Seconds()}
	if err != nil {
		res.Health = "ERROR"
		res.Error = err.Error()
	}
	return res
}

func (h *Handler) call(fn Func) error {
	if h.Timeout <= 0 {
		return fn()
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(h.Timeout):
		return errTimeout
	}
}

func (h *Handler) runAll(r *http.Request, routes Routes) Report {
	report := Report{Health: "OK", Checks: map[string]Result{}}
	var mtx sync.Mutex
	var wg sync.WaitGroup
	for name, fn := range routes {
		name, fn := name, fn
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.run(r, name, fn)
			mtx.Lock()
			defer mtx.Unlock()
			report.Checks[name] = res
		}()
	}
	wg.Wait()
	for name, res := range report.Checks {
		if res.Health != "OK" {
			report.Health = "ERROR"
			report.Errors = append(report.Errors, name+": "+res.Error)
		}
	}
	sort.Strings(report.Errors)
	return report
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// RequireToken returns a handler that passes requests to next only
// if they carry "Authorization: Bearer {token}". If token is empty,
// every request is refused with 404.
func RequireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch ah := r.Header.Get("Authorization"); {
		case token == "":
			http.Error(w, "disabled", http.StatusNotFound)
		case ah == "":
			http.Error(w, "authorization required", http.StatusUnauthorized)
		case ah != "Bearer "+token:
			http.Error(w, "authorization error", http.StatusForbidden)
		default:
			next.ServeHTTP(w, r)
		}
	})
}
