// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package launcher

import (
	"context"
	"sort"
	"time"

	"github.com/nwm-maas/swarmsched/lib/swarm"
	"github.com/pkg/errors"
)

var ErrLaunchIntegrity = errors.New("created service does not match request")

// verify checks that the orchestrator's record of a newly created
// service matches what was requested.
func (l *Launcher) verify(ctx context.Context, id string, spec swarm.ServiceSpec, notBefore time.Time) error {
	var st swarm.ServiceStatus
	err := l.call(ctx, "Inspect", true, func(ctx context.Context) error {
		var err error
		st, err = l.orch.InspectService(ctx, id)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "inspecting created service")
	}
	return checkStatus(st, spec, notBefore)
}

// checkStatus returns an error wrapping ErrLaunchIntegrity unless
// st has the requested name, every requested label (with the
// requested value), exactly the requested placement constraints,
// and a creation time no earlier than notBefore.
func checkStatus(st swarm.ServiceStatus, spec swarm.ServiceSpec, notBefore time.Time) error {
	if st.Name != spec.Name {
		return errors.Wrapf(ErrLaunchIntegrity, "name is %q", st.Name)
	}
	for k, v := range spec.Labels {
		if got, ok := st.Labels[k]; !ok {
			return errors.Wrapf(ErrLaunchIntegrity, "label %q is missing", k)
		} else if got != v {
			return errors.Wrapf(ErrLaunchIntegrity, "label %q is %q, expected %q", k, got, v)
		}
	}
	if !sameSet(st.Constraints, spec.Constraints) {
		return errors.Wrapf(ErrLaunchIntegrity, "constraints are %q, expected %q", st.Constraints, spec.Constraints)
	}
	if st.CreatedAt.IsZero() {
		return errors.Wrap(ErrLaunchIntegrity, "creation time is missing")
	}
	if st.CreatedAt.Before(notBefore) {
		return errors.Wrapf(ErrLaunchIntegrity, "created at %s, before launch started at %s", st.CreatedAt, notBefore)
	}
	return nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a = append([]string(nil), a...)
	b = append([]string(nil), b...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
