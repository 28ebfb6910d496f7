// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hostlist

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/nwm-maas/swarmsched/sdk/go/nwm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrHostfileIdentityMismatch = errors.New("this process is not the elected scheduler instance")

// A ServiceLister returns the names of the services currently known
// to the orchestrator. The orchestrator may narrow the list to names
// starting with namePrefix.
type ServiceLister interface {
	ServiceNames(ctx context.Context, namePrefix string) ([]string, error)
}

// ServiceListerFunc adapts a function to the ServiceLister
// interface.
type ServiceListerFunc func(ctx context.Context, namePrefix string) ([]string, error)

func (f ServiceListerFunc) ServiceNames(ctx context.Context, namePrefix string) ([]string, error) {
	return f(ctx, namePrefix)
}

// Identity records whether this process is the elected scheduler
// instance.
type Identity struct {
	Elected bool
	Self    string
	// Scheduler services found at election time.
	Matches []string
}

// Elect decides whether self is the elected scheduler instance: it
// is elected iff exactly one service name contains pattern, and that
// name is self. The lister is asked for names starting with pattern.
func Elect(ctx context.Context, lister ServiceLister, pattern, self string) (Identity, error) {
	id := Identity{Self: self}
	if pattern == "" || self == "" {
		return id, nil
	}
	names, err := lister.ServiceNames(ctx, pattern)
	if err != nil {
		return id, errors.Wrap(err, "listing services")
	}
	for _, name := range names {
		if strings.Contains(name, pattern) {
			id.Matches = append(id.Matches, name)
		}
	}
	id.Elected = len(id.Matches) == 1 && id.Matches[0] == self
	return id, nil
}

// HostfileWriter writes the hostfile, if this process is the elected
// scheduler instance.
type HostfileWriter struct {
	Identity Identity
	Path     string
	BaseName string
	Logger   logrus.FieldLogger
}

// Write replaces the hostfile with the given job's allocations. The file
// is written to a temporary file in the same directory and renamed
// into place, so readers never see a partial hostfile.
//
// If this process is not the elected scheduler, Write returns
// ErrHostfileIdentityMismatch without touching the file.
func (hw *HostfileWriter) Write(allocs []nwm.CPUAllocation, jobID int64) error {
	if !hw.Identity.Elected {
		return errors.Wrapf(ErrHostfileIdentityMismatch, "self %q, scheduler services %q", hw.Identity.Self, hw.Identity.Matches)
	}
	dir, base := filepath.Split(hw.Path)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, "."+base+".tmp")
	if err != nil {
		return errors.Wrap(err, "creating hostfile")
	}
	defer os.Remove(f.Name())
	_, err = f.WriteString(RenderHostfile(hw.BaseName, allocs, jobID))
	if err == nil {
		err = f.Chmod(0644)
	}
	if err == nil {
		err = f.Close()
	} else {
		f.Close()
	}
	if err != nil {
		return errors.Wrap(err, "writing hostfile")
	}
	err = os.Rename(f.Name(), hw.Path)
	if err != nil {
		return errors.Wrap(err, "installing hostfile")
	}
	if hw.Logger != nil {
		hw.Logger.WithFields(logrus.Fields{
			"Path":  hw.Path,
			"JobID": jobID,
			"Hosts": len(allocs),
		}).Debug("wrote hostfile")
	}
	return nil
}
