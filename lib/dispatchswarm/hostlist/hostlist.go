// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package hostlist renders the host list passed to a job's MPI
// runner, and the hostfile kept by the elected scheduler instance.
package hostlist

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nwm-maas/swarmsched/sdk/go/nwm"
	"github.com/pkg/errors"
)

var ErrMalformed = errors.New("malformed host list")

// A HostEntry is one "name:cpus" element of a host list or
// hostfile.
type HostEntry struct {
	Name string
	CPUs int
}

func (he HostEntry) String() string {
	return fmt.Sprintf("%s:%d", he.Name, he.CPUs)
}

// ServiceName returns the name of service idx of the given job.
func ServiceName(base string, idx int, jobID int64) string {
	return fmt.Sprintf("%s%d_%d", base, idx, jobID)
}

// BuildHostList returns the runner's argument vector: the number of
// allocations, one "name:cpus" entry per allocation (in the given
// order, which determines MPI rank placement), and the run
// directory.
func BuildHostList(base string, allocs []nwm.CPUAllocation, jobID int64, runDir string) []string {
	hl := make([]string, 0, len(allocs)+2)
	hl = append(hl, strconv.Itoa(len(allocs)))
	for i, a := range allocs {
		hl = append(hl, HostEntry{Name: ServiceName(base, i, jobID), CPUs: a.CPUs}.String())
	}
	return append(hl, runDir)
}

// ParseHostList is the inverse of BuildHostList.
func ParseHostList(hl []string) ([]HostEntry, string, error) {
	if len(hl) < 2 {
		return nil, "", errors.Wrapf(ErrMalformed, "%d elements", len(hl))
	}
	n, err := strconv.Atoi(hl[0])
	if err != nil || n < 0 {
		return nil, "", errors.Wrapf(ErrMalformed, "bad count %q", hl[0])
	}
	if len(hl) != n+2 {
		return nil, "", errors.Wrapf(ErrMalformed, "count %d does not match %d entries", n, len(hl)-2)
	}
	ents := make([]HostEntry, 0, n)
	for _, s := range hl[1 : n+1] {
		ent, err := parseEntry(s)
		if err != nil {
			return nil, "", err
		}
		ents = append(ents, ent)
	}
	return ents, hl[n+1], nil
}

// RenderHostfile returns hostfile content: one "name:cpus" line per
// allocation, naming the same services as BuildHostList.
func RenderHostfile(base string, allocs []nwm.CPUAllocation, jobID int64) string {
	var sb strings.Builder
	for i, a := range allocs {
		sb.WriteString(HostEntry{Name: ServiceName(base, i, jobID), CPUs: a.CPUs}.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ParseHostfile is the inverse of RenderHostfile. Blank lines are
// ignored.
func ParseHostfile(content string) ([]HostEntry, error) {
	var ents []HostEntry
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ent, err := parseEntry(line)
		if err != nil {
			return nil, err
		}
		ents = append(ents, ent)
	}
	return ents, nil
}

func parseEntry(s string) (HostEntry, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 1 {
		return HostEntry{}, errors.Wrapf(ErrMalformed, "entry %q", s)
	}
	cpus, err := strconv.Atoi(s[i+1:])
	if err != nil || cpus < 0 {
		return HostEntry{}, errors.Wrapf(ErrMalformed, "entry %q", s)
	}
	return HostEntry{Name: s[:i], CPUs: cpus}, nil
}
