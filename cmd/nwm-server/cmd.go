// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/nwm-maas/swarmsched/lib/catalog"
	"github.com/nwm-maas/swarmsched/lib/cmd"
	"github.com/nwm-maas/swarmsched/lib/config"
	"github.com/nwm-maas/swarmsched/lib/dispatchswarm"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"scheduler":       dispatchswarm.Command,
		"check-catalog":   catalog.CheckCommand,
		"config-check":    config.CheckCommand,
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
