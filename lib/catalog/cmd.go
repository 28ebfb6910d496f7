// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package catalog

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/nwm-maas/swarmsched/lib/cmd"
)

// CheckCommand loads a catalog file and resolves an (image, domain)
// pair, printing the resolution as JSON.
var CheckCommand cmd.Handler = checkCommand{}

type checkCommand struct{}

func (checkCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	path := flags.String("catalog", "/etc/nwm/image_and_domain.yaml", "catalog `file`")
	image := flags.String("image", "", "image `name` to resolve")
	domain := flags.String("domain", "", "domain `name` to resolve")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cat, err := LoadFile(*path)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *image == "" && *domain == "" {
		fmt.Fprintf(stdout, "%s: %d domains, %d run directories, %d images\n", *path, len(cat.dataDirs), len(cat.runDirs), len(cat.images))
		return 0
	}
	res, err := cat.Resolve(*image, *domain)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	enc.Encode(res)
	return 0
}
