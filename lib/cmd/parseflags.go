// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"flag"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// ParseFlags parses args into f, reporting problems on stderr. When
// ok is false the caller should return exitCode: 0 after -help, 2
// after a usage error.
//
// positional describes the accepted positional arguments for the
// usage line; if it is empty, positional arguments are an error.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		printUsage(f, prog, positional, stderr)
		return false, 0
	}
	if err == nil && positional == "" && f.NArg() > 0 {
		err = fmt.Errorf("unexpected arguments %q", f.Args())
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: %s (try -help)\n", prog, err)
		return false, 2
	}
	return true, 0
}

func printUsage(f FlagSet, prog, positional string, stderr io.Writer) {
	f.SetOutput(stderr)
	if fs, ok := f.(*flag.FlagSet); ok && fs.Usage != nil {
		fs.Usage()
		return
	}
	fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, positional)
	f.PrintDefaults()
}
