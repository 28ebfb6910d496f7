// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestBadArg(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("nwm config-dump", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*-badarg.*`)
}

func (s *CommandSuite) TestEmptyInput(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("nwm config-dump", []string{"-config", "-"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `config does not define any clusters\n`)
}

func (s *CommandSuite) TestUnknownKey(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Clusters:
 z1234:
  UnknownKey: foobar
  ManagementToken: secret
`
	code := DumpCommand.RunCommand("nwm config-dump", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms)Clusters:\n  z1234:\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n *ManagementToken: secret\n.*`)
	c.Check(stdout.String(), check.Not(check.Matches), `(?ms).*UnknownKey.*`)
	c.Check(stderr.String(), check.Matches, `(?ms).*unknown config entry: Clusters.z1234.UnknownKey.*`)
}

func (s *CommandSuite) TestCheckOK(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Clusters:
 z1234:
  ManagementToken: secret
  Nodes:
   Node-0001: {CPUs: 4}
`
	code := CheckCommand.RunCommand("nwm config-check", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(stderr.String(), check.Equals, "")
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "config OK\n")
}

func (s *CommandSuite) TestCheckWarnings(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Clusters:
 z1234:
  Scheduler:
   BaseNmae: typo
`
	code := CheckCommand.RunCommand("nwm config-check", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*Clusters.z1234.Scheduler.BaseNmae.*`)
	c.Check(stderr.String(), check.Matches, `(?ms).*Clusters.z1234.Nodes: no nodes configured.*`)
	c.Check(stderr.String(), check.Matches, `(?ms).*ManagementToken: empty.*`)
}

func (s *CommandSuite) TestDumpDefaults(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpDefaultsCommand.RunCommand("nwm config-defaults", nil, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.Bytes(), check.DeepEquals, DefaultYAML)
}
