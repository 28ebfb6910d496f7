// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package catalog

import (
	"bytes"
	"errors"
	"io/ioutil"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nwm-maas/swarmsched/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&CatalogSuite{})

type CatalogSuite struct{}

const testCatalogYAML = `
nwm_domain_list:
  - domain_croton_NY: /opt/nwm_c/domains/croton
  - domain_SixMileCreek: /opt/nwm_c/domains/sixmile
  - domain_orphan: /opt/nwm_c/domains/orphan
run_domain_list:
  - domain_croton_NY: /nwm/domains/croton
  - domain_SixMileCreek: /nwm/domains/sixmile
nwm_image_tag:
  - nwm-2.0:latest
  - 127.0.0.1:5000/nwm-2.0:latest
`

func (s *CatalogSuite) TestResolve(c *check.C) {
	cat, err := Load(strings.NewReader(testCatalogYAML))
	c.Assert(err, check.IsNil)

	res, err := cat.Resolve("nwm-2.0:latest", "domain_croton_NY")
	c.Check(err, check.IsNil)
	c.Check(res, check.Equals, Resolution{
		Image:   "nwm-2.0:latest",
		DataDir: "/opt/nwm_c/domains/croton",
		RunDir:  "/nwm/domains/croton",
	})

	again, err := cat.Resolve("nwm-2.0:latest", "domain_croton_NY")
	c.Check(err, check.IsNil)
	c.Check(again, check.Equals, res)
}

func (s *CatalogSuite) TestResolveErrors(c *check.C) {
	cat, err := Load(strings.NewReader(testCatalogYAML))
	c.Assert(err, check.IsNil)

	for _, trial := range []struct {
		image  string
		domain string
		expect error
	}{
		{"nwm-2.0:latest", "domain_nowhere", ErrDomainNotFound},
		{"nwm-2.0:latest", "domain_orphan", ErrRunDirNotConfigured},
		{"nwm-3.0:latest", "domain_croton_NY", ErrImageNotFound},
		// domain errors take precedence over image errors
		{"nwm-3.0:latest", "domain_nowhere", ErrDomainNotFound},
		{"nwm-3.0:latest", "domain_orphan", ErrRunDirNotConfigured},
	} {
		res, err := cat.Resolve(trial.image, trial.domain)
		c.Check(errors.Is(err, trial.expect), check.Equals, true, check.Commentf("%+v: got %v", trial, err))
		c.Check(res, check.Equals, Resolution{})
	}
}

func (s *CatalogSuite) TestLoadErrors(c *check.C) {
	for _, doc := range []string{
		"",
		"foo: bar",
		"nwm_domain_list: [}",
		"nwm_domain_list:\n  - d: /a\n  - d: /b\n",
	} {
		_, err := Load(strings.NewReader(doc))
		c.Check(err, check.NotNil, check.Commentf("%q", doc))
	}
}

func (s *CatalogSuite) TestConcurrentResolve(c *check.C) {
	cat, err := Load(strings.NewReader(testCatalogYAML))
	c.Assert(err, check.IsNil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, err := cat.Resolve("nwm-2.0:latest", "domain_SixMileCreek")
				c.Check(err, check.IsNil)
			}
		}()
	}
	wg.Wait()
}

func (s *CatalogSuite) writeCatalog(c *check.C, path, doc string) {
	c.Assert(ioutil.WriteFile(path, []byte(doc), 0644), check.IsNil)
}

func (s *CatalogSuite) TestWatcherReload(c *check.C) {
	path := filepath.Join(c.MkDir(), "image_and_domain.yaml")
	s.writeCatalog(c, path, testCatalogYAML)
	w, err := NewWatcher(ctxlog.TestLogger(c), path, 16)
	c.Assert(err, check.IsNil)

	_, err = w.Resolve("nwm-2.0:latest", "domain_croton_NY")
	c.Check(err, check.IsNil)
	_, err = w.Resolve("nwm-2.1:latest", "domain_croton_NY")
	c.Check(errors.Is(err, ErrImageNotFound), check.Equals, true)

	s.writeCatalog(c, path, strings.Replace(testCatalogYAML, "nwm-2.0:latest\n", "nwm-2.1:latest\n", 1))
	c.Assert(w.Reload(), check.IsNil)
	res, err := w.Resolve("nwm-2.1:latest", "domain_croton_NY")
	c.Check(err, check.IsNil)
	c.Check(res.Image, check.Equals, "nwm-2.1:latest")
	// cached resolution of the old image must not survive reload
	_, err = w.Resolve("nwm-2.0:latest", "domain_croton_NY")
	c.Check(errors.Is(err, ErrImageNotFound), check.Equals, true)

	// an unparseable file leaves the previous catalog in place
	s.writeCatalog(c, path, "nwm_domain_list: [}")
	c.Check(w.Reload(), check.NotNil)
	_, err = w.Resolve("nwm-2.1:latest", "domain_croton_NY")
	c.Check(err, check.IsNil)
}

func (s *CatalogSuite) TestWatcherNotify(c *check.C) {
	path := filepath.Join(c.MkDir(), "image_and_domain.yaml")
	s.writeCatalog(c, path, testCatalogYAML)
	w, err := NewWatcher(ctxlog.TestLogger(c), path, 0)
	c.Assert(err, check.IsNil)
	c.Assert(w.Start(), check.IsNil)
	defer w.Stop()

	s.writeCatalog(c, path, testCatalogYAML+"  - nwm-2.2:latest\n")
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err = w.Resolve("nwm-2.2:latest", "domain_croton_NY")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Check(err, check.IsNil)
}

func (s *CatalogSuite) TestCheckCommand(c *check.C) {
	path := filepath.Join(c.MkDir(), "image_and_domain.yaml")
	s.writeCatalog(c, path, testCatalogYAML)

	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("check-catalog", []string{"-catalog", path, "-image", "nwm-2.0:latest", "-domain", "domain_croton_NY"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?s).*"run_dir": "/nwm/domains/croton".*`)

	stdout.Reset()
	code = CheckCommand.RunCommand("check-catalog", []string{"-catalog", path}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `.*3 domains, 2 run directories, 2 images\n`)

	stderr.Reset()
	code = CheckCommand.RunCommand("check-catalog", []string{"-catalog", path, "-image", "x", "-domain", "domain_croton_NY"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?s).*image not found.*`)
}
