// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package catalog validates (image, domain) pairs against the
// configured image/domain catalog and resolves the domain's data and
// run directories.
package catalog

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
)

var (
	ErrDomainNotFound      = errors.New("domain not found in catalog")
	ErrRunDirNotConfigured = errors.New("no run directory configured for domain")
	ErrImageNotFound       = errors.New("image not found in catalog")
)

// Resolution is the result of a successful Resolve call.
type Resolution struct {
	Image   string `json:"image"`
	DataDir string `json:"data_dir"`
	RunDir  string `json:"run_dir"`
}

// document is the on-disk form of the catalog. The domain lists are
// lists of single-entry maps, e.g.
//
//	nwm_domain_list:
//	  - domain_croton_NY: /opt/nwm_c/domains/croton
//	run_domain_list:
//	  - domain_croton_NY: /nwm/domains/croton
//	nwm_image_tag:
//	  - nwm-2.0:latest
type document struct {
	DomainList    []map[string]string `json:"nwm_domain_list"`
	RunDomainList []map[string]string `json:"run_domain_list"`
	ImageTags     []string            `json:"nwm_image_tag"`
}

// Catalog is an immutable image/domain catalog. It is safe for
// concurrent use.
type Catalog struct {
	dataDirs map[string]string
	runDirs  map[string]string
	images   map[string]bool
}

// New returns a catalog built from the given mappings.
func New(dataDirs, runDirs map[string]string, images []string) *Catalog {
	cat := &Catalog{
		dataDirs: map[string]string{},
		runDirs:  map[string]string{},
		images:   map[string]bool{},
	}
	for k, v := range dataDirs {
		cat.dataDirs[k] = v
	}
	for k, v := range runDirs {
		cat.runDirs[k] = v
	}
	for _, img := range images {
		cat.images[img] = true
	}
	return cat
}

// Load reads a catalog document.
func Load(rdr io.Reader) (*Catalog, error) {
	buf, err := ioutil.ReadAll(rdr)
	if err != nil {
		return nil, err
	}
	var doc document
	err = yaml.Unmarshal(buf, &doc)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing catalog")
	}
	if doc.DomainList == nil && doc.RunDomainList == nil && doc.ImageTags == nil {
		return nil, errors.New("catalog has none of nwm_domain_list, run_domain_list, nwm_image_tag")
	}
	dataDirs, err := flatten("nwm_domain_list", doc.DomainList)
	if err != nil {
		return nil, err
	}
	runDirs, err := flatten("run_domain_list", doc.RunDomainList)
	if err != nil {
		return nil, err
	}
	return New(dataDirs, runDirs, doc.ImageTags), nil
}

// LoadFile reads a catalog document from the named file.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cat, err := Load(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return cat, nil
}

func flatten(key string, list []map[string]string) (map[string]string, error) {
	m := map[string]string{}
	for _, item := range list {
		for domain, dir := range item {
			if prev, dup := m[domain]; dup && prev != dir {
				return nil, fmt.Errorf("%s: domain %q listed twice with different directories (%q, %q)", key, domain, prev, dir)
			}
			m[domain] = dir
		}
	}
	return m, nil
}

// Resolve checks that domain and image are listed in the catalog,
// and returns the domain's data directory (on the host) and run
// directory (in the container).
func (cat *Catalog) Resolve(image, domain string) (Resolution, error) {
	dataDir, ok := cat.dataDirs[domain]
	if !ok {
		return Resolution{}, errors.Wrapf(ErrDomainNotFound, "%q", domain)
	}
	runDir, ok := cat.runDirs[domain]
	if !ok {
		return Resolution{}, errors.Wrapf(ErrRunDirNotConfigured, "%q", domain)
	}
	if !cat.images[image] {
		return Resolution{}, errors.Wrapf(ErrImageNotFound, "%q", image)
	}
	return Resolution{Image: image, DataDir: dataDir, RunDir: runDir}, nil
}
