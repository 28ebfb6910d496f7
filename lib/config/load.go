// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/ghodss/yaml"
	"github.com/google/shlex"
	"github.com/nwm-maas/swarmsched/sdk/go/nwm"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Ignore NWM_SERVICE_NAME and REDIS_* environment variables.
	SkipEnv bool

	// Site config file, or "-" for stdin.
	Path string

	configdata      []byte
	sourceTimestamp time.Time
	loadTimestamp   time.Time
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and all config paths set to their default values.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: logger}
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path field.
//
//	ldr := NewLoader(os.Stdin, logrus.New())
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/nwm/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	def := nwm.DefaultConfigFile
	if p := os.Getenv("NWM_CONFIG"); p != "" {
		def = p
	}
	flagset.StringVar(&ldr.Path, "config", def, "Site configuration `file` (default may be overridden by setting an NWM_CONFIG environment variable)")
}

func (ldr *Loader) loadBytes(path string) ([]byte, time.Time, error) {
	if path == "-" {
		buf, err := ioutil.ReadAll(ldr.Stdin)
		return buf, time.Now(), err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, time.Time{}, err
	}
	buf, err := ioutil.ReadAll(f)
	return buf, fi.ModTime(), err
}

// Load reads the site config file and returns the resulting
// configuration, with defaults filled in for every cluster it
// defines.
func (ldr *Loader) Load() (*nwm.Config, error) {
	if ldr.configdata == nil {
		buf, t, err := ldr.loadBytes(ldr.Path)
		if err != nil {
			return nil, err
		}
		ldr.configdata = buf
		ldr.sourceTimestamp = t
	}

	// Load the config into a dummy map to get the cluster ID
	// keys, discarding the values; then set up defaults for each
	// cluster ID; then load the real config on top of the
	// defaults.
	var dummy struct {
		Clusters map[string]struct{}
	}
	err := yaml.Unmarshal(ldr.configdata, &dummy)
	if err != nil {
		return nil, err
	}
	if len(dummy.Clusters) == 0 {
		return nil, errors.New("config does not define any clusters")
	}

	// Merge the site config over the defaults as generic maps, so
	// a cluster that sets only some keys still gets the defaults
	// for the rest, then decode the result.
	merged := map[string]interface{}{}
	for id := range dummy.Clusters {
		var defaults map[string]interface{}
		err = yaml.Unmarshal(bytes.Replace(DefaultYAML, []byte("xxxxx"), []byte(id), -1), &defaults)
		if err != nil {
			return nil, errors.Wrapf(err, "loading defaults for %s", id)
		}
		if err = mergo.Merge(&merged, defaults, mergo.WithOverride); err != nil {
			return nil, errors.Wrapf(err, "loading defaults for %s", id)
		}
	}
	var src map[string]interface{}
	if err = yaml.Unmarshal(ldr.configdata, &src); err != nil {
		return nil, errors.Wrap(err, "loading config data")
	}
	if err = mergo.Merge(&merged, src, mergo.WithOverride); err != nil {
		return nil, errors.Wrap(err, "merging config data over defaults")
	}
	buf, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	var cfg nwm.Config
	if err = json.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}

	ldr.logExtraKeys(src)
	removeSampleKeys(&cfg)

	for id, cc := range cfg.Clusters {
		if !ldr.SkipEnv {
			if err = applyEnv(&cc); err != nil {
				return nil, errors.Wrapf(err, "Clusters.%s", id)
			}
		}
		for nodeID, node := range cc.Nodes {
			if node.Hostname == "" {
				node.Hostname = nodeID
				cc.Nodes[nodeID] = node
			}
		}
		if err = checkCluster(id, &cc); err != nil {
			return nil, err
		}
		cfg.Clusters[id] = cc
	}
	ldr.loadTimestamp = time.Now()
	return &cfg, nil
}

func applyEnv(cc *nwm.Cluster) error {
	if name := os.Getenv("NWM_SERVICE_NAME"); name != "" {
		cc.Scheduler.SelfServiceName = name
	}
	host, port, err := net.SplitHostPort(cc.Redis.Addr)
	if err != nil {
		host, port = cc.Redis.Addr, "6379"
	}
	if h := os.Getenv("REDIS_HOST"); h != "" {
		host = h
	}
	if p := os.Getenv("REDIS_PORT"); p != "" {
		port = p
	}
	cc.Redis.Addr = net.JoinHostPort(host, port)
	if pw := os.Getenv("REDIS_PASS"); pw != "" {
		cc.Redis.Password = pw
	}
	for env, dst := range map[string]*[]string{
		"NWM_WORKER_COMMAND": &cc.Scheduler.WorkerCommand,
		"NWM_RUNNER_COMMAND": &cc.Scheduler.RunnerCommand,
	} {
		cmdline := os.Getenv(env)
		if cmdline == "" {
			continue
		}
		args, err := shlex.Split(cmdline)
		if err != nil {
			return errors.Wrapf(err, "parsing %s", env)
		}
		if len(args) == 0 {
			return fmt.Errorf("%s: empty command", env)
		}
		*dst = args
	}
	return nil
}

func checkCluster(id string, cc *nwm.Cluster) error {
	switch cc.Scheduler.DefaultStrategy {
	case nwm.StrategySingleNode, nwm.StrategyRoundRobin, nwm.StrategyFillNodes:
	default:
		return fmt.Errorf("Clusters.%s.Scheduler.DefaultStrategy: unknown strategy %q", id, cc.Scheduler.DefaultStrategy)
	}
	if cc.Scheduler.BaseName == "" {
		return fmt.Errorf("Clusters.%s.Scheduler.BaseName: must not be empty", id)
	}
	if strings.ContainsAny(cc.Scheduler.BaseName, " :/") {
		return fmt.Errorf("Clusters.%s.Scheduler.BaseName: %q is not a valid service name prefix", id, cc.Scheduler.BaseName)
	}
	if cc.Redis.MaxAttempts < 1 {
		return fmt.Errorf("Clusters.%s.Redis.MaxAttempts: must be at least 1", id)
	}
	for nodeID, node := range cc.Nodes {
		if node.CPUs < 0 {
			return fmt.Errorf("Clusters.%s.Nodes.%s.CPUs: must not be negative", id, nodeID)
		}
	}
	return nil
}

// Entries named SAMPLE in the default config describe the expected
// shape of free-form maps. They are not real entries.
func removeSampleKeys(cfg *nwm.Config) {
	for id, cc := range cfg.Clusters {
		delete(cc.Nodes, "SAMPLE")
		delete(cc.Docker.Labels, "SAMPLE")
		cfg.Clusters[id] = cc
	}
}

func (ldr *Loader) logExtraKeys(src map[string]interface{}) {
	if ldr.Logger == nil {
		return
	}
	var def map[string]interface{}
	if err := yaml.Unmarshal(DefaultYAML, &def); err != nil {
		return
	}
	defCluster := def["Clusters"].(map[string]interface{})["xxxxx"]
	for k, v := range src {
		if k != "Clusters" {
			ldr.Logger.Warnf("deprecated or unknown config entry: %s", k)
			continue
		}
		clusters, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		for id, cc := range clusters {
			if cc, ok := cc.(map[string]interface{}); ok {
				ldr.checkKeys(defCluster.(map[string]interface{}), cc, "Clusters."+id+".")
			}
		}
	}
}

func (ldr *Loader) checkKeys(expected, supplied map[string]interface{}, prefix string) {
	allowed := map[string]interface{}{}
	for k, v := range expected {
		allowed[strings.ToLower(k)] = v
	}
	for k, vsupp := range supplied {
		if k == "SAMPLE" {
			continue
		}
		vexp, ok := allowed[strings.ToLower(k)]
		if sample, hasSample := expected["SAMPLE"]; hasSample {
			vexp = sample
		} else if !ok {
			ldr.Logger.Warnf("deprecated or unknown config entry: %s%s", prefix, k)
			continue
		}
		if vsupp, ok := vsupp.(map[string]interface{}); !ok {
			continue
		} else if vexp, ok := vexp.(map[string]interface{}); !ok {
			ldr.Logger.Warnf("unexpected object in config entry: %s%s", prefix, k)
		} else {
			ldr.checkKeys(vexp, vsupp, prefix+k+".")
		}
	}
}

// RegisterMetrics exports the config file's modification time and
// the time it was loaded, labeled with the config's sha256 hash.
func (ldr *Loader) RegisterMetrics(reg *prometheus.Registry) {
	hash := fmt.Sprintf("%x", sha256.Sum256(ldr.configdata))
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nwm",
		Subsystem: "config",
		Name:      "source_timestamp_seconds",
		Help:      "Timestamp of config file when it was loaded.",
	}, []string{"sha256"})
	vec.WithLabelValues(hash).Set(float64(ldr.sourceTimestamp.UnixNano()) / 1e9)
	reg.MustRegister(vec)

	vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nwm",
		Subsystem: "config",
		Name:      "load_timestamp_seconds",
		Help:      "Time when config file was loaded.",
	}, []string{"sha256"})
	vec.WithLabelValues(hash).Set(float64(ldr.loadTimestamp.UnixNano()) / 1e9)
	reg.MustRegister(vec)
}
