// Package config reads job files.
//
// A job file lists the parameters of every job. Keys under defaults apply to every job
// unless the job sets them itself:
//
//	threads: 4
//	output: runs/dqmc.db
//	defaults:
//	  lx: 4
//	  ly: 4
//	  beta: 5
//	jobs:
//	  - {u: 2}
//	  - {u: 4, mu: 0.5}
package config

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/fumin/dqmc"
)

// File is a job file.
type File struct {
	Threads         int    `yaml:"threads"`
	Output          string `yaml:"output"`
	CheckpointEvery int    `yaml:"checkpoint_every"`
	MetricsAddr     string `yaml:"metrics_addr"`

	Defaults yaml.Node   `yaml:"defaults"`
	Jobs     []yaml.Node `yaml:"jobs"`
}

// Config is a parsed job file.
type Config struct {
	Threads         int
	Output          string
	CheckpointEvery int
	MetricsAddr     string
	Jobs            []dqmc.Params
}

// Load reads the job file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "")
	}
	c, err := Parse(b)
	if err != nil {
		return Config{}, errors.Wrap(err, path)
	}
	return c, nil
}

// Parse parses a job file, applying the defaults to every job and validating it.
func Parse(b []byte) (Config, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return Config{}, errors.Wrap(err, "")
	}

	c := Config{Threads: f.Threads, Output: f.Output, CheckpointEvery: f.CheckpointEvery, MetricsAddr: f.MetricsAddr}
	for i, node := range f.Jobs {
		p := dqmc.DefaultParams()
		if !f.Defaults.IsZero() {
			if err := decodeStrict(&f.Defaults, &p); err != nil {
				return Config{}, errors.Wrap(err, "defaults")
			}
		}
		if err := decodeStrict(&node, &p); err != nil {
			return Config{}, errors.Wrapf(err, "job %d", i)
		}
		p = p.Normalize()
		if err := p.Validate(); err != nil {
			return Config{}, errors.Wrapf(err, "job %d", i)
		}
		c.Jobs = append(c.Jobs, p)
	}
	return c, nil
}

// decodeStrict decodes n into v, rejecting keys that v does not have.
func decodeStrict(n *yaml.Node, v any) error {
	b, err := yaml.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "")
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}
