// Copyright (c) 2021-2026 The Syntra Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Configuration loading and validation.

package loom

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) std() time.Duration { return time.Duration(d) }

// Config is the proxy configuration.
type Config struct {
	Listen  string `yaml:"listen"`  // frontend address, host:port
	Backend string `yaml:"backend"` // upstream address, host:port

	BufSize      int `yaml:"bufSize"`      // bytes per pooled buffer area
	BufCount     int `yaml:"bufCount"`     // areas carved at startup
	BufReserve   int `yaml:"bufReserve"`   // safety reserve when waking buffer waiters
	RecvHeadroom int `yaml:"recvHeadroom"` // input read limit below bufSize, kept for header rewrites

	IdleTimeout Duration `yaml:"idleTimeout"` // max keep-alive idle time with no stream attached
	HTTPTimeout Duration `yaml:"httpTimeout"` // max time to receive a complete request head

	IgnoreEmpty   bool `yaml:"ignoreEmpty"`   // close never-used idle connections silently on timeout
	TolerantNames bool `yaml:"tolerantNames"` // tolerate non-token bytes in header names from legacy peers

	LogLevel string `yaml:"logLevel"` // debug, info, warn, error
}

// LoadConfig reads path, or returns a default config when path is empty.
func LoadConfig(path string) (*Config, error) {
	config := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, config); err != nil {
			return nil, err
		}
	}
	if err := config.complete(); err != nil {
		return nil, err
	}
	return config, nil
}

// complete fills defaults and rejects nonsense values.
func (c *Config) complete() error {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.BufSize == 0 {
		c.BufSize = _16K
	}
	if c.BufSize < _1K {
		return errors.New("bufSize must be at least 1K")
	}
	if c.BufCount == 0 {
		c.BufCount = 1024
	}
	if c.BufReserve == 0 {
		c.BufReserve = 2 // a paired request+response buffer must not deadlock
	}
	if c.BufCount <= 2*c.BufReserve {
		return errors.New("bufCount is too small for bufReserve")
	}
	if c.RecvHeadroom == 0 {
		c.RecvHeadroom = _1K
	}
	if c.RecvHeadroom >= c.BufSize {
		return errors.New("recvHeadroom must be smaller than bufSize")
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = Duration(10 * time.Second)
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = Duration(30 * time.Second)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}
