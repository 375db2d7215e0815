// Copyright The vcmmd Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the vcmmd daemon configuration file.
package config

import (
	"os"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

// DefaultPath is the default daemon configuration file location. The
// file is JSON, as shipped by the vcmmd packaging.
const DefaultPath = "/etc/vcmmd.conf"

// IdleMem configures the idle memory estimator.
type IdleMem struct {
	// Period is the time one full memory sweep is spread over, in
	// seconds. 0 disables background scanning.
	Period int64 `json:"Period"`
	// Sampling is the portion of memory to scan, in (0.0, 1.0].
	Sampling float64 `json:"Sampling"`
}

// Config is the daemon configuration.
type Config struct {
	IdleMem IdleMem `json:"IdleMem"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		IdleMem: IdleMem{
			Period:   300,
			Sampling: 1.0,
		},
	}
}

// Load reads the configuration file at the given path on top of the
// built-in defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "failed to read config file %q", path)
	}
	if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config file %q", path)
	}
	return cfg, nil
}

// Validate checks the configuration for out-of-range values.
func (c *Config) Validate() error {
	if c.IdleMem.Period < 0 {
		return errors.Errorf("IdleMem.Period must be >= 0, got %d", c.IdleMem.Period)
	}
	if !(c.IdleMem.Sampling > 0.0 && c.IdleMem.Sampling <= 1.0) {
		return errors.Errorf("IdleMem.Sampling must be in (0.0, 1.0], got %g",
			c.IdleMem.Sampling)
	}
	return nil
}
