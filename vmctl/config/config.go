// Copyright 2026 The gVisor Authors.
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

// Package config provides basic infrastructure to set configuration settings
// for vmctl. Each setting that can be changed from the command line must have
// a flag tag in Config, and may also be set from a TOML file named with
// --config.
package config

import (
	"fmt"
	"math"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
)

// Config holds configuration that is not part of a scenario file.
type Config struct {
	// ConfigFile is the path of a TOML file with default values for the
	// other fields. Flags set explicitly on the command line take precedence
	// over the file.
	ConfigFile string `flag:"config" toml:"-"`

	// AspaceBase is the first address covered by each aspace's root region.
	AspaceBase uint64 `flag:"aspace-base" toml:"aspace_base"`

	// AspaceSize is the size of each aspace's root region.
	AspaceSize uint64 `flag:"aspace-size" toml:"aspace_size"`

	// ASLR enables randomized placement of regions and mappings.
	ASLR bool `flag:"aslr" toml:"aslr"`

	// Seed seeds placement randomization. Each scenario in a run adds its
	// index to it.
	Seed int64 `flag:"seed" toml:"seed"`

	// Pages is the number of page frames shared by all scenarios of a run.
	Pages uint `flag:"pages" toml:"pages"`

	// LogFormat is the log format, "text" or "json".
	LogFormat string `flag:"log-format" toml:"log_format"`

	// LogLevel is the minimum level logged: warning, info or debug.
	LogLevel string `flag:"log-level" toml:"log_level"`

	// Debug enables debug logging regardless of LogLevel.
	Debug bool `flag:"debug" toml:"debug"`
}

func (c *Config) validate() error {
	if c.AspaceSize == 0 {
		return fmt.Errorf("aspace-size must be greater than 0")
	}
	if !hostarch.IsPageAligned(c.AspaceBase) || !hostarch.IsPageAligned(c.AspaceSize) {
		return fmt.Errorf("aspace-base (%#x) and aspace-size (%#x) must be page-aligned", c.AspaceBase, c.AspaceSize)
	}
	if _, ok := hostarch.Addr(c.AspaceBase).ToRange(c.AspaceSize); !ok {
		return fmt.Errorf("aspace-base (%#x) + aspace-size (%#x) overflows", c.AspaceBase, c.AspaceSize)
	}
	if c.Pages == 0 || c.Pages > math.MaxUint32 {
		return fmt.Errorf("pages must be in [1, %d], got %d", uint32(math.MaxUint32), c.Pages)
	}
	if _, err := log.EmitterForFormat(c.LogFormat, nil); err != nil {
		return err
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("\t\tConfigFile: %q", c.ConfigFile)
	log.Infof("\t\tAspace: [%#x, %#x)", c.AspaceBase, c.AspaceBase+c.AspaceSize)
	log.Infof("\t\tASLR: %t, Seed: %d", c.ASLR, c.Seed)
	log.Infof("\t\tPages: %d", c.Pages)
	log.Infof("\t\tDebug: %t, LogFormat: %s, LogLevel: %s", c.Debug, c.LogFormat, c.LogLevel)
}

// Level returns the log level selected by LogLevel and Debug.
func (c *Config) Level() log.Level {
	if c.Debug {
		return log.Debug
	}
	l, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("unvalidated log level %q: %v", c.LogLevel, err))
	}
	return l
}
