// Copyright 2024 The Breenix Authors.
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

package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/ryanbreen/breenix-sub006/pkg/pagetables"
)

// machineConfig is the TOML-configurable shape of the simulated machine.
type machineConfig struct {
	// MemoryMB is the physical pool size in MiB.
	MemoryMB uint64 `toml:"memory_mb"`

	// Arch selects the page-table format: "x86_64" or "aarch64".
	Arch string `toml:"arch"`

	// LogLevel is a logrus level name ("debug", "info", "warning", ...).
	LogLevel string `toml:"log_level"`
}

func defaultConfig() machineConfig {
	return machineConfig{
		MemoryMB: 64,
		Arch:     "x86_64",
		LogLevel: "info",
	}
}

// loadConfig reads the machine config from path, applying defaults for
// unset fields. An empty path yields the defaults.
func loadConfig(path string) (machineConfig, error) {
	c := defaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &c); err != nil {
			return c, fmt.Errorf("reading config %q: %v", path, err)
		}
	}
	if err := c.validate(); err != nil {
		return c, fmt.Errorf("config %q: %v", path, err)
	}
	return c, nil
}

func (c machineConfig) validate() error {
	if c.MemoryMB == 0 {
		return fmt.Errorf("memory_mb must be positive")
	}
	if _, err := pagetables.ArchByName(c.Arch); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// memoryBytes returns the configured pool size in bytes.
func (c machineConfig) memoryBytes() uint64 {
	return c.MemoryMB << 20
}

// applyLogging sets the process log level from the config.
func (c machineConfig) applyLogging() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		// validate() already accepted the level.
		panic(err)
	}
	logrus.SetLevel(level)
}
