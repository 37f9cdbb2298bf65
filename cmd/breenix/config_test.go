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
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machine.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		want     machineConfig
	}{
		{
			name:     "empty file keeps defaults",
			contents: "",
			want:     defaultConfig(),
		},
		{
			name: "full",
			contents: `
memory_mb = 128
arch = "aarch64"
log_level = "debug"
`,
			want: machineConfig{MemoryMB: 128, Arch: "aarch64", LogLevel: "debug"},
		},
		{
			name:     "partial override",
			contents: `memory_mb = 16`,
			want:     machineConfig{MemoryMB: 16, Arch: "x86_64", LogLevel: "info"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := loadConfig(writeConfigFile(t, tc.contents))
			if err != nil {
				t.Fatalf("loadConfig failed: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadConfigEmptyPath(t *testing.T) {
	got, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig(\"\") failed: %v", err)
	}
	if diff := cmp.Diff(defaultConfig(), got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
	}{
		{"zero memory", `memory_mb = 0`},
		{"unknown arch", `arch = "mips"`},
		{"bad log level", `log_level = "loud"`},
		{"malformed toml", `memory_mb = `},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := loadConfig(writeConfigFile(t, tc.contents)); err == nil {
				t.Errorf("loadConfig accepted %q", tc.contents)
			}
		})
	}
}
