// Copyright 2026 The pmortem Authors.
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

// Package config builds the engine's CaptureConfig plus the small
// CLI/file configuration surface around it: an output path and the
// catch-exception/catch-exit toggles. Everything else (subcommand
// registration, flag parsing mechanics) lives in internal/cli, keeping
// the configuration struct separate from the dispatcher that owns the
// FlagSet.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/talismancer/pmortem/internal/snapshot"
)

// Defaults is the optional --config file format: a small TOML document
// that overrides the built-in defaults for flags the caller didn't pass
// explicitly. It exists so a wrapper script can pin a log level or output
// directory without repeating flags on every invocation.
type Defaults struct {
	OutputDir string `toml:"output_dir"`
	Debug     bool   `toml:"debug"`
}

// LoadDefaults parses a TOML defaults file. A missing path is not an error
// (the caller passed no --config); any other read or parse failure is.
func LoadDefaults(path string) (Defaults, error) {
	var d Defaults
	if path == "" {
		return d, nil
	}
	if _, err := toml.DecodeFile(path, &d); err != nil {
		return d, fmt.Errorf("config: decoding %q: %w", path, err)
	}
	return d, nil
}

// Capture is the fully resolved configuration for one capture invocation.
type Capture struct {
	PID    int
	Output string
	snapshot.CaptureConfig
}

// defaultOutputName derives the default dump filename,
// PID_<pid>_<YYYYMMDD_HHMMSS>.dmp.
func defaultOutputName(pid int, now time.Time) string {
	return fmt.Sprintf("PID_%d_%s.dmp", pid, now.Format("20060102_150405"))
}

// Resolve fills in Output using defaultOutputName (optionally rooted at
// dir) when the caller didn't supply -o/--output explicitly.
func Resolve(pid int, output, dir string, catchException, catchExit bool, now time.Time) Capture {
	c := Capture{
		PID: pid,
		CaptureConfig: snapshot.CaptureConfig{
			CatchException: catchException,
			CatchExit:      catchExit,
		},
	}
	if output != "" {
		c.Output = output
		return c
	}
	name := defaultOutputName(pid, now)
	if dir != "" {
		c.Output = dir + string(os.PathSeparator) + name
	} else {
		c.Output = name
	}
	return c
}
