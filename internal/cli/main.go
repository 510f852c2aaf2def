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

// Package cli is the main entrypoint for pmortem.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/talismancer/pmortem/internal/cli/cmd"
	"github.com/talismancer/pmortem/internal/cli/util"
	"github.com/talismancer/pmortem/internal/config"
	"github.com/talismancer/pmortem/internal/plog"
	"github.com/talismancer/pmortem/internal/version"
)

var (
	configPath = flag.String("config", "", "TOML file overriding default capture settings")
	debug      = flag.Bool("debug", false, "enable debug logging")
	logPath    = flag.String("log", "", "file to log to; stderr if unset")
	showVer    = flag.Bool("version", false, "show version and exit")
)

// Main is the main entrypoint.
func Main() {
	// Help and flags commands are generated automatically.
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")

	subcommands.Register(new(cmd.Capture), "")
	subcommands.Register(new(cmd.Platforms), "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *showVer {
		fmt.Fprintf(os.Stdout, "pmortem version %s\n", version.Version())
		os.Exit(0)
	}

	defaults, err := config.LoadDefaults(*configPath)
	if err != nil {
		util.Fatalf("%v", err)
	}
	plog.SetLevel(*debug || defaults.Debug)

	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			util.Fatalf("opening log file %q: %v", *logPath, err)
		}
		plog.SetOutput(io.MultiWriter(os.Stderr, f))
		util.ErrorLogger = f
	}

	os.Exit(int(subcommands.Execute(context.Background(), &defaults)))
}
