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

// Package cmd implements the pmortem subcommands.
package cmd

import (
	"context"
	"errors"
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/google/subcommands"

	"github.com/talismancer/pmortem/internal/attach"
	"github.com/talismancer/pmortem/internal/capture"
	"github.com/talismancer/pmortem/internal/cli/util"
	"github.com/talismancer/pmortem/internal/config"
	"github.com/talismancer/pmortem/internal/minidump"
	"github.com/talismancer/pmortem/internal/plog"
	"github.com/talismancer/pmortem/internal/target"
)

// Capture implements subcommands.Command for the "capture" command.
type Capture struct {
	output    string
	exception bool
	exit      bool
	jsonPath  string
}

// Name implements subcommands.Command.Name.
func (*Capture) Name() string {
	return "capture"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Capture) Synopsis() string {
	return "attach to a process and write a minidump"
}

// Usage implements subcommands.Command.Usage.
func (*Capture) Usage() string {
	return `capture [flags] <pid> - attach to the process and write a minidump.

Without -e or --exit the process is suspended, dumped immediately, and
resumed. With -e the dump is written when the process raises an unhandled
exception; with --exit, when it reaches its exit entry point.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Capture) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.output, "o", "", "output dump file (default: PID_<pid>_<timestamp>.dmp)")
	f.StringVar(&c.output, "output", "", "alias for -o")
	f.BoolVar(&c.exception, "e", false, "wait for an unhandled exception before dumping")
	f.BoolVar(&c.exception, "exception", false, "alias for -e")
	f.BoolVar(&c.exit, "exit", false, "write a dump when the target exits")
	f.StringVar(&c.jsonPath, "json", "", "also write the module/backtrace snapshot as JSON to this path")
}

// Execute implements subcommands.Command.Execute.
func (c *Capture) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	pid, err := strconv.Atoi(f.Arg(0))
	if err != nil || pid <= 0 {
		util.Fatalf("invalid pid %q", f.Arg(0))
	}
	defaults := args[0].(*config.Defaults)
	conf := config.Resolve(pid, c.output, defaults.OutputDir, c.exception, c.exit, time.Now())

	// Attach before touching the filesystem: an attach failure or
	// architecture mismatch must leave no output file behind.
	t, err := attach.Attach(conf.PID, conf.CaptureConfig)
	if err != nil {
		if errors.Is(err, target.ErrArchMismatch) {
			util.Fatalf("cannot inspect pid %d: %v", pid, err)
		}
		util.Fatalf("attaching to pid %d: %v", pid, err)
	}
	defer func() {
		if err := t.Detach(); err != nil {
			plog.Warnf("detaching from pid %d: %v", pid, err)
		}
	}()

	out, err := os.Create(conf.Output)
	if err != nil {
		plog.Errorf("creating %q: %v", conf.Output, err)
		return subcommands.ExitFailure
	}
	defer out.Close()

	opts := capture.Options{
		Config: conf.CaptureConfig,
		Writer: minidump.Stub{},
		Out:    out,
	}
	var jsonFile *os.File
	if c.jsonPath != "" {
		jsonFile, err = os.Create(c.jsonPath)
		if err != nil {
			plog.Errorf("creating %q: %v", c.jsonPath, err)
			return subcommands.ExitFailure
		}
		defer jsonFile.Close()
		opts.JSONOut = jsonFile
	}

	res, err := capture.Run(t, opts)
	if err != nil {
		// The dump file may be partially written; leave it for
		// inspection but report the failure.
		plog.Errorf("capture failed: %v", err)
		return subcommands.ExitFailure
	}
	if !res.Dumped {
		// Nothing was written; don't leave an empty .dmp around.
		os.Remove(conf.Output)
		if jsonFile != nil {
			os.Remove(c.jsonPath)
		}
		return subcommands.ExitSuccess
	}

	plog.WithFields(plog.Fields{"pid": pid, "output": conf.Output}).Infof("capture complete")
	return subcommands.ExitSuccess
}
