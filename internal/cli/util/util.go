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

// Package util holds helpers shared by the CLI commands.
package util

import (
	"fmt"
	"os"

	"github.com/talismancer/pmortem/internal/plog"
)

// ErrorLogger, when set, additionally receives fatal messages. Wired by
// cli.Main when a log destination is configured.
var ErrorLogger interface{ Write(p []byte) (int, error) }

// Fatalf logs a fatal message and exits the process. It should only be
// called from the CLI layer (cli.Main and command Execute paths) before
// any target is attached; engine packages return errors instead.
func Fatalf(format string, args ...any) {
	plog.Errorf(format, args...)
	if ErrorLogger != nil {
		fmt.Fprintf(ErrorLogger, format+"\n", args...)
	}
	// 128 stays clear of exit codes a capture target might plausibly
	// propagate.
	os.Exit(128)
}
