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

// Package plog is the ambient structured logger shared by the CLI, attach,
// capture and platform backend packages: a package-level logrus logger configured once at
// startup (internal/cli.Main), with leveled convenience functions and
// field helpers used throughout the attach/event/capture pipeline.
package plog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var std = logrus.New()

func init() {
	std.SetOutput(os.Stderr)
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	std.SetLevel(logrus.InfoLevel)
}

// SetLevel sets the minimum level that will be emitted. debug enables
// Debugf output.
func SetLevel(debug bool) {
	if debug {
		std.SetLevel(logrus.DebugLevel)
		return
	}
	std.SetLevel(logrus.InfoLevel)
}

// SetOutput redirects log output. Output goes to stderr until this is
// called; internal/cli.Main calls it only when --log names a file.
func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

// Fields is a type alias so call sites don't need to import logrus
// directly.
type Fields = logrus.Fields

// Debugf logs at debug level.
func Debugf(format string, args ...any) { std.Debugf(format, args...) }

// Infof logs at info level.
func Infof(format string, args ...any) { std.Infof(format, args...) }

// Warnf logs at warning level.
func Warnf(format string, args ...any) { std.Warnf(format, args...) }

// Errorf logs at error level.
func Errorf(format string, args ...any) { std.Errorf(format, args...) }

// WithFields returns an entry pre-populated with structured fields, for
// call sites that want to tag a log line with pid/event/module/thread_id.
func WithFields(fields Fields) *logrus.Entry {
	return std.WithFields(fields)
}
