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

//go:build windows

package target

import (
	"errors"
	"fmt"

	"github.com/talismancer/pmortem/internal/snapshot"
	"github.com/talismancer/pmortem/internal/target/windows"
)

// Attach enables the debug privilege, verifies bitness compatibility, and
// attaches to the target's debug event stream when the configuration
// waits for events.
func Attach(pid int, cfg snapshot.CaptureConfig) (Target, error) {
	t, err := windows.Attach(pid, cfg)
	if err != nil {
		switch {
		case errors.Is(err, windows.ErrArchMismatch):
			return nil, fmt.Errorf("%w: %w", ErrArchMismatch, err)
		case errors.Is(err, windows.ErrTransient):
			return nil, fmt.Errorf("%w: %w", ErrAttachTransient, err)
		}
		return nil, err
	}
	return t, nil
}

// Platform names the compiled event-source backend.
func Platform() string {
	return "win32-debug"
}
