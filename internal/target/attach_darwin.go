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

//go:build darwin

package target

import (
	"errors"
	"fmt"

	"github.com/talismancer/pmortem/internal/snapshot"
	"github.com/talismancer/pmortem/internal/target/darwin"
)

// Attach acquires the target's task port and, when the configuration
// waits for events, installs the exception port and kqueue machinery.
func Attach(pid int, cfg snapshot.CaptureConfig) (Target, error) {
	t, err := darwin.Attach(pid, cfg)
	if err != nil {
		if errors.Is(err, darwin.ErrTransient) {
			return nil, fmt.Errorf("%w: %w", ErrAttachTransient, err)
		}
		return nil, err
	}
	return t, nil
}

// Platform names the compiled event-source backend.
func Platform() string {
	return "mach+kqueue"
}
