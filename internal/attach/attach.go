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

// Package attach wraps the platform attach call with bounded exponential
// backoff. Attaching can race the target's own startup (the task port or
// debug stream not yet claimable) or a token adjustment not yet visible
// to the kernel; those failures are tagged transient by the backend and
// retried a handful of times. Everything else fails immediately, since
// most attach errors (no such process, insufficient privilege,
// architecture mismatch) will not improve with time.
package attach

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/talismancer/pmortem/internal/plog"
	"github.com/talismancer/pmortem/internal/snapshot"
	"github.com/talismancer/pmortem/internal/target"
)

const maxRetries = 4

func newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	return backoff.WithMaxRetries(bo, maxRetries)
}

// Do runs op under the retry policy: transient failures are retried with
// backoff, anything else aborts on first occurrence.
func Do(op func() (target.Target, error)) (target.Target, error) {
	var t target.Target
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		tt, err := op()
		if err != nil {
			if errors.Is(err, target.ErrAttachTransient) {
				plog.Debugf("attach attempt %d: %v", attempt, err)
				return err
			}
			return backoff.Permanent(err)
		}
		t = tt
		return nil
	}, newBackOff())
	if err != nil {
		// backoff.Permanent unwraps itself on return, so err is the
		// original attach failure.
		return nil, fmt.Errorf("attach: %w", err)
	}
	return t, nil
}

// Attach attaches to pid with the given configuration, retrying transient
// failures.
func Attach(pid int, cfg snapshot.CaptureConfig) (target.Target, error) {
	return Do(func() (target.Target, error) {
		return target.Attach(pid, cfg)
	})
}
