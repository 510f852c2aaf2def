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

package darwin

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/talismancer/pmortem/internal/plog"
)

// exitProbeProgram halts the target the moment it enters its libc exit
// path, then terminates the consumer so the worker below can wake the
// waiter. The target stays stopped until ContinueExit sends SIGCONT.
const exitProbeProgram = `pid$target::__exit:entry {stop(); exit(0);}`

// StartExitProbe compiles and runs the exit probe on a worker goroutine.
// The worker owns only the tracing process handle and a duplicate of the
// kqueue descriptor; when the probe consumer exits it triggers the user
// filter, surfacing an EventStop from Wait. A missing dtrace binary is
// fatal at setup time.
func (t *Task) StartExitProbe() error {
	if t.kq == nil {
		return fmt.Errorf("exit probe requires an event queue")
	}
	path, err := exec.LookPath("dtrace")
	if err != nil {
		return fmt.Errorf("catch-exit requires the dtrace tracing facility: %w", err)
	}

	wake, err := t.kq.Clone(func(fd uintptr) (uintptr, error) {
		nfd, err := unix.Dup(int(fd))
		return uintptr(nfd), err
	})
	if err != nil {
		return err
	}

	cmd := exec.Command(path, "-q", "-w", "-p", strconv.Itoa(t.pid), "-n", exitProbeProgram)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		wake.Close()
		return fmt.Errorf("starting exit probe: %w", err)
	}
	t.probe = cmd

	go func() {
		defer wake.Close()
		if err := cmd.Wait(); err != nil {
			plog.WithFields(plog.Fields{"pid": t.pid}).Debugf("exit probe consumer: %v", err)
		}
		if err := triggerWake(int(wake.Name())); err != nil {
			plog.Warnf("exit probe wake: %v", err)
		}
	}()

	plog.WithFields(plog.Fields{"pid": t.pid}).Debug("exit probe armed")
	return nil
}
