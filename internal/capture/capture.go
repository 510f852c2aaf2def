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

// Package capture implements the policy that turns a delivered event into
// a dump: which events to wait for, which branch gathers target state, and
// how the crash context is handed to the minidump sink. It is platform
// agnostic; everything OS-specific lives behind the target interface.
package capture

import (
	"fmt"
	"io"

	"github.com/talismancer/pmortem/internal/minidump"
	"github.com/talismancer/pmortem/internal/plog"
	"github.com/talismancer/pmortem/internal/snapshot"
	"github.com/talismancer/pmortem/internal/target"
)

// Options configures one capture run.
type Options struct {
	Config snapshot.CaptureConfig

	// Writer and Out receive the minidump.
	Writer minidump.Writer
	Out    io.WriteSeeker

	// JSONOut, when non-nil, additionally receives the module table and
	// per-thread backtraces as a JSON document. It is an alternate sink
	// sharing the same engine, not a replacement for the dump.
	JSONOut io.Writer
}

// Result reports what one capture run produced.
type Result struct {
	// Dumped is false only when the target exited before any captured
	// event fired; no dump is written in that case.
	Dumped bool

	// Snapshot holds the gathered module/thread state for branches that
	// walk the target. Nil when the branch dumps from the event record
	// alone (target already exited).
	Snapshot *snapshot.Snapshot

	// ExitCode is the target's exit status when the run observed one.
	ExitCode *int32
}

// Run executes the capture decision table. With neither flag set it
// suspends the target, dumps, and resumes; otherwise it blocks on the
// event source once and dispatches on the delivered event. The caller
// owns the target's lifetime and must Detach it after Run returns.
func Run(t target.Target, opts Options) (Result, error) {
	if !opts.Config.Waits() {
		return snapshotNow(t, opts)
	}

	if opts.Config.CatchExit {
		if p, ok := t.(target.ExitProber); ok {
			if err := p.StartExitProbe(); err != nil {
				return Result{}, fmt.Errorf("capture: %w", err)
			}
		}
	}

	ev, err := t.Wait()
	if err != nil {
		return Result{}, fmt.Errorf("capture: waiting for event: %w", err)
	}

	switch ev.Kind {
	case snapshot.EventException:
		return dumpException(t, opts)

	case snapshot.EventExit:
		res := Result{ExitCode: &ev.ExitCode}
		if !opts.Config.CatchExit {
			plog.WithFields(plog.Fields{"pid": t.PID(), "status": ev.ExitCode}).
				Infof("target exited before an exception was observed; nothing to dump")
			return res, nil
		}
		// The process is already gone; the dump is assembled from the
		// delivered event record alone.
		cc, err := t.PlainContext()
		if err != nil {
			return res, fmt.Errorf("capture: %w", err)
		}
		if err := writeDump(t, opts, cc, nil); err != nil {
			return res, err
		}
		res.Dumped = true
		return res, nil

	case snapshot.EventStop:
		// The exit probe halted the target at its exit entry; its full
		// state is still intact, so gather everything before letting
		// the original exit proceed.
		snap, err := gather(t)
		if err != nil {
			return Result{}, err
		}
		cc, err := t.PlainContext()
		if err != nil {
			return Result{}, fmt.Errorf("capture: %w", err)
		}
		if err := writeDump(t, opts, cc, snap); err != nil {
			return Result{}, err
		}
		if err := t.ContinueExit(); err != nil {
			plog.Warnf("capture: %v", err)
		}
		return Result{Dumped: true, Snapshot: snap}, nil
	}
	return Result{}, fmt.Errorf("capture: unknown event kind %d", ev.Kind)
}

// snapshotNow is the no-wait branch: no handler installed, no event
// source consulted. The target is suspended only for the duration of the
// dump and resumed on every exit path.
func snapshotNow(t target.Target, opts Options) (Result, error) {
	if err := t.Suspend(); err != nil {
		return Result{}, fmt.Errorf("capture: suspending target: %w", err)
	}
	defer func() {
		if err := t.Resume(); err != nil {
			plog.Errorf("capture: resuming target: %v", err)
		}
	}()

	snap, err := gather(t)
	if err != nil {
		return Result{}, err
	}
	cc, err := t.PlainContext()
	if err != nil {
		return Result{}, fmt.Errorf("capture: %w", err)
	}
	if err := writeDump(t, opts, cc, snap); err != nil {
		return Result{}, err
	}
	return Result{Dumped: true, Snapshot: snap}, nil
}

// dumpException gathers target state while the faulting thread is frozen
// in the kernel, then assembles the exception-bearing crash context. The
// exception thread is moved to the front of the thread list.
func dumpException(t target.Target, opts Options) (Result, error) {
	snap, err := gather(t)
	if err != nil {
		return Result{}, err
	}
	cc, info, tid, err := t.ExceptionContext()
	if err != nil {
		return Result{}, fmt.Errorf("capture: assembling exception context: %w", err)
	}
	snap.Threads = snapshot.ExceptionThreadFirst(snap.Threads, tid, info)

	if err := writeDump(t, opts, cc, snap); err != nil {
		return Result{}, err
	}
	return Result{Dumped: true, Snapshot: snap}, nil
}

func gather(t target.Target) (*snapshot.Snapshot, error) {
	mods, err := t.Modules()
	if err != nil {
		return nil, fmt.Errorf("capture: walking modules: %w", err)
	}
	threads, err := t.Threads(mods)
	if err != nil {
		return nil, fmt.Errorf("capture: walking threads: %w", err)
	}
	return &snapshot.Snapshot{Modules: mods, Threads: threads}, nil
}

// writeDump hands the crash context to the minidump sink and mirrors the
// snapshot to the JSON sink when one is configured. Staged crash-context
// state inside the target is reclaimed only after a successful dump.
func writeDump(t target.Target, opts Options, cc minidump.CrashContext, snap *snapshot.Snapshot) error {
	if err := opts.Writer.DumpCrashContext(cc, opts.Out); err != nil {
		return fmt.Errorf("capture: minidump writer: %w", err)
	}
	if r, ok := t.(target.ContextReleaser); ok {
		if err := r.ReleaseContext(); err != nil {
			plog.Warnf("capture: releasing staged context: %v", err)
		}
	}
	if opts.JSONOut != nil && snap != nil {
		if err := WriteJSON(opts.JSONOut, snap); err != nil {
			return fmt.Errorf("capture: json sink: %w", err)
		}
	}
	plog.WithFields(plog.Fields{"pid": t.PID()}).Infof("dump written")
	return nil
}
