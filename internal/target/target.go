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

// Package target abstracts the inspected process behind one interface the
// capture policy can drive on any platform. Attach is implemented
// per-GOOS: the Mach backend lives in internal/target/darwin, the debug-API
// backend in internal/target/windows. This mirrors how a platform-selected
// backend hides behind a single lookup in larger sandboxing runtimes.
package target

import (
	"errors"

	"github.com/talismancer/pmortem/internal/minidump"
	"github.com/talismancer/pmortem/internal/snapshot"
)

// ErrArchMismatch is returned by Attach when the target's instruction-set
// width differs from the inspector's. The capture aborts before any
// process state is touched.
var ErrArchMismatch = errors.New("target and inspector architectures differ")

// ErrAttachTransient tags attach failures worth retrying: the target
// racing its own startup, or a privilege adjustment not yet visible to the
// kernel. internal/attach retries these with bounded backoff; everything
// else is permanent.
var ErrAttachTransient = errors.New("transient attach failure")

// ErrUnsupported is returned by Attach on platforms with no backend.
var ErrUnsupported = errors.New("no capture backend for this platform")

// Target is an attached, inspectable process. Exactly one kernel
// process-scope reference is owned per Target; Detach releases it along
// with every other handle the backend acquired.
type Target interface {
	// PID returns the operating-system identifier the Target was
	// attached by.
	PID() int

	// ReadAt copies len(b) bytes from the target virtual address addr.
	// Short reads are errors; a failed read fails the capture.
	ReadAt(addr uint64, b []byte) error

	// ReadCString reads a NUL-terminated string starting at addr.
	ReadCString(addr uint64) (string, error)

	// Modules enumerates the target's loaded images with slides already
	// applied. Backends that delegate module collection to the minidump
	// writer may return an empty table.
	Modules() ([]snapshot.Module, error)

	// Threads enumerates the target's threads, unwinding each stack via
	// frame pointers and attributing frames against modules.
	Threads(modules []snapshot.Module) ([]snapshot.Thread, error)

	// Suspend freezes all target threads. Used only by the no-wait
	// snapshot mode; event-driven captures rely on the kernel keeping
	// the target frozen between event delivery and continue.
	Suspend() error

	// Resume undoes Suspend.
	Resume() error

	// Wait blocks until the target raises a triggering event and
	// returns it. Exceptions the configuration does not capture are
	// continued transparently inside Wait; target exit is returned even
	// when CatchExit is false, so the policy can report it. Every
	// returned event leaves
	// the target frozen until ContinueExit or Detach runs.
	Wait() (snapshot.Event, error)

	// ExceptionContext dequeues the delivered exception and assembles
	// the crash context carrying it, along with the normalized exception
	// info and the identifier of the faulting thread. Valid only after
	// Wait returned an EventException.
	ExceptionContext() (minidump.CrashContext, snapshot.ExceptionInfo, uint64, error)

	// PlainContext assembles a crash context with no exception record,
	// used by the exit, stop, and immediate-snapshot capture branches.
	PlainContext() (minidump.CrashContext, error)

	// ContinueExit lets a target halted by the exit probe proceed with
	// its original exit. A no-op on backends whose exit events arrive
	// after the target is already gone.
	ContinueExit() error

	// Detach releases the attachment and every kernel handle owned by
	// the Target, restoring any state the attach displaced. Idempotent.
	Detach() error
}

// ExitProber is implemented by backends that can halt the target at its
// libc exit entry so a dump sees the exiting state intact. Backends whose
// event source already observes exit with usable context (the debug-event
// loop) do not implement it.
type ExitProber interface {
	// StartExitProbe arranges for Wait to return an EventStop when the
	// target reaches its exit entry point. Returns an error if the
	// tracing facility is unavailable; that is fatal at setup time.
	StartExitProbe() error
}

// ContextReleaser is implemented by backends that stage crash-context
// state inside the target's address space and can reclaim it once the
// minidump writer has consumed it.
type ContextReleaser interface {
	// ReleaseContext frees staged allocations after a successful dump.
	ReleaseContext() error
}
