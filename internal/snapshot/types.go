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

// Package snapshot defines the attach-and-capture engine's data model: the
// vocabulary shared by every platform backend and by the capture policy
// that drives them. None of these types know how to serialize themselves to
// a minidump; that is internal/minidump's job.
package snapshot

// Range is a half-open virtual-address interval [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Contains reports whether addr falls within the range.
func (r Range) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Module describes one loaded image of the target. Lifetimes are tied to a
// single snapshot; addresses are stored with any ASLR slide already
// applied, so consumers never need to know the on-disk preferred base.
type Module struct {
	Path       string
	LoadAddr   uint64
	TextRange  *Range // nil if the image's __TEXT/.text segment couldn't be located
	ExitSymbol *uint64
}

// Frame is one entry of a thread's unwound call stack.
type Frame struct {
	Depth   uint32
	Address uint64
	Module  *Module // the unique module whose TextRange contains Address, if any
	Symbol  string  // always empty at this layer; reserved for a future symbolicator
}

// ExceptionKind identifies the platform family an ExceptionInfo came from.
type ExceptionKind int

const (
	// ExceptionNone means the thread did not raise the captured exception.
	ExceptionNone ExceptionKind = iota
	// ExceptionMach means Kind/Code/Subcode are Mach exception_type_t/codes.
	ExceptionMach
	// ExceptionWindows means Code is a Win32 EXCEPTION_RECORD.ExceptionCode.
	ExceptionWindows
)

// ExceptionInfo normalizes the Mach and Windows exception shapes into one
// struct. Only one of the two code representations is meaningful,
// selected by Platform.
type ExceptionInfo struct {
	Platform ExceptionKind

	// Mach fields (Platform == ExceptionMach). MachSubcode is nil unless
	// the kernel delivered a second exception code (codeCnt > 1).
	MachKind    int32
	MachCode    int32
	MachSubcode *int32

	// Windows fields (Platform == ExceptionWindows).
	WinExceptionCode uint32
}

// Thread is one entry of a snapshot's thread list. Only the thread that
// received the triggering exception (if any) carries a non-nil Exception,
// and it is always the first entry of Snapshot.Threads.
type Thread struct {
	ID        uint64
	Exception *ExceptionInfo
	Backtrace []Frame
}

// EventKind discriminates the tagged union returned by an event source.
type EventKind int

const (
	// EventException means the target raised an unhandled exception.
	EventException EventKind = iota
	// EventExit means the target exited. A target halted by the Darwin
	// catch-exit probe surfaces as EventStop instead.
	EventExit
	// EventStop means an external stop request woke the waiter (Darwin
	// dtrace worker, or a future manual cancellation channel).
	EventStop
)

// Event is produced by an event source exactly once per Wait call.
type Event struct {
	Kind     EventKind
	ExitCode int32 // meaningful only when Kind == EventExit
}

// CaptureConfig selects which triggering events the capture policy should
// wait for.
type CaptureConfig struct {
	CatchException bool
	CatchExit      bool
}

// Waits reports whether this configuration calls for blocking on an event
// source at all. When both flags are false the policy runs in "neither"
// mode: suspend, dump, resume, with no wait.
func (c CaptureConfig) Waits() bool {
	return c.CatchException || c.CatchExit
}

// Snapshot is the full result of one capture: the module table, used to
// attribute frame addresses, and the thread list with the exception-bearing
// thread (if any) first.
type Snapshot struct {
	Modules []Module
	Threads []Thread
}

// AttributeFrame finds the unique module whose TextRange contains addr, or
// nil if no loaded module claims it. Used by every platform's thread walker
// so that frame-to-module attribution behaves identically everywhere.
func AttributeFrame(modules []Module, addr uint64) *Module {
	for i := range modules {
		m := &modules[i]
		if m.TextRange != nil && m.TextRange.Contains(addr) {
			return m
		}
	}
	return nil
}

// NewFrame builds a Frame at the given depth and address, attributing it to
// a module from modules.
func NewFrame(depth uint32, addr uint64, modules []Module) Frame {
	return Frame{
		Depth:   depth,
		Address: addr,
		Module:  AttributeFrame(modules, addr),
	}
}

// ExceptionThreadFirst reorders threads so that the one matching
// exceptionThreadID (if found) is moved to the front, attaching exc to
// it: consumers rely on the exception-bearing thread leading the list.
func ExceptionThreadFirst(threads []Thread, exceptionThreadID uint64, exc ExceptionInfo) []Thread {
	for i := range threads {
		if threads[i].ID != exceptionThreadID {
			continue
		}
		t := threads[i]
		t.Exception = &exc
		out := make([]Thread, 0, len(threads))
		out = append(out, t)
		out = append(out, threads[:i]...)
		out = append(out, threads[i+1:]...)
		return out
	}
	return threads
}
