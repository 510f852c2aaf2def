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

// Package minidump defines the dump sink contract: the engine assembles a
// CrashContext naming which process/thread/exception to dump and hands it
// to a Writer, which alone is responsible for producing bytes of the
// actual minidump.
package minidump

import "io"

// CrashContext is the compact descriptor handed to a Writer. It unifies
// the Mach and Windows shapes into one struct; a Writer implementation
// for a given platform reads only the fields relevant to it.
type CrashContext struct {
	// Identity, both platforms.
	ProcessID uint32
	ThreadID  uint64 // mach_port_t-derived 64-bit thread_id, or a Win32 thread ID

	// Mach exception shape: kind, code[0], and code[1] when the kernel
	// delivered a second code.
	HasMachException bool
	MachExceptionKind int32
	MachCode0         int32
	MachCode1         *int32

	// Windows exception shape. ExceptionRecordAddr/ContextRecordAddr are
	// addresses *valid in the dumpee's address space*: the engine has
	// already relocated the exception record and CPU context there via
	// VirtualAllocEx/WriteProcessMemory before calling the Writer. Zero
	// means no exception.
	WinExceptionCode      uint32
	ExceptionRecordAddr   uint64
	ContextRecordAddr     uint64
	ExceptionPointersAddr uint64
}

// Writer is satisfied by anything capable of turning a CrashContext into
// minidump bytes. This repository treats a full writer as an external
// collaborator; Stub (stub.go) is a minimal reference implementation that
// round-trips the identifying fields so the contract has something
// concrete to exercise.
type Writer interface {
	DumpCrashContext(cc CrashContext, w io.WriteSeeker) error
}
