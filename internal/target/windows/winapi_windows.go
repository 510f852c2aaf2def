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

package windows

import (
	"unsafe"

	syswin "golang.org/x/sys/windows"
)

// Debug-loop and memory-staging procs golang.org/x/sys/windows does not
// wrap. Resolved lazily from system DLLs; the first call through a proc
// faults with a descriptive error if the entry point is missing.
var (
	modkernel32 = syswin.NewLazySystemDLL("kernel32.dll")
	modntdll    = syswin.NewLazySystemDLL("ntdll.dll")

	procDebugActiveProcess        = modkernel32.NewProc("DebugActiveProcess")
	procDebugActiveProcessStop    = modkernel32.NewProc("DebugActiveProcessStop")
	procDebugSetProcessKillOnExit = modkernel32.NewProc("DebugSetProcessKillOnExit")
	procWaitForDebugEvent         = modkernel32.NewProc("WaitForDebugEvent")
	procContinueDebugEvent        = modkernel32.NewProc("ContinueDebugEvent")
	procGetThreadContext          = modkernel32.NewProc("GetThreadContext")
	procReadProcessMemory         = modkernel32.NewProc("ReadProcessMemory")
	procWriteProcessMemory        = modkernel32.NewProc("WriteProcessMemory")
	procVirtualAllocEx            = modkernel32.NewProc("VirtualAllocEx")
	procVirtualFreeEx             = modkernel32.NewProc("VirtualFreeEx")
	procNtSuspendProcess          = modntdll.NewProc("NtSuspendProcess")
	procNtResumeProcess           = modntdll.NewProc("NtResumeProcess")
)

// Debug event codes and continue statuses, from <winnt.h>/<debugapi.h>.
const (
	exceptionDebugEvent   = 1
	exitProcessDebugEvent = 5

	dbgContinue            = 0x00010002
	dbgExceptionNotHandled = 0x80010001

	exceptionBreakpoint = 0x80000003

	infinite = 0xFFFFFFFF

	threadGetContext = 0x0008

	memCommit  = 0x1000
	memReserve = 0x2000
	memRelease = 0x8000

	pageReadWrite = 0x04

	processAllNeeded = syswin.PROCESS_QUERY_INFORMATION | syswin.PROCESS_VM_READ |
		syswin.PROCESS_VM_WRITE | syswin.PROCESS_VM_OPERATION |
		syswin.PROCESS_SUSPEND_RESUME
)

// exceptionRecord mirrors EXCEPTION_RECORD for a 64-bit target.
type exceptionRecord struct {
	ExceptionCode        uint32
	ExceptionFlags       uint32
	ExceptionRecord      uintptr
	ExceptionAddress     uintptr
	NumberParameters     uint32
	_                    uint32
	ExceptionInformation [15]uintptr
}

// debugEvent mirrors DEBUG_EVENT. The union is kept raw; the record view
// below reinterprets it per event code.
type debugEvent struct {
	DebugEventCode uint32
	ProcessID      uint32
	ThreadID       uint32
	_              uint32
	U              [160]byte
}

// exceptionInfo returns the EXCEPTION_DEBUG_INFO view of the union. Valid
// only when DebugEventCode == exceptionDebugEvent.
func (e *debugEvent) exceptionInfo() *exceptionRecord {
	return (*exceptionRecord)(unsafe.Pointer(&e.U[0]))
}

// exitCode returns the EXIT_PROCESS_DEBUG_INFO exit code. Valid only when
// DebugEventCode == exitProcessDebugEvent.
func (e *debugEvent) exitCode() uint32 {
	return *(*uint32)(unsafe.Pointer(&e.U[0]))
}
