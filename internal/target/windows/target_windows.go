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

// Package windows implements the debug-API capture backend: debug
// privilege adjustment, the WaitForDebugEvent loop, thread-context
// capture, and relocation of the exception record into the target's
// address space for the minidump writer.
package windows

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	syswin "golang.org/x/sys/windows"

	"github.com/talismancer/pmortem/internal/khandle"
	"github.com/talismancer/pmortem/internal/minidump"
	"github.com/talismancer/pmortem/internal/plog"
	"github.com/talismancer/pmortem/internal/snapshot"
)

// ErrTransient tags attach failures the caller may retry: the debug-attach
// racing the token adjustment becoming visible.
var ErrTransient = errors.New("transient attach failure")

// ErrArchMismatch is returned when the target's bitness differs from the
// inspector's. Detected before any debug attach.
var ErrArchMismatch = errors.New("architecture mismatch")

// Target is an attached Windows process. The debug attachment, when
// present, is bound to the OS thread that created it: Attach locks the
// goroutine to its thread, and Wait/Detach must run on that same
// goroutine.
type Target struct {
	pid     uint32
	cfg     snapshot.CaptureConfig
	process *khandle.Handle

	debugging  bool
	pending    bool // a delivered event awaits its ContinueDebugEvent
	lastEvent  debugEvent
	haveEvent  bool
	staged     []uintptr // VirtualAllocEx regions holding the relocated exception
	threadLock bool
	detached   bool
}

func closeHandle(h uintptr) error {
	return syswin.CloseHandle(syswin.Handle(h))
}

// enableDebugPrivilege looks up SeDebugPrivilege and enables it on our own
// token. Failure is not fatal: same-user targets are debuggable without
// it, so the error is surfaced as a warning only.
func enableDebugPrivilege() error {
	var tok syswin.Token
	if err := syswin.OpenProcessToken(syswin.CurrentProcess(), syswin.TOKEN_ADJUST_PRIVILEGES|syswin.TOKEN_QUERY, &tok); err != nil {
		return fmt.Errorf("OpenProcessToken: %w", err)
	}
	defer tok.Close()

	name, err := syswin.UTF16PtrFromString("SeDebugPrivilege")
	if err != nil {
		return err
	}
	var luid syswin.LUID
	if err := syswin.LookupPrivilegeValue(nil, name, &luid); err != nil {
		return fmt.Errorf("LookupPrivilegeValue(SeDebugPrivilege): %w", err)
	}

	tp := syswin.Tokenprivileges{PrivilegeCount: 1}
	tp.Privileges[0] = syswin.LUIDAndAttributes{Luid: luid, Attributes: syswin.SE_PRIVILEGE_ENABLED}
	if err := syswin.AdjustTokenPrivileges(tok, false, &tp, 0, nil, nil); err != nil {
		return fmt.Errorf("AdjustTokenPrivileges: %w", err)
	}
	return nil
}

// checkArch aborts the capture before attach if the target's WoW64 status
// differs from the inspector's.
func checkArch(process syswin.Handle) error {
	var selfWow, targetWow bool
	if err := syswin.IsWow64Process(syswin.CurrentProcess(), &selfWow); err != nil {
		return fmt.Errorf("IsWow64Process(self): %w", err)
	}
	if err := syswin.IsWow64Process(process, &targetWow); err != nil {
		return fmt.Errorf("IsWow64Process(target): %w", err)
	}
	if selfWow != targetWow {
		return fmt.Errorf("%w: inspector wow64=%v, target wow64=%v", ErrArchMismatch, selfWow, targetWow)
	}
	return nil
}

// Attach enables the debug privilege, opens the target, verifies bitness,
// and, when the configuration waits for events, attaches to the target's
// debug event stream. DebugSetProcessKillOnExit(FALSE) is set so
// inspector death auto-detaches rather than killing the target.
func Attach(pid int, cfg snapshot.CaptureConfig) (*Target, error) {
	if err := enableDebugPrivilege(); err != nil {
		plog.Warnf("debug privilege unavailable, continuing: %v", err)
	}

	h, err := syswin.OpenProcess(processAllNeeded, false, uint32(pid))
	if err != nil {
		return nil, fmt.Errorf("opening pid %d: %w", pid, err)
	}
	t := &Target{pid: uint32(pid), cfg: cfg, process: khandle.New(uintptr(h), "process", closeHandle)}

	if err := checkArch(h); err != nil {
		t.Detach()
		return nil, err
	}

	if cfg.Waits() {
		// The debug attachment belongs to the creating OS thread; pin
		// ourselves so Wait and Detach reach the kernel on it.
		runtime.LockOSThread()
		t.threadLock = true

		if r1, _, e := procDebugActiveProcess.Call(uintptr(pid)); r1 == 0 {
			t.Detach()
			if errors.Is(e, syswin.ERROR_ACCESS_DENIED) {
				return nil, fmt.Errorf("%w: DebugActiveProcess: %v", ErrTransient, e)
			}
			return nil, fmt.Errorf("DebugActiveProcess(%d): %w", pid, e)
		}
		t.debugging = true
		if r1, _, e := procDebugSetProcessKillOnExit.Call(0); r1 == 0 {
			plog.Warnf("DebugSetProcessKillOnExit: %v", e)
		}
	}

	plog.WithFields(plog.Fields{"pid": pid}).Debug("attached")
	return t, nil
}

// PID returns the attached process identifier.
func (t *Target) PID() int {
	return int(t.pid)
}

func (t *Target) handle() syswin.Handle {
	return syswin.Handle(t.process.Name())
}

// ReadAt copies len(b) bytes out of the target at addr.
func (t *Target) ReadAt(addr uint64, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	var n uintptr
	r1, _, e := procReadProcessMemory.Call(
		uintptr(t.handle()),
		uintptr(addr),
		uintptr(unsafe.Pointer(&b[0])),
		uintptr(len(b)),
		uintptr(unsafe.Pointer(&n)),
	)
	if r1 == 0 {
		return fmt.Errorf("ReadProcessMemory at %#x: %w", addr, e)
	}
	if n != uintptr(len(b)) {
		return fmt.Errorf("short read at %#x: %d of %d bytes", addr, n, len(b))
	}
	return nil
}

// ReadCString reads a NUL-terminated string out of the target one byte at
// a time.
func (t *Target) ReadCString(addr uint64) (string, error) {
	var out []byte
	var b [1]byte
	for {
		if err := t.ReadAt(addr+uint64(len(out)), b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
}

// Modules returns an empty table: on this platform module collection is
// delegated to the minidump writer, which reads the loader data itself.
func (t *Target) Modules() ([]snapshot.Module, error) {
	plog.Debugf("module enumeration delegated to the dump writer")
	return nil, nil
}

// Threads returns an empty list for the same reason as Modules.
func (t *Target) Threads(modules []snapshot.Module) ([]snapshot.Thread, error) {
	return nil, nil
}

// Suspend freezes the target's threads.
func (t *Target) Suspend() error {
	if r1, _, _ := procNtSuspendProcess.Call(uintptr(t.handle())); r1 != 0 {
		return fmt.Errorf("NtSuspendProcess: status %#x", r1)
	}
	return nil
}

// Resume undoes Suspend.
func (t *Target) Resume() error {
	if r1, _, _ := procNtResumeProcess.Call(uintptr(t.handle())); r1 != 0 {
		return fmt.Errorf("NtResumeProcess: status %#x", r1)
	}
	return nil
}

func (t *Target) continueEvent(status uint32) error {
	if !t.pending {
		return nil
	}
	t.pending = false
	r1, _, e := procContinueDebugEvent.Call(
		uintptr(t.lastEvent.ProcessID),
		uintptr(t.lastEvent.ThreadID),
		uintptr(status),
	)
	if r1 == 0 {
		return fmt.Errorf("ContinueDebugEvent: %w", e)
	}
	return nil
}

// Wait loops on WaitForDebugEvent. The synthetic attach breakpoint and
// every bookkeeping event (module load/unload, thread create/exit, debug
// strings) are continued transparently; exceptions the configuration does
// not capture are continued unhandled so the target's own dispatching
// proceeds. The target stays frozen from the moment an event is returned
// until Detach continues it.
func (t *Target) Wait() (snapshot.Event, error) {
	if !t.debugging {
		return snapshot.Event{}, errors.New("configuration does not wait for events")
	}
	for {
		var ev debugEvent
		r1, _, e := procWaitForDebugEvent.Call(uintptr(unsafe.Pointer(&ev)), infinite)
		if r1 == 0 {
			return snapshot.Event{}, fmt.Errorf("WaitForDebugEvent: %w", e)
		}
		t.lastEvent = ev
		t.haveEvent = true
		t.pending = true

		switch ev.DebugEventCode {
		case exceptionDebugEvent:
			rec := ev.exceptionInfo()
			if rec.ExceptionCode == exceptionBreakpoint {
				// Synthetic, raised by the attach itself.
				if err := t.continueEvent(dbgContinue); err != nil {
					return snapshot.Event{}, err
				}
				continue
			}
			if !t.cfg.CatchException {
				if err := t.continueEvent(dbgExceptionNotHandled); err != nil {
					return snapshot.Event{}, err
				}
				continue
			}
			plog.WithFields(plog.Fields{
				"pid":       ev.ProcessID,
				"thread_id": ev.ThreadID,
				"code":      fmt.Sprintf("%#x", rec.ExceptionCode),
			}).Debug("exception delivered")
			return snapshot.Event{Kind: snapshot.EventException}, nil

		case exitProcessDebugEvent:
			code := ev.exitCode()
			plog.WithFields(plog.Fields{"pid": ev.ProcessID, "status": code}).Debug("target exited")
			return snapshot.Event{Kind: snapshot.EventExit, ExitCode: int32(code)}, nil

		default:
			if err := t.continueEvent(dbgContinue); err != nil {
				return snapshot.Event{}, err
			}
		}
	}
}

// allocAndWrite stages one buffer inside the target and returns its remote
// address.
func (t *Target) allocAndWrite(b []byte) (uintptr, error) {
	addr, _, e := procVirtualAllocEx.Call(
		uintptr(t.handle()),
		0,
		uintptr(len(b)),
		memCommit|memReserve,
		pageReadWrite,
	)
	if addr == 0 {
		return 0, fmt.Errorf("VirtualAllocEx(%d bytes): %w", len(b), e)
	}
	t.staged = append(t.staged, addr)

	var n uintptr
	r1, _, e := procWriteProcessMemory.Call(
		uintptr(t.handle()),
		addr,
		uintptr(unsafe.Pointer(&b[0])),
		uintptr(len(b)),
		uintptr(unsafe.Pointer(&n)),
	)
	if r1 == 0 || n != uintptr(len(b)) {
		return 0, fmt.Errorf("WriteProcessMemory(%d bytes at %#x): %w", len(b), addr, e)
	}
	return addr, nil
}

// ExceptionContext captures the faulting thread's CPU context and
// relocates {EXCEPTION_RECORD, CONTEXT, EXCEPTION_POINTERS} into the
// target's address space, since the minidump writer expects pointers
// valid in the dumpee. The three regions stay staged until
// ReleaseContext or the target's own exit reaps them.
func (t *Target) ExceptionContext() (minidump.CrashContext, snapshot.ExceptionInfo, uint64, error) {
	var cc minidump.CrashContext
	var info snapshot.ExceptionInfo
	if !t.haveEvent || t.lastEvent.DebugEventCode != exceptionDebugEvent {
		return cc, info, 0, errors.New("no exception event delivered")
	}
	ev := t.lastEvent
	rec := *ev.exceptionInfo()

	th, err := syswin.OpenThread(threadGetContext, false, ev.ThreadID)
	if err != nil {
		return cc, info, 0, fmt.Errorf("OpenThread(%d): %w", ev.ThreadID, err)
	}
	thread := khandle.New(uintptr(th), "thread", closeHandle)
	defer thread.Close()

	ctx, err := captureThreadContext(th)
	if err != nil {
		return cc, info, 0, err
	}

	recBytes := unsafe.Slice((*byte)(unsafe.Pointer(&rec)), unsafe.Sizeof(rec))
	recAddr, err := t.allocAndWrite(recBytes)
	if err != nil {
		return cc, info, 0, err
	}
	ctxAddr, err := t.allocAndWrite(ctx)
	if err != nil {
		return cc, info, 0, err
	}
	pointers := make([]byte, 16)
	putPtr(pointers[0:], recAddr)
	putPtr(pointers[8:], ctxAddr)
	ptrsAddr, err := t.allocAndWrite(pointers)
	if err != nil {
		return cc, info, 0, err
	}

	info = snapshot.ExceptionInfo{
		Platform:         snapshot.ExceptionWindows,
		WinExceptionCode: rec.ExceptionCode,
	}
	cc = minidump.CrashContext{
		ProcessID:             ev.ProcessID,
		ThreadID:              uint64(ev.ThreadID),
		WinExceptionCode:      rec.ExceptionCode,
		ExceptionRecordAddr:   uint64(recAddr),
		ContextRecordAddr:     uint64(ctxAddr),
		ExceptionPointersAddr: uint64(ptrsAddr),
	}
	return cc, info, uint64(ev.ThreadID), nil
}

func putPtr(b []byte, v uintptr) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// ReleaseContext frees the staged regions after a successful dump. On a
// failed dump they are deliberately left for the target's exit to reap.
func (t *Target) ReleaseContext() error {
	var first error
	for _, addr := range t.staged {
		if r1, _, e := procVirtualFreeEx.Call(uintptr(t.handle()), addr, 0, memRelease); r1 == 0 && first == nil {
			first = fmt.Errorf("VirtualFreeEx(%#x): %w", addr, e)
		}
	}
	t.staged = nil
	return first
}

// PlainContext assembles a crash context with no exception record: the
// exit event's thread when one was delivered, otherwise the degenerate
// thread_id=0 shape of the no-wait snapshot mode.
func (t *Target) PlainContext() (minidump.CrashContext, error) {
	cc := minidump.CrashContext{ProcessID: t.pid}
	if t.haveEvent {
		cc.ThreadID = uint64(t.lastEvent.ThreadID)
	} else {
		plog.Warnf("no triggering event: dump will carry no thread-specific context")
	}
	return cc, nil
}

// ContinueExit is a no-op: by the time the exit event is delivered the
// process is already past the point of resuming.
func (t *Target) ContinueExit() error {
	return nil
}

// Detach continues any pending debug event, stops debugging, and releases
// the process handle. Idempotent.
func (t *Target) Detach() error {
	if t.detached {
		return nil
	}
	t.detached = true

	var first error
	if t.debugging {
		if err := t.continueEvent(dbgContinue); err != nil {
			first = err
		}
		if r1, _, e := procDebugActiveProcessStop.Call(uintptr(t.pid)); r1 == 0 && first == nil {
			first = fmt.Errorf("DebugActiveProcessStop: %w", e)
		}
		t.debugging = false
	}
	if t.threadLock {
		runtime.UnlockOSThread()
		t.threadLock = false
	}
	if err := t.process.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
