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

// Package darwin implements the Mach capture backend: task-port attach,
// exception-port installation, cross-task reads, thread and module
// walking, and the kqueue event source multiplexing exit, exception
// delivery, and the exit-probe wake channel.
package darwin

/*
#include <mach/mach.h>
#include <mach/mach_vm.h>
#include <mach/mach_error.h>
#include <mach/mach_traps.h>
#include <mach/task_info.h>
#include <stdint.h>

// mach_task_self() is a macro over mach_task_self_; give cgo a callable.
static task_t self_task(void) {
	return mach_task_self();
}

// EXC_MASK_ALL and the COUNT macros expand to expressions cgo cannot
// evaluate; surface them as plain constants.
static const exception_mask_t kExcMaskAll = EXC_MASK_ALL;

static kern_return_t dyld_info_addr(task_t task, uint64_t *addr) {
	task_dyld_info_data_t di;
	mach_msg_type_number_t cnt = TASK_DYLD_INFO_COUNT;
	kern_return_t kr = task_info(task, TASK_DYLD_INFO, (task_info_t)&di, &cnt);
	if (kr == KERN_SUCCESS) {
		*addr = di.all_image_info_addr;
	}
	return kr;
}

static kern_return_t thread_ident(thread_act_t th, uint64_t *tid) {
	thread_identifier_info_data_t info;
	mach_msg_type_number_t cnt = THREAD_IDENTIFIER_INFO_COUNT;
	kern_return_t kr = thread_info(th, THREAD_IDENTIFIER_INFO, (thread_info_t)&info, &cnt);
	if (kr == KERN_SUCCESS) {
		*tid = info.thread_id;
	}
	return kr;
}

// The exception message delivered to a receive port installed with
// EXCEPTION_DEFAULT behavior: header, body, thread/task port descriptors,
// NDR record, exception type, and up to two codes.
typedef struct {
	mach_msg_header_t header;
	mach_msg_body_t body;
	mach_msg_port_descriptor_t thread;
	mach_msg_port_descriptor_t task;
	NDR_record_t ndr;
	exception_type_t exception;
	mach_msg_type_number_t code_count;
	integer_t code[2];
	mach_msg_trailer_t trailer;
} exc_message_t;
*/
import "C"

import (
	"errors"
	"fmt"
	"os/exec"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/talismancer/pmortem/internal/khandle"
	"github.com/talismancer/pmortem/internal/macho"
	"github.com/talismancer/pmortem/internal/minidump"
	"github.com/talismancer/pmortem/internal/plog"
	"github.com/talismancer/pmortem/internal/snapshot"
)

// ErrTransient tags attach failures the caller may retry.
var ErrTransient = errors.New("transient mach failure")

// Task is an attached Mach target. It owns the task-port send right plus,
// depending on configuration, the exception receive port and the kqueue
// descriptor; Detach releases all of them and re-installs the exception
// handlers the attach displaced.
type Task struct {
	pid int
	cfg snapshot.CaptureConfig

	task    *khandle.Handle // send right to the target task
	excPort *khandle.Handle // receive right, only when CatchException
	kq      *khandle.Handle // kqueue fd, only when the config waits

	// Previous exception handlers returned by task_swap_exception_ports.
	prevCnt       C.mach_msg_type_number_t
	prevMasks     [32]C.exception_mask_t
	prevPorts     [32]C.mach_port_t
	prevBehaviors [32]C.exception_behavior_t
	prevFlavors   [32]C.thread_state_flavor_t

	probe    *exec.Cmd
	detached bool
}

func kernErr(kr C.kern_return_t, call string) error {
	if kr == C.KERN_SUCCESS {
		return nil
	}
	err := fmt.Errorf("%s: %s (kern_return %d)", call, C.GoString(C.mach_error_string(kr)), int(kr))
	if kr == C.KERN_ABORTED {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

func deallocPort(name uintptr) error {
	return kernErr(C.mach_port_deallocate(C.self_task(), C.mach_port_t(name)), "mach_port_deallocate")
}

// Attach acquires a send right to pid's task and wires up whatever event
// machinery the configuration needs: the exception port swap when
// exceptions are caught, the kqueue when any event is waited for. Any
// failure releases everything acquired so far; no partial state survives.
func Attach(pid int, cfg snapshot.CaptureConfig) (*Task, error) {
	t := &Task{pid: pid, cfg: cfg}

	var name C.mach_port_t
	if err := kernErr(C.task_for_pid(C.self_task(), C.int(pid), &name), "task_for_pid"); err != nil {
		return nil, fmt.Errorf("attaching to pid %d: %w", pid, err)
	}
	t.task = khandle.New(uintptr(name), "task", deallocPort)

	if cfg.CatchException {
		if err := t.installExceptionPort(); err != nil {
			t.Detach()
			return nil, err
		}
	}
	if cfg.Waits() {
		if err := t.initKqueue(); err != nil {
			t.Detach()
			return nil, err
		}
	}
	plog.WithFields(plog.Fields{"pid": pid}).Debug("attached to task")
	return t, nil
}

func (t *Task) taskPort() C.task_t {
	return C.task_t(t.task.Name())
}

// installExceptionPort allocates a receive port, inserts a send right on
// it, and swaps it in as the handler for the target's entire exception
// mask, recording the displaced handlers for restoration on Detach.
func (t *Task) installExceptionPort() error {
	var name C.mach_port_t
	kr := C.mach_port_allocate(C.self_task(), C.MACH_PORT_RIGHT_RECEIVE, &name)
	if err := kernErr(kr, "mach_port_allocate"); err != nil {
		return err
	}
	t.excPort = khandle.New(uintptr(name), "exception-port", deallocPort)

	kr = C.mach_port_insert_right(C.self_task(), name, name, C.MACH_MSG_TYPE_MAKE_SEND)
	if err := kernErr(kr, "mach_port_insert_right"); err != nil {
		return err
	}

	kr = C.task_swap_exception_ports(
		t.taskPort(),
		C.kExcMaskAll,
		name,
		C.EXCEPTION_DEFAULT,
		C.THREAD_STATE_NONE,
		&t.prevMasks[0],
		&t.prevCnt,
		&t.prevPorts[0],
		&t.prevBehaviors[0],
		&t.prevFlavors[0],
	)
	return kernErr(kr, "task_swap_exception_ports")
}

// restoreExceptionPorts re-installs the handlers displaced by
// installExceptionPort. Best effort: a failure is logged, not returned,
// since the kernel falls back to the saved handler anyway once our
// receive right dies.
func (t *Task) restoreExceptionPorts() {
	for i := C.mach_msg_type_number_t(0); i < t.prevCnt; i++ {
		kr := C.task_set_exception_ports(
			t.taskPort(),
			t.prevMasks[i],
			t.prevPorts[i],
			t.prevBehaviors[i],
			t.prevFlavors[i],
		)
		if err := kernErr(kr, "task_set_exception_ports"); err != nil {
			plog.WithFields(plog.Fields{"pid": t.pid}).Warnf("restoring exception handler %d: %v", i, err)
		}
	}
	t.prevCnt = 0
}

// PID returns the attached process identifier.
func (t *Task) PID() int {
	return t.pid
}

// ReadAt copies len(b) bytes out of the target at addr.
func (t *Task) ReadAt(addr uint64, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	var out C.mach_vm_size_t
	kr := C.mach_vm_read_overwrite(
		t.taskPort(),
		C.mach_vm_address_t(addr),
		C.mach_vm_size_t(len(b)),
		C.mach_vm_address_t(uintptr(unsafe.Pointer(&b[0]))),
		&out,
	)
	if err := kernErr(kr, "mach_vm_read_overwrite"); err != nil {
		return fmt.Errorf("reading %d bytes at %#x: %w", len(b), addr, err)
	}
	if uint64(out) != uint64(len(b)) {
		return fmt.Errorf("short read at %#x: %d of %d bytes", addr, uint64(out), len(b))
	}
	return nil
}

// ReadCString reads a NUL-terminated string out of the target one byte at
// a time.
func (t *Task) ReadCString(addr uint64) (string, error) {
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

// Modules walks the target's dyld image list.
func (t *Task) Modules() ([]snapshot.Module, error) {
	var addr C.uint64_t
	if err := kernErr(C.dyld_info_addr(t.taskPort(), &addr), "task_info(TASK_DYLD_INFO)"); err != nil {
		return nil, err
	}
	return macho.Images(t, uint64(addr))
}

// Suspend freezes all target threads.
func (t *Task) Suspend() error {
	return kernErr(C.task_suspend(t.taskPort()), "task_suspend")
}

// Resume undoes Suspend.
func (t *Task) Resume() error {
	return kernErr(C.task_resume(t.taskPort()), "task_resume")
}

// ExceptionContext dequeues the pending exception message from the
// receive port and assembles the crash context carrying it. The thread
// and task ports delivered inside the message are released before
// returning; only the stable 64-bit thread identifier leaves this method.
func (t *Task) ExceptionContext() (minidump.CrashContext, snapshot.ExceptionInfo, uint64, error) {
	var cc minidump.CrashContext
	var info snapshot.ExceptionInfo
	if t.excPort == nil {
		return cc, info, 0, errors.New("no exception port installed")
	}

	var msg C.exc_message_t
	kr := C.mach_msg(
		&msg.header,
		C.MACH_RCV_MSG,
		0,
		C.mach_msg_size_t(unsafe.Sizeof(msg)),
		C.mach_port_t(t.excPort.Name()),
		C.MACH_MSG_TIMEOUT_NONE,
		0,
	)
	if err := kernErr(kr, "mach_msg"); err != nil {
		return cc, info, 0, err
	}

	// The message carries its own rights to the faulting thread and the
	// task; both are scoped to this call.
	msgTask := khandle.New(uintptr(msg.task.name), "exception-msg-task", deallocPort)
	defer msgTask.Close()
	excThread := khandle.New(uintptr(msg.thread.name), "exception-msg-thread", deallocPort)
	defer excThread.Close()

	var tid C.uint64_t
	if err := kernErr(C.thread_ident(C.thread_act_t(excThread.Name()), &tid), "thread_info"); err != nil {
		return cc, info, 0, err
	}

	info = snapshot.ExceptionInfo{
		Platform: snapshot.ExceptionMach,
		MachKind: int32(msg.exception),
		MachCode: int32(msg.code[0]),
	}
	cc = minidump.CrashContext{
		ProcessID:         uint32(t.pid),
		ThreadID:          uint64(tid),
		HasMachException:  true,
		MachExceptionKind: int32(msg.exception),
		MachCode0:         int32(msg.code[0]),
	}
	if msg.code_count > 1 {
		sub := int32(msg.code[1])
		info.MachSubcode = &sub
		cc.MachCode1 = &sub
	}

	plog.WithFields(plog.Fields{
		"pid":       t.pid,
		"thread_id": uint64(tid),
		"kind":      info.MachKind,
		"code":      info.MachCode,
	}).Debug("exception dequeued")
	return cc, info, uint64(tid), nil
}

// PlainContext assembles a crash context with no exception record.
func (t *Task) PlainContext() (minidump.CrashContext, error) {
	return minidump.CrashContext{ProcessID: uint32(t.pid)}, nil
}

// ContinueExit delivers SIGCONT so a target halted by the exit probe can
// proceed with its original exit.
func (t *Task) ContinueExit() error {
	if err := unix.Kill(t.pid, unix.SIGCONT); err != nil {
		return fmt.Errorf("resuming stopped target %d: %w", t.pid, err)
	}
	return nil
}

// Detach restores the displaced exception handlers, stops the exit probe
// if one is running, and releases every handle the attach acquired.
// Idempotent; safe on a partially constructed Task.
func (t *Task) Detach() error {
	if t.detached {
		return nil
	}
	t.detached = true

	if t.probe != nil && t.probe.Process != nil {
		if err := t.probe.Process.Kill(); err != nil {
			plog.Debugf("stopping exit probe: %v", err)
		}
	}
	if t.excPort != nil && t.prevCnt > 0 {
		t.restoreExceptionPorts()
	}

	var first error
	for _, h := range []*khandle.Handle{t.kq, t.excPort, t.task} {
		if h == nil {
			continue
		}
		if err := h.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
