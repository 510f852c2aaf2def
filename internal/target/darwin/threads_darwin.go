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

/*
#include <mach/mach.h>
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/talismancer/pmortem/internal/khandle"
	"github.com/talismancer/pmortem/internal/snapshot"
)

// Threads enumerates the target's threads, reading each one's stable
// identifier and register state and unwinding its stack against modules.
// Thread ports are short-lived: each is released as soon as its state has
// been read, and the kernel-allocated port array is deallocated before
// returning.
func (t *Task) Threads(modules []snapshot.Module) ([]snapshot.Thread, error) {
	var list C.thread_act_array_t
	var cnt C.mach_msg_type_number_t
	if err := kernErr(C.task_threads(t.taskPort(), &list, &cnt), "task_threads"); err != nil {
		return nil, err
	}
	defer C.vm_deallocate(
		C.self_task(),
		C.vm_address_t(uintptr(unsafe.Pointer(list))),
		C.vm_size_t(uintptr(cnt)*unsafe.Sizeof(C.thread_act_t(0))),
	)

	ports := unsafe.Slice(list, int(cnt))
	threads := make([]snapshot.Thread, 0, cnt)
	for i, p := range ports {
		th, err := t.walkThread(p, modules)
		if err != nil {
			// Ports i+1.. are still unreleased; close them before
			// failing so the capture's handle accounting stays exact.
			for _, rest := range ports[i+1:] {
				khandle.New(uintptr(rest), "thread", deallocPort).Close()
			}
			return nil, fmt.Errorf("thread %d of %d: %w", i, int(cnt), err)
		}
		threads = append(threads, th)
	}
	return threads, nil
}

func (t *Task) walkThread(port C.thread_act_t, modules []snapshot.Module) (snapshot.Thread, error) {
	h := khandle.New(uintptr(port), "thread", deallocPort)
	defer h.Close()

	var tid C.uint64_t
	if err := kernErr(C.thread_ident(port, &tid), "thread_info"); err != nil {
		return snapshot.Thread{}, err
	}
	pc, fp, err := threadPCFP(port)
	if err != nil {
		return snapshot.Thread{}, err
	}
	frames, err := snapshot.Unwind(t, pc, fp, modules)
	if err != nil {
		return snapshot.Thread{}, err
	}
	return snapshot.Thread{ID: uint64(tid), Backtrace: frames}, nil
}
