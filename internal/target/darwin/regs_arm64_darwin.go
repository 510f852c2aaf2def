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

//go:build darwin && arm64

package darwin

/*
#include <mach/mach.h>

static kern_return_t thread_pc_fp(thread_act_t th, uint64_t *pc, uint64_t *fp) {
	arm_thread_state64_t state;
	mach_msg_type_number_t cnt = ARM_THREAD_STATE64_COUNT;
	kern_return_t kr = thread_get_state(th, ARM_THREAD_STATE64, (thread_state_t)&state, &cnt);
	if (kr != KERN_SUCCESS) {
		return kr;
	}
	*pc = arm_thread_state64_get_pc(state);
	*fp = arm_thread_state64_get_fp(state);
	return KERN_SUCCESS;
}
*/
import "C"

// threadPCFP reads the thread's program counter and frame pointer from
// ARM_THREAD_STATE64. The accessor macros strip pointer authentication
// bits on hardware that signs them.
func threadPCFP(th C.thread_act_t) (pc, fp uint64, err error) {
	var cpc, cfp C.uint64_t
	if err := kernErr(C.thread_pc_fp(th, &cpc, &cfp), "thread_get_state(ARM_THREAD_STATE64)"); err != nil {
		return 0, 0, err
	}
	return uint64(cpc), uint64(cfp), nil
}
