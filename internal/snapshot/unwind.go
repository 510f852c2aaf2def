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

package snapshot

import (
	"encoding/binary"
	"fmt"
)

// Memory is the single cross-address-space read primitive the unwinder
// needs. Both platform targets satisfy it; tests satisfy it with an
// in-process fake.
type Memory interface {
	ReadAt(addr uint64, b []byte) error
}

// maxUnwindDepth bounds the frame-pointer walk. A conforming stack
// terminates at fp == 0 long before this; the cap exists so a corrupted
// frame chain that points back into itself cannot spin the capture
// forever.
const maxUnwindDepth = 512

func readU64(mem Memory, addr uint64) (uint64, error) {
	var b [8]byte
	if err := mem.ReadAt(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Unwind walks the saved-frame-pointer chain starting from the captured
// pc/fp pair, attributing each return address to a module. The walk never
// dereferences address 0: it stops at fp == 0, at a saved pc of 0, or at
// the depth cap. Frames belonging to code compiled without a frame pointer
// are skipped, which is an accepted limitation of this strategy.
//
// A failed read mid-walk is returned as an error: a half-inspected stack
// cannot yield a trustworthy snapshot, so the caller fails the capture
// rather than emitting a truncated backtrace.
func Unwind(mem Memory, pc, fp uint64, modules []Module) ([]Frame, error) {
	frames := []Frame{NewFrame(0, pc, modules)}
	depth := uint32(0)
	for fp != 0 && depth < maxUnwindDepth {
		nextPC, err := readU64(mem, fp+8)
		if err != nil {
			return nil, fmt.Errorf("unwind: reading return address at %#x: %w", fp+8, err)
		}
		if nextPC == 0 {
			break
		}
		depth++
		frames = append(frames, NewFrame(depth, nextPC, modules))
		next, err := readU64(mem, fp)
		if err != nil {
			return nil, fmt.Errorf("unwind: reading saved frame pointer at %#x: %w", fp, err)
		}
		fp = next
	}
	return frames, nil
}
