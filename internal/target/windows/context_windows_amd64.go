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

//go:build windows && amd64

package windows

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	syswin "golang.org/x/sys/windows"
)

// CONTEXT for x64: 1232 bytes, 16-byte aligned, ContextFlags at offset 48
// (after the six PxHome slots). CONTEXT_ALL requests control, integer,
// segment, floating-point and debug registers.
const (
	contextSize        = 1232
	contextAlign       = 16
	contextFlagsOffset = 48
	contextAll         = 0x0010001F
)

// captureThreadContext reads the thread's full CPU context into an
// aligned buffer and returns exactly contextSize bytes ready to be staged
// in the target.
func captureThreadContext(th syswin.Handle) ([]byte, error) {
	raw := make([]byte, contextSize+contextAlign)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % contextAlign); rem != 0 {
		off = contextAlign - rem
	}
	ctx := raw[off : off+contextSize]
	binary.LittleEndian.PutUint32(ctx[contextFlagsOffset:], contextAll)

	r1, _, e := procGetThreadContext.Call(uintptr(th), uintptr(unsafe.Pointer(&ctx[0])))
	if r1 == 0 {
		return nil, fmt.Errorf("GetThreadContext: %w", e)
	}
	return ctx, nil
}
