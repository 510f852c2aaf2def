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

// Package khandle provides scoped ownership of kernel resources acquired
// by the attach-and-capture engine: Mach ports, Windows handles, file
// descriptors, tokens. The invariant it enforces: every kernel resource
// acquired by the engine is owned by exactly one wrapper and released on
// all exit paths, including panics.
//
// Go has no destructors, so callers must `defer h.Close()` themselves,
// but Close is idempotent and safe to call from a deferred recover.
package khandle

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Handle owns a single kernel resource identified by a platform-specific
// value (a mach_port_t, a Windows HANDLE, a file descriptor...) stored as a
// uintptr, plus the release function that gives it back to the kernel.
type Handle struct {
	name    uintptr
	release func(uintptr) error
	label   string

	once   sync.Once
	closed atomic.Bool
	relErr error
}

// New wraps name, to be given back to the kernel via release exactly once.
// label is used only for diagnostics (logged on a failed release).
func New(name uintptr, label string, release func(uintptr) error) *Handle {
	return &Handle{name: name, release: release, label: label}
}

// Name returns the wrapped kernel identifier. Callers must not retain it
// past Close.
func (h *Handle) Name() uintptr {
	return h.name
}

// Close releases the underlying resource. Safe to call more than once and
// safe to call from a deferred recover after a panic; only the first call
// does any work.
func (h *Handle) Close() error {
	h.once.Do(func() {
		h.relErr = h.release(h.name)
		h.closed.Store(true)
	})
	return h.relErr
}

// Closed reports whether Close has already run.
func (h *Handle) Closed() bool {
	return h.closed.Load()
}

// Clone duplicates the underlying descriptor via dup rather than aliasing
// this wrapper, so the clone and the original can be closed independently
// from different goroutines. dup is the platform-specific duplication
// primitive (e.g. unix.Dup for an fd).
func (h *Handle) Clone(dup func(uintptr) (uintptr, error)) (*Handle, error) {
	if h.Closed() {
		return nil, fmt.Errorf("khandle: clone of closed handle %q", h.label)
	}
	dupped, err := dup(h.name)
	if err != nil {
		return nil, fmt.Errorf("khandle: clone %q: %w", h.label, err)
	}
	return New(dupped, h.label+".clone", h.release), nil
}

// LeakChecker counts live handles across an attach/detach cycle so tests
// can assert the symmetry property ("the number of kernel
// handles owned before attach equals the number after detach"). Production
// code does not use it; internal/khandle's real wrappers don't need central
// bookkeeping because each Handle is independently scoped.
type LeakChecker struct {
	mu    sync.Mutex
	count int
}

// Track wraps release so that every Close (successful or not) decrements
// the checker's live count, and returns a Handle whose creation has already
// incremented it.
func (lc *LeakChecker) Track(name uintptr, label string, release func(uintptr) error) *Handle {
	lc.mu.Lock()
	lc.count++
	lc.mu.Unlock()

	return New(name, label, func(n uintptr) error {
		lc.mu.Lock()
		lc.count--
		lc.mu.Unlock()
		return release(n)
	})
}

// Live returns the number of handles created via Track that have not yet
// been Close'd.
func (lc *LeakChecker) Live() int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.count
}
