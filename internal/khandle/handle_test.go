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

package khandle

import (
	"errors"
	"testing"
)

func TestCloseIsIdempotent(t *testing.T) {
	calls := 0
	h := New(42, "test", func(uintptr) error {
		calls++
		return nil
	})

	for i := 0; i < 3; i++ {
		if err := h.Close(); err != nil {
			t.Fatalf("Close() #%d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("release called %d times, want 1", calls)
	}
	if !h.Closed() {
		t.Fatal("Closed() = false after Close()")
	}
}

func TestCloseReturnsReleaseError(t *testing.T) {
	wantErr := errors.New("boom")
	h := New(1, "test", func(uintptr) error { return wantErr })

	if err := h.Close(); !errors.Is(err, wantErr) {
		t.Fatalf("Close() = %v, want %v", err, wantErr)
	}
	// Subsequent closes return the same cached error, not nil.
	if err := h.Close(); !errors.Is(err, wantErr) {
		t.Fatalf("second Close() = %v, want %v", err, wantErr)
	}
}

func TestCloneAfterCloseFails(t *testing.T) {
	h := New(7, "test", func(uintptr) error { return nil })
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Clone(func(n uintptr) (uintptr, error) { return n + 1, nil }); err == nil {
		t.Fatal("Clone() after Close() should fail")
	}
}

func TestCloneDuplicatesDescriptor(t *testing.T) {
	h := New(7, "test", func(uintptr) error { return nil })
	clone, err := h.Clone(func(n uintptr) (uintptr, error) { return n + 100, nil })
	if err != nil {
		t.Fatal(err)
	}
	if clone.Name() == h.Name() {
		t.Fatal("clone aliased the same name instead of duplicating")
	}
	if h.Closed() {
		t.Fatal("cloning must not close the original")
	}
}

func TestLeakCheckerSymmetry(t *testing.T) {
	var lc LeakChecker

	h1 := lc.Track(1, "a", func(uintptr) error { return nil })
	h2 := lc.Track(2, "b", func(uintptr) error { return nil })

	if got := lc.Live(); got != 2 {
		t.Fatalf("Live() = %d, want 2", got)
	}

	h1.Close()
	if got := lc.Live(); got != 1 {
		t.Fatalf("Live() after one Close = %d, want 1", got)
	}

	h2.Close()
	if got := lc.Live(); got != 0 {
		t.Fatalf("Live() after all Close = %d, want 0 (attach/detach symmetry violated)", got)
	}
}

func TestLeakCheckerCountsEvenOnFailedRelease(t *testing.T) {
	var lc LeakChecker
	h := lc.Track(1, "a", func(uintptr) error { return errors.New("release failed") })

	// Even a failing release must still decrement: the resource is gone
	// from the kernel's perspective regardless of whether we learned about
	// an error, and the engine must not believe it still owns it.
	_ = h.Close()
	if got := lc.Live(); got != 0 {
		t.Fatalf("Live() after failed-but-attempted Close = %d, want 0", got)
	}
}
