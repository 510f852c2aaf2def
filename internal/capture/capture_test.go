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

package capture

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/talismancer/pmortem/internal/minidump"
	"github.com/talismancer/pmortem/internal/snapshot"
)

// seekBuffer is an in-memory io.WriteSeeker for the dump sink.
type seekBuffer struct {
	b   []byte
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if need := s.pos + len(p); need > len(s.b) {
		s.b = append(s.b, make([]byte, need-len(s.b))...)
	}
	copy(s.b[s.pos:], p)
	s.pos += len(p)
	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		s.pos = int(offset)
	case 1:
		s.pos += int(offset)
	case 2:
		s.pos = len(s.b) + int(offset)
	}
	return int64(s.pos), nil
}

// fakeTarget scripts the platform backend: the event Wait delivers, the
// state the walkers return, and counters for every lifecycle call the
// policy is expected to make.
type fakeTarget struct {
	pid     int
	event   snapshot.Event
	waitErr error

	modules []snapshot.Module
	threads []snapshot.Thread

	excInfo snapshot.ExceptionInfo
	excTID  uint64

	suspends, resumes int
	waits             int
	continueExits     int
	probeStarted      bool
	probeErr          error
	released          int
}

func (f *fakeTarget) PID() int                        { return f.pid }
func (f *fakeTarget) ReadAt(uint64, []byte) error     { return errors.New("not mapped") }
func (f *fakeTarget) ReadCString(uint64) (string, error) {
	return "", errors.New("not mapped")
}
func (f *fakeTarget) Modules() ([]snapshot.Module, error) { return f.modules, nil }
func (f *fakeTarget) Threads(mods []snapshot.Module) ([]snapshot.Thread, error) {
	return f.threads, nil
}
func (f *fakeTarget) Suspend() error { f.suspends++; return nil }
func (f *fakeTarget) Resume() error  { f.resumes++; return nil }
func (f *fakeTarget) Wait() (snapshot.Event, error) {
	f.waits++
	return f.event, f.waitErr
}
func (f *fakeTarget) ExceptionContext() (minidump.CrashContext, snapshot.ExceptionInfo, uint64, error) {
	cc := minidump.CrashContext{
		ProcessID:         uint32(f.pid),
		ThreadID:          f.excTID,
		HasMachException:  true,
		MachExceptionKind: f.excInfo.MachKind,
		MachCode0:         f.excInfo.MachCode,
	}
	return cc, f.excInfo, f.excTID, nil
}
func (f *fakeTarget) PlainContext() (minidump.CrashContext, error) {
	return minidump.CrashContext{ProcessID: uint32(f.pid)}, nil
}
func (f *fakeTarget) ContinueExit() error { f.continueExits++; return nil }
func (f *fakeTarget) Detach() error       { return nil }

func (f *fakeTarget) StartExitProbe() error {
	if f.probeErr != nil {
		return f.probeErr
	}
	f.probeStarted = true
	return nil
}

func (f *fakeTarget) ReleaseContext() error { f.released++; return nil }

func twoThreads() []snapshot.Thread {
	return []snapshot.Thread{
		{ID: 100, Backtrace: []snapshot.Frame{{Address: 0x1000}}},
		{ID: 200, Backtrace: []snapshot.Frame{{Address: 0x2000}}},
	}
}

func readDump(t *testing.T, out *seekBuffer) (uint32, uint64, int64) {
	t.Helper()
	pid, tid, code, err := minidump.ReadStub(bytes.NewReader(out.b))
	if err != nil {
		t.Fatalf("ReadStub: %v", err)
	}
	return pid, tid, code
}

func TestNeitherModeSuspendsDumpsResumes(t *testing.T) {
	ft := &fakeTarget{pid: 42, threads: twoThreads()}
	out := &seekBuffer{}

	res, err := Run(ft, Options{Writer: minidump.Stub{}, Out: out})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Dumped {
		t.Error("no dump produced")
	}
	if ft.waits != 0 {
		t.Errorf("neither mode waited %d times, want 0", ft.waits)
	}
	if ft.suspends != 1 || ft.resumes != 1 {
		t.Errorf("suspend/resume = %d/%d, want 1/1", ft.suspends, ft.resumes)
	}
	pid, _, code := readDump(t, out)
	if pid != 42 || code != 0 {
		t.Errorf("dump {pid %d, code %d}, want {42, 0}", pid, code)
	}
}

func TestExceptionDumpReordersThreads(t *testing.T) {
	ft := &fakeTarget{
		pid:     42,
		event:   snapshot.Event{Kind: snapshot.EventException},
		threads: twoThreads(),
		excInfo: snapshot.ExceptionInfo{Platform: snapshot.ExceptionMach, MachKind: 1, MachCode: 2},
		excTID:  200,
	}
	out := &seekBuffer{}

	res, err := Run(ft, Options{
		Config: snapshot.CaptureConfig{CatchException: true},
		Writer: minidump.Stub{},
		Out:    out,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Dumped || res.Snapshot == nil {
		t.Fatal("exception capture produced no snapshot")
	}
	if got := res.Snapshot.Threads[0].ID; got != 200 {
		t.Errorf("first thread = %d, want exception-bearing 200", got)
	}
	if res.Snapshot.Threads[0].Exception == nil {
		t.Error("exception thread carries no exception info")
	}
	if res.Snapshot.Threads[1].Exception != nil {
		t.Error("non-faulting thread carries exception info")
	}
	pid, tid, code := readDump(t, out)
	if pid != 42 || tid != 200 || code != 1 {
		t.Errorf("dump {pid %d, tid %d, code %d}, want {42, 200, 1}", pid, tid, code)
	}
	if ft.released != 1 {
		t.Errorf("staged context released %d times, want 1", ft.released)
	}
}

func TestExitWithoutCatchExitDoesNotDump(t *testing.T) {
	ft := &fakeTarget{
		pid:   42,
		event: snapshot.Event{Kind: snapshot.EventExit, ExitCode: 7},
	}
	out := &seekBuffer{}

	res, err := Run(ft, Options{
		Config: snapshot.CaptureConfig{CatchException: true},
		Writer: minidump.Stub{},
		Out:    out,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Dumped {
		t.Error("dump produced for an uncaught exit")
	}
	if res.ExitCode == nil || *res.ExitCode != 7 {
		t.Errorf("exit code = %v, want 7", res.ExitCode)
	}
	if len(out.b) != 0 {
		t.Errorf("%d bytes written to the dump sink, want 0", len(out.b))
	}
}

func TestExitWithCatchExitDumps(t *testing.T) {
	ft := &fakeTarget{
		pid:   42,
		event: snapshot.Event{Kind: snapshot.EventExit, ExitCode: 0},
	}
	out := &seekBuffer{}

	res, err := Run(ft, Options{
		Config: snapshot.CaptureConfig{CatchExit: true},
		Writer: minidump.Stub{},
		Out:    out,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Dumped {
		t.Error("no dump for a caught exit")
	}
	if !ft.probeStarted {
		t.Error("exit probe never armed")
	}
	pid, _, code := readDump(t, out)
	if pid != 42 || code != 0 {
		t.Errorf("dump {pid %d, code %d}, want {42, 0}", pid, code)
	}
}

func TestStopDumpsAndContinues(t *testing.T) {
	ft := &fakeTarget{
		pid:     42,
		event:   snapshot.Event{Kind: snapshot.EventStop},
		threads: twoThreads(),
	}
	out := &seekBuffer{}

	res, err := Run(ft, Options{
		Config: snapshot.CaptureConfig{CatchExit: true},
		Writer: minidump.Stub{},
		Out:    out,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Dumped || res.Snapshot == nil {
		t.Fatal("stop capture produced no snapshot")
	}
	if ft.continueExits != 1 {
		t.Errorf("ContinueExit called %d times, want 1", ft.continueExits)
	}
}

func TestExitProbeFailureIsFatalAtSetup(t *testing.T) {
	ft := &fakeTarget{
		pid:      42,
		probeErr: errors.New("dtrace not found"),
	}
	if _, err := Run(ft, Options{
		Config: snapshot.CaptureConfig{CatchExit: true},
		Writer: minidump.Stub{},
		Out:    &seekBuffer{},
	}); err == nil {
		t.Fatal("Run succeeded with an unarmable exit probe")
	}
	if ft.waits != 0 {
		t.Error("waited for an event despite probe setup failure")
	}
}

func TestJSONSinkMirrorsSnapshot(t *testing.T) {
	exitSym := uint64(0x100402000)
	ft := &fakeTarget{
		pid:   42,
		event: snapshot.Event{Kind: snapshot.EventException},
		modules: []snapshot.Module{{
			Path:       "/bin/target",
			LoadAddr:   0x100400000,
			TextRange:  &snapshot.Range{Start: 0x100400000, End: 0x100403000},
			ExitSymbol: &exitSym,
		}},
		threads: twoThreads(),
		excInfo: snapshot.ExceptionInfo{Platform: snapshot.ExceptionMach, MachKind: 1, MachCode: 13},
		excTID:  100,
	}
	var jsonOut bytes.Buffer

	if _, err := Run(ft, Options{
		Config:  snapshot.CaptureConfig{CatchException: true},
		Writer:  minidump.Stub{},
		Out:     &seekBuffer{},
		JSONOut: &jsonOut,
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var doc struct {
		Modules []struct {
			Path        string `json:"path"`
			LoadAddress string `json:"load_address"`
			ExitSymbol  string `json:"exit_symbol"`
		} `json:"modules"`
		Threads []struct {
			ID        uint64 `json:"id"`
			Exception *struct {
				Kind int32 `json:"kind"`
				Code int32 `json:"code"`
			} `json:"exception"`
		} `json:"threads"`
	}
	if err := json.Unmarshal(jsonOut.Bytes(), &doc); err != nil {
		t.Fatalf("decoding json sink: %v", err)
	}
	if len(doc.Modules) != 1 || doc.Modules[0].LoadAddress != "0x100400000" {
		t.Errorf("modules: %+v", doc.Modules)
	}
	if doc.Modules[0].ExitSymbol != "0x100402000" {
		t.Errorf("exit_symbol = %q", doc.Modules[0].ExitSymbol)
	}
	if len(doc.Threads) != 2 || doc.Threads[0].ID != 100 {
		t.Fatalf("threads: %+v", doc.Threads)
	}
	if doc.Threads[0].Exception == nil || doc.Threads[0].Exception.Kind != 1 || doc.Threads[0].Exception.Code != 13 {
		t.Errorf("exception: %+v", doc.Threads[0].Exception)
	}
}

func TestWaitErrorPropagates(t *testing.T) {
	ft := &fakeTarget{pid: 42, waitErr: errors.New("kqueue torn down")}
	if _, err := Run(ft, Options{
		Config: snapshot.CaptureConfig{CatchException: true},
		Writer: minidump.Stub{},
		Out:    &seekBuffer{},
	}); err == nil {
		t.Fatal("Run swallowed the wait error")
	}
}
