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

package macho

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/talismancer/pmortem/internal/snapshot"
)

// imageSpace is a byte-granular sparse address space tests assemble
// synthetic Mach-O images into.
type imageSpace map[uint64]byte

func (s imageSpace) ReadAt(addr uint64, b []byte) error {
	for i := range b {
		v, ok := s[addr+uint64(i)]
		if !ok {
			return fmt.Errorf("unmapped read at %#x", addr+uint64(i))
		}
		b[i] = v
	}
	return nil
}

func (s imageSpace) ReadCString(addr uint64) (string, error) {
	var out []byte
	for {
		c, ok := s[addr+uint64(len(out))]
		if !ok {
			return "", fmt.Errorf("unmapped string read at %#x", addr+uint64(len(out)))
		}
		if c == 0 {
			return string(out), nil
		}
		out = append(out, c)
	}
}

func (s imageSpace) put(addr uint64, b []byte) {
	for i, v := range b {
		s[addr+uint64(i)] = v
	}
}

func (s imageSpace) putU32(addr uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	s.put(addr, b[:])
}

func (s imageSpace) putU64(addr uint64, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	s.put(addr, b[:])
}

func (s imageSpace) putCString(addr uint64, str string) {
	s.put(addr, append([]byte(str), 0))
}

// buildImage assembles a minimal 64-bit Mach-O at loadAddr: a header,
// a __TEXT segment with the given preferred vmaddr/size, an optional
// __LINKEDIT segment plus LC_SYMTAB whose table defines the named
// symbols at the given unslid values.
type testSymbol struct {
	name  string
	typ   byte
	value uint64
}

func buildImage(s imageSpace, loadAddr, textVMAddr, textVMSize uint64, syms []testSymbol) {
	type lc struct {
		addr uint64
		size uint32
	}
	ncmds := uint32(1)
	if syms != nil {
		ncmds = 3
	}

	// mach_header_64
	s.putU32(loadAddr+0, magic64)
	s.putU32(loadAddr+4, 0x0100000c) // cputype, arbitrary
	s.putU32(loadAddr+8, 0)
	s.putU32(loadAddr+12, 2) // MH_EXECUTE
	s.putU32(loadAddr+16, ncmds)
	s.putU32(loadAddr+20, ncmds*segmentCmd64Size)
	s.putU32(loadAddr+24, 0)
	s.putU32(loadAddr+28, 0)

	seg := func(c lc, name string, vmaddr, vmsize, fileoff uint64) {
		s.putU32(c.addr+0, lcSegment64)
		s.putU32(c.addr+4, c.size)
		var nm [16]byte
		copy(nm[:], name)
		s.put(c.addr+8, nm[:])
		s.putU64(c.addr+24, vmaddr)
		s.putU64(c.addr+32, vmsize)
		s.putU64(c.addr+40, fileoff)
		s.putU64(c.addr+48, vmsize) // filesize
		s.put(c.addr+56, make([]byte, 16))
	}

	text := lc{addr: loadAddr + machHeader64Size, size: segmentCmd64Size}
	seg(text, "__TEXT", textVMAddr, textVMSize, 0)
	if syms == nil {
		return
	}

	slide := loadAddr - textVMAddr

	// __LINKEDIT lives (slid) right after __TEXT; give it a nonzero file
	// offset so the vm/file-offset correction is actually exercised.
	const linkeditFileoff = 0x4000
	linkeditVMAddr := textVMAddr + textVMSize
	le := lc{addr: text.addr + segmentCmd64Size, size: segmentCmd64Size}
	seg(le, "__LINKEDIT", linkeditVMAddr, 0x2000, linkeditFileoff)

	// LC_SYMTAB: symbols at file offset 0x4100, strings at 0x4800.
	const (
		symoff = linkeditFileoff + 0x100
		stroff = linkeditFileoff + 0x800
	)
	st := lc{addr: le.addr + segmentCmd64Size, size: symtabCmdSize}
	s.putU32(st.addr+0, lcSymtab)
	s.putU32(st.addr+4, symtabCmdSize)
	s.putU32(st.addr+8, symoff)
	s.putU32(st.addr+12, uint32(len(syms)))
	s.putU32(st.addr+16, stroff)
	s.putU32(st.addr+20, 0x1000)

	base := linkeditVMAddr + slide - linkeditFileoff
	strCursor := uint32(1)
	for i, sym := range syms {
		entry := base + symoff + uint64(i)*nlist64Size
		s.putU32(entry+0, strCursor)
		s.put(entry+4, []byte{sym.typ, 1})
		s.put(entry+6, []byte{0, 0})
		s.putU64(entry+8, sym.value)

		s.putCString(base+stroff+uint64(strCursor), sym.name)
		strCursor += uint32(len(sym.name)) + 1
	}
	// Index 0 of the string table is the empty string.
	s.put(base+stroff, []byte{0})
}

// buildAllImageInfos lays down a dyld_all_image_infos naming dyld plus the
// given images, returning its address.
func buildAllImageInfos(s imageSpace, dyldLoad uint64, images map[string]uint64) uint64 {
	const (
		infosAddr = 0x900000
		arrayAddr = 0x910000
		strsAddr  = 0x920000
	)
	s.put(infosAddr, make([]byte, allImageInfosSize))
	s.putU32(infosAddr+0, 16) // version
	s.putU32(infosAddr+4, uint32(len(images)))
	s.putU64(infosAddr+8, arrayAddr)
	s.putU64(infosAddr+32, dyldLoad)
	s.putU64(infosAddr+192, strsAddr)
	s.putCString(strsAddr, "/usr/lib/dyld")

	strCursor := strsAddr + uint64(64)
	i := uint64(0)
	// Deterministic order is irrelevant for these tests; each image gets
	// one array slot.
	for path, load := range images {
		entry := arrayAddr + i*imageInfoSize
		s.putU64(entry+0, load)
		s.putU64(entry+8, strCursor)
		s.putU64(entry+16, 0)
		s.putCString(strCursor, path)
		strCursor += uint64(len(path)) + 1
		i++
	}
	return infosAddr
}

func TestParseImageSlideAndTextRange(t *testing.T) {
	s := imageSpace{}
	// Preferred base 0x100000000, actually loaded at 0x100400000:
	// slide is 0x400000.
	buildImage(s, 0x100400000, 0x100000000, 0x3000, nil)

	mod, err := ParseImage(s, "/bin/target", 0x100400000)
	if err != nil {
		t.Fatalf("ParseImage: %v", err)
	}

	want := snapshot.Module{
		Path:      "/bin/target",
		LoadAddr:  0x100400000,
		TextRange: &snapshot.Range{Start: 0x100400000, End: 0x100403000},
	}
	if diff := cmp.Diff(want, mod); diff != "" {
		t.Errorf("module mismatch (-want +got):\n%s", diff)
	}
	if mod.TextRange.Start != mod.LoadAddr {
		t.Errorf("slide not applied consistently: text start %#x, load addr %#x",
			mod.TextRange.Start, mod.LoadAddr)
	}
}

func TestParseImageFindsExitSymbol(t *testing.T) {
	s := imageSpace{}
	syms := []testSymbol{
		{name: "_helper", typ: nSect, value: 0x100001000},
		{name: "__exit", typ: nSect, value: 0x100002000},
	}
	buildImage(s, 0x100400000, 0x100000000, 0x3000, syms)

	mod, err := ParseImage(s, "/usr/lib/system/libsystem_kernel.dylib", 0x100400000)
	if err != nil {
		t.Fatalf("ParseImage: %v", err)
	}
	if mod.ExitSymbol == nil {
		t.Fatal("ExitSymbol not found")
	}
	// n_value is unslid; the stored address must carry the 0x400000 slide.
	if got, want := *mod.ExitSymbol, uint64(0x100402000); got != want {
		t.Errorf("ExitSymbol = %#x, want %#x", got, want)
	}
}

func TestParseImageSymbolFilter(t *testing.T) {
	s := imageSpace{}
	syms := []testSymbol{
		{name: "__exit", typ: nStab | nSect, value: 0x100002000}, // debug entry, skipped
		{name: "__exit", typ: nPext | nSect, value: 0x100002100}, // private extern, skipped
		{name: "__exit", typ: 0x01, value: 0x100002200},          // not section-defined, skipped
	}
	buildImage(s, 0x100400000, 0x100000000, 0x3000, syms)

	mod, err := ParseImage(s, "/bin/filtered", 0x100400000)
	if err != nil {
		t.Fatalf("ParseImage: %v", err)
	}
	if mod.ExitSymbol != nil {
		t.Errorf("ExitSymbol = %#x, want none (all candidates filtered)", *mod.ExitSymbol)
	}
}

func TestParseImageBadMagic(t *testing.T) {
	s := imageSpace{}
	s.put(0x1000, make([]byte, machHeader64Size))
	s.putU32(0x1000, 0xdeadbeef)

	if _, err := ParseImage(s, "/bin/garbage", 0x1000); err == nil {
		t.Fatal("ParseImage accepted a bad magic")
	}
}

func TestImagesWalksDyldAndArray(t *testing.T) {
	s := imageSpace{}
	buildImage(s, 0x7ff800000000, 0x7ff800000000, 0x1000, nil) // dyld, zero slide
	buildImage(s, 0x100400000, 0x100000000, 0x3000, nil)       // main image

	infosAddr := buildAllImageInfos(s, 0x7ff800000000, map[string]uint64{
		"/bin/target": 0x100400000,
	})

	mods, err := Images(s, infosAddr)
	if err != nil {
		t.Fatalf("Images: %v", err)
	}
	if len(mods) != 2 {
		t.Fatalf("got %d modules, want 2 (dyld + target): %+v", len(mods), mods)
	}
	if mods[0].Path != "/usr/lib/dyld" {
		t.Errorf("first module = %q, want dyld", mods[0].Path)
	}
	if mods[1].Path != "/bin/target" || mods[1].TextRange == nil || mods[1].TextRange.Start != 0x100400000 {
		t.Errorf("target module wrong: %+v", mods[1])
	}
}

func TestImagesReadFailureIsFatal(t *testing.T) {
	s := imageSpace{}
	buildImage(s, 0x7ff800000000, 0x7ff800000000, 0x1000, nil)
	infosAddr := buildAllImageInfos(s, 0x7ff800000000, map[string]uint64{
		"/bin/vanished": 0x100400000, // image header never mapped
	})

	if _, err := Images(s, infosAddr); err == nil {
		t.Fatal("Images succeeded with an unreadable image, want error")
	}
}
