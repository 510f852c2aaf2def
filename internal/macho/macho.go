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

// Package macho walks a live target's dyld image list and parses each
// image's load commands out of the target's address space. It is pure Go
// over a small memory-read interface so the parsing logic is testable
// without a Mach task; internal/target/darwin supplies the real reads.
//
// Only the pieces the capture engine needs are parsed: the __TEXT segment
// (for the slide and the text range used to attribute frame addresses),
// the __LINKEDIT segment and LC_SYMTAB (for the __exit symbol lookup).
// This is not a general Mach-O reader.
package macho

import (
	"encoding/binary"
	"fmt"

	"github.com/talismancer/pmortem/internal/snapshot"
)

// Memory reads bytes and NUL-terminated strings out of the target's
// address space. All failures are fatal to the walk; partial module
// tables are never returned.
type Memory interface {
	ReadAt(addr uint64, b []byte) error
	ReadCString(addr uint64) (string, error)
}

// Mach-O constants, from <mach-o/loader.h> and <mach-o/nlist.h>.
const (
	magic64 = 0xfeedfacf

	lcSegment64 = 0x19
	lcSymtab    = 0x2

	nStab = 0xe0
	nPext = 0x10
	nSect = 0x0e

	machHeader64Size  = 32
	loadCommandSize   = 8
	segmentCmd64Size  = 72
	symtabCmdSize     = 24
	nlist64Size       = 16
	imageInfoSize     = 24 // struct dyld_image_info, 64-bit
	allImageInfosSize = 200
)

// exitSymbolName is the one symbol the walker resolves; its slid address
// is recorded in Module.ExitSymbol and reported by the JSON sink.
const exitSymbolName = "__exit"

// allImageInfos is the prefix of struct dyld_all_image_infos (64-bit
// layout, <mach-o/dyld_images.h>) up to and including dyldPath.
type allImageInfos struct {
	version       uint32
	infoArrayCnt  uint32
	infoArray     uint64
	dyldImageLoad uint64
	dyldPath      uint64
}

func readAllImageInfos(mem Memory, addr uint64) (allImageInfos, error) {
	var b [allImageInfosSize]byte
	if err := mem.ReadAt(addr, b[:]); err != nil {
		return allImageInfos{}, fmt.Errorf("macho: reading dyld_all_image_infos at %#x: %w", addr, err)
	}
	le := binary.LittleEndian
	return allImageInfos{
		version:       le.Uint32(b[0:]),
		infoArrayCnt:  le.Uint32(b[4:]),
		infoArray:     le.Uint64(b[8:]),
		dyldImageLoad: le.Uint64(b[32:]),
		dyldPath:      le.Uint64(b[192:]),
	}, nil
}

// Images enumerates the target's loaded images: dyld itself first, then
// every entry of the all-image-infos array, each parsed via ParseImage.
// allImageInfoAddr is the address reported by task_info(TASK_DYLD_INFO).
func Images(mem Memory, allImageInfoAddr uint64) ([]snapshot.Module, error) {
	infos, err := readAllImageInfos(mem, allImageInfoAddr)
	if err != nil {
		return nil, err
	}

	modules := make([]snapshot.Module, 0, 1+infos.infoArrayCnt)

	dyldPath, err := mem.ReadCString(infos.dyldPath)
	if err != nil {
		return nil, fmt.Errorf("macho: reading dyld path: %w", err)
	}
	m, err := ParseImage(mem, dyldPath, infos.dyldImageLoad)
	if err != nil {
		return nil, err
	}
	modules = append(modules, m)

	for i := uint32(0); i < infos.infoArrayCnt; i++ {
		var b [imageInfoSize]byte
		entry := infos.infoArray + uint64(i)*imageInfoSize
		if err := mem.ReadAt(entry, b[:]); err != nil {
			return nil, fmt.Errorf("macho: reading dyld_image_info %d: %w", i, err)
		}
		loadAddr := binary.LittleEndian.Uint64(b[0:])
		pathAddr := binary.LittleEndian.Uint64(b[8:])

		path, err := mem.ReadCString(pathAddr)
		if err != nil {
			return nil, fmt.Errorf("macho: reading image path %d: %w", i, err)
		}
		m, err := ParseImage(mem, path, loadAddr)
		if err != nil {
			return nil, err
		}
		modules = append(modules, m)
	}
	return modules, nil
}

// segment holds the pieces of an LC_SEGMENT_64 command the walker uses.
type segment struct {
	name    string
	vmaddr  uint64
	vmsize  uint64
	fileoff uint64
}

type symtab struct {
	symoff uint32
	nsyms  uint32
	stroff uint32
}

// ParseImage reads the Mach-O header at loadAddr out of the target and
// extracts the module record: the slid __TEXT range, and the address of
// the __exit symbol if the image defines one.
//
// Slide is computed as loadAddr - __TEXT.vmaddr, so the invariant
// text_range.start == load_address holds for the main image family where
// __TEXT is the first segment; the stored range is always the slid one.
func ParseImage(mem Memory, path string, loadAddr uint64) (snapshot.Module, error) {
	mod := snapshot.Module{Path: path, LoadAddr: loadAddr}

	var hdr [machHeader64Size]byte
	if err := mem.ReadAt(loadAddr, hdr[:]); err != nil {
		return mod, fmt.Errorf("macho: reading header of %q at %#x: %w", path, loadAddr, err)
	}
	le := binary.LittleEndian
	if m := le.Uint32(hdr[0:]); m != magic64 {
		return mod, fmt.Errorf("macho: %q at %#x: bad magic %#x", path, loadAddr, m)
	}
	ncmds := le.Uint32(hdr[16:])

	var (
		slide    uint64
		haveText bool
		linkedit *segment
		st       *symtab
	)

	lcAddr := loadAddr + machHeader64Size
	for i := uint32(0); i < ncmds; i++ {
		var lc [loadCommandSize]byte
		if err := mem.ReadAt(lcAddr, lc[:]); err != nil {
			return mod, fmt.Errorf("macho: reading load command %d of %q: %w", i, path, err)
		}
		cmd := le.Uint32(lc[0:])
		cmdsize := le.Uint32(lc[4:])
		if cmdsize < loadCommandSize {
			return mod, fmt.Errorf("macho: %q load command %d: bad cmdsize %d", path, i, cmdsize)
		}

		switch cmd {
		case lcSegment64:
			seg, err := readSegment64(mem, lcAddr)
			if err != nil {
				return mod, fmt.Errorf("macho: %q segment command %d: %w", path, i, err)
			}
			switch seg.name {
			case "__TEXT":
				slide = loadAddr - seg.vmaddr
				mod.TextRange = &snapshot.Range{
					Start: slide + seg.vmaddr,
					End:   slide + seg.vmaddr + seg.vmsize,
				}
				haveText = true
			case "__LINKEDIT":
				s := seg
				linkedit = &s
			}
		case lcSymtab:
			var b [symtabCmdSize]byte
			if err := mem.ReadAt(lcAddr, b[:]); err != nil {
				return mod, fmt.Errorf("macho: %q symtab command: %w", path, err)
			}
			st = &symtab{
				symoff: le.Uint32(b[8:]),
				nsyms:  le.Uint32(b[12:]),
				stroff: le.Uint32(b[16:]),
			}
		}
		lcAddr += uint64(cmdsize)
	}

	if haveText && linkedit != nil && st != nil {
		addr, err := findExitSymbol(mem, slide, linkedit, st)
		if err != nil {
			return mod, fmt.Errorf("macho: %q symbol scan: %w", path, err)
		}
		mod.ExitSymbol = addr
	}
	return mod, nil
}

func readSegment64(mem Memory, addr uint64) (segment, error) {
	var b [segmentCmd64Size]byte
	if err := mem.ReadAt(addr, b[:]); err != nil {
		return segment{}, err
	}
	le := binary.LittleEndian
	name := b[8:24]
	n := 0
	for n < len(name) && name[n] != 0 {
		n++
	}
	return segment{
		name:    string(name[:n]),
		vmaddr:  le.Uint64(b[24:]),
		vmsize:  le.Uint64(b[32:]),
		fileoff: le.Uint64(b[40:]),
	}, nil
}

// findExitSymbol scans the image's symbol table for __exit. Symbol and
// string tables live at file offsets; the in-memory address of a file
// offset fo within __LINKEDIT is (linkedit.vmaddr + slide) + (fo -
// linkedit.fileoff). The filter keeps only section-defined, non-debug,
// non-private-extern symbols: (n_type & (N_STAB|N_PEXT)) == 0 &&
// (n_type & N_SECT) != 0.
func findExitSymbol(mem Memory, slide uint64, linkedit *segment, st *symtab) (*uint64, error) {
	base := linkedit.vmaddr + slide - linkedit.fileoff
	symAddr := base + uint64(st.symoff)
	strAddr := base + uint64(st.stroff)

	for i := uint32(0); i < st.nsyms; i++ {
		var b [nlist64Size]byte
		if err := mem.ReadAt(symAddr+uint64(i)*nlist64Size, b[:]); err != nil {
			return nil, fmt.Errorf("reading nlist_64 %d: %w", i, err)
		}
		le := binary.LittleEndian
		nStrx := le.Uint32(b[0:])
		nType := b[4]
		nValue := le.Uint64(b[8:])

		if nType&(nStab|nPext) != 0 || nType&nSect == 0 {
			continue
		}
		name, err := mem.ReadCString(strAddr + uint64(nStrx))
		if err != nil {
			return nil, fmt.Errorf("reading symbol name %d: %w", i, err)
		}
		if name == exitSymbolName {
			addr := nValue + slide
			return &addr, nil
		}
	}
	return nil, nil
}
