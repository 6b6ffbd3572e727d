// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package analyzer

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chap/core"
)

// elf64Header builds a minimal ELFCLASS64, EM_X86_64, ET_CORE header with
// the given program-header-table offset and count, matching what
// debug/elf.NewFile requires to recognize the file as a core.
func elf64Header(phoff uint64, phnum uint16) []byte {
	h := make([]byte, 64)
	copy(h[0:4], []byte{0x7f, 'E', 'L', 'F'})
	h[4] = 2 // ELFCLASS64
	h[5] = 1 // ELFDATA2LSB
	h[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(h[16:], 4)      // e_type = ET_CORE
	binary.LittleEndian.PutUint16(h[18:], 0x3e)   // e_machine = EM_X86_64
	binary.LittleEndian.PutUint32(h[20:], 1)      // e_version
	binary.LittleEndian.PutUint64(h[32:], phoff)  // e_phoff
	binary.LittleEndian.PutUint16(h[52:], 64)     // e_ehsize
	binary.LittleEndian.PutUint16(h[54:], 56)     // e_phentsize
	binary.LittleEndian.PutUint16(h[56:], phnum)  // e_phnum
	return h
}

const (
	ptLoad = 1
	ptNote = 4
	pfX    = 1
	pfW    = 2
	pfR    = 4
)

func progHeader(typ, flags uint32, offset, vaddr, filesz, memsz uint64) []byte {
	b := make([]byte, 56)
	binary.LittleEndian.PutUint32(b[0:], typ)
	binary.LittleEndian.PutUint32(b[4:], flags)
	binary.LittleEndian.PutUint64(b[8:], offset)
	binary.LittleEndian.PutUint64(b[16:], vaddr)
	binary.LittleEndian.PutUint64(b[24:], vaddr) // p_paddr, unused
	binary.LittleEndian.PutUint64(b[32:], filesz)
	binary.LittleEndian.PutUint64(b[40:], memsz)
	binary.LittleEndian.PutUint64(b[48:], 4096) // p_align
	return b
}

func align4(n int) int { return (n + 3) / 4 * 4 }

// note encodes one Elf_Nhdr record with a 4-byte-aligned "CORE" name, the
// same layout core.readNoteSegment expects.
func note(typ uint32, desc []byte) []byte {
	name := []byte("CORE\x00")
	var b []byte
	namesz := make([]byte, 4)
	binary.LittleEndian.PutUint32(namesz, uint32(len(name)))
	descsz := make([]byte, 4)
	binary.LittleEndian.PutUint32(descsz, uint32(len(desc)))
	typb := make([]byte, 4)
	binary.LittleEndian.PutUint32(typb, typ)
	b = append(b, namesz...)
	b = append(b, descsz...)
	b = append(b, typb...)
	b = append(b, name...)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	b = append(b, desc...)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

// ntFileDesc encodes a single-entry CORE/"FILE" note body: one (min, max,
// pageOffset) triple followed by the NUL-terminated module path, per
// core's readNTFile.
func ntFileDesc(min, max, vaddrOff uint64, path string) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:], 1)    // count
	binary.LittleEndian.PutUint64(b[8:], 4096) // page size
	entry := make([]byte, 24)
	binary.LittleEndian.PutUint64(entry[0:], min)
	binary.LittleEndian.PutUint64(entry[8:], max)
	binary.LittleEndian.PutUint64(entry[16:], vaddrOff)
	b = append(b, entry...)
	b = append(b, []byte(path+"\x00")...)
	return b
}

var amd64RegOrder = []string{
	"r15", "r14", "r13", "r12", "rbp", "rbx", "r11", "r10",
	"r9", "r8", "rax", "rcx", "rdx", "rsi", "rdi", "orig_rax",
	"rip", "cs", "eflags", "rsp", "ss", "fs_base", "gs_base",
	"ds", "es", "fs", "gs",
}

// ntPrStatusDesc encodes an amd64 CORE/NT_PRSTATUS body wide enough for
// core.readPRStatus's fixed offsets, setting pid, rip and rsp.
func ntPrStatusDesc(pid uint32, rip, rsp uint64) []byte {
	b := make([]byte, 112+216)
	binary.LittleEndian.PutUint32(b[32:], pid)
	for i, name := range amd64RegOrder {
		var v uint64
		switch name {
		case "rip":
			v = rip
		case "rsp":
			v = rsp
		}
		binary.LittleEndian.PutUint64(b[112+8*i:], v)
	}
	return b
}

// buildCore assembles a one-module, one-thread, one-PT_LOAD core file
// under t.TempDir() and returns its path. loadSize bytes of the PT_LOAD
// segment's file content are actually written; when loadSize < memSize
// the remainder is described as anonymous/zero-filled, and when
// truncateFile is true the written file is shortened after the fact so
// the PT_LOAD's declared filesz can no longer be satisfied.
func buildCore(t *testing.T, memSize int64, truncateFile bool) (path string, vaddr uint64) {
	t.Helper()
	const (
		loadVaddr = uint64(0x400000)
		modPath   = "/bin/testexe"
	)

	fileNote := note(0x46494c45, ntFileDesc(loadVaddr, loadVaddr+uint64(memSize), 0, modPath))
	statusNote := note(1, ntPrStatusDesc(42, loadVaddr+0x10, loadVaddr+0x20)) // NT_PRSTATUS == 1
	notes := append(append([]byte{}, fileNote...), statusNote...)

	const ehsize = 64
	const phentsize = 56
	phoff := ehsize
	noteOff := phoff + 2*phentsize
	loadOff := align4(noteOff + len(notes))

	header := elf64Header(uint64(phoff), 2)
	loadPH := progHeader(ptLoad, pfR|pfW, uint64(loadOff), loadVaddr, uint64(memSize), uint64(memSize))
	notePH := progHeader(ptNote, 0, uint64(noteOff), 0, uint64(len(notes)), uint64(len(notes)))

	var buf []byte
	buf = append(buf, header...)
	buf = append(buf, loadPH...)
	buf = append(buf, notePH...)
	for len(buf) < noteOff {
		buf = append(buf, 0)
	}
	buf = append(buf, notes...)
	for len(buf) < loadOff {
		buf = append(buf, 0)
	}
	buf = append(buf, make([]byte, memSize)...)

	if truncateFile {
		buf = buf[:loadOff+int(memSize)/2]
	}

	path = filepath.Join(t.TempDir(), "core")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("writing synthetic core: %v", err)
	}
	return path, loadVaddr
}

func TestLoadBuildsModulesAndThreads(t *testing.T) {
	path, vaddr := buildCore(t, 4096, false)
	a, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if a.Process.Arch() != "amd64" || a.Process.PtrSize() != 8 {
		t.Fatalf("got arch=%s ptrSize=%d, want amd64/8", a.Process.Arch(), a.Process.PtrSize())
	}
	if len(a.Process.Threads()) != 1 {
		t.Fatalf("got %d threads, want 1", len(a.Process.Threads()))
	}
	th := a.Process.Threads()[0]
	if th.PC() != core.Address(vaddr+0x10) || th.SP() != core.Address(vaddr+0x20) {
		t.Fatalf("thread pc/sp = %s/%s, want %#x/%#x", th.PC(), th.SP(), vaddr+0x10, vaddr+0x20)
	}
	if a.Modules.NumModules() != 1 {
		t.Fatalf("got %d modules, want 1", a.Modules.NumModules())
	}
	name, _, _, ok := a.Modules.FindByAddress(core.Address(vaddr))
	if !ok || name != "/bin/testexe" {
		t.Fatalf("FindByAddress(%#x) = %q, %v; want /bin/testexe, true", vaddr, name, ok)
	}
	if !a.Modules.IsResolved() {
		t.Fatalf("module directory should be resolved after Load")
	}
}

func TestTruncationCheckOnCleanCore(t *testing.T) {
	path, _ := buildCore(t, 4096, false)
	truncated, _, _, err := TruncationCheck(path)
	if err != nil {
		t.Fatalf("TruncationCheck: %v", err)
	}
	if truncated {
		t.Fatalf("a fully-written core should not be reported truncated")
	}
}

func TestTruncationCheckOnTruncatedCore(t *testing.T) {
	path, _ := buildCore(t, 4096, true)
	truncated, _, _, err := TruncationCheck(path)
	if err != nil {
		t.Fatalf("TruncationCheck: %v", err)
	}
	if !truncated {
		t.Fatalf("a core whose PT_LOAD filesz exceeds what's on disk should be reported truncated")
	}
}

func TestLoadClaimsModuleRanges(t *testing.T) {
	path, vaddr := buildCore(t, 4096, false)
	a, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	claim, ok := a.Partition.Find(core.Address(vaddr))
	if !ok {
		t.Fatalf("the module's range should be claimed in the partition")
	}
	if claim.Label != "used by module" {
		t.Fatalf("claim label = %q, want %q", claim.Label, "used by module")
	}
}

func TestSymbolRequestsEmptyWithoutFindings(t *testing.T) {
	path, _ := buildCore(t, 4096, false)
	a, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// A zero-filled core yields no typeinfo records and no allocations, so
	// there is nothing to ask a symbolizer about.
	if reqs := a.SymbolRequests(); len(reqs) != 0 {
		t.Fatalf("SymbolRequests = %v, want none", reqs)
	}
}

func TestLoadWarnsOnMissingAllocatorStructures(t *testing.T) {
	path, _ := buildCore(t, 4096, false)
	a, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	foundDisabled := false
	for _, w := range a.Warnings() {
		if strings.Contains(w, "disabling finder") {
			foundDisabled = true
			break
		}
	}
	if !foundDisabled {
		t.Fatalf("expected at least one finder to report it found no plausible anchor; warnings=%v", a.Warnings())
	}
}
