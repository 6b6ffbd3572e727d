// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// amd64Regs and i386Regs name the general-purpose registers in the order
// the Linux elf_gregset_t / elf_gregset_t32 lays them out. Offsets and
// field widths below follow sys/user.h and chap's own assumptions about
// struct elf_prstatus, the same ones golang-debug's
// internal/core.readPRStatus hard-codes for amd64.
var amd64Regs = []string{
	"r15", "r14", "r13", "r12", "rbp", "rbx", "r11", "r10",
	"r9", "r8", "rax", "rcx", "rdx", "rsi", "rdi", "orig_rax",
	"rip", "cs", "eflags", "rsp", "ss", "fs_base", "gs_base",
	"ds", "es", "fs", "gs",
}

var i386Regs = []string{
	"ebx", "ecx", "edx", "esi", "edi", "ebp", "eax",
	"xds", "xes", "xfs", "xgs", "orig_eax", "eip", "xcs",
	"eflags", "esp", "xss",
}

const (
	ntFile                   = 0x46494c45
	ntAuxv                   = 0x6
	ntPrStatusOffsetPidAmd64 = 32
	ntPrStatusOffsetRegAmd64 = 112
	ntPrStatusRegBytesAmd64  = 216
	atEntryAmd64             = 9
)

func regIndex(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

// readPRStatus parses one CORE/NT_PRSTATUS note into a *Thread, following
// golang-debug's internal/core.readPRStatus (process.go:572-629), extended
// with the i386 register ordering alongside the amd64 one.
func (p *Process) readPRStatus(desc []byte, byteOrder binary.ByteOrder) (*Thread, error) {
	t := &Thread{}
	switch p.arch {
	case "amd64":
		if len(desc) < ntPrStatusOffsetRegAmd64+ntPrStatusRegBytesAmd64 {
			return nil, fmt.Errorf("NT_PRSTATUS note too short")
		}
		t.pid = uint64(byteOrder.Uint32(desc[ntPrStatusOffsetPidAmd64:]))
		reg := desc[ntPrStatusOffsetRegAmd64 : ntPrStatusOffsetRegAmd64+ntPrStatusRegBytesAmd64]
		for i := 0; i < len(reg); i += 8 {
			t.regs = append(t.regs, byteOrder.Uint64(reg[i:]))
		}
		t.pc = Address(t.regs[regIndex(amd64Regs, "rip")])
		t.sp = Address(t.regs[regIndex(amd64Regs, "rsp")])
	case "386":
		// Layout differs (32-bit registers, different offsets); we still
		// extract what the rest of the analyzer needs (pc, sp) and leave
		// the raw register vector for describers that want it.
		const pidOff = 24
		const regOff = 72
		if len(desc) < regOff+4*len(i386Regs) {
			return nil, fmt.Errorf("NT_PRSTATUS note too short")
		}
		t.pid = uint64(byteOrder.Uint32(desc[pidOff:]))
		for i := 0; i < len(i386Regs); i++ {
			t.regs = append(t.regs, uint64(byteOrder.Uint32(desc[regOff+4*i:])))
		}
		t.pc = Address(t.regs[regIndex(i386Regs, "eip")])
		t.sp = Address(t.regs[regIndex(i386Regs, "esp")])
	default:
		// Unsupported arch for register decoding; keep the note around
		// with no registers rather than failing the whole load.
	}
	return t, nil
}

// fileNote is one (vaddrBase, vaddrLimit, fileOffset, path) entry from a
// CORE/"FILE" note.
type fileNote struct {
	min, max Address
	off      int64
	path     string
}

// readNTFile parses a CORE/"FILE" note: a table of (vaddrBase,
// vaddrLimit, fileOffset) triples followed by NUL-terminated paths.
// Every field of the header and table is one guest word wide, so a
// 32-bit core's note packs 4-byte entries. Offsets in the table may be given in pages or
// bytes; readNTFile disambiguates by checking whether any recorded offset
// has nonzero low 12 bits.
func readNTFile(desc []byte, byteOrder binary.ByteOrder, ptrSize int64) ([]fileNote, error) {
	w := int(ptrSize)
	if len(desc) < 2*w {
		return nil, fmt.Errorf("NT_FILE note too short")
	}
	word := func(b []byte) uint64 {
		if w == 4 {
			return uint64(byteOrder.Uint32(b))
		}
		return byteOrder.Uint64(b)
	}
	count := word(desc)
	desc = desc[w:]
	pageSize := word(desc)
	desc = desc[w:]
	if pageSize == 0 {
		pageSize = 4096
	}
	tableBytes := 3 * uint64(w) * count
	if uint64(len(desc)) < tableBytes {
		return nil, fmt.Errorf("NT_FILE note table truncated")
	}
	filenames := string(desc[tableBytes:])
	table := desc[:tableBytes]

	raw := make([]uint64, 3*count)
	for i := range raw {
		raw[i] = word(table[w*i:])
	}
	// Determine the multiplier: a byte offset into a mapped file is always
	// page-aligned, so if any recorded "offset" has nonzero low 12 bits the
	// table holds page counts; otherwise the offsets are already bytes.
	pageCounts := false
	for i := uint64(0); i < count; i++ {
		if raw[3*i+2]&0xfff != 0 {
			pageCounts = true
			break
		}
	}
	mult := uint64(1)
	if pageCounts {
		mult = pageSize
	}

	var notes []fileNote
	rest := filenames
	for i := uint64(0); i < count; i++ {
		min := Address(raw[3*i+0])
		max := Address(raw[3*i+1])
		off := int64(raw[3*i+2] * mult)
		var name string
		if j := strings.IndexByte(rest, 0); j >= 0 {
			name = rest[:j]
			rest = rest[j+1:]
		} else {
			name = rest
			rest = ""
		}
		notes = append(notes, fileNote{min: min, max: max, off: off, path: name})
	}
	return notes, nil
}

// prpsinfo mirrors Linux's struct elf_prpsinfo, matching golang-debug's
// linuxPrPsInfo (internal/core/process.go:699-710).
type prpsinfo struct {
	State                uint8
	Sname                int8
	Zomb                 uint8
	Nice                 int8
	_                    [4]uint8
	Flag                 uint64
	Uid, Gid             uint32
	Pid, Ppid, Pgrp, Sid int32
	Fname                [16]uint8
	Args                 [80]uint8
}

func readPRPSInfoArgs(desc []byte) (string, error) {
	r := bytes.NewReader(desc)
	var info prpsinfo
	if err := binary.Read(r, binary.LittleEndian, &info); err != nil {
		return "", err
	}
	return strings.Trim(string(info.Args[:]), "\x00 "), nil
}

// findEntryPoint scans an NT_AUXV note for AT_ENTRY (amd64 only, as
// golang-debug's findEntryPoint documents).
func findEntryPoint(desc []byte, byteOrder binary.ByteOrder) (Address, bool) {
	buf := bytes.NewReader(desc)
	for {
		var tag, val uint64
		if err := binary.Read(buf, byteOrder, &tag); err != nil {
			return 0, false
		}
		if err := binary.Read(buf, byteOrder, &val); err != nil {
			return 0, false
		}
		if tag == atEntryAmd64 {
			return Address(val), true
		}
		if tag == 0 {
			return 0, false
		}
	}
}
