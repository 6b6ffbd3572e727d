// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ModuleRange is one (file, vaddrBase, vaddrLimit, fileOffset) record taken
// from the core's NT_FILE note: which on-disk file backs which piece of
// the address space. internal/module consumes these to build the module
// directory; core itself has no notion of "module", only of file-backed
// byte ranges.
type ModuleRange struct {
	Path     string
	Min, Max Address
	FileOff  int64
}

// Process is the loaded state of the inferior: its virtual address space,
// its threads, and the raw module-range table the module directory builds
// on. It is the generalization of golang-debug's internal/core.Process
// beyond a single allocator; nothing here is Go-runtime-specific.
type Process struct {
	arch      string // "amd64", "386", "arm64", ...
	ptrSize   int64  // 4 or 8
	byteOrder binary.ByteOrder

	vam          *VirtualAddressMap
	threads      []*Thread
	entryPoint   Address
	args         string
	moduleRanges []ModuleRange

	warnings []string
}

func (p *Process) Arch() string                { return p.arch }
func (p *Process) PtrSize() int64              { return p.ptrSize }
func (p *Process) Threads() []*Thread          { return p.threads }
func (p *Process) EntryPoint() Address         { return p.entryPoint }
func (p *Process) Args() string                { return p.args }
func (p *Process) VAM() *VirtualAddressMap     { return p.vam }
func (p *Process) ModuleRanges() []ModuleRange { return p.moduleRanges }
func (p *Process) Warnings() []string          { return p.warnings }

func (p *Process) warnf(format string, args ...interface{}) {
	p.warnings = append(p.warnings, fmt.Sprintf(format, args...))
}

// pendingMapping is a PT_LOAD-derived range before its backing image has
// been resolved to bytes, mirroring golang-debug's splicedMemory.Mapping
// before the final memory-mapping pass (internal/core/mapping.go).
type pendingMapping struct {
	min, max Address
	flags    RangeFlags
	f        *os.File
	off      int64
}

// Load opens coreFile and returns the Process it describes. Load records
// only the raw NT_FILE paths; locating on-disk module images (the
// CHAP_MODULE_ROOTS mechanism) lives one layer up, in internal/module.
func Load(coreFile string) (*Process, error) {
	f, err := os.Open(coreFile)
	if err != nil {
		return nil, fmt.Errorf("opening core file: %v", err)
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", coreFile, err)
	}
	if ef.Type != elf.ET_CORE {
		return nil, fmt.Errorf("%s is not a core file", coreFile)
	}

	p := &Process{}
	switch ef.Class {
	case elf.ELFCLASS32:
		p.ptrSize = 4
	case elf.ELFCLASS64:
		p.ptrSize = 8
	default:
		return nil, fmt.Errorf("%s: unknown ELF class %s", coreFile, ef.Class)
	}
	switch ef.Machine {
	case elf.EM_386:
		p.arch = "386"
	case elf.EM_X86_64:
		p.arch = "amd64"
	case elf.EM_AARCH64:
		p.arch = "arm64"
	case elf.EM_ARM:
		p.arch = "arm"
	default:
		return nil, fmt.Errorf("%s: unsupported machine %s", coreFile, ef.Machine)
	}
	p.byteOrder = ef.ByteOrder

	var pending []*pendingMapping
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		m, err := readLoad(f, prog)
		if err != nil {
			return nil, err
		}
		if m != nil {
			pending = append(pending, m)
		}
		if prog.Filesz < prog.Memsz {
			pending = append(pending, &pendingMapping{
				min:   Address(prog.Vaddr).Add(int64(prog.Filesz)),
				max:   Address(prog.Vaddr).Add(int64(prog.Memsz)),
				flags: loadFlags(prog),
			})
		}
	}

	var fileTable []fileNote
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		notes, err := readNoteSegment(f, ef, prog)
		if err != nil {
			return nil, fmt.Errorf("%s: reading notes: %v", coreFile, err)
		}
		for _, n := range notes {
			switch n.typ {
			case ntFile:
				entries, err := readNTFile(n.desc, ef.ByteOrder, p.ptrSize)
				if err != nil {
					p.warnf("malformed NT_FILE note: %v", err)
					continue
				}
				fileTable = append(fileTable, entries...)
			case elf.NT_PRSTATUS:
				t, err := p.readPRStatus(n.desc, ef.ByteOrder)
				if err != nil {
					p.warnf("malformed NT_PRSTATUS note: %v", err)
					continue
				}
				p.threads = append(p.threads, t)
			case elf.NT_PRPSINFO:
				args, err := readPRPSInfoArgs(n.desc)
				if err == nil {
					p.args = args
				}
			case ntAuxv:
				if entry, ok := findEntryPoint(n.desc, ef.ByteOrder); ok {
					p.entryPoint = entry
				}
			}
		}
	}

	for _, fn := range fileTable {
		p.moduleRanges = append(p.moduleRanges, ModuleRange{
			Path:    fn.path,
			Min:     fn.min,
			Max:     fn.max,
			FileOff: fn.off,
		})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].min < pending[j].min })

	vam := newVirtualAddressMap()
	for _, m := range pending {
		size := m.max.Sub(m.min)
		if size <= 0 {
			continue
		}
		flags := m.flags
		var contents []byte
		if m.f != nil {
			buf := make([]byte, size)
			n, err := m.f.ReadAt(buf, m.off)
			if err != nil && int64(n) != size {
				flags |= FlagTruncated
				p.warnf("truncated read at [%s,%s): %v", m.min, m.max, err)
			} else {
				flags |= FlagMapped
				contents = buf
			}
		} else {
			flags |= FlagMapped
			contents = make([]byte, size) // zero-filled: an anonymous, undumped mapping
			p.warnf("no data for [%s,%s); assuming zero-filled", m.min, m.max)
		}
		if !vam.AddRange(m.min, size, flags, contents) {
			p.warnf("overlapping PT_LOAD mapping at [%s,%s); ignoring", m.min, m.max)
		}
	}
	p.vam = vam
	return p, nil
}

func loadFlags(prog *elf.Prog) RangeFlags {
	var flags RangeFlags
	flags |= FlagHasKnownPermissions
	if prog.Flags&elf.PF_R != 0 {
		flags |= FlagReadable
	}
	if prog.Flags&elf.PF_W != 0 {
		flags |= FlagWritable
	}
	if prog.Flags&elf.PF_X != 0 {
		flags |= FlagExecutable
	}
	return flags
}

func readLoad(core *os.File, prog *elf.Prog) (*pendingMapping, error) {
	min := Address(prog.Vaddr)
	max := min.Add(int64(prog.Memsz))
	flags := loadFlags(prog)
	if flags&(FlagReadable|FlagWritable|FlagExecutable) == 0 {
		return nil, nil
	}
	m := &pendingMapping{min: min, flags: flags}
	if prog.Filesz > 0 {
		m.max = min.Add(int64(prog.Filesz))
		m.f = core
		m.off = int64(prog.Off)
	} else {
		m.max = max
	}
	return m, nil
}

type rawNote struct {
	typ  elf.NType
	name string
	desc []byte
}

func readNoteSegment(f *os.File, ef *elf.File, prog *elf.Prog) ([]rawNote, error) {
	b := make([]byte, prog.Filesz)
	if _, err := f.ReadAt(b, int64(prog.Off)); err != nil {
		return nil, err
	}
	var notes []rawNote
	for len(b) >= 12 {
		namesz := ef.ByteOrder.Uint32(b)
		descsz := ef.ByteOrder.Uint32(b[4:])
		typ := elf.NType(ef.ByteOrder.Uint32(b[8:]))
		b = b[12:]
		if uint64(len(b)) < uint64(namesz) {
			break
		}
		name := ""
		if namesz > 0 {
			name = string(b[:namesz-1])
		}
		b = b[align4(namesz):]
		if uint64(len(b)) < uint64(descsz) {
			break
		}
		desc := b[:descsz]
		b = b[align4(descsz):]
		if name != "CORE" && name != "LINUX" {
			continue
		}
		notes = append(notes, rawNote{typ: typ, name: name, desc: desc})
	}
	return notes, nil
}

func align4(n uint32) uint32 {
	return (n + 3) / 4 * 4
}

// ResolveModuleFile opens the on-disk module image for path, first at its
// recorded location, then under each of roots (the CHAP_MODULE_ROOTS
// search). It returns the first root that yields an
// openable file.
func ResolveModuleFile(path string, roots []string) (*os.File, error) {
	if f, err := os.Open(path); err == nil {
		return f, nil
	}
	base := filepath.Base(path)
	var lastErr error
	for _, root := range roots {
		f, err := os.Open(filepath.Join(root, base))
		if err == nil {
			return f, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no roots configured")
	}
	return nil, fmt.Errorf("could not find module image %q: %v", path, lastErr)
}
