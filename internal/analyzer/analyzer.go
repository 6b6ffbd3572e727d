// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package analyzer orchestrates a loaded core into a fully resolved
// allocation directory: it builds the module directory from the
// Process's raw module ranges, runs every allocator finder in a fixed
// order, finalizes the partition and allocation directory, and resolves
// the typeinfo graph. This is the single place that knows the finder
// order; every finder package itself stays independent of the others.
package analyzer

import (
	"debug/elf"
	"fmt"
	"os"
	"sort"
	"strings"

	"chap/core"
	"chap/internal/allocs"
	"chap/internal/golang"
	"chap/internal/libcmalloc"
	"chap/internal/module"
	"chap/internal/partition"
	"chap/internal/pymalloc"
	"chap/internal/stacks"
	"chap/internal/symreqs"
	"chap/internal/tcmalloc"
	"chap/internal/typeinfo"
)

// Analyzer is the fully resolved state of one core, after the one-shot
// resolution sequence has run.
type Analyzer struct {
	Process   *core.Process
	Modules   *module.Directory
	Partition *partition.Partition
	Allocs    *allocs.Directory
	Stacks    *stacks.Registry
	Typeinfo  *typeinfo.Graph

	warnings []string
}

func (a *Analyzer) warnf(format string, args ...interface{}) {
	a.warnings = append(a.warnings, fmt.Sprintf(format, args...))
}

// Warnings returns every warning accumulated across module resolution,
// every finder's Resolve, and partition finalization, in the order they
// occurred.
func (a *Analyzer) Warnings() []string {
	return a.warnings
}

// Load opens corePath, builds the virtual address map, resolves the
// module directory, and runs every finder in fixed order: libc, Python,
// Go, tcmalloc, then typeinfo. Later finders rely on earlier ones'
// partition claims to avoid double-classifying regions.
func Load(corePath string) (*Analyzer, error) {
	proc, err := core.Load(corePath)
	if err != nil {
		return nil, err
	}

	a := &Analyzer{
		Process:   proc,
		Partition: partition.New(),
		Allocs:    allocs.New(),
		Stacks:    stacks.New(),
	}

	a.Modules = buildModuleDirectory(proc, a.Partition)
	a.Modules.ClaimAlignmentGaps(a.Partition)
	a.Modules.Resolve()

	if warnings := a.Stacks.RegisterThreadStacks(proc.Threads(), proc.VAM()); len(warnings) > 0 {
		a.warnings = append(a.warnings, warnings...)
	}

	writableCandidates := writableWordCandidates(proc)
	pointerRunCandidates := pointerRunCandidates(proc)

	finders := []allocs.Finder{
		libcmalloc.New(proc.PtrSize(), proc.VAM(), a.Partition, a.Allocs, writableCandidates),
		pymalloc.New(proc.PtrSize(), proc.VAM(), a.Partition, a.Allocs, writableCandidates),
		golang.New(proc.PtrSize(), proc.VAM(), a.Partition, a.Allocs, a.Stacks, writableCandidates),
		tcmalloc.New(proc.PtrSize(), proc.VAM(), a.Partition, a.Allocs, pointerRunCandidates),
	}
	for _, f := range finders {
		if err := f.Resolve(); err != nil {
			a.warnf("%s: %v", f.ID(), err)
		}
		if w, ok := f.(interface{ Warnings() []string }); ok {
			a.warnings = append(a.warnings, w.Warnings()...)
		}
	}

	if err := a.Allocs.Finalize(); err != nil {
		return nil, fmt.Errorf("finalizing allocation directory: %v", err)
	}
	a.Partition.Finalize(proc.VAM())
	a.warnings = append(a.warnings, a.Partition.Conflicts()...)

	resolver := typeinfo.New(proc.PtrSize(), proc.VAM(), a.Modules)
	a.Typeinfo = resolver.Resolve()
	a.warnings = append(a.warnings, a.Typeinfo.Warnings()...)

	return a, nil
}

// buildModuleDirectory turns proc's raw NT_FILE-derived module ranges
// into a resolved module.Directory, opening each module's on-disk image
// (consulting CHAP_MODULE_ROOTS) and claiming each range in part under
// the "used by module" label, ahead of every finder: a finder that later
// tries to claim module data for itself loses to the module's claim and
// reports the conflict instead of double-classifying the bytes.
func buildModuleDirectory(proc *core.Process, part *partition.Partition) *module.Directory {
	dir := module.New(nil)
	moduleBase := map[string]core.Address{}
	for _, mr := range proc.ModuleRanges() {
		dir.AddModule(mr.Path, nil)
		base, seen := moduleBase[mr.Path]
		if !seen {
			base = mr.Min
			moduleBase[mr.Path] = base
		}
		_, _, attrs, _ := proc.VAM().Find(mr.Min)
		// AdjustToModuleVirtualAddress recovers the module-relative
		// virtual address: the module's first NT_FILE range anchors its
		// own virtual address space at 0 for FindByAddress's purposes,
		// since the module's own link-time base is not independently
		// known from the core alone.
		dir.AddRange(mr.Path, mr.Min, mr.Max.Sub(mr.Min), mr.Min.Sub(base), attrs.Flags, part)
	}
	return dir
}

// writableWordCandidates returns a candidate source that yields every
// pointer-aligned address in every writable range of proc's address
// space, the "every writable byte of every module's data segment, at
// pointer-size granularity" search space the libc, Python, and Go
// finders probe for arena/arenas-table anchors.
func writableWordCandidates(proc *core.Process) func(yield func(core.Address) bool) {
	ptrSize := proc.PtrSize()
	return func(yield func(core.Address) bool) {
		for _, r := range proc.VAM().Ranges() {
			if r.Value.Flags&core.FlagWritable == 0 || r.Value.Flags&core.FlagMapped == 0 {
				continue
			}
			for addr := r.Base; addr.Add(ptrSize) <= r.Limit; addr = addr.Add(ptrSize) {
				if !yield(addr) {
					return
				}
			}
		}
	}
}

// pointerRunCandidates returns a candidate source that yields (start,
// wordCount) pairs for every maximal run of contiguous pointer-aligned
// slots in a writable range, the search space the tcmalloc finder scans
// for its page map and size-class table.
func pointerRunCandidates(proc *core.Process) func(yield func(core.Address, int64) bool) {
	ptrSize := proc.PtrSize()
	return func(yield func(core.Address, int64) bool) {
		for _, r := range proc.VAM().Ranges() {
			if r.Value.Flags&core.FlagWritable == 0 || r.Value.Flags&core.FlagMapped == 0 {
				continue
			}
			words := r.Size() / ptrSize
			if words <= 0 {
				continue
			}
			if !yield(r.Base, words) {
				return
			}
		}
	}
}

// SymbolRequests collects every address this analyzer would like an
// external symbolizer to name, for the P.symreqs side channel: one
// SIGNATURE request per discovered type_info (its address is the vtable
// signature heap objects of that type carry), and one ANCHOR request per
// static pointer from a module's writable data into a discovered
// allocation (the roots the reachability pass hangs its graph on). The
// result is deduplicated and address-ordered so the symreqs file is
// stable across runs over the same core.
func (a *Analyzer) SymbolRequests() []symreqs.Request {
	seen := map[symreqs.Request]bool{}
	for _, rec := range a.Typeinfo.All() {
		seen[symreqs.Request{Address: rec.Address}] = true
	}

	rd := core.NewReader(a.Process.VAM())
	w := a.Process.PtrSize()
	for _, name := range a.Modules.Names() {
		m, _ := a.Modules.FindByName(name)
		for _, rng := range m.Ranges() {
			if rng.Value.Flags&core.FlagWritable == 0 {
				continue
			}
			for addr := rng.Base; addr.Add(w) <= rng.Limit; addr = addr.Add(w) {
				target := core.Address(rd.ReadWord(addr, w, 0))
				if target == 0 {
					continue
				}
				if _, ok := a.Allocs.Find(target); ok {
					seen[symreqs.Request{IsAnchor: true, Address: addr}] = true
				}
			}
		}
	}

	out := make([]symreqs.Request, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsAnchor != out[j].IsAnchor {
			return !out[i].IsAnchor // signatures first, matching the write order chap uses
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// TruncationCheck reports whether corePath is truncated relative to its
// PT_LOAD-implied minimum size, for the -t flag's fast path. It does
// the minimum work Load would do to answer that one question, without
// running any finder.
func TruncationCheck(corePath string) (truncated bool, expected, actual int64, err error) {
	fi, statErr := os.Stat(corePath)
	if statErr != nil {
		return false, 0, 0, statErr
	}
	proc, loadErr := core.Load(corePath)
	if loadErr != nil {
		return false, 0, 0, loadErr
	}
	ef, openErr := elf.Open(corePath)
	if openErr != nil {
		return false, 0, 0, openErr
	}
	defer ef.Close()
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if end := int64(prog.Off + prog.Filesz); end > expected {
			expected = end
		}
	}
	for _, w := range proc.Warnings() {
		if strings.Contains(w, "truncated") {
			return true, expected, fi.Size(), nil
		}
	}
	return false, expected, fi.Size(), nil
}
