// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package module builds the module directory: the set of on-disk files
// (the executable and any shared libraries) that backed ranges of the
// inferior's address space, together with the adjustment needed to turn a
// program virtual address into an offset within the module's own image.
package module

import (
	"os"
	"sort"
	"strings"

	"chap/core"
)

// RangeInfo is what the module directory remembers about one address range
// belonging to a module: which module, and the adjustment that recovers
// the module-relative virtual address from a program virtual address.
type RangeInfo struct {
	Module                       *Info
	AdjustToModuleVirtualAddress int64
	Flags                        core.RangeFlags
}

// Info is everything the directory knows about one module (an executable
// or shared library).
type Info struct {
	// RuntimePath is the path the process had open for this module at the
	// time core was dumped (as reported by NT_FILE).
	RuntimePath string

	ranges *core.RangeMapper[RangeInfo]

	// image, if non-nil, is the on-disk file chap found for this module,
	// opened from RuntimePath directly or from one of the
	// CHAP_MODULE_ROOTS candidates.
	image *os.File
	// ImagePath is the path the image was actually opened from, which may
	// differ from RuntimePath when CHAP_MODULE_ROOTS relocated it.
	ImagePath string
	// IncompatiblePaths were tried and opened but rejected by the
	// check function passed to AddModule (e.g. a build-id mismatch).
	IncompatiblePaths []string
}

// Ranges returns the module's own address ranges in order.
func (m *Info) Ranges() []core.Range[RangeInfo] {
	return m.ranges.Ranges()
}

// Image returns the on-disk module file, if one was found.
func (m *Info) Image() (*os.File, bool) {
	return m.image, m.image != nil
}

// AlignmentGapLabel and UsedByModuleLabel name the two partition claim
// labels a directory contributes, mirroring chap's ModuleDirectory
// constants MODULE_ALIGNMENT_GAP and USED_BY_MODULE
// (src/ModuleDirectory.h:219-220).
const (
	AlignmentGapLabel = "module alignment gap"
	UsedByModuleLabel = "used by module"
)

// Directory is the module directory for one loaded core: a registry of
// modules and the program-address ranges that belong to each.
type Directory struct {
	byName   map[string]*Info
	order    []string // insertion order, for stable iteration
	byAddr   *core.RangeMapper[*Info]
	roots    []string
	resolved bool
}

// New returns an empty Directory. roots, if non-nil, overrides the
// CHAP_MODULE_ROOTS environment variable (colon-separated search roots
// consulted, in order, before giving up on a module's RuntimePath); pass
// nil to read CHAP_MODULE_ROOTS from the environment as chap itself does.
func New(roots []string) *Directory {
	if roots == nil {
		if env := os.Getenv("CHAP_MODULE_ROOTS"); env != "" {
			roots = strings.Split(env, ":")
		} else {
			roots = []string{""}
		}
	}
	return &Directory{
		byName: make(map[string]*Info),
		byAddr: core.NewRangeMapper[*Info](func(a, b *Info) bool { return a == b }),
		roots:  roots,
	}
}

// AddModule registers a module by its runtime path. check, if non-nil, is
// given the opened module image and may reject it (return false) as
// belonging to a different build than the one in the core; a rejected
// candidate's path is recorded in IncompatiblePaths and the next root is
// tried.
func (d *Directory) AddModule(runtimePath string, check func(*os.File) bool) *Info {
	if d.resolved {
		panic("module directory modified after Resolve")
	}
	if m, ok := d.byName[runtimePath]; ok {
		return m
	}
	m := &Info{
		RuntimePath: runtimePath,
		ranges:      core.NewRangeMapper[RangeInfo](nil),
	}
	d.byName[runtimePath] = m
	d.order = append(d.order, runtimePath)
	if !strings.HasPrefix(runtimePath, "/") {
		return m
	}
	for _, root := range d.roots {
		candidate := root + runtimePath
		f, err := os.Open(candidate)
		if err != nil {
			continue
		}
		if check == nil || check(f) {
			m.image = f
			m.ImagePath = candidate
			break
		}
		f.Close()
		m.IncompatiblePaths = append(m.IncompatiblePaths, candidate)
	}
	return m
}

// AddRange records that [base, base+size) in the program's address space
// belongs to name's module, with the given adjustment back to the module's
// own virtual addresses and permission flags. partition, if non-nil, is
// told to claim the same range under UsedByModuleLabel; a claim conflict
// is not fatal (the pre-existing claim stays authoritative) and is reported
// through the returned bool.
func (d *Directory) AddRange(name string, base core.Address, size int64, adjustToModuleVirtualAddress int64, flags core.RangeFlags, partition Claimant) bool {
	if d.resolved {
		panic("module directory modified after Resolve")
	}
	m, ok := d.byName[name]
	if !ok {
		panic("AddRange before AddModule for " + name)
	}
	if !d.byAddr.MapRange(base, size, m) {
		return false // overlaps a range already claimed by some module
	}
	m.ranges.MapRange(base, size, RangeInfo{Module: m, AdjustToModuleVirtualAddress: adjustToModuleVirtualAddress, Flags: flags})
	ok = true
	if partition != nil {
		ok = partition.ClaimRange(base, size, UsedByModuleLabel)
	}
	return ok
}

// Claimant is the subset of *partition.Partition the module directory
// needs, kept as an interface so module doesn't import partition (avoiding
// an import cycle; partition.Partition in turn does not need module).
type Claimant interface {
	ClaimRange(base core.Address, size int64, label string) bool
}

// maxAlignmentGap bounds how large a hole between two of a module's
// consecutive ranges can be and still count as segment-alignment padding
// rather than an unrelated mapping. 2MB covers the largest PT_LOAD
// alignment the loader uses on any supported target.
const maxAlignmentGap = 0x200000

// ClaimAlignmentGaps claims, under AlignmentGapLabel, every small hole
// between two consecutive ranges of the same module: the alignment padding
// the loader leaves between a module's PT_LOAD segments. Claiming them
// with a per-module label instead of leaving them for the generic
// "unknown" sweep tells the reachability pass these bytes belong to the
// module even though no segment covers them. It returns the number of
// gaps claimed and must be called after every AddRange, before the
// partition's own finalizer runs.
func (d *Directory) ClaimAlignmentGaps(p Claimant) int {
	if p == nil {
		return 0
	}
	claimed := 0
	ranges := d.byAddr.Ranges()
	for i := 1; i < len(ranges); i++ {
		prev, cur := ranges[i-1], ranges[i]
		if prev.Value != cur.Value {
			continue // hole between different modules; not alignment padding
		}
		gap := cur.Base.Sub(prev.Limit)
		if gap <= 0 || gap > maxAlignmentGap {
			continue
		}
		if p.ClaimRange(prev.Limit, gap, AlignmentGapLabel) {
			claimed++
		}
	}
	return claimed
}

// FindByName looks up a module by its exact runtime path.
func (d *Directory) FindByName(name string) (*Info, bool) {
	m, ok := d.byName[name]
	return m, ok
}

// FindByAddress returns the module owning addr, the module-relative
// virtual address it maps to there, and the range's flags.
func (d *Directory) FindByAddress(addr core.Address) (name string, relativeVA core.Address, flags core.RangeFlags, ok bool) {
	r, ok := d.byAddr.FindRange(addr)
	if !ok {
		return "", 0, 0, false
	}
	m := r.Value
	rr, ok := m.ranges.FindRange(addr)
	if !ok {
		return "", 0, 0, false
	}
	return m.RuntimePath, addr.Add(-rr.Value.AdjustToModuleVirtualAddress), rr.Value.Flags, true
}

// Resolve freezes the directory against further AddModule/AddRange calls.
func (d *Directory) Resolve() { d.resolved = true }

// IsResolved reports whether Resolve has been called.
func (d *Directory) IsResolved() bool { return d.resolved }

// NumModules returns the number of distinct modules registered.
func (d *Directory) NumModules() int { return len(d.order) }

// Names returns every registered module's runtime path, in the order each
// was first added.
func (d *Directory) Names() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// SortedNames returns every registered module's runtime path in
// alphabetical order, the order the "modules" REPL command lists them in.
func (d *Directory) SortedNames() []string {
	out := d.Names()
	sort.Strings(out)
	return out
}
