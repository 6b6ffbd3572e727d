// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package typeinfo scans a core's non-executable module ranges for
// Itanium-ABI C++ type_info objects, anchored on the self-describing
// trio {class_type_info, si_class_type_info, vmi_class_type_info}, and
// builds the resulting derived-from / derived-of graph.
//
// Unlike the allocator finders, typeinfo does not emit allocations: it is
// consumed directly by a describer layer to recover C++ dynamic type names
// without symbols. It is grounded in chap's Symbols/ELFImage.h /
// VirtualTableFinder description, adapted into the same Resolve-once,
// Warnings()-accumulating shape every other finder in this package uses,
// minus allocs.Directory/partition participation since it claims no heap
// memory.
package typeinfo

import (
	"fmt"

	"chap/core"
	"chap/internal/module"
)

// Category classifies one type_info object by its Itanium-ABI vtable:
// __class_type_info (no bases), __si_class_type_info (exactly one base,
// stored inline), or __vmi_class_type_info (a base array, possibly
// virtual or multiple).
type Category int

const (
	ClassType Category = iota
	SingleInheritance
	MultipleInheritance
)

func (c Category) String() string {
	switch c {
	case SingleInheritance:
		return "single-inheritance"
	case MultipleInheritance:
		return "multiple-inheritance"
	default:
		return "class-type"
	}
}

// Record is one discovered type_info object.
type Record struct {
	Address  core.Address
	Category Category
	Bases    []core.Address // base-class typeinfo addresses, in declaration order
}

// Graph is the full set of discovered typeinfo records plus the inverted
// derived-of edge set.
type Graph struct {
	byAddr    map[core.Address]*Record
	derivedOf map[core.Address][]core.Address // base -> every known derived typeinfo

	warnings []string
}

func (g *Graph) warnf(format string, args ...interface{}) {
	g.warnings = append(g.warnings, fmt.Sprintf(format, args...))
}

// Warnings returns every warning Resolve accumulated.
func (g *Graph) Warnings() []string { return g.warnings }

// Find returns the record for a type_info at addr, if known.
func (g *Graph) Find(addr core.Address) (*Record, bool) {
	r, ok := g.byAddr[addr]
	return r, ok
}

// DerivedOf returns every type_info known to derive from base, directly
// or indirectly (transitive closure is the caller's to walk via repeated
// lookups).
func (g *Graph) DerivedOf(base core.Address) []core.Address {
	return g.derivedOf[base]
}

// All returns every discovered record, in no particular order.
func (g *Graph) All() []*Record {
	out := make([]*Record, 0, len(g.byAddr))
	for _, r := range g.byAddr {
		out = append(out, r)
	}
	return out
}

// anchorTrio holds the three seed type_info addresses once located: the
// self-describing type_info for each of the three Itanium-ABI categories.
type anchorTrio struct {
	classType, siClassType, vmiClassType core.Address
}

// Resolver scans a module directory for the typeinfo trio and builds the
// full graph. It is not an allocs.Finder (it claims no partition space
// and emits no allocations) but follows the same "Resolve once, collect
// warnings, never error fatally" discipline every finder in this module
// uses.
type Resolver struct {
	ptrSize int64
	rd      *core.Reader
	vam     *core.VirtualAddressMap
	mods    *module.Directory
}

// New returns a typeinfo resolver.
func New(ptrSize int64, vam *core.VirtualAddressMap, mods *module.Directory) *Resolver {
	return &Resolver{ptrSize: ptrSize, rd: core.NewReader(vam), vam: vam, mods: mods}
}

// Resolve scans every non-executable module range for the self-describing
// anchor trio, then sweeps the same regions for every other type_info,
// recursing into each base list with a visited set to build the full
// derived->bases map, inverted into derived-of.
func (r *Resolver) Resolve() *Graph {
	g := &Graph{byAddr: map[core.Address]*Record{}, derivedOf: map[core.Address][]core.Address{}}

	trio, ok := r.findAnchorTrio()
	if !ok {
		g.warnf("typeinfo: no class_type_info/si_class_type_info/vmi_class_type_info anchor trio found; disabling finder")
		return g
	}

	visited := map[core.Address]bool{}
	r.visit(g, trio, trio.classType, visited)

	// Seed the other two anchors explicitly: they may not be reachable
	// from classType's own (empty) base list.
	r.visit(g, trio, trio.siClassType, visited)
	r.visit(g, trio, trio.vmiClassType, visited)

	// Sweep the remaining module ranges for every other type_info whose
	// own typeinfo pointer matches one of the trio.
	for _, name := range r.mods.Names() {
		m, _ := r.mods.FindByName(name)
		for _, rng := range m.Ranges() {
			if rng.Value.Flags&core.FlagExecutable != 0 {
				continue // scan non-executable ranges only
			}
			r.sweepRange(g, trio, rng.Base, rng.Limit, visited)
		}
	}

	for addr, rec := range g.byAddr {
		for _, base := range rec.Bases {
			if _, ok := g.byAddr[base]; !ok {
				g.warnf("typeinfo: %s has unrecorded base %s", addr, base)
				continue
			}
			g.derivedOf[base] = append(g.derivedOf[base], addr)
		}
	}
	return g
}

// findAnchorTrio locates one seed type_info T such that T's vtable slot 0
// points to T itself offset by one word (the Itanium-ABI self-description
// convention: "the typeinfo pretends to be its own vtable's type slot"),
// then finds the two peer type_infos with the same self-reference shape
// in the same region.
func (r *Resolver) findAnchorTrio() (anchorTrio, bool) {
	w := r.ptrSize
	var found []core.Address
	for _, name := range r.mods.Names() {
		m, _ := r.mods.FindByName(name)
		for _, rng := range m.Ranges() {
			if rng.Value.Flags&core.FlagExecutable != 0 {
				continue
			}
			for addr := rng.Base; addr.Add(w) <= rng.Limit; addr = addr.Add(w) {
				if r.selfDescribes(addr) {
					found = append(found, addr)
					if len(found) >= 3 {
						return anchorTrio{classType: found[0], siClassType: found[1], vmiClassType: found[2]}, true
					}
				}
			}
		}
	}
	return anchorTrio{}, false
}

// selfDescribes reports whether the word at addr looks like a type_info
// whose own vtable-type-slot self-reference holds: *addr == addr + W
// (vtable slot 0 for one of the three base categories points back to its
// own type_info, offset by the vtable's leading RTTI-offset word).
func (r *Resolver) selfDescribes(addr core.Address) bool {
	v := core.Address(r.rd.ReadWord(addr, r.ptrSize, 0))
	return v == addr.Add(r.ptrSize)
}

// visit pre-order visits addr's type_info, classifying it against trio
// and recursing into its base list, guarded by a visited set.
func (r *Resolver) visit(g *Graph, trio anchorTrio, addr core.Address, visited map[core.Address]bool) {
	if addr == 0 || visited[addr] {
		return
	}
	visited[addr] = true
	w := r.ptrSize

	vtable := core.Address(r.rd.ReadWord(addr, w, 0))
	cat := r.classify(vtable, trio)
	rec := &Record{Address: addr, Category: cat}

	switch cat {
	case SingleInheritance:
		base := core.Address(r.rd.ReadWord(addr.Add(2*w), w, 0))
		rec.Bases = append(rec.Bases, base)
		r.visit(g, trio, base, visited)
	case MultipleInheritance:
		// __vmi_class_type_info: flags(4) + base_count(4) at +2W, then an
		// array of {base_type_info*, offset_flags} pairs (2W each).
		count := r.rd.ReadU32(addr.Add(2*w+4), 0)
		if count > 4096 {
			count = 0 // implausible; bail rather than read unbounded garbage
		}
		arr := addr.Add(2*w + 8)
		for i := uint32(0); i < count; i++ {
			base := core.Address(r.rd.ReadWord(arr.Add(int64(i)*2*w), w, 0))
			rec.Bases = append(rec.Bases, base)
			r.visit(g, trio, base, visited)
		}
	}
	g.byAddr[addr] = rec
}

func (r *Resolver) classify(vtable core.Address, trio anchorTrio) Category {
	switch vtable {
	case trio.siClassType:
		return SingleInheritance
	case trio.vmiClassType:
		return MultipleInheritance
	default:
		return ClassType
	}
}

// sweepRange scans [base,limit) at pointer granularity for any word that
// matches one of the trio's vtable addresses directly (the same comparison
// classify uses) and visits it, then steps past the rest of that
// type_info's fields.
func (r *Resolver) sweepRange(g *Graph, trio anchorTrio, base, limit core.Address, visited map[core.Address]bool) {
	w := r.ptrSize
	for addr := base; addr.Add(2*w) <= limit; addr = addr.Add(w) {
		vtable := core.Address(r.rd.ReadWord(addr, w, 0))
		if vtable != trio.classType && vtable != trio.siClassType && vtable != trio.vmiClassType {
			continue
		}
		r.visit(g, trio, addr, visited)
		// A recorded type_info's base pointers also hold trio addresses;
		// they are fields, not type_infos of their own.
		if rec, ok := g.byAddr[addr]; ok {
			size := 2 * w
			switch rec.Category {
			case SingleInheritance:
				size = 3 * w
			case MultipleInheritance:
				size = 2*w + 8 + int64(len(rec.Bases))*2*w
			}
			addr = addr.Add(size - w)
		}
	}
}
