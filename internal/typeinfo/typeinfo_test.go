// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package typeinfo

import (
	"testing"

	"chap/core"
	"chap/internal/module"
)

func word(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func putU32At(buf []byte, off int, v uint32) {
	for i := 0; i < 4; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
}

// buildGraph lays out a self-describing anchor trio plus one
// single-inheritance and one multiple-inheritance type_info, all within a
// single non-executable module range, and returns the resolved graph.
func buildGraph(t *testing.T) *Graph {
	t.Helper()
	const (
		classType     = core.Address(0x10000)
		siClassType   = core.Address(0x10010)
		vmiClassType  = core.Address(0x10020)
		derivedSingle = core.Address(0x10100)
		derivedMulti  = core.Address(0x10200)
	)

	vam := core.NewVirtualAddressMap()
	put := func(addr core.Address, b []byte) {
		if !vam.AddRange(addr, int64(len(b)), core.FlagReadable|core.FlagWritable|core.FlagMapped, b) {
			t.Fatalf("AddRange(%s) failed", addr)
		}
	}

	// The trio's self-describing anchors: word(addr) == addr+8.
	put(classType, word(uint64(classType)+8))
	put(siClassType, word(uint64(siClassType)+8))
	put(vmiClassType, word(uint64(vmiClassType)+8))

	// derivedSingle: vtable == siClassType, one base == classType at +2W.
	put(derivedSingle, word(uint64(siClassType)))
	put(derivedSingle.Add(16), word(uint64(classType)))

	// derivedMulti: vtable == vmiClassType, base_count==2 at +2W+4, base
	// array at +2W+8 with stride 2W: {classType, siClassType}.
	put(derivedMulti, word(uint64(vmiClassType)))
	countBuf := make([]byte, 4)
	putU32At(countBuf, 0, 2)
	put(derivedMulti.Add(20), countBuf)
	put(derivedMulti.Add(24), word(uint64(classType)))
	put(derivedMulti.Add(40), word(uint64(siClassType)))

	mods := module.New([]string{""})
	mods.AddModule("test-module", nil)
	mods.AddRange("test-module", 0x10000, 0x10000, 0, core.FlagReadable|core.FlagWritable, nil)
	mods.Resolve()

	r := New(8, vam, mods)
	return r.Resolve()
}

func TestResolveFindsAnchorTrioAndClassifies(t *testing.T) {
	g := buildGraph(t)
	if len(g.Warnings()) != 0 {
		t.Fatalf("unexpected warnings: %v", g.Warnings())
	}

	single, ok := g.Find(0x10100)
	if !ok {
		t.Fatalf("derivedSingle not recorded")
	}
	if single.Category != SingleInheritance {
		t.Fatalf("derivedSingle category = %v, want SingleInheritance", single.Category)
	}
	if len(single.Bases) != 1 || single.Bases[0] != 0x10000 {
		t.Fatalf("derivedSingle bases = %v, want [0x10000]", single.Bases)
	}

	multi, ok := g.Find(0x10200)
	if !ok {
		t.Fatalf("derivedMulti not recorded")
	}
	if multi.Category != MultipleInheritance {
		t.Fatalf("derivedMulti category = %v, want MultipleInheritance", multi.Category)
	}
	if len(multi.Bases) != 2 || multi.Bases[0] != 0x10000 || multi.Bases[1] != 0x10010 {
		t.Fatalf("derivedMulti bases = %v, want [0x10000, 0x10010]", multi.Bases)
	}
}

func TestDerivedOfInvertsBaseEdges(t *testing.T) {
	g := buildGraph(t)
	derived := g.DerivedOf(0x10000)
	found := false
	for _, d := range derived {
		if d == 0x10100 {
			found = true
		}
	}
	if !found {
		t.Fatalf("DerivedOf(classType) = %v, want it to include derivedSingle", derived)
	}
}

func TestResolveDisablesWithoutAnchorTrio(t *testing.T) {
	vam := core.NewVirtualAddressMap()
	mods := module.New([]string{""})
	mods.AddModule("empty-module", nil)
	mods.AddRange("empty-module", 0x1000, 0x1000, 0, core.FlagReadable|core.FlagWritable, nil)
	mods.Resolve()

	r := New(8, vam, mods)
	g := r.Resolve()
	if len(g.Warnings()) == 0 {
		t.Fatalf("expected a disabling warning when no anchor trio is found")
	}
}
