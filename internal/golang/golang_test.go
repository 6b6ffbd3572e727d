// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package golang

import (
	"testing"

	"chap/core"
	"chap/internal/allocs"
	"chap/internal/partition"
	"chap/internal/stacks"
)

func putWord(buf []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
}

func putU16(buf []byte, off int, v uint16) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
}

// buildSpanHeader lays out a 128-byte mspan record at the layout this
// package's offset-derivation pass is expected to find: state at 16,
// elemsize at 24, nelems at 32, allocBits at 40, manualFreeList at 48,
// limit at 56 (startAddr/npages at 0/8 are load-bearing in
// tryHeapArena/deriveSpanGeometry themselves, not derived). Every byte
// the derivation passes would otherwise score is filled with 0xAA, a
// value >3 (so it never looks like a plausible state byte) whose
// word-sized repetitions dwarf any span's byte size (so it never looks
// like a plausible elemsize either).
func buildSpanHeader(start core.Address, npages uint64, state byte, elemsize uint64, nelems uint16, allocBits, manualFree, limit core.Address) []byte {
	rec := make([]byte, 128)
	for i := range rec {
		rec[i] = 0xAA
	}
	putWord(rec, 0, uint64(start))
	putWord(rec, 8, npages)
	rec[16] = state
	putWord(rec, 24, elemsize)
	putU16(rec, 32, nelems)
	putWord(rec, 40, uint64(allocBits))
	putWord(rec, 48, uint64(manualFree))
	putWord(rec, 56, uint64(limit))
	return rec
}

// buildHeap assembles one arenas-table -> heapArena -> {in-use span,
// manual span} address space: an in-use span with 8 elements (2 marked
// used via its allocBits bitmap) and a manual span with 16 elements whose
// free list names 3 of them. The two spans deliberately share elemsize
// (1024) but give nelems/allocBits different, independently-checkable
// values, so a derivation that cheated by assuming nelems/allocBits sit
// at a fixed offset from elemsize (rather than scoring them against
// their own invariants) would still have to get both spans right.
//
// The heap is built with 8K pages: span1 holds 8K of data in one page
// (its limit lands past what a single 4K page could hold, so the shift
// derivation must reject 12 and settle on 13), and span2 spans two 8K
// pages, which also exercises the iterator's skip past a multi-page
// span's extra spans-array slots.
func buildHeap(t *testing.T) (*core.VirtualAddressMap, core.Address) {
	t.Helper()
	vam := core.NewVirtualAddressMap()
	flags := core.FlagReadable | core.FlagWritable | core.FlagMapped

	const (
		arenasAddr = core.Address(0x100000)
		heapArena  = core.Address(0x110000)
		span1Addr  = core.Address(0x120000)
		span2Addr  = core.Address(0x130000)
		bitmapAddr = core.Address(0x140000)
		span1Start = core.Address(0x300000)
		span2Start = core.Address(0x320000)
		freeHead   = span2Start + 2*1024 // block index 2
		freeSecond = span2Start + 5*1024 // block index 5
		freeThird  = span2Start + 7*1024 // block index 7
	)

	mustMap := func(addr core.Address, data []byte) {
		t.Helper()
		if !vam.AddRange(addr, int64(len(data)), flags, data) {
			t.Fatalf("failed to map [%s,%s)", addr, addr.Add(int64(len(data))))
		}
	}

	arenasTable := make([]byte, 8)
	putWord(arenasTable, 0, uint64(heapArena))
	mustMap(arenasAddr, arenasTable)

	// span2 covers two 8K pages, so it owns slots 1 and 2; the iterator
	// must yield it once, not once per slot.
	heapArenaSpans := make([]byte, 24)
	putWord(heapArenaSpans, 0, uint64(span1Addr))
	putWord(heapArenaSpans, 8, uint64(span2Addr))
	putWord(heapArenaSpans, 16, uint64(span2Addr))
	mustMap(heapArena, heapArenaSpans)

	span1 := buildSpanHeader(span1Start, 1 /* npages */, mSpanInUse, 1024 /* elemsize */, 8 /* nelems */, bitmapAddr, 0, span1Start+8*1024)
	mustMap(span1Addr, span1)

	// nelems=16 here is real, not a don't-care: deriveMspanLayout now
	// scores nelems independently per span, and a manual
	// span's mspan.nelems is populated by the runtime the same as an
	// in-use span's, so the fixture should be too.
	span2 := buildSpanHeader(span2Start, 2 /* npages */, mSpanManual, 1024 /* elemsize */, 16, 0, freeHead, span2Start+16*1024)
	mustMap(span2Addr, span2)

	bitmap := make([]byte, 8)
	bitmap[0] = 0b0000_0101 // elements 0 and 2 used, rest free
	mustMap(bitmapAddr, bitmap)

	freeNode := func(addr core.Address, next core.Address) []byte {
		b := make([]byte, 8)
		putWord(b, 0, uint64(next))
		return b
	}
	mustMap(freeHead, freeNode(freeHead, freeSecond))
	mustMap(freeSecond, freeNode(freeSecond, freeThird))
	mustMap(freeThird, freeNode(freeThird, 0))

	return vam, arenasAddr
}

func TestResolveDerivesLayoutAndEmitsSpans(t *testing.T) {
	vam, arenasAddr := buildHeap(t)
	part := partition.New()
	dir := allocs.New()
	st := stacks.New()

	candidates := func(yield func(core.Address) bool) { yield(arenasAddr) }
	f := New(8, vam, part, dir, st, candidates)
	if err := f.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(f.Warnings()) != 0 {
		t.Fatalf("unexpected warnings: %v", f.Warnings())
	}

	if err := dir.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	all := dir.All()
	if len(all) != 24 {
		t.Fatalf("got %d allocations, want 24 (8 in-use span + 16 manual span)", len(all))
	}
	used := 0
	for _, a := range all {
		if a.Used {
			used++
		}
	}
	// in-use span: bits 0,2 set -> 2 used, 6 free.
	// manual span: free list names 3 of 16 -> 13 used, 3 free.
	if want := 15; used != want {
		t.Fatalf("got %d used allocations, want %d", used, want)
	}
	if got, want := len(all)-used, 9; got != want {
		t.Fatalf("got %d free allocations, want %d", got, want)
	}
	if !part.IsClaimed(core.Address(0x300000)) || !part.IsClaimed(core.Address(0x320000)) {
		t.Fatalf("both spans' block ranges should be claimed in the partition")
	}
}

func TestResolveDisablesWithoutArenasTable(t *testing.T) {
	vam := core.NewVirtualAddressMap()
	part := partition.New()
	dir := allocs.New()
	st := stacks.New()
	f := New(8, vam, part, dir, st, func(yield func(core.Address) bool) {})
	if err := f.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(f.Warnings()) == 0 {
		t.Fatalf("expected a disabling warning when no arenas table is found")
	}
}

func TestGoroutineStackRegistration(t *testing.T) {
	vam := core.NewVirtualAddressMap()
	flags := core.FlagReadable | core.FlagWritable | core.FlagMapped
	mustMap := func(addr core.Address, data []byte) {
		t.Helper()
		if !vam.AddRange(addr, int64(len(data)), flags, data) {
			t.Fatalf("failed to map [%s,%s)", addr, addr.Add(int64(len(data))))
		}
	}

	const (
		arenasAddr = core.Address(0x100000)
		heapArena  = core.Address(0x110000)
		spanAddr   = core.Address(0x120000)
		gStart     = core.Address(0x400000) // elemsize-aligned goroutine struct base
		stackBase  = core.Address(0x500000)
		stackLimit = core.Address(0x510000)
		sp         = core.Address(0x50f000)
	)
	const elemsize = 128 // >= 10*8, large enough to hold all the probed fields

	arenasTable := make([]byte, 8)
	putWord(arenasTable, 0, uint64(heapArena))
	mustMap(arenasAddr, arenasTable)

	heapArenaSpans := make([]byte, 8)
	putWord(heapArenaSpans, 0, uint64(spanAddr))
	mustMap(heapArena, heapArenaSpans)

	// limit = gStart + 4096 fills exactly one 4K page, so the shift
	// derivation settles on 12 here; this test cares about the stack
	// registration, not the page size.
	span := buildSpanHeader(gStart, 1 /* npages */, mSpanInUse, elemsize, 4096/elemsize, core.Address(0) /* allocBits==0: all used */, 0, gStart+4096)
	mustMap(spanAddr, span)

	g := make([]byte, elemsize)
	putWord(g, 0, uint64(stackBase))    // stack.lo
	putWord(g, 8, uint64(stackLimit))   // stack.hi
	putWord(g, 7*8, uint64(sp))         // sched.sp
	putWord(g, 9*8, uint64(gStart))     // self-reference sentinel
	mustMap(gStart, g)

	part := partition.New()
	dir := allocs.New()
	st := stacks.New()
	candidates := func(yield func(core.Address) bool) { yield(arenasAddr) }
	f := New(8, vam, part, dir, st, candidates)
	if err := f.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	all := st.All()
	if len(all) != 1 {
		t.Fatalf("got %d registered stacks, want 1; warnings=%v", len(all), f.Warnings())
	}
	s := all[0]
	if s.Kind != "goroutine stack" || s.Base != stackBase || s.Limit != stackLimit {
		t.Fatalf("unexpected stack: %+v", s)
	}
	if !s.HasSP || s.SP != sp {
		t.Fatalf("stack SP not recorded correctly: %+v", s)
	}
}
