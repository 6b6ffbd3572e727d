// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pymalloc

import (
	"testing"

	"chap/core"
	"chap/internal/allocs"
	"chap/internal/partition"
)

func putU64(buf []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
}

func putU32(buf []byte, off int, v uint32) {
	for i := 0; i < 4; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
}

// buildSingleArena lays out one arenaobject record (7 words, all zero
// except base/ntotalpools/poolLimit) whose single 4096-byte pool holds 63
// blocks of 64 bytes each, the first two in use.
func buildSingleArena(t *testing.T) (*core.VirtualAddressMap, core.Address) {
	t.Helper()
	vam := core.NewVirtualAddressMap()

	const arenasAddr = core.Address(0x200000)
	const poolAddr = core.Address(0x300000)
	const poolSize = 4096
	const blockSize = 64

	rec := make([]byte, 56)
	putU64(rec, 0, uint64(poolAddr))           // base
	putU64(rec, 8, 0)                          // nfreepools
	putU64(rec, 16, 1)                         // ntotalpools
	putU64(rec, 24, 0)                         // freepools
	putU64(rec, 32, uint64(poolAddr)+poolSize) // pool_address (limit)
	putU64(rec, 40, 0)                         // nextarena
	putU64(rec, 48, 0)                         // prevarena
	if !vam.AddRange(arenasAddr, int64(len(rec)), core.FlagReadable|core.FlagWritable|core.FlagMapped, rec) {
		t.Fatalf("failed to map arena record")
	}

	// Stop findArenasArray's count scan at the second following slot by
	// making it a nonzero, non-page-aligned (hence invalid) base pointer.
	stop := make([]byte, 8)
	putU64(stop, 0, 0x1234)
	if !vam.AddRange(arenasAddr.Add(2*56), int64(len(stop)), core.FlagReadable|core.FlagWritable|core.FlagMapped, stop) {
		t.Fatalf("failed to map stop sentinel")
	}

	// A 0x30-byte pool header: ref count at 0, freeblock/nextpool/prevpool
	// pointers (all nil here), then the four u32s at 32..47. nextoffset
	// says the first two blocks were handed out; maxnextoffset encodes the
	// block size.
	header := make([]byte, 48)
	putU32(header, 0, 2)                     // ref.count: two blocks in use
	putU32(header, 40, 48+2*blockSize)       // nextoffset: first 2 blocks ever used
	putU32(header, 44, poolSize-blockSize)   // maxnextoffset: pool_size - blocksize
	if !vam.AddRange(poolAddr, int64(len(header)), core.FlagReadable|core.FlagWritable|core.FlagMapped, header) {
		t.Fatalf("failed to map pool header")
	}

	return vam, arenasAddr
}

func TestResolveEmitsPoolBlocks(t *testing.T) {
	vam, arenasAddr := buildSingleArena(t)
	part := partition.New()
	dir := allocs.New()

	candidates := func(yield func(core.Address) bool) {
		yield(arenasAddr)
	}
	f := New(8, vam, part, dir, candidates)
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
	if len(all) != 63 {
		t.Fatalf("got %d block allocations, want 63", len(all))
	}
	used := 0
	for _, a := range all {
		if a.Used {
			used++
		}
	}
	if used != 2 {
		t.Fatalf("got %d used blocks, want 2", used)
	}
	if !part.IsClaimed(core.Address(0x300000)) {
		t.Fatalf("pool range should be claimed in the partition")
	}
}

// buildSelfTypedCandidate maps a self-typed "type" object at typeAddr (its
// own ob_type, word 1, points at itself) whose dict field at the given
// typeDictOff names a distinct object with a plausible, non-self type --
// the invariant validateTypeDictLayout checks for the Python 3.11 offset.
func buildSelfTypedCandidate(t *testing.T, vam *core.VirtualAddressMap, typeAddr, dictAddr, dictTypeAddr core.Address, typeDictOff int64) {
	t.Helper()
	flags := core.FlagReadable | core.FlagWritable | core.FlagMapped

	typeObj := make([]byte, typeDictOff+8)
	putU64(typeObj, 8, uint64(typeAddr)) // ob_type: self
	putU64(typeObj, int(typeDictOff), uint64(dictAddr))
	if !vam.AddRange(typeAddr, int64(len(typeObj)), flags, typeObj) {
		t.Fatalf("failed to map type object")
	}

	dictObj := make([]byte, 16)
	putU64(dictObj, 8, uint64(dictTypeAddr)) // ob_type: distinct from dictAddr
	if !vam.AddRange(dictAddr, int64(len(dictObj)), flags, dictObj) {
		t.Fatalf("failed to map dict object")
	}
}

func TestResolveDerivesTypeDictLayout(t *testing.T) {
	vam, arenasAddr := buildSingleArena(t)

	const (
		typeAddr     = core.Address(0x500000)
		dictAddr     = core.Address(0x600000)
		dictTypeAddr = core.Address(0x700000)
	)
	const python311TypeDictOff = 20 * 8
	buildSelfTypedCandidate(t, vam, typeAddr, dictAddr, dictTypeAddr, python311TypeDictOff)

	part := partition.New()
	dir := allocs.New()
	candidates := func(yield func(core.Address) bool) {
		if !yield(arenasAddr) {
			return
		}
		yield(typeAddr)
	}
	f := New(8, vam, part, dir, candidates)
	if err := f.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got, want := f.lay.pyVersion, "python3.11"; got != want {
		t.Fatalf("derived pyVersion = %q, want %q", got, want)
	}
	if got, want := f.lay.typeDictOff, int64(python311TypeDictOff); got != want {
		t.Fatalf("derived typeDictOff = %d, want %d", got, want)
	}
}

func TestResolveDisablesWithoutArenasArray(t *testing.T) {
	vam := core.NewVirtualAddressMap()
	part := partition.New()
	dir := allocs.New()
	f := New(8, vam, part, dir, func(yield func(core.Address) bool) {})
	if err := f.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(f.Warnings()) == 0 {
		t.Fatalf("expected a disabling warning when no arenas array is found")
	}
}
