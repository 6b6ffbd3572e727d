// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package libcmalloc locates glibc's main_arena and every arena chained
// from it, walks each arena's heaps chunk by chunk, and reports one
// allocation per chunk, used or free. There is no surviving upstream
// reference implementation in this module's source corpus for this
// finder (unlike the Go, tcmalloc, and Python finders, which all trace
// back to a chap C++ header); it is built directly from the malloc
// chunk-layout algorithm, in the same finder shape (state machine over a
// byte reader, claim-then-emit) as chap/internal/golang and
// chap/internal/tcmalloc use for their own walks.
package libcmalloc

import (
	"fmt"

	"chap/core"
	"chap/internal/allocs"
	"chap/internal/partition"
)

const (
	// FinderID is both the allocs.Finder ID and the partition claim label
	// prefix this finder uses.
	FinderID = "libc malloc"

	sizeMask     = ^uint64(0x7)
	prevInuse    = uint64(1) << 0
	isMmapped    = uint64(1) << 1
	nonMainArena = uint64(1) << 2

	minChunkSize = 4 * 8 // 4W on 64-bit: prev_size, size, and the fd/bk free-list pointers
)

// Finder implements allocs.Finder for glibc malloc.
type Finder struct {
	ptrSize int64
	rd      *core.Reader
	vam     *core.VirtualAddressMap
	part    *partition.Partition
	dir     *allocs.Directory

	// candidates is the set of writable-range addresses to probe as
	// main_arena; ordinarily this is every 8-byte-aligned offset in every
	// writable module range, but tests can supply an explicit narrower
	// set.
	candidates func(yield func(core.Address) bool)

	warnings []string
}

// New returns a libc malloc finder. candidates enumerates addresses to try
// as main_arena (typically: every writable byte of every module's data
// segment, at pointer-size granularity); ptrSize is 4 or 8.
func New(ptrSize int64, vam *core.VirtualAddressMap, part *partition.Partition, dir *allocs.Directory, candidates func(yield func(core.Address) bool)) *Finder {
	return &Finder{
		ptrSize:    ptrSize,
		rd:         core.NewReader(vam),
		vam:        vam,
		part:       part,
		dir:        dir,
		candidates: candidates,
	}
}

func (f *Finder) ID() string { return FinderID }

// Warnings returns every warning accumulated during Resolve.
func (f *Finder) Warnings() []string { return f.warnings }

func (f *Finder) warnf(format string, args ...interface{}) {
	f.warnings = append(f.warnings, fmt.Sprintf(format, args...))
}

// arena is one malloc_state discovered via the next chain. isMain marks
// the seed arena found by findMainArena: the main arena grows via brk
// into a single contiguous region with no heap_info header, while every
// other arena's memory comes from one or more mmap'd heaps chained by
// heap_info.prev.
type arena struct {
	addr   core.Address
	top    core.Address
	next   core.Address
	isMain bool
}

// Resolve runs main_arena discovery, arena chain-walk, and per-arena heap
// walking, emitting one allocation per chunk and claiming every chunk's
// bytes in the partition under FinderID. A finder that cannot locate
// main_arena reports no allocations and no error: it is disabled, not
// fatal, and the analyzer continues with the other finders.
func (f *Finder) Resolve() error {
	seed, ok := f.findMainArena()
	if !ok {
		f.warnf("%s: no plausible main_arena found; disabling finder", FinderID)
		return nil
	}
	arenas := f.chainArenas(seed)
	for _, a := range arenas {
		f.walkArena(a)
	}
	return nil
}

// findMainArena looks for an mchunkptr-shaped record whose top pointer
// lands in writable mapped memory and whose next chain returns to itself
// within a small number of hops.
func (f *Finder) findMainArena() (core.Address, bool) {
	var found core.Address
	var ok bool
	f.candidates(func(addr core.Address) bool {
		if f.looksLikeArena(addr) {
			if _, _, isSelf := f.chaseSelf(addr, 16); isSelf {
				found, ok = addr, true
				return false
			}
		}
		return true
	})
	return found, ok
}

// arenaTopOffset and arenaNextOffset are the field offsets within
// malloc_state (struct malloc_state in glibc's malloc.c) this finder
// relies on: the fixed-size bins array precedes both, so these offsets
// are themselves architecture/version sensitive; values below match the
// widely deployed glibc 2.2x layout on amd64/i386 with NBINS=254 paired
// fastbin/bin arrays ahead of top and next.
func arenaTopOffset(ptrSize int64) int64 {
	if ptrSize == 8 {
		return 1040
	}
	return 520
}

func arenaNextOffset(ptrSize int64) int64 {
	if ptrSize == 8 {
		return 2104
	}
	return 1052
}

func (f *Finder) looksLikeArena(addr core.Address) bool {
	top := core.Address(f.rd.ReadWord(addr.Add(arenaTopOffset(f.ptrSize)), f.ptrSize, 0))
	if top == 0 {
		return false
	}
	_, _, attrs, ok := f.vam.Find(top)
	return ok && attrs.Flags&core.FlagWritable != 0
}

func (f *Finder) chaseSelf(addr core.Address, maxHops int) (core.Address, int, bool) {
	cur := addr
	for hop := 1; hop <= maxHops; hop++ {
		next := core.Address(f.rd.ReadWord(cur.Add(arenaNextOffset(f.ptrSize)), f.ptrSize, 0))
		if next == 0 {
			return 0, hop, false
		}
		if next == addr {
			return next, hop, true
		}
		cur = next
	}
	return 0, maxHops, false
}

func (f *Finder) chainArenas(seed core.Address) []arena {
	var out []arena
	seen := map[core.Address]bool{}
	cur := seed
	first := true
	for !seen[cur] {
		seen[cur] = true
		top := core.Address(f.rd.ReadWord(cur.Add(arenaTopOffset(f.ptrSize)), f.ptrSize, 0))
		next := core.Address(f.rd.ReadWord(cur.Add(arenaNextOffset(f.ptrSize)), f.ptrSize, 0))
		out = append(out, arena{addr: cur, top: top, next: next, isMain: first})
		first = false
		if next == 0 {
			break
		}
		cur = next
	}
	return out
}

// heapSize is the alignment used by the heap_for_ptr trick: an
// mmap'd glibc heap (the non-main-arena kind) is always aligned
// to this boundary so that masking a chunk pointer's low bits recovers
// the heap_info header.
const heapSize = 1 << 20

func (f *Finder) heapForPtr(p core.Address) core.Address {
	return core.Address(uint64(p) &^ (heapSize - 1))
}

// chunkRec is one chunk found by the forward in-heap walk, recorded
// before fastbin/tcache correction so collectTCache can scan every
// chunk's shape in one pass once the whole arena (every chained heap)
// has been walked.
type chunkRec struct {
	addr, end core.Address
	nextInUse bool
}

// walkArena walks every heap belonging to a. The heap holding a.top is
// walked first (HEAP_END there means "this is the most recently added
// heap, so its wilderness chunk is the arena's top"); for a non-main
// arena, HEAP_END then chases heap_info.prev to the previous heap and
// keeps walking: INIT -> IN_HEAP -> HEAP_END (chase next heap) ->
// ARENA_END. The main arena never has a heap_info (it grows via brk
// into one contiguous region), so its walk stops after its single heap.
func (f *Finder) walkArena(a arena) {
	var chunks []chunkRec

	topHeap := f.heapForPtr(a.top)
	heapStart := topHeap.Add(int64(heapHeaderSize(f.ptrSize)))
	heapEnd := a.top.Add(int64(f.readChunkSize(a.top) & sizeMask))

	visited := map[core.Address]bool{}
	for {
		chunks = append(chunks, f.walkHeapChunks(a, heapStart, heapEnd)...)
		if a.isMain {
			break
		}
		visited[topHeap] = true
		prev := core.Address(f.rd.ReadWord(topHeap.Add(heapInfoPrevOffset(f.ptrSize)), f.ptrSize, 0))
		if prev == 0 || visited[prev] {
			break
		}
		size := f.rd.ReadWord(prev.Add(heapInfoSizeOffset(f.ptrSize)), f.ptrSize, 0)
		if size == 0 {
			break
		}
		topHeap = prev
		heapStart = prev.Add(int64(heapHeaderSize(f.ptrSize)))
		heapEnd = prev.Add(int64(size))
	}

	fastbinFree := map[core.Address]bool{}
	f.collectFastbins(a.addr, fastbinFree)
	tcacheFree := map[core.Address]bool{}
	f.collectTCache(chunks, tcacheFree)

	for _, c := range chunks {
		userPtr := c.addr.Add(2 * f.ptrSize)
		used := c.nextInUse && !fastbinFree[userPtr] && !tcacheFree[userPtr]
		f.dir.Add(FinderID, c.addr, c.end, used)
		f.part.ClaimRange(c.addr, c.end.Sub(c.addr), FinderID)
	}
}

// walkHeapChunks walks [start, end) forward using the in-band size
// field, stopping (with a warning) the first time a chunk's declared
// size doesn't fit within the heap.
func (f *Finder) walkHeapChunks(a arena, start, end core.Address) []chunkRec {
	var out []chunkRec
	cur := start
	for cur < end {
		size := f.readChunkSize(cur)
		payload := size & sizeMask
		if payload < minChunkSize || cur.Add(int64(payload)) > end {
			f.warnf("%s: arena %s: chunk at %s has implausible size %#x, aborting heap walk", FinderID, a.addr, cur, size)
			break
		}
		next := cur.Add(int64(payload))
		nextInUse := f.readChunkSize(next)&prevInuse != 0
		out = append(out, chunkRec{addr: cur, end: next, nextInUse: nextInUse})
		cur = next
	}
	return out
}

// heapInfoPrevOffset and heapInfoSizeOffset are glibc's struct
// _heap_info layout (ar_ptr, prev, size, mprotect_size, padding): prev
// chains to the previous heap mmap'd for the same arena, and size is
// that heap's total mapped length including its own header.
func heapInfoPrevOffset(ptrSize int64) int64 { return ptrSize }
func heapInfoSizeOffset(ptrSize int64) int64 { return 2 * ptrSize }

func heapHeaderSize(ptrSize int64) int64 {
	return 4 * ptrSize // ar_ptr, prev, size, pad, roughly
}

func (f *Finder) readChunkSize(addr core.Address) uint64 {
	return f.rd.ReadWord(addr.Add(f.ptrSize), f.ptrSize, 0)
}

// collectFastbins sweeps the NFASTBINS fastbin heads in the arena header,
// walking each singly linked free list and recording the user-data
// address of every chunk found free.
func (f *Finder) collectFastbins(arenaAddr core.Address, out map[core.Address]bool) {
	const nFastbins = 10
	const fastbinsOffset = 8 // offsetof(malloc_state, fastbinsY), right after mutex+flags
	for i := 0; i < nFastbins; i++ {
		head := core.Address(f.rd.ReadWord(arenaAddr.Add(fastbinsOffset+int64(i)*f.ptrSize), f.ptrSize, 0))
		seen := map[core.Address]bool{}
		for head != 0 && !seen[head] {
			seen[head] = true
			out[head.Add(2*f.ptrSize)] = true
			head = core.Address(f.rd.ReadWord(head.Add(2*f.ptrSize), f.ptrSize, 0))
		}
	}
}

// tcacheMaxBins matches glibc's TCACHE_MAX_BINS: a tcache_perthread_struct
// carries one uint16 count and one *tcache_entry head per bin.
const tcacheMaxBins = 64

// collectTCache finds each arena's tcache_perthread_struct the same way
// this module derives any other undocumented layout (internal/golang's
// mspan fields, internal/pymalloc's type/dict layout): not by chasing
// thread-local storage, but by recognizing the struct's own shape among
// the chunks already walked. glibc allocates the struct itself from the
// arena the owning thread is attached to, so it is an ordinary chunk
// whose payload holds a counts[64]uint16 array immediately followed by an
// entries[64]*tcache_entry array; looksLikeTCache checks that
// invariant before trusting a candidate. Each bin's singly linked free
// list (a tcache_entry's first word is its "next", same shape as a
// fastbin entry) is then walked and marked free.
func (f *Finder) collectTCache(chunks []chunkRec, out map[core.Address]bool) {
	countsBytes := int64(tcacheMaxBins * 2)
	entriesBytes := int64(tcacheMaxBins) * f.ptrSize
	need := countsBytes + entriesBytes

	for _, c := range chunks {
		userPtr := c.addr.Add(2 * f.ptrSize)
		if int64(c.end.Sub(userPtr)) < need {
			continue
		}
		if !f.looksLikeTCache(userPtr) {
			continue
		}
		for i := 0; i < tcacheMaxBins; i++ {
			count := f.rd.ReadWord(userPtr.Add(int64(i)*2), 2, 0) & 0xffff
			head := core.Address(f.rd.ReadWord(userPtr.Add(countsBytes+int64(i)*f.ptrSize), f.ptrSize, 0))
			seen := map[core.Address]bool{}
			for hops := uint64(0); head != 0 && hops < count && !seen[head]; hops++ {
				seen[head] = true
				out[head] = true
				head = core.Address(f.rd.ReadWord(head, f.ptrSize, 0))
			}
		}
	}
}

// looksLikeTCache validates the counts/entries invariant a real
// tcache_perthread_struct always satisfies: every count is small (glibc's
// per-bin fill target is 7 by default and tunable, but never huge), a
// zero count always pairs with a nil head, and every non-nil head is a
// writable mapped address.
func (f *Finder) looksLikeTCache(userPtr core.Address) bool {
	const maxPlausibleCount = 10000
	any := false
	for i := 0; i < tcacheMaxBins; i++ {
		count := f.rd.ReadWord(userPtr.Add(int64(i)*2), 2, 0) & 0xffff
		entry := core.Address(f.rd.ReadWord(userPtr.Add(int64(tcacheMaxBins*2)+int64(i)*f.ptrSize), f.ptrSize, 0))
		if count > maxPlausibleCount {
			return false
		}
		if count == 0 {
			if entry != 0 {
				return false
			}
			continue
		}
		if entry == 0 {
			return false
		}
		_, _, attrs, ok := f.vam.Find(entry)
		if !ok || attrs.Flags&core.FlagWritable == 0 {
			return false
		}
		any = true
	}
	return any
}
