// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package golang locates the Go runtime's heap: the two-level arena
// table, the mspan layout (derived empirically, since no DWARF is
// trusted), and the spans it owns, then emits one allocation per
// in-use or manually-managed block and registers every goroutine stack
// it finds along the way.
//
// This is the finder with the strongest grounding in this module's
// source corpus: it follows the structure of chap's
// GoLang/InfrastructureFinder.h (arena discovery, mspan offset
// derivation) and GoLang/MappedPageRangeIterator.h (the two-level walk),
// adapted from a malloc-focused C++ finder into the allocs.Finder shape
// the rest of this package uses.
package golang

import (
	"fmt"
	"math/bits"

	"chap/core"
	"chap/internal/allocs"
	"chap/internal/partition"
	"chap/internal/stacks"
)

const FinderID = "golang heap"

// mspan states, matching runtime/mheap.go's mSpanState.
const (
	mSpanDead = iota
	mSpanInUse
	mSpanManual
	mSpanFree
)

// layout holds the mspan field offsets this finder has derived. All
// offsets are in bytes from the start of the mspan struct.
type layout struct {
	pageShift       uint
	arenasIndexBits uint
	spansIndexBits  uint

	stateOff      int64 // 1 byte
	elemsizeOff   int64 // W bytes
	nelemsOff     int64 // 2 bytes (half-word)
	allocBitsOff  int64 // W bytes, pointer
	manualFreeOff int64 // W bytes, pointer (only meaningful for mSpanManual)
	startAddrOff  int64
	npagesOff     int64
	limitOff      int64 // W bytes: end of the span's allocation data
}

// candidateSpan is one span discovered and validated during arena
// discovery, kept around for the mspan-layout derivation pass. limit is
// the span's own limit field (the end of its allocation data), not the
// end of its page range; in-use spans keep limit = startAddr +
// nelems*elemsize, which is what the elemsize/nelems scoring needs.
type candidateSpan struct {
	spanAddr core.Address
	start    core.Address
	limit    core.Address
	npages   uint64
}

// Finder implements allocs.Finder for the Go runtime allocator.
type Finder struct {
	ptrSize int64
	rd      *core.Reader
	vam     *core.VirtualAddressMap
	part    *partition.Partition
	dir     *allocs.Directory
	stacks  *stacks.Registry

	candidates func(yield func(core.Address) bool)

	warnings []string
}

// New returns a Go runtime finder. candidates enumerates addresses to try
// as the runtime.mheap.arenas table pointer.
func New(ptrSize int64, vam *core.VirtualAddressMap, part *partition.Partition, dir *allocs.Directory, st *stacks.Registry, candidates func(yield func(core.Address) bool)) *Finder {
	return &Finder{
		ptrSize:    ptrSize,
		rd:         core.NewReader(vam),
		vam:        vam,
		part:       part,
		dir:        dir,
		stacks:     st,
		candidates: candidates,
	}
}

func (f *Finder) ID() string         { return FinderID }
func (f *Finder) Warnings() []string { return f.warnings }

func (f *Finder) warnf(format string, args ...interface{}) {
	f.warnings = append(f.warnings, fmt.Sprintf(format, args...))
}

// w returns the inferior's pointer width W in bytes.
func (f *Finder) w() int64 { return f.ptrSize }

// Resolve finds the arenas table, derives page_shift/index-bit widths and
// the mspan layout from the spans it validates along the way, then
// enumerates every span and emits its allocations.
func (f *Finder) Resolve() error {
	arenasPtr, lay, spans, ok := f.findArenas()
	if !ok {
		f.warnf("%s: no plausible arenas table found; disabling finder", FinderID)
		return nil
	}
	f.deriveMspanLayout(lay, spans)

	it := newPageRangeIterator(f, arenasPtr, lay)
	for {
		rec, ok := it.next()
		if !ok {
			break
		}
		f.emit(lay, rec)
	}
	return nil
}

// findArenas tries each candidate address as runtime.mheap.arenas ([1 <<
// arenaL1Bits][1 << arenaL2Bits]*heapArena on 64-bit, collapsed to a flat
// array when arenaL1Bits==0, the common case). The first candidate whose
// first non-nil heapArena yields a span from which page_shift and the
// mspan limit-field offset can be derived, and whose remaining spans
// validate against them, is accepted.
func (f *Finder) findArenas() (core.Address, *layout, []candidateSpan, bool) {
	var found core.Address
	var lay *layout
	var spans []candidateSpan
	ok := false
	f.candidates(func(addr core.Address) bool {
		if uint64(addr)&0xfff != 0 {
			return true
		}
		l, cs, good := f.tryArenasCandidate(addr)
		if good {
			found, lay, spans, ok = addr, l, cs, true
			return false
		}
		return true
	})
	return found, lay, spans, ok
}

// heapArenaSlots bounds how many arenas-array entries are probed per
// candidate; enough to find a live heapArena without scanning the whole
// 1<<arenasIndexBits table.
const heapArenaSlots = 1 << 10

// arenasIndexBits is fixed across the Go versions this finder supports;
// spansIndexBits follows from the derived page shift (each heapArena
// covers 1<<26 bytes, so its spans array indexes 26-pageShift bits of
// page number).
const arenasIndexBits = 21

func (f *Finder) tryArenasCandidate(p core.Address) (*layout, []candidateSpan, bool) {
	for i := 0; i < heapArenaSlots; i++ {
		heapArena := core.Address(f.rd.ReadWord(p.Add(int64(i)*f.ptrSize), f.ptrSize, 0))
		if heapArena == 0 {
			continue
		}
		_, _, attrs, ok := f.vam.Find(heapArena)
		if !ok || attrs.Flags&core.FlagWritable == 0 {
			continue
		}
		lay, ok := f.deriveSpanGeometry(heapArena)
		if !ok {
			continue
		}
		spans, good := f.tryHeapArena(heapArena, lay)
		if !good {
			continue
		}
		// First plausible heapArena is enough to accept the candidate.
		return lay, spans, true
	}
	return nil, nil, false
}

// deriveSpanGeometry derives page_shift and the mspan limit-field offset
// from the first span reachable from heapArena's spans sub-array. The
// limit field is somewhere in [4W, 16W) past startAddr; for each
// candidate word there with limit > startAddr, the page shift is the
// smallest in 12..18 satisfying limit <= startAddr + npages<<shift. A
// merely page-aligned startAddr cannot disambiguate 4K from 8K pages;
// requiring the limit of a multi-page span to lie past the
// second-to-last page boundary rejects underestimated shifts (a span
// more than half full at the true shift fails the inequality at the
// shift below it).
func (f *Finder) deriveSpanGeometry(heapArena core.Address) (*layout, bool) {
	w := f.w()
	for i := int64(0); i < 8192; i++ {
		spanPtr := core.Address(f.rd.ReadWord(heapArena.Add(i*w), f.ptrSize, 0))
		if spanPtr == 0 {
			continue
		}
		start := core.Address(f.rd.ReadWord(spanPtr, f.ptrSize, 0))  // startAddr is mspan's first field
		npages := f.rd.ReadWord(spanPtr.Add(w), f.ptrSize, 0)        // npages is the second field
		if start == 0 || npages == 0 || uint64(start)&0xfff != 0 {
			continue
		}
		for limitOff := 4 * w; limitOff < 16*w; limitOff += w {
			limit := core.Address(f.rd.ReadWord(spanPtr.Add(limitOff), f.ptrSize, 0))
			if limit <= start {
				continue
			}
			shift := uint(12)
			for ; shift < 19; shift++ {
				if start.Add(int64(npages)<<shift) >= limit {
					break
				}
			}
			if shift == 19 {
				continue
			}
			if npages > 1 && limit <= start.Add(int64(npages-1)<<shift) {
				continue
			}
			return &layout{
				pageShift:       shift,
				arenasIndexBits: arenasIndexBits,
				spansIndexBits:  26 - shift,
				limitOff:        limitOff,
			}, true
		}
	}
	return nil, false
}

// tryHeapArena scans one heapArena's "spans" sub-array (an array of
// *mspan indexed by page number within the arena) and validates each
// non-nil entry against the derived geometry: page-aligned startAddr,
// nonzero npages, and a limit field no larger than the span's page
// range.
func (f *Finder) tryHeapArena(heapArena core.Address, lay *layout) ([]candidateSpan, bool) {
	const spansOffset = 0 // spans is the first field of heapArena in all supported Go versions
	n := int64(1) << lay.spansIndexBits
	if n > 8192 {
		n = 8192 // cap the probe; enough to validate without scanning the whole arena
	}
	var out []candidateSpan
	for i := int64(0); i < n; i++ {
		spanPtr := core.Address(f.rd.ReadWord(heapArena.Add(spansOffset+i*f.ptrSize), f.ptrSize, 0))
		if spanPtr == 0 {
			continue
		}
		start := core.Address(f.rd.ReadWord(spanPtr, f.ptrSize, 0))   // startAddr is mspan's first field
		npages := f.rd.ReadWord(spanPtr.Add(f.ptrSize), f.ptrSize, 0) // npages is the second field
		if start == 0 || npages == 0 {
			continue
		}
		if uint64(start)&((1<<lay.pageShift)-1) != 0 {
			continue
		}
		limit := core.Address(f.rd.ReadWord(spanPtr.Add(lay.limitOff), f.ptrSize, 0))
		if limit <= start || limit > start.Add(int64(npages)<<lay.pageShift) {
			continue
		}
		out = append(out, candidateSpan{spanAddr: spanPtr, start: start, limit: limit, npages: npages})
		if len(out) >= 64 {
			break
		}
	}
	return out, len(out) > 0
}

// deriveMspanLayout scores each candidate byte/word/half-word offset
// across every discovered span and keeps the highest-scoring one for
// each field. startAddr and npages offsets are already known (0 and W,
// by construction of tryHeapArena above); this pass derives state,
// elemsize, nelems, and allocBits.
func (f *Finder) deriveMspanLayout(l *layout, spans []candidateSpan) {
	l.startAddrOff = 0
	l.npagesOff = f.w()

	const probeWindow = 128
	knownFieldsEnd := 2 * f.w() // startAddr, npages: already assigned above
	stateScore := map[int64]int{}
	elemsizeScore := map[int64]int{}
	for _, s := range spans {
		seenVals := map[int64]map[byte]bool{}
		for off := knownFieldsEnd; off < probeWindow; off++ {
			b := f.rd.ReadU8(s.spanAddr.Add(off), 0xff)
			if b > 3 {
				continue
			}
			if seenVals[off] == nil {
				seenVals[off] = map[byte]bool{}
			}
			seenVals[off][b] = true
		}
		for off, vals := range seenVals {
			if vals[1] || vals[2] {
				stateScore[off]++
			}
		}
		size := s.limit.Sub(s.start)
		for off := knownFieldsEnd; off+f.w() <= probeWindow; off += f.w() {
			word := f.rd.ReadWord(s.spanAddr.Add(off), f.w(), 0)
			if word != 0 && size%int64(word) == 0 {
				elemsizeScore[off]++
			}
		}
	}
	l.stateOff = argmax(stateScore)
	l.elemsizeOff = argmax(elemsizeScore)

	// nelems gets its own scoring pass, independent of where elemsize
	// happened to land: it is the only half-word candidate where
	// nelems*elemsize equals the span's used length, for every span seen.
	nelemsScore := map[int64]int{}
	for _, s := range spans {
		elemsize := f.rd.ReadWord(s.spanAddr.Add(l.elemsizeOff), f.w(), 0)
		if elemsize == 0 {
			continue
		}
		size := uint64(s.limit.Sub(s.start))
		for off := knownFieldsEnd; off+2 <= probeWindow; off++ {
			n := f.rd.ReadWord(s.spanAddr.Add(off), 2, 0) & 0xffff
			if n == 0 {
				continue
			}
			if n*elemsize == size {
				nelemsScore[off]++
			}
		}
	}
	l.nelemsOff = argmax(nelemsScore)

	// allocBits is scored separately too: it is the only pointer-sized
	// candidate whose target's first word, read as a bitmap, is non-zero
	// and fits within the nelems bits the span actually has (so it reads
	// as a plausible "which of my first 64 elements are allocated"
	// snapshot rather than an arbitrary word of memory).
	allocBitsScore := map[int64]int{}
	if l.nelemsOff >= 0 {
		for _, s := range spans {
			nelems := f.rd.ReadWord(s.spanAddr.Add(l.nelemsOff), 2, 0) & 0xffff
			if nelems == 0 || nelems > 64 {
				continue
			}
			limit := uint64(1) << nelems
			for off := knownFieldsEnd; off+f.w() <= probeWindow; off += f.w() {
				ptr := core.Address(f.rd.ReadWord(s.spanAddr.Add(off), f.w(), 0))
				if ptr == 0 {
					continue
				}
				first := f.rd.ReadWord(ptr, f.w(), 0)
				if first >= 1 && first < limit {
					allocBitsScore[off]++
				}
			}
		}
	}
	l.allocBitsOff = argmax(allocBitsScore)
	if l.allocBitsOff >= 0 {
		l.manualFreeOff = l.allocBitsOff + f.w()
	} else {
		l.manualFreeOff = l.elemsizeOff + f.w() + 8
	}
}

// argmax returns the offset with the highest score, or -1 if scores is
// empty (no candidate ever satisfied the field's invariant); callers
// treat a negative offset as "this field could not be derived" rather
// than letting it default to 0 and collide with startAddr.
func argmax(scores map[int64]int) int64 {
	best := int64(-1)
	bestScore := -1
	for off, score := range scores {
		if score > bestScore {
			best, bestScore = off, score
		}
	}
	return best
}

// pageRangeRecord is one (firstAddress, numPages, mspan) yielded by the
// iterator, matching chap's MappedPageRangeIterator.
type pageRangeRecord struct {
	first  core.Address
	npages uint64
	span   core.Address
	start  core.Address
	limit  core.Address
}

// pageRangeIterator walks the two-level table in page order, one span
// per call. slot and page persist across calls so the walk resumes where
// the last yielded span left off; a span covering k pages owns k
// consecutive spans-array slots, so after yielding one the iterator
// jumps past its remaining slots (and also skips any further slot still
// naming the same span) rather than yielding it once per page.
type pageRangeIterator struct {
	f         *Finder
	arenas    core.Address
	lay       *layout
	slot      int
	heapArena core.Address // non-nil arena for the current slot, 0 when the slot is exhausted
	page      int64
	lastSpan  core.Address
}

func newPageRangeIterator(f *Finder, arenas core.Address, lay *layout) *pageRangeIterator {
	return &pageRangeIterator{f: f, arenas: arenas, lay: lay}
}

func (it *pageRangeIterator) next() (pageRangeRecord, bool) {
	for it.slot < heapArenaSlots {
		if it.heapArena == 0 {
			it.heapArena = core.Address(it.f.rd.ReadWord(it.arenas.Add(int64(it.slot)*it.f.ptrSize), it.f.ptrSize, 0))
			if it.heapArena == 0 {
				it.slot++
				continue
			}
			it.page = 0
			it.lastSpan = 0
		}
		n := int64(1) << it.lay.spansIndexBits
		if n > 8192 {
			n = 8192
		}
		for it.page < n {
			i := it.page
			it.page++
			spanPtr := core.Address(it.f.rd.ReadWord(it.heapArena.Add(i*it.f.ptrSize), it.f.ptrSize, 0))
			if spanPtr == 0 || spanPtr == it.lastSpan {
				continue
			}
			start := core.Address(it.f.rd.ReadWord(spanPtr, it.f.ptrSize, 0))
			npages := it.f.rd.ReadWord(spanPtr.Add(it.f.ptrSize), it.f.ptrSize, 0)
			if start == 0 || npages == 0 {
				continue
			}
			it.lastSpan = spanPtr
			if next := i + int64(npages); next > it.page {
				it.page = next
			}
			limit := start.Add(int64(npages) << it.lay.pageShift)
			return pageRangeRecord{first: start, npages: npages, span: spanPtr, start: start, limit: limit}, true
		}
		it.slot++
		it.heapArena = 0
	}
	return pageRangeRecord{}, false
}

// emit reports the allocations implied by one span record and, if its
// shape matches a goroutine struct, registers the stack it describes.
func (f *Finder) emit(l *layout, rec pageRangeRecord) {
	if !f.part.ClaimRange(rec.start, rec.limit.Sub(rec.start), FinderID) {
		return
	}
	state := f.rd.ReadU8(rec.span.Add(l.stateOff), mSpanDead)
	elemsize := f.rd.ReadWord(rec.span.Add(l.elemsizeOff), f.w(), 0)
	var nelems uint64
	if l.nelemsOff >= 0 {
		nelems = f.rd.ReadWord(rec.span.Add(l.nelemsOff), 2, 0) & 0xffff
	}

	switch state {
	case mSpanInUse:
		if elemsize == 0 || nelems == 0 {
			f.dir.Add(FinderID, rec.start, rec.limit, true)
			return
		}
		var allocBits core.Address
		if l.allocBitsOff >= 0 {
			allocBits = core.Address(f.rd.ReadWord(rec.span.Add(l.allocBitsOff), f.w(), 0))
		}
		if allocBits != 0 {
			// An allocBits bitmap can never have more bits set than the
			// span has elements; one that does is a misderived offset or a
			// clobbered span, and the walk falls back to all-used rather
			// than trusting it.
			bm := make([]byte, (nelems+7)/8)
			if n := f.rd.ReadBytes(allocBits, bm); n < len(bm) || uint64(popcount(bm[:n])) > nelems {
				f.warnf("%s: span %s: allocBits at %s is implausible, treating all %d elements as used", FinderID, rec.span, allocBits, nelems)
				allocBits = 0
			}
		}
		for i := uint64(0); i < nelems; i++ {
			base := rec.start.Add(int64(i * elemsize))
			limit := base.Add(int64(elemsize))
			used := allocBits == 0 || f.bitSet(allocBits, i)
			f.dir.Add(FinderID, base, limit, used)
			f.maybeRegisterGoroutineStack(base, elemsize)
		}
	case mSpanManual:
		if elemsize == 0 {
			f.dir.Add(FinderID, rec.start, rec.limit, true)
			return
		}
		free := map[core.Address]bool{}
		head := core.Address(f.rd.ReadWord(rec.span.Add(l.manualFreeOff), f.w(), 0))
		seen := map[core.Address]bool{}
		for head != 0 && !seen[head] {
			seen[head] = true
			free[head] = true
			head = core.Address(f.rd.ReadWord(head, f.w(), 0))
		}
		count := uint64(rec.limit.Sub(rec.start)) / elemsize
		for i := uint64(0); i < count; i++ {
			base := rec.start.Add(int64(i * elemsize))
			limit := base.Add(int64(elemsize))
			f.dir.Add(FinderID, base, limit, !free[base])
		}
	default:
		f.dir.Add(FinderID, rec.start, rec.limit, state != mSpanFree)
	}
}

func (f *Finder) bitSet(bitmap core.Address, i uint64) bool {
	byteVal := f.rd.ReadU8(bitmap.Add(int64(i/8)), 0)
	return byteVal&(1<<(i%8)) != 0
}

// maybeRegisterGoroutineStack checks whether [base, base+elemsize) has
// the shape of a runtime.g: a self-reference sentinel at offset 9W, and
// stack fields base/limit/guard0/guard1 at 0,W,2W,3W.
func (f *Finder) maybeRegisterGoroutineStack(base core.Address, elemsize uint64) {
	w := f.w()
	if int64(elemsize) < 10*w {
		return
	}
	sentinel := core.Address(f.rd.ReadWord(base.Add(9*w), w, 0))
	if sentinel != base {
		return
	}
	stackBase := core.Address(f.rd.ReadWord(base, w, 0))
	stackLimit := core.Address(f.rd.ReadWord(base.Add(w), w, 0))
	if stackBase == 0 || stackLimit <= stackBase {
		return
	}
	if uint64(stackBase)&63 != 0 || uint64(stackLimit)&63 != 0 {
		return
	}
	sp := core.Address(f.rd.ReadWord(base.Add(7*w), w, 0))
	if sp < stackBase || sp >= stackLimit {
		return
	}
	s, err := f.stacks.Register(stackBase, stackLimit, "goroutine stack")
	if err != nil {
		f.warnf("%s: %v", FinderID, err)
		return
	}
	s.SetSP(sp)
}

// popcount counts the set bits of an allocBits prefix; a bitmap with
// more bits set than the span has elements cannot be real.
func popcount(b []byte) int {
	n := 0
	for _, x := range b {
		n += bits.OnesCount8(x)
	}
	return n
}
