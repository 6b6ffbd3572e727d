// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tcmalloc locates a tcmalloc (or gperftools) page map and size
// class table in the absence of debug information, then walks the page
// map emitting one allocation per live block. It handles the 2-level
// page-map leaf shapes (google-tcmalloc's compact 1-byte/2-byte leaves,
// gperftools' simple leaf); a 3-level page map is recognized enough to
// report its presence but not walked (see DESIGN.md).
package tcmalloc

import (
	"fmt"

	"chap/core"
	"chap/internal/allocs"
	"chap/internal/partition"
)

const FinderID = "tcmalloc"

// variant names one of the page-map/span-layout combinations this
// finder tries, most specific first.
type variant int

const (
	googleCompact1Byte variant = iota
	googleCompact2Byte
	gperftoolsSimple
)

func (v variant) String() string {
	switch v {
	case googleCompact1Byte:
		return "google-tcmalloc 1-byte compact size class"
	case googleCompact2Byte:
		return "google-tcmalloc 2-byte compact size class"
	default:
		return "gperftools simple leaf"
	}
}

const (
	leafEntries       = 1 << 15 // google-tcmalloc compact leaf: 2^15 pages per leaf
	simpleLeafEntries = 1 << 18 // gperftools simple leaf: 2^18 pages per leaf
	pagemapMinSize    = 64      // PAGEMAP_MIN_SIZE: minimum run of aligned pointers to consider
)

// sizeClassTable is the discovered array of allocation sizes indexed by
// compact size class.
type sizeClassTable struct {
	base core.Address
	n    int
}

// Finder implements allocs.Finder for tcmalloc/gperftools.
type Finder struct {
	ptrSize int64
	rd      *core.Reader
	vam     *core.VirtualAddressMap
	part    *partition.Partition
	dir     *allocs.Directory

	candidates func(yield func(core.Address, int64) bool) // (start, wordCount) runs of aligned pointers

	warnings []string
}

// New returns a tcmalloc finder. candidates enumerates contiguous runs of
// properly aligned word-sized slots in writable module data, given as
// (start address, word count) pairs.
func New(ptrSize int64, vam *core.VirtualAddressMap, part *partition.Partition, dir *allocs.Directory, candidates func(yield func(core.Address, int64) bool)) *Finder {
	return &Finder{ptrSize: ptrSize, rd: core.NewReader(vam), vam: vam, part: part, dir: dir, candidates: candidates}
}

func (f *Finder) ID() string         { return FinderID }
func (f *Finder) Warnings() []string { return f.warnings }

func (f *Finder) warnf(format string, args ...interface{}) {
	f.warnings = append(f.warnings, fmt.Sprintf(format, args...))
}

func (f *Finder) Resolve() error {
	sizeClasses, ok := f.findSizeClassTable()
	if !ok {
		f.warnf("%s: no plausible size-class table found; disabling finder", FinderID)
		return nil
	}
	root, v, ok := f.findPageMap()
	if !ok {
		if f.findPageMap3Candidate() {
			f.warnf("%s: a 3-level page map is present but not yet supported; disabling finder", FinderID)
			return nil
		}
		f.warnf("%s: no plausible page map found; disabling finder", FinderID)
		return nil
	}
	f.walkPageMap(root, v, sizeClasses)
	return nil
}

// findSizeClassTable looks for a monotonically increasing run of >= 60
// small uint32 values, word-aligned, preceded by a zero word.
func (f *Finder) findSizeClassTable() (sizeClassTable, bool) {
	var found sizeClassTable
	ok := false
	f.candidates(func(start core.Address, words int64) bool {
		if words < 61 {
			return true
		}
		if f.rd.ReadU32(start, 0xffffffff) != 0 {
			return true
		}
		n := 0
		prev := uint32(0)
		for i := int64(1); i < words; i++ {
			v := f.rd.ReadU32(start.Add(i*4), 0)
			if v == 0 || v <= prev || v > 1<<20 {
				break
			}
			prev = v
			n++
		}
		if n >= 60 {
			found, ok = sizeClassTable{base: start.Add(4), n: n}, true
			return false
		}
		return true
	})
	return found, ok
}

// findPageMap tries each variant in order,
// accepting the first whose leaf entries validate against their spans.
func (f *Finder) findPageMap() (core.Address, variant, bool) {
	for _, v := range []variant{googleCompact1Byte, googleCompact2Byte, gperftoolsSimple} {
		var found core.Address
		ok := false
		f.candidates(func(start core.Address, words int64) bool {
			if f.validateLeaf(start, v) {
				found, ok = start, true
				return false
			}
			return true
		})
		if ok {
			return found, v, true
		}
	}
	return 0, 0, false
}

// validateLeaf checks the compound-leaf / simple-leaf invariant: for
// every page index i with a nonzero compact size class (or, for the
// simple leaf, a nonzero span pointer), spans[i]'s firstPage mod the
// leaf size equals i.
func (f *Finder) validateLeaf(addr core.Address, v variant) bool {
	entries := leafEntries
	if v == gperftoolsSimple {
		entries = simpleLeafEntries
	}
	spansOffset := int64(entries) // compact size class array (1 or 2 bytes/entry) precedes the spans array
	classWidth := int64(1)
	if v == googleCompact2Byte {
		classWidth = 2
		spansOffset = int64(entries) * 2
	} else if v == gperftoolsSimple {
		spansOffset = 0
	}

	validated := 0
	probe := entries
	if probe > 256 {
		probe = 256 // bound the validation probe; a real leaf validates uniformly
	}
	for i := 0; i < probe; i++ {
		var classOrNonzero bool
		if v == gperftoolsSimple {
			classOrNonzero = true
		} else {
			cls := f.rd.ReadU8(addr.Add(int64(i)*classWidth), 0)
			if classWidth == 2 {
				cls = byte(f.rd.ReadU16(addr.Add(int64(i)*2), 0))
			}
			classOrNonzero = cls != 0
		}
		if !classOrNonzero {
			continue
		}
		spanPtr := core.Address(f.rd.ReadWord(addr.Add(spansOffset+int64(i)*f.ptrSize), f.ptrSize, 0))
		if spanPtr == 0 {
			return false
		}
		firstPage := f.rd.ReadWord(spanPtr, f.ptrSize, 0) // firstPage is the span's first field in both layouts
		if int(firstPage)%entries != i {
			return false
		}
		validated++
	}
	return validated > 0
}

// findPageMap3Candidate does the same best-effort recognition chap's own
// FindPageMap3/IsValidPageMap3LeafHolder performs: a 3-level map is a run
// of root pointers, each pointing to a "leaf holder" that is itself an
// array of leaf pointers one level further down. It only detects that
// shape; it never walks one (see DESIGN.md for why chap's own 3-level
// support stops at this same detection step).
func (f *Finder) findPageMap3Candidate() bool {
	const leafHolderEntries = 1 << 11 // PAGEMAP3_LEAF_HOLDER_SIZE / pointer width
	found := false
	f.candidates(func(start core.Address, words int64) bool {
		for i := int64(0); i < words; i++ {
			holder := core.Address(f.rd.ReadWord(start.Add(i*f.ptrSize), f.ptrSize, 0))
			if holder == 0 {
				continue
			}
			validated := 0
			for j := 0; j < leafHolderEntries; j++ {
				leaf := core.Address(f.rd.ReadWord(holder.Add(int64(j)*f.ptrSize), f.ptrSize, 0))
				if leaf == 0 {
					continue
				}
				if f.validateLeaf(leaf, googleCompact1Byte) || f.validateLeaf(leaf, googleCompact2Byte) {
					validated++
				}
			}
			if validated > 0 {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

func (f *Finder) walkPageMap(root core.Address, v variant, sc sizeClassTable) {
	entries := leafEntries
	classWidth := int64(1)
	spansOffset := int64(entries)
	if v == googleCompact2Byte {
		classWidth = 2
		spansOffset = int64(entries) * 2
	} else if v == gperftoolsSimple {
		entries = simpleLeafEntries
		spansOffset = 0
	}
	seen := map[core.Address]bool{}
	for i := 0; i < entries; i++ {
		var sizeClass int
		if v != gperftoolsSimple {
			if classWidth == 1 {
				sizeClass = int(f.rd.ReadU8(root.Add(int64(i)*classWidth), 0))
			} else {
				sizeClass = int(f.rd.ReadU16(root.Add(int64(i)*2), 0))
			}
			if sizeClass == 0 || sizeClass-1 >= sc.n {
				continue
			}
		}
		spanPtr := core.Address(f.rd.ReadWord(root.Add(spansOffset+int64(i)*f.ptrSize), f.ptrSize, 0))
		if spanPtr == 0 || seen[spanPtr] {
			continue
		}
		seen[spanPtr] = true
		f.emitSpan(spanPtr, v, sc, sizeClass)
	}
}

// span field offsets, matching chap's TCMalloc span-layout description:
// firstPage, numPages, then, depending on variant, a free-allocation list
// pointer (gperftools) or a bitmap/cache plus compressed-list root
// (google-tcmalloc).
const (
	spanFirstPageOff = 0
	spanNumPagesOff  = 8
	spanLocationOff  = 16 // byte: in-use vs free, both variants
	spanFreeListOff  = 24 // gperftools: head of the free allocation list
	spanBitmapOff    = 24 // google-tcmalloc: bitmap (small) or cache (large)
	spanFreeIdxOff   = 32 // google-tcmalloc large span: compressed free-list root
)

const spanLocationInUse = 2

func (f *Finder) emitSpan(spanPtr core.Address, v variant, sc sizeClassTable, sizeClass int) {
	firstPage := f.rd.ReadWord(spanPtr.Add(spanFirstPageOff), f.ptrSize, 0)
	numPages := f.rd.ReadWord(spanPtr.Add(spanNumPagesOff), f.ptrSize, 0)
	if numPages == 0 {
		return
	}
	if f.rd.ReadU8(spanPtr.Add(spanLocationOff), 0) != spanLocationInUse {
		return
	}
	pageSize := int64(1) << 13 // 8KiB tcmalloc page, the default kPageShift
	base := core.Address(firstPage << 13)
	spanSize := int64(numPages) * pageSize
	if !f.part.ClaimRange(base, spanSize, FinderID) {
		return
	}
	if v == gperftoolsSimple {
		// No size-class indexing available without the compact array;
		// report the whole span as one used block.
		f.dir.Add(FinderID, base, base.Add(spanSize), true)
		return
	}
	allocSize := uint64(f.rd.ReadU32(sc.base.Add(int64(sizeClass-1)*4), 0))
	if allocSize == 0 {
		f.dir.Add(FinderID, base, base.Add(spanSize), true)
		return
	}
	count := uint64(spanSize) / allocSize
	blocks := make([]*allocs.Allocation, count)
	for i := uint64(0); i < count; i++ {
		bbase := base.Add(int64(i * allocSize))
		blocks[i] = f.dir.Add(FinderID, bbase, bbase.Add(int64(allocSize)), true)
	}
	f.correctFreeList(spanPtr, base, allocSize, blocks, v)
}

// correctFreeList re-flags blocks found on the span's free
// representation, covering all three shapes, each bounded against cycles
// and out-of-range indices.
func (f *Finder) correctFreeList(spanPtr, base core.Address, allocSize uint64, blocks []*allocs.Allocation, v variant) {
	if allocSize == 0 {
		return
	}
	count := uint64(len(blocks))
	markFree := func(idx uint64) {
		if idx >= count {
			return
		}
		blocks[idx].SetUsed(false)
	}

	switch v {
	case gperftoolsSimple:
		head := core.Address(f.rd.ReadWord(spanPtr.Add(spanFreeListOff), f.ptrSize, 0))
		seen := map[core.Address]bool{}
		for head != 0 && !seen[head] && uint64(len(seen)) < count {
			seen[head] = true
			idx := uint64(head.Sub(base)) / allocSize
			markFree(idx)
			head = core.Address(f.rd.ReadWord(head, f.ptrSize, 0))
		}
	default:
		if count <= uint64(f.ptrSize*8) {
			// Small span: a bitmap of free indices.
			for i := uint64(0); i < count; i++ {
				byteVal := f.rd.ReadU8(spanPtr.Add(spanBitmapOff+int64(i/8)), 0)
				if byteVal&(1<<(i%8)) != 0 {
					markFree(i)
				}
			}
			return
		}
		// Large span: up to 4 cached u16 indices plus a compressed linked
		// list of further indices, each link storing up to embedCount more.
		const embedCount = 6
		for i := 0; i < 4; i++ {
			idx := uint64(f.rd.ReadU16(spanPtr.Add(spanBitmapOff+int64(i)*2), 0xffff))
			if idx != 0xffff {
				markFree(idx)
			}
		}
		link := core.Address(f.rd.ReadWord(spanPtr.Add(spanFreeIdxOff), f.ptrSize, 0))
		seen := map[core.Address]bool{}
		for link != 0 && !seen[link] && uint64(len(seen)) < count {
			seen[link] = true
			for i := 0; i < embedCount; i++ {
				idx := uint64(f.rd.ReadU16(link.Add(int64(i)*2), 0xffff))
				if idx != 0xffff {
					markFree(idx)
				}
			}
			link = core.Address(f.rd.ReadWord(link.Add(embedCount*2), f.ptrSize, 0))
		}
	}
}
