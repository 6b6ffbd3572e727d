// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

// RangeFlags records what chap's VirtualAddressMap::RangeAttributes calls
// IS_READABLE/IS_WRITABLE/IS_EXECUTABLE/HAS_KNOWN_PERMISSIONS/IS_MAPPED/
// IS_TRUNCATED (src/VirtualAddressMap.h:23-29).
type RangeFlags int

const (
	FlagReadable RangeFlags = 1 << iota
	FlagWritable
	FlagExecutable
	FlagHasKnownPermissions
	FlagMapped
	FlagTruncated
)

func (f RangeFlags) Perm() Perm {
	var p Perm
	if f&FlagReadable != 0 {
		p |= Read
	}
	if f&FlagWritable != 0 {
		p |= Write
	}
	if f&FlagExecutable != 0 {
		p |= Exec
	}
	return p
}

// RangeAttributes is the value type stored in a VirtualAddressMap's
// RangeMapper. Unlike chap's C++ original, which stores an adjustment
// scalar and re-derives a file pointer on every read (the parenthesized
// overflow trick documented in src/VirtualAddressMap.h:58-64), Contents
// already holds the resolved byte slice for the range: Go's slices make
// that indirection unnecessary, and the ELF loader (elf.go) is what
// decides, once, whether a range's image comes from the core file, a
// side-loaded module file, or nowhere (a truncated or never-written
// mapping).
type RangeAttributes struct {
	Flags    RangeFlags
	Contents []byte // nil if unmapped/truncated; else len(Contents) == range size
}

// VirtualAddressMap is the frozen, ordered map from guest address to
// (contents, flags). It is built once by the ELF loader and never
// mutated after Process.Load returns.
type VirtualAddressMap struct {
	ranges *RangeMapper[RangeAttributes]
}

func newVirtualAddressMap() *VirtualAddressMap {
	// No coalescing: adjacent ranges with different permissions or
	// backing images must stay distinguishable.
	return &VirtualAddressMap{ranges: NewRangeMapper[RangeAttributes](nil)}
}

// NewVirtualAddressMap returns an empty VirtualAddressMap, for building
// the small synthetic address spaces every finder's tests exercise
// instead of a real core file.
func NewVirtualAddressMap() *VirtualAddressMap {
	return newVirtualAddressMap()
}

// AddRange maps [base, base+size) with the given flags and contents.
// contents may be nil (flags should omit FlagMapped, or include
// FlagTruncated) to represent a range with no backing image. It returns
// false if the range overlaps one already present; the earlier range wins
// and the map is left unchanged.
func (v *VirtualAddressMap) AddRange(base Address, size int64, flags RangeFlags, contents []byte) bool {
	return v.ranges.MapRange(base, size, RangeAttributes{Flags: flags, Contents: contents})
}

// Find returns the range attributes covering addr, if mapped.
func (v *VirtualAddressMap) Find(addr Address) (base Address, limit Address, attrs RangeAttributes, ok bool) {
	r, ok := v.ranges.FindRange(addr)
	if !ok {
		return 0, 0, RangeAttributes{}, false
	}
	return r.Base, r.Limit, r.Value, true
}

// Ranges returns every mapped range in address order.
func (v *VirtualAddressMap) Ranges() []Range[RangeAttributes] {
	return v.ranges.Ranges()
}

// image returns the byte slice backing [addr, addr+width) if the entire
// span lies in one contiguous mapped, non-truncated range, else nil.
func (v *VirtualAddressMap) image(addr Address, width int64) []byte {
	base, limit, attrs, ok := v.Find(addr)
	if !ok || attrs.Contents == nil {
		return nil
	}
	if attrs.Flags&FlagTruncated != 0 {
		return nil
	}
	readLimit := addr.Add(width)
	if readLimit < addr { // address-arithmetic overflow
		return nil
	}
	if readLimit > limit {
		return nil
	}
	off := addr.Sub(base)
	return attrs.Contents[off : off+width]
}

// Reader performs random-access integer reads from a VirtualAddressMap. It
// caches the (base, limit, image) tuple of the last range it successfully
// read from, because inner loops in every finder stream through millions
// of words and the tree lookup dominates otherwise.
//
// A Reader is not safe for concurrent use; the whole analyzer is
// single-threaded by design, so each finder keeps its own
// Reader(s).
type Reader struct {
	vam   *VirtualAddressMap
	base  Address
	limit Address
	image []byte // contents of [base, limit)
}

// NewReader returns a Reader over vam.
func NewReader(vam *VirtualAddressMap) *Reader {
	return &Reader{vam: vam}
}

// refresh ensures the cached window covers [addr, addr+width). It returns
// false if no such mapped, non-truncated window exists.
func (r *Reader) refresh(addr Address, width int64) bool {
	readLimit := addr.Add(width)
	if readLimit < addr { // overflow
		return false
	}
	if r.image != nil && addr >= r.base && readLimit <= r.limit {
		return true
	}
	base, limit, attrs, ok := r.vam.Find(addr)
	if !ok || attrs.Contents == nil || attrs.Flags&FlagTruncated != 0 {
		r.image, r.base, r.limit = nil, 0, 0
		return false
	}
	if readLimit > limit {
		// Straddles a range boundary; treat identically to unmapped.
		r.image, r.base, r.limit = nil, 0, 0
		return false
	}
	r.base, r.limit, r.image = base, limit, attrs.Contents
	return true
}

func (r *Reader) at(addr Address) []byte {
	return r.image[addr.Sub(r.base):]
}

// ReadU8 reads one byte at addr, or returns def if unmapped.
func (r *Reader) ReadU8(addr Address, def uint8) uint8 {
	if !r.refresh(addr, 1) {
		return def
	}
	return r.at(addr)[0]
}

// ReadU16 reads a little-endian uint16 at addr, or returns def if
// unmapped or straddling a range boundary.
func (r *Reader) ReadU16(addr Address, def uint16) uint16 {
	if !r.refresh(addr, 2) {
		return def
	}
	b := r.at(addr)
	return uint16(b[0]) | uint16(b[1])<<8
}

// ReadU32 reads a little-endian uint32 at addr, or returns def.
func (r *Reader) ReadU32(addr Address, def uint32) uint32 {
	if !r.refresh(addr, 4) {
		return def
	}
	b := r.at(addr)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// ReadU64 reads a little-endian uint64 at addr, or returns def.
func (r *Reader) ReadU64(addr Address, def uint64) uint64 {
	if !r.refresh(addr, 8) {
		return def
	}
	b := r.at(addr)
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// ReadWord reads a pointer-width value, using ptrSize (4 or 8) to decide
// how many bytes to consume, zero-extended to 64 bits. def is returned
// unchanged (not masked) on failure.
func (r *Reader) ReadWord(addr Address, ptrSize int64, def uint64) uint64 {
	if ptrSize == 4 {
		if !r.refresh(addr, 4) {
			return def
		}
		return uint64(r.ReadU32(addr, 0))
	}
	return r.ReadU64(addr, def)
}

// ReadU8Throwing, ReadU16Throwing, etc. are the "throwing" counterparts:
// they panic with *NotMappedError instead of returning a default. Finders
// use these only where a structural invariant already guarantees the
// address is mapped, and recover at the nearest sub-walk boundary.
func (r *Reader) ReadU8Throwing(addr Address) uint8 {
	if !r.refresh(addr, 1) {
		panic(&NotMappedError{addr})
	}
	return r.at(addr)[0]
}

func (r *Reader) ReadU64Throwing(addr Address) uint64 {
	if !r.refresh(addr, 8) {
		panic(&NotMappedError{addr})
	}
	return r.ReadU64(addr, 0)
}

// ReadBytes copies min(len(buf), available) bytes starting at addr into
// buf, returning the number of bytes copied. It may return fewer than
// len(buf) bytes if the read straddles a range boundary or hits unmapped
// memory; callers that need a hard guarantee should check the return
// value against len(buf).
func (r *Reader) ReadBytes(addr Address, buf []byte) int {
	n := 0
	for n < len(buf) {
		base, limit, attrs, ok := r.vam.Find(addr.Add(int64(n)))
		if !ok || attrs.Contents == nil || attrs.Flags&FlagTruncated != 0 {
			break
		}
		off := addr.Add(int64(n)).Sub(base)
		avail := int(limit.Sub(base)) - int(off)
		want := len(buf) - n
		if avail > want {
			avail = want
		}
		copy(buf[n:n+avail], attrs.Contents[off:int(off)+avail])
		n += avail
		if avail == 0 {
			break
		}
	}
	return n
}
