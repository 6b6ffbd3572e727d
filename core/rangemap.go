// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import "sort"

// Range is a half-open interval [Base, Limit) paired with a value. It is
// the element type of a RangeMapper.
type Range[V any] struct {
	Base, Limit Address
	Value       V
}

// Size returns Limit-Base.
func (r Range[V]) Size() int64 {
	return r.Limit.Sub(r.Base)
}

// RangeMapper is a sorted, non-overlapping map keyed by address range. It
// generalizes chap's RangeMapper<OffsetType,Value> (src/VirtualAddressMap.h,
// src/ModuleDirectory.h, src/VirtualMemoryPartition.h all instantiate their
// own copy of the same C++ template); here a single generic type serves the
// virtual address map, the module directory, and the partition.
//
// Coalesce, if non-nil, is consulted whenever a newly mapped range is
// adjacent to an existing one; if it reports true the two ranges are
// merged into one. The module-range map passes a Coalesce that treats two
// ranges as mergeable whenever they belong to the same module (matching
// chap's "which module does this address belong to" lookup use), while a
// per-module range map and the virtual address map pass nil, because they
// must keep RX and RW sub-ranges (or different permission/backing-image
// combinations) distinguishable.
type RangeMapper[V any] struct {
	coalesce func(a, b V) bool
	ranges   []Range[V]
}

// NewRangeMapper returns an empty RangeMapper. coalesce may be nil.
func NewRangeMapper[V any](coalesce func(a, b V) bool) *RangeMapper[V] {
	return &RangeMapper[V]{coalesce: coalesce}
}

// search returns the index of the first range whose Limit is > addr.
func (m *RangeMapper[V]) search(addr Address) int {
	return sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].Limit > addr })
}

// MapRange inserts the range [base, base+size) -> value. It returns false,
// leaving the mapper unchanged, if the new range overlaps any existing
// range.
func (m *RangeMapper[V]) MapRange(base Address, size int64, value V) bool {
	if size <= 0 {
		return true
	}
	limit := base.Add(size)
	i := m.search(base)
	if i < len(m.ranges) && m.ranges[i].Base < limit {
		return false // overlap
	}
	if m.coalesce != nil {
		mergedLeft := i > 0 && m.ranges[i-1].Limit == base && m.coalesce(m.ranges[i-1].Value, value)
		mergedRight := i < len(m.ranges) && m.ranges[i].Base == limit && m.coalesce(value, m.ranges[i].Value)
		switch {
		case mergedLeft && mergedRight:
			m.ranges[i-1].Limit = m.ranges[i].Limit
			m.ranges = append(m.ranges[:i], m.ranges[i+1:]...)
			return true
		case mergedLeft:
			m.ranges[i-1].Limit = limit
			return true
		case mergedRight:
			m.ranges[i].Base = base
			return true
		}
	}
	m.ranges = append(m.ranges, Range[V]{})
	copy(m.ranges[i+1:], m.ranges[i:])
	m.ranges[i] = Range[V]{Base: base, Limit: limit, Value: value}
	return true
}

// FindRange returns the range containing addr, if any.
func (m *RangeMapper[V]) FindRange(addr Address) (r Range[V], ok bool) {
	i := m.search(addr)
	if i == len(m.ranges) || m.ranges[i].Base > addr {
		return Range[V]{}, false
	}
	return m.ranges[i], true
}

// Contains reports whether addr falls in any mapped range.
func (m *RangeMapper[V]) Contains(addr Address) bool {
	_, ok := m.FindRange(addr)
	return ok
}

// Ranges returns the ranges in address order. The caller must not modify
// the returned slice.
func (m *RangeMapper[V]) Ranges() []Range[V] {
	return m.ranges
}

// Len returns the number of ranges currently mapped.
func (m *RangeMapper[V]) Len() int {
	return len(m.ranges)
}
