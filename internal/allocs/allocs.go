// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package allocs is the allocation directory: the merged, ordered record
// of every heap allocation any finder discovered, used or free, with a
// stable address-order index assigned once all finders have reported.
package allocs

import (
	"fmt"
	"sort"

	"chap/core"
)

// An Allocation is one discovered heap block.
type Allocation struct {
	Base, Limit core.Address
	Used        bool
	FinderID    string
	// Index is this allocation's position in the final, merged,
	// address-ordered sequence. It is set by Directory.Finalize and is
	// zero (invalid) before that.
	Index int
}

func (a *Allocation) Size() int64 { return a.Limit.Sub(a.Base) }

// Finder is what every allocator finder (libc malloc, PyMalloc, Go
// runtime, tcmalloc, ...) implements. ID names the finder for
// diagnostics and is also the FinderID stamped on every allocation it
// reports; it is also a partition claim label prefix.
type Finder interface {
	ID() string
	// Resolve runs the finder's discovery algorithm against the given
	// collaborators, claiming regions in partition and reporting
	// allocations into dir. It is called exactly once, in the fixed
	// finder order the analyzer enforces.
	Resolve() error
}

// Directory accumulates allocations from finders and, once every finder
// has reported, merges them into one ordered, indexed sequence.
type Directory struct {
	byFinder map[string][]*Allocation
	order    []string
	resolved bool
	all      []*Allocation
}

// New returns an empty Directory.
func New() *Directory {
	return &Directory{byFinder: make(map[string][]*Allocation)}
}

// Add reports one allocation discovered by finderID. It must be called
// before Finalize. Within a single finderID, allocations may be reported
// out of order; Finalize sorts and validates them.
func (d *Directory) Add(finderID string, base, limit core.Address, used bool) *Allocation {
	if d.resolved {
		panic("allocation added after allocation directory finalized")
	}
	a := &Allocation{Base: base, Limit: limit, Used: used, FinderID: finderID}
	if _, ok := d.byFinder[finderID]; !ok {
		d.order = append(d.order, finderID)
	}
	d.byFinder[finderID] = append(d.byFinder[finderID], a)
	return a
}

// SetUsed updates the used/free flag of an allocation already reported,
// the mutation free-list correction passes perform after the initial scan.
func (a *Allocation) SetUsed(used bool) { a.Used = used }

// Finalize sorts each finder's allocations by address, validates the
// no-overlap-except-wrapping invariant within each finder and the
// no-overlap-across-finders invariant globally, then assigns a stable
// Index to every allocation in address order. It must be called exactly
// once, after every finder has finished reporting.
func (d *Directory) Finalize() error {
	if d.resolved {
		return fmt.Errorf("allocation directory already finalized")
	}
	d.resolved = true

	for _, id := range d.order {
		list := d.byFinder[id]
		sort.Slice(list, func(i, j int) bool { return list[i].Base < list[j].Base })
		for i := 1; i < len(list); i++ {
			prev, cur := list[i-1], list[i]
			if cur.Base < prev.Limit {
				// Permitted only if cur is strictly contained in a
				// preceding "wrapping" allocation.
				contained := false
				for j := i - 1; j >= 0; j-- {
					if cur.Base >= list[j].Base && cur.Limit <= list[j].Limit {
						contained = true
						break
					}
					if list[j].Limit <= cur.Base {
						break
					}
				}
				if !contained {
					return fmt.Errorf("finder %s: allocation [%s,%s) overlaps [%s,%s) without containment",
						id, cur.Base, cur.Limit, prev.Base, prev.Limit)
				}
			}
		}
		d.all = append(d.all, list...)
	}

	sort.Slice(d.all, func(i, j int) bool { return d.all[i].Base < d.all[j].Base })
	for i := 1; i < len(d.all); i++ {
		prev, cur := d.all[i-1], d.all[i]
		if prev.FinderID == cur.FinderID {
			continue // intra-finder containment already validated above
		}
		if cur.Base < prev.Limit {
			return fmt.Errorf("allocations from finders %s and %s overlap: [%s,%s) vs [%s,%s)",
				prev.FinderID, cur.FinderID, prev.Base, prev.Limit, cur.Base, cur.Limit)
		}
	}
	for i, a := range d.all {
		a.Index = i
	}
	return nil
}

// All returns every allocation in address order. It may only be called
// after Finalize.
func (d *Directory) All() []*Allocation {
	return d.all
}

// Find returns the allocation containing addr, if any. It may only be
// called after Finalize.
func (d *Directory) Find(addr core.Address) (*Allocation, bool) {
	i := sort.Search(len(d.all), func(i int) bool { return d.all[i].Limit > addr })
	if i == len(d.all) || d.all[i].Base > addr {
		return nil, false
	}
	return d.all[i], true
}

// ByIndex returns the allocation with the given stable index.
func (d *Directory) ByIndex(index int) (*Allocation, bool) {
	if index < 0 || index >= len(d.all) {
		return nil, false
	}
	return d.all[index], true
}

// CountByFinder returns how many allocations each finder reported, for
// the analyzer's summary output.
func (d *Directory) CountByFinder() map[string]int {
	counts := make(map[string]int, len(d.order))
	for _, id := range d.order {
		counts[id] = len(d.byFinder[id])
	}
	return counts
}
