// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package partition implements the virtual memory partition: the single
// registry of who owns each byte of the inferior's mapped address space.
// Every finder claims the regions it identifies (an arena, a span, a
// stack, a module range) here before reporting allocations, so two
// finders can never silently double-classify the same memory.
package partition

import (
	"fmt"

	"chap/core"
)

// Claim is what the partition remembers about one claimed range.
type Claim struct {
	Label    string
	IsAnchor bool // true if this claim is itself strong evidence the label applies here
}

// Partition is the ordered, non-overlapping map from address range to
// Claim, plus the diagnostics a rejected claim produces on conflict.
type Partition struct {
	ranges    *core.RangeMapper[Claim]
	conflicts []string
}

// New returns an empty Partition.
func New() *Partition {
	return &Partition{ranges: core.NewRangeMapper[Claim](nil)}
}

// ClaimRange claims [base, base+size) under label. It returns false,
// leaving the existing claim in place, if any byte in the range is
// already claimed; the conflict is recorded (not fatal) and retrievable
// via Conflicts.
func (p *Partition) ClaimRange(base core.Address, size int64, label string) bool {
	return p.claim(base, size, label, false)
}

// ClaimAnchorRange is ClaimRange for a claim that is itself the evidence
// establishing label at this range (e.g. the first span found for an
// arena, before the rest of the arena's spans are known). Finders that
// need to tell "this is why I believe X" apart from "this just happens to
// belong to X" consult IsAnchor on the resulting Claim.
func (p *Partition) ClaimAnchorRange(base core.Address, size int64, label string) bool {
	return p.claim(base, size, label, true)
}

func (p *Partition) claim(base core.Address, size int64, label string, isAnchor bool) bool {
	if size <= 0 {
		return true
	}
	if !p.ranges.MapRange(base, size, Claim{Label: label, IsAnchor: isAnchor}) {
		existing, _ := p.ranges.FindRange(base)
		p.conflicts = append(p.conflicts, fmt.Sprintf(
			"claim %q for [%s,%s) conflicts with existing claim %q for [%s,%s)",
			label, base, base.Add(size), existing.Value.Label, existing.Base, existing.Limit))
		return false
	}
	return true
}

// IsClaimed reports whether addr already belongs to some claim.
func (p *Partition) IsClaimed(addr core.Address) bool {
	return p.ranges.Contains(addr)
}

// Find returns the claim covering addr, if any.
func (p *Partition) Find(addr core.Address) (Claim, bool) {
	r, ok := p.ranges.FindRange(addr)
	if !ok {
		return Claim{}, false
	}
	return r.Value, true
}

// Conflicts returns every diagnostic recorded by a rejected ClaimRange
// call, in the order they occurred.
func (p *Partition) Conflicts() []string {
	return p.conflicts
}

// UnknownLabel is the label the finalizer uses for mapped bytes no finder
// claimed.
const UnknownLabel = "unknown"

// Finalize claims every not-yet-claimed byte of every mapped range in vam
// under UnknownLabel, so that the partition is total over all
// mapped memory once every finder has run. It must be called exactly
// once, after every finder has finished claiming.
func (p *Partition) Finalize(vam *core.VirtualAddressMap) {
	for _, r := range vam.Ranges() {
		if r.Value.Flags&core.FlagMapped == 0 {
			continue
		}
		base := r.Base
		for base < r.Limit {
			next, ok := p.ranges.FindRange(base)
			if ok {
				base = next.Limit
				continue
			}
			// Find how far the gap extends: up to the next existing claim
			// inside this mapped range, or to the range's end.
			gapEnd := r.Limit
			for _, c := range p.ranges.Ranges() {
				if c.Base > base && c.Base < gapEnd {
					gapEnd = c.Base
				}
			}
			p.ranges.MapRange(base, gapEnd.Sub(base), Claim{Label: UnknownLabel})
			base = gapEnd
		}
	}
}

// Ranges returns every claim in address order.
func (p *Partition) Ranges() []core.Range[Claim] {
	return p.ranges.Ranges()
}
