// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import "testing"

func TestMapRangeRejectsOverlap(t *testing.T) {
	m := NewRangeMapper[string](nil)
	if !m.MapRange(0x1000, 0x100, "a") {
		t.Fatalf("first MapRange failed")
	}
	if m.MapRange(0x1080, 0x100, "b") {
		t.Fatalf("overlapping MapRange should fail")
	}
	if m.Len() != 1 {
		t.Fatalf("rejected MapRange should leave the mapper unchanged")
	}
}

func TestFindRange(t *testing.T) {
	m := NewRangeMapper[string](nil)
	m.MapRange(0x1000, 0x100, "a")
	m.MapRange(0x2000, 0x100, "b")

	r, ok := m.FindRange(0x10ff)
	if !ok || r.Value != "a" {
		t.Fatalf("FindRange(0x10ff) = %+v, %v", r, ok)
	}
	if _, ok := m.FindRange(0x1100); ok {
		t.Fatalf("limit is exclusive; 0x1100 should not be found")
	}
	if _, ok := m.FindRange(0x500); ok {
		t.Fatalf("0x500 precedes every range")
	}
}

func TestCoalescePolicy(t *testing.T) {
	same := func(a, b string) bool { return a == b }
	m := NewRangeMapper[string](same)
	m.MapRange(0x1000, 0x100, "a")
	if !m.MapRange(0x1100, 0x100, "a") {
		t.Fatalf("adjacent MapRange failed")
	}
	if m.Len() != 1 {
		t.Fatalf("equal-valued adjacent ranges should coalesce; Len = %d", m.Len())
	}
	r, _ := m.FindRange(0x11ff)
	if r.Base != 0x1000 || r.Limit != 0x1200 {
		t.Fatalf("coalesced range = [%s,%s)", r.Base, r.Limit)
	}

	// Different values never merge, even when adjacent.
	if !m.MapRange(0x1200, 0x100, "b") {
		t.Fatalf("adjacent different-valued MapRange failed")
	}
	if m.Len() != 2 {
		t.Fatalf("different-valued ranges must stay distinct; Len = %d", m.Len())
	}
}

func TestCoalesceBothSides(t *testing.T) {
	same := func(a, b string) bool { return a == b }
	m := NewRangeMapper[string](same)
	m.MapRange(0x1000, 0x100, "a")
	m.MapRange(0x1200, 0x100, "a")
	if !m.MapRange(0x1100, 0x100, "a") {
		t.Fatalf("gap-filling MapRange failed")
	}
	if m.Len() != 1 {
		t.Fatalf("filling the gap should merge all three; Len = %d", m.Len())
	}
}

func TestNoCoalesceWhenNil(t *testing.T) {
	m := NewRangeMapper[string](nil)
	m.MapRange(0x1000, 0x100, "a")
	m.MapRange(0x1100, 0x100, "a")
	if m.Len() != 2 {
		t.Fatalf("nil coalesce must never merge; Len = %d", m.Len())
	}
}
