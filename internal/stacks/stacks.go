// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stacks is the stack registry: the set of address ranges
// identified as OS thread stacks or Go goroutine stacks, each tagged with
// a kind and, where known, the OS thread it belongs to and the saved
// stack pointer at the time of the crash.
package stacks

import (
	"fmt"

	"chap/core"
)

// A Stack is one registered stack range.
type Stack struct {
	Base, Limit core.Address
	Kind        string // e.g. "main stack", "thread stack", "goroutine stack"
	ThreadID    uint64 // 0 if not associated with a specific OS thread
	HasThreadID bool
	SP          core.Address // saved stack pointer/stack-top, if known
	HasSP       bool
}

// Registry holds every registered stack and enforces that no two overlap,
// matching chap's claim that each byte of stack memory belongs to exactly
// one logical stack.
type Registry struct {
	ranges *core.RangeMapper[*Stack]
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{ranges: core.NewRangeMapper[*Stack](nil)}
}

// Register adds a stack spanning [base, limit) of the given kind. It
// returns an error if the range overlaps a stack already registered; the
// earlier registration wins and the registry is left unchanged.
func (r *Registry) Register(base, limit core.Address, kind string) (*Stack, error) {
	s := &Stack{Base: base, Limit: limit, Kind: kind}
	if !r.ranges.MapRange(base, limit.Sub(base), s) {
		existing, _ := r.ranges.FindRange(base)
		return nil, fmt.Errorf("stack [%s,%s) (%s) overlaps existing stack [%s,%s) (%s)",
			base, limit, kind, existing.Base, existing.Limit, existing.Value.Kind)
	}
	return s, nil
}

// SetThread records which OS thread owns s.
func (s *Stack) SetThread(pid uint64) {
	s.ThreadID = pid
	s.HasThreadID = true
}

// SetSP records the saved stack pointer (the "stack top") for s.
func (s *Stack) SetSP(sp core.Address) {
	s.SP = sp
	s.HasSP = true
}

// Find returns the stack containing addr, if any.
func (r *Registry) Find(addr core.Address) (*Stack, bool) {
	rr, ok := r.ranges.FindRange(addr)
	if !ok {
		return nil, false
	}
	return rr.Value, true
}

// All returns every registered stack in address order.
func (r *Registry) All() []*Stack {
	ranges := r.ranges.Ranges()
	out := make([]*Stack, len(ranges))
	for i, rr := range ranges {
		out[i] = rr.Value
	}
	return out
}

// RegisterThreadStacks registers one stack per thread whose stack range is
// already known (for example, derived from the thread's saved SP plus the
// containing VirtualAddressMap range), tagging each with its thread ID and
// saved SP. Threads whose stack cannot be located are skipped and left for
// the caller to report as a warning.
func (r *Registry) RegisterThreadStacks(threads []*core.Thread, vam *core.VirtualAddressMap) []string {
	var warnings []string
	for _, t := range threads {
		base, limit, attrs, ok := vam.Find(t.SP())
		if !ok || attrs.Flags&core.FlagWritable == 0 {
			warnings = append(warnings, fmt.Sprintf("thread %d: saved sp %s is not in a writable mapping", t.Pid(), t.SP()))
			continue
		}
		s, err := r.Register(base, limit, "thread stack")
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("thread %d: %v", t.Pid(), err))
			continue
		}
		s.SetThread(t.Pid())
		s.SetSP(t.SP())
	}
	return warnings
}
