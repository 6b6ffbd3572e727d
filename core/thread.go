// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

// Thread holds what an NT_PRSTATUS note gave us about one OS thread in the
// inferior: a register file and a PID, matching the shape of
// golang-debug's internal/core.Thread.
type Thread struct {
	pid  uint64
	regs []uint64
	pc   Address
	sp   Address
}

// Regs returns the thread's general-purpose registers, in the
// architecture-specific order readPRStatus recorded them.
func (t *Thread) Regs() []uint64 {
	return t.regs
}

// Pid returns the thread's OS thread ID.
func (t *Thread) Pid() uint64 {
	return t.pid
}

// PC returns the thread's saved program counter.
func (t *Thread) PC() Address {
	return t.pc
}

// SP returns the thread's saved stack pointer.
func (t *Thread) SP() Address {
	return t.sp
}
