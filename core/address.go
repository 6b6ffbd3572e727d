// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package core reads ELF core dump files and exposes the dumped process's
// virtual memory as a random-access byte space, independent of what
// allocator or language runtime produced that memory. It knows nothing
// about libc, PyMalloc, the Go runtime, or tcmalloc; those live in
// chap/internal/{libcmalloc,pymalloc,golang,tcmalloc}, which consume this
// package's Reader the way internal/gocore historically consumed the
// Go-specific half of this same package.
//
// The Read* operations on Reader come in two forms, mirroring the two
// forms chap's own VirtualAddressMap::Reader provides: a "soft" form that
// returns a caller-supplied default on an unmapped or truncated read, and
// a "throwing" form (ReadU8Throwing, etc.) that panics with a *NotMappedError
// if the inferior is not readable at the address requested. Every finder in
// this module uses the soft form except where a structural invariant
// already guarantees the address is mapped.
package core

import "fmt"

// Address is a virtual address in the inferior (the process that core
// dumped). It is always W bits wide, where W is the core's pointer width;
// we represent it uniformly as 64 bits and mask callers' 32-bit values
// where it matters (see Process.PtrSize).
type Address uint64

// Add returns a+n.
func (a Address) Add(n int64) Address {
	return a + Address(n)
}

// Sub returns a-b.
func (a Address) Sub(b Address) int64 {
	return int64(a - b)
}

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Perm represents the permissions allowed for a range of virtual memory.
type Perm uint8

const (
	Read Perm = 1 << iota
	Write
	Exec
)

func (p Perm) String() string {
	b := make([]byte, 0, 3)
	if p&Read != 0 {
		b = append(b, 'r')
	} else {
		b = append(b, '-')
	}
	if p&Write != 0 {
		b = append(b, 'w')
	} else {
		b = append(b, '-')
	}
	if p&Exec != 0 {
		b = append(b, 'x')
	} else {
		b = append(b, '-')
	}
	return string(b)
}

// NotMappedError is the error a "throwing" Reader method panics with when
// the requested address is not readable. It mirrors chap's
// VirtualAddressMap::NotMapped exception (src/VirtualAddressMap.h).
type NotMappedError struct {
	Address Address
}

func (e *NotMappedError) Error() string {
	return fmt.Sprintf("address %s is not mapped", e.Address)
}
