// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package symreqs implements the P.symreqs/P.symdefs side channel:
// since this module never attaches a
// symbolizer, a vtable signature or static anchor address can only be
// turned into a name by asking an external gdb for "info symbol", once,
// and caching the answer next to the core file.
//
// Grounded directly in original_source/src/Linux/LinuxProcessImage.h
// (WriteSymreqsFileIfNeeded, AddSignatureRequestsToSymReqs,
// AddAnchorRequestsToSymReqs, ReadSymdefsFile): the gdb batch-script
// format and the "SIGNATURE <hex>" / "ANCHOR <hex>" line prefixes below
// are copied from that file's literal output, not invented.
package symreqs

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"chap/core"
)

// Request is one signature or anchor address this module would like a
// name for.
type Request struct {
	IsAnchor bool
	Address  core.Address
}

// WriteIfNeeded writes corePath+".symreqs", a gdb batch script that prints
// "SIGNATURE <hex>"/"ANCHOR <hex>" followed by "info symbol 0x<hex>" for
// every request, unless the file already exists (the original never
// overwrites a symreqs file a user may have hand-edited or already run
// gdb against). It returns the path written, or "" if the file already
// existed.
func WriteIfNeeded(corePath string, requests []Request) (string, error) {
	path := corePath + ".symreqs"
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("unable to open %s for writing: %v", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, r := range requests {
		if r.IsAnchor {
			fmt.Fprintf(w, "printf \"ANCHOR %x\\n\"\n", uint64(r.Address))
		} else {
			fmt.Fprintf(w, "printf \"SIGNATURE %x\\n\"\n", uint64(r.Address))
		}
		fmt.Fprintf(w, "info symbol 0x%x\n", uint64(r.Address))
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return path, nil
}

// Status mirrors LinuxProcessImage's SignatureDirectory::Status enum for
// the subset symdefs parsing can produce.
type Status int

const (
	PendingSymdefs Status = iota
	MissingFromSymdefs
	NamedFromSymdefs
	NamedVTableFromSymdefs
)

// Definitions is the parsed contents of a P.symdefs file: a name (and
// whether it came from a "for <name> in section" vtable line) per
// signature address, and a name per anchor address.
type Definitions struct {
	Signatures map[core.Address]SignatureDef
	Anchors    map[core.Address]string
}

// SignatureDef is what one SIGNATURE block in symdefs resolved to.
type SignatureDef struct {
	Name   string
	Status Status
}

// ReadIfPresent reads corePath+".symdefs" if it exists, parsing the
// SIGNATURE/ANCHOR block format gdb's "info symbol" output produces
// (LinuxProcessImage::ReadSymdefsFile). It is not an error for the file
// to be absent; ok reports whether it was found and parsed.
func ReadIfPresent(corePath string) (*Definitions, bool, error) {
	path := corePath + ".symdefs"
	f, err := os.Open(path)
	if err != nil {
		return nil, false, nil
	}
	defer f.Close()

	defs := &Definitions{
		Signatures: map[core.Address]SignatureDef{},
		Anchors:    map[core.Address]string{},
	}
	var signature, anchor core.Address

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " ")
		switch {
		case strings.HasPrefix(line, "SIGNATURE "):
			v, perr := strconv.ParseUint(line[len("SIGNATURE "):], 16, 64)
			if perr != nil {
				signature = 0
				continue
			}
			signature = core.Address(v)
			continue
		case strings.HasPrefix(line, "ANCHOR "):
			v, perr := strconv.ParseUint(line[len("ANCHOR "):], 16, 64)
			if perr != nil {
				anchor = 0
				continue
			}
			anchor = core.Address(v)
			continue
		}
		if strings.Contains(line, "No symbol matches") || line == "" {
			if signature != 0 {
				defs.Signatures[signature] = SignatureDef{Status: MissingFromSymdefs}
			}
			signature, anchor = 0, 0
			continue
		}
		switch {
		case signature != 0:
			name := line
			isVTable := false
			if i := strings.Index(line, " for "); i >= 0 {
				name = line[i+len(" for "):]
				isVTable = true
			}
			if i := strings.Index(name, " + "); i >= 0 {
				name = name[:i]
			} else if i := strings.Index(name, " in section"); i >= 0 {
				name = name[:i]
			}
			status := NamedFromSymdefs
			if isVTable {
				status = NamedVTableFromSymdefs
			}
			defs.Signatures[signature] = SignatureDef{Name: name, Status: status}
			signature = 0
		case anchor != 0:
			name := line
			if i := strings.Index(name, " in section"); i >= 0 {
				name = name[:i]
			}
			defs.Anchors[anchor] = name
			anchor = 0
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false, err
	}
	return defs, true, nil
}
