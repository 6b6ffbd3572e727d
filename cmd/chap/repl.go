// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"chap/core"
	"chap/internal/analyzer"
)

// command is one REPL verb, dispatched from a table the way
// cmd/viewcore/objref.go's cobra command dispatches a subcommand, except
// the REPL itself is not a cobra use case: it is an interactive surface,
// not a one-shot subcommand.
type command struct {
	name string
	help string
	run  func(a *analyzer.Analyzer, args []string)
}

var commands []command

func init() {
	commands = []command{
		{"dump", "dump <addr> <size>: hex+ASCII dump a range", cmdDump},
		{"string", "string <addr>: read a NUL-terminated string", cmdString},
		{"wstring", "wstring <addr>: read a double-NUL-terminated wide string", cmdWString},
		{"findptr", "findptr <value>: find W-wide occurrences of value", cmdFindPtr},
		{"findbytes", "findbytes <hex>: find a literal byte sequence", cmdFindBytes},
		{"find32", "find32 <value>: find 32-bit occurrences of value", cmdFind32},
		{"findrelref", "findrelref <addr>: find self-relative references to addr", cmdFindRelRef},
		{"summary", "summary: allocation counts per finder", cmdSummary},
		{"modules", "modules: list loaded modules", cmdModules},
		{"help", "help: list commands", nil},
	}
}

// runREPL is the interactive surface over the frozen core: a readline-backed
// loop over the low-level VirtualAddressMap commands plus a couple of
// summary commands this module adds so the finder output is actually
// reachable from the REPL.
func runREPL(a *analyzer.Analyzer) {
	rl, err := readline.New("chap> ")
	if err != nil {
		fmt.Println("could not start interactive line editor:", err)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF on ^D, readline.ErrInterrupt on ^C
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		name, args := fields[0], fields[1:]
		if name == "quit" || name == "exit" {
			return
		}
		dispatch(a, name, args)
	}
}

func dispatch(a *analyzer.Analyzer, name string, args []string) {
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if c.run == nil {
			printHelp()
			return
		}
		c.run(a, args)
		return
	}
	fmt.Printf("unknown command %q; try 'help'\n", name)
}

func printHelp() {
	for _, c := range commands {
		fmt.Println(" ", c.help)
	}
}

func parseAddr(s string) (core.Address, bool) {
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, false
	}
	return core.Address(v), true
}

func cmdDump(a *analyzer.Analyzer, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: dump <addr> <size>")
		return
	}
	addr, ok := parseAddr(args[0])
	if !ok {
		fmt.Println("bad address")
		return
	}
	size, err := strconv.ParseInt(args[1], 0, 64)
	if err != nil || size <= 0 {
		fmt.Println("bad size")
		return
	}
	rd := core.NewReader(a.Process.VAM())
	buf := make([]byte, size)
	n := rd.ReadBytes(addr, buf)
	for i := int64(0); i < int64(n); i += 16 {
		end := i + 16
		if end > int64(n) {
			end = int64(n)
		}
		fmt.Printf("%s:", addr.Add(i))
		for j := i; j < end; j++ {
			fmt.Printf(" %02x", buf[j])
		}
		fmt.Print("  ")
		for j := i; j < end; j++ {
			c := buf[j]
			if c < 0x20 || c > 0x7e {
				c = '.'
			}
			fmt.Printf("%c", c)
		}
		fmt.Println()
	}
	if int64(n) < size {
		fmt.Printf("(only %d of %d bytes were mapped)\n", n, size)
	}
}

// cmdString reads a NUL-terminated run starting at addr (cmdWString below
// reads a double-NUL-terminated run of 2-byte units), per original_source's
// String/WString command semantics.
func cmdString(a *analyzer.Analyzer, args []string) {
	if len(args) < 1 {
		fmt.Println("usage: string <addr>")
		return
	}
	addr, ok := parseAddr(args[0])
	if !ok {
		fmt.Println("bad address")
		return
	}
	rd := core.NewReader(a.Process.VAM())
	var sb strings.Builder
	for i := int64(0); i < 1<<20; i++ {
		b := rd.ReadU8(addr.Add(i), 0)
		if b == 0 {
			break
		}
		sb.WriteByte(b)
	}
	fmt.Println(sb.String())
}

func cmdWString(a *analyzer.Analyzer, args []string) {
	if len(args) < 1 {
		fmt.Println("usage: wstring <addr>")
		return
	}
	addr, ok := parseAddr(args[0])
	if !ok {
		fmt.Println("bad address")
		return
	}
	rd := core.NewReader(a.Process.VAM())
	var runes []rune
	for i := int64(0); i < 1<<20; i += 2 {
		u := rd.ReadU16(addr.Add(i), 0)
		if u == 0 {
			break
		}
		runes = append(runes, rune(u))
	}
	fmt.Println(string(runes))
}

// forEachReadableRange visits every readable, non-truncated range of
// a's address space, the search space every find* command scans.
func forEachReadableRange(a *analyzer.Analyzer, f func(base, limit core.Address)) {
	for _, r := range a.Process.VAM().Ranges() {
		if r.Value.Flags&core.FlagReadable == 0 || r.Value.Flags&core.FlagMapped == 0 {
			continue
		}
		if r.Value.Flags&core.FlagTruncated != 0 {
			continue
		}
		f(r.Base, r.Limit)
	}
}

func cmdFindPtr(a *analyzer.Analyzer, args []string) {
	if len(args) < 1 {
		fmt.Println("usage: findptr <value>")
		return
	}
	target, ok := parseAddr(args[0])
	if !ok {
		fmt.Println("bad value")
		return
	}
	w := a.Process.PtrSize()
	rd := core.NewReader(a.Process.VAM())
	n := 0
	forEachReadableRange(a, func(base, limit core.Address) {
		for addr := base; addr.Add(w) <= limit; addr = addr.Add(w) {
			if core.Address(rd.ReadWord(addr, w, 0)) == target {
				fmt.Println(addr)
				n++
			}
		}
	})
	fmt.Printf("%d matches\n", n)
}

func cmdFindBytes(a *analyzer.Analyzer, args []string) {
	if len(args) < 1 {
		fmt.Println("usage: findbytes <hex>")
		return
	}
	hexStr := strings.Join(args, "")
	if len(hexStr)%2 != 0 {
		fmt.Println("hex string must have an even number of digits")
		return
	}
	pattern := make([]byte, len(hexStr)/2)
	for i := range pattern {
		v, err := strconv.ParseUint(hexStr[2*i:2*i+2], 16, 8)
		if err != nil {
			fmt.Println("bad hex digit")
			return
		}
		pattern[i] = byte(v)
	}
	rd := core.NewReader(a.Process.VAM())
	n := 0
	forEachReadableRange(a, func(base, limit core.Address) {
		size := limit.Sub(base)
		buf := make([]byte, size)
		rd.ReadBytes(base, buf)
		for i := 0; i+len(pattern) <= len(buf); i++ {
			if string(buf[i:i+len(pattern)]) == string(pattern) {
				fmt.Println(base.Add(int64(i)))
				n++
			}
		}
	})
	fmt.Printf("%d matches\n", n)
}

func cmdFind32(a *analyzer.Analyzer, args []string) {
	if len(args) < 1 {
		fmt.Println("usage: find32 <value>")
		return
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 32)
	if err != nil {
		fmt.Println("bad value")
		return
	}
	target := uint32(v)
	rd := core.NewReader(a.Process.VAM())
	n := 0
	forEachReadableRange(a, func(base, limit core.Address) {
		for addr := base; addr.Add(4) <= limit; addr = addr.Add(4) {
			if rd.ReadU32(addr, ^uint32(0)) == target {
				fmt.Println(addr)
				n++
			}
		}
	})
	fmt.Printf("%d matches\n", n)
}

// cmdFindRelRef implements chap's "relative reference" search: find every
// W-wide value v such that addr+v equals the target address, where addr is
// the address v is stored at, used to recover Go-style self-relative
// pointers and PC-relative offsets.
func cmdFindRelRef(a *analyzer.Analyzer, args []string) {
	if len(args) < 1 {
		fmt.Println("usage: findrelref <addr>")
		return
	}
	target, ok := parseAddr(args[0])
	if !ok {
		fmt.Println("bad address")
		return
	}
	w := a.Process.PtrSize()
	rd := core.NewReader(a.Process.VAM())
	n := 0
	forEachReadableRange(a, func(base, limit core.Address) {
		for addr := base; addr.Add(w) <= limit; addr = addr.Add(w) {
			v := rd.ReadWord(addr, w, 0)
			if addr.Add(int64(v)) == target {
				fmt.Println(addr)
				n++
			}
		}
	})
	fmt.Printf("%d matches\n", n)
}

func cmdSummary(a *analyzer.Analyzer, _ []string) {
	counts := a.Allocs.CountByFinder()
	for id, n := range counts {
		fmt.Printf("%s: %d allocations\n", id, n)
	}
	fmt.Printf("partition conflicts: %d\n", len(a.Partition.Conflicts()))
	fmt.Printf("stacks registered: %d\n", len(a.Stacks.All()))
}

func cmdModules(a *analyzer.Analyzer, _ []string) {
	for _, name := range a.Modules.SortedNames() {
		fmt.Println(name)
	}
}
