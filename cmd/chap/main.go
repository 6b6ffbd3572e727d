// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command chap is an offline forensic analyzer for process crash dumps:
// given a core file, it reconstructs the inferior's virtual memory,
// discovers the allocators it used, enumerates every heap allocation, and
// opens an interactive REPL for querying that state.
//
// Usage:
//
//	chap corefile
//	chap -t corefile
//
// The only flag is -t, which checks whether corefile is truncated and
// suppresses all other output.
package main

import (
	"fmt"
	"os"

	"chap/internal/analyzer"
	"chap/internal/symreqs"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "analyze" {
		root := NewRootCommand()
		root.SetArgs(args)
		if err := root.Execute(); err != nil {
			if ee, ok := err.(*exitError); ok {
				os.Exit(ee.code)
			}
			os.Exit(1)
		}
		return
	}
	os.Exit(Execute(args))
}

// Execute runs the chap command over args and returns the process exit
// code: 0 = success or, under -t, not truncated; 1 = usage error,
// unreadable file, unrecognized format, or truncated under -t.
func Execute(args []string) int {
	truncOnly, corePath, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if truncOnly {
		truncated, expected, actual, err := analyzer.TruncationCheck(corePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", corePath, err)
			return 1
		}
		if truncated {
			fmt.Fprintf(os.Stderr, "%s: truncated (expected at least %d bytes, found %d)\n", corePath, expected, actual)
			return 1
		}
		return 0
	}

	a, err := analyzer.Load(corePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for _, w := range a.Warnings() {
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", w)
	}

	counts := a.Allocs.CountByFinder()
	fmt.Printf("loaded %s: %d threads, %d modules\n", corePath, len(a.Process.Threads()), a.Modules.NumModules())
	for id, n := range counts {
		fmt.Printf("  %s: %d allocations\n", id, n)
	}

	if defs, ok, err := symreqs.ReadIfPresent(corePath); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: reading %s.symdefs: %v\n", corePath, err)
	} else if ok {
		fmt.Printf("  %d signatures and %d anchors named from %s.symdefs\n",
			len(defs.Signatures), len(defs.Anchors), corePath)
	} else if requests := a.SymbolRequests(); len(requests) > 0 {
		path, err := symreqs.WriteIfNeeded(corePath, requests)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
		} else if path != "" {
			fmt.Printf("  wrote %s; run gdb -batch -x %s against the core to produce %s.symdefs\n",
				path, path, corePath)
		}
	}

	runREPL(a)
	return 0
}

func parseArgs(args []string) (truncOnly bool, corePath string, err error) {
	var positional []string
	for _, arg := range args {
		if arg == "-t" {
			truncOnly = true
			continue
		}
		positional = append(positional, arg)
	}
	if len(positional) != 1 {
		return false, "", fmt.Errorf("usage: chap [-t] corefile")
	}
	return truncOnly, positional[0], nil
}
