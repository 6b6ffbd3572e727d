// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"github.com/spf13/cobra"
)

// NewRootCommand builds a cobra command tree around Execute's flag-based
// flow, the same way cmd/viewcore/objref.go wraps one subcommand (objref)
// in cobra alongside main.go's plain-flag dispatch for the rest of the
// tool: "chap analyze <core>" and "chap analyze -t <core>" are cobra's
// view onto the exact same Execute entry point the flag-parsing main()
// uses, so the two surfaces can never drift apart.
func NewRootCommand() *cobra.Command {
	var truncOnly bool

	analyze := &cobra.Command{
		Use:   "analyze <corefile>",
		Short: "Analyze a process core dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdArgs := args
			if truncOnly {
				cmdArgs = append([]string{"-t"}, args...)
			}
			code := Execute(cmdArgs)
			if code != 0 {
				cmd.SilenceUsage = true
				return &exitError{code}
			}
			return nil
		},
	}
	analyze.Flags().BoolVarP(&truncOnly, "truncation-only", "t", false, "check only whether the core is truncated")

	root := &cobra.Command{
		Use:   "chap",
		Short: "Offline forensic analyzer for process crash dumps",
	}
	root.AddCommand(analyze)
	return root
}

// exitError carries the process exit code an Execute failure produced
// through cobra's error-returning RunE, since cobra itself has no notion
// of a non-1 failure code.
type exitError struct{ code int }

func (e *exitError) Error() string { return "chap: analysis failed" }
