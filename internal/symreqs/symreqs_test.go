// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package symreqs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chap/core"
)

func TestWriteIfNeededWritesBatchScript(t *testing.T) {
	corePath := filepath.Join(t.TempDir(), "core")
	requests := []Request{
		{IsAnchor: false, Address: 0x1000},
		{IsAnchor: true, Address: 0x2000},
	}
	path, err := WriteIfNeeded(corePath, requests)
	if err != nil {
		t.Fatalf("WriteIfNeeded: %v", err)
	}
	if path != corePath+".symreqs" {
		t.Fatalf("path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "printf \"SIGNATURE 1000\\n\"") {
		t.Fatalf("missing SIGNATURE line: %s", content)
	}
	if !strings.Contains(content, "printf \"ANCHOR 2000\\n\"") {
		t.Fatalf("missing ANCHOR line: %s", content)
	}
	if !strings.Contains(content, "info symbol 0x1000") || !strings.Contains(content, "info symbol 0x2000") {
		t.Fatalf("missing info symbol lines: %s", content)
	}
}

func TestWriteIfNeededSkipsExisting(t *testing.T) {
	corePath := filepath.Join(t.TempDir(), "core")
	if _, err := WriteIfNeeded(corePath, []Request{{Address: 0x1000}}); err != nil {
		t.Fatalf("first WriteIfNeeded: %v", err)
	}
	path, err := WriteIfNeeded(corePath, []Request{{Address: 0x9999}})
	if err != nil {
		t.Fatalf("second WriteIfNeeded: %v", err)
	}
	if path != "" {
		t.Fatalf("expected second WriteIfNeeded to report no write, got %q", path)
	}
	data, _ := os.ReadFile(corePath + ".symreqs")
	if strings.Contains(string(data), "9999") {
		t.Fatalf("existing symreqs file was overwritten: %s", data)
	}
}

func TestReadIfPresentParsesSymdefs(t *testing.T) {
	corePath := filepath.Join(t.TempDir(), "core")
	contents := strings.Join([]string{
		"SIGNATURE 1000",
		"Foo::bar(int) in section .text",
		"ANCHOR 2000",
		"some_global in section .bss",
		"SIGNATURE 3000",
		"No symbol matches 0x3000.",
		"SIGNATURE 4000",
		"vtable for Baz in section .data.rel.ro",
		"",
	}, "\n")
	if err := os.WriteFile(corePath+".symdefs", []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	defs, ok, err := ReadIfPresent(corePath)
	if err != nil {
		t.Fatalf("ReadIfPresent: %v", err)
	}
	if !ok {
		t.Fatalf("expected symdefs file to be found")
	}

	if got := defs.Anchors[core.Address(0x2000)]; got != "some_global" {
		t.Fatalf("anchor 0x2000 = %q, want %q", got, "some_global")
	}

	sig1000 := defs.Signatures[core.Address(0x1000)]
	if sig1000.Name != "Foo::bar(int)" || sig1000.Status != NamedFromSymdefs {
		t.Fatalf("signature 0x1000 = %+v", sig1000)
	}

	sig3000 := defs.Signatures[core.Address(0x3000)]
	if sig3000.Status != MissingFromSymdefs {
		t.Fatalf("signature 0x3000 = %+v, want MissingFromSymdefs", sig3000)
	}

	sig4000 := defs.Signatures[core.Address(0x4000)]
	if sig4000.Name != "Baz" || sig4000.Status != NamedVTableFromSymdefs {
		t.Fatalf("signature 0x4000 = %+v, want Name=Baz, Status=NamedVTableFromSymdefs", sig4000)
	}
}

func TestReadIfPresentAbsentFile(t *testing.T) {
	corePath := filepath.Join(t.TempDir(), "core")
	_, ok, err := ReadIfPresent(corePath)
	if err != nil {
		t.Fatalf("ReadIfPresent: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false when symdefs file is absent")
	}
}
