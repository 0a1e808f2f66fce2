package main

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mustWriteGzip(t *testing.T, path, content string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(content)); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestValidDirectory(t *testing.T) {
	dir := t.TempDir()
	mustWriteGzip(t, filepath.Join(dir, "a.kb.gz"), "0:KeyEvent,true,0x61\n10:KeyEvent,false,0x61\n")
	mustWriteGzip(t, filepath.Join(dir, "b.kb.gz"), "0:PointerEvent,1,10,10\n")

	var out bytes.Buffer
	if code := run([]string{"-width", "800", "-height", "600", dir}, &out); code != 0 {
		t.Fatalf("exit = %d, output:\n%s", code, out.String())
	}
	if !strings.Contains(out.String(), "files=2 key=2 pointer=1") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestReportsIssues(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.kb.gz")
	mustWriteGzip(t, bad, "0:KeyEvent,true,0x61\nnot an event\n")
	wide := filepath.Join(dir, "wide.kb.gz")
	mustWriteGzip(t, wide, "0:PointerEvent,0,900,10\n-5:KeyEvent,true,0x20\n")
	empty := filepath.Join(dir, "empty.kb.gz")
	mustWriteGzip(t, empty, "# nothing\n")
	plain := filepath.Join(dir, "plain.txt")
	if err := os.WriteFile(plain, []byte("0:KeyEvent,true,0x1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	code := run([]string{"-width", "800", bad, wide, empty, plain, filepath.Join(dir, "missing.kb.gz")}, &out)
	if code != 1 {
		t.Fatalf("exit = %d", code)
	}

	got := out.String()
	for _, want := range []string{
		"bad.kb.gz: line 2",
		"wide.kb.gz: event 1: pointer 900,10 outside 800x0",
		"wide.kb.gz: event 2: negative delay",
		"empty.kb.gz: recording is empty",
		"plain.txt: gzip",
		"missing.kb.gz",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
}

func TestEmptyDirectory(t *testing.T) {
	var out bytes.Buffer
	if code := run([]string{t.TempDir()}, &out); code != 1 {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(out.String(), "no *.kb.gz recordings found") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestUsage(t *testing.T) {
	var out bytes.Buffer
	if code := run(nil, &out); code != 2 {
		t.Fatalf("exit = %d", code)
	}
}
