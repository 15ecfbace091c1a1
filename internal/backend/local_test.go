package backend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("creating local backend: %v", err)
	}
	return l
}

func TestLocal_WriteReadRoundTrip(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	content := "hello\nfrom disk"
	if _, err := l.Write(ctx, "/deep/nested/file.txt", content); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := l.Read(ctx, "/deep/nested/file.txt", ReadOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != content {
		t.Errorf("read = %q, want %q", got, content)
	}

	// The write must be durable on the real filesystem.
	data, err := os.ReadFile(filepath.Join(l.Root(), "deep", "nested", "file.txt"))
	if err != nil {
		t.Fatalf("reading host file: %v", err)
	}
	if string(data) != content {
		t.Errorf("host content = %q, want %q", string(data), content)
	}
}

func TestLocal_EscapeDenied(t *testing.T) {
	l := newTestLocal(t)
	// Path traversal must not reach above the root. NormalizePath cleans
	// the traversal away, so the read lands inside the root and misses.
	_, err := l.Read(context.Background(), "/../../../etc/passwd", ReadOptions{})
	if err == nil {
		t.Fatal("expected error reading traversal path")
	}
}

func TestLocal_EditAndErrors(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	if _, err := l.Edit(ctx, "/no.txt", "a", "b", false); !IsNotFound(err) {
		t.Errorf("edit missing file = %v, want not_found", err)
	}

	if _, err := l.Write(ctx, "/f.txt", "one two one"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := l.Edit(ctx, "/f.txt", "one", "1", false); !IsKind(err, KindAmbiguousMatch) {
		t.Errorf("ambiguous edit = %v, want ambiguous_match", err)
	}
	res, err := l.Edit(ctx, "/f.txt", "one", "1", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Replacements != 2 {
		t.Errorf("replacements = %d, want 2", res.Replacements)
	}
}

func TestLocal_ListGlobGrep(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	files := map[string]string{
		"/src/a.go":     "package a\nfunc A() {}",
		"/src/b.go":     "package b",
		"/src/doc.md":   "docs",
		"/top.txt":      "needle here",
		"/src/sub/c.go": "package c\n// needle",
	}
	for p, content := range files {
		if _, err := l.Write(ctx, p, content); err != nil {
			t.Fatalf("seeding %s: %v", p, err)
		}
	}

	infos, err := l.List(ctx, "/src")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 4 {
		t.Errorf("list entries = %d, want 4", len(infos))
	}

	globbed, err := l.Glob(ctx, "/src/**/*.go")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var paths []string
	for _, fi := range globbed {
		paths = append(paths, fi.Path)
	}
	joined := strings.Join(paths, " ")
	for _, want := range []string{"/src/a.go", "/src/b.go", "/src/sub/c.go"} {
		if !strings.Contains(joined, want) {
			t.Errorf("glob missing %s (got %s)", want, joined)
		}
	}
	if strings.Contains(joined, "doc.md") {
		t.Errorf("glob matched non-go file: %s", joined)
	}

	matches, err := l.Grep(ctx, "needle", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("grep matches = %d, want 2", len(matches))
	}
}

func TestLocal_RemoveRename(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	if _, err := l.Write(ctx, "/a.txt", "x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Rename(ctx, "/a.txt", "/moved/b.txt"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := l.Read(ctx, "/moved/b.txt", ReadOptions{}); err != nil {
		t.Errorf("read after rename: %v", err)
	}
	if err := l.Remove(ctx, "/moved/b.txt"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Remove(ctx, "/moved/b.txt"); !IsNotFound(err) {
		t.Errorf("remove missing = %v, want not_found", err)
	}
}
