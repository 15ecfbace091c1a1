package backend

import (
	"context"
	"strings"
	"testing"
)

func TestComposite_DuplicatePrefixRejected(t *testing.T) {
	_, err := NewComposite([]Mount{
		{Prefix: "/a", Backend: NewMemory()},
		{Prefix: "/a/", Backend: NewMemory()}, // normalizes to /a
	}, nil)
	if err == nil {
		t.Fatal("expected construction error for duplicate prefix")
	}
}

func TestComposite_MissingBackendRejected(t *testing.T) {
	_, err := NewComposite([]Mount{{Prefix: "/a"}}, nil)
	if err == nil {
		t.Fatal("expected construction error for nil backend")
	}
}

func TestComposite_LongestPrefixRouting(t *testing.T) {
	a := NewMemory()
	b := NewMemory()
	c, err := NewComposite([]Mount{
		{Prefix: "/a", Backend: a},
		{Prefix: "/a/b", Backend: b},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	if _, err := c.Write(ctx, "/a/b/file", "deep"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Write(ctx, "/a/file", "shallow"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// /a/b/file must live only in B, rewritten to /file.
	if got, err := b.Read(ctx, "/file", ReadOptions{}); err != nil || got != "deep" {
		t.Errorf("b.Read(/file) = %q, %v, want \"deep\"", got, err)
	}
	if _, err := a.Read(ctx, "/b/file", ReadOptions{}); !IsNotFound(err) {
		t.Errorf("a should not hold /b/file, got err %v", err)
	}

	// /a/file must live only in A.
	if got, err := a.Read(ctx, "/file", ReadOptions{}); err != nil || got != "shallow" {
		t.Errorf("a.Read(/file) = %q, %v, want \"shallow\"", got, err)
	}

	// Reads through the composite resolve the same way.
	if got, _ := c.Read(ctx, "/a/b/file", ReadOptions{}); got != "deep" {
		t.Errorf("composite read /a/b/file = %q, want \"deep\"", got)
	}
	if got, _ := c.Read(ctx, "/a/file", ReadOptions{}); got != "shallow" {
		t.Errorf("composite read /a/file = %q, want \"shallow\"", got)
	}
}

func TestComposite_PrefixIsPathAncestor(t *testing.T) {
	a := NewMemory()
	fallback := NewMemory()
	c, err := NewComposite([]Mount{{Prefix: "/a", Backend: a}}, fallback)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	// "/ab" is not under "/a" — it must go to the fallback.
	if _, err := c.Write(ctx, "/ab/file", "x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := fallback.Read(ctx, "/ab/file", ReadOptions{}); err != nil {
		t.Errorf("fallback missing /ab/file: %v", err)
	}
	if _, err := a.Read(ctx, "/b/file", ReadOptions{}); !IsNotFound(err) {
		t.Errorf("mount a should be empty, got err %v", err)
	}
}

func TestComposite_NoMountNoFallback(t *testing.T) {
	c, err := NewComposite([]Mount{{Prefix: "/work", Backend: NewMemory()}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Read(context.Background(), "/elsewhere/f", ReadOptions{}); !IsNotFound(err) {
		t.Errorf("unmatched path = %v, want not_found", err)
	}
}

func TestComposite_IdempotentResolution(t *testing.T) {
	c, err := NewComposite([]Mount{
		{Prefix: "/a", Backend: NewMemory()},
		{Prefix: "/a/b", Backend: NewMemory()},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m1, rel1, err1 := c.resolve("/a/b/x/y.txt")
	m2, rel2, err2 := c.resolve("/a/b/x/y.txt")
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v, %v", err1, err2)
	}
	if m1.Prefix != m2.Prefix || rel1 != rel2 {
		t.Errorf("resolution not stable: (%s,%s) vs (%s,%s)", m1.Prefix, rel1, m2.Prefix, rel2)
	}
	if m1.Prefix != "/a/b" || rel1 != "/x/y.txt" {
		t.Errorf("resolved to (%s,%s), want (/a/b,/x/y.txt)", m1.Prefix, rel1)
	}
}

func TestComposite_ReadOnlyMount(t *testing.T) {
	ro := NewMemoryFromMap(map[string]string{"/a.txt": "hello"})
	c, err := NewComposite([]Mount{{Prefix: "/foo", Backend: ro, ReadOnly: true}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	if got, err := c.Read(ctx, "/foo/a.txt", ReadOptions{}); err != nil || got != "hello" {
		t.Errorf("read = %q, %v, want \"hello\"", got, err)
	}
	if _, err := c.Write(ctx, "/foo/a.txt", "changed"); !IsKind(err, KindReadOnly) {
		t.Errorf("write to read-only mount = %v, want read_only", err)
	}
	if _, err := c.Edit(ctx, "/foo/a.txt", "hello", "bye", false); !IsKind(err, KindReadOnly) {
		t.Errorf("edit on read-only mount = %v, want read_only", err)
	}
	if err := c.Remove(ctx, "/foo/a.txt"); !IsKind(err, KindReadOnly) {
		t.Errorf("remove on read-only mount = %v, want read_only", err)
	}
}

func TestComposite_CrossMountRenameDenied(t *testing.T) {
	c, err := NewComposite([]Mount{
		{Prefix: "/a", Backend: NewMemoryFromMap(map[string]string{"/f": "x"})},
		{Prefix: "/b", Backend: NewMemory()},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Rename(context.Background(), "/a/f", "/b/f"); !IsKind(err, KindCrossMount) {
		t.Errorf("cross-mount rename = %v, want cross_mount", err)
	}
}

func TestComposite_GlobAcrossMounts(t *testing.T) {
	c, err := NewComposite([]Mount{
		{Prefix: "/a", Backend: NewMemoryFromMap(map[string]string{
			"/x.go": "package x",
			"/y.md": "y",
		})},
		{Prefix: "/b", Backend: NewMemoryFromMap(map[string]string{
			"/z.go": "package z",
		})},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	infos, err := c.Glob(context.Background(), "/**/*.go")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var paths []string
	for _, fi := range infos {
		paths = append(paths, fi.Path)
	}
	got := strings.Join(paths, " ")
	if !strings.Contains(got, "/a/x.go") || !strings.Contains(got, "/b/z.go") {
		t.Errorf("glob = %q, want /a/x.go and /b/z.go", got)
	}
	if strings.Contains(got, "y.md") {
		t.Errorf("glob matched y.md: %q", got)
	}
	seen := make(map[string]bool)
	for _, p := range paths {
		if seen[p] {
			t.Errorf("duplicate path %s in glob results", p)
		}
		seen[p] = true
	}
}

func TestComposite_GlobScopedToOneMount(t *testing.T) {
	c, err := NewComposite([]Mount{
		{Prefix: "/a", Backend: NewMemoryFromMap(map[string]string{"/x.go": "x"})},
		{Prefix: "/b", Backend: NewMemoryFromMap(map[string]string{"/z.go": "z"})},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	infos, err := c.Glob(context.Background(), "/a/*.go")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 1 || infos[0].Path != "/a/x.go" {
		t.Errorf("glob = %v, want exactly /a/x.go", infos)
	}
}

func TestComposite_GrepAggregates(t *testing.T) {
	c, err := NewComposite([]Mount{
		{Prefix: "/a", Backend: NewMemoryFromMap(map[string]string{"/f.txt": "needle in a"})},
		{Prefix: "/b", Backend: NewMemoryFromMap(map[string]string{"/g.txt": "needle in b"})},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	matches, err := c.Grep(context.Background(), "needle", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].Path != "/a/f.txt" || matches[1].Path != "/b/g.txt" {
		t.Errorf("paths = %s, %s, want /a/f.txt, /b/g.txt", matches[0].Path, matches[1].Path)
	}

	scoped, err := c.Grep(context.Background(), "needle", "/b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scoped) != 1 || scoped[0].Path != "/b/g.txt" {
		t.Errorf("scoped = %v, want one hit in /b/g.txt", scoped)
	}
}

func TestComposite_ListShowsNestedMountPoints(t *testing.T) {
	c, err := NewComposite([]Mount{
		{Prefix: "/work", Backend: NewMemoryFromMap(map[string]string{"/a.txt": "x"})},
		{Prefix: "/work/cache", Backend: NewMemory()},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	infos, err := c.List(context.Background(), "/work")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var paths []string
	for _, fi := range infos {
		paths = append(paths, fi.Path)
	}
	got := strings.Join(paths, " ")
	if !strings.Contains(got, "/work/a.txt") || !strings.Contains(got, "/work/cache") {
		t.Errorf("list = %q, want file and nested mount point", got)
	}
}

func TestComposite_ListRootWithoutFallback(t *testing.T) {
	// No mount owns "/", but the root is still a directory whose
	// children are the mount points.
	c, err := NewComposite([]Mount{
		{Prefix: "/foo", Backend: NewMemoryFromMap(map[string]string{"/a.txt": "a"})},
		{Prefix: "/bar", Backend: NewMemory()},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	infos, err := c.List(context.Background(), "/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var paths []string
	for _, fi := range infos {
		if !fi.IsDir {
			t.Errorf("mount point %s listed as a file", fi.Path)
		}
		paths = append(paths, fi.Path)
	}
	if got := strings.Join(paths, " "); got != "/bar /foo" {
		t.Errorf("list / = %q, want %q", got, "/bar /foo")
	}

	// A path neither owned nor above any mount still fails.
	if _, err := c.List(context.Background(), "/elsewhere"); !IsNotFound(err) {
		t.Errorf("list unmatched path = %v, want not_found", err)
	}
}
