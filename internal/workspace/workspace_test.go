package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "workspace")

	ws, err := New(root)
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}
	if ws.Root != root {
		t.Errorf("Root = %q, want %q", ws.Root, root)
	}

	// Root directory should exist.
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestDefaultHonorsEnv(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("HARBOX_WORKSPACE", filepath.Join(tmp, "custom"))

	ws, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if ws.Root != filepath.Join(tmp, "custom") {
		t.Errorf("Root = %q, want env override", ws.Root)
	}
}

func TestDirectoryAccessors(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		fn   func() string
		want string
	}{
		{"SandboxesDir", ws.SandboxesDir, "sandboxes"},
		{"PackagesDir", ws.PackagesDir, "packages"},
		{"LogsDir", ws.LogsDir, "logs"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.fn()
			expected := filepath.Join(ws.Root, tc.want)
			if got != expected {
				t.Errorf("%s() = %q, want %q", tc.name, got, expected)
			}
			// Directory should exist.
			if _, err := os.Stat(got); err != nil {
				t.Errorf("directory not created: %v", err)
			}
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	if got, want := ws.ConfigPath(), filepath.Join(ws.Root, "config.yaml"); got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
	if got, want := ws.RegistryPath(), filepath.Join(ws.Root, "harbox.db"); got != want {
		t.Errorf("RegistryPath() = %q, want %q", got, want)
	}
}

func TestSandboxRoot(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	dir := ws.SandboxRoot("agent-1")
	expected := filepath.Join(ws.Root, "sandboxes", "agent-1")
	if dir != expected {
		t.Errorf("SandboxRoot = %q, want %q", dir, expected)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("sandbox root not created: %v", err)
	}

	// Path separators in ids must not escape the sandboxes tree.
	evil := ws.SandboxRoot("../escape")
	if filepath.Dir(evil) != ws.SandboxesDir() {
		t.Errorf("SandboxRoot(../escape) = %q escapes the sandboxes dir", evil)
	}
}

func TestCleanSandboxes(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	// Create some sandbox trees.
	sbDir := ws.SandboxesDir()
	os.MkdirAll(filepath.Join(sbDir, "exec-1"), 0750)
	os.MkdirAll(filepath.Join(sbDir, "exec-2"), 0750)
	os.WriteFile(filepath.Join(sbDir, "exec-1", "output.txt"), []byte("hello"), 0644)

	if err := ws.CleanSandboxes(); err != nil {
		t.Fatalf("CleanSandboxes: %v", err)
	}

	entries, _ := os.ReadDir(sbDir)
	if len(entries) != 0 {
		t.Errorf("sandboxes dir not empty after clean: %d entries", len(entries))
	}
}

func TestCleanSandboxesNoop(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}
	// Don't create the sandboxes dir — CleanSandboxes should be a no-op.
	os.RemoveAll(filepath.Join(ws.Root, "sandboxes"))
	if err := ws.CleanSandboxes(); err != nil {
		t.Fatalf("CleanSandboxes on missing dir: %v", err)
	}
}

func TestEnsureAll(t *testing.T) {
	tmp := t.TempDir()
	ws, err := New(filepath.Join(tmp, "ws"))
	if err != nil {
		t.Fatal(err)
	}

	if err := ws.EnsureAll(); err != nil {
		t.Fatal(err)
	}

	for _, sub := range []string{"sandboxes", "packages", "logs"} {
		p := filepath.Join(ws.Root, sub)
		if _, err := os.Stat(p); err != nil {
			t.Errorf("directory %q not created: %v", sub, err)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"normal", "normal"},
		{"a/b", "a_b"},
		{"a\\b", "a_b"},
		{"../etc/passwd", "__etc_passwd"},
		{"", "_"},
	}
	for _, tc := range tests {
		got := sanitizeName(tc.input)
		if got != tc.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestResolveTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := resolvePath("~/test")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(home, "test")
	if got != want {
		t.Errorf("resolvePath(~/test) = %q, want %q", got, want)
	}
}
