// Package workspace manages the harbox runtime directory structure.
// All runtime state (registry database, sandbox roots, package cache,
// logs) is consolidated under a single workspace root, making harbox
// portable.
//
// Default workspace: ~/.harbox (configurable via HARBOX_WORKSPACE).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".harbox"

// Workspace manages all harbox runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root
// directory with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at HARBOX_WORKSPACE, or ~/.harbox when
// the variable is unset.
func Default() (*Workspace, error) {
	if root := os.Getenv("HARBOX_WORKSPACE"); root != "" {
		return New(root)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Top-level directory accessors ---

// SandboxesDir returns <root>/sandboxes/. Per-sandbox working trees for
// process sandboxes.
func (w *Workspace) SandboxesDir() string {
	return w.dir("sandboxes")
}

// PackagesDir returns <root>/packages/. Local package files referenced
// by provisioning overrides.
func (w *Workspace) PackagesDir() string {
	return w.dir("packages")
}

// LogsDir returns <root>/logs/. Application log files.
func (w *Workspace) LogsDir() string {
	return w.dir("logs")
}

// --- Derived paths ---

// ConfigPath returns <root>/config.yaml.
func (w *Workspace) ConfigPath() string {
	return filepath.Join(w.Root, "config.yaml")
}

// RegistryPath returns <root>/harbox.db, the default SQLite registry.
func (w *Workspace) RegistryPath() string {
	return filepath.Join(w.Root, "harbox.db")
}

// --- Sandbox-scoped paths ---

// SandboxRoot returns <root>/sandboxes/<id>/.
func (w *Workspace) SandboxRoot(id string) string {
	p := filepath.Join(w.SandboxesDir(), sanitizeName(id))
	_ = w.ensureDir(p, 0750)
	return p
}

// --- Cleanup ---

// CleanSandboxes removes all per-sandbox working trees.
func (w *Workspace) CleanSandboxes() error {
	dir := filepath.Join(w.Root, "sandboxes")
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading sandboxes dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("removing sandbox tree %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// EnsureAll creates all standard workspace directories.
// Call this during first startup.
func (w *Workspace) EnsureAll() error {
	dirs := []string{
		w.SandboxesDir(),
		w.PackagesDir(),
		w.LogsDir(),
	}
	for _, d := range dirs {
		if err := w.ensureDir(d, 0750); err != nil {
			return err
		}
	}
	return nil
}

// --- Internal helpers ---

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
