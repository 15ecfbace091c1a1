package backend

import (
	"context"
	"errors"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Memory is an in-memory backend. All operations complete without
// suspension; safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	files map[string]*memFile
	dirs  map[string]time.Time
	now   func() time.Time
}

type memFile struct {
	data    []byte
	modTime time.Time
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		files: make(map[string]*memFile),
		dirs:  map[string]time.Time{"/": time.Now().UTC()},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// NewMemoryFromMap creates an in-memory backend pre-populated with the
// given path → content pairs. Useful for seeding sandbox mounts.
func NewMemoryFromMap(seed map[string]string) *Memory {
	m := NewMemory()
	for p, content := range seed {
		p = NormalizePath(p)
		m.files[p] = &memFile{data: []byte(content), modTime: m.now()}
		m.trackParents(p)
	}
	return m
}

func (m *Memory) Read(_ context.Context, p string, opts ReadOptions) (string, error) {
	p = NormalizePath(p)
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[p]
	if !ok {
		return "", &Error{Kind: KindNotFound, Path: p}
	}
	return sliceLines(string(f.data), opts), nil
}

func (m *Memory) Write(_ context.Context, p string, content string) (*WriteResult, error) {
	p = NormalizePath(p)
	if p == "/" {
		return nil, &Error{Kind: KindInvalidPath, Path: p}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[p] = &memFile{data: []byte(content), modTime: m.now()}
	m.trackParents(p)
	return &WriteResult{Path: p, BytesWritten: len(content)}, nil
}

func (m *Memory) Edit(_ context.Context, p string, match, replacement string, replaceAll bool) (*EditResult, error) {
	p = NormalizePath(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[p]
	if !ok {
		return nil, &Error{Kind: KindNotFound, Path: p}
	}
	updated, count, err := applyEdit(p, string(f.data), match, replacement, replaceAll)
	if err != nil {
		return nil, err
	}
	f.data = []byte(updated)
	f.modTime = m.now()
	return &EditResult{Path: p, OldText: match, NewText: replacement, Replacements: count}, nil
}

func (m *Memory) List(_ context.Context, p string) ([]FileInfo, error) {
	p = NormalizePath(p)
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, isFile := m.files[p]; isFile {
		return nil, &Error{Kind: KindInvalidPath, Path: p, Err: errNotDirectory}
	}
	if _, isDir := m.dirs[p]; !isDir {
		return nil, &Error{Kind: KindNotFound, Path: p}
	}

	children := make(map[string]FileInfo)
	for fp, f := range m.files {
		if child, ok := childOf(p, fp); ok {
			full := path.Join(p, child)
			if full == fp {
				children[child] = FileInfo{Path: full, Size: int64(len(f.data)), ModTime: f.modTime}
			} else if _, seen := children[child]; !seen {
				children[child] = FileInfo{Path: full, IsDir: true, ModTime: m.dirs[full]}
			}
		}
	}
	for dp, mt := range m.dirs {
		if child, ok := childOf(p, dp); ok && path.Join(p, child) == dp {
			if _, seen := children[child]; !seen {
				children[child] = FileInfo{Path: dp, IsDir: true, ModTime: mt}
			}
		}
	}

	infos := make([]FileInfo, 0, len(children))
	for _, fi := range children {
		infos = append(infos, fi)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

func (m *Memory) Glob(_ context.Context, pattern string) ([]FileInfo, error) {
	pattern = NormalizePath(pattern)
	if !doublestar.ValidatePattern(pattern) {
		return nil, &Error{Kind: KindInvalidPath, Path: pattern, Err: doublestar.ErrBadPattern}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var infos []FileInfo
	for fp, f := range m.files {
		if ok, _ := doublestar.Match(pattern, fp); ok {
			infos = append(infos, FileInfo{Path: fp, Size: int64(len(f.data)), ModTime: f.modTime})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

func (m *Memory) Grep(_ context.Context, pattern string, scope string) ([]GrepMatch, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &Error{Kind: KindInvalidPath, Path: pattern, Err: err}
	}
	scope = NormalizePath(scope)
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, 0, len(m.files))
	for fp := range m.files {
		if scope == "/" || fp == scope || strings.HasPrefix(fp, scope+"/") {
			paths = append(paths, fp)
		}
	}
	sort.Strings(paths)

	var matches []GrepMatch
	for _, fp := range paths {
		for i, line := range strings.Split(string(m.files[fp].data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, GrepMatch{Path: fp, Line: i + 1, Text: line})
			}
		}
	}
	return matches, nil
}

// Remove deletes a file or an empty directory.
func (m *Memory) Remove(_ context.Context, p string) error {
	p = NormalizePath(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[p]; ok {
		delete(m.files, p)
		return nil
	}
	if _, ok := m.dirs[p]; ok && p != "/" {
		delete(m.dirs, p)
		return nil
	}
	return &Error{Kind: KindNotFound, Path: p}
}

// Rename moves a file to a new path.
func (m *Memory) Rename(_ context.Context, from, to string) error {
	from, to = NormalizePath(from), NormalizePath(to)
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[from]
	if !ok {
		return &Error{Kind: KindNotFound, Path: from}
	}
	delete(m.files, from)
	m.files[to] = f
	m.trackParents(to)
	return nil
}

// Mkdir records an (possibly empty) directory.
func (m *Memory) Mkdir(_ context.Context, p string) error {
	p = NormalizePath(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	for dir := p; ; dir = path.Dir(dir) {
		if _, ok := m.dirs[dir]; !ok {
			m.dirs[dir] = m.now()
		}
		if dir == "/" {
			return nil
		}
	}
}

// trackParents records every ancestor directory of p. Caller holds mu.
func (m *Memory) trackParents(p string) {
	for dir := path.Dir(p); ; dir = path.Dir(dir) {
		if _, ok := m.dirs[dir]; !ok {
			m.dirs[dir] = m.now()
		}
		if dir == "/" {
			return
		}
	}
}

// childOf returns the first path segment of target below dir, if target
// lives under dir.
func childOf(dir, target string) (string, bool) {
	if dir == target {
		return "", false
	}
	prefix := dir
	if prefix != "/" {
		prefix += "/"
	}
	rest, ok := strings.CutPrefix(target, prefix)
	if !ok || rest == "" {
		return "", false
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest, true
}

var errNotDirectory = errors.New("not a directory")
