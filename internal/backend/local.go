package backend

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Local is a backend over a real filesystem subtree. Every protocol path
// is interpreted relative to the configured root; the backend never
// reaches outside it.
type Local struct {
	root string
}

// NewLocal creates a filesystem backend rooted at dir. The directory is
// created if it does not exist.
func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, &Error{Kind: KindInvalidPath, Path: dir, Err: err}
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, &Error{Kind: KindIO, Path: abs, Err: err}
	}
	return &Local{root: abs}, nil
}

// Root returns the host directory backing this store.
func (l *Local) Root() string { return l.root }

// hostPath maps a protocol path onto the host filesystem, rejecting
// escapes above the root.
func (l *Local) hostPath(p string) (string, error) {
	p = NormalizePath(p)
	host := filepath.Join(l.root, filepath.FromSlash(p))
	if host != l.root && !strings.HasPrefix(host, l.root+string(filepath.Separator)) {
		return "", &Error{Kind: KindInvalidPath, Path: p}
	}
	return host, nil
}

func (l *Local) Read(_ context.Context, p string, opts ReadOptions) (string, error) {
	host, err := l.hostPath(p)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(host)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &Error{Kind: KindNotFound, Path: NormalizePath(p)}
		}
		return "", &Error{Kind: KindIO, Path: NormalizePath(p), Err: err}
	}
	return sliceLines(string(data), opts), nil
}

func (l *Local) Write(_ context.Context, p string, content string) (*WriteResult, error) {
	host, err := l.hostPath(p)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(host), 0750); err != nil {
		return nil, &Error{Kind: KindIO, Path: NormalizePath(p), Err: err}
	}
	// Write to a sibling temp file and rename so a failed write never
	// leaves partial content behind.
	tmp, err := os.CreateTemp(filepath.Dir(host), ".harbox-write-*")
	if err != nil {
		return nil, &Error{Kind: KindIO, Path: NormalizePath(p), Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, &Error{Kind: KindIO, Path: NormalizePath(p), Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, &Error{Kind: KindIO, Path: NormalizePath(p), Err: err}
	}
	if err := os.Rename(tmpName, host); err != nil {
		os.Remove(tmpName)
		return nil, &Error{Kind: KindIO, Path: NormalizePath(p), Err: err}
	}
	return &WriteResult{Path: NormalizePath(p), BytesWritten: len(content)}, nil
}

func (l *Local) Edit(ctx context.Context, p string, match, replacement string, replaceAll bool) (*EditResult, error) {
	content, err := l.Read(ctx, p, ReadOptions{})
	if err != nil {
		return nil, err
	}
	updated, count, err := applyEdit(NormalizePath(p), content, match, replacement, replaceAll)
	if err != nil {
		return nil, err
	}
	if _, err := l.Write(ctx, p, updated); err != nil {
		return nil, err
	}
	return &EditResult{Path: NormalizePath(p), OldText: match, NewText: replacement, Replacements: count}, nil
}

func (l *Local) List(_ context.Context, p string) ([]FileInfo, error) {
	host, err := l.hostPath(p)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(host)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Kind: KindNotFound, Path: NormalizePath(p)}
		}
		return nil, &Error{Kind: KindIO, Path: NormalizePath(p), Err: err}
	}
	base := NormalizePath(p)
	infos := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		fi := FileInfo{Path: joinProto(base, e.Name()), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil {
			fi.Size = info.Size()
			fi.ModTime = info.ModTime()
		}
		infos = append(infos, fi)
	}
	return infos, nil
}

func (l *Local) Glob(_ context.Context, pattern string) ([]FileInfo, error) {
	pattern = NormalizePath(pattern)
	if !doublestar.ValidatePattern(pattern) {
		return nil, &Error{Kind: KindInvalidPath, Path: pattern, Err: doublestar.ErrBadPattern}
	}
	var infos []FileInfo
	err := filepath.WalkDir(l.root, func(host string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, host)
		if err != nil {
			return nil
		}
		proto := "/" + filepath.ToSlash(rel)
		if ok, _ := doublestar.Match(pattern, proto); !ok {
			return nil
		}
		fi := FileInfo{Path: proto}
		if info, err := d.Info(); err == nil {
			fi.Size = info.Size()
			fi.ModTime = info.ModTime()
		}
		infos = append(infos, fi)
		return nil
	})
	if err != nil {
		return nil, &Error{Kind: KindIO, Path: pattern, Err: err}
	}
	return infos, nil
}

func (l *Local) Grep(ctx context.Context, pattern string, scope string) ([]GrepMatch, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &Error{Kind: KindInvalidPath, Path: pattern, Err: err}
	}
	start, err := l.hostPath(scope)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(start); os.IsNotExist(statErr) {
		return nil, &Error{Kind: KindNotFound, Path: NormalizePath(scope)}
	}
	var matches []GrepMatch
	walkErr := filepath.WalkDir(start, func(host string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(host)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(l.root, host)
		if err != nil {
			return nil
		}
		proto := "/" + filepath.ToSlash(rel)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, GrepMatch{Path: proto, Line: i + 1, Text: line})
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, &Error{Kind: KindIO, Path: NormalizePath(scope), Err: walkErr}
	}
	return matches, nil
}

// Remove deletes a file or directory subtree.
func (l *Local) Remove(_ context.Context, p string) error {
	host, err := l.hostPath(p)
	if err != nil {
		return err
	}
	if _, err := os.Stat(host); os.IsNotExist(err) {
		return &Error{Kind: KindNotFound, Path: NormalizePath(p)}
	}
	if err := os.RemoveAll(host); err != nil {
		return &Error{Kind: KindIO, Path: NormalizePath(p), Err: err}
	}
	return nil
}

// Rename moves a file within the backend.
func (l *Local) Rename(_ context.Context, from, to string) error {
	src, err := l.hostPath(from)
	if err != nil {
		return err
	}
	dst, err := l.hostPath(to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return &Error{Kind: KindIO, Path: NormalizePath(to), Err: err}
	}
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return &Error{Kind: KindNotFound, Path: NormalizePath(from)}
		}
		return &Error{Kind: KindIO, Path: NormalizePath(from), Err: err}
	}
	return nil
}

// Mkdir creates a directory (and parents) under the root.
func (l *Local) Mkdir(_ context.Context, p string) error {
	host, err := l.hostPath(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(host, 0750); err != nil {
		return &Error{Kind: KindIO, Path: NormalizePath(p), Err: err}
	}
	return nil
}

func joinProto(base, name string) string {
	if base == "/" {
		return "/" + name
	}
	return base + "/" + name
}
