// Package backend defines the uniform storage protocol shared by every
// file store in harbox, together with the concrete backends: in-memory,
// local filesystem, and the composite mount router.
//
// All backends are interchangeable behind the Backend interface — callers
// never branch on the concrete type. Read offsets and limits are
// line-indexed, mutations are atomic per call, and lookup failures are
// reported as kind-tagged errors (see errors.go).
package backend

import (
	"context"
	"path"
	"strings"
	"time"
)

// Backend is the uniform storage protocol.
type Backend interface {
	// Read returns file content as text. Offset/limit in opts are
	// line-indexed; the zero ReadOptions reads the whole file.
	Read(ctx context.Context, p string, opts ReadOptions) (string, error)

	// Write creates or overwrites a file, creating intermediate
	// directories implicitly. The write is all-or-nothing.
	Write(ctx context.Context, p string, content string) (*WriteResult, error)

	// Edit replaces an occurrence of match with replacement. With
	// replaceAll false, more than one occurrence is an AmbiguousMatch
	// error and zero occurrences is a NoMatch error.
	Edit(ctx context.Context, p string, match, replacement string, replaceAll bool) (*EditResult, error)

	// List returns the immediate children of a directory.
	List(ctx context.Context, p string) ([]FileInfo, error)

	// Glob returns files matching a doublestar pattern. No matches is
	// an empty slice, not an error.
	Glob(ctx context.Context, pattern string) ([]FileInfo, error)

	// Grep searches file contents for a regular expression. An empty
	// scope path searches the whole backend.
	Grep(ctx context.Context, pattern string, scope string) ([]GrepMatch, error)
}

// Remover is implemented by backends that support file deletion.
// Deletion is not part of the core protocol; callers feature-test with a
// type assertion.
type Remover interface {
	Remove(ctx context.Context, p string) error
}

// Renamer is implemented by backends that support renaming.
type Renamer interface {
	Rename(ctx context.Context, from, to string) error
}

// ReadOptions narrows a Read to a line window.
// Offset is the zero-based first line, Limit the maximum number of lines.
// A zero Limit means "to the end of the file".
type ReadOptions struct {
	Offset int
	Limit  int
}

// FileInfo is a read-only projection of a stored entry.
type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// GrepMatch is one content-search hit.
type GrepMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"` // 1-based line number
	Text string `json:"text"`
}

// WriteResult reports a completed write.
type WriteResult struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytes_written"`
}

// EditResult reports a completed edit, including the replaced span.
type EditResult struct {
	Path         string `json:"path"`
	OldText      string `json:"old_text"`
	NewText      string `json:"new_text"`
	Replacements int    `json:"replacements"`
}

// NormalizePath converts a caller-supplied path into the canonical
// absolute, slash-separated form used by every backend: cleaned, rooted
// at "/", no trailing slash except for the root itself.
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// sliceLines applies line-indexed offset/limit to file content.
func sliceLines(content string, opts ReadOptions) string {
	if opts.Offset == 0 && opts.Limit == 0 {
		return content
	}
	lines := strings.Split(content, "\n")
	start := opts.Offset
	if start > len(lines) {
		start = len(lines)
	}
	end := len(lines)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return strings.Join(lines[start:end], "\n")
}

// applyEdit performs the shared match/replace logic for Edit across
// backends. It returns the new content and the replacement count.
func applyEdit(p, content, match, replacement string, replaceAll bool) (string, int, error) {
	count := strings.Count(content, match)
	switch {
	case count == 0:
		return "", 0, &Error{Kind: KindNoMatch, Path: p}
	case count > 1 && !replaceAll:
		return "", 0, &Error{Kind: KindAmbiguousMatch, Path: p}
	}
	if replaceAll {
		return strings.ReplaceAll(content, match, replacement), count, nil
	}
	return strings.Replace(content, match, replacement, 1), 1, nil
}
