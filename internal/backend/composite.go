package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Mount binds a path prefix to a backend.
type Mount struct {
	// Prefix is the absolute mount point (e.g. "/work"). "/" mounts at
	// the namespace root.
	Prefix string
	// Backend serves every path under Prefix. Paths are rewritten
	// relative to the backend's own root before delegation.
	Backend Backend
	// ReadOnly denies Write/Edit/Remove/Rename through this mount.
	ReadOnly bool
}

// Composite routes the storage protocol across a mount table: the mount
// whose prefix is the longest path-ancestor of the target wins. The
// table is immutable after construction.
type Composite struct {
	mounts   []Mount // sorted by descending prefix length
	fallback Backend // optional, serves paths no mount covers
}

// NewComposite builds a composite backend from a mount table. Two mounts
// sharing a prefix is a configuration error reported here, never
// deferred to first use. fallback may be nil, in which case unmatched
// paths fail with NotFound.
func NewComposite(mounts []Mount, fallback Backend) (*Composite, error) {
	seen := make(map[string]struct{}, len(mounts))
	normalized := make([]Mount, len(mounts))
	for i, m := range mounts {
		if m.Backend == nil {
			return nil, fmt.Errorf("mount %q has no backend", m.Prefix)
		}
		prefix := NormalizePath(m.Prefix)
		if _, dup := seen[prefix]; dup {
			return nil, fmt.Errorf("duplicate mount prefix %q", prefix)
		}
		seen[prefix] = struct{}{}
		normalized[i] = Mount{Prefix: prefix, Backend: m.Backend, ReadOnly: m.ReadOnly}
	}
	sort.SliceStable(normalized, func(i, j int) bool {
		return len(normalized[i].Prefix) > len(normalized[j].Prefix)
	})
	return &Composite{mounts: normalized, fallback: fallback}, nil
}

// Mounts returns a copy of the mount table in resolution order.
func (c *Composite) Mounts() []Mount {
	out := make([]Mount, len(c.mounts))
	copy(out, c.mounts)
	return out
}

// resolve finds the owning mount for a path and rewrites the path
// relative to that mount's backend root. Resolution is deterministic:
// the same path always yields the same mount and rewritten path.
func (c *Composite) resolve(p string) (*Mount, string, error) {
	p = NormalizePath(p)
	for i := range c.mounts {
		m := &c.mounts[i]
		if rel, ok := underPrefix(p, m.Prefix); ok {
			return m, rel, nil
		}
	}
	if c.fallback != nil {
		return &Mount{Prefix: "/", Backend: c.fallback}, p, nil
	}
	return nil, "", &Error{Kind: KindNotFound, Path: p}
}

// underPrefix reports whether p lives under the mount prefix and returns
// p rewritten relative to it. The remainder after stripping the prefix
// must start at a path boundary: "/ab" is not under "/a".
func underPrefix(p, prefix string) (string, bool) {
	if prefix == "/" {
		return p, true
	}
	if p == prefix {
		return "/", true
	}
	if rest, ok := strings.CutPrefix(p, prefix+"/"); ok {
		return "/" + rest, true
	}
	return "", false
}

func (c *Composite) Read(ctx context.Context, p string, opts ReadOptions) (string, error) {
	m, rel, err := c.resolve(p)
	if err != nil {
		return "", err
	}
	text, err := m.Backend.Read(ctx, rel, opts)
	return text, c.requalifyErr(err, p)
}

func (c *Composite) Write(ctx context.Context, p string, content string) (*WriteResult, error) {
	m, rel, err := c.resolve(p)
	if err != nil {
		return nil, err
	}
	if m.ReadOnly {
		return nil, &Error{Kind: KindReadOnly, Path: NormalizePath(p)}
	}
	res, err := m.Backend.Write(ctx, rel, content)
	if err != nil {
		return nil, c.requalifyErr(err, p)
	}
	res.Path = NormalizePath(p)
	return res, nil
}

func (c *Composite) Edit(ctx context.Context, p string, match, replacement string, replaceAll bool) (*EditResult, error) {
	m, rel, err := c.resolve(p)
	if err != nil {
		return nil, err
	}
	if m.ReadOnly {
		return nil, &Error{Kind: KindReadOnly, Path: NormalizePath(p)}
	}
	res, err := m.Backend.Edit(ctx, rel, match, replacement, replaceAll)
	if err != nil {
		return nil, c.requalifyErr(err, p)
	}
	res.Path = NormalizePath(p)
	return res, nil
}

func (c *Composite) List(ctx context.Context, p string) ([]FileInfo, error) {
	p = NormalizePath(p)
	out := []FileInfo{}
	m, rel, err := c.resolve(p)
	if err != nil {
		// A path no mount owns is still a directory when mounts live
		// beneath it: its children are the mount points themselves.
		if !c.hasMountsUnder(p) {
			return nil, err
		}
	} else {
		infos, lerr := m.Backend.List(ctx, rel)
		if lerr != nil {
			// A mount point itself is listable even when its backend has
			// nothing at the root yet.
			if IsNotFound(lerr) && (rel == "/" || c.hasMountsUnder(p)) {
				infos = nil
			} else {
				return nil, c.requalifyErr(lerr, p)
			}
		}
		for _, fi := range infos {
			fi.Path = mountJoin(m.Prefix, strings.TrimPrefix(fi.Path, "/"))
			out = append(out, fi)
		}
	}
	// Surface nested mount points as children of p. A mount deeper than
	// one level contributes its first path segment as a directory.
	for _, nested := range c.mounts {
		if child, ok := childOf(p, nested.Prefix); ok {
			full := mountJoin(p, child)
			if !containsPath(out, full) {
				out = append(out, FileInfo{Path: full, IsDir: true})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (c *Composite) Glob(ctx context.Context, pattern string) ([]FileInfo, error) {
	pattern = NormalizePath(pattern)
	if !doublestar.ValidatePattern(pattern) {
		return nil, &Error{Kind: KindInvalidPath, Path: pattern, Err: doublestar.ErrBadPattern}
	}
	seen := make(map[string]struct{})
	var out []FileInfo
	collect := func(prefix string, infos []FileInfo) {
		for _, fi := range infos {
			full := mountJoin(prefix, strings.TrimPrefix(fi.Path, "/"))
			if ok, _ := doublestar.Match(pattern, full); !ok {
				continue
			}
			if _, dup := seen[full]; dup {
				continue
			}
			seen[full] = struct{}{}
			fi.Path = full
			out = append(out, fi)
		}
	}
	for _, m := range c.mounts {
		sub, ok := subPattern(pattern, m.Prefix)
		if !ok {
			continue
		}
		infos, err := m.Backend.Glob(ctx, sub)
		if err != nil {
			return nil, c.requalifyErr(err, pattern)
		}
		collect(m.Prefix, infos)
	}
	if c.fallback != nil {
		infos, err := c.fallback.Glob(ctx, pattern)
		if err != nil {
			return nil, c.requalifyErr(err, pattern)
		}
		collect("/", infos)
	}
	return out, nil
}

func (c *Composite) Grep(ctx context.Context, pattern string, scope string) ([]GrepMatch, error) {
	scope = NormalizePath(scope)
	var out []GrepMatch
	seen := make(map[string]struct{})
	scan := func(prefix string, b Backend, rel string) error {
		matches, err := b.Grep(ctx, pattern, rel)
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return c.requalifyErr(err, scope)
		}
		for _, gm := range matches {
			gm.Path = mountJoin(prefix, strings.TrimPrefix(gm.Path, "/"))
			key := fmt.Sprintf("%s:%d", gm.Path, gm.Line)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, gm)
		}
		return nil
	}
	if scope != "/" {
		// Scoped search routes to the owning mount only.
		m, rel, err := c.resolve(scope)
		if err != nil {
			return nil, err
		}
		if err := scan(m.Prefix, m.Backend, rel); err != nil {
			return nil, err
		}
		return out, nil
	}
	for _, m := range c.mounts {
		if err := scan(m.Prefix, m.Backend, "/"); err != nil {
			return nil, err
		}
	}
	if c.fallback != nil {
		if err := scan("/", c.fallback, "/"); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Remove deletes through the owning mount. Fails on read-only mounts and
// on backends without delete support.
func (c *Composite) Remove(ctx context.Context, p string) error {
	m, rel, err := c.resolve(p)
	if err != nil {
		return err
	}
	if m.ReadOnly {
		return &Error{Kind: KindReadOnly, Path: NormalizePath(p)}
	}
	rm, ok := m.Backend.(Remover)
	if !ok {
		return &Error{Kind: KindInvalidPath, Path: NormalizePath(p), Err: fmt.Errorf("backend does not support remove")}
	}
	return c.requalifyErr(rm.Remove(ctx, rel), p)
}

// Rename moves a file within a single mount. Renames that would cross
// mount boundaries are denied: content never silently migrates between
// backends.
func (c *Composite) Rename(ctx context.Context, from, to string) error {
	mf, relFrom, err := c.resolve(from)
	if err != nil {
		return err
	}
	mt, relTo, err := c.resolve(to)
	if err != nil {
		return err
	}
	if mf.Prefix != mt.Prefix {
		return &Error{Kind: KindCrossMount, Path: NormalizePath(from)}
	}
	if mf.ReadOnly {
		return &Error{Kind: KindReadOnly, Path: NormalizePath(from)}
	}
	rn, ok := mf.Backend.(Renamer)
	if !ok {
		return &Error{Kind: KindInvalidPath, Path: NormalizePath(from), Err: fmt.Errorf("backend does not support rename")}
	}
	return c.requalifyErr(rn.Rename(ctx, relFrom, relTo), from)
}

// Mkdir creates a directory through the owning mount when the backend
// supports it; otherwise it is a no-op (directories are implicit).
func (c *Composite) Mkdir(ctx context.Context, p string) error {
	m, rel, err := c.resolve(p)
	if err != nil {
		return err
	}
	if m.ReadOnly {
		return &Error{Kind: KindReadOnly, Path: NormalizePath(p)}
	}
	type mkdirer interface {
		Mkdir(ctx context.Context, p string) error
	}
	if mk, ok := m.Backend.(mkdirer); ok {
		return c.requalifyErr(mk.Mkdir(ctx, rel), p)
	}
	return nil
}

// requalifyErr rewrites the path inside a backend error back into the
// composite namespace so callers see the path they asked about.
func (c *Composite) requalifyErr(err error, p string) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return &Error{Kind: be.Kind, Path: NormalizePath(p), Err: be.Err}
	}
	return err
}

func (c *Composite) hasMountsUnder(p string) bool {
	for _, m := range c.mounts {
		if _, ok := underPrefix(m.Prefix, p); ok && m.Prefix != p {
			return true
		}
	}
	return false
}

// subPattern rewrites a glob pattern relative to a mount prefix. It
// returns false when the pattern can never match anything under the
// mount. A `**` segment at or above the mount point matches into it.
func subPattern(pattern, prefix string) (string, bool) {
	if prefix == "/" {
		return pattern, true
	}
	if rest, ok := strings.CutPrefix(pattern, prefix+"/"); ok {
		return "/" + rest, true
	}
	// A pattern with meta characters may still reach into the mount:
	// match the prefix itself against the pattern's leading segments.
	pseg := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	mseg := strings.Split(strings.TrimPrefix(prefix, "/"), "/")
	for i := range pseg {
		if pseg[i] == "**" {
			return "/" + strings.Join(pseg[i:], "/"), true
		}
		if i >= len(mseg) {
			break
		}
		if ok, _ := doublestar.Match(pseg[i], mseg[i]); !ok {
			return "", false
		}
		if i == len(mseg)-1 {
			if i+1 < len(pseg) {
				return "/" + strings.Join(pseg[i+1:], "/"), true
			}
			return "/", true
		}
	}
	return "", false
}

func mountJoin(prefix, rel string) string {
	if prefix == "/" {
		if rel == "" {
			return "/"
		}
		return "/" + rel
	}
	if rel == "" {
		return prefix
	}
	return prefix + "/" + rel
}

func containsPath(infos []FileInfo, p string) bool {
	for _, fi := range infos {
		if fi.Path == p {
			return true
		}
	}
	return false
}
