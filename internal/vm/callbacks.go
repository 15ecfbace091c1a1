package vm

import (
	"context"
	"path"

	"github.com/jkaninda/harbox/internal/backend"
	"github.com/jkaninda/harbox/internal/vm/guest"
)

// BackendCallbacks adapts a storage backend to the callback shape a
// guest runtime expects. The optional mkdir/remove/rename callbacks are
// wired only when the backend supports them, so guest commands that
// need a missing one fail with a status instead of a panic.
func BackendCallbacks(b backend.Backend) guest.FSCallbacks {
	cb := guest.FSCallbacks{
		ReadFile: func(ctx context.Context, p string) (string, error) {
			return b.Read(ctx, p, backend.ReadOptions{})
		},
		WriteFile: func(ctx context.Context, p string, content string) error {
			_, err := b.Write(ctx, p, content)
			return err
		},
		ReadDir: func(ctx context.Context, p string) ([]guest.DirEntry, error) {
			infos, err := b.List(ctx, p)
			if err != nil {
				return nil, err
			}
			entries := make([]guest.DirEntry, 0, len(infos))
			for _, fi := range infos {
				entries = append(entries, guest.DirEntry{
					Name: path.Base(fi.Path),
					Meta: metaFor(fi),
				})
			}
			return entries, nil
		},
		Stat: func(ctx context.Context, p string) (guest.Metadata, error) {
			return statBackend(ctx, b, p)
		},
	}

	if mk, ok := b.(interface {
		Mkdir(ctx context.Context, p string) error
	}); ok {
		cb.Mkdir = mk.Mkdir
	}
	if rm, ok := b.(backend.Remover); ok {
		cb.Remove = rm.Remove
	}
	if rn, ok := b.(backend.Renamer); ok {
		cb.Rename = rn.Rename
	}
	return cb
}

func metaFor(fi backend.FileInfo) guest.Metadata {
	return guest.Metadata{
		IsFile: !fi.IsDir,
		IsDir:  fi.IsDir,
		Size:   fi.Size,
	}
}

// statBackend resolves metadata for one path. The storage protocol has
// no stat operation, so the entry is looked up in its parent's listing;
// the root is always a directory.
func statBackend(ctx context.Context, b backend.Backend, p string) (guest.Metadata, error) {
	p = backend.NormalizePath(p)
	if p == "/" {
		return guest.Metadata{IsDir: true}, nil
	}
	if infos, err := b.List(ctx, path.Dir(p)); err == nil {
		for _, fi := range infos {
			if backend.NormalizePath(fi.Path) == p {
				return metaFor(fi), nil
			}
		}
	}
	// The parent may not be listable (composite mount points have no
	// parent directory on any backend); probe the path directly.
	if _, err := b.List(ctx, p); err == nil {
		return guest.Metadata{IsDir: true}, nil
	}
	if content, err := b.Read(ctx, p, backend.ReadOptions{}); err == nil {
		return guest.Metadata{IsFile: true, Size: int64(len(content))}, nil
	}
	return guest.Metadata{}, &backend.Error{Kind: backend.KindNotFound, Path: p}
}
