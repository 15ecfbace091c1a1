package guest

import "context"

// Metadata describes a filesystem entry as seen by the guest.
type Metadata struct {
	IsFile bool
	IsDir  bool
	Size   int64
}

// DirEntry is one readdir result.
type DirEntry struct {
	Name string
	Meta Metadata
}

// FSCallbacks is the filesystem surface handed to a guest runtime. The
// core four (ReadFile, WriteFile, ReadDir, Stat) are required; the rest
// are optional — builtins that need a missing callback fail with a
// nonzero exit status instead of panicking.
type FSCallbacks struct {
	ReadFile  func(ctx context.Context, path string) (string, error)
	WriteFile func(ctx context.Context, path string, content string) error
	ReadDir   func(ctx context.Context, path string) ([]DirEntry, error)
	Stat      func(ctx context.Context, path string) (Metadata, error)

	Mkdir  func(ctx context.Context, path string) error
	Remove func(ctx context.Context, path string) error
	Rename func(ctx context.Context, from, to string) error
}

// Valid reports whether the required callbacks are present.
func (f FSCallbacks) Valid() bool {
	return f.ReadFile != nil && f.WriteFile != nil && f.ReadDir != nil && f.Stat != nil
}
