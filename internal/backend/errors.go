package backend

import (
	"errors"
	"fmt"
)

// Kind identifies an error class with a stable code string. Kinds are
// compared by value — never by identity of a sentinel error.
type Kind string

const (
	// KindNotFound reports a path that does not exist.
	KindNotFound Kind = "not_found"
	// KindAmbiguousMatch reports an Edit whose match occurs more than
	// once with replaceAll disabled.
	KindAmbiguousMatch Kind = "ambiguous_match"
	// KindNoMatch reports an Edit whose match occurs zero times.
	KindNoMatch Kind = "no_match"
	// KindInvalidPath reports a path the backend cannot address.
	KindInvalidPath Kind = "invalid_path"
	// KindReadOnly reports a mutation against a read-only mount.
	KindReadOnly Kind = "read_only"
	// KindCrossMount reports an operation spanning two mounts.
	KindCrossMount Kind = "cross_mount"
	// KindIO wraps an underlying I/O failure.
	KindIO Kind = "io"
)

// Error is the tagged error returned by every backend operation.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Path)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is (or wraps) a backend Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == kind
}

// IsNotFound reports whether err is a NotFound backend error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }
