package vm

import (
	"errors"
	"fmt"
)

// Kind classifies engine and runtime failures so callers can branch on
// the class without matching message text.
type Kind string

const (
	// KindNotInitialized marks operations attempted before a
	// successful Init, or after Init failed.
	KindNotInitialized Kind = "engine_not_initialized"
	// KindExecutionFailed marks a guest command that could not run to
	// completion for reasons other than a timeout.
	KindExecutionFailed Kind = "engine_execution_failed"
	// KindTimeout marks a guest command terminated by its deadline.
	KindTimeout Kind = "execution_timeout"
)

// Error is a kind-tagged engine error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vm: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("vm: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a vm error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.Kind == kind
}
