package vm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/harbox/internal/vm/guest"
)

const (
	// DefaultMaxOutputBytes caps captured output to prevent OOM from
	// chatty commands.
	DefaultMaxOutputBytes = 1 << 20 // 1 MB

	// DefaultTimeout bounds a single guest command.
	DefaultTimeout = 30 * time.Second

	// exitTimeout is the synthetic status reported when the deadline
	// kills a command, matching the conventional shell timeout status.
	exitTimeout = 124
)

// RuntimeOptions tunes a single runtime.
type RuntimeOptions struct {
	// MaxOutputBytes caps captured output. Zero means
	// DefaultMaxOutputBytes.
	MaxOutputBytes int
}

// ExecuteResult is the outcome of one guest command. A non-zero exit
// code or a set Truncated flag is a normal value, not an error.
type ExecuteResult struct {
	// Output is the combined stdout and stderr text, possibly capped.
	Output string
	// ExitCode is the guest's exit status, or a synthetic status when
	// the command was terminated by its deadline.
	ExitCode int
	// Truncated reports whether Output was capped at the byte ceiling.
	Truncated bool
}

// Runtime binds the engine's guest interpreter to one filesystem
// callback set. A runtime is not safe for concurrent Execute calls by
// itself; the runtime serializes them internally, so concurrent callers
// queue rather than fail.
type Runtime struct {
	engine    *Engine
	fs        guest.FSCallbacks
	maxOutput int
	logger    *slog.Logger

	// mu admits one in-flight command at a time.
	mu sync.Mutex
}

// Execute runs command text to completion and returns its combined
// output, exit status, and truncation flag. A zero timeout means
// DefaultTimeout. On timeout the result carries a synthetic non-zero
// exit status, Truncated stays false, and a KindTimeout error is
// returned alongside the partial result. A timed-out runtime remains
// usable for later commands.
func (r *Runtime) Execute(ctx context.Context, command string, timeout time.Duration) (*ExecuteResult, error) {
	interp, err := r.engine.interpreter()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var buf bytes.Buffer
	out := &cappedWriter{w: &buf, remaining: r.maxOutput}

	start := time.Now()
	code, runErr := interp.Run(ctx, r.fs, command, out)
	elapsed := time.Since(start)

	res := &ExecuteResult{
		Output:    buf.String(),
		ExitCode:  code,
		Truncated: out.truncated,
	}
	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) {
			res.ExitCode = exitTimeout
			res.Truncated = false
			r.logger.Warn("guest command timed out",
				slog.Duration("timeout", timeout),
				slog.Duration("elapsed", elapsed))
			return res, &Error{Kind: KindTimeout, Err: runErr}
		}
		return res, &Error{Kind: KindExecutionFailed, Err: runErr}
	}

	r.logger.Debug("guest command finished",
		slog.Int("exit_code", res.ExitCode),
		slog.Bool("truncated", res.Truncated),
		slog.Duration("elapsed", elapsed))
	return res, nil
}

// cappedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded, but the overflow is recorded so
// callers can flag truncation.
type cappedWriter struct {
	w         io.Writer
	remaining int
	truncated bool
}

func (cw *cappedWriter) Write(p []byte) (int, error) {
	if cw.remaining <= 0 {
		if len(p) > 0 {
			cw.truncated = true
		}
		return len(p), nil
	}
	if len(p) > cw.remaining {
		cw.truncated = true
		total := len(p)
		n, err := cw.w.Write(p[:cw.remaining])
		cw.remaining -= n
		if err != nil {
			return n, err
		}
		return total, nil
	}
	n, err := cw.w.Write(p)
	cw.remaining -= n
	return n, err
}
