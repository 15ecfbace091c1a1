// Package vm hosts the virtual-machine bridge: an execution engine that
// runs guest commands against storage-protocol backends. The engine
// owns the guest interpreter; runtimes bind it to a filesystem callback
// set and add serialization, output truncation, and timeout semantics.
package vm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jkaninda/harbox/internal/vm/guest"
)

// Engine loads and owns the guest execution implementation. The zero
// state is uninitialized; Init is idempotent and must succeed before
// any runtime can execute. A failed load is sticky: every subsequent
// call fails fast with the original error instead of silently retrying.
type Engine struct {
	logger *slog.Logger

	mu          sync.Mutex
	interp      *guest.Interpreter
	initialized bool
	initErr     error
}

// NewEngine creates an engine in the uninitialized state.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// Init loads the guest interpreter. Calling it again after success is a
// no-op; calling it again after failure returns the recorded error.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}
	if e.initErr != nil {
		return e.initErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	interp := guest.NewInterpreter()
	if len(interp.Commands()) == 0 {
		e.initErr = &Error{Kind: KindNotInitialized, Err: fmt.Errorf("guest interpreter has no commands")}
		return e.initErr
	}
	e.interp = interp
	e.initialized = true
	e.logger.Info("vm engine initialized", slog.Int("guest_commands", len(interp.Commands())))
	return nil
}

// Initialized reports whether Init has completed successfully.
func (e *Engine) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// interpreter returns the loaded interpreter or a not-initialized error.
func (e *Engine) interpreter() (*guest.Interpreter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		if e.initErr != nil {
			return nil, e.initErr
		}
		return nil, &Error{Kind: KindNotInitialized}
	}
	return e.interp, nil
}

// NewRuntime binds a guest runtime to a filesystem callback set. The
// engine must be initialized first.
func (e *Engine) NewRuntime(fs guest.FSCallbacks, opts RuntimeOptions) (*Runtime, error) {
	if _, err := e.interpreter(); err != nil {
		return nil, err
	}
	if !fs.Valid() {
		return nil, &Error{Kind: KindExecutionFailed, Err: fmt.Errorf("incomplete filesystem callbacks")}
	}
	maxOutput := opts.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	return &Runtime{
		engine:    e,
		fs:        fs,
		maxOutput: maxOutput,
		logger:    e.logger,
	}, nil
}
