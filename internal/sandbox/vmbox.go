package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/harbox/internal/backend"
	"github.com/jkaninda/harbox/internal/rpc"
	"github.com/jkaninda/harbox/internal/vm"
)

// KindVM identifies virtual-machine-bridged sandboxes.
const KindVM = "vm"

// VMOptions configures a VM sandbox at construction. The mount table is
// immutable afterwards.
type VMOptions struct {
	// Mounts binds path prefixes to backends. Empty means a single
	// fresh in-memory backend at the root.
	Mounts []backend.Mount

	// Fallback handles paths no mount covers. Nil means a fresh
	// in-memory backend.
	Fallback backend.Backend

	// Timeout is the default per-command deadline. Zero means
	// DefaultTimeout.
	Timeout time.Duration

	// MaxOutputBytes caps captured command output. Zero means the
	// bridge default.
	MaxOutputBytes int
}

// VMSandbox runs guest commands through the virtual-machine bridge
// against a composed backend tree. The guest sees a single rooted
// namespace; every file it touches goes through the storage protocol.
//
// One command or session is active at a time; concurrent callers queue.
type VMSandbox struct {
	backend.Backend

	id        string
	engine    *vm.Engine
	opts      VMOptions
	collector *rpc.Collector
	logger    *slog.Logger

	// mu admits one Execute or Shell at a time.
	mu      sync.Mutex
	runtime *vm.Runtime

	stateMu   sync.Mutex
	state     State
	createdAt time.Time
	lastUsed  time.Time
}

// NewVM builds a VM sandbox. Mount-table problems (duplicate prefixes,
// nil backends) fail here, never at first use. The engine is shared
// when non-nil; its initialization is deferred until the first command.
func NewVM(id string, opts VMOptions, engine *vm.Engine, logger *slog.Logger) (*VMSandbox, error) {
	if id == "" {
		return nil, fmt.Errorf("sandbox id must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var fs backend.Backend
	if len(opts.Mounts) == 0 && opts.Fallback == nil {
		fs = backend.NewMemory()
	} else {
		// Paths outside every mount still need a home: the guest writes
		// spawn requests and scratch files at the namespace root.
		if opts.Fallback == nil {
			opts.Fallback = backend.NewMemory()
		}
		c, err := backend.NewComposite(opts.Mounts, opts.Fallback)
		if err != nil {
			return nil, fmt.Errorf("building mount table for sandbox %s: %w", id, err)
		}
		fs = c
	}

	if engine == nil {
		engine = vm.NewEngine(logger)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	now := time.Now()
	return &VMSandbox{
		Backend:   fs,
		id:        id,
		engine:    engine,
		opts:      opts,
		collector: rpc.NewCollector(fs, logger),
		logger:    logger.With(slog.String("sandbox", id)),
		state:     StateCreated,
		createdAt: now,
		lastUsed:  now,
	}, nil
}

// ensureRuntime lazily initializes the engine and binds this sandbox's
// runtime. Both steps are idempotent.
func (s *VMSandbox) ensureRuntime(ctx context.Context) (*vm.Runtime, error) {
	if s.runtime != nil {
		return s.runtime, nil
	}
	if err := s.engine.Init(ctx); err != nil {
		return nil, err
	}
	rt, err := s.engine.NewRuntime(vm.BackendCallbacks(s.Backend), vm.RuntimeOptions{
		MaxOutputBytes: s.opts.MaxOutputBytes,
	})
	if err != nil {
		return nil, err
	}
	s.runtime = rt
	return rt, nil
}

// Execute runs one guest command. After the command finishes — even on
// timeout — the request directory is scanned and any new spawn requests
// are attached to the response.
func (s *VMSandbox) Execute(ctx context.Context, command string, opts *ExecuteOptions) (*ExecuteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Info().State == StateClosed {
		return nil, fmt.Errorf("sandbox %s is closed", s.id)
	}
	s.setState(StateRunning)
	defer s.setState(StateCreated)

	rt, err := s.ensureRuntime(ctx)
	if err != nil {
		return nil, err
	}

	timeout := s.opts.Timeout
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	res, execErr := rt.Execute(ctx, command, timeout)
	s.touch()
	if res == nil {
		return nil, execErr
	}

	resp := &ExecuteResponse{
		Output:    res.Output,
		ExitCode:  res.ExitCode,
		Truncated: res.Truncated,
	}
	resp.SpawnRequests = s.collector.Collect(ctx)
	return resp, execErr
}

// Shell opens a line-driven guest session. Each input line runs as one
// guest command; its combined output streams to Stdout. The session
// holds the sandbox's command slot until it ends.
func (s *VMSandbox) Shell(ctx context.Context, _ *ShellOptions) (Session, error) {
	s.mu.Lock()
	if s.Info().State == StateClosed {
		s.mu.Unlock()
		return nil, fmt.Errorf("sandbox %s is closed", s.id)
	}
	rt, err := s.ensureRuntime(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.setState(StateRunning)

	sess := newGuestSession(ctx, rt, s.opts.Timeout, func() {
		s.touch()
		s.setState(StateCreated)
		s.mu.Unlock()
	})
	return sess, nil
}

// UploadFiles writes each entry independently.
func (s *VMSandbox) UploadFiles(ctx context.Context, entries []FileEntry) []FileResult {
	results := make([]FileResult, 0, len(entries))
	for _, e := range entries {
		_, err := s.Write(ctx, e.Path, e.Content)
		results = append(results, FileResult{Path: e.Path, Err: err})
	}
	s.touch()
	return results
}

// DownloadFiles reads each path independently.
func (s *VMSandbox) DownloadFiles(ctx context.Context, paths []string) []FileResult {
	results := make([]FileResult, 0, len(paths))
	for _, p := range paths {
		content, err := s.Read(ctx, p, backend.ReadOptions{})
		results = append(results, FileResult{Path: p, Content: content, Err: err})
	}
	s.touch()
	return results
}

// Info reports the sandbox's identity and lifecycle state.
func (s *VMSandbox) Info() Info {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return Info{
		ID:        s.id,
		Kind:      KindVM,
		State:     s.state,
		CreatedAt: s.createdAt,
		LastUsed:  s.lastUsed,
	}
}

// Close marks the sandbox unusable. The backing stores are left intact;
// they may be mounted elsewhere.
func (s *VMSandbox) Close(context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = StateClosed
	return nil
}

func (s *VMSandbox) setState(st State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != StateClosed {
		s.state = st
	}
}

func (s *VMSandbox) touch() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.lastUsed = time.Now()
}
