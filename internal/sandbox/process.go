package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/jkaninda/harbox/internal/backend"
	"github.com/jkaninda/harbox/internal/rpc"
)

// KindProcess identifies host-process sandboxes.
const KindProcess = "process"

const (
	// maxOutputBytes caps command output to prevent OOM from chatty
	// commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultCPUSeconds = 60
	defaultMemoryMB   = 512

	// exitTimeout is the synthetic status for commands killed by their
	// deadline.
	exitTimeout = 124
)

// ResourceLimits constrains a sandboxed process.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

// ProcessOptions configures a process sandbox.
type ProcessOptions struct {
	// Root is the sandbox's working tree on the host filesystem.
	// Empty means a fresh temp directory owned by the sandbox.
	Root string

	// Timeout is the default per-command deadline. Zero means
	// DefaultTimeout.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values use defaults.
	Limits ResourceLimits

	// Env adds extra variables to the sanitized base environment.
	Env map[string]string
}

// ProcessSandbox executes commands as isolated OS processes rooted in a
// private directory. Its storage protocol addresses the same tree the
// commands see.
//
// Isolation guarantees:
//   - Commands run in their own process group (Setpgid); the whole
//     group is killed on timeout or cancel
//   - No environment inheritance from the parent — only a minimal safe
//     set plus configured extras
//   - Resource limits enforced via ulimit
//   - Output capped to prevent OOM
type ProcessSandbox struct {
	*backend.Local

	id        string
	root      string
	ownsRoot  bool
	timeout   time.Duration
	limits    ResourceLimits
	env       map[string]string
	collector *rpc.Collector
	logger    *slog.Logger

	// mu admits one command or session at a time.
	mu sync.Mutex

	stateMu   sync.Mutex
	state     State
	createdAt time.Time
	lastUsed  time.Time
}

// NewProcess creates a process sandbox. When no root is given the
// sandbox owns a temp directory and removes it on Close.
func NewProcess(id string, opts ProcessOptions, logger *slog.Logger) (*ProcessSandbox, error) {
	if id == "" {
		return nil, fmt.Errorf("sandbox id must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	root := opts.Root
	ownsRoot := false
	if root == "" {
		dir, err := os.MkdirTemp("", "harbox-"+id+"-*")
		if err != nil {
			return nil, fmt.Errorf("creating sandbox root: %w", err)
		}
		root = dir
		ownsRoot = true
	}

	local, err := backend.NewLocal(root)
	if err != nil {
		if ownsRoot {
			os.RemoveAll(root)
		}
		return nil, fmt.Errorf("opening sandbox root %s: %w", root, err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limits := opts.Limits
	if limits.MaxCPUSeconds == 0 {
		limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if limits.MaxMemoryMB == 0 {
		limits.MaxMemoryMB = defaultMemoryMB
	}

	now := time.Now()
	return &ProcessSandbox{
		Local:     local,
		id:        id,
		root:      root,
		ownsRoot:  ownsRoot,
		timeout:   timeout,
		limits:    limits,
		env:       opts.Env,
		collector: rpc.NewCollector(local, logger),
		logger:    logger.With(slog.String("sandbox", id)),
		state:     StateCreated,
		createdAt: now,
		lastUsed:  now,
	}, nil
}

// Execute runs command text under /bin/sh with resource enforcement.
//
// The command is wrapped: sh -c 'ulimit -v KB 2>/dev/null; ulimit -t
// SEC 2>/dev/null; sh -c "$1"' so limits apply without interpolating
// the user's text into the wrapper string.
func (s *ProcessSandbox) Execute(ctx context.Context, command string, opts *ExecuteOptions) (*ExecuteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Info().State == StateClosed {
		return nil, fmt.Errorf("sandbox %s is closed", s.id)
	}
	s.setState(StateRunning)
	defer s.setState(StateCreated)
	defer s.touch()

	timeout := s.timeout
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	memKB := s.limits.MaxMemoryMB * 1024
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec /bin/sh -c \"$1\"",
		memKB, s.limits.MaxCPUSeconds,
	)
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", shellScript, "_", command)
	cmd.Dir = s.root
	cmd.Env = s.buildEnv()

	// Process group isolation; kill the entire group on cancel so
	// children spawned by the command die too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var buf bytes.Buffer
	out := &limitedWriter{w: &buf, remaining: maxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	s.logger.Info("executing command",
		slog.String("dir", s.root),
		slog.Int("memory_limit_mb", s.limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", s.limits.MaxCPUSeconds),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	resp := &ExecuteResponse{
		Output:    buf.String(),
		ExitCode:  0,
		Truncated: out.truncated,
	}
	if runErr != nil {
		if ctx.Err() != nil {
			s.logger.Warn("command timed out",
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			resp.ExitCode = exitTimeout
			resp.Truncated = false
			resp.SpawnRequests = s.collector.Collect(context.WithoutCancel(ctx))
			return resp, fmt.Errorf("execution timed out after %s: %w", timeout, ctx.Err())
		}

		// Non-zero exit is a result, not an error.
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			resp.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}

	resp.SpawnRequests = s.collector.Collect(ctx)
	s.logger.Info("command completed",
		slog.Int("exit_code", resp.ExitCode),
		slog.Duration("duration", duration),
		slog.Int("output_bytes", buf.Len()),
	)
	return resp, nil
}

// Shell opens a pseudo-terminal running /bin/sh in the sandbox root.
func (s *ProcessSandbox) Shell(_ context.Context, opts *ShellOptions) (Session, error) {
	s.mu.Lock()
	if s.Info().State == StateClosed {
		s.mu.Unlock()
		return nil, fmt.Errorf("sandbox %s is closed", s.id)
	}
	s.setState(StateRunning)

	env := s.buildEnv()
	if opts != nil {
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
	}
	sess, err := newPtySession("/bin/sh", []string{"-i"}, s.root, env, func() {
		s.touch()
		s.setState(StateCreated)
		s.mu.Unlock()
	})
	if err != nil {
		s.setState(StateCreated)
		s.mu.Unlock()
		return nil, err
	}
	return sess, nil
}

// UploadFiles writes each entry independently.
func (s *ProcessSandbox) UploadFiles(ctx context.Context, entries []FileEntry) []FileResult {
	results := make([]FileResult, 0, len(entries))
	for _, e := range entries {
		_, err := s.Write(ctx, e.Path, e.Content)
		results = append(results, FileResult{Path: e.Path, Err: err})
	}
	s.touch()
	return results
}

// DownloadFiles reads each path independently.
func (s *ProcessSandbox) DownloadFiles(ctx context.Context, paths []string) []FileResult {
	results := make([]FileResult, 0, len(paths))
	for _, p := range paths {
		content, err := s.Read(ctx, p, backend.ReadOptions{})
		results = append(results, FileResult{Path: p, Content: content, Err: err})
	}
	s.touch()
	return results
}

// Info reports the sandbox's identity and lifecycle state.
func (s *ProcessSandbox) Info() Info {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return Info{
		ID:        s.id,
		Kind:      KindProcess,
		State:     s.state,
		CreatedAt: s.createdAt,
		LastUsed:  s.lastUsed,
	}
}

// Close marks the sandbox unusable and removes its root when the
// sandbox owns it.
func (s *ProcessSandbox) Close(context.Context) error {
	s.stateMu.Lock()
	s.state = StateClosed
	s.stateMu.Unlock()

	if s.ownsRoot {
		if err := os.RemoveAll(s.root); err != nil {
			s.logger.Warn("failed to remove sandbox root",
				slog.String("dir", s.root),
				slog.String("error", err.Error()),
			)
			return err
		}
	}
	return nil
}

func (s *ProcessSandbox) setState(st State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != StateClosed {
		s.state = st
	}
}

func (s *ProcessSandbox) touch() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.lastUsed = time.Now()
}

// buildEnv constructs a minimal, safe environment. The parent
// process's environment is NEVER inherited — this prevents API keys
// and other secrets from leaking into sandboxed commands.
func (s *ProcessSandbox) buildEnv() []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + s.root,
		"TMPDIR=" + s.root,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range s.env {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded, with the overflow recorded so the
// response can flag truncation.
type limitedWriter struct {
	w         io.Writer
	remaining int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		if len(p) > 0 {
			lw.truncated = true
		}
		return len(p), nil
	}
	if len(p) > lw.remaining {
		lw.truncated = true
		total := len(p)
		n, err := lw.w.Write(p[:lw.remaining])
		lw.remaining -= n
		if err != nil {
			return n, err
		}
		return total, nil
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
