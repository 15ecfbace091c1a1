package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/jkaninda/harbox/internal/backend"
	"github.com/jkaninda/harbox/internal/rpc"
)

// KindDocker identifies container-backed sandboxes.
const KindDocker = "docker"

const (
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "harbox-runtime:latest"

	// containerWorkDir is where the sandbox root is bind-mounted inside
	// the container; guest paths under / map onto it.
	containerWorkDir = "/work"
)

// DockerOptions configures a container sandbox.
type DockerOptions struct {
	// Root is the host directory bind-mounted as the container's
	// working tree. Empty means a fresh temp directory owned by the
	// sandbox.
	Root string

	Image          string        // Container image.
	Timeout        time.Duration // Wall-clock timeout per execution.
	MemoryMB       int           // --memory hard limit.
	CPUCores       float64       // --cpus rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int           // --pids-limit (prevents fork bombs).
	NetworkAllowed bool          // false = --network=none (no network stack at all).
}

// DockerSandbox executes commands inside ephemeral Docker containers
// sharing one bind-mounted working tree. Its storage protocol addresses
// that tree from the host side.
//
// Container hardening:
//   - Each execution gets its own container (--rm, plus deferred docker rm -f safety net)
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Read-only root filesystem (--read-only); only the work tree and tmpfs are writable
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - No host PID namespace, no docker socket mount, no privileged mode
//   - Network disabled by default (--network=none)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit prevents fork bombs
//   - Output capped to prevent OOM on the host
//   - Container always cleaned up, even on timeout/crash
type DockerSandbox struct {
	*backend.Local

	id        string
	root      string
	ownsRoot  bool
	opts      DockerOptions
	collector *rpc.Collector
	logger    *slog.Logger

	// mu admits one command or session at a time.
	mu sync.Mutex

	stateMu   sync.Mutex
	state     State
	createdAt time.Time
	lastUsed  time.Time
}

// NewDocker creates a container sandbox. When no root is given the
// sandbox owns a temp directory and removes it on Close.
func NewDocker(id string, opts DockerOptions, logger *slog.Logger) (*DockerSandbox, error) {
	if id == "" {
		return nil, fmt.Errorf("sandbox id must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if opts.Image == "" {
		opts.Image = defaultDockerImage
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MemoryMB == 0 {
		opts.MemoryMB = defaultMemoryMB
	}
	if opts.CPUCores <= 0 {
		opts.CPUCores = defaultDockerCPUCores
	}
	if opts.PIDsLimit <= 0 {
		opts.PIDsLimit = defaultDockerPIDsLimit
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

	now := time.Now()
	return &DockerSandbox{
		Local:     local,
		id:        id,
		root:      root,
		ownsRoot:  ownsRoot,
		opts:      opts,
		collector: rpc.NewCollector(local, logger),
		logger:    logger.With(slog.String("sandbox", id)),
		state:     StateCreated,
		createdAt: now,
		lastUsed:  now,
	}, nil
}

// Execute runs command text under /bin/sh inside an ephemeral hardened
// container.
func (s *DockerSandbox) Execute(ctx context.Context, command string, opts *ExecuteOptions) (*ExecuteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Info().State == StateClosed {
		return nil, fmt.Errorf("sandbox %s is closed", s.id)
	}
	s.setState(StateRunning)
	defer s.setState(StateCreated)
	defer s.touch()

	timeout := s.opts.Timeout
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	containerName, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	args := s.buildDockerArgs(containerName, nil)
	args = append(args, "/bin/sh", "-c", command)
	cmd := exec.CommandContext(ctx, "docker", args...)

	// Kill the docker process on context cancellation. Docker will also
	// stop the container since the client disconnects.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var buf bytes.Buffer
	out := &limitedWriter{w: &buf, remaining: maxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	s.logger.Info("container executing",
		slog.String("container", containerName),
		slog.String("image", s.opts.Image),
		slog.Int("memory_mb", s.opts.MemoryMB),
		slog.Float64("cpu_cores", s.opts.CPUCores),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// Safety net: force remove the container in case --rm didn't fire
	// (e.g. OOM kill, daemon restart, context cancel race).
	s.forceRemoveContainer(containerName)

	resp := &ExecuteResponse{
		Output:    buf.String(),
		Truncated: out.truncated,
	}
	if runErr != nil {
		if ctx.Err() != nil {
			s.logger.Warn("container timed out",
				slog.String("container", containerName),
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			resp.ExitCode = exitTimeout
			resp.Truncated = false
			resp.SpawnRequests = s.collector.Collect(context.WithoutCancel(ctx))
			return resp, fmt.Errorf("execution timed out after %s: %w", timeout, ctx.Err())
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			resp.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("docker execution failed: %w", runErr)
		}
	}

	resp.SpawnRequests = s.collector.Collect(ctx)
	s.logger.Info("container completed",
		slog.String("container", containerName),
		slog.Int("exit_code", resp.ExitCode),
		slog.Duration("duration", duration),
		slog.Int("output_bytes", buf.Len()),
	)
	return resp, nil
}

// Shell opens an interactive /bin/sh inside a long-lived container on a
// pseudo-terminal.
func (s *DockerSandbox) Shell(_ context.Context, opts *ShellOptions) (Session, error) {
	s.mu.Lock()
	if s.Info().State == StateClosed {
		s.mu.Unlock()
		return nil, fmt.Errorf("sandbox %s is closed", s.id)
	}
	s.setState(StateRunning)

	containerName, err := generateContainerName()
	if err != nil {
		s.setState(StateCreated)
		s.mu.Unlock()
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	var extraEnv map[string]string
	if opts != nil {
		extraEnv = opts.Env
	}
	// docker run -i ... <image> /bin/sh -i
	args := s.buildDockerArgs(containerName, extraEnv)
	args = append([]string{args[0], "-i"}, args[1:]...)
	args = append(args, "/bin/sh", "-i")

	sess, err := newPtySession("docker", args, s.root, os.Environ(), func() {
		s.forceRemoveContainer(containerName)
		s.touch()
		s.setState(StateCreated)
		s.mu.Unlock()
	})
	if err != nil {
		s.forceRemoveContainer(containerName)
		s.setState(StateCreated)
		s.mu.Unlock()
		return nil, err
	}
	return sess, nil
}

// UploadFiles writes each entry independently.
func (s *DockerSandbox) UploadFiles(ctx context.Context, entries []FileEntry) []FileResult {
	results := make([]FileResult, 0, len(entries))
	for _, e := range entries {
		_, err := s.Write(ctx, e.Path, e.Content)
		results = append(results, FileResult{Path: e.Path, Err: err})
	}
	s.touch()
	return results
}

// DownloadFiles reads each path independently.
func (s *DockerSandbox) DownloadFiles(ctx context.Context, paths []string) []FileResult {
	results := make([]FileResult, 0, len(paths))
	for _, p := range paths {
		content, err := s.Read(ctx, p, backend.ReadOptions{})
		results = append(results, FileResult{Path: p, Content: content, Err: err})
	}
	s.touch()
	return results
}

// Info reports the sandbox's identity and lifecycle state.
func (s *DockerSandbox) Info() Info {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return Info{
		ID:        s.id,
		Kind:      KindDocker,
		State:     s.state,
		CreatedAt: s.createdAt,
		LastUsed:  s.lastUsed,
	}
}

// Close marks the sandbox unusable and removes its root when the
// sandbox owns it.
func (s *DockerSandbox) Close(context.Context) error {
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

func (s *DockerSandbox) setState(st State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != StateClosed {
		s.state = st
	}
}

func (s *DockerSandbox) touch() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.lastUsed = time.Now()
}

// buildDockerArgs constructs the docker run argument list with all
// hardening flags. The command itself is NOT included — caller appends it.
func (s *DockerSandbox) buildDockerArgs(name string, extraEnv map[string]string) []string {
	memoryFlag := strconv.Itoa(s.opts.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(s.opts.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(s.opts.PIDsLimit)

	args := []string{
		"run", "--rm",
		"--name", name,

		// --- Security hardening ---
		"--cap-drop=ALL",                   // Drop all 38+ Linux capabilities.
		"--security-opt=no-new-privileges", // Block setuid/setgid escalation.
		"--read-only",                      // Read-only root filesystem.

		// --- Resource limits ---
		"--memory=" + memoryFlag,      // Hard memory limit.
		"--memory-swap=" + memoryFlag, // Same as memory = disable swap (OOM kill).
		"--cpus=" + cpuFlag,           // CPU rate limit.
		"--pids-limit=" + pidsFlag,    // Fork bomb protection.

		// --- The shared working tree ---
		"--volume", s.root + ":" + containerWorkDir + ":rw",
		"--workdir", containerWorkDir,

		// --- Writable tmpfs for scratch space ---
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=" + containerWorkDir,
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
	}

	// Network policy: disabled by default (no network stack at all).
	if s.opts.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	// Extra environment variables from the caller.
	for k, v := range extraEnv {
		args = append(args, "--env", k+"="+v)
	}

	// Image (must come after all flags, before command).
	args = append(args, s.opts.Image)

	return args
}

// forceRemoveContainer attempts to remove a container by name.
// This is a safety net — if --rm didn't fire due to OOM kill, daemon
// restart, or context cancel race, this ensures no container leakage.
// Errors are logged but not returned (best-effort cleanup).
func (s *DockerSandbox) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" is expected when --rm already cleaned up.
		if !bytes.Contains(out, []byte("No such container")) {
			s.logger.Warn("docker rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
	}
}

// generateContainerName returns a unique container name: harbox-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "harbox-sbx-" + hex.EncodeToString(b), nil
}
