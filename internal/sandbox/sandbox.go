// Package sandbox provides addressable execution contexts that combine
// a storage backend (or mount set) with command execution. All guest
// commands run through a sandbox — never directly against the host.
package sandbox

import (
	"context"
	"io"
	"time"

	"github.com/jkaninda/harbox/internal/backend"
	"github.com/jkaninda/harbox/internal/rpc"
)

// State tracks where a sandbox is in its lifecycle.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateClosed  State = "closed"
)

// DefaultTimeout bounds a single command when the caller sets none.
const DefaultTimeout = 30 * time.Second

// Sandbox executes commands against an isolated filesystem view. Every
// sandbox is also a storage backend: file operations address the same
// tree the guest sees.
type Sandbox interface {
	backend.Backend

	// Execute runs command text to completion. A non-zero exit code or
	// truncation is a normal response value, not an error; a timeout
	// returns the partial response together with the timeout error.
	Execute(ctx context.Context, command string, opts *ExecuteOptions) (*ExecuteResponse, error)

	// Shell opens an interactive session. At most one command or
	// session is active per sandbox at a time.
	Shell(ctx context.Context, opts *ShellOptions) (Session, error)

	// UploadFiles writes a batch of files. Failure is per entry, never
	// all-or-nothing.
	UploadFiles(ctx context.Context, entries []FileEntry) []FileResult

	// DownloadFiles reads a batch of files. Failure is per entry.
	DownloadFiles(ctx context.Context, paths []string) []FileResult

	// Info describes the sandbox without touching its state.
	Info() Info

	// Close releases the sandbox. Further commands fail.
	Close(ctx context.Context) error
}

// ExecuteOptions tunes one Execute call.
type ExecuteOptions struct {
	// Timeout bounds the command. Zero means the sandbox default.
	Timeout time.Duration
}

// ExecuteResponse is the outcome of one command.
type ExecuteResponse struct {
	// Output is the combined stdout and stderr text, possibly capped.
	Output string `json:"output"`
	// ExitCode is the command's exit status.
	ExitCode int `json:"exit_code"`
	// Truncated reports whether Output hit the byte ceiling.
	Truncated bool `json:"truncated"`
	// SpawnRequests are host-action requests the guest filed during
	// this command, each delivered exactly once.
	SpawnRequests []rpc.SpawnRequest `json:"spawn_requests,omitempty"`
}

// ShellOptions tunes an interactive session.
type ShellOptions struct {
	// Env adds environment variables where the session type supports
	// them.
	Env map[string]string
}

// Session is an interactive shell attached to a sandbox.
type Session interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader

	// WriteLine writes one input line, appending the newline terminator.
	WriteLine(line string) error

	// Wait blocks until the session ends and returns its exit code.
	Wait() (int, error)

	// Kill forcibly terminates the session.
	Kill() error
}

// FileEntry is one file in a bulk upload.
type FileEntry struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileResult reports the outcome of one entry in a bulk operation.
type FileResult struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"` // downloads only
	Err     error  `json:"-"`
}

// Info describes a sandbox instance.
type Info struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
}
