// Package guest implements the command interpreter that runs inside the
// virtual-machine bridge. It is the guest side of the sandbox: a small
// POSIX-style shell whose every filesystem touch goes through the
// FSCallbacks handed to it — it has no access to the host filesystem,
// the network, or host processes.
//
// Supported syntax: words with single/double quoting and backslash
// escapes, `;` and newline sequencing, `&&` / `||` conditionals,
// pipelines with `|`, and `>`, `>>`, `<` redirections. There is no
// parameter expansion, globbing, or job control. Commands resolve
// against a fixed builtin table; anything else exits 127.
package guest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// Exit statuses with shell-conventional meanings.
const (
	exitOK       = 0
	exitFailure  = 1
	exitUsage    = 2
	exitNotFound = 127
)

// Interpreter evaluates command text against an FSCallbacks set. The
// builtin table is fixed at construction; an Interpreter is stateless
// across Run calls and safe for concurrent use on distinct runs.
type Interpreter struct {
	builtins map[string]builtin
}

// NewInterpreter builds an interpreter with the full builtin table.
func NewInterpreter() *Interpreter {
	in := &Interpreter{builtins: make(map[string]builtin)}
	registerBuiltins(in.builtins)
	return in
}

// Commands returns the sorted names of all available builtins.
func (in *Interpreter) Commands() []string {
	names := make([]string, 0, len(in.builtins))
	for name := range in.builtins {
		names = append(names, name)
	}
	return names
}

// Run evaluates command text, writing combined output to out. It
// returns the exit status of the last executed pipeline. Syntax errors
// report on out and exit 2. Context cancellation aborts evaluation
// between (and inside long-running) commands and is returned as an
// error; no further state is touched afterwards, which is what makes a
// timed-out runtime reusable.
func (in *Interpreter) Run(ctx context.Context, fs FSCallbacks, commandText string, out io.Writer) (int, error) {
	tokens, err := lex(commandText)
	if err != nil {
		fmt.Fprintf(out, "sh: %v\n", err)
		return exitUsage, nil
	}
	s, err := parse(tokens)
	if err != nil {
		fmt.Fprintf(out, "sh: %v\n", err)
		return exitUsage, nil
	}

	run := &runState{interp: in, fs: fs, cwd: "/", out: out}
	status := exitOK
	for _, list := range s.lists {
		if err := ctx.Err(); err != nil {
			return status, err
		}
		status, err = run.evalAndOr(ctx, list)
		if err != nil {
			var ex exitSignal
			if errors.As(err, &ex) {
				return ex.code, nil
			}
			return status, err
		}
	}
	return status, nil
}

// runState carries script-scoped state: the working directory survives
// across commands within one Run but never across Runs.
type runState struct {
	interp *Interpreter
	fs     FSCallbacks
	cwd    string
	out    io.Writer
}

// exitSignal unwinds the evaluator when the `exit` builtin runs.
type exitSignal struct {
	code int
}

func (e exitSignal) Error() string { return fmt.Sprintf("exit %d", e.code) }

func (r *runState) evalAndOr(ctx context.Context, list andOr) (int, error) {
	status, err := r.evalPipeline(ctx, list.pipes[0])
	if err != nil {
		return status, err
	}
	for i, op := range list.ops {
		if op == "&&" && status != 0 {
			continue
		}
		if op == "||" && status == 0 {
			continue
		}
		status, err = r.evalPipeline(ctx, list.pipes[i+1])
		if err != nil {
			return status, err
		}
	}
	return status, nil
}

// evalPipeline runs a pipeline left to right. Stages execute
// sequentially with each stage's output buffered as the next stage's
// input; the pipeline status is the last stage's status.
func (r *runState) evalPipeline(ctx context.Context, pipe pipeline) (int, error) {
	var stdin io.Reader = strings.NewReader("")
	status := exitOK
	for i, cmd := range pipe.cmds {
		if err := ctx.Err(); err != nil {
			return status, err
		}
		last := i == len(pipe.cmds)-1
		var stageOut bytes.Buffer
		var err error
		status, err = r.runCommand(ctx, cmd, stdin, &stageOut, last)
		if err != nil {
			return status, err
		}
		stdin = bytes.NewReader(stageOut.Bytes())
		if last {
			if _, werr := io.Copy(r.out, bytes.NewReader(stageOut.Bytes())); werr != nil {
				return status, werr
			}
		}
	}
	return status, nil
}

// runCommand executes one command with its redirections applied. When
// the command is the last pipeline stage, stageOut holds what should
// reach the caller; otherwise it feeds the next stage.
func (r *runState) runCommand(ctx context.Context, cmd command, stdin io.Reader, stageOut *bytes.Buffer, _ bool) (int, error) {
	// Input redirection replaces pipeline stdin.
	for _, rd := range cmd.redirs {
		if rd.op == "<" {
			content, err := r.fs.ReadFile(ctx, r.resolve(rd.target))
			if err != nil {
				fmt.Fprintf(stageOut, "sh: %s: no such file or directory\n", rd.target)
				return exitFailure, nil
			}
			stdin = strings.NewReader(content)
		}
	}

	outRedir := outputRedir(cmd.redirs)
	var cmdOut io.Writer = stageOut
	var capture bytes.Buffer
	if outRedir != nil {
		cmdOut = &capture
	}

	status, err := r.dispatch(ctx, cmd.args, stdin, cmdOut)
	if err != nil {
		return status, err
	}

	if outRedir != nil {
		target := r.resolve(outRedir.target)
		content := capture.String()
		if outRedir.op == ">>" {
			if existing, rerr := r.fs.ReadFile(ctx, target); rerr == nil {
				content = existing + content
			}
		}
		if werr := r.fs.WriteFile(ctx, target, content); werr != nil {
			fmt.Fprintf(stageOut, "sh: %s: %v\n", outRedir.target, redirErrText(werr))
			return exitFailure, nil
		}
	}
	return status, nil
}

func (r *runState) dispatch(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) (int, error) {
	if len(args) == 0 {
		return exitOK, nil
	}
	b, ok := r.interp.builtins[args[0]]
	if !ok {
		fmt.Fprintf(stdout, "sh: %s: command not found\n", args[0])
		return exitNotFound, nil
	}
	p := &proc{
		ctx:    ctx,
		run:    r,
		stdin:  stdin,
		stdout: stdout,
	}
	return b(p, args[1:])
}

// resolve turns a guest path into an absolute one against the working
// directory.
func (r *runState) resolve(p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	return path.Join(r.cwd, p)
}

// outputRedir returns the last output redirection; later redirections
// win, as in a real shell.
func outputRedir(redirs []redir) *redir {
	for i := len(redirs) - 1; i >= 0; i-- {
		if redirs[i].op == ">" || redirs[i].op == ">>" {
			return &redirs[i]
		}
	}
	return nil
}

// redirErrText keeps redirect failures terse and shell-like.
func redirErrText(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "read_only") {
		return "read-only file system"
	}
	return msg
}

// proc is the per-command execution context handed to builtins.
type proc struct {
	ctx    context.Context
	run    *runState
	stdin  io.Reader
	stdout io.Writer
}

// fs gives builtins the callback set.
func (p *proc) fs() FSCallbacks { return p.run.fs }

// errf prints a builtin error message and returns the given status.
func (p *proc) errf(status int, format string, args ...any) int {
	fmt.Fprintf(p.stdout, format+"\n", args...)
	return status
}

type builtin func(p *proc, args []string) (int, error)
