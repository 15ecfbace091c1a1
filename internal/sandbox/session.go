package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/aymanbagabas/go-pty"

	"github.com/jkaninda/harbox/internal/vm"
)

// guestSession drives a VM runtime one line at a time. Each input line
// runs as a guest command; its combined output streams to Stdout. The
// session ends when the caller sends `exit`, closes stdin, or kills it.
type guestSession struct {
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader

	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	exit int
	err  error
}

func newGuestSession(ctx context.Context, rt *vm.Runtime, timeout time.Duration, release func()) *guestSession {
	ctx, cancel := context.WithCancel(ctx)
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	s := &guestSession{
		stdinW:  stdinW,
		stdoutR: stdoutR,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer func() {
			stdoutW.Close()
			stdinR.Close()
			release()
			close(s.done)
		}()

		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			res, err := rt.Execute(ctx, line, timeout)
			if res != nil {
				io.WriteString(stdoutW, res.Output)
				s.setExit(res.ExitCode)
			}
			if err != nil {
				if vm.IsKind(err, vm.KindTimeout) {
					fmt.Fprintf(stdoutW, "command timed out\n")
					continue
				}
				s.setErr(err)
				return
			}
			if isExitCommand(line) {
				return
			}
		}
	}()
	return s
}

// isExitCommand reports whether a bare `exit` line should end the
// session rather than just set a status.
func isExitCommand(line string) bool {
	fields := strings.Fields(line)
	return len(fields) >= 1 && fields[0] == "exit"
}

func (s *guestSession) Stdin() io.Writer  { return s.stdinW }
func (s *guestSession) Stdout() io.Reader { return s.stdoutR }

// Stderr is always empty: the guest produces one combined stream.
func (s *guestSession) Stderr() io.Reader { return strings.NewReader("") }

func (s *guestSession) WriteLine(line string) error {
	_, err := fmt.Fprintln(s.stdinW, line)
	return err
}

func (s *guestSession) Wait() (int, error) {
	s.stdinW.Close()
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exit, s.err
}

func (s *guestSession) Kill() error {
	s.cancel()
	s.stdinW.Close()
	<-s.done
	return nil
}

func (s *guestSession) setExit(code int) {
	s.mu.Lock()
	s.exit = code
	s.mu.Unlock()
}

func (s *guestSession) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// ptySession is an interactive host shell on a pseudo-terminal. The
// terminal merges stdout and stderr into one stream.
type ptySession struct {
	tty pty.Pty
	cmd *pty.Cmd

	done chan struct{}
	exit int
	err  error

	killOnce sync.Once
	release  func()
}

func newPtySession(shell string, args []string, dir string, env []string, release func()) (*ptySession, error) {
	tty, err := pty.New()
	if err != nil {
		return nil, fmt.Errorf("creating pty: %w", err)
	}

	cmd := tty.Command(shell, args...)
	cmd.Dir = dir
	cmd.Env = env
	if err := cmd.Start(); err != nil {
		tty.Close()
		return nil, fmt.Errorf("starting shell: %w", err)
	}

	s := &ptySession{
		tty:     tty,
		cmd:     cmd,
		done:    make(chan struct{}),
		release: release,
	}
	go func() {
		defer func() {
			tty.Close()
			s.release()
			close(s.done)
		}()
		waitErr := cmd.Wait()
		if waitErr == nil {
			return
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			s.exit = exitErr.ExitCode()
			return
		}
		s.exit = -1
		s.err = waitErr
	}()
	return s, nil
}

func (s *ptySession) Stdin() io.Writer  { return s.tty }
func (s *ptySession) Stdout() io.Reader { return s.tty }

// Stderr is always empty: the pseudo-terminal merges both streams.
func (s *ptySession) Stderr() io.Reader { return strings.NewReader("") }

func (s *ptySession) WriteLine(line string) error {
	_, err := fmt.Fprintln(s.tty, line)
	return err
}

func (s *ptySession) Wait() (int, error) {
	<-s.done
	return s.exit, s.err
}

func (s *ptySession) Kill() error {
	var err error
	s.killOnce.Do(func() {
		if s.cmd.Process != nil {
			err = s.cmd.Process.Kill()
		}
	})
	return err
}
