package vm

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/harbox/internal/backend"
)

func newTestRuntime(t *testing.T, b backend.Backend, opts RuntimeOptions) *Runtime {
	t.Helper()
	e := NewEngine(nil)
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	rt, err := e.NewRuntime(BackendCallbacks(b), opts)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	return rt
}

func TestEngineInitIdempotent(t *testing.T) {
	e := NewEngine(nil)
	if e.Initialized() {
		t.Fatal("engine reports initialized before Init")
	}
	for i := 0; i < 3; i++ {
		if err := e.Init(context.Background()); err != nil {
			t.Fatalf("init %d: %v", i, err)
		}
	}
	if !e.Initialized() {
		t.Fatal("engine not initialized after Init")
	}
}

func TestRuntimeRequiresInit(t *testing.T) {
	e := NewEngine(nil)
	_, err := e.NewRuntime(BackendCallbacks(backend.NewMemory()), RuntimeOptions{})
	if !IsKind(err, KindNotInitialized) {
		t.Fatalf("got %v, want engine_not_initialized", err)
	}
}

func TestExecuteOutputAndExitCode(t *testing.T) {
	rt := newTestRuntime(t, backend.NewMemory(), RuntimeOptions{})
	ctx := context.Background()

	res, err := rt.Execute(ctx, "echo hello", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != "hello\n" || res.ExitCode != 0 || res.Truncated {
		t.Errorf("got %+v, want output %q exit 0 untruncated", res, "hello\n")
	}

	res, err = rt.Execute(ctx, "exit 42", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 42 {
		t.Errorf("exit code = %d, want 42", res.ExitCode)
	}

	res, err = rt.Execute(ctx, "definitely-not-a-command", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 127 {
		t.Errorf("unknown command exit code = %d, want 127", res.ExitCode)
	}
}

func TestExecuteAgainstBackend(t *testing.T) {
	mem := backend.NewMemoryFromMap(map[string]string{"/notes/a.txt": "alpha\n"})
	rt := newTestRuntime(t, mem, RuntimeOptions{})
	ctx := context.Background()

	res, err := rt.Execute(ctx, "cat /notes/a.txt >> /notes/b.txt && cat /notes/b.txt", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != "alpha\n" || res.ExitCode != 0 {
		t.Fatalf("got %+v, want output %q exit 0", res, "alpha\n")
	}

	got, err := mem.Read(ctx, "/notes/b.txt", backend.ReadOptions{})
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got != "alpha\n" {
		t.Errorf("backend content = %q, want %q", got, "alpha\n")
	}
}

func TestExecuteTruncationBoundary(t *testing.T) {
	ctx := context.Background()
	// "echo hello" emits exactly 6 bytes.
	const out = "hello\n"

	under := newTestRuntime(t, backend.NewMemory(), RuntimeOptions{MaxOutputBytes: len(out)})
	res, err := under.Execute(ctx, "echo hello", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Truncated || res.Output != out {
		t.Errorf("at ceiling: got %+v, want untruncated %q", res, out)
	}

	over := newTestRuntime(t, backend.NewMemory(), RuntimeOptions{MaxOutputBytes: len(out) - 1})
	res, err = over.Execute(ctx, "echo hello", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Truncated {
		t.Error("one byte over ceiling: truncated = false, want true")
	}
	if res.Output != out[:len(out)-1] {
		t.Errorf("retained prefix = %q, want %q", res.Output, out[:len(out)-1])
	}
}

func TestExecuteTimeoutLeavesRuntimeUsable(t *testing.T) {
	rt := newTestRuntime(t, backend.NewMemory(), RuntimeOptions{})
	ctx := context.Background()

	start := time.Now()
	res, err := rt.Execute(ctx, "sleep 10", 50*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timed-out command took %v to return", elapsed)
	}
	if !IsKind(err, KindTimeout) {
		t.Fatalf("got %v, want execution_timeout", err)
	}
	if res == nil || res.ExitCode == 0 || res.Truncated {
		t.Fatalf("got %+v, want non-zero exit and truncated=false", res)
	}

	res, err = rt.Execute(ctx, "echo back", 0)
	if err != nil {
		t.Fatalf("runtime unusable after timeout: %v", err)
	}
	if res.Output != "back\n" || res.ExitCode != 0 {
		t.Errorf("got %+v, want output %q exit 0", res, "back\n")
	}
}

func TestExecuteSerializesConcurrentCalls(t *testing.T) {
	mem := backend.NewMemory()
	rt := newTestRuntime(t, mem, RuntimeOptions{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := rt.Execute(ctx, "echo tick >> /log.txt", 0)
			if err != nil {
				errs <- err
				return
			}
			if res.ExitCode != 0 {
				errs <- &Error{Kind: KindExecutionFailed}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent execute: %v", err)
	}

	got, err := mem.Read(ctx, "/log.txt", backend.ReadOptions{})
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if n := strings.Count(got, "tick\n"); n != 8 {
		t.Errorf("log has %d entries, want 8:\n%s", n, got)
	}
}
