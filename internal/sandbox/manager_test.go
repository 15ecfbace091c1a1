package sandbox

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]Info
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]Info)}
}

func (s *memStore) SaveSandbox(_ context.Context, info Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[info.ID] = info
	return nil
}

func (s *memStore) DeleteSandbox(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *memStore) ListSandboxes(context.Context) ([]Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]Info, 0, len(s.records))
	for _, info := range s.records {
		infos = append(infos, info)
	}
	return infos, nil
}

func vmFactory(calls *atomic.Int64) Factory {
	return func(_ context.Context, id string) (Sandbox, error) {
		if calls != nil {
			calls.Add(1)
		}
		return NewVM(id, VMOptions{}, nil, nil)
	}
}

func TestManagerGetOrCreateConcurrentSameID(t *testing.T) {
	var calls atomic.Int64
	m := NewManager(vmFactory(&calls), nil, nil, nil)
	ctx := context.Background()

	const workers = 16
	results := make([]Sandbox, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sb, err := m.GetOrCreate(ctx, "x")
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			results[i] = sb
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("factory called %d times, want 1", got)
	}
	for i := 1; i < workers; i++ {
		if results[i] != results[0] {
			t.Fatalf("worker %d got a different instance", i)
		}
	}
	if infos := m.List(nil); len(infos) != 1 || infos[0].ID != "x" {
		t.Errorf("list = %+v, want exactly sandbox x", infos)
	}
}

func TestManagerCreateDuplicateFails(t *testing.T) {
	m := NewManager(vmFactory(nil), nil, nil, nil)
	ctx := context.Background()

	if _, err := m.Create(ctx, "dup"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := m.Create(ctx, "dup"); err == nil {
		t.Error("second create succeeded, want already-exists error")
	}
	// GetOrCreate still resolves to the existing one.
	if _, err := m.GetOrCreate(ctx, "dup"); err != nil {
		t.Errorf("get-or-create after create: %v", err)
	}
}

func TestManagerDeletePersistsAndCloses(t *testing.T) {
	store := newMemStore()
	reg := prometheus.NewRegistry()
	m := NewManager(vmFactory(nil), store, NewMetrics(reg), nil)
	ctx := context.Background()

	sb, err := m.Create(ctx, "a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok := store.records["a"]; !ok {
		t.Error("create did not persist a record")
	}

	if err := m.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := store.records["a"]; ok {
		t.Error("delete left the persisted record behind")
	}
	if got := sb.Info().State; got != StateClosed {
		t.Errorf("deleted sandbox state = %s, want closed", got)
	}
	if _, ok := m.Get("a"); ok {
		t.Error("deleted sandbox still listed")
	}

	// Unknown ids are a no-op so retries stay safe.
	if err := m.Delete(ctx, "a"); err != nil {
		t.Errorf("repeat delete: %v", err)
	}
}

func TestManagerExecuteCreatesOnDemand(t *testing.T) {
	m := NewManager(vmFactory(nil), nil, NewMetrics(prometheus.NewRegistry()), nil)
	resp, err := m.Execute(context.Background(), "fresh", "echo hi", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Output != "hi\n" || resp.ExitCode != 0 {
		t.Errorf("got %+v, want output %q exit 0", resp, "hi\n")
	}
	if _, ok := m.Get("fresh"); !ok {
		t.Error("execute did not retain the sandbox")
	}
}

func TestReaperSweepsIdleSandboxes(t *testing.T) {
	m := NewManager(vmFactory(nil), nil, nil, nil)
	ctx := context.Background()

	old, err := m.Create(ctx, "old")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Age the instance past the cutoff.
	vm := old.(*VMSandbox)
	vm.stateMu.Lock()
	vm.lastUsed = time.Now().Add(-time.Hour)
	vm.stateMu.Unlock()

	if _, err := m.Create(ctx, "fresh"); err != nil {
		t.Fatalf("create: %v", err)
	}

	r, err := NewReaper(m, 10*time.Minute, "", nil)
	if err != nil {
		t.Fatalf("new reaper: %v", err)
	}
	r.sweep(ctx)

	if _, ok := m.Get("old"); ok {
		t.Error("idle sandbox survived the sweep")
	}
	if _, ok := m.Get("fresh"); !ok {
		t.Error("fresh sandbox was reaped")
	}
}
