package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Factory builds a sandbox for an id. The manager calls it at most once
// per id while the instance lives.
type Factory func(ctx context.Context, id string) (Sandbox, error)

// Store persists sandbox records across restarts. Implementations live
// in the registry package; a nil store disables persistence.
type Store interface {
	SaveSandbox(ctx context.Context, info Info) error
	DeleteSandbox(ctx context.Context, id string) error
	ListSandboxes(ctx context.Context) ([]Info, error)
}

// Manager owns the sandbox lifecycle: create, get-or-create, list,
// delete. Creation is serialized per id so concurrent GetOrCreate calls
// for the same id always resolve to one instance.
type Manager struct {
	factory Factory
	store   Store
	metrics *Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	instances map[string]Sandbox
	creating  map[string]*creation
}

// creation tracks one in-flight factory call. Waiters block on done and
// read the outcome afterwards.
type creation struct {
	done chan struct{}
	sb   Sandbox
	err  error
}

// NewManager creates a manager. Store and metrics are optional.
func NewManager(factory Factory, store Store, metrics *Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory:   factory,
		store:     store,
		metrics:   metrics,
		logger:    logger,
		instances: make(map[string]Sandbox),
		creating:  make(map[string]*creation),
	}
}

// Create builds a new sandbox for id. It fails if the id already
// exists, including when a concurrent creation for the same id wins.
func (m *Manager) Create(ctx context.Context, id string) (Sandbox, error) {
	sb, created, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, fmt.Errorf("sandbox %s already exists", id)
	}
	return sb, nil
}

// GetOrCreate returns the sandbox for id, building it on first use.
// Safe for concurrent calls with the same id: exactly one instance is
// created and every caller receives it.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (Sandbox, error) {
	sb, _, err := m.resolve(ctx, id)
	return sb, err
}

// resolve returns the instance for id, creating it if needed. The
// second result reports whether this call performed the creation.
func (m *Manager) resolve(ctx context.Context, id string) (Sandbox, bool, error) {
	if id == "" {
		return nil, false, fmt.Errorf("sandbox id must not be empty")
	}

	m.mu.Lock()
	if sb, ok := m.instances[id]; ok {
		m.mu.Unlock()
		return sb, false, nil
	}
	if c, ok := m.creating[id]; ok {
		// Another caller is creating this id; wait for its outcome.
		m.mu.Unlock()
		select {
		case <-c.done:
			return c.sb, false, c.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	c := &creation{done: make(chan struct{})}
	m.creating[id] = c
	m.mu.Unlock()

	sb, err := m.factory(ctx, id)

	m.mu.Lock()
	delete(m.creating, id)
	if err == nil {
		m.instances[id] = sb
	}
	m.mu.Unlock()

	c.sb, c.err = sb, err
	close(c.done)

	if err != nil {
		return nil, false, fmt.Errorf("creating sandbox %s: %w", id, err)
	}

	if m.metrics != nil {
		m.metrics.Created.Inc()
		m.metrics.Active.Inc()
	}
	if m.store != nil {
		if saveErr := m.store.SaveSandbox(ctx, sb.Info()); saveErr != nil {
			m.logger.Warn("failed to persist sandbox record",
				slog.String("id", id),
				slog.String("error", saveErr.Error()),
			)
		}
	}
	m.logger.Info("sandbox created", slog.String("id", id), slog.String("kind", sb.Info().Kind))
	return sb, true, nil
}

// Get returns the live instance for id, if any.
func (m *Manager) Get(id string) (Sandbox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.instances[id]
	return sb, ok
}

// List describes all live sandboxes, filtered when filter is non-nil,
// sorted by id.
func (m *Manager) List(filter func(Info) bool) []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]Info, 0, len(m.instances))
	for _, sb := range m.instances {
		info := sb.Info()
		if filter == nil || filter(info) {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Delete closes and forgets the sandbox for id. Deleting an unknown id
// is a no-op so retries stay safe.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	sb, ok := m.instances[id]
	delete(m.instances, id)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteSandbox(ctx, id); err != nil {
			m.logger.Warn("failed to delete sandbox record",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	if !ok {
		return nil
	}

	if m.metrics != nil {
		m.metrics.Deleted.Inc()
		m.metrics.Active.Dec()
	}
	if err := sb.Close(ctx); err != nil {
		return fmt.Errorf("closing sandbox %s: %w", id, err)
	}
	m.logger.Info("sandbox deleted", slog.String("id", id))
	return nil
}

// Execute runs a command on the sandbox for id, creating it on demand,
// and records execution metrics.
func (m *Manager) Execute(ctx context.Context, id, command string, opts *ExecuteOptions) (*ExecuteResponse, error) {
	sb, err := m.GetOrCreate(ctx, id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := sb.Execute(ctx, command, opts)
	if m.metrics != nil {
		m.metrics.Commands.Inc()
		m.metrics.CommandDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			m.metrics.CommandFailures.Inc()
		}
	}
	return resp, err
}

// Shutdown closes every live sandbox. The first error is returned after
// all sandboxes have been attempted.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	instances := make(map[string]Sandbox, len(m.instances))
	for id, sb := range m.instances {
		instances[id] = sb
	}
	m.instances = make(map[string]Sandbox)
	m.mu.Unlock()

	var firstErr error
	for id, sb := range instances {
		if err := sb.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing sandbox %s: %w", id, err)
		}
		if m.metrics != nil {
			m.metrics.Active.Dec()
		}
	}
	return firstErr
}
