package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultReapSchedule sweeps once a minute.
const DefaultReapSchedule = "@every 1m"

// Reaper deletes sandboxes that have sat idle past a cutoff. It runs on
// a cron cadence so long-lived daemons do not accumulate abandoned
// instances.
type Reaper struct {
	manager   *Manager
	idleAfter time.Duration
	logger    *slog.Logger
	cron      *cron.Cron
}

// NewReaper creates a reaper. An empty schedule uses
// DefaultReapSchedule; idleAfter must be positive.
func NewReaper(m *Manager, idleAfter time.Duration, schedule string, logger *slog.Logger) (*Reaper, error) {
	if idleAfter <= 0 {
		return nil, fmt.Errorf("idle cutoff must be positive, got %s", idleAfter)
	}
	if schedule == "" {
		schedule = DefaultReapSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Reaper{
		manager:   m,
		idleAfter: idleAfter,
		logger:    logger,
		cron:      cron.New(),
	}
	if _, err := r.cron.AddFunc(schedule, func() { r.sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid reap schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins sweeping in the background.
func (r *Reaper) Start() {
	r.cron.Start()
	r.logger.Info("sandbox reaper started", slog.Duration("idle_after", r.idleAfter))
}

// Stop halts sweeping. A sweep already in flight finishes first.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("sandbox reaper stopped")
}

// sweep deletes every idle, non-running sandbox past the cutoff.
func (r *Reaper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.idleAfter)
	for _, info := range r.manager.List(nil) {
		if info.State == StateRunning || info.LastUsed.After(cutoff) {
			continue
		}
		if err := r.manager.Delete(ctx, info.ID); err != nil {
			r.logger.Warn("failed to reap sandbox",
				slog.String("id", info.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.logger.Info("reaped idle sandbox",
			slog.String("id", info.ID),
			slog.Duration("idle", time.Since(info.LastUsed)),
		)
	}
}
