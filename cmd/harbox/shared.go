package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/harbox/internal/backend"
	"github.com/jkaninda/harbox/internal/config"
	"github.com/jkaninda/harbox/internal/packages"
	"github.com/jkaninda/harbox/internal/registry"
	"github.com/jkaninda/harbox/internal/sandbox"
	"github.com/jkaninda/harbox/internal/vm"
	"github.com/jkaninda/harbox/internal/workspace"
)

var (
	configPath string
	verbose    bool
)

// App holds the initialized subsystems every command needs. Built once
// by initApp, torn down by Cleanup.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Workspace   *workspace.Workspace
	Registry    *registry.Registry
	Manager     *sandbox.Manager
	Provisioner *packages.Provisioner
	Reaper      *sandbox.Reaper // nil = disabled.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (a *App) Cleanup() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}

func (a *App) addCleanup(fn func()) {
	a.cleanups = append(a.cleanups, fn)
}

// initApp performs all common initialization. Callers must call
// Cleanup when done.
func initApp() (*App, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, Logger: logger}

	// Workspace.
	var ws *workspace.Workspace
	if cfg.Workspace != "" {
		ws, err = workspace.New(cfg.Workspace)
	} else {
		ws, err = workspace.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("preparing workspace: %w", err)
	}
	app.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Registry.
	regCfg := registry.Config{Path: ws.RegistryPath()}
	if cfg.Registry != nil {
		regCfg.Driver = cfg.Registry.Driver
		regCfg.DSN = cfg.Registry.DSN
		if cfg.Registry.Path != "" {
			regCfg.Path = cfg.Registry.Path
		}
	}
	reg, err := registry.Open(regCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening sandbox registry: %w", err)
	}
	app.Registry = reg
	app.addCleanup(func() { _ = reg.Close() })

	// Package provisioner.
	prov, err := packages.New(packages.Options{
		RegistryURL:    cfg.Packages.RegistryURL,
		CustomPackages: cfg.Sandbox.CustomPackages,
		LocalPackages:  cfg.Sandbox.LocalPackages,
		CacheSize:      cfg.Packages.CacheSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing package provisioner: %w", err)
	}
	app.Provisioner = prov

	// Metrics.
	var metrics *sandbox.Metrics
	if cfg.Metrics.Enabled {
		metrics = sandbox.NewMetrics(prometheus.NewRegistry())
	}

	// Manager with a provider factory per the configured kind. The VM
	// engine is shared across sandboxes and initialized on first use.
	engine := vm.NewEngine(logger)
	app.Manager = sandbox.NewManager(app.sandboxFactory(engine), reg, metrics, logger)
	app.addCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = app.Manager.Shutdown(ctx)
	})

	// Reaper.
	if cfg.Reaper != nil {
		reaper, err := sandbox.NewReaper(app.Manager, cfg.Reaper.IdleAfter(), cfg.Reaper.Schedule, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing sandbox reaper: %w", err)
		}
		app.Reaper = reaper
		reaper.Start()
		app.addCleanup(reaper.Stop)
	}

	return app, nil
}

// loadConfig reads the configured file, falling back to the workspace
// config when present, else built-in defaults.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("HARBOX_CONFIG", configPath)
	if path != "" {
		return config.Load(path)
	}

	ws, err := workspace.Default()
	if err == nil {
		if _, statErr := os.Stat(ws.ConfigPath()); statErr == nil {
			return config.Load(ws.ConfigPath())
		}
	}
	return config.Default(), nil
}

// sandboxFactory builds sandboxes per the configured kind, mounts, and
// package set.
func (a *App) sandboxFactory(engine *vm.Engine) sandbox.Factory {
	return func(ctx context.Context, id string) (sandbox.Sandbox, error) {
		cfg := a.Config.Sandbox
		switch cfg.SandboxKind() {
		case "process":
			return sandbox.NewProcess(id, sandbox.ProcessOptions{
				Root:    a.Workspace.SandboxRoot(id),
				Timeout: cfg.Timeout(),
			}, a.Logger)

		case "docker":
			return sandbox.NewDocker(id, sandbox.DockerOptions{
				Root:    a.Workspace.SandboxRoot(id),
				Image:   cfg.Image,
				Timeout: cfg.Timeout(),
			}, a.Logger)

		default: // vm
			mounts, err := buildMounts(cfg.Mounts)
			if err != nil {
				return nil, err
			}
			sb, err := sandbox.NewVM(id, sandbox.VMOptions{
				Mounts:         mounts,
				Timeout:        cfg.Timeout(),
				MaxOutputBytes: cfg.MaxOutputBytes,
			}, engine, a.Logger)
			if err != nil {
				return nil, err
			}
			if len(cfg.Packages) > 0 {
				if err := a.Provisioner.Provision(ctx, sb, cfg.Packages); err != nil {
					return nil, err
				}
			}
			return sb, nil
		}
	}
}

// buildMounts turns mount configuration into live backends.
func buildMounts(cfgs []config.MountConfig) ([]backend.Mount, error) {
	mounts := make([]backend.Mount, 0, len(cfgs))
	for _, mc := range cfgs {
		var (
			b   backend.Backend
			err error
		)
		switch mc.Type {
		case "", "memory":
			b = backend.NewMemory()
		case "local":
			b, err = backend.NewLocal(mc.Source)
			if err != nil {
				return nil, fmt.Errorf("opening local mount %s: %w", mc.Prefix, err)
			}
		default:
			return nil, fmt.Errorf("unknown mount type %q for %s", mc.Type, mc.Prefix)
		}
		mounts = append(mounts, backend.Mount{
			Prefix:   mc.Prefix,
			Backend:  b,
			ReadOnly: mc.ReadOnly,
		})
	}
	return mounts, nil
}
