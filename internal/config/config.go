// Package config handles loading and validating harbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for harbox.
type Config struct {
	Workspace string          `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root. Default: ~/.harbox. Override: HARBOX_WORKSPACE env var.
	Registry  *RegistryConfig `json:"registry,omitempty" yaml:"registry,omitempty"`   // nil = SQLite default (derived from workspace)
	Sandbox   SandboxConfig   `json:"sandbox" yaml:"sandbox"`
	Packages  PackagesConfig  `json:"packages" yaml:"packages"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Reaper    *ReaperConfig   `json:"reaper,omitempty" yaml:"reaper,omitempty"` // nil = reaper disabled
}

// RegistryConfig configures the sandbox record store.
type RegistryConfig struct {
	Driver string `json:"driver" yaml:"driver"`                 // "sqlite" (default) or "postgres".
	Path   string `json:"path,omitempty" yaml:"path,omitempty"` // SQLite file. Default: derived from workspace.
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`   // PostgreSQL connection string. Override: HARBOX_REGISTRY_DSN.
}

// SandboxConfig holds defaults applied to every new sandbox.
type SandboxConfig struct {
	// Kind selects the provider: "vm" (default), "process", or "docker".
	Kind string `json:"kind" yaml:"kind"`

	// Image is the container image for "docker" sandboxes.
	Image string `json:"image,omitempty" yaml:"image,omitempty"`

	// TimeoutMS bounds a single command. Default: 30000.
	TimeoutMS int `json:"timeout_ms" yaml:"timeout_ms"`

	// MaxOutputBytes caps captured command output. Zero = provider default.
	MaxOutputBytes int `json:"max_output_bytes" yaml:"max_output_bytes"`

	// Packages names package sets provisioned into each new sandbox.
	Packages []string `json:"packages,omitempty" yaml:"packages,omitempty"`

	// CustomPackages maps package name to download URL, overriding the
	// registry.
	CustomPackages map[string]string `json:"custom_packages,omitempty" yaml:"custom_packages,omitempty"`

	// LocalPackages maps package name to a host path, overriding both
	// the registry and custom URLs.
	LocalPackages map[string]string `json:"local_packages,omitempty" yaml:"local_packages,omitempty"`

	// Mounts binds guest path prefixes to backends. Empty = one fresh
	// in-memory backend at the root.
	Mounts []MountConfig `json:"mounts,omitempty" yaml:"mounts,omitempty"`
}

// MountConfig binds one guest path prefix to a backend.
type MountConfig struct {
	Prefix   string `json:"prefix" yaml:"prefix"`
	Type     string `json:"type" yaml:"type"`                         // "memory" (default) or "local".
	Source   string `json:"source,omitempty" yaml:"source,omitempty"` // Host directory for "local" mounts.
	ReadOnly bool   `json:"read_only" yaml:"read_only"`
}

// PackagesConfig configures package provisioning.
type PackagesConfig struct {
	// RegistryURL is the remote package registry. Override:
	// HARBOX_PACKAGE_REGISTRY env var.
	RegistryURL string `json:"registry_url,omitempty" yaml:"registry_url,omitempty"`

	// CacheSize bounds the fetched-package cache. Zero = default.
	CacheSize int `json:"cache_size" yaml:"cache_size"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// ReaperConfig configures the idle-sandbox sweeper.
type ReaperConfig struct {
	// IdleAfterMS deletes sandboxes idle longer than this. Default:
	// 1800000 (30 min).
	IdleAfterMS int `json:"idle_after_ms" yaml:"idle_after_ms"`

	// Schedule is a cron expression or @every duration. Default:
	// "@every 1m".
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Timeout returns the per-command deadline as a duration.
func (s *SandboxConfig) Timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// SandboxKind returns the configured provider, defaulting to "vm".
func (s *SandboxConfig) SandboxKind() string {
	if s.Kind == "" {
		return "vm"
	}
	return s.Kind
}

// IdleAfter returns the reaper cutoff as a duration.
func (r *ReaperConfig) IdleAfter() time.Duration {
	if r == nil || r.IdleAfterMS <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(r.IdleAfterMS) * time.Millisecond
}

// Default returns a configuration with every default applied, used when
// no config file exists.
func Default() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			Kind:      "vm",
			TimeoutMS: 30000,
		},
	}
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML,
// everything else for JSON. Environment variables take precedence over
// file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv layers environment variable overrides on top of file values.
func (c *Config) applyEnv() {
	if envWS := os.Getenv("HARBOX_WORKSPACE"); envWS != "" {
		c.Workspace = envWS
	}
	if envDSN := os.Getenv("HARBOX_REGISTRY_DSN"); envDSN != "" {
		// A DSN only makes sense for postgres, so the override wins the
		// driver too even when the file configured sqlite.
		if c.Registry == nil {
			c.Registry = &RegistryConfig{}
		}
		c.Registry.Driver = "postgres"
		c.Registry.DSN = envDSN
	}
	if envURL := os.Getenv("HARBOX_PACKAGE_REGISTRY"); envURL != "" {
		c.Packages.RegistryURL = envURL
	}
}

// Validate rejects configurations that would fail at first use.
// Mount-table problems surface here, never when a sandbox first runs a
// command.
func (c *Config) Validate() error {
	switch kind := c.Sandbox.SandboxKind(); kind {
	case "vm", "process", "docker":
	default:
		return fmt.Errorf("unknown sandbox kind %q", kind)
	}

	seen := make(map[string]bool, len(c.Sandbox.Mounts))
	for i, m := range c.Sandbox.Mounts {
		if m.Prefix == "" || !strings.HasPrefix(m.Prefix, "/") {
			return fmt.Errorf("mount %d: prefix %q must be an absolute path", i, m.Prefix)
		}
		if seen[m.Prefix] {
			return fmt.Errorf("mount %d: duplicate prefix %q", i, m.Prefix)
		}
		seen[m.Prefix] = true

		switch m.Type {
		case "", "memory":
			if m.Source != "" {
				return fmt.Errorf("mount %d: memory mounts take no source", i)
			}
		case "local":
			if m.Source == "" {
				return fmt.Errorf("mount %d: local mount %q needs a source directory", i, m.Prefix)
			}
		default:
			return fmt.Errorf("mount %d: unknown backend type %q", i, m.Type)
		}
	}

	if c.Registry != nil {
		switch c.Registry.Driver {
		case "", "sqlite", "postgres":
		default:
			return fmt.Errorf("unknown registry driver %q", c.Registry.Driver)
		}
	}

	for name, p := range c.Sandbox.LocalPackages {
		if p == "" {
			return fmt.Errorf("local package %q has an empty path", name)
		}
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
