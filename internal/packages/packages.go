// Package packages provisions named tool packages into a sandbox's
// guest filesystem. Package sets are fetched from a remote registry,
// overridable per name with custom URLs or local paths, and cached so
// repeated sandbox creations do not refetch.
package packages

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jkaninda/harbox/internal/backend"
)

// InstallRoot is where provisioned packages land in the guest tree.
const InstallRoot = "/usr/local/pkg"

const (
	defaultCacheSize    = 256
	defaultFetchTimeout = 30 * time.Second
)

// Options configures a provisioner.
type Options struct {
	// RegistryURL is the base URL packages are fetched from as
	// <RegistryURL>/<name>. Required unless every requested package is
	// overridden.
	RegistryURL string

	// CustomPackages maps a package name to a full download URL,
	// taking precedence over the registry.
	CustomPackages map[string]string

	// LocalPackages maps a package name to a host filesystem path,
	// taking precedence over both the registry and custom URLs.
	LocalPackages map[string]string

	// CacheSize bounds the fetched-content cache. Zero means a default.
	CacheSize int

	// HTTPClient overrides the fetch client. Nil means a client with a
	// sane timeout.
	HTTPClient *http.Client
}

// Provisioner fetches packages and writes them into guest backends.
type Provisioner struct {
	opts   Options
	client *http.Client
	cache  *lru.Cache[string, string]
	logger *slog.Logger
}

// New creates a provisioner.
func New(opts Options, logger *slog.Logger) (*Provisioner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("creating package cache: %w", err)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &Provisioner{
		opts:   opts,
		client: client,
		cache:  cache,
		logger: logger,
	}, nil
}

// Provision resolves and installs each named package into fs under
// InstallRoot. Names are installed in order; the first failure aborts
// so a sandbox never starts with a partial set it cannot see.
func (p *Provisioner) Provision(ctx context.Context, fs backend.Backend, names []string) error {
	for _, name := range names {
		content, source, err := p.resolve(ctx, name)
		if err != nil {
			return fmt.Errorf("provisioning package %s: %w", name, err)
		}
		dest := path.Join(InstallRoot, name)
		if _, err := fs.Write(ctx, dest, content); err != nil {
			return fmt.Errorf("installing package %s at %s: %w", name, dest, err)
		}
		p.logger.Info("package provisioned",
			slog.String("name", name),
			slog.String("source", source),
			slog.Int("bytes", len(content)),
		)
	}
	return nil
}

// resolve returns the package content and where it came from, checking
// local overrides first, then custom URLs, then the registry.
func (p *Provisioner) resolve(ctx context.Context, name string) (content, source string, err error) {
	if local, ok := p.opts.LocalPackages[name]; ok {
		data, err := os.ReadFile(local)
		if err != nil {
			return "", "", fmt.Errorf("reading local package: %w", err)
		}
		return string(data), "local:" + local, nil
	}

	url, ok := p.opts.CustomPackages[name]
	if !ok {
		if p.opts.RegistryURL == "" {
			return "", "", fmt.Errorf("no registry configured and no override for %s", name)
		}
		url = strings.TrimSuffix(p.opts.RegistryURL, "/") + "/" + name
	}

	if cached, ok := p.cache.Get(url); ok {
		return cached, "cache:" + url, nil
	}

	data, err := p.fetch(ctx, url)
	if err != nil {
		return "", "", err
	}
	p.cache.Add(url, data)
	return data, url, nil
}

func (p *Provisioner) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building fetch request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: unexpected status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", url, err)
	}
	return string(data), nil
}
