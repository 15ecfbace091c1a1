// Package rpc implements the file-based host-guest signalling channel.
//
// Guest code cannot call host functions. Instead it writes a JSON request
// file into a reserved directory (/.rpc/requests) during command
// execution; after every execute call the host scans that directory,
// converts unseen files into typed SpawnRequests, and marks them
// consumed so re-execution never replays stale requests. Malformed
// request files are dropped and logged, never fatal.
package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/harbox/internal/backend"
)

// RequestDir is the reserved guest directory scanned for request files.
const RequestDir = "/.rpc/requests"

// SpawnRequest is a guest-to-host action request.
type SpawnRequest struct {
	ID        string         `json:"id"`
	Method    string         `json:"method"`
	Args      map[string]any `json:"args"`
	Timestamp string         `json:"timestamp"`
}

// Time parses the request timestamp. It accepts RFC 3339 and the
// "seconds.millis" Unix form emitted by guests without a clock library.
// The zero time is returned when neither form parses.
func (r SpawnRequest) Time() time.Time {
	if t, err := time.Parse(time.RFC3339, r.Timestamp); err == nil {
		return t
	}
	if secs, frac, ok := strings.Cut(r.Timestamp, "."); ok {
		s, err1 := strconv.ParseInt(secs, 10, 64)
		ms, err2 := strconv.ParseInt(frac, 10, 64)
		if err1 == nil && err2 == nil {
			return time.Unix(s, ms*int64(time.Millisecond)).UTC()
		}
	}
	return time.Time{}
}

// Collector scans the request directory and delivers each request
// exactly once. Consumption marking is two-step: the request file is
// removed through the backend when possible, and the id is recorded in a
// tombstone set either way, so a re-created file with a consumed id is
// still not re-delivered. All scanning is serialized by an internal
// mutex, preventing double delivery under concurrent scans.
type Collector struct {
	fs     backend.Backend
	logger *slog.Logger

	mu       sync.Mutex
	consumed map[string]struct{}
}

// NewCollector creates a collector over the given backend.
func NewCollector(fs backend.Backend, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		fs:       fs,
		logger:   logger,
		consumed: make(map[string]struct{}),
	}
}

// Collect scans the request directory and returns all newly appeared
// requests in filename order. A missing directory means no requests.
func (c *Collector) Collect(ctx context.Context) []SpawnRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.fs.List(ctx, RequestDir)
	if err != nil {
		if !backend.IsNotFound(err) {
			c.logger.Warn("rpc request scan failed", slog.String("error", err.Error()))
		}
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	var requests []SpawnRequest
	for _, entry := range entries {
		if entry.IsDir || !strings.HasSuffix(entry.Path, ".json") {
			continue
		}
		raw, err := c.fs.Read(ctx, entry.Path, backend.ReadOptions{})
		if err != nil {
			c.logger.Warn("rpc request unreadable",
				slog.String("path", entry.Path),
				slog.String("error", err.Error()),
			)
			continue
		}
		var req SpawnRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil || req.ID == "" || req.Method == "" {
			c.logger.Warn("dropping malformed rpc request",
				slog.String("path", entry.Path),
			)
			c.discard(ctx, entry.Path)
			continue
		}
		if _, done := c.consumed[req.ID]; done {
			continue
		}
		c.consumed[req.ID] = struct{}{}
		c.discard(ctx, entry.Path)
		requests = append(requests, req)
	}
	return requests
}

// discard removes a processed request file when the backend supports
// deletion. The tombstone set already guards against redelivery, so a
// failed delete is only logged.
func (c *Collector) discard(ctx context.Context, p string) {
	rm, ok := c.fs.(backend.Remover)
	if !ok {
		return
	}
	if err := rm.Remove(ctx, p); err != nil {
		c.logger.Warn("rpc request cleanup failed",
			slog.String("path", p),
			slog.String("error", err.Error()),
		)
	}
}
