package rpc

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jkaninda/harbox/internal/backend"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeRequest(t *testing.T, fs backend.Backend, id, body string) {
	t.Helper()
	if _, err := fs.Write(context.Background(), RequestDir+"/"+id+".json", body); err != nil {
		t.Fatalf("writing request file: %v", err)
	}
}

func TestCollector_EmptyDirectory(t *testing.T) {
	c := NewCollector(backend.NewMemory(), testLogger())
	if got := c.Collect(context.Background()); len(got) != 0 {
		t.Errorf("collected %d requests from empty backend, want 0", len(got))
	}
}

func TestCollector_SingleDelivery(t *testing.T) {
	fs := backend.NewMemory()
	c := NewCollector(fs, testLogger())
	ctx := context.Background()

	writeRequest(t, fs, "req-1", `{"id":"req-1","method":"spawn","args":{"task":"summarize"},"timestamp":"2026-08-30T10:00:00Z"}`)

	first := c.Collect(ctx)
	if len(first) != 1 {
		t.Fatalf("first collect = %d requests, want 1", len(first))
	}
	req := first[0]
	if req.ID != "req-1" || req.Method != "spawn" {
		t.Errorf("request = %+v, want id req-1 method spawn", req)
	}
	if task, _ := req.Args["task"].(string); task != "summarize" {
		t.Errorf("args.task = %q, want %q", task, "summarize")
	}

	// Second scan must not re-surface the same request.
	if second := c.Collect(ctx); len(second) != 0 {
		t.Errorf("second collect = %d requests, want 0", len(second))
	}
}

func TestCollector_ConsumedIDNotRedelivered(t *testing.T) {
	fs := backend.NewMemory()
	c := NewCollector(fs, testLogger())
	ctx := context.Background()

	writeRequest(t, fs, "dup", `{"id":"dup","method":"spawn","args":{},"timestamp":"0.0"}`)
	if got := c.Collect(ctx); len(got) != 1 {
		t.Fatalf("collect = %d, want 1", len(got))
	}

	// The guest re-creates the same file; the tombstone must hold.
	writeRequest(t, fs, "dup", `{"id":"dup","method":"spawn","args":{},"timestamp":"0.0"}`)
	if got := c.Collect(ctx); len(got) != 0 {
		t.Errorf("re-created request redelivered: %d, want 0", len(got))
	}
}

func TestCollector_RequestFileDeleted(t *testing.T) {
	fs := backend.NewMemory()
	c := NewCollector(fs, testLogger())
	ctx := context.Background()

	writeRequest(t, fs, "gone", `{"id":"gone","method":"spawn","args":{},"timestamp":"0.0"}`)
	c.Collect(ctx)

	if _, err := fs.Read(ctx, RequestDir+"/gone.json", backend.ReadOptions{}); !backend.IsNotFound(err) {
		t.Errorf("request file should be deleted after consumption, read err = %v", err)
	}
}

func TestCollector_MalformedDropped(t *testing.T) {
	fs := backend.NewMemory()
	c := NewCollector(fs, testLogger())
	ctx := context.Background()

	writeRequest(t, fs, "bad", `{not json`)
	writeRequest(t, fs, "empty-id", `{"id":"","method":"spawn"}`)
	writeRequest(t, fs, "ok", `{"id":"ok","method":"spawn","args":{},"timestamp":"0.0"}`)

	got := c.Collect(ctx)
	if len(got) != 1 || got[0].ID != "ok" {
		t.Errorf("collect = %+v, want only the valid request", got)
	}
}

func TestCollector_OrderIsStable(t *testing.T) {
	fs := backend.NewMemory()
	c := NewCollector(fs, testLogger())
	ctx := context.Background()

	writeRequest(t, fs, "b", `{"id":"b","method":"spawn","args":{},"timestamp":"0.0"}`)
	writeRequest(t, fs, "a", `{"id":"a","method":"spawn","args":{},"timestamp":"0.0"}`)
	writeRequest(t, fs, "c", `{"id":"c","method":"spawn","args":{},"timestamp":"0.0"}`)

	got := c.Collect(ctx)
	if len(got) != 3 {
		t.Fatalf("collect = %d, want 3", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
		t.Errorf("order = %s,%s,%s, want a,b,c", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestSpawnRequest_Time(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{"rfc3339", "2026-08-30T10:00:00Z", time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)},
		{"unix fraction", "1700000000.500", time.Unix(1700000000, 500*int64(time.Millisecond)).UTC()},
		{"garbage", "not-a-time", time.Time{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := SpawnRequest{Timestamp: tc.in}.Time()
			if !got.Equal(tc.want) {
				t.Errorf("Time() = %v, want %v", got, tc.want)
			}
		})
	}
}
