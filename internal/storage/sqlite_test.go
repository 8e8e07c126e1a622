package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time           { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

// testStores returns every backend that can run without external services.
func testStores(t *testing.T, c *clock) map[string]KV {
	t.Helper()
	sq := newTestDB(t)
	sq.now = c.now
	mem := NewMemory()
	mem.SetClock(c.now)
	stores := map[string]KV{"sqlite": sq, "memory": mem}
	if url := os.Getenv("REDIS_URL"); url != "" {
		r, err := NewRedis(context.Background(), url)
		if err != nil {
			t.Fatalf("new redis: %v", err)
		}
		t.Cleanup(func() { _ = r.Close() })
		stores["redis"] = r
	}
	return stores
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)}

	for name, kv := range testStores(t, c) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := kv.Get(ctx, "test_missing"); err != nil || ok {
				t.Fatalf("Get(missing) = ok %v, err %v; want absent", ok, err)
			}

			if err := kv.Put(ctx, "test_key", "first", 0); err != nil {
				t.Fatalf("put: %v", err)
			}
			if err := kv.Put(ctx, "test_key", "second", 0); err != nil {
				t.Fatalf("overwrite: %v", err)
			}

			got, ok, err := kv.Get(ctx, "test_key")
			if err != nil || !ok {
				t.Fatalf("get: ok %v, err %v", ok, err)
			}
			if diff := cmp.Diff("second", got); diff != "" {
				t.Errorf("value mismatch (-want +got):\n%s", diff)
			}

			if err := kv.Delete(ctx, "test_key"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, ok, _ := kv.Get(ctx, "test_key"); ok {
				t.Error("expected key to be gone after delete")
			}
			if err := kv.Delete(ctx, "test_key"); err != nil {
				t.Errorf("deleting absent key: %v", err)
			}
		})
	}
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)}
	sq := newTestDB(t)
	sq.now = c.now
	mem := NewMemory()
	mem.SetClock(c.now)

	for name, kv := range map[string]KV{"sqlite": sq, "memory": mem} {
		t.Run(name, func(t *testing.T) {
			c.t = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
			if err := kv.Put(ctx, "processed_1", "true", time.Hour); err != nil {
				t.Fatalf("put: %v", err)
			}

			c.advance(59 * time.Minute)
			if _, ok, _ := kv.Get(ctx, "processed_1"); !ok {
				t.Error("expected key before expiry")
			}

			c.advance(2 * time.Minute)
			if _, ok, _ := kv.Get(ctx, "processed_1"); ok {
				t.Error("expected key to be expired")
			}
		})
	}
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)}
	s := newTestDB(t)
	s.now = c.now

	for _, kv := range []struct {
		key string
		ttl time.Duration
	}{
		{"a", time.Minute},
		{"b", time.Minute},
		{"c", 2 * time.Hour},
		{"d", 0},
	} {
		if err := s.Put(ctx, kv.key, "v", kv.ttl); err != nil {
			t.Fatalf("put %s: %v", kv.key, err)
		}
	}

	c.advance(time.Hour)
	n, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if diff := cmp.Diff(int64(2), n); diff != "" {
		t.Errorf("purged count mismatch (-want +got):\n%s", diff)
	}

	for key, want := range map[string]bool{"a": false, "b": false, "c": true, "d": true} {
		_, ok, err := s.Get(ctx, key)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if ok != want {
			t.Errorf("key %s present = %v, want %v", key, ok, want)
		}
	}
}

func TestGetInt64(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()

	tests := []struct {
		name  string
		value *string
		def   int64
		want  int64
	}{
		{name: "absent", def: 60, want: 60},
		{name: "number", value: ptr("42"), def: 60, want: 42},
		{name: "garbage", value: ptr("abc"), def: 7, want: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "int_" + tt.name
			if tt.value != nil {
				if err := kv.Put(ctx, key, *tt.value, 0); err != nil {
					t.Fatalf("put: %v", err)
				}
			}
			got, err := GetInt64(ctx, kv, key, tt.def)
			if err != nil {
				t.Fatalf("GetInt64: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("GetInt64() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), "etcd", ""); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func ptr(s string) *string { return &s }
