package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// TestRedis runs against a live server and is skipped unless
// TEST_REDIS_URL is set, e.g. redis://localhost:6379/15.
func TestRedis(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()

	kv, err := Open(ctx, BackendRedis, url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	key := "fccmon_test_" + t.Name()
	t.Cleanup(func() { _ = kv.Delete(context.Background(), key) })

	if err := kv.Put(ctx, key, "v1", time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := kv.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff("v1", got); diff != "" || !ok {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}

	if err := kv.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := kv.Get(ctx, key); err != nil || ok {
		t.Errorf("Get() after delete = ok %v, err %v; want missing", ok, err)
	}
}

func TestRedisRequiresURL(t *testing.T) {
	if _, err := NewRedis(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty url")
	}
}
