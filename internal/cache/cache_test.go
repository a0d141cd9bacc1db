package cache

import (
	"context"
	"testing"
	"time"
)

func TestNoopReportCacheNeverHits(t *testing.T) {
	ctx := context.Background()
	var c ReportCache = NoopReportCache{}

	if err := c.Set(ctx, "report:summary", []byte(`{"ok":true}`), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, hit, err := c.Get(ctx, "report:summary"); err != nil || hit {
		t.Fatalf("expected miss without error, got hit=%v err=%v", hit, err)
	}
	if err := c.Invalidate(ctx, "report:"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
}

func TestRedisReportCacheRoundTrip(t *testing.T) {
	addr := testRedisAddr(t)
	ctx := context.Background()
	c := NewRedisReportCache(addr, "", 0)
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Ping(ctx); err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}

	prefix := "retailpos-test:" + time.Now().Format("150405.000000") + ":"
	if err := c.Set(ctx, prefix+"a", []byte("one"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, hit, err := c.Get(ctx, prefix+"a")
	if err != nil || !hit || string(got) != "one" {
		t.Fatalf("expected hit with payload, got %q hit=%v err=%v", got, hit, err)
	}

	if err := c.Invalidate(ctx, prefix); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, hit, err := c.Get(ctx, prefix+"a"); err != nil || hit {
		t.Fatalf("expected miss after invalidate, got hit=%v err=%v", hit, err)
	}
}
