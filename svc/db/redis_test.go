package db

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/SnarkyB/delerium-server/cfg"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRedis("redis://"+mr.Addr(), &cfg.Cfg{RedisTimeout: time.Second})
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return mr, r
}

func TestRateLimitCountsUpThenSignalsFull(t *testing.T) {
	mr, r := newTestRedis(t)
	ctx := context.Background()
	for want := 1; want <= 5; want++ {
		usage, err := r.RateLimit(ctx, "w", 5, time.Minute)
		if err != nil {
			t.Fatalf("hit %d: %v", want, err)
		}
		if usage != want {
			t.Errorf("hit %d: usage = %d, want %d", want, usage, want)
		}
	}
	// past the limit every hit reports limit+1 while the stored counter
	// stays put, so a burst cannot push the expiry forward
	for i := 0; i < 3; i++ {
		usage, err := r.RateLimit(ctx, "w", 5, time.Minute)
		if err != nil {
			t.Fatalf("over-limit hit: %v", err)
		}
		if usage != 6 {
			t.Errorf("over-limit usage = %d, want 6", usage)
		}
	}
	if got, err := mr.Get("w"); err != nil || got != "5" {
		t.Errorf("stored counter = %q (%v), want 5", got, err)
	}
}

func TestRateLimitKeysAreIndependent(t *testing.T) {
	_, r := newTestRedis(t)
	ctx := context.Background()
	if _, err := r.RateLimit(ctx, "a", 1, time.Minute); err != nil {
		t.Fatalf("first hit: %v", err)
	}
	usage, err := r.RateLimit(ctx, "b", 1, time.Minute)
	if err != nil {
		t.Fatalf("other key: %v", err)
	}
	if usage != 1 {
		t.Errorf("fresh key usage = %d, want 1", usage)
	}
}
