package lim

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/SnarkyB/delerium-server/cfg"
	"github.com/SnarkyB/delerium-server/svc/db"
)

func TestAcquireAdmitsCapacityThenDenies(t *testing.T) {
	l := New(3, 60, 0, nil)
	defer l.Stop()
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 3; i++ {
		res := l.acquireAt(ctx, "k1", "create", now)
		if !res.Allowed {
			t.Fatalf("request %d: expected allowed", i+1)
		}
	}
	res := l.acquireAt(ctx, "k1", "create", now)
	if res.Allowed {
		t.Error("request 4: expected denied, bucket is empty")
	}
}

func TestDenialDoesNotConsume(t *testing.T) {
	l := New(1, 60, 0, nil)
	defer l.Stop()
	ctx := context.Background()
	now := time.Now()
	if res := l.acquireAt(ctx, "k1", "create", now); !res.Allowed {
		t.Fatal("first request should pass")
	}
	for i := 0; i < 5; i++ {
		if res := l.acquireAt(ctx, "k1", "create", now); res.Allowed {
			t.Fatal("empty bucket should deny")
		}
	}
	// 60 rpm refills one token per second, and exactly one
	if res := l.acquireAt(ctx, "k1", "create", now.Add(time.Second)); !res.Allowed {
		t.Error("expected refilled token after one second despite denied attempts")
	}
	if res := l.acquireAt(ctx, "k1", "create", now.Add(time.Second)); res.Allowed {
		t.Error("only one token refills in one second, second request must be denied")
	}
}

func TestRefillClampsAtCapacity(t *testing.T) {
	l := New(2, 60, 0, nil)
	defer l.Stop()
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 2; i++ {
		if res := l.acquireAt(ctx, "k1", "create", now); !res.Allowed {
			t.Fatalf("request %d should pass", i+1)
		}
	}
	// an hour idle refills far more than capacity; only capacity tokens
	// may be spent
	later := now.Add(time.Hour)
	for i := 0; i < 2; i++ {
		if res := l.acquireAt(ctx, "k1", "create", later); !res.Allowed {
			t.Fatalf("request %d after refill should pass", i+1)
		}
	}
	if res := l.acquireAt(ctx, "k1", "create", later); res.Allowed {
		t.Error("tokens must clamp at capacity")
	}
}

func TestUnknownKeyStartsFull(t *testing.T) {
	l := New(5, 6, 0, nil)
	defer l.Stop()
	ctx := context.Background()
	now := time.Now()
	res := l.acquireAt(ctx, "never-seen", "create", now)
	if !res.Allowed {
		t.Fatal("first request for a new key must pass")
	}
	if res.Limit != 5 {
		t.Errorf("limit = %d, want 5", res.Limit)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(1, 6, 0, nil)
	defer l.Stop()
	ctx := context.Background()
	now := time.Now()
	if res := l.acquireAt(ctx, "a", "create", now); !res.Allowed {
		t.Fatal("key a should pass")
	}
	if res := l.acquireAt(ctx, "a", "create", now); res.Allowed {
		t.Fatal("key a should be empty")
	}
	if res := l.acquireAt(ctx, "b", "create", now); !res.Allowed {
		t.Error("key b must not be affected by key a")
	}
}

func newTestRedis(t *testing.T) *db.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := db.NewRedis("redis://"+mr.Addr(), &cfg.Cfg{RedisTimeout: time.Second})
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestGlobalWindowDeniesOverLimit(t *testing.T) {
	// local buckets far wider than the global window so only the window
	// can deny
	l := New(1000, 60000, 5, newTestRedis(t))
	defer l.Stop()
	ctx := context.Background()
	allowed := 0
	for i := 0; i < 15; i++ {
		if l.Acquire(ctx, "k1", "create").Allowed {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("global window admitted %d of 15 requests, want 5", allowed)
	}
}

func TestGlobalWindowHalvedInAdaptiveMode(t *testing.T) {
	l := New(1000, 60000, 10, newTestRedis(t))
	defer l.Stop()
	l.TriggerAdaptiveMode()
	ctx := context.Background()
	allowed := 0
	for i := 0; i < 15; i++ {
		if l.Acquire(ctx, "k1", "create").Allowed {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("adaptive mode admitted %d of 15 requests, want half the window (5)", allowed)
	}
}

func TestEvictIdleBuckets(t *testing.T) {
	l := New(1, 6, 0, nil)
	defer l.Stop()
	ctx := context.Background()
	stale := time.Now().Add(-2 * bucketTTL)
	l.acquireAt(ctx, "old", "create", stale)
	l.acquireAt(ctx, "fresh", "create", time.Now())
	l.evictIdleBuckets()
	l.mu.Lock()
	_, oldAlive := l.buckets["old"]
	_, freshAlive := l.buckets["fresh"]
	l.mu.Unlock()
	if oldAlive {
		t.Error("idle bucket should have been evicted")
	}
	if !freshAlive {
		t.Error("active bucket should survive eviction")
	}
}

func TestGetRealIP(t *testing.T) {
	cases := []struct {
		name    string
		remote  string
		xff     string
		trusted []string
		want    string
	}{
		{"no proxies configured", "203.0.113.7:1234", "10.0.0.1", nil, "203.0.113.7"},
		{"untrusted peer ignores xff", "203.0.113.7:1234", "198.51.100.9", []string{"192.0.2.1"}, "203.0.113.7"},
		{"trusted peer uses xff", "192.0.2.1:1234", "198.51.100.9", []string{"192.0.2.1"}, "198.51.100.9"},
		{"walks past trusted hops", "192.0.2.1:1234", "198.51.100.9, 192.0.2.2", []string{"192.0.2.0/24"}, "198.51.100.9"},
		{"all hops trusted falls back", "192.0.2.1:1234", "192.0.2.2", []string{"192.0.2.0/24"}, "192.0.2.1"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = c.remote
			if c.xff != "" {
				r.Header.Set("X-Forwarded-For", c.xff)
			}
			if got := GetRealIP(r, c.trusted); got != c.want {
				t.Errorf("GetRealIP = %q, want %q", got, c.want)
			}
		})
	}
}
