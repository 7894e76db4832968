package util

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func initTestHasher(t *testing.T) *IPHasher {
	t.Helper()
	StopIPHasher()
	if err := InitIPHasher([]byte("0123456789ABCDEF0123456789ABCDEF"), time.Hour); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(StopIPHasher)
	h, err := GetIPHasher()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return h
}

func TestHashIPIsOpaqueAndStable(t *testing.T) {
	h := initTestHasher(t)
	const ip = "203.0.113.7"
	a, err := h.HashIP(ip)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, err := h.HashIP(ip)
	if err != nil {
		t.Fatalf("hash again: %v", err)
	}
	if a != b {
		t.Errorf("same IP hashed to %q and %q within one epoch", a, b)
	}
	other, err := h.HashIP("203.0.113.8")
	if err != nil {
		t.Fatalf("hash other: %v", err)
	}
	if other == a {
		t.Error("distinct IPs must not collide")
	}
	if strings.Contains(a, ip) {
		t.Errorf("key %q leaks the raw IP", a)
	}
}

func TestGetAfterStop(t *testing.T) {
	h := initTestHasher(t)
	h.Stop()
	if _, err := GetIPHasher(); err != ErrHasherStopped {
		t.Errorf("expected ErrHasherStopped, got %v", err)
	}
}

func TestGetBeforeInit(t *testing.T) {
	StopIPHasher()
	if _, err := GetIPHasher(); err != ErrHasherNotInit {
		t.Errorf("expected ErrHasherNotInit, got %v", err)
	}
}

// exercises the stopped flag from readers and a stopper at once; run
// with the race detector to catch unsynchronized access
func TestConcurrentGetAndStop(t *testing.T) {
	h := initTestHasher(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if got, err := GetIPHasher(); err == nil {
					got.HashIP("198.51.100.1")
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.Stop()
	}()
	wg.Wait()
	if _, err := GetIPHasher(); err != ErrHasherStopped {
		t.Errorf("expected ErrHasherStopped after stop, got %v", err)
	}
}
