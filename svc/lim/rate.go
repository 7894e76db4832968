package lim

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/SnarkyB/delerium-server/metrics"
	"github.com/SnarkyB/delerium-server/svc/db"
	"github.com/SnarkyB/delerium-server/svc/util"
)

const (
	maxBuckets      = 10000
	cleanupInterval = 5 * time.Minute
	bucketTTL       = 30 * time.Minute
)

// Limiter admits or rejects one unit of work per client key using a token
// bucket: refillRPM/60 tokens per second, clamped at capacity, and a
// never-seen key starts with a full bucket. Buckets are evicted after
// sitting idle for bucketTTL so the map stays bounded. When Redis is
// configured, a fixed-window global cap per endpoint is layered on top.
type Limiter struct {
	rdb               *db.Redis
	capacity          int
	refillRPM         int
	globalRPM         int
	adaptiveModeUntil int64
	buckets           map[string]*bucketEntry
	mu                sync.Mutex
	detector          *AnomalyDetector
	quit              chan struct{}
}

type bucketEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func New(capacity, refillRPM, globalRPM int, rdb *db.Redis) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	if refillRPM < 1 {
		refillRPM = 1
	}
	l := &Limiter{
		rdb:       rdb,
		capacity:  capacity,
		refillRPM: refillRPM,
		globalRPM: globalRPM,
		buckets:   make(map[string]*bucketEntry),
		quit:      make(chan struct{}),
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	l.detector.Start()
	go l.cleanupLoop()
	return l
}

func (l *Limiter) Stop() {
	close(l.quit)
	l.detector.Stop()
}

// TriggerAdaptiveMode halves the effective refill rate for a minute; the
// anomaly detector calls this when the error rate spikes.
func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, time.Now().Add(60*time.Second).Unix())
}

func (l *Limiter) isAdaptiveMode() bool {
	return time.Now().Unix() < atomic.LoadInt64(&l.adaptiveModeUntil)
}

func (l *Limiter) RecordRequest() {
	l.detector.RecordRequest()
}

func (l *Limiter) RecordError() {
	l.detector.RecordError()
}

// Acquire consumes one token for key, refilling lazily from elapsed time
// first. The refill-then-consume step is atomic per key; concurrent calls
// can never let more than capacity requests through on stale counts.
func (l *Limiter) Acquire(ctx context.Context, key, endpoint string) *Result {
	return l.acquireAt(ctx, key, endpoint, time.Now())
}

func (l *Limiter) acquireAt(ctx context.Context, key, endpoint string, now time.Time) *Result {
	entry, ok := l.bucketFor(key, now)
	if !ok {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
		return &Result{Allowed: false, Limit: l.capacity, Remaining: 0, Reset: now.Add(time.Minute)}
	}
	if !entry.limiter.AllowN(now, 1) {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
		return &Result{Allowed: false, Limit: l.capacity, Remaining: 0, Reset: now.Add(time.Minute)}
	}
	remaining := int(entry.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	if l.rdb != nil && l.globalRPM > 0 {
		if !l.globalAllow(ctx, endpoint) {
			metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
			return &Result{Allowed: false, Limit: l.capacity, Remaining: remaining, Reset: now.Add(time.Minute)}
		}
	}
	return &Result{Allowed: true, Limit: l.capacity, Remaining: remaining, Reset: now.Add(time.Minute)}
}

// bucketFor returns the bucket for key, creating it full on first sight.
// The second return is false only when the map is at capacity and the key
// is new, in which case admission fails closed.
func (l *Limiter) bucketFor(key string, now time.Time) (*bucketEntry, bool) {
	refill := rate.Limit(float64(l.refillRPM) / 60.0)
	if l.isAdaptiveMode() {
		refill = refill / 2
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, exists := l.buckets[key]
	if exists {
		entry.lastAccess = now
		entry.limiter.SetLimitAt(now, refill)
		return entry, true
	}
	if len(l.buckets) >= maxBuckets {
		util.Warn().Int("buckets", len(l.buckets)).Msg("rate limiter at capacity, rejecting new key")
		return nil, false
	}
	entry = &bucketEntry{
		limiter:    rate.NewLimiter(refill, l.capacity),
		lastAccess: now,
	}
	l.buckets[key] = entry
	return entry, true
}

func (l *Limiter) globalAllow(ctx context.Context, endpoint string) bool {
	limit := l.globalRPM
	if l.isAdaptiveMode() {
		limit /= 2
		if limit < 1 {
			limit = 1
		}
	}
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	// usage above limit is the window's full signal, see Redis.RateLimit
	usage, err := l.rdb.RateLimit(ctx, "global:"+endpoint, limit, time.Minute)
	if err != nil {
		// global cap is an extra guard on top of the local bucket; a
		// Redis outage degrades to local-only rather than failing open
		util.Warn().Err(err).Msg("redis global rate limit unavailable")
		return true
	}
	return usage <= limit
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdleBuckets()
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictIdleBuckets() {
	now := time.Now()
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.buckets {
		if now.Sub(entry.lastAccess) > bucketTTL {
			delete(l.buckets, key)
			evicted++
		}
	}
	remaining := len(l.buckets)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}

// GetRealIP walks X-Forwarded-For right to left, but only when the direct
// peer is a trusted proxy; otherwise the remote address wins.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	const maxIPsToParse = 100
	parsed := 0
	remaining := xff
	for len(remaining) > 0 && parsed < maxIPsToParse {
		lastComma := strings.LastIndexByte(remaining, ',')
		var ipStr string
		if lastComma == -1 {
			ipStr = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			ipStr = strings.TrimSpace(remaining[lastComma+1:])
			remaining = remaining[:lastComma]
		}
		if ipStr == "" {
			continue
		}
		parsed++
		if net.ParseIP(ipStr) == nil {
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") {
			_, subnet, err := net.ParseCIDR(proxy)
			if err == nil {
				parsedIP := net.ParseIP(ip)
				if parsedIP != nil && subnet.Contains(parsedIP) {
					return true
				}
			}
		}
	}
	return false
}

func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
