package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// IPHasher derives opaque, rotating client keys from remote addresses so
// the rate limiter and logs never see a raw IP. Keys are HMAC-SHA256 over
// the pepper plus a time epoch; rotation bounds how long any single
// mapping stays linkable.
type IPHasher struct {
	rotationInterval time.Duration
	pepper           []byte
	mu               sync.RWMutex
	currentKey       []byte
	currentEpoch     int64
	stopChan         chan struct{}
	stopped          bool
}

var (
	globalIPHasher  *IPHasher
	ipHasherOnce    sync.Once
	ipHasherInitErr error

	ErrHasherNotInit   = errors.New("IP hasher not initialized")
	ErrHasherStopped   = errors.New("IP hasher stopped")
	ErrInvalidInterval = errors.New("rotation interval must be >= 15 minutes")
)

func InitIPHasher(pepper []byte, rotationInterval time.Duration) error {
	if rotationInterval < 15*time.Minute {
		return ErrInvalidInterval
	}
	ipHasherOnce.Do(func() {
		pepperCopy := make([]byte, len(pepper))
		copy(pepperCopy, pepper)
		h := &IPHasher{
			rotationInterval: rotationInterval,
			pepper:           pepperCopy,
			stopChan:         make(chan struct{}),
		}
		h.currentEpoch = h.getEpoch(time.Now())
		h.currentKey = h.deriveKey(h.currentEpoch)
		go h.rotationLoop()
		globalIPHasher = h
	})
	return ipHasherInitErr
}

func GetIPHasher() (*IPHasher, error) {
	h := globalIPHasher
	if h == nil {
		return nil, ErrHasherNotInit
	}
	h.mu.RLock()
	stopped := h.stopped
	h.mu.RUnlock()
	if stopped {
		return nil, ErrHasherStopped
	}
	return h, nil
}

func StopIPHasher() {
	if globalIPHasher != nil {
		globalIPHasher.Stop()
		globalIPHasher = nil
		ipHasherOnce = sync.Once{}
		ipHasherInitErr = nil
	}
}

func (h *IPHasher) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.stopChan)
	Wipe(h.currentKey)
	Wipe(h.pepper)
}

func (h *IPHasher) HashIP(ip string) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return "", ErrHasherStopped
	}
	mac := hmac.New(sha256.New, h.currentKey)
	mac.Write([]byte(ip))
	return "k" + hex.EncodeToString(mac.Sum(nil)[:16]), nil
}

func (h *IPHasher) getEpoch(t time.Time) int64 {
	return t.Unix() / int64(h.rotationInterval.Seconds())
}

func (h *IPHasher) deriveKey(epoch int64) []byte {
	mac := hmac.New(sha256.New, h.pepper)
	fmt.Fprintf(mac, "client-key-v1:%d", epoch)
	return mac.Sum(nil)
}

func (h *IPHasher) rotationLoop() {
	ticker := time.NewTicker(h.rotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopChan:
			return
		case <-ticker.C:
			epoch := h.getEpoch(time.Now())
			key := h.deriveKey(epoch)
			h.mu.Lock()
			if h.stopped {
				h.mu.Unlock()
				return
			}
			Wipe(h.currentKey)
			h.currentKey = key
			h.currentEpoch = epoch
			h.mu.Unlock()
		}
	}
}
