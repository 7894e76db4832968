package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const maxTokenLength = 1024

// Hasher hashes deletion tokens with argon2id. The raw token is peppered
// (HMAC-SHA256) before key derivation so a stolen database alone cannot be
// used to forge deletions.
type Hasher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	keyLength   uint32
	pepper      []byte
	mu          sync.RWMutex
}

func NewHasher(time, memory uint32, parallelism uint8, pepper []byte) (*Hasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	if time == 0 || time > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 8*1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 8192 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	pepperCopy := make([]byte, len(pepper))
	copy(pepperCopy, pepper)
	return &Hasher{
		iterations:  time,
		memory:      memory,
		parallelism: parallelism,
		keyLength:   32,
		pepper:      pepperCopy,
	}, nil
}

func (h *Hasher) Hash(token string) (string, error) {
	if len(token) > maxTokenLength {
		return "", errors.New("token too long")
	}
	peppered := h.applyPepper(token)
	defer wipe(peppered)
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey(peppered, salt, h.iterations, h.memory, h.parallelism, h.keyLength)
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism, b64Salt, b64Hash), nil
}

// Verify reports whether token matches encoded. Malformed hashes and
// mismatches take the same code path against dummy material so the
// comparison stays constant-time.
func (h *Hasher) Verify(token, encoded string) (bool, error) {
	if len(token) > maxTokenLength {
		h.DummyVerify()
		return false, nil
	}
	var mem, iter uint32 = h.memory, h.iterations
	var threads uint8 = h.parallelism
	var salt, hash []byte
	valid := true
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		valid = false
		salt = make([]byte, 16)
		hash = make([]byte, 32)
	} else if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iter, &threads); err != nil ||
		mem > 2*1024*1024 || iter > 1000 || threads > 128 {
		valid = false
		mem, iter, threads = h.memory, h.iterations, h.parallelism
		salt = make([]byte, 16)
		hash = make([]byte, 32)
	} else {
		var err error
		salt, err = base64.RawStdEncoding.DecodeString(parts[4])
		if err != nil || len(salt) == 0 {
			valid = false
			salt = make([]byte, 16)
		}
		hash, err = base64.RawStdEncoding.DecodeString(parts[5])
		if err != nil || len(hash) == 0 || len(hash) > 256 {
			valid = false
			hash = make([]byte, 32)
		}
	}
	defer wipe(hash)
	defer wipe(salt)
	peppered := h.applyPepper(token)
	defer wipe(peppered)
	otherHash := argon2.IDKey(peppered, salt, iter, mem, threads, uint32(len(hash)))
	defer wipe(otherHash)
	match := subtle.ConstantTimeCompare(hash, otherHash) == 1
	return valid && match, nil
}

// DummyVerify burns the same work as a real verification. Used when the
// target row does not exist so absent and mismatched are indistinguishable.
func (h *Hasher) DummyVerify() {
	salt := make([]byte, 16)
	rand.Read(salt)
	peppered := h.applyPepper("dummy")
	defer wipe(peppered)
	out := argon2.IDKey(peppered, salt, h.iterations, h.memory, h.parallelism, h.keyLength)
	wipe(out)
}

func (h *Hasher) applyPepper(token string) []byte {
	h.mu.RLock()
	pepper := h.pepper
	h.mu.RUnlock()
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(token))
	return mac.Sum(nil)
}

func (h *Hasher) Close() {
	h.mu.Lock()
	wipe(h.pepper)
	h.mu.Unlock()
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
