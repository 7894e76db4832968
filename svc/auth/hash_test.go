package auth

import (
	"strings"
	"testing"
)

var testPepper = []byte("0123456789ABCDEF0123456789ABCDEF")

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(1, 8*1024, 1, testPepper)
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}
	return h
}

func TestHashAndVerify(t *testing.T) {
	h := newTestHasher(t)
	encoded, err := h.Hash("some-deletion-token")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$") {
		t.Fatalf("unexpected encoding: %s", encoded)
	}
	match, err := h.Verify("some-deletion-token", encoded)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !match {
		t.Error("correct token must verify")
	}
}

func TestVerifyRejectsWrongToken(t *testing.T) {
	h := newTestHasher(t)
	encoded, err := h.Hash("right-token")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	match, err := h.Verify("wrong-token", encoded)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if match {
		t.Error("wrong token must not verify")
	}
}

func TestHashesAreSalted(t *testing.T) {
	h := newTestHasher(t)
	a, err := h.Hash("token")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, err := h.Hash("token")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if a == b {
		t.Error("two hashes of the same token must differ by salt")
	}
}

func TestVerifyMalformedEncoding(t *testing.T) {
	h := newTestHasher(t)
	for _, encoded := range []string{
		"",
		"not-a-hash",
		"$argon2id$v=19$m=8192,t=1,p=1$badsalt",
		"$bcrypt$v=19$m=8192,t=1,p=1$AAAA$AAAA",
	} {
		match, err := h.Verify("token", encoded)
		if err != nil {
			t.Errorf("verify(%q) returned error: %v", encoded, err)
		}
		if match {
			t.Errorf("verify(%q) matched", encoded)
		}
	}
}

func TestPepperChangesHash(t *testing.T) {
	h1 := newTestHasher(t)
	otherPepper := []byte("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF")
	h2, err := NewHasher(1, 8*1024, 1, otherPepper)
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}
	encoded, err := h1.Hash("token")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	match, err := h2.Verify("token", encoded)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if match {
		t.Error("hash must not verify under a different pepper")
	}
}

func TestNewHasherRejectsBadParams(t *testing.T) {
	if _, err := NewHasher(1, 8*1024, 1, []byte("short")); err == nil {
		t.Error("expected error for short pepper")
	}
	if _, err := NewHasher(0, 8*1024, 1, testPepper); err == nil {
		t.Error("expected error for zero iterations")
	}
	if _, err := NewHasher(1, 1024, 1, testPepper); err == nil {
		t.Error("expected error for low memory")
	}
	if _, err := NewHasher(1, 8*1024, 0, testPepper); err == nil {
		t.Error("expected error for zero parallelism")
	}
}
