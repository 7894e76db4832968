package util

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func neverExists(string) (bool, error) { return false, nil }

func TestGenIDLengthAndAlphabet(t *testing.T) {
	id, err := GenID(11, neverExists)
	if err != nil {
		t.Fatalf("gen id: %v", err)
	}
	if len(id) != 11 {
		t.Errorf("len = %d, want 11", len(id))
	}
	for _, r := range id {
		if !strings.ContainsRune(base62Chars, r) {
			t.Errorf("id %q contains %q outside base62 alphabet", id, r)
		}
	}
}

func TestGenIDRejectsShortLength(t *testing.T) {
	if _, err := GenID(3, neverExists); err == nil {
		t.Error("expected error for length below minimum")
	}
}

func TestGenIDRetriesOnCollision(t *testing.T) {
	collisions := 0
	exists := func(string) (bool, error) {
		if collisions < 2 {
			collisions++
			return true, nil
		}
		return false, nil
	}
	id, err := GenID(11, exists)
	if err != nil {
		t.Fatalf("gen id: %v", err)
	}
	if id == "" {
		t.Error("expected id after retries")
	}
	if collisions != 2 {
		t.Errorf("collisions seen = %d, want 2", collisions)
	}
}

func TestGenIDGivesUpAfterMaxRetries(t *testing.T) {
	alwaysExists := func(string) (bool, error) { return true, nil }
	if _, err := GenID(11, alwaysExists); err == nil {
		t.Error("expected error when every candidate collides")
	}
}

func TestGenIDPropagatesExistsError(t *testing.T) {
	boom := errors.New("db down")
	exists := func(string) (bool, error) { return false, boom }
	if _, err := GenID(11, exists); err == nil {
		t.Error("expected error from exists check")
	}
}

func TestNewDeleteToken(t *testing.T) {
	a, err := NewDeleteToken()
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	b, err := NewDeleteToken()
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	if a == b {
		t.Error("two tokens must differ")
	}
	// 32 bytes in unpadded base64url
	if len(a) != 43 {
		t.Errorf("token length = %d, want 43", len(a))
	}
	if strings.ContainsAny(a, "+/=") {
		t.Errorf("token %q is not base64url", a)
	}
}
