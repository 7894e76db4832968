package domain

import (
	"testing"
	"time"
)

func TestValidateCreateBounds(t *testing.T) {
	now := time.Now()
	maxSize := int64(1024)
	minExpiry := time.Minute
	base := CreateParams{
		Ciphertext: []byte("ciphertext"),
		IV:         make([]byte, 12),
		ExpiresAt:  now.Add(time.Hour),
	}

	t.Run("valid", func(t *testing.T) {
		if err := ValidateCreate(base, maxSize, minExpiry, now); err != nil {
			t.Fatalf("expected valid params, got %v", err)
		}
	})
	t.Run("empty ciphertext", func(t *testing.T) {
		p := base
		p.Ciphertext = nil
		if err := ValidateCreate(p, maxSize, minExpiry, now); err != ErrSizeInvalid {
			t.Errorf("expected ErrSizeInvalid, got %v", err)
		}
	})
	t.Run("ciphertext at max is accepted", func(t *testing.T) {
		p := base
		p.Ciphertext = make([]byte, maxSize)
		if err := ValidateCreate(p, maxSize, minExpiry, now); err != nil {
			t.Errorf("expected valid, got %v", err)
		}
	})
	t.Run("ciphertext over max", func(t *testing.T) {
		p := base
		p.Ciphertext = make([]byte, maxSize+1)
		if err := ValidateCreate(p, maxSize, minExpiry, now); err != ErrSizeInvalid {
			t.Errorf("expected ErrSizeInvalid, got %v", err)
		}
	})
	t.Run("iv too short", func(t *testing.T) {
		p := base
		p.IV = make([]byte, MinIVLen-1)
		if err := ValidateCreate(p, maxSize, minExpiry, now); err != ErrSizeInvalid {
			t.Errorf("expected ErrSizeInvalid, got %v", err)
		}
	})
	t.Run("iv too long", func(t *testing.T) {
		p := base
		p.IV = make([]byte, MaxIVLen+1)
		if err := ValidateCreate(p, maxSize, minExpiry, now); err != ErrSizeInvalid {
			t.Errorf("expected ErrSizeInvalid, got %v", err)
		}
	})
	t.Run("expiry exactly at minimum is accepted", func(t *testing.T) {
		p := base
		p.ExpiresAt = now.Add(minExpiry)
		if err := ValidateCreate(p, maxSize, minExpiry, now); err != nil {
			t.Errorf("expected valid, got %v", err)
		}
	})
	t.Run("expiry below minimum", func(t *testing.T) {
		p := base
		p.ExpiresAt = now.Add(minExpiry - time.Second)
		if err := ValidateCreate(p, maxSize, minExpiry, now); err != ErrExpiryTooSoon {
			t.Errorf("expected ErrExpiryTooSoon, got %v", err)
		}
	})
	t.Run("zero views allowed", func(t *testing.T) {
		p := base
		zero := 0
		p.ViewsAllowed = &zero
		if err := ValidateCreate(p, maxSize, minExpiry, now); err != ErrViewsInvalid {
			t.Errorf("expected ErrViewsInvalid, got %v", err)
		}
	})
	t.Run("one view allowed", func(t *testing.T) {
		p := base
		one := 1
		p.ViewsAllowed = &one
		if err := ValidateCreate(p, maxSize, minExpiry, now); err != nil {
			t.Errorf("expected valid, got %v", err)
		}
	})
}
