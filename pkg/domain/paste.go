package domain

import (
	"time"
)

// Paste is a stored client-encrypted blob plus its consumption metadata.
// The server never interprets Ciphertext or IV.
type Paste struct {
	ID              string    `json:"id"`
	Ciphertext      []byte    `json:"-"`
	IV              []byte    `json:"-"`
	Mime            string    `json:"mime,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	ViewsAllowed    *int      `json:"views_allowed,omitempty"`
	ViewsUsed       int       `json:"-"`
	SingleView      bool      `json:"single_view"`
	DeleteTokenHash string    `json:"-"`
}

// PastePayload is what a successful view returns. ViewsLeft counts the
// views remaining as of entering the read, including the read itself;
// nil means unlimited.
type PastePayload struct {
	Ciphertext []byte
	IV         []byte
	Mime       string
	ExpiresAt  time.Time
	SingleView bool
	ViewsLeft  *int
}

type CreateParams struct {
	Ciphertext   []byte
	IV           []byte
	Mime         string
	ExpiresAt    time.Time
	ViewsAllowed *int
	SingleView   bool
	ClientKey    string
}

const (
	MinIVLen = 12
	MaxIVLen = 64
)

// ValidateCreate checks the creation preconditions. The first violated
// bound wins; nothing is partially applied.
func ValidateCreate(p CreateParams, maxSize int64, minExpiry time.Duration, now time.Time) error {
	if len(p.Ciphertext) == 0 || int64(len(p.Ciphertext)) > maxSize {
		return ErrSizeInvalid
	}
	if len(p.IV) < MinIVLen || len(p.IV) > MaxIVLen {
		return ErrSizeInvalid
	}
	// expiry exactly minExpiry in the future is accepted
	if p.ExpiresAt.Before(now.Add(minExpiry)) {
		return ErrExpiryTooSoon
	}
	if p.ViewsAllowed != nil && *p.ViewsAllowed < 1 {
		return ErrViewsInvalid
	}
	return nil
}
