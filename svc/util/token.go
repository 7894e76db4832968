package util

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/pkg/errors"
)

const deleteTokenBytes = 32

// NewDeleteToken mints the one-time deletion secret returned to the client
// at creation. Only its peppered hash is ever persisted.
func NewDeleteToken() (string, error) {
	buf := make([]byte, deleteTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
