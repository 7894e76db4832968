package util

import (
	"crypto/rand"

	"github.com/pkg/errors"
)

const base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const maxIDRetries = 5

// GenID produces a random base62 identifier of the requested length,
// retrying on collision. Collisions are negligible at sane lengths but an
// existing row is never silently reused.
func GenID(length int, exists func(string) (bool, error)) (string, error) {
	if length < 4 {
		return "", errors.New("id length too short")
	}
	for retry := 0; retry < maxIDRetries; retry++ {
		id, err := randomBase62(length)
		if err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		exist, err := exists(id)
		if err != nil {
			return "", err
		}
		if !exist {
			return id, nil
		}
	}
	return "", errors.New("id collision after 5 retries")
}

func randomBase62(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		// 256 is not a multiple of 62; the bias is irrelevant for
		// lookup keys, only uniqueness matters here.
		out[i] = base62Chars[int(b)%len(base62Chars)]
	}
	return string(out), nil
}
