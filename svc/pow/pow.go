package pow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"

	"github.com/SnarkyB/delerium-server/metrics"
)

// Outcome is the result of a verification attempt. Only OK admits work;
// the rest are distinguishable for logging but collapse to one
// client-facing rejection at the boundary.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeNotFound
	OutcomeAlreadyUsed
	OutcomeExpired
	OutcomeInsufficientWork
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeAlreadyUsed:
		return "already_used"
	case OutcomeExpired:
		return "expired"
	case OutcomeInsufficientWork:
		return "insufficient_work"
	default:
		return "unknown"
	}
}

const (
	tokenBytes    = 16
	maxChallenges = 100000
)

// Challenge is a single-use, time-boxed puzzle: find a nonce such that
// sha256(token || nonce) has at least Difficulty leading zero bits.
type Challenge struct {
	Token      string    `json:"challenge"`
	Difficulty int       `json:"difficulty"`
	IssuedAt   time.Time `json:"-"`
	ExpiresAt  time.Time `json:"expiresAt"`

	used atomic.Bool
}

// Issuer mints and verifies challenges. Outstanding challenges live in a
// bounded expirable LRU; the TTL eviction doubles as garbage collection
// for challenges that were never attempted.
type Issuer struct {
	challenges *expirable.LRU[string, *Challenge]
	enabled    bool
	difficulty int
	ttl        time.Duration
	now        func() time.Time
}

func NewIssuer(enabled bool, difficulty int, ttl time.Duration) (*Issuer, error) {
	if difficulty < 1 || difficulty > 64 {
		return nil, errors.New("difficulty must be between 1 and 64")
	}
	if ttl < time.Second {
		return nil, errors.New("challenge ttl must be at least 1s")
	}
	return &Issuer{
		challenges: expirable.NewLRU[string, *Challenge](maxChallenges, nil, ttl),
		enabled:    enabled,
		difficulty: difficulty,
		ttl:        ttl,
		now:        time.Now,
	}, nil
}

func (i *Issuer) Enabled() bool {
	return i.enabled
}

// Issue mints a fresh challenge with the configured difficulty and TTL.
func (i *Issuer) Issue() (*Challenge, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, errors.Wrap(err, "rand fail")
	}
	now := i.now()
	ch := &Challenge{
		Token:      base64.RawURLEncoding.EncodeToString(buf),
		Difficulty: i.difficulty,
		IssuedAt:   now,
		ExpiresAt:  now.Add(i.ttl),
	}
	i.challenges.Add(ch.Token, ch)
	metrics.PowIssued.Inc()
	return ch, nil
}

// Verify consumes the challenge on its first attempt, pass or fail: the
// used flag is claimed with a compare-and-swap before any evaluation, so
// two concurrent verifies on the same token cannot both win and a failed
// nonce cannot be retried against the same challenge.
func (i *Issuer) Verify(token, nonce string) Outcome {
	outcome := i.verify(token, nonce)
	metrics.PowVerified.WithLabelValues(outcome.String()).Inc()
	return outcome
}

func (i *Issuer) verify(token, nonce string) Outcome {
	ch, ok := i.challenges.Get(token)
	if !ok {
		return OutcomeNotFound
	}
	if !ch.used.CompareAndSwap(false, true) {
		return OutcomeAlreadyUsed
	}
	if i.now().After(ch.ExpiresAt) {
		return OutcomeExpired
	}
	digest := sha256.Sum256([]byte(token + nonce))
	if LeadingZeroBits(digest[:]) < ch.Difficulty {
		return OutcomeInsufficientWork
	}
	return OutcomeOK
}

// LeadingZeroBits counts zero bits from the most significant byte down;
// a zero byte contributes 8 and scanning continues, a nonzero byte ends
// the scan.
func LeadingZeroBits(digest []byte) int {
	count := 0
	for _, b := range digest {
		if b == 0 {
			count += 8
			continue
		}
		count += bits.LeadingZeros8(b)
		break
	}
	return count
}
