package svc

import (
	"context"
	"crypto/sha256"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/SnarkyB/delerium-server/cfg"
	"github.com/SnarkyB/delerium-server/pkg/domain"
	"github.com/SnarkyB/delerium-server/svc/auth"
	"github.com/SnarkyB/delerium-server/svc/db"
	"github.com/SnarkyB/delerium-server/svc/lim"
	"github.com/SnarkyB/delerium-server/svc/pow"
)

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		MaxPasteSize: 1024,
		IDLength:     11,
		MinExpiry:    time.Minute,
		MaxExpiry:    30 * 24 * time.Hour,
	}
}

type pasteFixture struct {
	svc     *Paste
	store   *db.SQLite
	limiter *lim.Limiter
	issuer  *pow.Issuer
}

func newFixture(t *testing.T, powEnabled bool, rateCapacity int) *pasteFixture {
	t.Helper()
	hasher, err := auth.NewHasher(1, 8*1024, 1, []byte("0123456789ABCDEF0123456789ABCDEF"))
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "test.db"), hasher)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	issuer, err := pow.NewIssuer(powEnabled, 4, time.Minute)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	limiter := lim.New(rateCapacity, 6, 0, nil)
	t.Cleanup(limiter.Stop)
	return &pasteFixture{
		svc:     NewPaste(store, issuer, limiter, hasher, testCfg()),
		store:   store,
		limiter: limiter,
		issuer:  issuer,
	}
}

func validParams(key string) domain.CreateParams {
	return domain.CreateParams{
		Ciphertext: []byte("opaque"),
		IV:         []byte("twelve-bytes"),
		ExpiresAt:  time.Now().Add(time.Hour),
		ClientKey:  key,
	}
}

func solveChallenge(t *testing.T, ch *pow.Challenge) *PowSubmission {
	t.Helper()
	for i := 0; i < 1<<20; i++ {
		nonce := strconv.Itoa(i)
		digest := sha256.Sum256([]byte(ch.Token + nonce))
		if pow.LeadingZeroBits(digest[:]) >= ch.Difficulty {
			return &PowSubmission{Challenge: ch.Token, Nonce: nonce}
		}
	}
	t.Fatal("no nonce found within budget")
	return nil
}

func TestCreateGetDeleteLifecycle(t *testing.T) {
	f := newFixture(t, false, 100)
	ctx := context.Background()
	paste, token, err := f.svc.Create(ctx, validParams("k1"), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if paste.ID == "" || token == "" {
		t.Fatal("expected id and deletion token")
	}
	payload, err := f.svc.Get(ctx, paste.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(payload.Ciphertext) != "opaque" {
		t.Errorf("ciphertext = %q", payload.Ciphertext)
	}
	if err := f.svc.Delete(ctx, paste.ID, token); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.svc.Get(ctx, paste.ID); err != domain.ErrPasteNotFound {
		t.Errorf("after delete: expected ErrPasteNotFound, got %v", err)
	}
}

func TestCreateRequiresPow(t *testing.T) {
	f := newFixture(t, true, 100)
	ctx := context.Background()
	if _, _, err := f.svc.Create(ctx, validParams("k1"), nil); err != domain.ErrPowRequired {
		t.Errorf("expected ErrPowRequired, got %v", err)
	}
}

func TestCreateRejectsBadPow(t *testing.T) {
	f := newFixture(t, true, 100)
	ctx := context.Background()
	sub := &PowSubmission{Challenge: "bogus", Nonce: "0"}
	if _, _, err := f.svc.Create(ctx, validParams("k1"), sub); err != domain.ErrPowInvalid {
		t.Errorf("expected ErrPowInvalid, got %v", err)
	}
}

func TestCreateWithSolvedPow(t *testing.T) {
	f := newFixture(t, true, 100)
	ctx := context.Background()
	ch, err := f.svc.IssueChallenge()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	sub := solveChallenge(t, ch)
	if _, _, err := f.svc.Create(ctx, validParams("k1"), sub); err != nil {
		t.Fatalf("create with solved pow: %v", err)
	}
}

func TestCreateRateLimited(t *testing.T) {
	f := newFixture(t, false, 1)
	ctx := context.Background()
	if _, _, err := f.svc.Create(ctx, validParams("k1"), nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, _, err := f.svc.Create(ctx, validParams("k1"), nil); err != domain.ErrRateLimited {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
	// a different client key is unaffected
	if _, _, err := f.svc.Create(ctx, validParams("k2"), nil); err != nil {
		t.Errorf("other key: %v", err)
	}
}

func TestRateGateRunsBeforePowGate(t *testing.T) {
	f := newFixture(t, true, 1)
	ctx := context.Background()
	ch, err := f.svc.IssueChallenge()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	sub := solveChallenge(t, ch)
	if _, _, err := f.svc.Create(ctx, validParams("k1"), sub); err != nil {
		t.Fatalf("first create: %v", err)
	}
	// a denied request reports the rate limit, not a pow error, and the
	// submission is not consumed by the gate
	if _, _, err := f.svc.Create(ctx, validParams("k1"), nil); err != domain.ErrRateLimited {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, false, 100)
	ctx := context.Background()

	p := validParams("k1")
	p.Ciphertext = make([]byte, 2048)
	if _, _, err := f.svc.Create(ctx, p, nil); err != domain.ErrSizeInvalid {
		t.Errorf("oversized: expected ErrSizeInvalid, got %v", err)
	}

	p = validParams("k1")
	p.ExpiresAt = time.Now().Add(time.Second)
	if _, _, err := f.svc.Create(ctx, p, nil); err != domain.ErrExpiryTooSoon {
		t.Errorf("near expiry: expected ErrExpiryTooSoon, got %v", err)
	}
}

func TestDeleteRequiresToken(t *testing.T) {
	f := newFixture(t, false, 100)
	ctx := context.Background()
	paste, _, err := f.svc.Create(ctx, validParams("k1"), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.svc.Delete(ctx, paste.ID, ""); err != domain.ErrMissingToken {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}
	if err := f.svc.Delete(ctx, paste.ID, "forged-token"); err != domain.ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := f.svc.Get(ctx, paste.ID); err != nil {
		t.Errorf("paste must survive rejected deletions: %v", err)
	}
}

func TestReaperRemovesExpiredPastes(t *testing.T) {
	f := newFixture(t, false, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &domain.Paste{
		ID:              "expired",
		Ciphertext:      []byte("opaque"),
		IV:              []byte("twelve-bytes"),
		CreatedAt:       time.Now().Add(-2 * time.Hour),
		ExpiresAt:       time.Now().Add(-time.Hour),
		DeleteTokenHash: "x",
	}
	if err := f.store.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := StartReaper(ctx, f.store, 50*time.Millisecond); err != nil {
		t.Fatalf("start reaper: %v", err)
	}
	if err := StartReaper(ctx, f.store, 50*time.Millisecond); err == nil {
		t.Error("second StartReaper should report already running")
	}

	deadline := time.After(2 * time.Second)
	for {
		exists, err := f.store.Exists(ctx, "expired")
		if err != nil {
			t.Fatalf("exists: %v", err)
		}
		if !exists {
			break
		}
		select {
		case <-deadline:
			t.Fatal("reaper did not remove the expired paste in time")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
}
