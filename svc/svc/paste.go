package svc

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/SnarkyB/delerium-server/cfg"
	"github.com/SnarkyB/delerium-server/metrics"
	"github.com/SnarkyB/delerium-server/pkg/domain"
	"github.com/SnarkyB/delerium-server/svc/auth"
	"github.com/SnarkyB/delerium-server/svc/db"
	"github.com/SnarkyB/delerium-server/svc/lim"
	"github.com/SnarkyB/delerium-server/svc/pow"
	"github.com/SnarkyB/delerium-server/svc/util"
)

// Paste orchestrates the create/read/delete paths. It owns no state of
// its own; the admission gates run in order (rate limit, proof of work,
// validation) and only then does the store see the entity.
type Paste struct {
	db     *db.SQLite
	pow    *pow.Issuer
	lim    *lim.Limiter
	hasher *auth.Hasher
	cfg    *cfg.Cfg
}

// PowSubmission carries a solved challenge along with a create request.
type PowSubmission struct {
	Challenge string `json:"challenge"`
	Nonce     string `json:"nonce"`
}

func NewPaste(sqlDB *db.SQLite, powIssuer *pow.Issuer, limiter *lim.Limiter, hasher *auth.Hasher, c *cfg.Cfg) *Paste {
	if sqlDB == nil || powIssuer == nil || limiter == nil || hasher == nil || c == nil {
		panic("paste service: nil dependency (db, pow, limiter, hasher, or cfg)")
	}
	return &Paste{
		db:     sqlDB,
		pow:    powIssuer,
		lim:    limiter,
		hasher: hasher,
		cfg:    c,
	}
}

func (p *Paste) PowEnabled() bool {
	return p.pow.Enabled()
}

// IssueChallenge mints a proof-of-work challenge for a prospective create.
func (p *Paste) IssueChallenge() (*pow.Challenge, error) {
	return p.pow.Issue()
}

// Create runs the admission gates in order and persists the paste. The
// raw deletion token is returned exactly once and never stored.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams, powSub *PowSubmission) (*domain.Paste, string, error) {
	res := p.lim.Acquire(ctx, params.ClientKey, "create")
	if !res.Allowed {
		return nil, "", domain.ErrRateLimited
	}
	if p.pow.Enabled() {
		if powSub == nil {
			return nil, "", domain.ErrPowRequired
		}
		outcome := p.pow.Verify(powSub.Challenge, powSub.Nonce)
		if outcome != pow.OutcomeOK {
			util.Warn().
				Str("outcome", outcome.String()).
				Str("challenge", util.RedactToken(powSub.Challenge)).
				Msg("pow verification failed")
			return nil, "", domain.ErrPowInvalid
		}
	}
	now := time.Now()
	if err := domain.ValidateCreate(params, p.cfg.MaxPasteSize, p.cfg.MinExpiry, now); err != nil {
		return nil, "", err
	}
	deleteToken, err := util.NewDeleteToken()
	if err != nil {
		return nil, "", errors.Wrap(err, "gen delete token")
	}
	tokenHash, err := p.hasher.Hash(deleteToken)
	if err != nil {
		return nil, "", errors.Wrap(err, "hash delete token")
	}
	id, err := util.GenID(p.cfg.IDLength, func(id string) (bool, error) {
		return p.db.Exists(ctx, id)
	})
	if err != nil {
		return nil, "", errors.Wrap(domain.ErrIDGenerationFailed, err.Error())
	}
	paste := &domain.Paste{
		ID:              id,
		Ciphertext:      params.Ciphertext,
		IV:              params.IV,
		Mime:            params.Mime,
		CreatedAt:       now,
		ExpiresAt:       params.ExpiresAt,
		ViewsAllowed:    params.ViewsAllowed,
		SingleView:      params.SingleView,
		DeleteTokenHash: tokenHash,
	}
	if err := p.db.Create(ctx, paste); err != nil {
		return nil, "", errors.Wrap(err, "create paste")
	}
	metrics.PasteCreated.Inc()
	return paste, deleteToken, nil
}

// Get consumes one view. Absent, expired and exhausted rows are one and
// the same outcome.
func (p *Paste) Get(ctx context.Context, id string) (*domain.PastePayload, error) {
	payload, err := p.db.ConsumeView(ctx, id, time.Now())
	if err != nil {
		return nil, err
	}
	metrics.PasteRetrieved.Inc()
	return payload, nil
}

// Delete removes a paste early, gated by its deletion token.
func (p *Paste) Delete(ctx context.Context, id, token string) error {
	if token == "" {
		return domain.ErrMissingToken
	}
	if err := p.db.DeleteIfTokenMatches(ctx, id, token, time.Now()); err != nil {
		return err
	}
	metrics.PasteDeleted.Inc()
	util.Info().Str("id", id).Msg("paste deleted via token")
	return nil
}
