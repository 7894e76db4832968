package db

import (
	"context"
	"database/sql"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/SnarkyB/delerium-server/pkg/domain"
)

var (
	ErrCircuitOpen = errors.New("database circuit breaker open")
	ErrDuplicateID = errors.New("paste id already exists")
)

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

// TokenVerifier gates deletion: it must burn identical work whether or not
// a row exists so callers cannot probe for ids.
type TokenVerifier interface {
	Verify(token, encoded string) (bool, error)
	DummyVerify()
}

// SQLite is the durable paste store. Consumption reads run inside
// immediate transactions so two concurrent readers of a last-remaining
// view can never both succeed.
type SQLite struct {
	db            *sql.DB
	verifier      TokenVerifier
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func NewSQLite(path string, verifier TokenVerifier) (*SQLite, error) {
	return NewSQLiteWithConfig(path, verifier, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, verifier TokenVerifier, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		// immediate txlock: write transactions take the lock at BEGIN,
		// serializing consume-view against concurrent consumers
		dsn = path + "?_txlock=immediate&_busy_timeout=5000"
	}
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(1 * time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	if err := sqlDB.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           sqlDB,
		verifier:     verifier,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	if _, err := s.db.Exec("PRAGMA synchronous=FULL"); err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		ciphertext BLOB NOT NULL,
		iv BLOB NOT NULL,
		mime TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		views_allowed INTEGER,
		views_used INTEGER NOT NULL DEFAULT 0,
		single_view INTEGER NOT NULL DEFAULT 0,
		delete_token_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_expires_at ON pastes(expires_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// Create persists a new paste. The row is durable before Create returns;
// an id collision surfaces as ErrDuplicateID, never a silent overwrite.
func (s *SQLite) Create(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var viewsAllowed sql.NullInt64
	if p.ViewsAllowed != nil {
		viewsAllowed = sql.NullInt64{Int64: int64(*p.ViewsAllowed), Valid: true}
	}
	q := `
	INSERT INTO pastes (id, ciphertext, iv, mime, created_at, expires_at, views_allowed, views_used, single_view, delete_token_hash)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`
	_, err := s.db.ExecContext(queryCtx, q,
		p.ID, p.Ciphertext, p.IV, p.Mime, p.CreatedAt.UTC(), p.ExpiresAt.UTC(),
		viewsAllowed, p.SingleView, p.DeleteTokenHash,
	)
	if sqliteErr, ok := err.(sqlite3.Error); ok && sqliteErr.Code == sqlite3.ErrConstraint {
		return ErrDuplicateID
	}
	s.recordError(err)
	return errors.Wrap(err, "db create")
}

// ConsumeView atomically serves one view. Within a single immediate
// transaction it rejects absent/expired rows, reports views left as of
// entering this read (the read itself included), increments the counter,
// and deletes the row once the limit is reached or the paste is
// single-view.
func (s *SQLite) ConsumeView(ctx context.Context, id string, now time.Time) (*domain.PastePayload, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "begin consume")
	}
	defer tx.Rollback()

	var (
		payload      domain.PastePayload
		expiresAt    time.Time
		viewsAllowed sql.NullInt64
		viewsUsed    int
		singleView   bool
	)
	q := `
	SELECT ciphertext, iv, mime, expires_at, views_allowed, views_used, single_view
	FROM pastes WHERE id = ?
	`
	err = tx.QueryRowContext(queryCtx, q, id).Scan(
		&payload.Ciphertext, &payload.IV, &payload.Mime,
		&expiresAt, &viewsAllowed, &viewsUsed, &singleView,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "consume select")
	}
	if !expiresAt.After(now) {
		// lazy expiry: reclaim on the way out, the reaper is only an
		// optimization
		if _, err := tx.ExecContext(queryCtx, `DELETE FROM pastes WHERE id = ?`, id); err != nil {
			s.recordError(err)
			return nil, errors.Wrap(err, "delete expired")
		}
		if err := tx.Commit(); err != nil {
			s.recordError(err)
			return nil, errors.Wrap(err, "commit expired delete")
		}
		return nil, domain.ErrPasteNotFound
	}
	if viewsAllowed.Valid {
		left := int(viewsAllowed.Int64) - viewsUsed
		if left <= 0 {
			// exhausted row that outlived its delete; treat as gone
			if _, err := tx.ExecContext(queryCtx, `DELETE FROM pastes WHERE id = ?`, id); err != nil {
				s.recordError(err)
				return nil, errors.Wrap(err, "delete exhausted")
			}
			if err := tx.Commit(); err != nil {
				s.recordError(err)
				return nil, errors.Wrap(err, "commit exhausted delete")
			}
			return nil, domain.ErrPasteNotFound
		}
		payload.ViewsLeft = &left
	}
	payload.ExpiresAt = expiresAt
	payload.SingleView = singleView

	used := viewsUsed + 1
	if singleView || (viewsAllowed.Valid && used >= int(viewsAllowed.Int64)) {
		_, err = tx.ExecContext(queryCtx, `DELETE FROM pastes WHERE id = ?`, id)
	} else {
		_, err = tx.ExecContext(queryCtx, `UPDATE pastes SET views_used = ? WHERE id = ?`, used, id)
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "consume update")
	}
	if err := tx.Commit(); err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "commit consume")
	}
	return &payload, nil
}

// DeleteIfTokenMatches deletes the row when rawToken matches its peppered
// hash. Absent rows, expired rows and wrong tokens all come back as
// ErrInvalidToken, with equivalent hashing work on every path.
func (s *SQLite) DeleteIfTokenMatches(ctx context.Context, id, rawToken string, now time.Time) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var (
		tokenHash string
		expiresAt time.Time
	)
	err := s.db.QueryRowContext(queryCtx,
		`SELECT delete_token_hash, expires_at FROM pastes WHERE id = ?`, id,
	).Scan(&tokenHash, &expiresAt)
	if err == sql.ErrNoRows {
		s.verifier.DummyVerify()
		return domain.ErrInvalidToken
	}
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "delete lookup")
	}
	if !expiresAt.After(now) {
		s.verifier.DummyVerify()
		return domain.ErrInvalidToken
	}
	match, err := s.verifier.Verify(rawToken, tokenHash)
	if err != nil {
		return errors.Wrap(err, "verify token")
	}
	if !match {
		return domain.ErrInvalidToken
	}
	// compare-and-delete: a row consumed or swept since the lookup is a
	// no-op, and a reused id with a different token is never touched
	_, err = s.db.ExecContext(queryCtx,
		`DELETE FROM pastes WHERE id = ? AND delete_token_hash = ?`, id, tokenHash)
	s.recordError(err)
	return errors.Wrap(err, "delete paste")
}

// Delete removes a row unconditionally and reports how many rows went.
func (s *SQLite) Delete(ctx context.Context, id string) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, `DELETE FROM pastes WHERE id = ?`, id)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "delete paste")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SweepExpired deletes every row with expires_at <= now, in batches so a
// large backlog cannot hold the write lock for long. Deleting rows that
// are already gone is a no-op, so the sweep may overlap per-request
// deletes freely.
func (s *SQLite) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	totalDeleted := 0
	maxIterations := 10000
	for i := 0; i < maxIterations; i++ {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE expires_at <= ?
				LIMIT 100
			)
		`, now.UTC())
		cancel()
		s.recordError(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "sweep batch failed")
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return totalDeleted, nil
}

func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	err := s.db.QueryRowContext(queryCtx, `SELECT 1 FROM pastes WHERE id = ? LIMIT 1`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
