// Package postgres persists principals, credentials and quota counters in
// PostgreSQL. Quota consumption is a single conditional UPDATE so the
// test-and-increment cannot race across gateway replicas.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/scraperdev/gateway/internal/gateway"
	"github.com/scraperdev/gateway/internal/token"
)

// pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements gateway.Ledger on PostgreSQL.
type Store struct {
	db           pool
	clock        gateway.Clock
	idGen        gateway.IDGenerator
	defaultLimit int
	logger       *zap.Logger
}

// Config for Connect.
type Config struct {
	DSN          string
	DefaultLimit int
}

// Connect opens a pgx pool and wraps it in a Store.
func Connect(ctx context.Context, cfg Config, clock gateway.Clock, idGen gateway.IDGenerator, logger *zap.Logger) (*Store, error) {
	db, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewStore(db, cfg.DefaultLimit, clock, idGen, logger), nil
}

// NewStore wraps an existing pool. Used directly by tests with pgxmock.
func NewStore(db pool, defaultLimit int, clock gateway.Clock, idGen gateway.IDGenerator, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, defaultLimit: defaultLimit, clock: clock, idGen: idGen, logger: logger}
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.db.Close()
}

var errUnauthorized = gateway.E(gateway.CodeUnauthorized, "invalid or expired API key")

const authenticateSQL = `
SELECT k.id, k.principal_id, k.key_prefix, k.name, k.active, k.created_at, k.last_used_at, k.expires_at,
       p.id, p.provider_id, p.email, COALESCE(p.name, ''), COALESCE(p.avatar_url, ''),
       p.plan, p.quota_limit, p.quota_count, p.quota_reset_at
FROM api_keys k
JOIN principals p ON p.id = k.principal_id
WHERE k.key_hash = $1
  AND k.active
  AND (k.expires_at IS NULL OR k.expires_at > $2)
  AND p.deleted_at IS NULL`

// Authenticate resolves a raw key via its digest. Format failures, unknown
// digests, revoked keys and deleted principals are indistinguishable to the
// caller.
func (s *Store) Authenticate(ctx context.Context, rawKey string) (gateway.AuthResult, error) {
	if !token.ValidFormat(rawKey) {
		return gateway.AuthResult{}, errUnauthorized
	}

	var (
		cred gateway.Credential
		p    gateway.Principal
	)
	row := s.db.QueryRow(ctx, authenticateSQL, token.Digest(rawKey), s.clock.Now())
	err := row.Scan(
		&cred.ID, &cred.PrincipalID, &cred.Prefix, &cred.Name, &cred.Active,
		&cred.CreatedAt, &cred.LastUsedAt, &cred.ExpiresAt,
		&p.ID, &p.ProviderID, &p.Email, &p.Name, &p.AvatarURL,
		&p.Plan, &p.QuotaLimit, &p.QuotaCount, &p.QuotaResetAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return gateway.AuthResult{}, errUnauthorized
	}
	if err != nil {
		return gateway.AuthResult{}, fmt.Errorf("authenticate query: %w", err)
	}
	return gateway.AuthResult{Principal: p, Credential: cred}, nil
}

// The CASE pair resets a stale window and the WHERE clause admits the request
// in the same statement, so two replicas can never both take the last slot.
const consumeSQL = `
UPDATE principals
SET quota_count = CASE WHEN quota_reset_at <= $2 THEN 1 ELSE quota_count + 1 END,
    quota_reset_at = CASE WHEN quota_reset_at <= $2 THEN $3 ELSE quota_reset_at END
WHERE id = $1 AND (quota_reset_at <= $2 OR quota_count < $4)
RETURNING quota_count, quota_reset_at`

const quotaReadSQL = `
SELECT quota_limit, quota_count, quota_reset_at FROM principals WHERE id = $1 AND deleted_at IS NULL`

// CheckAndConsume increments the daily counter if and only if it is below the
// limit, resetting stale windows in the same statement.
func (s *Store) CheckAndConsume(ctx context.Context, principalID string, limit int) (gateway.QuotaDecision, error) {
	now := s.clock.Now()
	next := gateway.NextUTCMidnight(now)

	var (
		count   int
		resetAt time.Time
	)
	err := s.db.QueryRow(ctx, consumeSQL, principalID, now, next, limit).Scan(&count, &resetAt)
	if err == nil {
		return gateway.QuotaDecision{
			Allowed:   true,
			Used:      count,
			Limit:     limit,
			Remaining: limit - count,
			ResetAt:   resetAt,
		}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return gateway.QuotaDecision{}, fmt.Errorf("consume quota: %w", err)
	}

	// No row updated: either the principal is gone or the window is full.
	var quotaLimit int
	err = s.db.QueryRow(ctx, quotaReadSQL, principalID).Scan(&quotaLimit, &count, &resetAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return gateway.QuotaDecision{}, gateway.E(gateway.CodeNotFound, "principal not found")
	}
	if err != nil {
		return gateway.QuotaDecision{}, fmt.Errorf("read quota after denial: %w", err)
	}
	return gateway.QuotaDecision{
		Allowed:   false,
		Used:      count,
		Limit:     limit,
		Remaining: 0,
		ResetAt:   resetAt,
	}, nil
}

// QuotaInfo reads the window without consuming. A stale window reports zero
// usage and the upcoming boundary without writing anything.
func (s *Store) QuotaInfo(ctx context.Context, principalID string) (gateway.QuotaDecision, error) {
	var (
		limit   int
		count   int
		resetAt time.Time
	)
	err := s.db.QueryRow(ctx, quotaReadSQL, principalID).Scan(&limit, &count, &resetAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return gateway.QuotaDecision{}, gateway.E(gateway.CodeNotFound, "principal not found")
	}
	if err != nil {
		return gateway.QuotaDecision{}, fmt.Errorf("read quota: %w", err)
	}

	now := s.clock.Now()
	if !resetAt.After(now) {
		count = 0
		resetAt = gateway.NextUTCMidnight(now)
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return gateway.QuotaDecision{
		Allowed:   count < limit,
		Used:      count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// TouchCredential stamps last_used_at. Runs off the request path.
func (s *Store) TouchCredential(ctx context.Context, credentialID string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, credentialID, at)
	if err != nil {
		return fmt.Errorf("touch credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gateway.E(gateway.CodeNotFound, "credential not found")
	}
	return nil
}

const upsertPrincipalSQL = `
INSERT INTO principals (id, provider_id, email, name, avatar_url, plan, quota_limit, quota_count, quota_reset_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)
ON CONFLICT (provider_id) DO UPDATE
SET email = EXCLUDED.email,
    name = EXCLUDED.name,
    avatar_url = EXCLUDED.avatar_url,
    deleted_at = NULL,
    updated_at = now()
RETURNING id, provider_id, email, COALESCE(name, ''), COALESCE(avatar_url, ''),
          plan, quota_limit, quota_count, quota_reset_at`

// UpsertPrincipal creates or refreshes a principal keyed by provider id. New
// principals start on the free plan with the default daily limit.
func (s *Store) UpsertPrincipal(ctx context.Context, identity gateway.ExternalIdentity) (gateway.Principal, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return gateway.Principal{}, fmt.Errorf("generate principal id: %w", err)
	}
	next := gateway.NextUTCMidnight(s.clock.Now())

	var p gateway.Principal
	row := s.db.QueryRow(ctx, upsertPrincipalSQL,
		id, identity.ProviderID, identity.Email, identity.Name, identity.AvatarURL,
		gateway.PlanFree, s.defaultLimit, next,
	)
	err = row.Scan(
		&p.ID, &p.ProviderID, &p.Email, &p.Name, &p.AvatarURL,
		&p.Plan, &p.QuotaLimit, &p.QuotaCount, &p.QuotaResetAt,
	)
	if err != nil {
		return gateway.Principal{}, fmt.Errorf("upsert principal: %w", err)
	}
	return p, nil
}

const insertKeySQL = `
INSERT INTO api_keys (id, principal_id, key_hash, key_prefix, name, active, created_at)
VALUES ($1, $2, $3, $4, $5, TRUE, $6)`

// IssueCredential mints a key. Digest collisions retry with fresh material;
// a duplicate active name for the principal is a caller error.
func (s *Store) IssueCredential(ctx context.Context, principalID, name string) (gateway.IssuedCredential, error) {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		rawKey, err := token.Generate()
		if err != nil {
			return gateway.IssuedCredential{}, err
		}
		id, err := s.idGen.NewID()
		if err != nil {
			return gateway.IssuedCredential{}, fmt.Errorf("generate credential id: %w", err)
		}
		createdAt := s.clock.Now()

		_, err = s.db.Exec(ctx, insertKeySQL, id, principalID, token.Digest(rawKey), token.DisplayPrefix(rawKey), name, createdAt)
		if err == nil {
			cred := gateway.Credential{
				ID:          id,
				PrincipalID: principalID,
				Prefix:      token.DisplayPrefix(rawKey),
				Name:        name,
				Active:      true,
				CreatedAt:   createdAt,
			}
			return gateway.IssuedCredential{Credential: cred, RawKey: rawKey}, nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, "key_hash"):
				continue
			case pgErr.Code == "23505":
				return gateway.IssuedCredential{}, gateway.E(gateway.CodeKeyNameTaken, "an API key with this name already exists")
			case pgErr.Code == "23503":
				return gateway.IssuedCredential{}, gateway.E(gateway.CodeNotFound, "principal not found")
			}
		}
		return gateway.IssuedCredential{}, fmt.Errorf("insert credential: %w", err)
	}
	return gateway.IssuedCredential{}, fmt.Errorf("issue credential: exhausted %d attempts", maxAttempts)
}

// RevokeCredential deactivates a key. Revoked keys stay on the row for the
// audit trail.
func (s *Store) RevokeCredential(ctx context.Context, principalID, credentialID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE api_keys SET active = FALSE WHERE id = $1 AND principal_id = $2 AND active`,
		credentialID, principalID,
	)
	if err != nil {
		return false, fmt.Errorf("revoke credential: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const listKeysSQL = `
SELECT id, principal_id, key_prefix, name, active, created_at, last_used_at, expires_at
FROM api_keys
WHERE principal_id = $1 AND active
ORDER BY created_at DESC`

// ListCredentials returns the principal's active keys, newest first.
func (s *Store) ListCredentials(ctx context.Context, principalID string) ([]gateway.Credential, error) {
	rows, err := s.db.Query(ctx, listKeysSQL, principalID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []gateway.Credential
	for rows.Next() {
		var cred gateway.Credential
		err := rows.Scan(
			&cred.ID, &cred.PrincipalID, &cred.Prefix, &cred.Name, &cred.Active,
			&cred.CreatedAt, &cred.LastUsedAt, &cred.ExpiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}
