// Package postgres persists the audit trail: one request_logs row per
// gateway decision and one auth_events row per credential event. Writes are
// append-only and happen off the request path.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scraperdev/gateway/internal/gateway"
)

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Store implements gateway.AuditSink and gateway.AuditReader on PostgreSQL.
type Store struct {
	db pool
}

// Connect opens a dedicated pool for audit writes.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create audit pool: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewStore(db), nil
}

// NewStore wraps an existing pool. Tests pass pgxmock.
func NewStore(db pool) *Store {
	return &Store{db: db}
}

// Close releases the pool.
func (s *Store) Close() {
	s.db.Close()
}

const insertRecordSQL = `
INSERT INTO request_logs (request_id, principal_id, credential_id, method, path, target_url,
                          render_mode, status_code, error_code, duration_ms, response_size,
                          blob_uri, ip_address, user_agent, created_at)
VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11,
        NULLIF($12, ''), $13, $14, $15)`

// WriteRecord appends one request record.
func (s *Store) WriteRecord(ctx context.Context, r gateway.AuditRecord) error {
	_, err := s.db.Exec(ctx, insertRecordSQL,
		r.RequestID, r.PrincipalID, r.CredentialID, r.Method, r.Path, r.TargetURL,
		r.RenderMode, r.StatusCode, r.ErrorCode, r.DurationMs, r.ResponseSize,
		r.BlobURI, r.RemoteIP, r.UserAgent, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

const insertAuthEventSQL = `
INSERT INTO auth_events (principal_id, event_type, ip_address, user_agent, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

// WriteAuthEvent appends one credential lifecycle event.
func (s *Store) WriteAuthEvent(ctx context.Context, e gateway.AuthEvent) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	_, err = s.db.Exec(ctx, insertAuthEventSQL,
		e.PrincipalID, e.EventType, e.RemoteIP, e.UserAgent, meta, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert auth event: %w", err)
	}
	return nil
}

const recentRecordsSQL = `
SELECT request_id, COALESCE(principal_id, ''), COALESCE(credential_id, ''), method, path,
       target_url, render_mode, status_code, COALESCE(error_code, ''), duration_ms,
       response_size, COALESCE(blob_uri, ''), ip_address, user_agent, created_at
FROM request_logs
WHERE principal_id = $1
ORDER BY created_at DESC
LIMIT $2`

// RecentRecords lists a principal's request history, newest first.
func (s *Store) RecentRecords(ctx context.Context, principalID string, limit int) ([]gateway.AuditRecord, error) {
	rows, err := s.db.Query(ctx, recentRecordsSQL, principalID, limit)
	if err != nil {
		return nil, fmt.Errorf("query request logs: %w", err)
	}
	defer rows.Close()

	var out []gateway.AuditRecord
	for rows.Next() {
		var r gateway.AuditRecord
		err := rows.Scan(
			&r.RequestID, &r.PrincipalID, &r.CredentialID, &r.Method, &r.Path,
			&r.TargetURL, &r.RenderMode, &r.StatusCode, &r.ErrorCode, &r.DurationMs,
			&r.ResponseSize, &r.BlobURI, &r.RemoteIP, &r.UserAgent, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan request log: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate request logs: %w", err)
	}
	return out, nil
}
