package gateway

import (
	"context"
	"time"
)

// Driver retrieves a URL's content. Implementations must honor the target's
// timeout via context cancellation and must independently reject URLs that
// fail admission validation.
type Driver interface {
	Fetch(ctx context.Context, target FetchTarget) (FetchResult, error)
}

// BrowserDriver extends Driver with image capture.
type BrowserDriver interface {
	Driver
	Screenshot(ctx context.Context, target FetchTarget) (FetchResult, error)
}

// QuotaKeeper enforces the daily request quota. CheckAndConsume must be a
// single atomic test-and-increment per principal: under N simultaneous calls
// exactly min(N, remaining) succeed.
type QuotaKeeper interface {
	CheckAndConsume(ctx context.Context, principalID string, limit int) (QuotaDecision, error)
	QuotaInfo(ctx context.Context, principalID string) (QuotaDecision, error)
}

// Ledger resolves credentials to principals and manages their lifecycle.
type Ledger interface {
	QuotaKeeper

	// Authenticate resolves a raw API key to an active credential joined to a
	// non-deleted principal. Every failure mode returns the same unauthorized
	// error; callers learn nothing about which check failed.
	Authenticate(ctx context.Context, rawKey string) (AuthResult, error)

	// TouchCredential records last use. Dispatched fire-and-forget; failures
	// must never affect the request that triggered it.
	TouchCredential(ctx context.Context, credentialID string, at time.Time) error

	// UpsertPrincipal idempotently creates or refreshes a principal keyed by
	// the external provider id.
	UpsertPrincipal(ctx context.Context, identity ExternalIdentity) (Principal, error)

	// IssueCredential mints a new key for the principal. The raw secret is
	// returned exactly once and never persisted.
	IssueCredential(ctx context.Context, principalID, name string) (IssuedCredential, error)

	// RevokeCredential flips active=false. Returns false when no active
	// credential matched.
	RevokeCredential(ctx context.Context, principalID, credentialID string) (bool, error)

	ListCredentials(ctx context.Context, principalID string) ([]Credential, error)
}

// AuditSink accepts append-only audit writes. Records are never read back by
// the request path.
type AuditSink interface {
	WriteRecord(ctx context.Context, record AuditRecord) error
	WriteAuthEvent(ctx context.Context, event AuthEvent) error
}

// AuditReader serves the dashboard's request-log listing.
type AuditReader interface {
	RecentRecords(ctx context.Context, principalID string, limit int) ([]AuditRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request and row IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
