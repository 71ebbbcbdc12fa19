// Package gateway defines core types shared across subsystems.
package gateway

import "time"

// PlanTier identifies a principal's billing plan.
type PlanTier string

// Plan tiers persisted on the principal row.
const (
	PlanFree       PlanTier = "free"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
)

// RenderMode selects the fetch strategy for a request.
type RenderMode string

// Render modes accepted at the gateway boundary.
const (
	ModeLight RenderMode = "light"
	ModeHeavy RenderMode = "heavy"
)

// ImageFormat is the encoding used for screenshot capture.
type ImageFormat string

// Screenshot formats supported by the browser driver.
const (
	FormatPNG  ImageFormat = "png"
	FormatJPEG ImageFormat = "jpeg"
	FormatWEBP ImageFormat = "webp"
)

// Principal is an authenticated caller with its own quota state.
type Principal struct {
	ID           string     `json:"id"`
	ProviderID   string     `json:"provider_id"`
	Email        string     `json:"email"`
	Name         string     `json:"name,omitempty"`
	AvatarURL    string     `json:"avatar_url,omitempty"`
	Plan         PlanTier   `json:"plan"`
	QuotaLimit   int        `json:"quota_limit"`
	QuotaCount   int        `json:"quota_count"`
	QuotaResetAt time.Time  `json:"quota_reset_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Credential is a long-lived secret bound to exactly one principal.
// The raw secret is never stored; only its SHA-256 digest is persisted.
type Credential struct {
	ID          string     `json:"id"`
	PrincipalID string     `json:"principal_id"`
	Prefix      string     `json:"key_prefix"`
	Name        string     `json:"name"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// IssuedCredential carries the raw key exactly once, at issuance.
type IssuedCredential struct {
	Credential
	RawKey string `json:"key"`
}

// AuthResult pairs the resolved principal with the credential that matched.
type AuthResult struct {
	Principal  Principal
	Credential Credential
}

// ExternalIdentity is the idempotent upsert payload from the identity-sync
// collaborator, keyed by the external provider id.
type ExternalIdentity struct {
	ProviderID string `json:"provider_id"`
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	AvatarURL  string `json:"avatar_url,omitempty"`
}

// QuotaDecision is the outcome of one quota check against a principal's
// daily window. ResetAt always falls on a UTC day boundary.
type QuotaDecision struct {
	Allowed   bool      `json:"allowed"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// ScreenshotParams configures image capture on the heavy driver.
type ScreenshotParams struct {
	Width    int
	Height   int
	FullPage bool
	Format   ImageFormat
}

// FetchTarget captures everything needed to fetch one URL. URL must be the
// canonical form produced by the admission validator; drivers re-validate it.
type FetchTarget struct {
	URL        string
	Selector   string
	WaitFor    string
	Timeout    time.Duration
	Mode       RenderMode
	Screenshot *ScreenshotParams
}

// FetchResult is the successful outcome of a driver invocation. Content and
// Image are mutually exclusive: scrapes fill Content, screenshots fill Image.
type FetchResult struct {
	Content    string    `json:"content,omitempty"`
	Image      []byte    `json:"-"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	StatusCode int       `json:"-"`
	FetchedAt  time.Time `json:"timestamp"`
}

// Provenance carries network and routing metadata for the audit trail.
type Provenance struct {
	RequestID string
	Method    string
	Path      string
	RemoteIP  string
	UserAgent string
}

// AuditRecord is the append-only projection of one gateway decision.
// Principal and credential ids are empty when authentication never resolved.
type AuditRecord struct {
	RequestID    string    `json:"request_id"`
	PrincipalID  string    `json:"principal_id,omitempty"`
	CredentialID string    `json:"credential_id,omitempty"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	TargetURL    string    `json:"target_url"`
	RenderMode   string    `json:"render_mode"`
	StatusCode   int       `json:"status_code"`
	ErrorCode    string    `json:"error_code,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	ResponseSize int       `json:"response_size"`
	BlobURI      string    `json:"blob_uri,omitempty"`
	RemoteIP     string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthEvent records a credential lifecycle event (login, key_used,
// key_created, key_revoked).
type AuthEvent struct {
	PrincipalID string            `json:"principal_id"`
	EventType   string            `json:"event_type"`
	RemoteIP    string            `json:"ip_address,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// NextUTCMidnight returns the start of the next UTC day after now.
func NextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}
