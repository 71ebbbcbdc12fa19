package gateway

import (
	"context"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/scraperdev/gateway/internal/admission"
	"github.com/scraperdev/gateway/internal/metrics"
)

const auditWriteTimeout = 5 * time.Second

// Request is one scrape or screenshot invocation at the gateway boundary.
type Request struct {
	RawKey     string
	Target     FetchTarget
	Provenance Provenance
}

// Response carries the outcome plus the quota decision so the transport can
// always set rate-limit headers once a decision exists.
type Response struct {
	Result   *FetchResult
	Quota    *QuotaDecision
	Err      *Error
	Mode     RenderMode
	Duration time.Duration
	BlobURI  string
}

// OrchestratorParams wires the orchestrator's collaborators.
type OrchestratorParams struct {
	Ledger  Ledger
	Quota   QuotaKeeper // defaults to Ledger when nil
	Static  Driver
	Browser BrowserDriver
	Audit   AuditSink
	Blobs   BlobStore // optional screenshot archival
	Clock   Clock
	Logger  *zap.Logger

	// SyncAudit makes audit writes block the request path. Tests only.
	SyncAudit bool
}

// Orchestrator sequences admission, authentication, quota accounting, driver
// dispatch, error classification and audit emission for every request.
type Orchestrator struct {
	ledger    Ledger
	quota     QuotaKeeper
	static    Driver
	browser   BrowserDriver
	audit     AuditSink
	blobs     BlobStore
	clock     Clock
	logger    *zap.Logger
	syncAudit bool
}

// NewOrchestrator validates collaborators and builds an Orchestrator.
func NewOrchestrator(p OrchestratorParams) (*Orchestrator, error) {
	if p.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if p.Static == nil {
		return nil, fmt.Errorf("static driver is required")
	}
	if p.Audit == nil {
		return nil, fmt.Errorf("audit sink is required")
	}
	if p.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	quota := p.Quota
	if quota == nil {
		quota = p.Ledger
	}
	return &Orchestrator{
		ledger:    p.Ledger,
		quota:     quota,
		static:    p.Static,
		browser:   p.Browser,
		audit:     p.Audit,
		blobs:     p.Blobs,
		clock:     p.Clock,
		logger:    p.Logger,
		syncAudit: p.SyncAudit,
	}, nil
}

// Ledger exposes the ledger for the usage and key-management handlers.
func (o *Orchestrator) Ledger() Ledger {
	return o.ledger
}

// Quota exposes the quota keeper for the usage handler.
func (o *Orchestrator) Quota() QuotaKeeper {
	return o.quota
}

// Scrape runs the full pipeline for a content fetch.
func (o *Orchestrator) Scrape(ctx context.Context, req Request) Response {
	return o.run(ctx, req, false)
}

// Screenshot runs the full pipeline for an image capture.
func (o *Orchestrator) Screenshot(ctx context.Context, req Request) Response {
	return o.run(ctx, req, true)
}

func (o *Orchestrator) run(ctx context.Context, req Request, screenshot bool) Response {
	start := o.clock.Now()
	resp := Response{Mode: req.Target.Mode}
	if screenshot {
		resp.Mode = ModeHeavy
	}

	// Admission runs before authentication and before any network I/O.
	canonical, err := admission.Validate(req.Target.URL)
	if err != nil {
		metrics.ObserveAdmissionReject(string(admission.ReasonOf(err)))
		resp.Err = E(CodeBlocked, "%s", admission.ReasonMessage(err))
		return o.finish(req, resp, start)
	}
	req.Target.URL = canonical

	auth, gerr := o.authenticate(ctx, req)
	if gerr != nil {
		resp.Err = gerr
		return o.finish(req, resp, start)
	}

	quota, err := o.quota.CheckAndConsume(ctx, auth.Principal.ID, auth.Principal.QuotaLimit)
	if err != nil {
		o.logger.Error("quota check failed", zap.Error(err), zap.String("principal_id", auth.Principal.ID))
		resp.Err = E(CodeInternal, "internal server error")
		return o.finishAuthed(req, resp, auth, start)
	}
	resp.Quota = &quota
	if !quota.Allowed {
		metrics.ObserveQuotaDenial()
		resp.Err = E(CodeQuotaExceeded,
			"daily quota of %d requests exceeded, resets at %s",
			quota.Limit, quota.ResetAt.UTC().Format(time.RFC3339),
		).WithDetails(map[string]any{
			"current":  quota.Used,
			"limit":    quota.Limit,
			"reset_at": quota.ResetAt.UTC().Format(time.RFC3339),
		})
		return o.finishAuthed(req, resp, auth, start)
	}

	result, err := o.dispatch(ctx, req.Target, screenshot)
	fetchDuration := o.clock.Now().Sub(start)
	if err != nil {
		resp.Err = Classify(err)
		metrics.ObserveFetch(string(resp.Mode), string(resp.Err.Code), fetchDuration)
		if resp.Err.Code == CodeUpstreamFailed || resp.Err.Code == CodeInternal {
			o.logger.Warn("driver failed",
				zap.String("url", req.Target.URL),
				zap.String("mode", string(resp.Mode)),
				zap.Error(err),
			)
		}
		return o.finishAuthed(req, resp, auth, start)
	}
	resp.Result = &result
	metrics.ObserveFetch(string(resp.Mode), "success", fetchDuration)

	if screenshot && o.blobs != nil {
		resp.BlobURI = o.archive(ctx, req, result)
	}
	return o.finishAuthed(req, resp, auth, start)
}

func (o *Orchestrator) authenticate(ctx context.Context, req Request) (AuthResult, *Error) {
	if req.RawKey == "" {
		return AuthResult{}, E(CodeUnauthorized, "missing API key")
	}
	auth, err := o.ledger.Authenticate(ctx, req.RawKey)
	if err != nil {
		if CodeOf(err) == CodeUnauthorized {
			return AuthResult{}, E(CodeUnauthorized, "invalid or expired API key")
		}
		o.logger.Error("credential lookup failed", zap.Error(err))
		return AuthResult{}, E(CodeInternal, "internal server error")
	}

	// Last-used bump and the key_used event are scheduled after the fact and
	// never fail the request.
	o.detach(func(dctx context.Context) {
		if err := o.ledger.TouchCredential(dctx, auth.Credential.ID, o.clock.Now()); err != nil {
			o.logger.Warn("touch credential failed", zap.Error(err))
		}
		event := AuthEvent{
			PrincipalID: auth.Principal.ID,
			EventType:   "key_used",
			RemoteIP:    req.Provenance.RemoteIP,
			UserAgent:   req.Provenance.UserAgent,
			Metadata:    map[string]string{"key_prefix": auth.Credential.Prefix},
			CreatedAt:   o.clock.Now(),
		}
		if err := o.audit.WriteAuthEvent(dctx, event); err != nil {
			o.logger.Warn("auth event write failed", zap.Error(err))
		}
	})
	return auth, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, target FetchTarget, screenshot bool) (FetchResult, error) {
	if screenshot {
		if o.browser == nil {
			return FetchResult{}, E(CodeBrowserUnavailable, "browser rendering is not available")
		}
		return o.browser.Screenshot(ctx, target)
	}
	if target.Mode == ModeHeavy {
		if o.browser == nil {
			return FetchResult{}, E(CodeBrowserUnavailable, "browser rendering is not available")
		}
		return o.browser.Fetch(ctx, target)
	}
	return o.static.Fetch(ctx, target)
}

func (o *Orchestrator) archive(ctx context.Context, req Request, result FetchResult) string {
	format := FormatPNG
	if req.Target.Screenshot != nil && req.Target.Screenshot.Format != "" {
		format = req.Target.Screenshot.Format
	}
	key := path.Join("screenshots", req.Provenance.RequestID+"."+string(format))
	uri, err := o.blobs.PutObject(ctx, key, "image/"+string(format), result.Image)
	if err != nil {
		o.logger.Warn("screenshot archival failed", zap.Error(err), zap.String("key", key))
		return ""
	}
	return uri
}

func (o *Orchestrator) finish(req Request, resp Response, start time.Time) Response {
	return o.finishAuthed(req, resp, AuthResult{}, start)
}

func (o *Orchestrator) finishAuthed(req Request, resp Response, auth AuthResult, start time.Time) Response {
	resp.Duration = o.clock.Now().Sub(start)

	status := 200
	errorCode := ""
	size := 0
	if resp.Err != nil {
		status = HTTPStatus(resp.Err.Code)
		errorCode = string(resp.Err.Code)
	}
	if resp.Result != nil {
		if len(resp.Result.Image) > 0 {
			size = len(resp.Result.Image)
		} else {
			size = len(resp.Result.Content)
		}
	}

	record := AuditRecord{
		RequestID:    req.Provenance.RequestID,
		PrincipalID:  auth.Principal.ID,
		CredentialID: auth.Credential.ID,
		Method:       req.Provenance.Method,
		Path:         req.Provenance.Path,
		TargetURL:    req.Target.URL,
		RenderMode:   string(resp.Mode),
		StatusCode:   status,
		ErrorCode:    errorCode,
		DurationMs:   resp.Duration.Milliseconds(),
		ResponseSize: size,
		BlobURI:      resp.BlobURI,
		RemoteIP:     req.Provenance.RemoteIP,
		UserAgent:    req.Provenance.UserAgent,
		CreatedAt:    o.clock.Now(),
	}
	o.detach(func(dctx context.Context) {
		if err := o.audit.WriteRecord(dctx, record); err != nil {
			o.logger.Warn("audit write failed", zap.Error(err), zap.String("request_id", record.RequestID))
		}
	})
	return resp
}

// detach runs fn after the response value is computed, on a context that
// outlives the request. In SyncAudit mode it runs inline for tests.
func (o *Orchestrator) detach(fn func(ctx context.Context)) {
	if o.syncAudit {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		defer cancel()
		fn(ctx)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		defer cancel()
		fn(ctx)
	}()
}
