package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/scraperdev/gateway/internal/gateway"
)

type usageData struct {
	Used      int    `json:"used"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	ResetAt   string `json:"reset_at"`
	Plan      string `json:"plan"`
}

// usage reports the caller's current quota window without consuming from it.
func (s *Server) usage(w http.ResponseWriter, r *http.Request) {
	auth, ok := authResultFrom(r.Context())
	if !ok {
		s.writeError(w, r, gateway.E(gateway.CodeUnauthorized, "missing API key"))
		return
	}
	quota, err := s.orch.Quota().QuotaInfo(r.Context(), auth.Principal.ID)
	if err != nil {
		s.logger.Error("quota info failed", zap.Error(err), zap.String("principal_id", auth.Principal.ID))
		s.writeError(w, r, gateway.E(gateway.CodeInternal, "internal server error"))
		return
	}
	// The quota backend may not know the principal's limit; the ledger does.
	if quota.Limit == 0 {
		quota.Limit = auth.Principal.QuotaLimit
		quota.Remaining = quota.Limit - quota.Used
		if quota.Remaining < 0 {
			quota.Remaining = 0
		}
	}
	setQuotaHeaders(w, &quota)
	s.writeData(w, r, http.StatusOK, usageData{
		Used:      quota.Used,
		Limit:     quota.Limit,
		Remaining: quota.Remaining,
		ResetAt:   quota.ResetAt.UTC().Format(time.RFC3339),
		Plan:      string(auth.Principal.Plan),
	})
}

// syncIdentity idempotently mirrors an external identity into a principal.
func (s *Server) syncIdentity(w http.ResponseWriter, r *http.Request) {
	var identity gateway.ExternalIdentity
	if err := json.NewDecoder(r.Body).Decode(&identity); err != nil {
		s.writeError(w, r, gateway.E(gateway.CodeInvalidRequest, "invalid JSON body"))
		return
	}
	if identity.ProviderID == "" || identity.Email == "" {
		s.writeError(w, r, gateway.E(gateway.CodeInvalidRequest, "provider_id and email are required"))
		return
	}

	principal, err := s.orch.Ledger().UpsertPrincipal(r.Context(), identity)
	if err != nil {
		s.logger.Error("principal upsert failed", zap.Error(err), zap.String("provider_id", identity.ProviderID))
		s.writeError(w, r, gateway.E(gateway.CodeInternal, "internal server error"))
		return
	}
	s.writeAuthEvent(r, principal.ID, "login", nil)
	s.writeData(w, r, http.StatusOK, principal)
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	principalID := r.URL.Query().Get("principal_id")
	if principalID == "" {
		s.writeError(w, r, gateway.E(gateway.CodeInvalidRequest, "principal_id is required"))
		return
	}
	creds, err := s.orch.Ledger().ListCredentials(r.Context(), principalID)
	if err != nil {
		s.logger.Error("list credentials failed", zap.Error(err), zap.String("principal_id", principalID))
		s.writeError(w, r, gateway.E(gateway.CodeInternal, "internal server error"))
		return
	}
	if creds == nil {
		creds = []gateway.Credential{}
	}
	s.writeData(w, r, http.StatusOK, creds)
}

type createKeyRequest struct {
	PrincipalID string `json:"principal_id"`
	Name        string `json:"name"`
}

func (s *Server) createKey(w http.ResponseWriter, r *http.Request) {
	var body createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, gateway.E(gateway.CodeInvalidRequest, "invalid JSON body"))
		return
	}
	if body.PrincipalID == "" || body.Name == "" {
		s.writeError(w, r, gateway.E(gateway.CodeInvalidRequest, "principal_id and name are required"))
		return
	}

	issued, err := s.orch.Ledger().IssueCredential(r.Context(), body.PrincipalID, body.Name)
	if err != nil {
		switch gateway.CodeOf(err) {
		case gateway.CodeKeyNameTaken:
			s.writeError(w, r, gateway.E(gateway.CodeKeyNameTaken, "an API key with this name already exists"))
		case gateway.CodeNotFound:
			s.writeError(w, r, gateway.E(gateway.CodeNotFound, "principal not found"))
		default:
			s.logger.Error("issue credential failed", zap.Error(err), zap.String("principal_id", body.PrincipalID))
			s.writeError(w, r, gateway.E(gateway.CodeInternal, "internal server error"))
		}
		return
	}
	s.writeAuthEvent(r, body.PrincipalID, "key_created", map[string]string{"key_prefix": issued.Prefix})
	s.writeData(w, r, http.StatusCreated, issued)
}

func (s *Server) revokeKey(w http.ResponseWriter, r *http.Request) {
	principalID := r.URL.Query().Get("principal_id")
	keyID := chi.URLParam(r, "key_id")
	if principalID == "" || keyID == "" {
		s.writeError(w, r, gateway.E(gateway.CodeInvalidRequest, "principal_id and key id are required"))
		return
	}

	revoked, err := s.orch.Ledger().RevokeCredential(r.Context(), principalID, keyID)
	if err != nil {
		s.logger.Error("revoke credential failed", zap.Error(err), zap.String("key_id", keyID))
		s.writeError(w, r, gateway.E(gateway.CodeInternal, "internal server error"))
		return
	}
	if !revoked {
		s.writeError(w, r, gateway.E(gateway.CodeNotFound, "API key not found"))
		return
	}
	s.writeAuthEvent(r, principalID, "key_revoked", map[string]string{"key_id": keyID})
	s.writeData(w, r, http.StatusOK, map[string]bool{"revoked": true})
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	if s.auditReader == nil {
		s.writeError(w, r, gateway.E(gateway.CodeNotFound, "request history is not available"))
		return
	}
	principalID := r.URL.Query().Get("principal_id")
	if principalID == "" {
		s.writeError(w, r, gateway.E(gateway.CodeInvalidRequest, "principal_id is required"))
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, r, gateway.E(gateway.CodeInvalidRequest, "limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	records, err := s.auditReader.RecentRecords(r.Context(), principalID, limit)
	if err != nil {
		s.logger.Error("list requests failed", zap.Error(err), zap.String("principal_id", principalID))
		s.writeError(w, r, gateway.E(gateway.CodeInternal, "internal server error"))
		return
	}
	if records == nil {
		records = []gateway.AuditRecord{}
	}
	s.writeData(w, r, http.StatusOK, records)
}

// writeAuthEvent records a credential lifecycle event without blocking the
// response on sink failures.
func (s *Server) writeAuthEvent(r *http.Request, principalID, eventType string, meta map[string]string) {
	if s.audit == nil {
		return
	}
	event := gateway.AuthEvent{
		PrincipalID: principalID,
		EventType:   eventType,
		RemoteIP:    remoteIP(r),
		UserAgent:   r.UserAgent(),
		Metadata:    meta,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.audit.WriteAuthEvent(r.Context(), event); err != nil {
		s.logger.Warn("auth event write failed", zap.Error(err), zap.String("event_type", eventType))
	}
}
