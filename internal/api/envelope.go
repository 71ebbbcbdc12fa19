package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/scraperdev/gateway/internal/gateway"
)

// Every JSON response is wrapped in the same envelope: success carries data
// plus meta, failure carries the error object. Clients switch on "success".
type envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Meta    *envelopeMeta  `json:"meta,omitempty"`
	Error   *envelopeError `json:"error,omitempty"`
}

type envelopeMeta struct {
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

type envelopeError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	Details   map[string]any `json:"details,omitempty"`
}

func (s *Server) writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	s.writeJSON(w, status, envelope{
		Success: true,
		Data:    data,
		Meta: &envelopeMeta{
			RequestID: requestIDFrom(r.Context()),
			Timestamp: s.clock.Now().UTC().Format(time.RFC3339),
		},
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, gerr *gateway.Error) {
	s.writeJSON(w, gateway.HTTPStatus(gerr.Code), envelope{
		Success: false,
		Error: &envelopeError{
			Code:      string(gerr.Code),
			Message:   gerr.Message,
			RequestID: requestIDFrom(r.Context()),
			Details:   gerr.Details,
		},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

// setQuotaHeaders exposes the window on every response that consulted it,
// allowed or denied.
func setQuotaHeaders(w http.ResponseWriter, quota *gateway.QuotaDecision) {
	if quota == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(quota.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(quota.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(quota.ResetAt.UTC().Unix(), 10))
}
