package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scraperdev/gateway/internal/gateway"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	authResultKey
)

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func authResultFrom(ctx context.Context) (gateway.AuthResult, bool) {
	auth, ok := ctx.Value(authResultKey).(gateway.AuthResult)
	return auth, ok
}

// requestIDMiddleware assigns each request a fresh id, echoed in the
// X-Request-ID header and threaded through logs and audit records.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, err := s.idGen.NewID()
		if err != nil {
			s.logger.Error("request id generation failed", zap.Error(err))
			reqID = "unknown"
		}
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"),
				)
				s.writeError(w, r, gateway.E(gateway.CodeInternal, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireAuth resolves the caller's API key for endpoints that read account
// state. Fetch endpoints authenticate inside the orchestrator instead, so
// admission failures there outrank credential failures.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractCredential(r)
		if rawKey == "" {
			s.writeError(w, r, gateway.E(gateway.CodeUnauthorized, "missing API key"))
			return
		}
		auth, err := s.orch.Ledger().Authenticate(r.Context(), rawKey)
		if err != nil {
			if gateway.CodeOf(err) == gateway.CodeUnauthorized {
				s.writeError(w, r, gateway.E(gateway.CodeUnauthorized, "invalid or expired API key"))
				return
			}
			s.logger.Error("credential lookup failed", zap.Error(err))
			s.writeError(w, r, gateway.E(gateway.CodeInternal, "internal server error"))
			return
		}
		ctx := context.WithValue(r.Context(), authResultKey, auth)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInternalSecret guards the control-plane routes with the shared
// secret known only to the dashboard backend.
func (s *Server) requireInternalSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		given := r.Header.Get("X-Internal-Secret")
		if subtle.ConstantTimeCompare([]byte(given), []byte(s.internalSecret)) != 1 {
			s.writeError(w, r, gateway.E(gateway.CodeUnauthorized, "invalid internal secret"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractCredential reads the API key from X-API-Key or a Bearer token.
func extractCredential(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return ""
}

// remoteIP prefers the first X-Forwarded-For hop, falling back to the
// connection address.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
