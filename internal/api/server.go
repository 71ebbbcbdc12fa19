// Package api exposes the gateway's HTTP interface: the public fetch
// endpoints, account self-service, and the internal control plane used by
// the dashboard backend.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/scraperdev/gateway/internal/gateway"
	"github.com/scraperdev/gateway/internal/metrics"
)

// Params wires the server's collaborators.
type Params struct {
	Orchestrator   *gateway.Orchestrator
	Audit          gateway.AuditSink
	AuditReader    gateway.AuditReader // nil disables /internal/user/requests
	Clock          gateway.Clock
	IDGen          gateway.IDGenerator
	Logger         *zap.Logger
	InternalSecret string

	// Ready reports downstream health for /readyz. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Server routes HTTP traffic to the orchestrator and ledger.
type Server struct {
	router         chi.Router
	orch           *gateway.Orchestrator
	audit          gateway.AuditSink
	auditReader    gateway.AuditReader
	clock          gateway.Clock
	idGen          gateway.IDGenerator
	logger         *zap.Logger
	internalSecret string
	ready          func(ctx context.Context) error
}

// NewServer constructs a Server with middleware and routes.
func NewServer(p Params) *Server {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	s := &Server{
		orch:           p.Orchestrator,
		audit:          p.Audit,
		auditReader:    p.AuditReader,
		clock:          p.Clock,
		idGen:          p.IDGen,
		logger:         p.Logger,
		internalSecret: p.InternalSecret,
		ready:          p.Ready,
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/scrape", s.scrape)
		r.Post("/screenshot", s.screenshot)
		r.Route("/user", func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/usage", s.usage)
		})
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(s.requireInternalSecret)
		r.Post("/auth/sync", s.syncIdentity)
		r.Route("/user", func(r chi.Router) {
			r.Get("/api-keys", s.listKeys)
			r.Post("/api-keys", s.createKey)
			r.Delete("/api-keys/{key_id}", s.revokeKey)
			r.Get("/requests", s.listRequests)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, r, gateway.E(gateway.CodeInternal, "not ready"))
			return
		}
	}
	s.writeData(w, r, http.StatusOK, map[string]string{"status": "ready"})
}
