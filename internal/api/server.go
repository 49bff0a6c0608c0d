// Package api exposes secretflow over HTTP.
package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/org/secretflow/internal/access"
	"github.com/org/secretflow/internal/approval"
	"github.com/org/secretflow/internal/audit"
	"github.com/org/secretflow/internal/auth"
	"github.com/org/secretflow/internal/permission"
	"github.com/org/secretflow/internal/secret"
	"github.com/org/secretflow/internal/snapshot"
	"github.com/org/secretflow/internal/storage"
	"github.com/org/secretflow/internal/worker"
)

// Config holds server configuration.
type Config struct {
	ListenAddr     string
	TLSCertFile    string
	TLSKeyFile     string
	RateLimitRPS   int
	RateLimitBurst int
}

// Services are the domain services the handlers call into.
type Services struct {
	Store     storage.Backend
	Perms     *permission.Engine
	Tokens    *auth.TokenService
	Secrets   *secret.Service
	Snapshots *snapshot.Service
	Approvals *approval.Service
	Access    *access.Service
	Audit     *audit.Logger
	Pool      *worker.Pool
}

// Server is the API server.
type Server struct {
	Services
	cfg     Config
	httpSrv *http.Server
}

// NewServer creates a Server over fully wired services.
func NewServer(svc Services, cfg Config) *Server {
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 200
	}
	return &Server{Services: svc, cfg: cfg}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst).middleware)

	r.Handle("/metrics", MetricsHandler())
	r.Get("/v1/sys/health", s.HealthHandler)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.Tokens))
		r.Use(auditMiddleware(s.Audit))

		r.Get("/v1/sys/audit-log", s.AuditLogHandler)

		r.Route("/v1/projects/{projectID}", func(r chi.Router) {
			r.Get("/secrets", s.SecretListHandler)
			r.Post("/secrets", s.SecretCreateHandler)
			r.Get("/secrets/{key}", s.SecretGetHandler)
			r.Patch("/secrets/{key}", s.SecretUpdateHandler)
			r.Delete("/secrets/{key}", s.SecretDeleteHandler)
			r.Get("/export", s.ExportHandler)

			r.Get("/folders", s.FolderListHandler)
			r.Post("/folders", s.FolderCreateHandler)
			r.Delete("/folders", s.FolderDeleteHandler)

			r.Get("/snapshots", s.SnapshotListHandler)
			r.Post("/snapshots", s.SnapshotCreateHandler)

			r.Get("/approval-policies", s.PolicyListHandler)
			r.Post("/approval-policies", s.PolicyCreateHandler)
			r.Get("/approval-policies/{policyID}", s.PolicyGetHandler)
			r.Put("/approval-policies/{policyID}", s.PolicyUpdateHandler)
			r.Delete("/approval-policies/{policyID}", s.PolicyDeleteHandler)

			r.Get("/approval-requests", s.RequestListHandler)

			r.Get("/roles/{slug}", s.RoleGetHandler)
			r.Put("/roles/{slug}", s.RolePutHandler)
			r.Delete("/roles/{slug}", s.RoleDeleteHandler)
			r.Get("/memberships", s.MembershipListHandler)
			r.Post("/memberships", s.MembershipCreateHandler)
			r.Delete("/memberships/{assignmentID}", s.MembershipDeleteHandler)
			r.Post("/groups/{groupID}/members", s.GroupMemberAddHandler)
			r.Get("/permissions", s.PermissionsHandler)
		})

		r.Get("/v1/secrets/{secretID}/versions", s.VersionListHandler)
		r.Get("/v1/secrets/{secretID}/versions/{version}", s.VersionGetHandler)
		r.Post("/v1/secrets/{secretID}/versions/{version}/restore", s.VersionRestoreHandler)

		r.Get("/v1/snapshots/{snapshotID}", s.SnapshotGetHandler)
		r.Get("/v1/snapshots/{snapshotID}/diff", s.SnapshotDiffHandler)
		r.Post("/v1/snapshots/{snapshotID}/rollback", s.SnapshotRollbackHandler)

		r.Get("/v1/approval-requests/{requestID}", s.RequestGetHandler)
		r.Post("/v1/approval-requests/{requestID}/review", s.RequestReviewHandler)
		r.Post("/v1/approval-requests/{requestID}/merge", s.RequestMergeHandler)
		r.Post("/v1/approval-requests/{requestID}/close", s.RequestCloseHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.BuildRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
