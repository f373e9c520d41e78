package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/medvault/internal/access"
	"github.com/org/medvault/internal/auth"
	"github.com/org/medvault/internal/records"
	"github.com/rs/zerolog/log"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
	// RateLimit is the sustained per-client request rate; RateBurst its bucket size.
	RateLimit int
	RateBurst int
	// TrustForwardedFor takes the client address from the first X-Forwarded-For hop.
	// Enable only behind a proxy that overwrites the header.
	TrustForwardedFor bool
}

// Server is the API server.
type Server struct {
	records *records.Store
	guard   *access.Guard
	tokens  *auth.TokenService
	cfg     Config
	httpSrv *http.Server
}

// NewServer creates a Server over an already loaded record store.
func NewServer(store *records.Store, guard *access.Guard, tokens *auth.TokenService, cfg Config) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 200
	}
	recordsTotal.Set(float64(store.Len()))
	return &Server{
		records: store,
		guard:   guard,
		tokens:  tokens,
		cfg:     cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(realIPMiddleware(s.cfg.TrustForwardedFor))
	r.Use(requestLogMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst).middleware)

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler())

	r.Get("/v1/sys/health", s.HealthHandler)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.tokens))

		r.Post("/v1/sys/reset", s.ResetHandler)

		r.Post("/v1/auth/token/create", s.TokenCreateHandler)
		r.Post("/v1/auth/token/revoke", s.TokenRevokeHandler)
		r.Get("/v1/auth/token/lookup-self", s.TokenLookupSelfHandler)

		r.Route("/v1/records", func(r chi.Router) {
			r.Post("/", s.RecordCreateHandler)
			r.Get("/", s.RecordListOwnedHandler)
			r.Get("/{id}", s.RecordGetHandler)
			r.Put("/{id}", s.RecordUpdateHandler)
			r.Put("/{id}/access/{principal}", s.AccessGrantHandler)
			r.Delete("/{id}/access/{principal}", s.AccessRevokeHandler)
		})
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
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
