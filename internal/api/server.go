// Package api exposes the authentication service over HTTP.
package api

import (
	"log/slog"
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/vantagetrade/authcore/internal/api/middleware"
	"github.com/vantagetrade/authcore/internal/auth"
	"github.com/vantagetrade/authcore/internal/crypto"
	"github.com/vantagetrade/authcore/internal/mfa"
	"github.com/vantagetrade/authcore/internal/security"
	"github.com/vantagetrade/authcore/internal/session"
	"github.com/vantagetrade/authcore/internal/token"
	"github.com/vantagetrade/authcore/internal/user"
)

// Server holds the handler dependencies.
type Server struct {
	registry  *auth.Registry
	registrar *auth.Registrar
	passwords *auth.PasswordManager
	mfa       *mfa.Service
	sessions  *session.Manager
	tokens    *token.Service
	users     user.Store
	encryptor *crypto.FieldEncryptor
	facade    *security.Facade
	logger    *slog.Logger
}

// Config wires a Server.
type Config struct {
	Registry  *auth.Registry
	Registrar *auth.Registrar
	Passwords *auth.PasswordManager
	MFA       *mfa.Service
	Sessions  *session.Manager
	Tokens    *token.Service
	Users     user.Store
	Encryptor *crypto.FieldEncryptor
	Facade    *security.Facade
	Logger    *slog.Logger
}

func NewServer(cfg Config) *Server {
	return &Server{
		registry:  cfg.Registry,
		registrar: cfg.Registrar,
		passwords: cfg.Passwords,
		mfa:       cfg.MFA,
		sessions:  cfg.Sessions,
		tokens:    cfg.Tokens,
		users:     cfg.Users,
		encryptor: cfg.Encryptor,
		facade:    cfg.Facade,
		logger:    cfg.Logger,
	}
}

// Routes assembles the full router with the middleware stack.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger)
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	r.Use(middleware.PanicRecovery)

	r.Get("/health", s.handleHealth)
	r.Get("/health/crypto", s.handleCryptoHealth)
	r.Handle("/metrics", promhttp.Handler())

	// Credential-bearing endpoints get a tighter per-IP budget.
	authLimiter := middleware.NewIPRateLimiter(rate.Limit(5), 10)
	requireAuth := middleware.RequireAuth(s.tokens)

	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authLimiter.Middleware)
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/password/reset/initiate", s.handleResetInitiate)
			r.Post("/password/reset/complete", s.handleResetComplete)
		})

		r.Get("/verify/email/{token}", s.handleVerifyEmail)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Post("/logout", s.handleLogout)
			r.Post("/password/change", s.handlePasswordChange)
			r.Post("/mfa/enroll", s.handleMFAEnroll)
			r.Post("/mfa/verify", s.handleMFAVerify)
			r.Post("/mfa/disable", s.handleMFADisable)
			r.Get("/sessions", s.handleListSessions)
			r.Delete("/sessions/{id}", s.handleTerminateSession)
		})
	})

	// Privileged operations go through the security facade, which performs
	// its own authentication and auditing.
	if s.facade != nil {
		r.Post("/admin/operations/{name}", s.handleAdminOperation)
	}

	return r
}
