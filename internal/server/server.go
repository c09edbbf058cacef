// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer. It connects stores, services, handlers,
// middleware and routes, and decides:
//   - Which URL patterns map to which handler functions
//   - Which routes sit behind RequireAuth / RequireAdmin
//   - How the server starts and stops gracefully
//
// DEPENDENCY INJECTION FLOW:
//
//	config.Config → Server.New() creates:
//	  sqlite.DB (users, oauth links, revoked tokens)
//	  redis.Denylist (only when REDIS_URL is set)
//	  TokenService, PasswordService, OAuth providers
//	  AuthService / OAuthService / AdminService → handlers
//
// This is the "composition root" pattern: all dependencies are wired in one
// place (New/setupRoutes), rather than scattered across the codebase.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/sessions"

	"github.com/sakif/code-aura/internal/auth"
	"github.com/sakif/code-aura/internal/config"
	"github.com/sakif/code-aura/internal/handler"
	"github.com/sakif/code-aura/internal/metrics"
	"github.com/sakif/code-aura/internal/middleware"
	"github.com/sakif/code-aura/internal/model"
	"github.com/sakif/code-aura/internal/repository"
	redisRepo "github.com/sakif/code-aura/internal/repository/redis"
	sqliteRepo "github.com/sakif/code-aura/internal/repository/sqlite"
	"github.com/sakif/code-aura/internal/service"
)

const (
	redisConnectTimeout = 5 * time.Second
	shutdownTimeout     = 30 * time.Second
)

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the database connection and, when configured, the Redis
// client. Close releases both; Start calls it during graceful shutdown.
type Server struct {
	router *chi.Mux
	config config.Config
	logger *slog.Logger

	db       *sqliteRepo.DB
	denylist *redisRepo.Denylist // nil → revocations live in SQLite

	tokens    *auth.TokenService
	passwords *auth.PasswordService
	providers auth.Providers
	sessions  sessions.Store
	metrics   *metrics.Metrics
}

// New creates a Server from cfg. It opens (and migrates) the database,
// connects to Redis when REDIS_URL is set, and builds the route tree.
//
// IMPORT ALIAS:
// repository/sqlite and repository/redis are imported as sqliteRepo and
// redisRepo so they don't read like the driver packages.
func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	// === CREATE DATABASE ===
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router:    chi.NewRouter(),
		config:    cfg,
		logger:    logger,
		db:        db,
		passwords: auth.NewPasswordService(cfg.BcryptCost),
		providers: buildProviders(cfg),
		sessions:  newSessionStore(cfg),
		metrics:   metrics.New(),
	}

	// === TOKEN DENYLIST ===
	// SQLite is enough for a single instance; Redis lets several instances
	// share revocations.
	var denylist repository.TokenDenylist = db
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
		client, err := redisRepo.Connect(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		s.denylist = redisRepo.NewDenylist(client)
		denylist = s.denylist
	}

	s.tokens, err = auth.NewTokenService(cfg.JWTSecret,
		auth.WithTTL(cfg.JWTTTL),
		auth.WithIssuer(cfg.JWTIssuer),
		auth.WithDenylist(denylist),
	)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating token service: %w", err)
	}

	s.setupRoutes()

	logger.Info("server configured",
		slog.Any("oauth_providers", s.providers.Enabled()),
		slog.Bool("redis_denylist", s.denylist != nil),
	)
	return s, nil
}

// buildProviders creates a Provider for every provider with a complete
// client registration. Providers without one are simply absent, and their
// login URLs answer 400.
func buildProviders(cfg config.Config) auth.Providers {
	client := &http.Client{Timeout: cfg.OAuthTimeout}
	providers := make(auth.Providers)

	for _, name := range cfg.EnabledProviders() {
		oc := cfg.OAuth[name]
		pc := auth.ProviderConfig{
			ClientID:     oc.ClientID,
			ClientSecret: oc.ClientSecret,
			RedirectURL:  cfg.CallbackURL(name),
			AuthURL:      oc.AuthURL,
			TokenURL:     oc.TokenURL,
			APIBaseURL:   oc.APIBaseURL,
			HTTPClient:   client,
		}

		switch name {
		case model.ProviderGoogle:
			providers[name] = auth.NewGoogleProvider(pc)
		case model.ProviderFacebook:
			providers[name] = auth.NewFacebookProvider(pc)
		case model.ProviderGitHub:
			providers[name] = auth.NewGitHubProvider(pc)
		}
	}
	return providers
}

// newSessionStore holds the pending OAuth state between the login redirect
// and the callback. Cookies are signed with SESSION_SECRET, so a client can
// read but not forge them.
func newSessionStore(cfg config.Config) sessions.Store {
	return sessions.NewCookieStore([]byte(cfg.SessionSecret))
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
// GET    /healthz                       → liveness + dependency checks
// GET    /metrics                       → Prometheus exposition
// POST   /auth/register                 → create local account, returns token
// POST   /auth/login                    → email + password, returns token
// GET    /auth/providers                → enabled OAuth providers
// GET    /auth/{provider}/login         → redirect to the provider
// GET    /auth/{provider}/callback      → finish OAuth, returns token
// GET    /auth/profile                  → [auth] own profile + linked accounts
// PUT    /auth/profile                  → [auth] update own profile
// POST   /auth/password                 → [auth] change own password
// POST   /auth/logout                   → [auth] revoke the presented token
// GET    /api/admin/dashboard           → [admin] statistics + recent users
// GET    /api/admin/users               → [admin] paginated user list
// PUT    /api/admin/users/{id}          → [admin] edit a user
// DELETE /api/admin/users/{id}          → [admin] delete a user
// POST   /api/admin/create-admin        → [admin] create an admin account
//
// MIDDLEWARE ORDER MATTERS:
// Middleware executes in the order it's added. Our order:
//  1. RequestID: assigns a unique ID to each request (for tracing)
//  2. RealIP: extracts real client IP from proxy headers
//  3. Logger: logs each request with timing info
//  4. Metrics: counts requests per route pattern
//  5. Recoverer: catches panics and returns 500 instead of crashing. It sits
//     inside Logger and Metrics so a panic is still logged and counted.
//  6. CORS: answers preflight requests from the front end
func (s *Server) setupRoutes() {
	// === Global Middleware ===
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// === Handlers ===
	// DEPENDENCY CHAIN:
	//   s.db (sqlite.DB) implements UserRepository and OAuthRepository
	//   the services receive those interfaces, the handlers receive services.
	authService := service.NewAuthService(s.db, s.db, s.tokens, s.passwords, s.logger)
	oauthService := service.NewOAuthService(s.db, s.db, s.tokens, s.passwords, s.logger)
	adminService := service.NewAdminService(s.db, s.passwords, s.logger)

	authHandler := handler.NewAuthHandler(authService, s.logger)
	oauthHandler := handler.NewOAuthHandler(s.providers, oauthService, s.sessions, s.config.SecureCookies, s.logger)
	adminHandler := handler.NewAdminHandler(adminService, s.logger)

	checks := map[string]handler.Pinger{"database": s.db}
	if s.denylist != nil {
		checks["redis"] = s.denylist
	}
	healthHandler := handler.NewHealthHandler(checks, s.logger)

	// === Operational Routes ===
	s.router.Get("/healthz", healthHandler.HandleHealth)
	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	// === Auth Routes ===
	s.router.Route("/auth", func(r chi.Router) {
		r.Post("/register", authHandler.HandleRegister)
		r.Post("/login", authHandler.HandleLogin)
		r.Get("/providers", oauthHandler.HandleProviders)
		r.Get("/{provider}/login", oauthHandler.HandleLogin)
		r.Get("/{provider}/callback", oauthHandler.HandleCallback)

		// r.Group shares the URL prefix but adds middleware only for these
		// routes.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(s.tokens, s.logger))
			r.Get("/profile", authHandler.HandleProfile)
			r.Put("/profile", authHandler.HandleUpdateProfile)
			r.Post("/password", authHandler.HandleChangePassword)
			r.Post("/logout", authHandler.HandleLogout)
		})
	})

	// === Admin Routes ===
	// RequireAdmin re-reads the role from the database on every request, so
	// a demoted admin loses access immediately instead of at token expiry.
	s.router.Route("/api/admin", func(r chi.Router) {
		r.Use(auth.RequireAuth(s.tokens, s.logger))
		r.Use(auth.RequireAdmin(s.db, s.logger))
		r.Get("/dashboard", adminHandler.HandleDashboard)
		r.Get("/users", adminHandler.HandleListUsers)
		r.Put("/users/{id}", adminHandler.HandleUpdateUser)
		r.Delete("/users/{id}", adminHandler.HandleDeleteUser)
		r.Post("/create-admin", adminHandler.HandleCreateAdmin)
	})
}

// Handler returns the root handler. Tests mount it on httptest.NewServer.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases the database and the Redis client.
func (s *Server) Close() error {
	var errs []error
	if s.denylist != nil {
		if err := s.denylist.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing redis: %w", err))
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}
	return errors.Join(errs...)
}

// Start starts the HTTP server and handles graceful shutdown.
//
// GRACEFUL SHUTDOWN:
//  1. Stop accepting new HTTP connections
//  2. Wait for in-flight requests to finish (30s timeout)
//  3. Close the database (flushes WAL, releases file lock) and Redis
func (s *Server) Start() error {
	defer func() {
		if err := s.Close(); err != nil {
			s.logger.Error("closing resources", slog.String("error", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// The OAuth callback makes up to three provider calls, each bounded
		// by OAuthTimeout.
		WriteTimeout: 15*time.Second + 3*s.config.OAuthTimeout,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", s.config.BaseURL),
			slog.String("database", s.config.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
