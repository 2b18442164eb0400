package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/evcharge/chargelink/internal/auth"
	"github.com/evcharge/chargelink/internal/command"
	"github.com/evcharge/chargelink/internal/config"
	"github.com/evcharge/chargelink/internal/lifecycle"
	"github.com/evcharge/chargelink/internal/storage"
	"github.com/evcharge/chargelink/internal/stream"
	"github.com/evcharge/chargelink/internal/validation"
)

// StreamController is the part of the event stream manager the API drives
type StreamController interface {
	Start(ctx context.Context, token string) error
	Stop()
	UpdateToken(token string)
	Status() stream.Status
}

// Deps are the components the API exposes
type Deps struct {
	Store     storage.Store
	Stream    StreamController
	Lifecycle *lifecycle.Monitor
	Selector  *command.Selector
}

// RESTServer represents the local control API server
type RESTServer struct {
	config    *config.Config
	store     storage.Store
	stream    StreamController
	lifecycle *lifecycle.Monitor
	selector  *command.Selector
	auth      *auth.JWTManager
	validator *validation.Validator
	router    chi.Router
	server    *http.Server
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, deps Deps) *RESTServer {
	s := &RESTServer{
		config:    cfg,
		store:     deps.Store,
		stream:    deps.Stream,
		lifecycle: deps.Lifecycle,
		selector:  deps.Selector,
		auth:      auth.NewJWTManager(&cfg.JWT, cfg.API.KeyHash),
		validator: validation.NewValidator(),
		router:    chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// command requests wait for the device reply
		WriteTimeout: cfg.MQTT.CommandTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.API.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// Handler returns the root handler
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting control API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type ctxKey string

const claimsKey ctxKey = "claims"

// authMiddleware is the authentication middleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get token from header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		// Parse Bearer token
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		// Validate token
		claims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		// Add claims to context
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientFromContext returns the API client name of an authenticated request
func clientFromContext(ctx context.Context) string {
	if claims, ok := ctx.Value(claimsKey).(*auth.Claims); ok {
		return claims.Client
	}
	return ""
}
