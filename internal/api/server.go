// Package api exposes the HTTP trigger surface: asynchronous sync and
// enrichment triggers, the OAuth connect flow, run history and health.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/leadsync/internal/connection"
	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/store"
	"github.com/sells-group/leadsync/internal/worker"
)

// Request headers set by the auth layer in front of the API.
const (
	HeaderOrgID  = "X-Org-ID"
	HeaderUserID = "X-User-ID"
)

const stateCookie = "leadsync_oauth_state"

// Store is the subset of the store the API reads.
type Store interface {
	Ping(ctx context.Context) error
	GetConnection(ctx context.Context, id string) (*model.Connection, error)
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	ListSyncRuns(ctx context.Context, filter store.SyncRunFilter) ([]model.SyncRun, error)
}

// Config holds the server settings.
type Config struct {
	Port int
	// PublicURL is the externally reachable base URL used to build OAuth
	// redirect URIs.
	PublicURL   string
	CORSOrigins []string
}

// Server is the HTTP API.
type Server struct {
	cfg         Config
	store       Store
	dispatcher  worker.Dispatcher
	connections *connection.Service
	validator   *validator.Validate
	router      chi.Router
}

// NewServer builds a Server and its routes.
func NewServer(cfg Config, st Store, dispatcher worker.Dispatcher, connections *connection.Service) *Server {
	s := &Server{
		cfg:         cfg,
		store:       st,
		dispatcher:  dispatcher,
		connections: connections,
		validator:   validator.New(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", HeaderOrgID, HeaderUserID},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/oauth/{provider}", func(r chi.Router) {
		r.Get("/authorize", s.handleAuthorize)
		r.Get("/callback", s.handleCallback)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireOrg)
		r.Post("/connections/{id}/sync", s.handleSync)
		r.Get("/connections/{id}/runs", s.handleRuns)
		r.Post("/leads/{id}/enrich", s.handleEnrich)
	})

	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer wraps the router in an http.Server with sane timeouts.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// redirectURI is the OAuth callback URL for provider.
func (s *Server) redirectURI(provider string) string {
	return strings.TrimRight(s.cfg.PublicURL, "/") + "/oauth/" + provider + "/callback"
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func requireOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderOrgID) == "" {
			errorResponse(w, http.StatusUnauthorized, "missing "+HeaderOrgID+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}
