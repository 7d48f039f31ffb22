// Package controlplane implements the HTTP API described in spec §4.6:
// bundle ingestion, projection queries, autonomy status, and targeted
// administrative actions. Routing is github.com/go-chi/chi/v5 with
// github.com/go-chi/cors for the middleware stack, grounded on the
// chi+cors dependency pair surfaced by jordigilh-kubernaut's go.mod.
package controlplane

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/leviathan-agent/leviathan/internal/autonomy"
	"github.com/leviathan-agent/leviathan/internal/graph"
	"github.com/leviathan-agent/leviathan/internal/journal"
)

// Server holds the dependencies every handler needs.
type Server struct {
	logger   *zap.Logger
	store    journal.Store
	graph    *graph.Graph
	token    string
	autonomy *autonomy.Source
	router   chi.Router
}

// Config configures a Server.
type Config struct {
	BearerToken      string
	AutonomyFilePath string
	CORSAllowedOrigins []string
}

// New builds a Server with its routes mounted.
func New(logger *zap.Logger, store journal.Store, g *graph.Graph, cfg Config) *Server {
	s := &Server{
		logger:   logger,
		store:    store,
		graph:    g,
		token:    cfg.BearerToken,
		autonomy: autonomy.New(cfg.AutonomyFilePath, logger),
	}
	s.router = s.buildRouter(cfg)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) buildRouter(cfg Config) chi.Router {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Post("/v1/events/ingest", s.handleIngest)
		r.Get("/v1/graph/summary", s.handleGraphSummary)
		r.Get("/v1/attempts/{id}", s.handleAttemptByID)
		r.Get("/v1/attempts", s.handleAttemptsList)
		r.Get("/v1/failures", s.handleFailures)
		r.Post("/v1/attempts/{id}/invalidate", s.handleInvalidateAttempt)
		r.Get("/v1/autonomy/status", s.handleAutonomyStatus)
	})

	return r
}

// bearerAuth enforces spec §4.6: bearer token on every endpoint except
// /healthz, compared in constant time.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		h := r.Header.Get("Authorization")
		if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		presented := h[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("elapsed", time.Since(start)))
		})
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
