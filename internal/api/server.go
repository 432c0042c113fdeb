package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dgallion1/deckgen/internal/config"
	"github.com/dgallion1/deckgen/internal/extract"
	"github.com/dgallion1/deckgen/internal/pipeline"
)

// Server is the HTTP API server for deckgen.
type Server struct {
	router chi.Router
	queue  *pipeline.JobQueue
	stats  *extract.LLMStats
	log    *zap.SugaredLogger
	cfg    config.Config
}

// NewServer creates and configures the HTTP server. stats may be nil.
func NewServer(queue *pipeline.JobQueue, stats *extract.LLMStats, log *zap.SugaredLogger, cfg config.Config) *Server {
	s := &Server{
		queue: queue,
		stats: stats,
		log:   log,
		cfg:   cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	// Public endpoints.
	r.Get("/health", s.handleHealth)

	// Authenticated endpoints.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.APIKey, s.log))

		r.Post("/api/generate", s.handleGenerate)
		r.Route("/api/runs/{jobID}", func(r chi.Router) {
			r.Get("/status", s.handleRunStatus)
			r.Get("/cards", s.handleRunCards)
			r.Get("/failures", s.handleRunFailures)
			r.Post("/cancel", s.handleCancel)
			r.Post("/export", s.handleExport)
		})
		r.Get("/api/categories", s.handleCategories)
		r.Get("/api/stats/llm", s.handleLLMStats)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"queue_depth": s.queue.QueueDepth(),
	})
}
