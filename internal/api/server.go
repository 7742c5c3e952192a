package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/orchestrator"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// Options carries the optional collaborators of the API.
type Options struct {
	// Bus feeds /events and, with Async set, the submission worker.
	Bus domain.EventBus

	// Async enables POST /transactions?async=true.
	Async bool

	Version string
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, svc *orchestrator.Orchestrator, opts Options) *Server {
	handler := NewHandler(svc, opts)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Live feed; kept outside the compressed group so the upgrade sees the
	// raw connection.
	router.Get("/events", handler.Events)

	router.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Use(ActorMiddleware)

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", handler.CreateTransaction)
			r.Get("/", handler.ListTransactions)
			r.Post("/predict-batch", handler.BatchPredict)
			r.Get("/{id}", handler.GetTransaction)
			r.Patch("/{id}", handler.UpdateTransaction)
			r.Put("/{id}/fraud-flag", handler.SetFraudFlag)
			r.Post("/{id}/decision", handler.ReviewTransaction)
			r.Post("/{id}/predict", handler.Rescore)
			r.Get("/{id}/audit", handler.TransactionAudit)
		})

		r.Route("/anomalies", func(r chi.Router) {
			r.Post("/", handler.CreateAnomaly)
			r.Get("/", handler.ListAnomalies)
			r.Get("/{id}", handler.GetAnomaly)
			r.Patch("/{id}", handler.UpdateAnomaly)
			r.Delete("/{id}", handler.DeleteAnomaly)
			r.Put("/{id}/status", handler.UpdateAnomalyStatus)
			r.Post("/{id}/comments", handler.AddComment)
			r.Get("/{id}/audit", handler.AnomalyAudit)
		})

		r.Post("/ingest/{kind}", handler.Ingest)
		r.Get("/trends/anomaly-rate", handler.RateTrend)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
