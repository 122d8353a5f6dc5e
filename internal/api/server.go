package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/mattjoyce/migration-factory/internal/events"
	"github.com/mattjoyce/migration-factory/internal/notify"
	"github.com/mattjoyce/migration-factory/internal/queue"
	"github.com/mattjoyce/migration-factory/internal/store"
	"github.com/mattjoyce/migration-factory/internal/template"
)

// PipelineStore defines the pipeline operations the API exposes.
type PipelineStore interface {
	Create(ctx context.Context, p store.Pipeline) (*store.Pipeline, error)
	Get(ctx context.Context, id string) (*store.Pipeline, error)
	List(ctx context.Context) ([]store.Pipeline, error)
	Delete(ctx context.Context, id string) error
}

// TaskStore defines the task execution operations the API exposes.
type TaskStore interface {
	Get(ctx context.Context, id string) (*store.TaskExecution, error)
	ListByPipeline(ctx context.Context, pipelineID string) ([]store.TaskExecution, error)
	Update(ctx context.Context, te store.TaskExecution) (*store.TaskExecution, error)
}

// TemplateStore defines read access to imported templates.
type TemplateStore interface {
	Get(ctx context.Context, id string) (*store.Template, error)
	List(ctx context.Context) ([]store.Template, error)
}

// TemplateImporter writes validated templates.
type TemplateImporter interface {
	Import(ctx context.Context, templates []store.Template) (template.Report, error)
}

// LogIngester merges tagged log lines into task executions.
type LogIngester interface {
	IngestBatch(ctx context.Context, payload []byte) ([]notify.Notification, error)
	Ingest(ctx context.Context, lines []string) ([]notify.Notification, error)
}

// TriggerPublisher puts notification trigger events on the bus.
type TriggerPublisher interface {
	PublishTrigger(ctx context.Context, ev notify.TriggerEvent) error
}

// EventSource is the bus the SSE stream reads from.
type EventSource interface {
	Since(afterID int64) []events.Event
	Subscribe(types ...string) (<-chan events.Event, func())
}

// JobReader exposes automation job state.
type JobReader interface {
	Depth(ctx context.Context) (int, error)
	ListForTaskExecution(ctx context.Context, taskExecutionID string) ([]*queue.Job, error)
}

// PushGateway serves websocket subscribers.
type PushGateway interface {
	http.Handler
	Count() int
}

// Config holds API server configuration
type Config struct {
	Listen string
	// RequestsPerSecond and Burst bound the ingest routes; zero disables.
	RequestsPerSecond float64
	Burst             int
}

// Deps are the components the routes call into.
type Deps struct {
	Pipelines PipelineStore
	Tasks     TaskStore
	Templates TemplateStore
	Importer  TemplateImporter
	Ingester  LogIngester
	Publisher TriggerPublisher
	Events    EventSource
	Jobs      JobReader
	Gateway   PushGateway
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	limiter   *rate.Limiter
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}
	return s
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// SSE and websocket connections are long lived.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/pipelines", s.handleCreatePipeline)
		r.Get("/pipelines", s.handleListPipelines)
		r.Get("/pipelines/{pipelineID}", s.handleGetPipeline)
		r.Delete("/pipelines/{pipelineID}", s.handleDeletePipeline)
		r.Get("/pipelines/{pipelineID}/tasks", s.handleListTasks)

		r.Get("/task-executions/{taskExecutionID}", s.handleGetTask)
		r.Get("/task-executions/{taskExecutionID}/jobs", s.handleListJobs)
		r.Post("/task-executions/{taskExecutionID}/status", s.handleSetTaskStatus)

		r.Get("/templates", s.handleListTemplates)
		r.Get("/templates/{templateID}", s.handleGetTemplate)
		r.Post("/templates", s.handleImportTemplates)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimitMiddleware)
			r.Post("/logs", s.handleIngestLogs)
			r.Post("/notifications", s.handleTriggerNotification)
		})

		r.Get("/events", s.handleEvents)
		if s.deps.Gateway != nil {
			r.Handle("/ws", s.deps.Gateway)
		}
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// rateLimitMiddleware rejects ingest requests above the configured rate.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
