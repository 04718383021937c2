// Package server exposes the HTTP API: ingest, cards, retrieval, chat,
// graph, exec traces, and browser capture.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Vortrix5/echogarden/pkg/graph"
	"github.com/Vortrix5/echogarden/pkg/llm"
	"github.com/Vortrix5/echogarden/pkg/logger"
	"github.com/Vortrix5/echogarden/pkg/orchestrator"
	"github.com/Vortrix5/echogarden/pkg/qa"
	"github.com/Vortrix5/echogarden/pkg/retriever"
	"github.com/Vortrix5/echogarden/pkg/storage"
	"github.com/Vortrix5/echogarden/pkg/tools"
	"github.com/Vortrix5/echogarden/pkg/vector"
)

// Deps carries everything the handlers need. LLM may be nil when running
// fully in stub mode.
type Deps struct {
	Store     *storage.Store
	Registry  *tools.Registry
	Retriever *retriever.Retriever
	QA        *qa.Service
	Orch      *orchestrator.Orchestrator
	Graph     *graph.Service
	Vector    vector.Provider
	LLM       *llm.Client

	CaptureKey   string
	WatchRoot    string
	PollInterval time.Duration
}

// Server is the HTTP front end.
type Server struct {
	deps   Deps
	router chi.Router
	http   *http.Server
	logger *slog.Logger
}

// New builds the router. Call Start to listen.
func New(deps Deps, host string, port int) *Server {
	s := &Server{
		deps:   deps,
		logger: logger.GetLogger("server"),
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("HTTP server shutting down")
	return s.http.Shutdown(shutdownCtx)
}

// statusWriter captures the response code for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/tools", s.handleListTools)
	r.Get("/tools/{name}/schema", s.handleToolSchema)
	r.Post("/tools/{name}/run", s.handleToolRun)

	r.Post("/ingest", s.handleIngest)
	r.Get("/cards", s.handleListCards)
	r.Get("/cards/{id}", s.handleGetCard)
	r.Get("/cards/{id}/open", s.handleOpenCard)
	r.Get("/blobs/{id}", s.handleGetBlob)

	r.Post("/retrieve", s.handleRetrieve)
	r.Post("/chat", s.handleChat)
	r.Get("/conversations", s.handleListConversations)
	r.Get("/conversations/{id}", s.handleGetConversation)
	r.Get("/search/history", s.handleSearchHistory)

	r.Get("/digest", s.handleDigest)
	r.Get("/feed/today", s.handleFeedToday)

	r.Post("/graph/upsert", s.handleGraphUpsert)
	r.Post("/graph/query", s.handleGraphQuery)
	r.Post("/graph/expand", s.handleGraphExpand)
	r.Get("/graph/subgraph", s.handleGraphSubgraph)
	r.Get("/graph/search", s.handleGraphSearch)
	r.Get("/graph/neighbors", s.handleGraphNeighbors)

	r.Get("/exec/{trace_id}", s.handleExecTrace)
	r.Get("/tool_calls", s.handleToolCalls)

	r.Get("/capture/status", s.handleCaptureStatus)
	r.Get("/capture/jobs", s.handleCaptureJobs)
	r.Route("/capture/browser", func(r chi.Router) {
		r.Use(s.requireCaptureKey)
		r.Post("/{kind}", s.handleBrowserCapture)
	})

	return r
}
