// Package server provides the HTTP API for Tansaku.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/tansaku/internal/config"
	"github.com/hyperjump/tansaku/internal/lifecycle"
	"github.com/hyperjump/tansaku/internal/storage"
	"github.com/hyperjump/tansaku/internal/store"
)

// APIVersion is advertised on every response; versioning is advisory.
const APIVersion = "1.0"

// Server is the HTTP server for the Tansaku API.
type Server struct {
	store     *store.Store
	lifecycle *lifecycle.Manager
	snapshots storage.Snapshotter
	config    *config.Config
	logger    *zap.Logger
	server    *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(
	st *store.Store,
	mgr *lifecycle.Manager,
	snapshots storage.Snapshotter,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	return &Server{
		store:     st,
		lifecycle: mgr,
		snapshots: snapshots,
		config:    cfg,
		logger:    logger,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(apiVersionHeader)

	r.Get("/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)

	r.Route("/api/libraries", func(r chi.Router) {
		r.Post("/", s.handleCreateLibrary)
		r.Get("/", s.handleListLibraries)
		r.Get("/{id}", s.handleGetLibrary)
		r.Patch("/{id}", s.handlePatchLibrary)
		r.Delete("/{id}", s.handleDeleteLibrary)
		r.Get("/{id}/documents", s.handleListDocuments)
		r.Post("/{id}/index", s.handleIndexLibrary)
		r.Get("/{id}/index/status", s.handleIndexStatus)
		r.Post("/{id}/search", s.handleSearch)
	})

	r.Route("/api/documents", func(r chi.Router) {
		r.Post("/", s.handleCreateDocument)
		r.Get("/{id}", s.handleGetDocument)
		r.Patch("/{id}", s.handlePatchDocument)
		r.Delete("/{id}", s.handleDeleteDocument)
		r.Get("/{id}/chunks", s.handleListChunks)
	})

	r.Route("/api/chunks", func(r chi.Router) {
		r.Post("/", s.handleCreateChunk)
		r.Post("/batch", s.handleCreateChunkBatch)
		r.Get("/{id}", s.handleGetChunk)
		r.Patch("/{id}", s.handlePatchChunk)
		r.Delete("/{id}", s.handleDeleteChunk)
	})

	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func apiVersionHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-API-Version", APIVersion)
		next.ServeHTTP(w, r)
	})
}
