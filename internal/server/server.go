// Package server provides the HTTP API for chatsearch.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/chatsearch/internal/config"
	"github.com/hyperjump/chatsearch/internal/indexer"
	"github.com/hyperjump/chatsearch/internal/models"
	"github.com/hyperjump/chatsearch/internal/search"
)

// StatsLister reads persisted search statistics.
type StatsLister interface {
	ListSearchStats(ctx context.Context, since time.Time, limit int) ([]*models.SearchStat, error)
}

// WatchService exposes the archive directories being watched.
type WatchService interface {
	Directories() []string
}

// Server is the HTTP server for the chatsearch API.
type Server struct {
	engine    *search.Engine
	indexer   *indexer.Indexer
	stats     StatsLister
	config    config.ServerConfig
	watch     WatchService
	diskPaths []string
	logger    *zap.Logger
	server    *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithWatcher exposes the watched directories under /api/v1/watch/directories.
func WithWatcher(w WatchService) Option {
	return func(s *Server) { s.watch = w }
}

// WithDiskPaths adds the on-disk size of paths to the status response.
func WithDiskPaths(paths ...string) Option {
	return func(s *Server) { s.diskPaths = paths }
}

// NewServer creates a server with the given dependencies.
func NewServer(engine *search.Engine, idx *indexer.Indexer, stats StatsLister, cfg config.ServerConfig, opts ...Option) *Server {
	s := &Server{
		engine:  engine,
		indexer: idx,
		stats:   stats,
		config:  cfg,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/search", s.handleSearch)
		r.Post("/messages", s.handleIndexMessage)
		r.Delete("/messages/{id}", s.handleDeleteMessage)
		r.Get("/messages/{id}/similar", s.handleSimilar)
		r.Post("/import", s.handleImport)
		r.Post("/index", s.handleIndexAll)
		r.Post("/index/rebuild", s.handleRebuild)
		r.Get("/status", s.handleStatus)
		r.Get("/stats", s.handleStats)
		r.Get("/watch/directories", s.handleWatchDirectories)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
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
