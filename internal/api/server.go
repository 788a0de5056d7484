// Package api is the HTTP control surface: queue management, approval
// gate, library browsing and stats. It mutates nothing on its own; every
// handler delegates to the pipeline or the cache.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sharkoder/sharkoder/internal/cache"
	"github.com/sharkoder/sharkoder/internal/config"
	"github.com/sharkoder/sharkoder/internal/log"
	"github.com/sharkoder/sharkoder/internal/pipeline"
	"github.com/sharkoder/sharkoder/internal/remotefs"
	"github.com/sharkoder/sharkoder/internal/store"
)

// Indexer triggers library indexation. The daemon wires it to the cache
// and the transport router; tests leave it unset.
type Indexer interface {
	FullIndex(ctx context.Context) (cache.IndexStats, error)
	SyncFolder(ctx context.Context, dir string) error
}

// Server wires the handlers to their backends.
type Server struct {
	cfg    config.API
	pipe   *pipeline.Pipeline
	store  *store.Store
	cache  *cache.Cache
	remote remotefs.Remote

	indexer  Indexer
	indexing atomic.Bool

	http *http.Server
}

// New builds the server. remote backs the live half of library browsing
// and may be nil, in which case browsing serves cached rows only.
func New(cfg config.API, pipe *pipeline.Pipeline, st *store.Store, c *cache.Cache, remote remotefs.Remote) *Server {
	s := &Server{cfg: cfg, pipe: pipe, store: st, cache: c, remote: remote}
	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetIndexer installs the library indexation backend.
func (s *Server) SetIndexer(ix Indexer) { s.indexer = ix }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if s.cfg.RateLimit > 0 {
		r.Use(httprate.Limit(s.cfg.RateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP)))
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/events", s.handleEvents)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleAddJob)
			r.Post("/clear", s.handleClearAll)
			r.Get("/{id}", s.handleGetJob)
			r.Delete("/{id}", s.handleRemoveJob)
			r.Post("/{id}/pause", s.jobAction(s.pipe.Pause))
			r.Post("/{id}/resume", s.jobAction(s.pipe.Resume))
			r.Post("/{id}/approve", s.jobAction(s.pipe.Approve))
			r.Post("/{id}/reject", s.jobAction(s.pipe.Reject))
			r.Post("/{id}/retry", s.jobAction(s.pipe.Retry))
		})

		r.Post("/pipeline/start", s.handleStart)
		r.Post("/pipeline/stop", s.handleStop)
		r.Post("/pipeline/pause", s.handlePipelinePause)
		r.Post("/pipeline/resume", s.handlePipelineResume)

		r.Route("/library", func(r chi.Router) {
			r.Get("/browse", s.handleBrowse)
			r.Get("/search", s.handleSearch)
			r.Post("/index", s.handleIndex)
			r.Post("/sync", s.handleSync)
		})
	})
	return r
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	logger := log.WithComponent("api")
	logger.Info().Str("listen", s.http.Addr).Msg("api listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func jobID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
