package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/sharkoder/sharkoder/internal/cache"
	"github.com/sharkoder/sharkoder/internal/log"
	"github.com/sharkoder/sharkoder/internal/remotefs"
	"github.com/sharkoder/sharkoder/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": s.pipe.Running(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipe.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.Bus().Recent())
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []*store.Job
		err  error
	)
	if st := r.URL.Query().Get("state"); st != "" {
		jobs, err = s.store.ListByState(r.Context(), store.State(st))
	} else {
		jobs, err = s.store.All(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

type addJobRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var req addJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, errors.New("body must be {\"path\": \"/remote/file.mkv\"}"))
		return
	}
	j, err := s.pipe.Add(r.Context(), req.Path)
	switch {
	case errors.Is(err, store.ErrPathExists):
		writeError(w, http.StatusConflict, err)
	case remotefs.KindOf(err) == remotefs.KindNotFound:
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
	default:
		writeJSON(w, http.StatusCreated, j)
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	j, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	switch err := s.pipe.Remove(r.Context(), id); {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusConflict, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// jobAction adapts the pipeline's per-job controls to a handler.
func (s *Server) jobAction(fn func(context.Context, int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := jobID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		switch err := fn(r.Context(), id); {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, store.ErrStateConflict):
			writeError(w, http.StatusConflict, err)
		case err != nil:
			writeError(w, http.StatusConflict, err)
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		}
	}
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.pipe.ClearAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	// The pipeline outlives the request; it stops via /pipeline/stop or
	// daemon shutdown.
	if err := s.pipe.Start(context.WithoutCancel(r.Context())); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.pipe.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handlePipelinePause holds new claims without touching in-flight work;
// handlePipelineResume lifts the hold. Both are idempotent.
func (s *Server) handlePipelinePause(w http.ResponseWriter, r *http.Request) {
	s.pipe.PauseDispatch()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handlePipelineResume(w http.ResponseWriter, r *http.Request) {
	s.pipe.ResumeDispatch()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("path")
	if dir == "" {
		dir = "/"
	}
	dirs, files, err := s.cache.List(r.Context(), s.remote, dir)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    dir,
		"folders": dirs,
		"files":   files,
	})
}

// handleIndex kicks off a full indexation in the background; repeated
// requests while one runs are refused.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("indexation not available"))
		return
	}
	if !s.indexing.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, errors.New("indexation already running"))
		return
	}
	go func() {
		defer s.indexing.Store(false)
		logger := log.WithComponent("api")
		stats, err := s.indexer.FullIndex(context.WithoutCancel(r.Context()))
		if err != nil {
			logger.Error().Err(err).Msg("full indexation failed")
			return
		}
		logger.Info().
			Int("folders", stats.Folders).
			Int("files", stats.Files).
			Int("probed", stats.Probed).
			Dur("elapsed", stats.Elapsed).
			Msg("full indexation finished")
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "indexing"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("indexation not available"))
		return
	}
	dir := r.URL.Query().Get("path")
	if dir == "" {
		writeError(w, http.StatusBadRequest, errors.New("path query parameter is required"))
		return
	}
	if err := s.indexer.SyncFolder(r.Context(), dir); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := cache.Filters{
		Codec:      q.Get("codec"),
		Resolution: q.Get("resolution"),
		VideoOnly:  q.Get("video_only") == "true",
	}
	if v := q.Get("min_size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		filters.MinSize = n
	}
	hits, err := s.cache.Search(q.Get("q"), filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}
