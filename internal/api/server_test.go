package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharkoder/sharkoder/internal/cache"
	"github.com/sharkoder/sharkoder/internal/config"
	"github.com/sharkoder/sharkoder/internal/ffmpeg"
	"github.com/sharkoder/sharkoder/internal/history"
	"github.com/sharkoder/sharkoder/internal/pipeline"
	"github.com/sharkoder/sharkoder/internal/remotefs"
	"github.com/sharkoder/sharkoder/internal/remotefs/remotefstest"
	"github.com/sharkoder/sharkoder/internal/store"
)

type testRemote struct {
	*remotefstest.Fake
}

func (t testRemote) Download(ctx context.Context, remotePath, localPath string, fn remotefs.ProgressFunc) error {
	return remotefs.Download(ctx, t.Fake, remotePath, localPath, fn)
}

func (t testRemote) Upload(ctx context.Context, localPath, remotePath string, fn remotefs.ProgressFunc) error {
	return remotefs.Upload(ctx, t.Fake, localPath, remotePath, fn)
}

type nopEncoder struct{}

func (nopEncoder) Encode(ctx context.Context, input, output string, in *ffmpeg.ProbeResult, opts ffmpeg.Options, report ffmpeg.ProgressFunc) (*ffmpeg.Result, error) {
	return &ffmpeg.Result{Output: ffmpeg.ProbeResult{Codec: "hevc"}}, nil
}
func (nopEncoder) Stop() {}

type nopProber struct{}

func (nopProber) Probe(ctx context.Context, input string, timeout time.Duration) (*ffmpeg.ProbeResult, error) {
	return &ffmpeg.ProbeResult{Codec: "h264", Duration: 60, FPS: 25}, nil
}

type nopMetaProber struct{}

func (nopMetaProber) ProbeRemote(ctx context.Context, remotePath string) (*ffmpeg.ProbeResult, error) {
	return &ffmpeg.ProbeResult{Codec: "h264", Width: 1920, Height: 1080}, nil
}

func newTestServer(t *testing.T) (*Server, testRemote) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Encoder.TargetCodec = "hevc"

	st, err := store.Open(cfg.JobsDBPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hist, err := history.Open(cfg.HistoryDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	c, err := cache.Open(cfg.CacheDBPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	remote := testRemote{remotefstest.NewFake("fake")}
	remote.AddFile("/media/Movie.x264.mkv", bytes.Repeat([]byte("o"), 100), time.Unix(1700000000, 0))

	_, err = c.FullIndex(context.Background(), remote, "/media", nopMetaProber{}, 2)
	require.NoError(t, err)

	pipe := pipeline.New(cfg, st, remote, nopEncoder{}, nopProber{}, hist, pipeline.NewBus(16))
	return New(cfg.API, pipe, st, c, remote), remote
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.routes(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.routes()

	// Create.
	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs/", addJobRequest{Path: "/media/Movie.x264.mkv"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var j store.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &j))
	assert.Equal(t, store.StateWaiting, j.State)

	// Duplicate conflicts.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/jobs/", addJobRequest{Path: "/media/Movie.x264.mkv"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Missing file is 404.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/jobs/", addJobRequest{Path: "/media/nope.mkv"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Fetch and list.
	rec = doJSON(t, h, http.MethodGet, "/api/v1/jobs/1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/api/v1/jobs/?state=waiting", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Movie.x264.mkv")

	// Pause, resume.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/jobs/1/pause", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/api/v1/jobs/1/resume", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Approve out of order conflicts.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/jobs/1/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Remove.
	rec = doJSON(t, h, http.MethodDelete, "/api/v1/jobs/1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/api/v1/jobs/1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddJobValidation(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.routes()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs/", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/jobs/4096/approve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsAndEvents(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.routes()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/jobs/", addJobRequest{Path: "/media/Movie.x264.mkv"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats pipeline.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Queue[store.StateWaiting])
	assert.False(t, stats.Running)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"added"`)
}

func TestLibraryEndpoints(t *testing.T) {
	s, remote := newTestServer(t)
	h := s.routes()

	rec := doJSON(t, h, http.MethodGet, "/api/v1/library/browse?path=/media", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Movie.x264.mkv")

	// A file created after the index ran shows up via the live merge.
	remote.AddFile("/media/Fresh.mkv", bytes.Repeat([]byte("f"), 10), time.Now())
	rec = doJSON(t, h, http.MethodGet, "/api/v1/library/browse?path=/media", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Fresh.mkv")

	rec = doJSON(t, h, http.MethodGet, "/api/v1/library/browse?path=/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/library/search?q=movie&codec=h264", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Movie.x264.mkv")

	rec = doJSON(t, h, http.MethodGet, "/api/v1/library/search?q=x&min_size=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPipelinePauseResumeEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.routes()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/pipeline/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	// Repeating is a no-op, not an error.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/pipeline/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats pipeline.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.True(t, stats.Paused)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/pipeline/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, s.pipe.DispatchHeld())
}

type fakeIndexer struct {
	synced []string
}

func (f *fakeIndexer) FullIndex(ctx context.Context) (cache.IndexStats, error) {
	return cache.IndexStats{Files: 1}, nil
}

func (f *fakeIndexer) SyncFolder(ctx context.Context, dir string) error {
	f.synced = append(f.synced, dir)
	return nil
}

func TestIndexEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.routes()

	// No indexer wired.
	rec := doJSON(t, h, http.MethodPost, "/api/v1/library/index", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ix := &fakeIndexer{}
	s.SetIndexer(ix)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/library/index", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/library/sync", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/library/sync?path=/media", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"/media"}, ix.synced)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.routes(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
