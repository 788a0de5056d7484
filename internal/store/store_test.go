package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	j := &Job{RemotePath: "/m/a.mkv", SourceSize: 10485760, PauseBeforeUpload: true}
	require.NoError(t, s.Create(ctx, j))
	require.NotZero(t, j.ID)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "/m/a.mkv", got.RemotePath)
	assert.Equal(t, StateWaiting, got.State)
	assert.True(t, got.PauseBeforeUpload)
	assert.Nil(t, got.StartedAt)
}

func TestCreateDuplicatePathRejected(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Job{RemotePath: "/m/a.mkv"}))
	err := s.Create(ctx, &Job{RemotePath: "/m/a.mkv"})
	assert.ErrorIs(t, err, ErrPathExists)
}

func TestDuplicatePathAllowedAfterTerminal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	j := &Job{RemotePath: "/m/a.mkv"}
	require.NoError(t, s.Create(ctx, j))
	require.NoError(t, s.Fail(ctx, j.ID, "encoder exploded"))

	assert.NoError(t, s.Create(ctx, &Job{RemotePath: "/m/a.mkv"}))
}

func TestClaimFIFO(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a := &Job{RemotePath: "/m/a.mkv"}
	b := &Job{RemotePath: "/m/b.mkv"}
	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b))

	first, err := s.Claim(ctx, StateWaiting, StateDownloading)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, a.ID, first.ID, "claims must follow insertion order")
	assert.Equal(t, StateDownloading, first.State)
	assert.NotNil(t, first.StartedAt)

	second, err := s.Claim(ctx, StateWaiting, StateDownloading)
	require.NoError(t, err)
	assert.Equal(t, b.ID, second.ID)

	none, err := s.Claim(ctx, StateWaiting, StateDownloading)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestTransitionConflict(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	j := &Job{RemotePath: "/m/a.mkv"}
	require.NoError(t, s.Create(ctx, j))

	require.NoError(t, s.Transition(ctx, j.ID, StateWaiting, StateDownloading))
	err := s.Transition(ctx, j.ID, StateWaiting, StateDownloading)
	assert.ErrorIs(t, err, ErrStateConflict)

	err = s.Transition(ctx, 9999, StateWaiting, StateDownloading)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailSetsMessageAndTimestamp(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	j := &Job{RemotePath: "/m/a.mkv"}
	require.NoError(t, s.Create(ctx, j))
	require.NoError(t, s.Fail(ctx, j.ID, "output larger than input: +5.0%"))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Contains(t, got.Error, "+5.0%")
	assert.NotNil(t, got.FinishedAt)
}

func TestProgressThrottle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	j := &Job{RemotePath: "/m/a.mkv"}
	require.NoError(t, s.Create(ctx, j))

	// First write goes through, immediate second is dropped.
	require.NoError(t, s.SetProgress(ctx, j.ID, 10, 100, false))
	require.NoError(t, s.SetProgress(ctx, j.ID, 20, 90, false))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, got.Progress)

	// Forced write bypasses the throttle.
	require.NoError(t, s.SetProgress(ctx, j.ID, 100, 0, true))
	got, err = s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.Progress)
}

func TestIncrementRetryResets(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	j := &Job{RemotePath: "/m/a.mkv"}
	require.NoError(t, s.Create(ctx, j))
	require.NoError(t, s.Fail(ctx, j.ID, "boom"))
	require.NoError(t, s.IncrementRetry(ctx, j.ID))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.Error)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)
}

func TestCountsByState(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Job{RemotePath: "/m/a.mkv"}))
	require.NoError(t, s.Create(ctx, &Job{RemotePath: "/m/b.mkv"}))
	j := &Job{RemotePath: "/m/c.mkv"}
	require.NoError(t, s.Create(ctx, j))
	require.NoError(t, s.Fail(ctx, j.ID, "x"))

	counts, err := s.CountsByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StateWaiting])
	assert.Equal(t, 1, counts[StateFailed])
}

func TestClearNonCompleted(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	done := &Job{RemotePath: "/m/done.mkv"}
	require.NoError(t, s.Create(ctx, done))
	require.NoError(t, s.SetState(ctx, done.ID, StateCompleted))
	require.NoError(t, s.Create(ctx, &Job{RemotePath: "/m/a.mkv"}))

	n, err := s.ClearNonCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	jobs, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, StateCompleted, jobs[0].State)
}

func TestUpdateProbeAndResult(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	j := &Job{RemotePath: "/m/a.mkv"}
	require.NoError(t, s.Create(ctx, j))

	probe := ProbeInfo{Width: 1920, Height: 1080, Duration: 4210.5, Bitrate: 8_000_000,
		AudioStreams: 2, SubtitleStreams: 1, Container: "matroska"}
	require.NoError(t, s.UpdateProbe(ctx, j.ID, "h264", probe))
	require.NoError(t, s.UpdateResult(ctx, j.ID, "h264", "hevc_nvenc"))
	require.NoError(t, s.SetBackupPath(ctx, j.ID, "/m/a.bak.mkv"))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, probe, got.Probe)
	assert.Equal(t, "h264", got.CodecBefore)
	assert.Equal(t, "hevc_nvenc", got.CodecAfter)
	assert.Equal(t, "/m/a.bak.mkv", got.BackupPath)
}

func TestCreatedAtRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	j := &Job{RemotePath: "/m/a.mkv"}
	require.NoError(t, s.Create(ctx, j))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, got.CreatedAt.Before(before.Truncate(time.Second)))
}
