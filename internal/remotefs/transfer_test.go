package remotefs_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharkoder/sharkoder/internal/remotefs"
	"github.com/sharkoder/sharkoder/internal/remotefs/remotefstest"
)

func TestDownloadFull(t *testing.T) {
	fake := remotefstest.NewFake("webdav")
	content := bytes.Repeat([]byte("v"), 4096)
	fake.AddFile("/m/a.mkv", content, time.Now())

	local := filepath.Join(t.TempDir(), "1_a.mkv")
	var last remotefs.Progress
	err := remotefs.Download(context.Background(), fake, "/m/a.mkv", local, func(p remotefs.Progress) {
		last = p
	})
	require.NoError(t, err)

	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, int64(4096), last.Transferred)
	assert.Equal(t, int64(4096), last.Total)
}

func TestDownloadResumesFromOffset(t *testing.T) {
	fake := remotefstest.NewFake("webdav")
	content := []byte("0123456789abcdef")
	fake.AddFile("/m/a.mkv", content, time.Now())

	local := filepath.Join(t.TempDir(), "1_a.mkv")
	require.NoError(t, os.WriteFile(local, content[:7], 0o640))

	require.NoError(t, remotefs.Download(context.Background(), fake, "/m/a.mkv", local, nil))

	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadCompletePartialNotRetransferred(t *testing.T) {
	fake := remotefstest.NewFake("webdav")
	content := []byte("full content")
	fake.AddFile("/m/a.mkv", content, time.Now())

	local := filepath.Join(t.TempDir(), "1_a.mkv")
	require.NoError(t, os.WriteFile(local, content, 0o640))

	require.NoError(t, remotefs.Download(context.Background(), fake, "/m/a.mkv", local, nil))

	for _, op := range fake.Ops {
		if op == "read /m/a.mkv" {
			t.Fatal("download re-transferred a complete local partial")
		}
	}
}

func TestDownloadRetriesTransientThenResumes(t *testing.T) {
	fake := remotefstest.NewFake("webdav")
	content := bytes.Repeat([]byte("v"), 64)
	fake.AddFile("/m/a.mkv", content, time.Now())

	failures := 1
	fake.OnOp = func(op, p string) error {
		if op == "read" && failures > 0 {
			failures--
			return remotefs.E(remotefs.KindConnectionLost, "read", p, errors.New("reset"))
		}
		return nil
	}

	local := filepath.Join(t.TempDir(), "1_a.mkv")
	require.NoError(t, remotefs.Download(context.Background(), fake, "/m/a.mkv", local, nil))

	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadNotFoundNotRetried(t *testing.T) {
	fake := remotefstest.NewFake("webdav")
	stats := 0
	fake.OnOp = func(op, p string) error {
		if op == "stat" {
			stats++
		}
		return nil
	}

	err := remotefs.Download(context.Background(), fake, "/m/missing.mkv", filepath.Join(t.TempDir(), "x"), nil)
	assert.Equal(t, remotefs.KindNotFound, remotefs.KindOf(err))
	assert.Equal(t, 1, stats, "a missing source must fail on the first attempt")
}

func TestDownloadMissingSource(t *testing.T) {
	fake := remotefstest.NewFake("webdav")
	err := remotefs.Download(context.Background(), fake, "/m/missing.mkv", filepath.Join(t.TempDir(), "x"), nil)
	assert.Equal(t, remotefs.KindNotFound, remotefs.KindOf(err))
}

func TestUploadTempThenRename(t *testing.T) {
	fake := remotefstest.NewFake("webdav")
	local := filepath.Join(t.TempDir(), "out.mkv")
	content := bytes.Repeat([]byte("e"), 1024)
	require.NoError(t, os.WriteFile(local, content, 0o640))

	require.NoError(t, remotefs.Upload(context.Background(), fake, local, "/m/a.mkv", nil))
	assert.Equal(t, content, fake.Content("/m/a.mkv"))

	// The rename must target a temp sibling, not stream into place.
	sawTmpWrite := false
	for _, op := range fake.Ops {
		if len(op) > 6 && op[:6] == "write " && op != "write /m/a.mkv" {
			sawTmpWrite = true
		}
	}
	assert.True(t, sawTmpWrite, "upload should write to a temp sibling first")
}

func TestUploadRetriesTransientThenOverwrites(t *testing.T) {
	fake := remotefstest.NewFake("webdav")
	local := filepath.Join(t.TempDir(), "out.mkv")
	require.NoError(t, os.WriteFile(local, []byte("payload"), 0o640))

	failures := 1
	fake.OnOp = func(op, p string) error {
		if op == "write" && failures > 0 {
			failures--
			return remotefs.E(remotefs.KindTransient, "write", p, errors.New("flaky"))
		}
		return nil
	}

	require.NoError(t, remotefs.Upload(context.Background(), fake, local, "/m/a.mkv", nil))
	assert.Equal(t, []byte("payload"), fake.Content("/m/a.mkv"))
}

func TestUploadRenamesOverUndeletableTarget(t *testing.T) {
	fake := remotefstest.NewFake("webdav")
	fake.AddFile("/m/a.mkv", []byte("stale partial"), time.Now())
	local := filepath.Join(t.TempDir(), "out.mkv")
	require.NoError(t, os.WriteFile(local, []byte("payload"), 0o640))

	fake.OnOp = func(op, p string) error {
		if op == "delete" && p == "/m/a.mkv" {
			return remotefs.E(remotefs.KindForbidden, op, p, errors.New("locked"))
		}
		return nil
	}

	// The squatter refuses deletion; the rename replaces it anyway.
	require.NoError(t, remotefs.Upload(context.Background(), fake, local, "/m/a.mkv", nil))
	assert.Equal(t, []byte("payload"), fake.Content("/m/a.mkv"))
}

func TestUploadForbiddenNotRetried(t *testing.T) {
	fake := remotefstest.NewFake("webdav")
	local := filepath.Join(t.TempDir(), "out.mkv")
	require.NoError(t, os.WriteFile(local, []byte("payload"), 0o640))

	writes := 0
	fake.OnOp = func(op, p string) error {
		if op == "write" {
			writes++
			return remotefs.E(remotefs.KindForbidden, "write", p, errors.New("403"))
		}
		return nil
	}

	err := remotefs.Upload(context.Background(), fake, local, "/m/a.mkv", nil)
	assert.Equal(t, remotefs.KindForbidden, remotefs.KindOf(err))
	assert.Equal(t, 1, writes, "forbidden writes must not be retried in the adapter")
}
