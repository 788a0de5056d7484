package router

import (
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

func writeLocal(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "out.mkv")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o640))
	return p
}

func TestListPrefersFirstAdapter(t *testing.T) {
	web := remotefstest.NewFake("webdav")
	sftp := remotefstest.NewFake("sftp")
	web.AddFile("/m/a.mkv", []byte("x"), time.Now())

	r := New(web, sftp)
	entries, err := r.List(context.Background(), "/m")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Empty(t, sftp.Ops, "fallback adapter must not be touched on success")
}

func TestDownloadFailsOverOnTransient(t *testing.T) {
	web := remotefstest.NewFake("webdav")
	sftp := remotefstest.NewFake("sftp")
	content := []byte("media payload")
	web.AddFile("/m/a.mkv", content, time.Now())
	sftp.AddFile("/m/a.mkv", content, time.Now())

	web.OnOp = func(op, p string) error {
		return remotefs.E(remotefs.KindConnectionLost, op, p, errors.New("down"))
	}

	local := filepath.Join(t.TempDir(), "1_a.mkv")
	r := New(web, sftp)
	require.NoError(t, r.Download(context.Background(), "/m/a.mkv", local, nil))

	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFatalErrorNotFailedOver(t *testing.T) {
	web := remotefstest.NewFake("webdav")
	sftp := remotefstest.NewFake("sftp")
	sftp.AddFile("/m/a.mkv", []byte("x"), time.Now())

	r := New(web, sftp)
	// Missing on preferred adapter: NotFound is not retryable and must not
	// mask a genuinely missing file by probing the other adapter.
	err := r.Download(context.Background(), "/m/missing.mkv", filepath.Join(t.TempDir(), "x"), nil)
	assert.Equal(t, remotefs.KindNotFound, remotefs.KindOf(err))
}

func TestForbiddenUploadLatchesReadOnly(t *testing.T) {
	web := remotefstest.NewFake("webdav")
	sftp := remotefstest.NewFake("sftp")
	web.OnOp = func(op, p string) error {
		if op == "write" {
			return remotefs.E(remotefs.KindForbidden, op, p, errors.New("403"))
		}
		return nil
	}

	r := New(web, sftp)
	local := writeLocal(t, "encoded")

	// First upload: refused by webdav, retried once on sftp.
	require.NoError(t, r.Upload(context.Background(), local, "/m/a.mkv", nil))
	assert.Equal(t, []byte("encoded"), sftp.Content("/m/a.mkv"))
	assert.True(t, r.ReadOnly("webdav"))
	assert.False(t, r.ReadOnly("sftp"))

	// Second upload: webdav is skipped entirely.
	webOpsBefore := len(web.Ops)
	require.NoError(t, r.Upload(context.Background(), local, "/m/b.mkv", nil))
	assert.Equal(t, webOpsBefore, len(web.Ops), "read-only adapter must be skipped for writes")
	assert.Equal(t, []byte("encoded"), sftp.Content("/m/b.mkv"))
}

func TestBothAdaptersFailSurfacesKind(t *testing.T) {
	web := remotefstest.NewFake("webdav")
	sftp := remotefstest.NewFake("sftp")
	boom := func(op, p string) error {
		return remotefs.E(remotefs.KindTimeout, op, p, errors.New("slow"))
	}
	web.OnOp = boom
	sftp.OnOp = boom

	r := New(web, sftp)
	_, err := r.List(context.Background(), "/m")
	assert.Equal(t, remotefs.KindTimeout, remotefs.KindOf(err))
}

func TestOpenWriteFailsOver(t *testing.T) {
	web := remotefstest.NewFake("webdav")
	sftp := remotefstest.NewFake("sftp")
	web.OnOp = func(op, p string) error {
		return remotefs.E(remotefs.KindConnectionLost, op, p, errors.New("down"))
	}

	r := New(web, sftp)
	assert.Equal(t, "router", r.Name())

	w, err := r.OpenWrite(context.Background(), "/m/a.mkv", 0, true)
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, []byte("payload"), sftp.Content("/m/a.mkv"))
}

func TestSingleAdapterRouter(t *testing.T) {
	web := remotefstest.NewFake("webdav")
	web.AddFile("/m/a.mkv", []byte("x"), time.Now())

	r := New(web, nil)
	info, err := r.Stat(context.Background(), "/m/a.mkv")
	require.NoError(t, err)
	assert.True(t, info.Exists)
}
