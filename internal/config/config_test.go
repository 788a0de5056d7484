package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sharkoder.config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"data_dir": "/var/lib/sharkoder",
		"remote": {"webdav": {"url": "https://nas.local/dav"}}
	}`), 0o600))

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1, s.Pipeline.MaxDownloads)
	assert.Equal(t, 1, s.Pipeline.MaxUploads)
	assert.True(t, s.Pipeline.BackupsEnabled)
	assert.Equal(t, "auto", s.Encoder.HardwareMode)
	assert.Equal(t, 10, s.Cache.ProbeWorkers)
	assert.Equal(t, 10*time.Second, s.Cache.RemoteProbeTimeout.Std())
	assert.Equal(t, 30*time.Second, s.Remote.ConnectTimeout.Std())
}

func TestLoadDurationForms(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"data_dir": ".",
		"remote": {"webdav": {"url": "https://x"}, "connect_timeout": "45s"},
		"cache": {"remote_probe_timeout": 5, "probe_workers": 4}
	}`), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, s.Remote.ConnectTimeout.Std())
	assert.Equal(t, 5*time.Second, s.Cache.RemoteProbeTimeout.Std())
	assert.Equal(t, 4, s.Cache.ProbeWorkers)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Snapshot)
	}{
		{"no remote", func(s *Snapshot) { s.Remote.SFTP.Host = ""; s.Remote.WebDAV.URL = "" }},
		{"zero downloads", func(s *Snapshot) { s.Pipeline.MaxDownloads = 0 }},
		{"bad hardware mode", func(s *Snapshot) { s.Encoder.HardwareMode = "fpga" }},
		{"gpu limit out of range", func(s *Snapshot) { s.Encoder.GPULimit = 150 }},
		{"no probe workers", func(s *Snapshot) { s.Cache.ProbeWorkers = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := Default()
			s.Remote.WebDAV.URL = "https://x"
			tc.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestLayoutPaths(t *testing.T) {
	s := Default()
	s.DataDir = "/data"
	assert.Equal(t, "/data/jobs.db", s.JobsDBPath())
	assert.Equal(t, "/data/.encoding_state.json", s.CrashMarkerPath())
	assert.Equal(t, filepath.Join("/data", "temp", "downloaded"), s.DownloadDir())
	assert.Equal(t, filepath.Join("/data", "backup", "originals"), s.BackupOriginalsDir())
}
