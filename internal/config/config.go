// Package config holds the immutable configuration snapshot for the daemon.
//
// A Snapshot is loaded once and never mutated. Live reload is modeled as
// "load a new snapshot, rebuild the adapters": components receive the
// snapshot (or a sub-struct of it) at construction or at job-claim time and
// keep that copy for their lifetime.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Snapshot is the full daemon configuration, read from sharkoder.config.json.
type Snapshot struct {
	DataDir string `json:"data_dir"`

	Remote   Remote   `json:"remote"`
	Pipeline Pipeline `json:"pipeline"`
	Encoder  Encoder  `json:"encoder"`
	Cache    Cache    `json:"cache"`
	API      API      `json:"api"`

	LogLevel string `json:"log_level"`
}

// Remote configures the two transport adapters.
type Remote struct {
	Root string `json:"root"` // remote library root path

	SFTP struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		User     string `json:"user"`
		Password string `json:"password,omitempty"`
		KeyFile  string `json:"key_file,omitempty"`
	} `json:"sftp"`

	WebDAV struct {
		URL      string `json:"url"`
		User     string `json:"user"`
		Password string `json:"password,omitempty"`
	} `json:"webdav"`

	ConnectTimeout Duration `json:"connect_timeout"`
}

// Pipeline configures the scheduler.
type Pipeline struct {
	MaxDownloads       int    `json:"max_downloads"`
	MaxUploads         int    `json:"max_uploads"`
	BackupsEnabled     bool   `json:"backups_enabled"`
	BlockLargerEncoded bool   `json:"block_larger_encoded"`
	PauseBeforeUpload  bool   `json:"pause_before_upload"`
	KeepOriginal       bool   `json:"keep_original"`
	KeepEncoded        bool   `json:"keep_encoded"`
	ReleaseTag         string `json:"release_tag"`
}

// Encoder configures the ffmpeg encode adapter.
type Encoder struct {
	BinPath      string `json:"bin_path"`
	ProbePath    string `json:"probe_path"`
	HardwareMode string `json:"hardware_mode"` // gpu, cpu, auto
	Preset       string `json:"preset"`
	Quality      int    `json:"quality"`
	RateControl  string `json:"rate_control,omitempty"`
	Bitrate      string `json:"bitrate,omitempty"`
	Maxrate      string `json:"maxrate,omitempty"`
	Lookahead    int    `json:"lookahead"`
	BFrames      int    `json:"bframes"`
	BRefMode     string `json:"b_ref_mode,omitempty"`
	SpatialAQ    bool   `json:"spatial_aq"`
	TemporalAQ   bool   `json:"temporal_aq"`
	AQStrength   int    `json:"aq_strength"`
	Multipass    string `json:"multipass,omitempty"`
	TwoPass      bool   `json:"two_pass"`
	AudioCodec   string `json:"audio_codec"`
	AudioBitrate string `json:"audio_bitrate,omitempty"`
	Profile      string `json:"profile,omitempty"`
	PixelFormat  string `json:"pixel_format,omitempty"`
	GPULimit     int    `json:"gpu_limit"`
	Simulation   bool   `json:"simulation_mode"`
	SkipSame     bool   `json:"skip_same_codec"`
	TargetCodec  string `json:"target_codec"`
}

// Cache configures the metadata cache indexer.
type Cache struct {
	ProbeWorkers       int      `json:"probe_workers"`
	RemoteProbeTimeout Duration `json:"remote_probe_timeout"`
	LocalProbeTimeout  Duration `json:"local_probe_timeout"`
}

// API configures the HTTP control surface.
type API struct {
	Listen    string `json:"listen"`
	RateLimit int    `json:"rate_limit"` // requests per minute per client, 0 disables
}

// Default returns a snapshot with every knob at its documented default.
func Default() Snapshot {
	s := Snapshot{
		DataDir:  ".",
		LogLevel: "info",
	}
	s.Remote.SFTP.Port = 22
	s.Remote.ConnectTimeout = Duration(30 * time.Second)
	s.Pipeline = Pipeline{
		MaxDownloads:   1,
		MaxUploads:     1,
		BackupsEnabled: true,
	}
	s.Encoder = Encoder{
		BinPath:      "ffmpeg",
		ProbePath:    "ffprobe",
		HardwareMode: "auto",
		Preset:       "p5",
		Quality:      26,
		Lookahead:    32,
		BFrames:      3,
		AudioCodec:   "copy",
		GPULimit:     100,
		TargetCodec:  "hevc",
	}
	s.Cache = Cache{
		ProbeWorkers:       10,
		RemoteProbeTimeout: Duration(10 * time.Second),
		LocalProbeTimeout:  Duration(30 * time.Second),
	}
	s.API = API{
		Listen:    "127.0.0.1:8790",
		RateLimit: 120,
	}
	return s
}

// Validate rejects snapshots that cannot produce a working daemon.
func (s *Snapshot) Validate() error {
	if s.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if s.Remote.SFTP.Host == "" && s.Remote.WebDAV.URL == "" {
		return fmt.Errorf("config: at least one remote adapter must be configured")
	}
	if s.Pipeline.MaxDownloads < 1 || s.Pipeline.MaxUploads < 1 {
		return fmt.Errorf("config: stage limits must be >= 1")
	}
	switch s.Encoder.HardwareMode {
	case "gpu", "cpu", "auto":
	default:
		return fmt.Errorf("config: hardware_mode %q not in {gpu, cpu, auto}", s.Encoder.HardwareMode)
	}
	if s.Encoder.GPULimit < 0 || s.Encoder.GPULimit > 100 {
		return fmt.Errorf("config: gpu_limit must be in [0,100]")
	}
	if s.Cache.ProbeWorkers < 1 {
		return fmt.Errorf("config: probe_workers must be >= 1")
	}
	return nil
}

// Filesystem layout under DataDir. Every path the daemon persists to goes
// through one of these helpers.

func (s *Snapshot) JobsDBPath() string      { return filepath.Join(s.DataDir, "jobs.db") }
func (s *Snapshot) CacheDBPath() string     { return filepath.Join(s.DataDir, "cache.db") }
func (s *Snapshot) HistoryDir() string      { return filepath.Join(s.DataDir, "history") }
func (s *Snapshot) CrashMarkerPath() string { return filepath.Join(s.DataDir, ".encoding_state.json") }
func (s *Snapshot) DownloadDir() string     { return filepath.Join(s.DataDir, "temp", "downloaded") }
func (s *Snapshot) EncodedDir() string      { return filepath.Join(s.DataDir, "temp", "encoded") }
func (s *Snapshot) BackupOriginalsDir() string {
	return filepath.Join(s.DataDir, "backup", "originals")
}
func (s *Snapshot) BackupEncodedDir() string { return filepath.Join(s.DataDir, "backup", "encoded") }
func (s *Snapshot) LogPath() string          { return filepath.Join(s.DataDir, "logs", "sharkoder.log") }
