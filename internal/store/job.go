// Package store persists jobs in SQLite. It is the single source of truth
// the stage runners coordinate through: every state transition is written
// here before its side effect becomes externally observable.
package store

import "time"

// State is a job's position in the pipeline.
type State string

const (
	StateWaiting          State = "waiting"
	StateDownloading      State = "downloading"
	StateReadyEncode      State = "ready_encode"
	StateEncoding         State = "encoding"
	StateAwaitingApproval State = "awaiting_approval"
	StateReadyUpload      State = "ready_upload"
	StateUploading        State = "uploading"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StatePaused           State = "paused"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Active reports whether a stage currently owns the job.
func (s State) Active() bool {
	return s == StateDownloading || s == StateEncoding || s == StateUploading
}

// ProbeInfo is the pre-encode metadata attached to a job.
type ProbeInfo struct {
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	Duration        float64 `json:"duration"` // seconds
	Bitrate         int64   `json:"bitrate"`
	AudioStreams    int     `json:"audio_streams"`
	SubtitleStreams int     `json:"subtitle_streams"`
	Container       string  `json:"container"`
}

// Job is the unit of work. RemotePath is immutable after creation; the
// scheduler owns every other field until the job reaches a terminal state.
type Job struct {
	ID         int64  `json:"id"`
	RemotePath string `json:"remote_path"`
	SourceSize int64  `json:"source_size"`

	CodecBefore string `json:"codec_before,omitempty"`
	CodecAfter  string `json:"codec_after,omitempty"`

	State      State   `json:"state"`
	Progress   float64 `json:"progress"` // 0-100 within the current stage
	ETASeconds int64   `json:"eta_seconds"`
	RetryCount int     `json:"retry_count"`

	Probe ProbeInfo `json:"probe"`

	PauseBeforeUpload bool `json:"pause_before_upload"`

	// BackupPath is the server-side .bak sibling recorded after a
	// successful upload; it is the rollback handle.
	BackupPath string `json:"backup_path,omitempty"`

	Error string `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
