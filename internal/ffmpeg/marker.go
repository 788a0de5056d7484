package ffmpeg

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/google/renameio/v2"
)

// CrashMarker records an encode in flight. It is written before the
// encoder process spawns and removed on clean end or failure, so its
// presence at startup means the previous encode was interrupted and its
// partial output is a ghost.
type CrashMarker struct {
	InputPath  string    `json:"input_path"`
	OutputPath string    `json:"output_path"`
	StartedAt  time.Time `json:"started_at"`
}

// WriteMarker atomically persists the marker at path.
func WriteMarker(path string, m CrashMarker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o640)
}

// ReadMarker loads the marker, returning nil when none exists.
func ReadMarker(path string) (*CrashMarker, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- marker path is daemon-owned
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m CrashMarker
	if err := json.Unmarshal(data, &m); err != nil {
		// A corrupt marker still means an interrupted encode, but the
		// output path is unrecoverable; callers treat it as cleared.
		return nil, nil
	}
	return &m, nil
}

// ClearMarker removes the marker, tolerating its absence.
func ClearMarker(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
