package ffmpeg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkerRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encoding.json")
	want := CrashMarker{
		InputPath:  "/scratch/7_movie.mkv",
		OutputPath: "/scratch/7_movie.x265.mkv",
		StartedAt:  time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, WriteMarker(path, want))

	got, err := ReadMarker(path)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.InputPath, got.InputPath)
	assert.Equal(t, want.OutputPath, got.OutputPath)
	assert.True(t, want.StartedAt.Equal(got.StartedAt))
}

func TestReadMarkerAbsent(t *testing.T) {
	got, err := ReadMarker(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReadMarkerCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encoding.json")
	require.NoError(t, os.WriteFile(path, []byte("{trunca"), 0o640))

	got, err := ReadMarker(path)
	require.NoError(t, err)
	assert.Nil(t, got, "corrupt marker reads as cleared")
}

func TestClearMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encoding.json")
	require.NoError(t, WriteMarker(path, CrashMarker{InputPath: "a"}))
	require.NoError(t, ClearMarker(path))
	assert.NoFileExists(t, path)
	assert.NoError(t, ClearMarker(path), "clearing twice is fine")
}
