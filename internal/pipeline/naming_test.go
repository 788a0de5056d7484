package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutputName(t *testing.T) {
	tests := []struct {
		in     string
		target string
		tag    string
		want   string
	}{
		// No tag configured: the original name survives untouched, codec
		// tokens included.
		{"Movie.2019.1080p.x264-GRP.mkv", "hevc", "", "Movie.2019.1080p.x264-GRP.mkv"},
		{"Plain.Movie.mkv", "hevc", "", "Plain.Movie.mkv"},
		{"Movie.x265.mkv", "h264", "", "Movie.x265.mkv"},
		// Tag configured: tokens are rewritten and the tag appended.
		{"Movie.2019.1080p.x264-GRP.mkv", "hevc", "SHRK", "Movie.2019.1080p.x265-GRP-SHRK.mkv"},
		{"Movie.H.264.BluRay.mkv", "hevc", "SHRK", "Movie.H.265.BluRay-SHRK.mkv"},
		{"Show.S01E01.AVC.mkv", "hevc", "SHRK", "Show.S01E01.HEVC-SHRK.mkv"},
		{"Old.Movie.XviD.avi", "hevc", "SHRK", "Old.Movie.x265-SHRK.avi"},
		{"Plain.Movie.mkv", "h264", "SHRK", "Plain.Movie.x264-SHRK.mkv"},
		{"Movie.x264.mkv", "av1", "SHRK", "Movie.AV1-SHRK.mkv"},
		{"Movie.x264.mkv", "hevc", "SHRK", "Movie.x265-SHRK.mkv"},
		{"Movie.mkv", "hevc", "SHRK", "Movie.x265-SHRK.mkv"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, outputName(tc.in, tc.target, tc.tag), "outputName(%q, %q, %q)", tc.in, tc.target, tc.tag)
	}
}

func TestBackupName(t *testing.T) {
	assert.Equal(t, "/media/movie.bak.mkv", backupName("/media/movie.mkv"))
	assert.Equal(t, "/media/noext.bak", backupName("/media/noext"))
	assert.Equal(t, "/m/a.b.bak.c", backupName("/m/a.b.c"))
}

func TestScratchNaming(t *testing.T) {
	name := scratchName(42, "/media/sub/movie.mkv")
	assert.Equal(t, "42_movie.mkv", name)
	assert.Equal(t, "movie.mkv", stripScratchPrefix(name, 42))
}

func TestFindArtifact(t *testing.T) {
	dir := t.TempDir()
	_, ok := findArtifact(dir, 7)
	assert.False(t, ok)

	writeFileT(t, dir, "7_movie.mkv", 10)
	writeFileT(t, dir, "77_other.mkv", 10)

	p, ok := findArtifact(dir, 7)
	assert.True(t, ok)
	assert.Contains(t, p, "7_movie.mkv")
	assert.NotContains(t, p, "77_")
}
