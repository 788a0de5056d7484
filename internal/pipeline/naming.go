package pipeline

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// scratchName prefixes the job ID so concurrent jobs over files with the
// same basename never collide in the scratch directories.
func scratchName(jobID int64, remotePath string) string {
	return fmt.Sprintf("%d_%s", jobID, path.Base(remotePath))
}

// findArtifact locates the scratch file for a job in dir, by ID prefix.
// The encoded name is derived from the source name, so the prefix is the
// only stable handle.
func findArtifact(dir string, jobID int64) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	prefix := fmt.Sprintf("%d_", jobID)
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}

// stripScratchPrefix recovers the release name from a scratch file name.
func stripScratchPrefix(name string, jobID int64) string {
	return strings.TrimPrefix(name, fmt.Sprintf("%d_", jobID))
}

// backupName inserts the .bak marker before the extension, keeping the
// original extension so media servers still recognize the file:
// movie.mkv becomes movie.bak.mkv.
func backupName(remotePath string) string {
	ext := path.Ext(remotePath)
	return strings.TrimSuffix(remotePath, ext) + ".bak" + ext
}

// codecTokens lists, per target family, the release-name tokens that get
// rewritten and what they become. Matching is case-sensitive so the
// rewrite preserves the name's existing style.
var codecTokens = map[string][][2]string{
	"hevc": {
		{"x264", "x265"}, {"X264", "X265"},
		{"h264", "h265"}, {"H264", "H265"},
		{"h.264", "h.265"}, {"H.264", "H.265"},
		{"AVC", "HEVC"}, {"avc", "hevc"},
		{"XviD", "x265"}, {"DivX", "x265"},
	},
	"h264": {
		{"x265", "x264"}, {"X265", "X264"},
		{"h265", "h264"}, {"H265", "H264"},
		{"h.265", "h.264"}, {"H.265", "H.264"},
		{"HEVC", "AVC"}, {"hevc", "avc"},
	},
	"av1": {
		{"x264", "AV1"}, {"x265", "AV1"},
		{"h264", "AV1"}, {"h265", "AV1"},
		{"HEVC", "AV1"}, {"AVC", "AV1"},
	},
}

// defaultCodecToken names the target codec when the source name carried
// no token to rewrite.
var defaultCodecToken = map[string]string{
	"hevc": "x265",
	"h264": "x264",
	"av1":  "AV1",
}

// outputName derives the encoded file's release name from the source
// name. Renaming only happens when a release tag is configured: known
// codec tokens are rewritten in place (otherwise the target token is
// appended before the extension) and the tag goes last. Without a tag
// the encode publishes over the original name unchanged.
func outputName(sourceName, targetCodec, releaseTag string) string {
	if releaseTag == "" {
		return sourceName
	}
	ext := path.Ext(sourceName)
	base := strings.TrimSuffix(sourceName, ext)

	rewritten := false
	for _, tok := range codecTokens[strings.ToLower(targetCodec)] {
		if strings.Contains(base, tok[0]) {
			base = strings.ReplaceAll(base, tok[0], tok[1])
			rewritten = true
			break
		}
	}
	if !rewritten {
		if tok := defaultCodecToken[strings.ToLower(targetCodec)]; tok != "" {
			base += "." + tok
		}
	}
	if !strings.Contains(base, releaseTag) {
		base += "-" + releaseTag
	}
	return base + ext
}
