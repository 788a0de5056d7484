// Package ffmpeg wraps the external ffmpeg/ffprobe binaries: metadata
// probes, single-encode runs with progress events, GPU detection and the
// crash marker protocol around interrupted encodes.
package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sharkoder/sharkoder/internal/procgroup"
)

// DefaultLocalProbeTimeout bounds probes of files on local disk.
const DefaultLocalProbeTimeout = 30 * time.Second

// DefaultRemoteProbeTimeout bounds probes of remote URLs, which stall on
// cold NAS spin-up rather than fail.
const DefaultRemoteProbeTimeout = 10 * time.Second

// StreamInfo describes one audio or subtitle stream.
type StreamInfo struct {
	Codec    string
	Language string
}

// ProbeResult is the metadata extracted from a media file.
type ProbeResult struct {
	Codec           string
	Width           int
	Height          int
	FPS             float64
	Duration        float64 // seconds
	Bitrate         int64   // bits per second
	AudioStreams    []StreamInfo
	SubtitleStreams []StreamInfo
	Container       string
}

// Prober invokes ffprobe in metadata-only mode.
type Prober struct {
	BinPath string
}

func NewProber(binPath string) *Prober {
	if binPath == "" {
		binPath = "ffprobe"
	}
	return &Prober{BinPath: binPath}
}

// ffprobe JSON shapes, limited to the fields consumed.
type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	Tags         struct {
		Language string `json:"language"`
	} `json:"tags"`
}

// Probe runs ffprobe against a local path or remote URL with the given
// timeout.
func (p *Prober) Probe(ctx context.Context, input string, timeout time.Duration) (*ProbeResult, error) {
	if timeout <= 0 {
		timeout = DefaultLocalProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// #nosec G204 -- input paths come from the indexed library, not users
	cmd := exec.CommandContext(ctx, p.BinPath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		input,
	)
	procgroup.Set(cmd)

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ffprobe timed out after %s: %w", timeout, ctx.Err())
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbeOutput(out)
}

func parseProbeOutput(out []byte) (*ProbeResult, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	res := &ProbeResult{Container: raw.Format.FormatName}
	res.Duration, _ = strconv.ParseFloat(raw.Format.Duration, 64)
	res.Bitrate, _ = strconv.ParseInt(raw.Format.BitRate, 10, 64)

	for _, s := range raw.Streams {
		switch s.CodecType {
		case "video":
			// First video stream wins; attached pictures also report as
			// video but carry no frame rate.
			if res.Codec == "" || res.FPS == 0 {
				fps := ParseRational(s.AvgFrameRate)
				if fps == 0 {
					fps = ParseRational(s.RFrameRate)
				}
				if res.Codec == "" || fps > 0 {
					res.Codec = s.CodecName
					res.Width = s.Width
					res.Height = s.Height
					res.FPS = fps
				}
			}
		case "audio":
			res.AudioStreams = append(res.AudioStreams, StreamInfo{
				Codec: s.CodecName, Language: s.Tags.Language,
			})
		case "subtitle":
			res.SubtitleStreams = append(res.SubtitleStreams, StreamInfo{
				Codec: s.CodecName, Language: s.Tags.Language,
			})
		}
	}
	if res.Codec == "" {
		return nil, fmt.Errorf("no video stream found")
	}
	return res, nil
}

// ParseRational evaluates a frame-rate expression of the form "num/den"
// (or a plain number) without treating it as code. Returns 0 on any
// malformed input.
func ParseRational(expr string) float64 {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "0/0" {
		return 0
	}
	num, den, ok := strings.Cut(expr, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// ResolutionBucket maps a height to the common label used in cache rows
// and search filters.
func ResolutionBucket(width, height int) string {
	switch {
	case height == 0 && width == 0:
		return ""
	case height >= 2000 || width >= 3800:
		return "2160p"
	case height >= 1000 || width >= 1900:
		return "1080p"
	case height >= 700 || width >= 1200:
		return "720p"
	default:
		return "sd"
	}
}
