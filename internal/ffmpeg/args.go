package ffmpeg

import (
	"fmt"
	"strconv"
	"strings"
)

// Options enumerates the encode configuration. Fields mirror the encoder
// section of the daemon configuration; the pipeline copies them over at
// job-claim time so a config reload never changes a running encode.
type Options struct {
	HardwareMode string // gpu, cpu, auto
	TargetCodec  string // hevc, h264, av1
	Preset       string
	Quality      int // CQ (gpu) or CRF (cpu)
	RateControl  string
	Bitrate      string
	Maxrate      string
	Lookahead    int
	BFrames      int
	BRefMode     string
	SpatialAQ    bool
	TemporalAQ   bool
	AQStrength   int
	Multipass    string
	TwoPass      bool
	AudioCodec   string // "copy" or an encoder name
	AudioBitrate string
	Profile      string
	PixelFormat  string
	GPULimit     int // percent; < 100 derates advanced knobs
	Simulation   bool
	SkipSame     bool
}

// gpuEncoders maps a target codec family to its NVENC encoder.
var gpuEncoders = map[string]string{
	"hevc": "hevc_nvenc",
	"h264": "h264_nvenc",
	"av1":  "av1_nvenc",
}

// cpuEncoders maps a target codec family to its software encoder.
var cpuEncoders = map[string]string{
	"hevc": "libx265",
	"h264": "libx264",
	"av1":  "libsvtav1",
}

// codecFamilies groups the codec names ffprobe reports under a family key.
var codecFamilies = map[string]string{
	"hevc":       "hevc",
	"h265":       "hevc",
	"hevc_nvenc": "hevc",
	"h264":       "h264",
	"avc":        "h264",
	"h264_nvenc": "h264",
	"av1":        "av1",
	"av1_nvenc":  "av1",
}

// SameFamily reports whether the probed input codec already belongs to the
// target codec family.
func SameFamily(inputCodec, targetCodec string) bool {
	in, ok := codecFamilies[strings.ToLower(inputCodec)]
	if !ok {
		return false
	}
	return in == codecFamilies[strings.ToLower(targetCodec)]
}

// EncoderFor returns the encoder name for the options and GPU verdict.
func (o Options) EncoderFor(gpu bool) (string, error) {
	family, ok := codecFamilies[strings.ToLower(o.TargetCodec)]
	if !ok {
		return "", fmt.Errorf("unknown target codec %q", o.TargetCodec)
	}
	if gpu {
		return gpuEncoders[family], nil
	}
	return cpuEncoders[family], nil
}

// Derate applies the gpu_limit tier table. It returns a copy; Options are
// never mutated in place.
func (o Options) Derate() Options {
	switch {
	case o.GPULimit >= 100 || o.GPULimit <= 0:
		return o
	case o.GPULimit >= 75:
		o.Lookahead /= 2
		if o.Multipass == "fullres" {
			o.Multipass = "qres"
		}
	case o.GPULimit >= 50:
		o.Lookahead /= 4
		if o.BFrames > 2 {
			o.BFrames = 2
		}
		o.Multipass = ""
	default:
		o.Lookahead = 0
		o.BFrames = 0
		o.Multipass = ""
	}
	return o
}

// BuildArgs assembles the ffmpeg invocation for one encode.
func BuildArgs(input, output string, o Options, gpu bool) ([]string, error) {
	encoder, err := o.EncoderFor(gpu)
	if err != nil {
		return nil, err
	}
	if gpu {
		o = o.Derate()
	}

	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-progress", "pipe:1",
		"-i", input,
		"-map", "0",
		"-c:v", encoder,
	}

	if o.Preset != "" {
		args = append(args, "-preset", o.Preset)
	}

	if gpu {
		switch {
		case o.RateControl != "" && o.Bitrate != "":
			args = append(args, "-rc", o.RateControl, "-b:v", o.Bitrate)
			if o.Maxrate != "" {
				args = append(args, "-maxrate", o.Maxrate)
			}
		default:
			args = append(args, "-rc", "vbr", "-cq", strconv.Itoa(o.Quality), "-b:v", "0")
		}
		if o.Lookahead > 0 {
			args = append(args, "-rc-lookahead", strconv.Itoa(o.Lookahead))
		}
		args = append(args, "-bf", strconv.Itoa(o.BFrames))
		if o.BRefMode != "" {
			args = append(args, "-b_ref_mode", o.BRefMode)
		}
		if o.SpatialAQ {
			args = append(args, "-spatial-aq", "1")
			if o.AQStrength > 0 {
				args = append(args, "-aq-strength", strconv.Itoa(o.AQStrength))
			}
		}
		if o.TemporalAQ {
			args = append(args, "-temporal-aq", "1")
		}
		if o.Multipass != "" {
			args = append(args, "-multipass", o.Multipass)
		}
	} else {
		args = append(args, "-crf", strconv.Itoa(o.Quality))
	}

	if o.Profile != "" {
		args = append(args, "-profile:v", o.Profile)
	}
	if o.PixelFormat != "" {
		args = append(args, "-pix_fmt", o.PixelFormat)
	}

	audio := o.AudioCodec
	if audio == "" {
		audio = "copy"
	}
	args = append(args, "-c:a", audio)
	if audio != "copy" && o.AudioBitrate != "" {
		args = append(args, "-b:a", o.AudioBitrate)
	}

	// Subtitles and data streams ride along unchanged.
	args = append(args, "-c:s", "copy")

	args = append(args, output)
	return args, nil
}
