package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgsGPU(t *testing.T) {
	opts := Options{
		TargetCodec: "hevc",
		Preset:      "p5",
		Quality:     23,
		Lookahead:   32,
		BFrames:     4,
		BRefMode:    "each",
		SpatialAQ:   true,
		TemporalAQ:  true,
		AQStrength:  8,
		Multipass:   "fullres",
		GPULimit:    100,
	}
	args, err := BuildArgs("/tmp/in.mkv", "/tmp/out.mkv", opts, true)
	require.NoError(t, err)

	joined := join(args)
	assert.Contains(t, joined, "-c:v hevc_nvenc")
	assert.Contains(t, joined, "-progress pipe:1")
	assert.Contains(t, joined, "-rc vbr -cq 23")
	assert.Contains(t, joined, "-rc-lookahead 32")
	assert.Contains(t, joined, "-bf 4")
	assert.Contains(t, joined, "-b_ref_mode each")
	assert.Contains(t, joined, "-spatial-aq 1 -aq-strength 8")
	assert.Contains(t, joined, "-temporal-aq 1")
	assert.Contains(t, joined, "-multipass fullres")
	assert.Contains(t, joined, "-c:a copy")
	assert.Contains(t, joined, "-c:s copy")
	assert.Equal(t, "/tmp/out.mkv", args[len(args)-1])
}

func TestBuildArgsCPU(t *testing.T) {
	opts := Options{TargetCodec: "hevc", Preset: "medium", Quality: 26}
	args, err := BuildArgs("in.mkv", "out.mkv", opts, false)
	require.NoError(t, err)

	joined := join(args)
	assert.Contains(t, joined, "-c:v libx265")
	assert.Contains(t, joined, "-crf 26")
	assert.NotContains(t, joined, "-cq", "CQ is an NVENC knob")
	assert.NotContains(t, joined, "-rc-lookahead")
}

func TestBuildArgsBitrateMode(t *testing.T) {
	opts := Options{
		TargetCodec: "h264",
		RateControl: "vbr",
		Bitrate:     "4M",
		Maxrate:     "8M",
	}
	args, err := BuildArgs("in.mkv", "out.mkv", opts, true)
	require.NoError(t, err)

	joined := join(args)
	assert.Contains(t, joined, "-c:v h264_nvenc")
	assert.Contains(t, joined, "-rc vbr -b:v 4M -maxrate 8M")
	assert.NotContains(t, joined, "-cq")
}

func TestBuildArgsAudioReencode(t *testing.T) {
	opts := Options{TargetCodec: "hevc", AudioCodec: "aac", AudioBitrate: "192k"}
	args, err := BuildArgs("in.mkv", "out.mkv", opts, false)
	require.NoError(t, err)
	assert.Contains(t, join(args), "-c:a aac -b:a 192k")
}

func TestBuildArgsUnknownCodec(t *testing.T) {
	_, err := BuildArgs("in.mkv", "out.mkv", Options{TargetCodec: "vp9000"}, true)
	assert.Error(t, err)
}

func TestDerateTiers(t *testing.T) {
	base := Options{Lookahead: 32, BFrames: 4, Multipass: "fullres"}

	tests := []struct {
		limit     int
		lookahead int
		bframes   int
		multipass string
	}{
		{100, 32, 4, "fullres"},
		{0, 32, 4, "fullres"}, // unset means no limit
		{80, 16, 4, "qres"},
		{60, 8, 2, ""},
		{30, 0, 0, ""},
	}
	for _, tc := range tests {
		o := base
		o.GPULimit = tc.limit
		got := o.Derate()
		assert.Equal(t, tc.lookahead, got.Lookahead, "limit %d", tc.limit)
		assert.Equal(t, tc.bframes, got.BFrames, "limit %d", tc.limit)
		assert.Equal(t, tc.multipass, got.Multipass, "limit %d", tc.limit)
	}
}

func TestSameFamily(t *testing.T) {
	assert.True(t, SameFamily("hevc", "hevc"))
	assert.True(t, SameFamily("h265", "hevc"))
	assert.True(t, SameFamily("HEVC", "hevc"))
	assert.True(t, SameFamily("avc", "h264"))
	assert.False(t, SameFamily("h264", "hevc"))
	assert.False(t, SameFamily("mpeg2video", "hevc"), "unknown codec never matches")
}

func join(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}
