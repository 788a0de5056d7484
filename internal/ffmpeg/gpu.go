package ffmpeg

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/sharkoder/sharkoder/internal/log"
	"github.com/sharkoder/sharkoder/internal/procgroup"
)

var (
	gpuOnce   sync.Once
	gpuPassed bool
)

// DetectGPU runs a one-frame synthetic NVENC encode, once per process, and
// caches the verdict. Device-file presence alone is not trusted: the only
// proof that GPU encoding works is an encode that works.
func DetectGPU(ctx context.Context, binPath string) bool {
	gpuOnce.Do(func() {
		if binPath == "" {
			binPath = "ffmpeg"
		}
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		// #nosec G204 -- binPath comes from configuration
		cmd := exec.CommandContext(ctx, binPath,
			"-hide_banner", "-loglevel", "error",
			"-f", "lavfi", "-i", "nullsrc=s=256x256:d=0.1:r=25",
			"-frames:v", "1",
			"-c:v", "hevc_nvenc",
			"-f", "null", "-",
		)
		procgroup.Set(cmd)

		err := cmd.Run()
		gpuPassed = err == nil
		logger := log.WithComponent("ffmpeg")
		logger.Info().
			Bool("gpu", gpuPassed).
			Msg("gpu encode preflight")
	})
	return gpuPassed
}

// resetGPUDetection is a test hook.
func resetGPUDetection() {
	gpuOnce = sync.Once{}
	gpuPassed = false
}
