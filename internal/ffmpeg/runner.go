package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sharkoder/sharkoder/internal/log"
	"github.com/sharkoder/sharkoder/internal/procgroup"
)

// ErrStopped is returned when an encode was interrupted by Stop rather
// than failing on its own.
var ErrStopped = errors.New("encode stopped")

// ErrGPUUnavailable is returned when hardware mode demands the GPU but
// the preflight encode failed.
var ErrGPUUnavailable = errors.New("gpu encoder unavailable")

const (
	stopGrace = 3 * time.Second

	// ETA is withheld until the encode has run long enough and far
	// enough for the extrapolation to mean anything, and discarded
	// entirely when it extrapolates past any plausible encode.
	etaMinElapsed = 5 * time.Second
	etaMinPercent = 0.1
	etaMax        = 48 * time.Hour
)

// Progress is one progress sample from a running encode.
type Progress struct {
	Percent float64
	FPS     float64
	Frame   int64
	ETA     time.Duration // 0 while unknown
}

// ProgressFunc receives progress samples. Called from the encode
// goroutine; implementations must not block.
type ProgressFunc func(Progress)

// Result summarizes a finished encode.
type Result struct {
	Args    []string
	Elapsed time.Duration
	GPU     bool
	Output  ProbeResult
}

// Encoder runs one ffmpeg encode at a time. The pipeline owns a single
// instance, which is what serializes encodes across the daemon.
type Encoder struct {
	BinPath    string
	MarkerPath string
	Prober     *Prober

	mu     sync.Mutex
	cmd    *exec.Cmd
	stop   chan struct{}
	halted bool
}

func NewEncoder(binPath, probePath, markerPath string) *Encoder {
	if binPath == "" {
		binPath = "ffmpeg"
	}
	return &Encoder{
		BinPath:    binPath,
		MarkerPath: markerPath,
		Prober:     NewProber(probePath),
	}
}

// Stop interrupts the running encode, if any: SIGTERM, three seconds of
// grace, then SIGKILL. Idempotent; a no-op when nothing is running.
func (e *Encoder) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted || e.stop == nil {
		return
	}
	e.halted = true
	close(e.stop)
}

// Encode transcodes input into output per opts, reporting progress as it
// goes. On any failure the partial output is removed. The crash marker is
// written before the process spawns and cleared on every controlled exit,
// so a marker found at startup always means an unclean death.
func (e *Encoder) Encode(ctx context.Context, input, output string, in *ProbeResult, opts Options, report ProgressFunc) (*Result, error) {
	logger := log.WithComponent("ffmpeg")
	start := time.Now()

	if opts.Simulation {
		if err := copyFile(input, output); err != nil {
			return nil, fmt.Errorf("simulation copy: %w", err)
		}
		out := *in
		out.Codec = opts.TargetCodec + " (simulation)"
		logger.Info().Str("input", input).Msg("simulation mode, copied without encoding")
		return &Result{Elapsed: time.Since(start), Output: out}, nil
	}

	if opts.SkipSame && in != nil && SameFamily(in.Codec, opts.TargetCodec) {
		if err := copyFile(input, output); err != nil {
			return nil, fmt.Errorf("same-codec copy: %w", err)
		}
		logger.Info().
			Str("input", input).
			Str(log.FieldCodec, in.Codec).
			Msg("source already target codec, copied without encoding")
		return &Result{Elapsed: time.Since(start), Output: *in}, nil
	}

	gpu, err := e.resolveHardware(ctx, opts.HardwareMode)
	if err != nil {
		return nil, err
	}

	args, err := BuildArgs(input, output, opts, gpu)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.stop = make(chan struct{})
	e.halted = false
	stop := e.stop
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cmd = nil
		e.stop = nil
		e.mu.Unlock()
	}()

	if e.MarkerPath != "" {
		if err := WriteMarker(e.MarkerPath, CrashMarker{
			InputPath:  input,
			OutputPath: output,
			StartedAt:  start,
		}); err != nil {
			return nil, fmt.Errorf("write crash marker: %w", err)
		}
	}

	cleanupFail := func() {
		_ = os.Remove(output)
		if e.MarkerPath != "" {
			_ = ClearMarker(e.MarkerPath)
		}
	}

	runs := [][]string{args}
	if opts.TwoPass && !gpu {
		runs = twoPassArgs(args, output)
	}

	tracker := newProgressTracker(in, start)
	for _, runArgs := range runs {
		if err := e.runOnce(ctx, stop, runArgs, tracker, report); err != nil {
			cleanupFail()
			if errors.Is(err, ErrStopped) {
				logger.Info().Str("input", input).Msg("encode stopped")
				return nil, ErrStopped
			}
			return nil, err
		}
	}

	outInfo, err := e.Prober.Probe(ctx, output, DefaultLocalProbeTimeout)
	if err != nil {
		cleanupFail()
		return nil, fmt.Errorf("probe encoded output: %w", err)
	}

	if e.MarkerPath != "" {
		if err := ClearMarker(e.MarkerPath); err != nil {
			return nil, fmt.Errorf("clear crash marker: %w", err)
		}
	}

	elapsed := time.Since(start)
	logger.Info().
		Str("input", input).
		Str(log.FieldCodec, outInfo.Codec).
		Bool("gpu", gpu).
		Dur("elapsed", elapsed).
		Msg("encode complete")
	return &Result{Args: args, Elapsed: elapsed, GPU: gpu, Output: *outInfo}, nil
}

func (e *Encoder) resolveHardware(ctx context.Context, mode string) (bool, error) {
	switch mode {
	case "cpu":
		return false, nil
	case "gpu":
		if !DetectGPU(ctx, e.BinPath) {
			return false, ErrGPUUnavailable
		}
		return true, nil
	default: // auto
		return DetectGPU(ctx, e.BinPath), nil
	}
}

func (e *Encoder) runOnce(ctx context.Context, stop <-chan struct{}, args []string, tracker *progressTracker, report ProgressFunc) error {
	// #nosec G204 -- args are assembled from configuration and job paths
	cmd := exec.Command(e.BinPath, args...)
	procgroup.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	e.mu.Lock()
	e.cmd = cmd
	e.mu.Unlock()

	waitCh := make(chan error, 1)
	go func() {
		tracker.consume(stdout, report)
		waitCh <- cmd.Wait()
	}()

	select {
	case err = <-waitCh:
	case <-ctx.Done():
		_ = procgroup.Terminate(cmd, waitCh, stopGrace)
		return ErrStopped
	case <-stop:
		_ = procgroup.Terminate(cmd, waitCh, stopGrace)
		return ErrStopped
	}

	if err != nil {
		return fmt.Errorf("ffmpeg exited: %w: %s", err, stderrTail(&stderr))
	}
	return nil
}

// progressTracker turns ffmpeg's -progress key=value stream into percent
// and ETA samples. Percent comes from the frame counter against the
// expected total (duration times fps of the input); when the input probe
// yielded no frame rate it falls back to the output timestamp.
type progressTracker struct {
	framesTotal float64
	duration    float64
	startedAt   time.Time

	frame     int64
	fps       float64
	outTimeUS int64
}

func newProgressTracker(in *ProbeResult, startedAt time.Time) *progressTracker {
	t := &progressTracker{startedAt: startedAt}
	if in != nil {
		t.duration = in.Duration
		if in.FPS > 0 && in.Duration > 0 {
			t.framesTotal = in.Duration * in.FPS
		}
	}
	return t
}

func (t *progressTracker) consume(r io.Reader, report ProgressFunc) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "frame":
			t.frame, _ = strconv.ParseInt(value, 10, 64)
		case "fps":
			t.fps, _ = strconv.ParseFloat(value, 64)
		case "out_time_us":
			t.outTimeUS, _ = strconv.ParseInt(value, 10, 64)
		case "out_time_ms":
			// Despite the name, ffmpeg reports microseconds here. Only
			// used when out_time_us was absent in this block.
			v, _ := strconv.ParseInt(value, 10, 64)
			if v > t.outTimeUS {
				t.outTimeUS = v
			}
		case "progress":
			if report != nil {
				report(t.sample(time.Now()))
			}
		}
	}
}

func (t *progressTracker) sample(now time.Time) Progress {
	p := Progress{Frame: t.frame, FPS: t.fps}
	switch {
	case t.framesTotal > 0:
		p.Percent = float64(t.frame) / t.framesTotal * 100
	case t.duration > 0:
		p.Percent = float64(t.outTimeUS) / 1e6 / t.duration * 100
	}
	if p.Percent > 100 {
		p.Percent = 100
	}

	elapsed := now.Sub(t.startedAt)
	if elapsed >= etaMinElapsed && p.Percent >= etaMinPercent {
		eta := time.Duration(float64(elapsed) * (100 - p.Percent) / p.Percent)
		if eta >= 0 && eta <= etaMax {
			p.ETA = eta
		}
	}
	return p
}

// twoPassArgs splits a software encode into the classic two invocations
// sharing a pass log next to the output.
func twoPassArgs(args []string, output string) [][]string {
	passLog := output + ".passlog"
	first := make([]string, 0, len(args)+4)
	// Drop the output path, discard the media instead.
	first = append(first, args[:len(args)-1]...)
	first = append(first, "-pass", "1", "-passlogfile", passLog, "-an", "-f", "null", os.DevNull)

	second := make([]string, 0, len(args)+4)
	second = append(second, args[:len(args)-1]...)
	second = append(second, "-pass", "2", "-passlogfile", passLog, args[len(args)-1])
	return [][]string{first, second}
}

func stderrTail(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	const max = 512
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	if s == "" {
		return "(no stderr output)"
	}
	return s
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 -- scratch paths are daemon-owned
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
