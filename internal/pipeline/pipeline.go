// Package pipeline schedules jobs through the three transfer-and-encode
// stages. Downloads and uploads run with small configurable parallelism;
// encoding is a strict singleton because the encoder owns the GPU.
//
// The job store is the only coordination point: every stage claims work
// with a compare-and-set transition, so a job yanked sideways (paused,
// removed, rejected) makes the in-flight stage's final transition fail
// and the stage abandons the job without undoing anyone else's write.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sharkoder/sharkoder/internal/cache"
	"github.com/sharkoder/sharkoder/internal/config"
	"github.com/sharkoder/sharkoder/internal/ffmpeg"
	"github.com/sharkoder/sharkoder/internal/history"
	"github.com/sharkoder/sharkoder/internal/log"
	"github.com/sharkoder/sharkoder/internal/metrics"
	"github.com/sharkoder/sharkoder/internal/remotefs"
	"github.com/sharkoder/sharkoder/internal/store"
)

// roundDelay spaces queue polls when a stage finds no work.
const roundDelay = 500 * time.Millisecond

// maxStageRetries bounds automatic retries on retryable errors before a
// job fails for good.
const maxStageRetries = 3

// diskHeadroomFactor is how much free scratch space a download demands,
// as a multiple of the source size: the original, the encoded output,
// and slack for both coexisting during upload.
const diskHeadroomFactor = 3

// Remote is the transport surface the pipeline needs; the adapter router
// implements it.
type Remote interface {
	Stat(ctx context.Context, path string) (remotefs.Info, error)
	Exists(ctx context.Context, path string) (bool, error)
	Download(ctx context.Context, remotePath, localPath string, fn remotefs.ProgressFunc) error
	Upload(ctx context.Context, localPath, remotePath string, fn remotefs.ProgressFunc) error
	Rename(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, path string) error
}

// EncodeRunner runs one encode at a time; *ffmpeg.Encoder implements it.
type EncodeRunner interface {
	Encode(ctx context.Context, input, output string, in *ffmpeg.ProbeResult, opts ffmpeg.Options, report ffmpeg.ProgressFunc) (*ffmpeg.Result, error)
	Stop()
}

// LocalProber probes scratch files; *ffmpeg.Prober implements it.
type LocalProber interface {
	Probe(ctx context.Context, input string, timeout time.Duration) (*ffmpeg.ProbeResult, error)
}

// Pipeline owns the stage runners and the job control surface.
type Pipeline struct {
	cfg    config.Snapshot
	store  *store.Store
	remote Remote
	enc    EncodeRunner
	prober LocalProber
	hist   *history.Store
	bus    *Bus

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	// dispatchHeld gates new claims across all three stages without
	// touching work already in flight.
	dispatchHeld atomic.Bool
}

func New(cfg config.Snapshot, st *store.Store, remote Remote, enc EncodeRunner, prober LocalProber, hist *history.Store, bus *Bus) *Pipeline {
	if bus == nil {
		bus = NewBus(0)
	}
	return &Pipeline{
		cfg:    cfg,
		store:  st,
		remote: remote,
		enc:    enc,
		prober: prober,
		hist:   hist,
		bus:    bus,
	}
}

// Bus exposes the event bus for subscribers.
func (p *Pipeline) Bus() *Bus { return p.bus }

// Start recovers interrupted jobs and launches the stage runners. It
// returns once the runners are up; Stop tears them down.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	for _, dir := range []string{p.cfg.DownloadDir(), p.cfg.EncodedDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	if err := p.recoverJobs(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	logger := log.WithComponent("pipeline")
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return p.downloadLoop(gctx) })
	g.Go(func() error { return p.encodeLoop(gctx) })
	g.Go(func() error { return p.uploadLoop(gctx) })
	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("stage runner exited")
		}
		close(p.done)
	}()

	logger.Info().
		Int("max_downloads", p.maxDownloads()).
		Int("max_uploads", p.maxUploads()).
		Msg("pipeline started")
	return nil
}

// Stop halts scheduling, interrupts a running encode and returns every
// job still parked in an active stage to waiting. Scratch files stay on
// disk; the next pass resumes or fast-forwards over them.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	p.enc.Stop()
	<-done
	p.requeueActive(context.Background())
	logger := log.WithComponent("pipeline")
	logger.Info().Msg("pipeline stopped")
}

// requeueActive moves jobs abandoned mid-stage back to waiting. Runs after
// the stage runners have drained, so nothing races these transitions
// except an external pause, which wins.
func (p *Pipeline) requeueActive(ctx context.Context) {
	logger := log.WithComponent("pipeline")
	for _, state := range []store.State{store.StateDownloading, store.StateEncoding, store.StateUploading} {
		jobs, err := p.store.ListByState(ctx, state)
		if err != nil {
			logger.Error().Err(err).Str("state", string(state)).Msg("requeue scan failed")
			continue
		}
		for _, j := range jobs {
			if err := p.store.Transition(ctx, j.ID, state, store.StateWaiting); err != nil {
				logger.Warn().Err(err).Int64(log.FieldJobID, j.ID).Msg("requeue skipped")
				continue
			}
			p.publishState(j.ID, j.RemotePath, state, store.StateWaiting)
		}
	}
}

// Running reports whether the stage runners are live.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// PauseDispatch stops the stage runners from claiming new work. Jobs
// already in a stage finish it normally. Idempotent.
func (p *Pipeline) PauseDispatch() { p.dispatchHeld.Store(true) }

// ResumeDispatch lifts the dispatch hold. Idempotent.
func (p *Pipeline) ResumeDispatch() { p.dispatchHeld.Store(false) }

// DispatchHeld reports whether new claims are held.
func (p *Pipeline) DispatchHeld() bool { return p.dispatchHeld.Load() }

func (p *Pipeline) maxDownloads() int {
	if n := p.cfg.Pipeline.MaxDownloads; n > 0 {
		return n
	}
	return 1
}

func (p *Pipeline) maxUploads() int {
	if n := p.cfg.Pipeline.MaxUploads; n > 0 {
		return n
	}
	return 1
}

// Add enqueues a remote file. The store's partial unique index rejects a
// second live job for the same path.
func (p *Pipeline) Add(ctx context.Context, remotePath string) (*store.Job, error) {
	if !cache.IsVideo(path.Base(remotePath)) {
		return nil, fmt.Errorf("not a video file: %s", remotePath)
	}
	info, err := p.remote.Stat(ctx, remotePath)
	if err != nil {
		return nil, err
	}
	if !info.Exists {
		return nil, remotefs.E(remotefs.KindNotFound, "add", remotePath, os.ErrNotExist)
	}

	j := &store.Job{
		RemotePath:        remotePath,
		SourceSize:        info.Size,
		State:             store.StateWaiting,
		PauseBeforeUpload: p.cfg.Pipeline.PauseBeforeUpload,
	}
	if err := p.store.Create(ctx, j); err != nil {
		return nil, err
	}
	p.bus.Publish(Event{Type: EventAdded, JobID: j.ID, Path: remotePath})
	return j, nil
}

// Remove deletes a job. Active jobs must be paused first; their stage
// still owns the scratch files.
func (p *Pipeline) Remove(ctx context.Context, id int64) error {
	j, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.State.Active() {
		return fmt.Errorf("job %d is %s; pause it before removing", id, j.State)
	}
	p.cleanupScratch(id)
	return p.store.Delete(ctx, id)
}

// Pause parks a job. For an encoding job the encoder is stopped; for
// transfers the stage notices at its final compare-and-set and abandons
// the job, artifacts intact.
func (p *Pipeline) Pause(ctx context.Context, id int64) error {
	j, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return fmt.Errorf("job %d is already %s", id, j.State)
	}
	if j.State == store.StatePaused {
		return nil
	}
	if err := p.store.SetState(ctx, id, store.StatePaused); err != nil {
		return err
	}
	if j.State == store.StateEncoding {
		p.enc.Stop()
	}
	p.publishState(id, j.RemotePath, j.State, store.StatePaused)
	return nil
}

// Resume re-enters a paused job at the deepest stage whose artifact
// survives, never repeating finished work.
func (p *Pipeline) Resume(ctx context.Context, id int64) error {
	j, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.State != store.StatePaused {
		return fmt.Errorf("job %d is %s, not paused", id, j.State)
	}
	target := p.reentryState(j)
	if err := p.store.Transition(ctx, id, store.StatePaused, target); err != nil {
		return err
	}
	p.publishState(id, j.RemotePath, store.StatePaused, target)
	return nil
}

// Approve releases a job held at the approval gate. Approving a job that
// already moved on is a no-op.
func (p *Pipeline) Approve(ctx context.Context, id int64) error {
	err := p.store.Transition(ctx, id, store.StateAwaitingApproval, store.StateReadyUpload)
	if errors.Is(err, store.ErrStateConflict) {
		// A second approve races the upload stage; once the job is past
		// the gate the repeat is a no-op, not an error.
		j, getErr := p.store.Get(ctx, id)
		if getErr == nil {
			switch j.State {
			case store.StateReadyUpload, store.StateUploading, store.StateCompleted:
				return nil
			}
		}
	}
	if err == nil {
		p.publishState(id, "", store.StateAwaitingApproval, store.StateReadyUpload)
	}
	return err
}

// Reject sends a job held at the approval gate back for another encode,
// discarding the rejected output. The downloaded original stays on disk
// so the re-encode skips the transfer. Rejecting a job that already went
// back is a no-op.
func (p *Pipeline) Reject(ctx context.Context, id int64) error {
	j, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch j.State {
	case store.StateReadyEncode, store.StateEncoding:
		return nil
	case store.StateAwaitingApproval:
	default:
		return fmt.Errorf("job %d is %s, not awaiting approval", id, j.State)
	}
	// Discard the rejected output before releasing the job: once it is back
	// in ready_encode the encode runner owns the scratch directory again.
	if local, ok := findArtifact(p.cfg.EncodedDir(), id); ok {
		_ = removeWithRetry(local)
	}
	if err := p.store.Transition(ctx, id, store.StateAwaitingApproval, store.StateReadyEncode); err != nil {
		return err
	}
	p.publishState(id, j.RemotePath, store.StateAwaitingApproval, store.StateReadyEncode)
	return nil
}

// Retry requeues a failed job from scratch with a reset retry budget.
func (p *Pipeline) Retry(ctx context.Context, id int64) error {
	if err := p.store.Requeue(ctx, id); err != nil {
		return err
	}
	p.publishState(id, "", store.StateFailed, store.StateWaiting)
	return nil
}

// ClearAll removes every non-completed job and its scratch files.
func (p *Pipeline) ClearAll(ctx context.Context) (int64, error) {
	jobs, err := p.store.All(ctx)
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		if j.State != store.StateCompleted {
			p.cleanupScratch(j.ID)
		}
	}
	n, err := p.store.ClearNonCompleted(ctx)
	if err == nil && n > 0 {
		p.bus.Publish(Event{Type: EventInfo, Message: fmt.Sprintf("cleared %d jobs", n)})
	}
	return n, err
}

// Stats is the queue and lifetime summary served by the API.
type Stats struct {
	Running bool                `json:"running"`
	Paused  bool                `json:"paused"`
	Queue   map[store.State]int `json:"queue"`
	History history.Summary     `json:"history"`
}

func (p *Pipeline) Stats(ctx context.Context) (Stats, error) {
	counts, err := p.store.CountsByState(ctx)
	if err != nil {
		return Stats{}, err
	}
	for st, n := range counts {
		metrics.JobsByState.WithLabelValues(string(st)).Set(float64(n))
	}
	sum, err := p.hist.Summarize()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Running: p.Running(), Paused: p.DispatchHeld(), Queue: counts, History: sum}, nil
}

// cleanupScratch removes both scratch artifacts of a job, best effort.
func (p *Pipeline) cleanupScratch(id int64) {
	if local, ok := findArtifact(p.cfg.DownloadDir(), id); ok {
		_ = removeWithRetry(local)
	}
	if local, ok := findArtifact(p.cfg.EncodedDir(), id); ok {
		_ = removeWithRetry(local)
	}
}

func (p *Pipeline) publishState(id int64, path string, from, to store.State) {
	p.bus.Publish(Event{
		Type:    EventState,
		JobID:   id,
		Path:    path,
		Message: string(from) + " -> " + string(to),
	})
}

// sleepRound waits out the inter-round delay, or returns early on
// cancellation.
func sleepRound(ctx context.Context) {
	t := time.NewTimer(roundDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// handleStageError routes a stage failure: retryable errors requeue the
// job until the retry budget runs out, everything else fails it. The
// local artifacts stay; a requeued job fast-forwards over work already
// done.
func (p *Pipeline) handleStageError(ctx context.Context, j *store.Job, stage string, err error) {
	kind := remotefs.KindOf(err)
	metrics.StageErrors.WithLabelValues(stage, kind.String()).Inc()
	logger := log.WithComponent("pipeline")

	if remotefs.IsRetryable(err) && j.RetryCount < maxStageRetries {
		logger.Warn().Err(err).
			Int64(log.FieldJobID, j.ID).
			Str(log.FieldStage, stage).
			Int("retry", j.RetryCount+1).
			Msg("stage failed, requeueing")
		if reqErr := p.store.IncrementRetry(ctx, j.ID); reqErr != nil {
			logger.Error().Err(reqErr).Int64(log.FieldJobID, j.ID).Msg("requeue failed")
		}
		return
	}

	logger.Error().Err(err).
		Int64(log.FieldJobID, j.ID).
		Str(log.FieldStage, stage).
		Msg("job failed")
	if failErr := p.store.Fail(ctx, j.ID, err.Error()); failErr != nil {
		logger.Error().Err(failErr).Int64(log.FieldJobID, j.ID).Msg("fail transition failed")
	}
	metrics.JobsCompleted.WithLabelValues("failed").Inc()
	p.bus.Publish(Event{Type: EventFailed, JobID: j.ID, Path: j.RemotePath, Message: err.Error()})
}

func encodeOptions(c config.Encoder) ffmpeg.Options {
	return ffmpeg.Options{
		HardwareMode: c.HardwareMode,
		TargetCodec:  c.TargetCodec,
		Preset:       c.Preset,
		Quality:      c.Quality,
		RateControl:  c.RateControl,
		Bitrate:      c.Bitrate,
		Maxrate:      c.Maxrate,
		Lookahead:    c.Lookahead,
		BFrames:      c.BFrames,
		BRefMode:     c.BRefMode,
		SpatialAQ:    c.SpatialAQ,
		TemporalAQ:   c.TemporalAQ,
		AQStrength:   c.AQStrength,
		Multipass:    c.Multipass,
		TwoPass:      c.TwoPass,
		AudioCodec:   c.AudioCodec,
		AudioBitrate: c.AudioBitrate,
		Profile:      c.Profile,
		PixelFormat:  c.PixelFormat,
		GPULimit:     c.GPULimit,
		Simulation:   c.Simulation,
		SkipSame:     c.SkipSame,
	}
}

// scratchDownloadPath is where a job's original lands.
func (p *Pipeline) scratchDownloadPath(j *store.Job) string {
	return filepath.Join(p.cfg.DownloadDir(), scratchName(j.ID, j.RemotePath))
}

// scratchEncodePath is where a job's encoded output lands, already
// carrying the release name the upload will publish.
func (p *Pipeline) scratchEncodePath(j *store.Job) string {
	name := outputName(path.Base(j.RemotePath), p.cfg.Encoder.TargetCodec, p.cfg.Pipeline.ReleaseTag)
	return filepath.Join(p.cfg.EncodedDir(), fmt.Sprintf("%d_%s", j.ID, name))
}
