package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sharkoder/sharkoder/internal/ffmpeg"
	"github.com/sharkoder/sharkoder/internal/log"
	"github.com/sharkoder/sharkoder/internal/metrics"
	"github.com/sharkoder/sharkoder/internal/store"
)

// encodeLoop is the singleton encode runner: one claim, one encode, no
// parallelism.
func (p *Pipeline) encodeLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if p.dispatchHeld.Load() {
			sleepRound(ctx)
			continue
		}
		j, err := p.store.Claim(ctx, store.StateReadyEncode, store.StateEncoding)
		if err != nil || j == nil {
			sleepRound(ctx)
			continue
		}
		p.runEncode(ctx, j)
	}
}

func (p *Pipeline) runEncode(ctx context.Context, j *store.Job) {
	if ctx.Err() != nil {
		return
	}
	logger := log.WithComponent("pipeline").With().
		Int64(log.FieldJobID, j.ID).
		Str(log.FieldStage, "encode").
		Str(log.FieldRemotePath, j.RemotePath).
		Logger()

	input, ok := findArtifact(p.cfg.DownloadDir(), j.ID)
	if !ok {
		// The downloaded file is gone; start the job over.
		logger.Warn().Msg("download artifact missing, requeueing")
		_ = p.store.SetState(ctx, j.ID, store.StateWaiting)
		return
	}

	probeTimeout := time.Duration(p.cfg.Cache.LocalProbeTimeout)
	in, err := p.prober.Probe(ctx, input, probeTimeout)
	if err != nil {
		p.handleStageError(ctx, j, "encode", fmt.Errorf("probe input: %w", err))
		return
	}
	_ = p.store.UpdateProbe(ctx, j.ID, in.Codec, store.ProbeInfo{
		Width:           in.Width,
		Height:          in.Height,
		Duration:        in.Duration,
		Bitrate:         in.Bitrate,
		AudioStreams:    len(in.AudioStreams),
		SubtitleStreams: len(in.SubtitleStreams),
		Container:       in.Container,
	})

	// Simulation and same-codec shortcuts live inside the encoder: both
	// produce an output artifact, so the job still flows through the
	// approval gate and the upload stage like any other encode.
	opts := encodeOptions(p.cfg.Encoder)
	output := p.scratchEncodePath(j)
	res, err := p.enc.Encode(ctx, input, output, in, opts, func(pr ffmpeg.Progress) {
		_ = p.store.SetProgress(ctx, j.ID, pr.Percent, int64(pr.ETA.Seconds()), false)
	})
	if err != nil {
		if errors.Is(err, ffmpeg.ErrStopped) {
			// Paused or shutting down. Paused jobs already left the
			// encoding state; on shutdown recovery re-enters from the
			// intact download artifact.
			logger.Info().Msg("encode interrupted")
			return
		}
		p.handleStageError(ctx, j, "encode", err)
		return
	}

	srcStat, err := os.Stat(input)
	if err != nil {
		p.handleStageError(ctx, j, "encode", err)
		return
	}
	encStat, err := os.Stat(output)
	if err != nil {
		p.handleStageError(ctx, j, "encode", err)
		return
	}

	if p.cfg.Pipeline.BlockLargerEncoded && encStat.Size() > srcStat.Size() {
		growth := float64(encStat.Size()-srcStat.Size()) / float64(srcStat.Size()) * 100
		msg := fmt.Sprintf("encoded output larger than original: +%.1f%%", growth)
		logger.Warn().
			Int64("original_bytes", srcStat.Size()).
			Int64("encoded_bytes", encStat.Size()).
			Msg(msg)
		// Both files stay in scratch for inspection.
		_ = p.store.UpdateResult(ctx, j.ID, in.Codec, res.Output.Codec)
		_ = p.store.Fail(ctx, j.ID, msg)
		metrics.JobsCompleted.WithLabelValues("blocked").Inc()
		p.bus.Publish(Event{Type: EventFailed, JobID: j.ID, Path: j.RemotePath, Message: msg})
		return
	}

	metrics.EncodeDuration.WithLabelValues(fmt.Sprintf("%t", res.GPU)).Observe(res.Elapsed.Seconds())
	_ = p.store.UpdateResult(ctx, j.ID, in.Codec, res.Output.Codec)
	_ = p.store.SetProgress(ctx, j.ID, 100, 0, true)

	next := store.StateReadyUpload
	if j.PauseBeforeUpload {
		next = store.StateAwaitingApproval
	}
	if err := p.store.Transition(ctx, j.ID, store.StateEncoding, next); err != nil {
		logger.Info().Err(err).Msg("job moved during encode, abandoning")
		return
	}
	logger.Info().
		Str(log.FieldCodec, res.Output.Codec).
		Dur("elapsed", res.Elapsed).
		Int64("encoded_bytes", encStat.Size()).
		Msg("encode complete")
	p.publishState(j.ID, j.RemotePath, store.StateEncoding, next)
}
