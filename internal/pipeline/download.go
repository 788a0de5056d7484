package pipeline

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/sharkoder/sharkoder/internal/log"
	"github.com/sharkoder/sharkoder/internal/metrics"
	"github.com/sharkoder/sharkoder/internal/remotefs"
	"github.com/sharkoder/sharkoder/internal/store"
)

func (p *Pipeline) downloadLoop(ctx context.Context) error {
	g := new(errgroup.Group)
	g.SetLimit(p.maxDownloads())
	defer func() { _ = g.Wait() }()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if p.dispatchHeld.Load() {
			sleepRound(ctx)
			continue
		}
		j, err := p.store.Claim(ctx, store.StateWaiting, store.StateDownloading)
		if err != nil || j == nil {
			sleepRound(ctx)
			continue
		}
		g.Go(func() error {
			p.runDownload(ctx, j)
			return nil
		})
	}
}

func (p *Pipeline) runDownload(ctx context.Context, j *store.Job) {
	if ctx.Err() != nil {
		return
	}
	ctx = log.ContextWithJobID(ctx, j.ID)
	logger := log.WithComponent("pipeline").With().
		Int64(log.FieldJobID, j.ID).
		Str(log.FieldStage, "download").
		Str(log.FieldRemotePath, j.RemotePath).
		Logger()

	info, err := p.remote.Stat(ctx, j.RemotePath)
	if err != nil {
		p.handleStageError(ctx, j, "download", err)
		return
	}
	if !info.Exists {
		p.handleStageError(ctx, j, "download",
			remotefs.E(remotefs.KindNotFound, "download", j.RemotePath, os.ErrNotExist))
		return
	}

	// The scratch volume must hold the original, the encoded output and
	// the upload staging at once; refuse early instead of failing at 97%.
	free, err := diskFree(p.cfg.DownloadDir())
	if err == nil && free < uint64(info.Size)*diskHeadroomFactor {
		p.handleStageError(ctx, j, "download", fmt.Errorf(
			"insufficient scratch space: need %d bytes, %d free", info.Size*diskHeadroomFactor, free))
		return
	}

	local := p.scratchDownloadPath(j)
	err = p.remote.Download(ctx, j.RemotePath, local, func(pr remotefs.Progress) {
		if pr.Total > 0 {
			pct := float64(pr.Transferred) / float64(pr.Total) * 100
			_ = p.store.SetProgress(ctx, j.ID, pct, int64(pr.ETA.Seconds()), false)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return // shutdown; recovery resumes the partial download
		}
		p.handleStageError(ctx, j, "download", err)
		return
	}

	metrics.TransferBytes.WithLabelValues("download").Add(float64(info.Size))
	_ = p.store.SetProgress(ctx, j.ID, 100, 0, true)
	if err := p.store.Transition(ctx, j.ID, store.StateDownloading, store.StateReadyEncode); err != nil {
		// Paused or removed mid-transfer; the artifact stays for resume.
		logger.Info().Err(err).Msg("job moved during download, abandoning")
		return
	}
	logger.Info().Int64("bytes", info.Size).Msg("download complete")
	p.publishState(j.ID, j.RemotePath, store.StateDownloading, store.StateReadyEncode)
}
