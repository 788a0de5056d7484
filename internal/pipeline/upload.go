package pipeline

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sharkoder/sharkoder/internal/history"
	"github.com/sharkoder/sharkoder/internal/log"
	"github.com/sharkoder/sharkoder/internal/metrics"
	"github.com/sharkoder/sharkoder/internal/remotefs"
	"github.com/sharkoder/sharkoder/internal/store"
)

func (p *Pipeline) uploadLoop(ctx context.Context) error {
	g := new(errgroup.Group)
	g.SetLimit(p.maxUploads())
	defer func() { _ = g.Wait() }()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if p.dispatchHeld.Load() {
			sleepRound(ctx)
			continue
		}
		j, err := p.store.Claim(ctx, store.StateReadyUpload, store.StateUploading)
		if err != nil || j == nil {
			sleepRound(ctx)
			continue
		}
		g.Go(func() error {
			p.runUpload(ctx, j)
			return nil
		})
	}
}

func (p *Pipeline) runUpload(ctx context.Context, j *store.Job) {
	if ctx.Err() != nil {
		return
	}
	ctx = log.ContextWithJobID(ctx, j.ID)
	logger := log.WithComponent("pipeline").With().
		Int64(log.FieldJobID, j.ID).
		Str(log.FieldStage, "upload").
		Str(log.FieldRemotePath, j.RemotePath).
		Logger()

	local, ok := findArtifact(p.cfg.EncodedDir(), j.ID)
	if !ok {
		logger.Warn().Msg("encoded artifact missing, requeueing for encode")
		_ = p.store.SetState(ctx, j.ID, p.reentryState(j))
		return
	}
	localStat, err := os.Stat(local)
	if err != nil {
		p.handleStageError(ctx, j, "upload", err)
		return
	}

	target := path.Join(path.Dir(j.RemotePath), stripScratchPrefix(filepath.Base(local), j.ID))
	bak := backupName(j.RemotePath)

	// Move the original out of the way first. If a previous attempt
	// already parked it under the .bak name, that copy stays the
	// authoritative original.
	renamedNow := false
	if p.cfg.Pipeline.BackupsEnabled {
		bakExists, err := p.remote.Exists(ctx, bak)
		if err != nil {
			p.handleStageError(ctx, j, "upload", err)
			return
		}
		if !bakExists {
			origExists, err := p.remote.Exists(ctx, j.RemotePath)
			if err != nil {
				p.handleStageError(ctx, j, "upload", err)
				return
			}
			if origExists {
				if err := p.remote.Rename(ctx, j.RemotePath, bak); err != nil {
					p.handleStageError(ctx, j, "upload", err)
					return
				}
				renamedNow = true
			}
		}
	}

	restoreOriginal := func() {
		if !renamedNow {
			return
		}
		if exists, err := p.remote.Exists(ctx, j.RemotePath); err == nil && !exists {
			if err := p.remote.Rename(ctx, bak, j.RemotePath); err != nil {
				logger.Error().Err(err).Msg("backup restore failed, original stays under .bak name")
			}
		}
	}

	// A finished copy from an interrupted attempt needs no re-transfer;
	// anything else under the target name is a partial.
	info, err := p.remote.Stat(ctx, target)
	if err != nil {
		restoreOriginal()
		p.handleStageError(ctx, j, "upload", err)
		return
	}
	switch {
	case info.Exists && info.Size == localStat.Size():
		logger.Info().Msg("target already uploaded, skipping transfer")
	case info.Exists:
		// An undeletable partial is not fatal: the transfer stages to a
		// temp sibling and renames over the target anyway.
		if err := p.remote.Delete(ctx, target); err != nil {
			logger.Warn().Err(err).Msg("could not delete partial target, overwriting via temp rename")
		}
		fallthrough
	default:
		err = p.remote.Upload(ctx, local, target, func(pr remotefs.Progress) {
			if pr.Total > 0 {
				pct := float64(pr.Transferred) / float64(pr.Total) * 100
				_ = p.store.SetProgress(ctx, j.ID, pct, int64(pr.ETA.Seconds()), false)
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				return // shutdown; recovery retries the upload
			}
			_ = p.remote.Delete(ctx, target)
			restoreOriginal()
			p.handleStageError(ctx, j, "upload", err)
			return
		}
	}

	if p.cfg.Pipeline.BackupsEnabled {
		_ = p.store.SetBackupPath(ctx, j.ID, bak)
	} else if target != j.RemotePath {
		if exists, err := p.remote.Exists(ctx, j.RemotePath); err == nil && exists {
			if err := p.remote.Delete(ctx, j.RemotePath); err != nil {
				logger.Warn().Err(err).Msg("could not delete replaced original")
			}
		}
	}

	metrics.TransferBytes.WithLabelValues("upload").Add(float64(localStat.Size()))
	_ = p.store.SetProgress(ctx, j.ID, 100, 0, true)
	if err := p.store.Transition(ctx, j.ID, store.StateUploading, store.StateCompleted); err != nil {
		logger.Info().Err(err).Msg("job moved during upload, abandoning")
		return
	}

	if saved := j.SourceSize - localStat.Size(); saved > 0 {
		metrics.EncodeSavedBytes.Add(float64(saved))
	}
	metrics.JobsCompleted.WithLabelValues("completed").Inc()

	if err := p.hist.Append(history.Record{
		Path:          j.RemotePath,
		OriginalBytes: j.SourceSize,
		EncodedBytes:  localStat.Size(),
		CodecBefore:   j.CodecBefore,
		CodecAfter:    j.CodecAfter,
		CompletedAt:   time.Now(),
	}); err != nil {
		logger.Warn().Err(err).Msg("history append failed")
	}

	if download, ok := findArtifact(p.cfg.DownloadDir(), j.ID); ok {
		finalizeArtifact(download, p.cfg.Pipeline.KeepOriginal, p.cfg.BackupOriginalsDir(), j.RemotePath)
	}
	finalizeArtifact(local, p.cfg.Pipeline.KeepEncoded, p.cfg.BackupEncodedDir(), j.RemotePath)

	logger.Info().
		Str(log.FieldRemotePath, target).
		Int64("bytes", localStat.Size()).
		Msg("upload complete")
	p.bus.Publish(Event{Type: EventCompleted, JobID: j.ID, Path: target})
}
