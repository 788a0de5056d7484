package pipeline

import (
	"context"
	"os"

	"github.com/sharkoder/sharkoder/internal/ffmpeg"
	"github.com/sharkoder/sharkoder/internal/log"
	"github.com/sharkoder/sharkoder/internal/store"
)

// recoverJobs reconciles the queue with what actually survives on disk after
// a restart. Jobs parked in an active state were interrupted; each is
// re-entered at the deepest stage whose artifact still exists. Partial
// downloads stay on disk because downloads resume by offset; a partial
// encode is a ghost and goes away with the crash marker.
func (p *Pipeline) recoverJobs(ctx context.Context) error {
	logger := log.WithComponent("pipeline")

	if marker, err := ffmpeg.ReadMarker(p.cfg.CrashMarkerPath()); err != nil {
		return err
	} else if marker != nil {
		logger.Warn().
			Str("output", marker.OutputPath).
			Time("started_at", marker.StartedAt).
			Msg("crash marker found, removing interrupted encode output")
		_ = os.Remove(marker.OutputPath)
		if err := ffmpeg.ClearMarker(p.cfg.CrashMarkerPath()); err != nil {
			return err
		}
	}

	jobs, err := p.store.All(ctx)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if !j.State.Active() {
			continue
		}
		target := p.reentryState(j)
		logger.Info().
			Int64(log.FieldJobID, j.ID).
			Str(log.FieldOldState, string(j.State)).
			Str(log.FieldNewState, string(target)).
			Msg("recovered interrupted job")
		if err := p.store.SetState(ctx, j.ID, target); err != nil {
			return err
		}
	}
	return nil
}

// reentryState picks where an interrupted or resumed job continues,
// based on which scratch artifacts survive.
func (p *Pipeline) reentryState(j *store.Job) store.State {
	if _, ok := findArtifact(p.cfg.EncodedDir(), j.ID); ok {
		return store.StateReadyUpload
	}
	if local, ok := findArtifact(p.cfg.DownloadDir(), j.ID); ok {
		if st, err := os.Stat(local); err == nil && st.Size() == j.SourceSize {
			return store.StateReadyEncode
		}
		// Partial download: kept on disk deliberately. Downloads are
		// resumable by byte offset, so the next download pass opens the
		// remote at the partial's size and transfers only the remainder.
		return store.StateWaiting
	}
	return store.StateWaiting
}
