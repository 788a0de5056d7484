package pipeline

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/sharkoder/sharkoder/internal/log"
)

const (
	removeAttempts  = 5
	removeBaseDelay = 500 * time.Millisecond
)

// removeWithRetry deletes a scratch file, retrying with a growing delay.
// Virus scanners and indexers on the scratch volume hold short-lived
// locks that make the first unlink fail.
func removeWithRetry(p string) error {
	var err error
	for attempt := 1; attempt <= removeAttempts; attempt++ {
		err = os.Remove(p)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		time.Sleep(removeBaseDelay * time.Duration(attempt))
	}
	return fmt.Errorf("remove %s after %d attempts: %w", p, removeAttempts, err)
}

// archiveLocal moves a scratch artifact into baseDir, mirroring the
// remote directory layout so archived files stay browsable.
func archiveLocal(localPath, baseDir, remotePath string) error {
	dst := filepath.Join(baseDir, filepath.FromSlash(path.Dir(remotePath)), filepath.Base(localPath))
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	return os.Rename(localPath, dst)
}

// finalizeArtifact keeps or removes one scratch file according to the
// retention flag. Keeping never fails the job; a failed archive logs and
// falls back to leaving the file in place.
func finalizeArtifact(localPath string, keep bool, archiveDir, remotePath string) {
	if localPath == "" {
		return
	}
	logger := log.WithComponent("pipeline")
	if keep {
		if err := archiveLocal(localPath, archiveDir, remotePath); err != nil {
			logger.Warn().Err(err).Str(log.FieldLocalPath, localPath).Msg("archive failed, keeping file in scratch")
		}
		return
	}
	if err := removeWithRetry(localPath); err != nil {
		logger.Warn().Err(err).Str(log.FieldLocalPath, localPath).Msg("scratch cleanup failed")
	}
}
