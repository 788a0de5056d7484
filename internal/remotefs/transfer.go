package remotefs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sharkoder/sharkoder/internal/log"
)

// Download streams remotePath into localPath, resuming by byte offset when
// a partial local file already exists. A partial whose size equals the
// remote size is accepted as complete without re-transfer. Transient
// failures are retried in place; each attempt resumes from whatever the
// previous one managed to write.
func Download(ctx context.Context, r Remote, remotePath, localPath string, fn ProgressFunc) error {
	ctx = log.ContextWithTransferID(ctx, uuid.NewString())
	return WithRetry(ctx, "download", func() error {
		return downloadOnce(ctx, r, remotePath, localPath, fn)
	})
}

func downloadOnce(ctx context.Context, r Remote, remotePath, localPath string, fn ProgressFunc) error {
	info, err := r.Stat(ctx, remotePath)
	if err != nil {
		return err
	}
	if !info.Exists {
		return E(KindNotFound, "read", remotePath, os.ErrNotExist)
	}

	var offset int64
	if st, err := os.Stat(localPath); err == nil {
		switch {
		case st.Size() == info.Size:
			// Already fully downloaded.
			if fn != nil {
				fn(Progress{Transferred: info.Size, Total: info.Size})
			}
			return nil
		case st.Size() < info.Size:
			offset = st.Size()
		default:
			// Local is larger than remote: stale artifact, start over.
			if err := os.Remove(localPath); err != nil {
				return E(KindFatal, "read", remotePath, err)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o750); err != nil {
		return E(KindFatal, "read", remotePath, err)
	}

	src, err := r.OpenRead(ctx, remotePath, offset)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	dst, err := os.OpenFile(localPath, flags, 0o640) // #nosec G304 -- scratch path is daemon-owned
	if err != nil {
		return E(KindFatal, "read", remotePath, err)
	}

	meter := NewMeter(info.Size, offset, fn)
	_, copyErr := io.Copy(dst, &CountingReader{R: src, M: meter})
	closeErr := dst.Close()
	meter.Finish()

	if copyErr != nil {
		return E(KindOf(copyErr), "read", remotePath, copyErr)
	}
	if closeErr != nil {
		return E(KindFatal, "read", remotePath, closeErr)
	}

	st, err := os.Stat(localPath)
	if err != nil {
		return E(KindFatal, "read", remotePath, err)
	}
	if st.Size() != info.Size {
		return E(KindCorrupt, "read", remotePath,
			fmt.Errorf("size mismatch after download: local %d, remote %d", st.Size(), info.Size))
	}
	return nil
}

// Upload streams localPath to remotePath through a temp sibling, renaming
// into place only after the full file arrived and its remote size matches.
// There is no partial-write resume: a failed attempt deletes the temp file
// and the next attempt starts over.
func Upload(ctx context.Context, r Remote, localPath, remotePath string, fn ProgressFunc) error {
	ctx = log.ContextWithTransferID(ctx, uuid.NewString())
	st, err := os.Stat(localPath)
	if err != nil {
		return E(KindFatal, "write", remotePath, err)
	}

	tmpPath := fmt.Sprintf("%s.tmp.%d", remotePath, time.Now().Unix())

	upload := func() error {
		src, err := os.Open(localPath) // #nosec G304 -- scratch path is daemon-owned
		if err != nil {
			return E(KindFatal, "write", remotePath, err)
		}
		defer func() { _ = src.Close() }()

		dst, err := r.OpenWrite(ctx, tmpPath, 0, true)
		if err != nil {
			return err
		}

		meter := NewMeter(st.Size(), 0, fn)
		_, copyErr := io.Copy(&CountingWriter{W: dst, M: meter}, src)
		closeErr := dst.Close()
		meter.Finish()

		if copyErr != nil {
			return E(KindOf(copyErr), "write", remotePath, copyErr)
		}
		if closeErr != nil {
			return E(KindOf(closeErr), "write", remotePath, closeErr)
		}

		info, err := r.Stat(ctx, tmpPath)
		if err != nil {
			return err
		}
		if !info.Exists || info.Size != st.Size() {
			return E(KindCorrupt, "write", remotePath,
				fmt.Errorf("size mismatch after upload: remote %d, local %d", info.Size, st.Size()))
		}
		return nil
	}

	if err := WithRetry(ctx, "upload", func() error {
		err := upload()
		if err != nil {
			// Retry-then-overwrite: drop the partial before the next attempt.
			_ = r.Delete(ctx, tmpPath)
		}
		return err
	}); err != nil {
		return err
	}

	// Atomic handoff. Rename replaces an existing target on both adapters,
	// so a leftover that refuses deletion does not block the publish.
	if exists, err := r.Exists(ctx, remotePath); err == nil && exists {
		if err := r.Delete(ctx, remotePath); err != nil {
			logger := log.WithContext(ctx, log.WithComponent("remotefs"))
			logger.Warn().Err(err).Str("path", remotePath).Msg("could not delete existing target, renaming over it")
		}
	}
	if err := r.Rename(ctx, tmpPath, remotePath); err != nil {
		_ = r.Delete(ctx, tmpPath)
		return err
	}
	return nil
}
