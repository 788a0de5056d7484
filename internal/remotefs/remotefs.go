// Package remotefs defines the uniform remote file system contract the
// pipeline and the metadata cache operate on. Two concrete adapters exist,
// sftpfs and webdavfs; the router package selects between them per
// operation.
package remotefs

import (
	"context"
	"io"
	"time"
)

// Entry is one item of a directory listing.
type Entry struct {
	Name    string
	Dir     bool
	Size    int64
	ModTime time.Time
}

// Info is the result of a Stat call. Exists is false for missing paths so
// callers can distinguish "not there" from transport failure.
type Info struct {
	Size    int64
	ModTime time.Time
	Exists  bool
}

// Remote is the capability set both adapters expose. All operations
// authenticate lazily and reconnect if the underlying connection died.
type Remote interface {
	// Name identifies the adapter in logs and router state ("sftp", "webdav").
	Name() string

	List(ctx context.Context, path string) ([]Entry, error)
	Stat(ctx context.Context, path string) (Info, error)

	// OpenRead returns a stream positioned at offset. Offset reads are the
	// resume mechanism for interrupted downloads.
	OpenRead(ctx context.Context, path string, offset int64) (io.ReadCloser, error)

	// OpenWrite returns a sink for the given path. Adapters without
	// offset-write support return a Forbidden-free, kind Fatal error for
	// offset > 0; callers fall back to a full rewrite.
	OpenWrite(ctx context.Context, path string, offset int64, overwrite bool) (io.WriteCloser, error)

	Rename(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)

	Close() error
}

// Progress is a point-in-time transfer report. Total may be 0 when the
// remote does not announce a length. ETA is 0 until enough has been
// transferred to extrapolate.
type Progress struct {
	Transferred int64
	Total       int64
	Speed       float64 // bytes per second
	ETA         time.Duration
}

// ProgressFunc receives throttled progress reports during a stream. It must
// not block; slow consumers drop updates, they do not stall the transfer.
type ProgressFunc func(Progress)
