// Package remotefstest provides an in-memory Remote implementation with
// failure injection, shared by the router, cache and pipeline tests.
package remotefstest

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sharkoder/sharkoder/internal/remotefs"
)

// Fake is an in-memory remote file tree. The zero value is not usable; use
// NewFake.
type Fake struct {
	mu     sync.Mutex
	name   string
	files  map[string][]byte
	mtimes map[string]time.Time
	dirs   map[string]bool

	// OnOp, when set, is consulted before every operation. Returning a
	// non-nil error fails the operation with that error. op is one of
	// list, stat, read, write, rename, delete.
	OnOp func(op, p string) error

	// Ops records every operation for assertion, as "op path".
	Ops []string
}

func NewFake(name string) *Fake {
	return &Fake{
		name:   name,
		files:  make(map[string][]byte),
		mtimes: make(map[string]time.Time),
		dirs:   map[string]bool{"/": true},
	}
}

// AddFile installs a file, creating parent directories.
func (f *Fake) AddFile(p string, data []byte, mtime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addFileLocked(p, data, mtime)
}

func (f *Fake) addFileLocked(p string, data []byte, mtime time.Time) {
	p = clean(p)
	f.files[p] = append([]byte(nil), data...)
	f.mtimes[p] = mtime
	for d := path.Dir(p); ; d = path.Dir(d) {
		f.dirs[d] = true
		if d == "/" || d == "." {
			break
		}
	}
}

// AddDir installs an empty directory.
func (f *Fake) AddDir(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs[clean(p)] = true
}

// RemoveFile deletes a file without going through the Remote interface.
func (f *Fake) RemoveFile(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, clean(p))
	delete(f.mtimes, clean(p))
}

// Content returns the stored bytes for p, or nil.
func (f *Fake) Content(p string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[clean(p)]
	if !ok {
		return nil
	}
	return append([]byte(nil), data...)
}

// HasFile reports whether p exists as a file.
func (f *Fake) HasFile(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[clean(p)]
	return ok
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) check(op, p string) error {
	f.Ops = append(f.Ops, op+" "+p)
	if f.OnOp != nil {
		return f.OnOp(op, p)
	}
	return nil
}

func (f *Fake) List(ctx context.Context, p string) ([]remotefs.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = clean(p)
	if err := f.check("list", p); err != nil {
		return nil, err
	}
	if !f.dirs[p] {
		return nil, remotefs.E(remotefs.KindNotFound, "list", p, os.ErrNotExist)
	}

	seen := map[string]remotefs.Entry{}
	for fp, data := range f.files {
		if path.Dir(fp) == p {
			seen[path.Base(fp)] = remotefs.Entry{
				Name:    path.Base(fp),
				Size:    int64(len(data)),
				ModTime: f.mtimes[fp],
			}
		}
	}
	for dp := range f.dirs {
		if dp != p && path.Dir(dp) == p {
			seen[path.Base(dp)] = remotefs.Entry{Name: path.Base(dp), Dir: true}
		}
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]remotefs.Entry, 0, len(names))
	for _, n := range names {
		out = append(out, seen[n])
	}
	return out, nil
}

func (f *Fake) Stat(ctx context.Context, p string) (remotefs.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = clean(p)
	if err := f.check("stat", p); err != nil {
		return remotefs.Info{}, err
	}
	if data, ok := f.files[p]; ok {
		return remotefs.Info{Size: int64(len(data)), ModTime: f.mtimes[p], Exists: true}, nil
	}
	if f.dirs[p] {
		return remotefs.Info{Exists: true}, nil
	}
	return remotefs.Info{}, nil
}

func (f *Fake) OpenRead(ctx context.Context, p string, offset int64) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = clean(p)
	if err := f.check("read", p); err != nil {
		return nil, err
	}
	data, ok := f.files[p]
	if !ok {
		return nil, remotefs.E(remotefs.KindNotFound, "read", p, os.ErrNotExist)
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[offset:])), nil
}

type fakeWriter struct {
	f   *Fake
	p   string
	buf bytes.Buffer
}

func (w *fakeWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *fakeWriter) Close() error {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	w.f.addFileLocked(w.p, w.buf.Bytes(), time.Now())
	return nil
}

func (f *Fake) OpenWrite(ctx context.Context, p string, offset int64, overwrite bool) (io.WriteCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = clean(p)
	if err := f.check("write", p); err != nil {
		return nil, err
	}
	if offset > 0 {
		return nil, remotefs.E(remotefs.KindFatal, "write", p, io.ErrShortWrite)
	}
	if _, exists := f.files[p]; exists && !overwrite {
		return nil, remotefs.E(remotefs.KindForbidden, "write", p, os.ErrExist)
	}
	return &fakeWriter{f: f, p: p}, nil
}

func (f *Fake) Rename(ctx context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, dst = clean(src), clean(dst)
	if err := f.check("rename", src); err != nil {
		return err
	}
	data, ok := f.files[src]
	if !ok {
		return remotefs.E(remotefs.KindNotFound, "rename", src, os.ErrNotExist)
	}
	mt := f.mtimes[src]
	delete(f.files, src)
	delete(f.mtimes, src)
	f.addFileLocked(dst, data, mt)
	return nil
}

func (f *Fake) Delete(ctx context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = clean(p)
	if err := f.check("delete", p); err != nil {
		return err
	}
	if _, ok := f.files[p]; !ok {
		return remotefs.E(remotefs.KindNotFound, "delete", p, os.ErrNotExist)
	}
	delete(f.files, p)
	delete(f.mtimes, p)
	return nil
}

func (f *Fake) Exists(ctx context.Context, p string) (bool, error) {
	info, err := f.Stat(ctx, p)
	if err != nil {
		return false, err
	}
	return info.Exists, nil
}

func (f *Fake) Close() error { return nil }

func clean(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

var _ remotefs.Remote = (*Fake)(nil)
