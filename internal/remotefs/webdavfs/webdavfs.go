// Package webdavfs implements the remotefs.Remote contract over WebDAV.
//
// The adapter deliberately has no partial-write resume: uploads always
// stream the full file and interrupted attempts are deleted and restarted
// (retry-then-overwrite). Range reads are supported for download resume.
package webdavfs

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/sharkoder/sharkoder/internal/remotefs"
)

// Options configures the WebDAV adapter.
type Options struct {
	// URL is the base URL of the DAV root, e.g. https://nas.local/remote.php/dav.
	URL            string
	User           string
	Password       string
	ConnectTimeout time.Duration
}

// FS is a WebDAV-backed remote.
type FS struct {
	opts Options
	base *url.URL

	clientOnce sync.Once
	client     *http.Client
}

// New creates the adapter. The HTTP client is built lazily on first use.
func New(opts Options) (*FS, error) {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	base, err := url.Parse(strings.TrimSuffix(opts.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("webdavfs: invalid base url %q: %w", opts.URL, err)
	}
	return &FS{opts: opts, base: base}, nil
}

func (f *FS) Name() string { return "webdav" }

func (f *FS) httpClient() *http.Client {
	f.clientOnce.Do(func() {
		f.client = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: f.opts.ConnectTimeout,
				}).DialContext,
				TLSHandshakeTimeout:   f.opts.ConnectTimeout,
				ResponseHeaderTimeout: f.opts.ConnectTimeout,
				MaxIdleConnsPerHost:   4,
			},
		}
	})
	return f.client
}

// urlFor joins the remote path onto the base URL, escaping each segment.
func (f *FS) urlFor(p string) string {
	u := *f.base
	joined := u.EscapedPath()
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if seg == "" {
			continue
		}
		joined += "/" + url.PathEscape(seg)
	}
	u.Path = ""
	u.RawPath = ""
	u.Opaque = ""
	out := u.Scheme + "://" + u.Host + joined
	return out
}

func (f *FS) newRequest(ctx context.Context, method, p string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, f.urlFor(p), body)
	if err != nil {
		return nil, err
	}
	if f.opts.User != "" {
		req.SetBasicAuth(f.opts.User, f.opts.Password)
	}
	return req, nil
}

func (f *FS) List(ctx context.Context, p string) ([]remotefs.Entry, error) {
	ms, err := f.propfind(ctx, p, 1)
	if err != nil {
		return nil, err
	}

	self := strings.TrimSuffix(pathOfURL(f.urlFor(p)), "/")
	entries := make([]remotefs.Entry, 0, len(ms.Responses))
	for _, resp := range ms.Responses {
		href := strings.TrimSuffix(resp.path(), "/")
		if href == self || href == "" {
			continue // Depth:1 includes the collection itself
		}
		prop := resp.ok()
		if prop == nil {
			continue
		}
		entries = append(entries, remotefs.Entry{
			Name:    path.Base(href),
			Dir:     prop.IsDir(),
			Size:    prop.Size(),
			ModTime: prop.MTime(),
		})
	}
	return entries, nil
}

func (f *FS) Stat(ctx context.Context, p string) (remotefs.Info, error) {
	ms, err := f.propfind(ctx, p, 0)
	if err != nil {
		if remotefs.KindOf(err) == remotefs.KindNotFound {
			return remotefs.Info{}, nil
		}
		return remotefs.Info{}, err
	}
	for _, resp := range ms.Responses {
		if prop := resp.ok(); prop != nil {
			return remotefs.Info{Size: prop.Size(), ModTime: prop.MTime(), Exists: true}, nil
		}
	}
	return remotefs.Info{}, nil
}

func (f *FS) OpenRead(ctx context.Context, p string, offset int64) (io.ReadCloser, error) {
	req, err := f.newRequest(ctx, http.MethodGet, p, nil)
	if err != nil {
		return nil, remotefs.E(remotefs.KindFatal, "read", p, err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := f.httpClient().Do(req)
	if err != nil {
		return nil, transportErr("read", p, err)
	}
	if resp.StatusCode == http.StatusOK && offset > 0 {
		// Server ignored the Range header; skip manually so resume still works.
		if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
			_ = resp.Body.Close()
			return nil, remotefs.E(remotefs.KindConnectionLost, "read", p, err)
		}
		return resp.Body, nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		defer func() { _ = resp.Body.Close() }()
		return nil, statusErr("read", p, resp.StatusCode)
	}
	return resp.Body, nil
}

// putSink streams a PUT body through a pipe. Close finishes the request and
// reports the final status.
type putSink struct {
	w    *io.PipeWriter
	done chan error
}

func (s *putSink) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *putSink) Close() error {
	_ = s.w.Close()
	return <-s.done
}

func (f *FS) OpenWrite(ctx context.Context, p string, offset int64, overwrite bool) (io.WriteCloser, error) {
	if offset > 0 {
		return nil, remotefs.E(remotefs.KindFatal, "write", p,
			fmt.Errorf("webdav does not support offset writes"))
	}
	if !overwrite {
		if exists, err := f.Exists(ctx, p); err != nil {
			return nil, err
		} else if exists {
			return nil, remotefs.E(remotefs.KindForbidden, "write", p, os.ErrExist)
		}
	}

	pr, pw := io.Pipe()
	req, err := f.newRequest(ctx, http.MethodPut, p, pr)
	if err != nil {
		return nil, remotefs.E(remotefs.KindFatal, "write", p, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	sink := &putSink{w: pw, done: make(chan error, 1)}
	go func() {
		resp, err := f.httpClient().Do(req)
		if err != nil {
			_ = pr.CloseWithError(err)
			sink.done <- transportErr("write", p, err)
			return
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, resp.Body)
		switch resp.StatusCode {
		case http.StatusCreated, http.StatusNoContent, http.StatusOK:
			sink.done <- nil
		default:
			sink.done <- statusErr("write", p, resp.StatusCode)
		}
	}()
	return sink, nil
}

func (f *FS) Rename(ctx context.Context, src, dst string) error {
	req, err := f.newRequest(ctx, "MOVE", src, nil)
	if err != nil {
		return remotefs.E(remotefs.KindFatal, "rename", src, err)
	}
	req.Header.Set("Destination", f.urlFor(dst))
	req.Header.Set("Overwrite", "T")

	resp, err := f.httpClient().Do(req)
	if err != nil {
		return transportErr("rename", src, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusNoContent, http.StatusOK:
		return nil
	default:
		return statusErr("rename", src, resp.StatusCode)
	}
}

func (f *FS) Delete(ctx context.Context, p string) error {
	req, err := f.newRequest(ctx, http.MethodDelete, p, nil)
	if err != nil {
		return remotefs.E(remotefs.KindFatal, "delete", p, err)
	}
	resp, err := f.httpClient().Do(req)
	if err != nil {
		return transportErr("delete", p, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	default:
		return statusErr("delete", p, resp.StatusCode)
	}
}

func (f *FS) Exists(ctx context.Context, p string) (bool, error) {
	info, err := f.Stat(ctx, p)
	if err != nil {
		return false, err
	}
	return info.Exists, nil
}

func (f *FS) Close() error {
	if f.client != nil {
		f.client.CloseIdleConnections()
	}
	return nil
}

func pathOfURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}

// transportErr classifies request-level failures (no HTTP status available).
func transportErr(op, p string, err error) error {
	if os.IsTimeout(err) {
		return remotefs.E(remotefs.KindTimeout, op, p, err)
	}
	var ne net.Error
	if ok := asNetError(err, &ne); ok && ne.Timeout() {
		return remotefs.E(remotefs.KindTimeout, op, p, err)
	}
	return remotefs.E(remotefs.KindConnectionLost, op, p, err)
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// statusErr maps HTTP statuses onto the remotefs taxonomy.
func statusErr(op, p string, code int) error {
	err := fmt.Errorf("http status %d", code)
	switch {
	case code == http.StatusNotFound:
		return remotefs.E(remotefs.KindNotFound, op, p, err)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return remotefs.E(remotefs.KindForbidden, op, p, err)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return remotefs.E(remotefs.KindTimeout, op, p, err)
	case code == http.StatusTooManyRequests || code >= 500:
		return remotefs.E(remotefs.KindTransient, op, p, err)
	default:
		return remotefs.E(remotefs.KindFatal, op, p, err)
	}
}

var _ remotefs.Remote = (*FS)(nil)
