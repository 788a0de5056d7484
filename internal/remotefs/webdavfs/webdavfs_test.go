package webdavfs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharkoder/sharkoder/internal/remotefs"
)

// davServer is a minimal in-memory WebDAV endpoint for adapter tests.
type davServer struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool

	// forbidWrites makes PUT return 403, for read-only latch tests.
	forbidWrites bool
}

func newDavServer() *davServer {
	return &davServer{
		files: map[string][]byte{},
		dirs:  map[string]bool{"/": true},
	}
}

func (s *davServer) put(p string, data []byte) {
	s.files[p] = data
	for d := path.Dir(p); ; d = path.Dir(d) {
		s.dirs[d] = true
		if d == "/" {
			break
		}
	}
}

func (s *davServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := r.URL.Path
	switch r.Method {
	case "PROPFIND":
		s.propfind(w, r, p)
	case http.MethodGet:
		data, ok := s.files[p]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if rng := r.Header.Get("Range"); rng != "" {
			var off int
			if _, err := fmt.Sscanf(rng, "bytes=%d-", &off); err == nil && off <= len(data) {
				w.WriteHeader(http.StatusPartialContent)
				_, _ = w.Write(data[off:])
				return
			}
		}
		_, _ = w.Write(data)
	case http.MethodPut:
		if s.forbidWrites {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		data, _ := io.ReadAll(r.Body)
		s.put(p, data)
		w.WriteHeader(http.StatusCreated)
	case "MOVE":
		src := p
		dstURL, err := url.Parse(r.Header.Get("Destination"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, ok := s.files[src]
		if !ok {
			http.NotFound(w, r)
			return
		}
		delete(s.files, src)
		s.put(dstURL.Path, data)
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		if _, ok := s.files[p]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(s.files, p)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *davServer) propfind(w http.ResponseWriter, r *http.Request, p string) {
	type item struct {
		href string
		dir  bool
		size int
	}
	var items []item

	cleaned := strings.TrimSuffix(p, "/")
	if cleaned == "" {
		cleaned = "/"
	}
	if data, ok := s.files[cleaned]; ok {
		items = append(items, item{cleaned, false, len(data)})
	} else if s.dirs[cleaned] {
		items = append(items, item{cleaned + "/", true, 0})
		if r.Header.Get("Depth") != "0" {
			var names []string
			for fp := range s.files {
				if path.Dir(fp) == cleaned {
					names = append(names, fp)
				}
			}
			for dp := range s.dirs {
				if dp != cleaned && path.Dir(dp) == cleaned {
					names = append(names, dp+"/")
				}
			}
			sort.Strings(names)
			for _, n := range names {
				if strings.HasSuffix(n, "/") {
					items = append(items, item{n, true, 0})
				} else {
					items = append(items, item{n, false, len(s.files[n])})
				}
			}
		}
	} else {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = io.WriteString(w, `<?xml version="1.0"?><d:multistatus xmlns:d="DAV:">`)
	for _, it := range items {
		rt := ""
		if it.dir {
			rt = "<d:collection/>"
		}
		_, _ = io.WriteString(w, `<d:response><d:href>`+it.href+`</d:href><d:propstat><d:status>HTTP/1.1 200 OK</d:status><d:prop>`+
			`<d:resourcetype>`+rt+`</d:resourcetype>`+
			`<d:getcontentlength>`+strconv.Itoa(it.size)+`</d:getcontentlength>`+
			`<d:getlastmodified>`+time.Now().UTC().Format(http.TimeFormat)+`</d:getlastmodified>`+
			`</d:prop></d:propstat></d:response>`)
	}
	_, _ = io.WriteString(w, `</d:multistatus>`)
}

func newTestFS(t *testing.T, s *davServer) *FS {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	fs, err := New(Options{URL: srv.URL, User: "media", Password: "secret"})
	require.NoError(t, err)
	return fs
}

func TestListAndStat(t *testing.T) {
	s := newDavServer()
	s.put("/m/a.mkv", []byte("aaaa"))
	s.put("/m/sub/b.mkv", []byte("bb"))
	fs := newTestFS(t, s)
	ctx := context.Background()

	entries, err := fs.List(ctx, "/m")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.mkv", entries[0].Name)
	assert.False(t, entries[0].Dir)
	assert.Equal(t, int64(4), entries[0].Size)
	assert.Equal(t, "sub", entries[1].Name)
	assert.True(t, entries[1].Dir)

	info, err := fs.Stat(ctx, "/m/a.mkv")
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.Equal(t, int64(4), info.Size)

	info, err = fs.Stat(ctx, "/m/missing.mkv")
	require.NoError(t, err)
	assert.False(t, info.Exists)
}

func TestOpenReadWithOffset(t *testing.T) {
	s := newDavServer()
	s.put("/m/a.mkv", []byte("0123456789"))
	fs := newTestFS(t, s)

	rc, err := fs.OpenRead(context.Background(), "/m/a.mkv", 4)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "456789", string(data))
}

func TestWriteRenameDelete(t *testing.T) {
	s := newDavServer()
	fs := newTestFS(t, s)
	ctx := context.Background()

	w, err := fs.OpenWrite(ctx, "/m/a.mkv.tmp.1", 0, true)
	require.NoError(t, err)
	_, err = w.Write([]byte("encoded"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, fs.Rename(ctx, "/m/a.mkv.tmp.1", "/m/a.mkv"))

	info, err := fs.Stat(ctx, "/m/a.mkv")
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.Equal(t, int64(7), info.Size)

	require.NoError(t, fs.Delete(ctx, "/m/a.mkv"))
	exists, err := fs.Exists(ctx, "/m/a.mkv")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestForbiddenWriteKind(t *testing.T) {
	s := newDavServer()
	s.forbidWrites = true
	fs := newTestFS(t, s)

	w, err := fs.OpenWrite(context.Background(), "/m/a.mkv", 0, true)
	require.NoError(t, err)
	_, _ = w.Write([]byte("x"))
	err = w.Close()
	assert.Equal(t, remotefs.KindForbidden, remotefs.KindOf(err))
}

func TestOffsetWriteUnsupported(t *testing.T) {
	fs := newTestFS(t, newDavServer())
	_, err := fs.OpenWrite(context.Background(), "/m/a.mkv", 100, true)
	require.Error(t, err)
	assert.Equal(t, remotefs.KindFatal, remotefs.KindOf(err))
}

func TestStatusErrTaxonomy(t *testing.T) {
	cases := []struct {
		code int
		want remotefs.Kind
	}{
		{404, remotefs.KindNotFound},
		{401, remotefs.KindForbidden},
		{403, remotefs.KindForbidden},
		{429, remotefs.KindTransient},
		{500, remotefs.KindTransient},
		{504, remotefs.KindTimeout},
		{418, remotefs.KindFatal},
	}
	for _, tc := range cases {
		got := remotefs.KindOf(statusErr("write", "/x", tc.code))
		assert.Equal(t, tc.want, got, "status %d", tc.code)
	}
}
