package webdavfs

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sharkoder/sharkoder/internal/remotefs"
)

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
 <d:prop>
  <d:resourcetype/>
  <d:getcontentlength/>
  <d:getlastmodified/>
 </d:prop>
</d:propfind>`

// multistatus mirrors the 207 response body of a PROPFIND.
type multistatus struct {
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href     string     `xml:"href"`
	Propstat []propstat `xml:"propstat"`
}

type propstat struct {
	Status string `xml:"status"`
	Prop   prop   `xml:"prop"`
}

type prop struct {
	ResourceType  resourceType `xml:"resourcetype"`
	ContentLength string       `xml:"getcontentlength"`
	LastModified  string       `xml:"getlastmodified"`
}

type resourceType struct {
	Collection *struct{} `xml:"collection"`
}

// path returns the unescaped href path.
func (r *davResponse) path() string {
	unescaped, err := url.PathUnescape(r.Href)
	if err != nil {
		return r.Href
	}
	// Some servers return absolute URLs in href.
	if u, err := url.Parse(unescaped); err == nil && u.Path != "" {
		return u.Path
	}
	return unescaped
}

// ok returns the prop block whose status is 200, or nil.
func (r *davResponse) ok() *prop {
	for i := range r.Propstat {
		if strings.Contains(r.Propstat[i].Status, "200") {
			return &r.Propstat[i].Prop
		}
	}
	return nil
}

func (p *prop) IsDir() bool { return p.ResourceType.Collection != nil }

func (p *prop) Size() int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(p.ContentLength), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (p *prop) MTime() time.Time {
	t, err := http.ParseTime(strings.TrimSpace(p.LastModified))
	if err != nil {
		return time.Time{}
	}
	return t
}

func (f *FS) propfind(ctx context.Context, p string, depth int) (*multistatus, error) {
	req, err := f.newRequest(ctx, "PROPFIND", p, strings.NewReader(propfindBody))
	if err != nil {
		return nil, remotefs.E(remotefs.KindFatal, "list", p, err)
	}
	req.Header.Set("Depth", strconv.Itoa(depth))
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")

	resp, err := f.httpClient().Do(req)
	if err != nil {
		return nil, transportErr("list", p, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusMultiStatus {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, statusErr("list", p, resp.StatusCode)
	}

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, remotefs.E(remotefs.KindTransient, "list", p,
			fmt.Errorf("parse multistatus: %w", err))
	}
	return &ms, nil
}
