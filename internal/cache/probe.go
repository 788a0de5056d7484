package cache

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sharkoder/sharkoder/internal/ffmpeg"
)

// RemoteProber probes library files in place over HTTP. ffprobe reads
// only the container headers, so this costs a few hundred kilobytes per
// file instead of a download.
type RemoteProber struct {
	BaseURL  string
	User     string
	Password string
	Timeout  time.Duration
	Prober   *ffmpeg.Prober
}

func NewRemoteProber(baseURL, user, password string, timeout time.Duration) *RemoteProber {
	if timeout <= 0 {
		timeout = ffmpeg.DefaultRemoteProbeTimeout
	}
	return &RemoteProber{
		BaseURL:  baseURL,
		User:     user,
		Password: password,
		Timeout:  timeout,
		Prober:   ffmpeg.NewProber(""),
	}
}

// ProbeRemote implements MetadataProber.
func (p *RemoteProber) ProbeRemote(ctx context.Context, remotePath string) (*ffmpeg.ProbeResult, error) {
	u, err := p.probeURL(remotePath)
	if err != nil {
		return nil, err
	}
	return p.Prober.Probe(ctx, u, p.Timeout)
}

// probeURL joins the remote path onto the base URL, escaping each
// segment, and embeds the credentials so ffprobe can authenticate.
func (p *RemoteProber) probeURL(remotePath string) (string, error) {
	u, err := url.Parse(p.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	base := strings.TrimSuffix(u.Path, "/")
	var b strings.Builder
	b.WriteString(base)
	for _, seg := range strings.Split(strings.Trim(remotePath, "/"), "/") {
		if seg == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(url.PathEscape(seg))
	}
	u.Path = ""
	u.RawPath = ""
	return u.String() + b.String(), nil
}
