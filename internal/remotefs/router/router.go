// Package router selects a transport adapter per operation and fails over
// between them.
//
// Policy: the HTTP adapter (webdav) is preferred for listing, stat and
// download because it is faster; uploads follow the same preference until
// an adapter is refused a write, which latches it read-only for the rest of
// the process. Retryable failures are retried once on the other adapter
// with the error kind preserved.
package router

import (
	"context"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sharkoder/sharkoder/internal/log"
	"github.com/sharkoder/sharkoder/internal/remotefs"
)

var failoverTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sharkoder_router_failover_total",
	Help: "Total number of operations retried on the other adapter",
}, []string{"op", "from", "to"})

var readOnlyLatched = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sharkoder_router_read_only_latched_total",
	Help: "Total number of read-only latches raised",
}, []string{"adapter"})

type adapterState struct {
	remote   remotefs.Remote
	readOnly bool
	// loggedReadOnly keeps the latch log line to exactly one occurrence.
	loggedReadOnly bool
}

// Router fronts the two adapters. Preferred is consulted first for every
// operation; Fallback covers failover and read-only situations. Either may
// be nil when only one transport is configured.
type Router struct {
	mu        sync.Mutex
	preferred *adapterState
	fallback  *adapterState
}

// New builds a router. preferred is the HTTP-based adapter by convention.
func New(preferred, fallback remotefs.Remote) *Router {
	r := &Router{}
	if preferred != nil {
		r.preferred = &adapterState{remote: preferred}
	}
	if fallback != nil {
		r.fallback = &adapterState{remote: fallback}
	}
	return r
}

// Swap replaces both adapters, closing the old ones. Read-only latches do
// not carry over: a reload means the operator changed something, so the new
// adapters start with a clean slate.
func (r *Router) Swap(preferred, fallback remotefs.Remote) {
	r.mu.Lock()
	old := []*adapterState{r.preferred, r.fallback}
	r.preferred, r.fallback = nil, nil
	if preferred != nil {
		r.preferred = &adapterState{remote: preferred}
	}
	if fallback != nil {
		r.fallback = &adapterState{remote: fallback}
	}
	r.mu.Unlock()

	for _, st := range old {
		if st != nil {
			_ = st.remote.Close()
		}
	}
}

// Name identifies the router when it is passed around as a Remote.
func (r *Router) Name() string {
	return "router"
}

// ReadOnly reports whether the named adapter has been latched read-only.
func (r *Router) ReadOnly(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range []*adapterState{r.preferred, r.fallback} {
		if st != nil && st.remote.Name() == name {
			return st.readOnly
		}
	}
	return false
}

// readOrder returns adapters in download/list preference order.
func (r *Router) readOrder() []*adapterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*adapterState
	if r.preferred != nil {
		out = append(out, r.preferred)
	}
	if r.fallback != nil {
		out = append(out, r.fallback)
	}
	return out
}

// writeOrder returns adapters in upload preference order, skipping
// read-only ones. If every adapter is read-only the full order is returned
// so the caller surfaces the real refusal instead of a synthetic error.
func (r *Router) writeOrder() []*adapterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var writable, all []*adapterState
	for _, st := range []*adapterState{r.preferred, r.fallback} {
		if st == nil {
			continue
		}
		all = append(all, st)
		if !st.readOnly {
			writable = append(writable, st)
		}
	}
	if len(writable) == 0 {
		return all
	}
	return writable
}

func (r *Router) latchReadOnly(st *adapterState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st.readOnly = true
	if !st.loggedReadOnly {
		st.loggedReadOnly = true
		readOnlyLatched.WithLabelValues(st.remote.Name()).Inc()
		logger := log.WithComponent("router")
		logger.Warn().
			Str(log.FieldAdapter, st.remote.Name()).
			Msg("adapter refused a write, latching read-only for uploads")
	}
}

// do runs fn against adapters in order, failing over once on retryable
// errors. write marks operations that latch read-only on Forbidden.
func (r *Router) do(op string, order []*adapterState, write bool, fn func(remotefs.Remote) error) error {
	var lastErr error
	for i, st := range order {
		err := fn(st.remote)
		if err == nil {
			return nil
		}
		lastErr = err

		kind := remotefs.KindOf(err)
		if write && kind == remotefs.KindForbidden {
			r.latchReadOnly(st)
			// Forbidden is not retryable in general, but a write refused by
			// one adapter gets exactly one chance on the other.
		} else if !remotefs.IsRetryable(err) {
			return err
		}

		if i+1 < len(order) {
			failoverTotal.WithLabelValues(op, st.remote.Name(), order[i+1].remote.Name()).Inc()
			logger := log.WithComponent("router")
			logger.Warn().
				Str("op", op).
				Str("from", st.remote.Name()).
				Str("to", order[i+1].remote.Name()).
				Str("kind", kind.String()).
				Msg("failing over to other adapter")
		}
	}
	return lastErr
}

func (r *Router) List(ctx context.Context, path string) ([]remotefs.Entry, error) {
	var out []remotefs.Entry
	err := r.do("list", r.readOrder(), false, func(rm remotefs.Remote) error {
		var err error
		out, err = rm.List(ctx, path)
		return err
	})
	return out, err
}

func (r *Router) Stat(ctx context.Context, path string) (remotefs.Info, error) {
	var out remotefs.Info
	err := r.do("stat", r.readOrder(), false, func(rm remotefs.Remote) error {
		var err error
		out, err = rm.Stat(ctx, path)
		return err
	})
	return out, err
}

func (r *Router) Exists(ctx context.Context, path string) (bool, error) {
	info, err := r.Stat(ctx, path)
	if err != nil {
		return false, err
	}
	return info.Exists, nil
}

// Download transfers remotePath to localPath with failover between
// adapters. A partial from the first adapter is resumed by the second:
// both serve the same tree, so byte offsets carry across.
func (r *Router) Download(ctx context.Context, remotePath, localPath string, fn remotefs.ProgressFunc) error {
	return r.do("download", r.readOrder(), false, func(rm remotefs.Remote) error {
		return remotefs.Download(ctx, rm, remotePath, localPath, fn)
	})
}

// Upload transfers localPath to remotePath, honoring the read-only latch.
func (r *Router) Upload(ctx context.Context, localPath, remotePath string, fn remotefs.ProgressFunc) error {
	return r.do("upload", r.writeOrder(), true, func(rm remotefs.Remote) error {
		return remotefs.Upload(ctx, rm, localPath, remotePath, fn)
	})
}

// Rename is a write operation and follows upload routing.
func (r *Router) Rename(ctx context.Context, src, dst string) error {
	return r.do("rename", r.writeOrder(), true, func(rm remotefs.Remote) error {
		return rm.Rename(ctx, src, dst)
	})
}

// Delete is a write operation and follows upload routing.
func (r *Router) Delete(ctx context.Context, path string) error {
	return r.do("delete", r.writeOrder(), true, func(rm remotefs.Remote) error {
		return rm.Delete(ctx, path)
	})
}

// OpenWrite opens a sink via upload routing, honoring the read-only latch.
func (r *Router) OpenWrite(ctx context.Context, path string, offset int64, overwrite bool) (io.WriteCloser, error) {
	var out io.WriteCloser
	err := r.do("write", r.writeOrder(), true, func(rm remotefs.Remote) error {
		var err error
		out, err = rm.OpenWrite(ctx, path, offset, overwrite)
		return err
	})
	return out, err
}

// OpenRead opens a stream on the first adapter that succeeds.
func (r *Router) OpenRead(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	var out io.ReadCloser
	err := r.do("read", r.readOrder(), false, func(rm remotefs.Remote) error {
		var err error
		out, err = rm.OpenRead(ctx, path, offset)
		return err
	})
	return out, err
}

// Close closes both adapters.
func (r *Router) Close() error {
	var first error
	for _, st := range r.readOrder() {
		if err := st.remote.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var _ remotefs.Remote = (*Router)(nil)
