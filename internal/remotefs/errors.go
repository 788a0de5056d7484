package remotefs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
)

// Kind classifies an adapter failure. Stages and the router dispatch on the
// kind, never on error strings.
type Kind int

const (
	// KindUnknown means the error was not produced by an adapter.
	KindUnknown Kind = iota
	KindNotFound
	KindForbidden
	KindTimeout
	KindConnectionLost
	// KindCorrupt marks a stat mismatch discovered after a transfer.
	KindCorrupt
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindTimeout:
		return "timeout"
	case KindConnectionLost:
		return "connection_lost"
	case KindCorrupt:
		return "corrupt"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the typed error every adapter operation surfaces.
type Error struct {
	Kind Kind
	Op   string // "list", "stat", "read", "write", "rename", "delete"
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("remotefs: %s %s: %s", e.Op, e.Path, e.Kind)
	}
	return fmt.Sprintf("remotefs: %s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation context.
func E(kind Kind, op, path string, err error) error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf extracts the kind from an error chain. Untyped errors are
// classified by shape: context deadlines become Timeout, net failures
// ConnectionLost, fs.ErrNotExist NotFound, everything else Fatal.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindConnectionLost
	}
	if errors.Is(err, fs.ErrNotExist) {
		return KindNotFound
	}
	if errors.Is(err, fs.ErrPermission) {
		return KindForbidden
	}
	return KindFatal
}

// IsRetryable reports whether the error kind may succeed on another attempt
// or on the other adapter.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindConnectionLost, KindTransient:
		return true
	default:
		return false
	}
}
