//go:build !windows

package pipeline

import "syscall"

// diskFree reports the bytes available to the daemon on the filesystem
// holding path. Overridable in tests.
var diskFree = func(path string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil // #nosec G115 -- block counts fit
}
