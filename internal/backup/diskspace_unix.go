//go:build unix

package backup

import (
	"golang.org/x/sys/unix"
)

// availableBytes reports the space available to unprivileged users on the
// filesystem holding path.
func availableBytes(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
