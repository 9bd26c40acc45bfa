//go:build !unix

package backup

// availableBytes is unknown on this platform; -1 disables the free space check.
func availableBytes(path string) (int64, error) {
	return -1, nil
}
