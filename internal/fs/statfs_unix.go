//go:build unix

package fs

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// FreeSpace returns the bytes available to unprivileged users on the volume
// holding path. A path that does not exist yet is measured at its nearest
// existing ancestor.
func (s *LocalStorage) FreeSpace(_ context.Context, path string) (uint64, error) {
	existing, err := nearestExisting(path)
	if err != nil {
		return 0, err
	}
	var st unix.Statfs_t
	if err := unix.Statfs(existing, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", existing, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
