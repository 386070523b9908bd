//go:build unix

package capture

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FreeSpace reports the bytes available to unprivileged users on the volume
// holding dir.
func FreeSpace(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("capture: statfs %q: %w", dir, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
