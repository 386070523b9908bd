//go:build !unix && !windows

package capture

import "errors"

// FreeSpace is not supported on this platform; [Selector.Preflight] skips
// the check.
func FreeSpace(string) (uint64, error) {
	return 0, errors.ErrUnsupported
}
