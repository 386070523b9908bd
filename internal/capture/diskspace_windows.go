//go:build windows

package capture

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// FreeSpace reports the bytes available to the caller on the volume holding
// dir.
func FreeSpace(dir string) (uint64, error) {
	p, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, fmt.Errorf("capture: free space %q: %w", dir, err)
	}
	var avail uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, nil, nil); err != nil {
		return 0, fmt.Errorf("capture: free space %q: %w", dir, err)
	}
	return avail, nil
}
