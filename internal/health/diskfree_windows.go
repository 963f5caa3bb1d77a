//go:build windows
// +build windows

package health

import (
	"golang.org/x/sys/windows"
)

// diskFree returns the number of bytes available to the caller on the
// volume containing path.
func diskFree(path string) (uint64, error) {
	dir, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}

	var freeToCaller, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(dir, &freeToCaller, &total, &totalFree); err != nil {
		return 0, err
	}
	return freeToCaller, nil
}
