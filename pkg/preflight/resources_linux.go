//go:build linux

package preflight

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const mb = 1024 * 1024

// HostResources reads free disk space at path and available memory
func HostResources(path string) (Resources, error) {
	if path == "" {
		path = "/"
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return Resources{}, fmt.Errorf("statfs %s: %w", path, err)
	}

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return Resources{}, fmt.Errorf("sysinfo: %w", err)
	}

	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return Resources{
		FreeDiskMB:        fs.Bavail * uint64(fs.Bsize) / mb,
		AvailableMemoryMB: (uint64(info.Freeram) + uint64(info.Bufferram)) * unit / mb,
	}, nil
}
