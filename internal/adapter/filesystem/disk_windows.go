//go:build windows
// +build windows

package filesystem

import (
	"fmt"

	"golang.org/x/sys/windows"

	"github.com/tensorfetch/tensorfetch/internal/port"
)

// GetDiskUsage returns disk usage for the download root volume
func (m *Manager) GetDiskUsage() (*port.DiskUsage, error) {
	var free, total, totalFree uint64

	root, err := windows.UTF16PtrFromString(m.rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to convert root dir: %w", err)
	}

	if err := windows.GetDiskFreeSpaceEx(root, &free, &total, &totalFree); err != nil {
		return nil, fmt.Errorf("failed to get disk stats: %w", err)
	}

	used := total - totalFree

	return &port.DiskUsage{
		Total:   total,
		Used:    used,
		Free:    free,
		UsedPct: float64(used) / float64(total) * 100,
	}, nil
}
