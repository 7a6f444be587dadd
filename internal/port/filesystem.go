package port

import (
	"io"
)

// DiskUsage represents disk usage statistics for the destination volume
type DiskUsage struct {
	Total   uint64  // Total disk space in bytes
	Used    uint64  // Used disk space in bytes
	Free    uint64  // Free disk space in bytes
	UsedPct float64 // Used percentage (0-100)
}

// FileSystem defines the destination-side filesystem operations
type FileSystem interface {
	// RootDir returns the download root directory
	RootDir() string

	// DestPath returns the final local path for a model file
	DestPath(modelID, filename string) string

	// PartPath returns the in-progress path for a destination path
	PartPath(destPath string) string

	// OpenPart opens the part file for writing at offset. Any bytes
	// beyond offset are truncated so chunk writes always land at
	// monotonically increasing offsets.
	OpenPart(partPath string, offset int64) (io.WriteCloser, error)

	// PartSize returns the current size of a part file, 0 if absent
	PartSize(partPath string) (int64, error)

	// Promote atomically renames a verified part file into place
	Promote(partPath, destPath string) error

	// Remove deletes a file, ignoring absence
	Remove(path string) error

	// GetDiskUsage returns usage statistics for the root volume
	GetDiskUsage() (*DiskUsage, error)
}
