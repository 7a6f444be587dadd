package filesystem

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tensorfetch/tensorfetch/internal/port"
)

// Manager handles destination-side filesystem operations
type Manager struct {
	rootDir string
}

// Ensure Manager implements port.FileSystem
var _ port.FileSystem = (*Manager)(nil)

// NewManager creates a new filesystem manager rooted at rootDir
func NewManager(rootDir string) (*Manager, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download root dir: %w", err)
	}

	return &Manager{rootDir: rootDir}, nil
}

// RootDir returns the download root directory
func (m *Manager) RootDir() string {
	return m.rootDir
}

// DestPath returns the final local path for a model file
func (m *Manager) DestPath(modelID, filename string) string {
	return filepath.Join(m.rootDir, filepath.FromSlash(modelID), filename)
}

// PartPath returns the in-progress path for a destination path
func (m *Manager) PartPath(destPath string) string {
	return destPath + ".part"
}

// OpenPart opens the part file for writing at offset. Bytes beyond the
// offset are truncated so a restarted transfer never interleaves stale
// data with fresh chunks.
func (m *Manager) OpenPart(partPath string, offset int64) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(partPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent dir: %w", err)
	}

	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open part file: %w", err)
	}

	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to truncate part file: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek part file: %w", err)
	}

	return f, nil
}

// PartSize returns the current size of a part file, 0 if absent
func (m *Manager) PartSize(partPath string) (int64, error) {
	info, err := os.Stat(partPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to stat part file: %w", err)
	}
	return info.Size(), nil
}

// Promote atomically renames a verified part file into place
func (m *Manager) Promote(partPath, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}
	if err := os.Rename(partPath, destPath); err != nil {
		return fmt.Errorf("failed to promote part file: %w", err)
	}
	return nil
}

// Remove deletes a file, ignoring absence
func (m *Manager) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}
