package fsroot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// File is an open file served to a read session.
type File interface {
	io.ReaderAt
	io.Closer
}

// WritableFile is a temp file receiving an upload.
type WritableFile interface {
	io.Writer
	io.Closer
	// Sync flushes file content to stable storage.
	Sync() error
	// Name returns the path of the temp file, for the final rename.
	Name() string
}

// FileSystem is the storage surface the transfer sessions use. The OS
// implementation is the default; tests may substitute their own.
type FileSystem interface {
	// OpenRead opens path for reading and returns its current size.
	OpenRead(path string) (File, int64, error)
	// CreateTemp creates an exclusive temp file next to the eventual
	// destination, so the final rename never crosses filesystems.
	CreateTemp(destPath string) (WritableFile, error)
	// MkdirAll creates dir and any missing parents.
	MkdirAll(dir string) error
	// Rename atomically moves a completed temp file onto its destination.
	Rename(oldPath, newPath string) error
	// Remove deletes a file, used for temp cleanup on failed uploads.
	Remove(path string) error
}

// OSFileSystem implements FileSystem using the local filesystem.
type OSFileSystem struct{}

// OpenRead opens path for reading and stats its size.
func (OSFileSystem) OpenRead(path string) (File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// CreateTemp creates a uniquely named hidden temp file in the destination's
// directory. Distinct names let concurrent uploads to the same filename
// proceed independently; the last rename wins.
func (OSFileSystem) CreateTemp(destPath string) (WritableFile, error) {
	dir := filepath.Dir(destPath)
	base := filepath.Base(destPath)
	name := filepath.Join(dir, fmt.Sprintf(".%s.%s.part", base, uuid.NewString()))
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
}

// MkdirAll creates dir and any missing parents.
func (OSFileSystem) MkdirAll(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// Rename atomically replaces newPath with oldPath.
func (OSFileSystem) Rename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

// Remove deletes path.
func (OSFileSystem) Remove(path string) error {
	return os.Remove(path)
}
