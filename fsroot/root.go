package fsroot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpd/wire"
)

// Root maps client-supplied TFTP filenames to real paths under a served
// directory and provides the filesystem operations sessions perform on them.
type Root struct {
	dir string
	fs  FileSystem
}

// NewRoot canonicalizes dir and returns a Root serving it. A nil fs selects
// the OS filesystem.
func NewRoot(dir string, fs FileSystem) (*Root, error) {
	if fs == nil {
		fs = OSFileSystem{}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving served directory: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing served directory: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "NewRoot",
		"dir":      canonical,
	}).Debug("Serving directory anchored")
	return &Root{dir: canonical, fs: fs}, nil
}

// Dir returns the canonical served directory.
func (r *Root) Dir() string { return r.dir }

// FS returns the filesystem the root operates on.
func (r *Root) FS() FileSystem { return r.fs }

// Resolve maps a client-supplied filename to an absolute path under the
// served directory.
//
// The rules are applied in order: the name must be relative, free of NUL and
// control bytes, and contain no "..", "." or empty segments. The resulting
// path must remain inside the root after symlink resolution. For writes,
// intermediate directories are created; reads never create anything.
//
// Violations return a *wire.TFTPError with code ErrAccessViolation.
func (r *Root) Resolve(filename string, forWrite bool) (string, error) {
	if err := checkFilename(filename); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Resolve",
			"filename": filename,
			"error":    err,
		}).Warn("Rejected unsafe filename")
		return "", err
	}

	candidate := filepath.Join(r.dir, filepath.FromSlash(filename))
	if err := r.checkContainment(candidate); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Resolve",
			"filename": filename,
		}).Warn("Rejected path escaping served directory")
		return "", err
	}

	if forWrite {
		if err := r.fs.MkdirAll(filepath.Dir(candidate)); err != nil {
			return "", mapOSError(err)
		}
	}
	return candidate, nil
}

// checkFilename enforces the lexical path rules.
func checkFilename(filename string) error {
	if filename == "" {
		return wire.NewTFTPError(wire.ErrAccessViolation, "empty filename")
	}
	if strings.HasPrefix(filename, "/") {
		return wire.NewTFTPError(wire.ErrAccessViolation, "absolute paths are not allowed")
	}
	if strings.ContainsRune(filename, 0) {
		return wire.NewTFTPError(wire.ErrAccessViolation, "filename contains NUL")
	}
	for _, segment := range strings.Split(filename, "/") {
		switch segment {
		case "..":
			return wire.NewTFTPError(wire.ErrAccessViolation, "path traversal is not allowed")
		case ".", "":
			return wire.NewTFTPError(wire.ErrAccessViolation, "invalid path segment")
		}
		if strings.ContainsRune(segment, filepath.Separator) {
			return wire.NewTFTPError(wire.ErrAccessViolation, "invalid path segment")
		}
		for _, b := range []byte(segment) {
			if b < 0x20 {
				return wire.NewTFTPError(wire.ErrAccessViolation, "control byte in filename")
			}
		}
	}
	return nil
}

// checkContainment verifies that candidate, after following symlinks on its
// deepest existing ancestor, still lies under the root. New files are
// checked through their first existing parent, so uploads into
// yet-to-be-created subdirectories are allowed while symlinks pointing
// outside the root are not.
func (r *Root) checkContainment(candidate string) error {
	prefix := r.dir + string(filepath.Separator)

	probe := candidate
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if resolved != r.dir && !strings.HasPrefix(resolved+string(filepath.Separator), prefix) {
				return wire.NewTFTPError(wire.ErrAccessViolation, "path escapes served directory")
			}
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return mapOSError(err)
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return wire.NewTFTPError(wire.ErrAccessViolation, "path escapes served directory")
		}
		probe = parent
	}
}

// OpenRead resolves filename and opens it for a download.
func (r *Root) OpenRead(filename string) (File, int64, error) {
	path, err := r.Resolve(filename, false)
	if err != nil {
		return nil, 0, err
	}
	f, size, err := r.fs.OpenRead(path)
	if err != nil {
		return nil, 0, mapOSError(err)
	}
	return f, size, nil
}

// Stat resolves filename and returns the file's size. The file is opened
// and closed again to read the size.
func (r *Root) Stat(filename string) (int64, error) {
	f, size, err := r.OpenRead(filename)
	if err != nil {
		return 0, err
	}
	f.Close()
	return size, nil
}

// CreateUpload resolves filename for writing, creates intermediate
// directories and returns an exclusive temp file plus the final destination
// path for the completing rename.
func (r *Root) CreateUpload(filename string) (WritableFile, string, error) {
	path, err := r.Resolve(filename, true)
	if err != nil {
		return nil, "", err
	}
	tmp, err := r.fs.CreateTemp(path)
	if err != nil {
		return nil, "", mapOSError(err)
	}
	return tmp, path, nil
}

// mapOSError converts an OS error to the TFTP error code the peer should see.
func mapOSError(err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return wire.NewTFTPError(wire.ErrFileNotFound, "file not found")
	case errors.Is(err, os.ErrPermission):
		return wire.NewTFTPError(wire.ErrAccessViolation, "permission denied")
	default:
		return wire.NewTFTPError(wire.ErrNotDefined, err.Error())
	}
}
