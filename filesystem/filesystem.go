package filesystem

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
)

// Error constants for better error handling
var (
	ErrFileNotFound = fmt.Errorf("filesystem: file not found")
	ErrNotAFile     = fmt.Errorf("filesystem: not a regular file")
	ErrInvalidPath  = fmt.Errorf("filesystem: invalid path")
)

// DefaultContentType is used when the extension gives no hint.
const DefaultContentType = "text/html"

type Filesystem interface {
	// Root is the document root every request path is appended to.
	Root() string

	// Resolve appends a raw request path to the root. It does not clean
	// the result: "/../../etc/passwd" stays exactly that, below the root
	// textually but not on disk.
	Resolve(requestPath []byte) string

	// Open opens a resolved path read-only. Directories are rejected
	// with ErrNotAFile so they are answered like missing files.
	Open(path string) (*os.File, error)

	FileExists(path string) (bool, error)
	IsFile(path string) (bool, error)
}

type localFileSystem struct {
	root string
}

// Root implements Filesystem.
func (filesystem *localFileSystem) Root() string {
	return filesystem.root
}

// Resolve implements Filesystem.
func (filesystem *localFileSystem) Resolve(requestPath []byte) string {
	// TODO: reject or collapse ".." segments; traversal outside the root
	// is currently possible.
	return filesystem.root + string(requestPath)
}

// Open implements Filesystem.
func (filesystem *localFileSystem) Open(path string) (*os.File, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}

	file, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("filesystem: open %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		if closeErr := file.Close(); closeErr != nil {
			slog.Error("closing file error", "error", closeErr)
		}
		return nil, fmt.Errorf("filesystem: stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		if closeErr := file.Close(); closeErr != nil {
			slog.Error("closing file error", "error", closeErr)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotAFile, path)
	}

	return file, nil
}

// FileExists implements Filesystem.
func (filesystem *localFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

// IsFile implements Filesystem.
func (filesystem *localFileSystem) IsFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// NewLocalFileSystem serves files below root, which must be absolute.
func NewLocalFileSystem(root string) (Filesystem, error) {
	if root == "" || !filepath.IsAbs(root) {
		return nil, fmt.Errorf("%w: document root %q must be absolute", ErrInvalidPath, root)
	}
	return &localFileSystem{root: root}, nil
}

// ContentType guesses the media type from the file extension.
func ContentType(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return DefaultContentType
}
