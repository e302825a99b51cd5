package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
)

// PartialSuffix is appended to a destination path to form the staging file
// that accumulates bytes until the transfer is finalized.
const PartialSuffix = ".tmp"

// ErrOutsideRoot is returned when a relative destination escapes the storage root.
var ErrOutsideRoot = errors.New("destination escapes download directory")

// FileStorage manages destination and partial files below a root directory.
type FileStorage struct {
	dir string
}

// NewFileStorage creates a new FileStorage instance with the given root directory.
func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{dir: dir}
}

// Resolve maps a caller-supplied destination onto an absolute path inside the
// root directory. An empty name falls back to the last path segment of rawURL.
func (s *FileStorage) Resolve(name, rawURL string) (string, error) {
	if name == "" {
		name = DeriveFileName(rawURL)
	}
	name = filepath.Clean(filepath.FromSlash(name))
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("%q: %w", name, ErrOutsideRoot)
	}
	return filepath.Join(s.dir, name), nil
}

// DeriveFileName returns the last segment of the URL path, or "download" when
// the URL has none.
func DeriveFileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		return "download"
	}
	return name
}

// PartialPath returns the staging path for dest.
func PartialPath(dest string) string {
	return dest + PartialSuffix
}

// PartialSize returns the size of the partial file for dest, or 0 when none exists.
func (s *FileStorage) PartialSize(dest string) (int64, error) {
	info, err := os.Stat(PartialPath(dest))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// OpenPartial opens the partial file for dest, creating parent directories.
// With appendMode the existing bytes are kept, otherwise the file is truncated.
func (s *FileStorage) OpenPartial(dest string, appendMode bool) (*os.File, error) {
	if dir := filepath.Dir(dest); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	flags := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	return os.OpenFile(PartialPath(dest), flags, 0o644)
}

// Finalize replaces dest with the completed partial file.
func (s *FileStorage) Finalize(dest string) error {
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove existing file: %w", err)
	}
	if err := os.Rename(PartialPath(dest), dest); err != nil {
		return fmt.Errorf("rename partial file: %w", err)
	}
	return nil
}

// Discard removes the partial file for dest. A missing file is not an error.
func (s *FileStorage) Discard(dest string) error {
	err := os.Remove(PartialPath(dest))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
