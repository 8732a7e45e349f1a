package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Local provides a simple file-based storage backend.
// Keys are slash-separated paths relative to the base directory.
type Local struct {
	basePath string
}

// NewLocal creates a Local storage rooted at basePath, creating it if needed.
func NewLocal(basePath string) (*Local, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", basePath, err)
	}
	return &Local{basePath: basePath}, nil
}

// Save stores src in the given subdirectory with the provided filename and
// returns its key. The file is written to a temporary name first so readers
// never observe a partial file.
func (s *Local) Save(_ context.Context, subdir, filename string, src io.Reader) (string, error) {
	key, err := objectKey(subdir, filename)
	if err != nil {
		return "", err
	}

	dstPath := s.resolve(key)
	dir := filepath.Dir(dstPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create file in %s: %w", dir, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to save file %s: %w", dstPath, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to save file %s: %w", dstPath, err)
	}
	if err := os.Rename(tmp.Name(), dstPath); err != nil {
		return "", fmt.Errorf("failed to save file %s: %w", dstPath, err)
	}

	return key, nil
}

// Load opens the file stored under key.
func (s *Local) Load(_ context.Context, key string) (io.ReadCloser, error) {
	if !validKey(key) {
		return nil, ErrFileNotFound
	}

	f, err := os.Open(s.resolve(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to load file: %w", err)
	}

	return f, nil
}

// Find returns the lexically first key starting with prefix. Only the last
// path segment of prefix may be partial.
func (s *Local) Find(_ context.Context, prefix string) (string, error) {
	dirKey, base := path.Split(prefix)
	if dirKey != "" && !validKey(strings.TrimSuffix(dirKey, "/")) {
		return "", ErrFileNotFound
	}

	entries, err := os.ReadDir(s.resolve(dirKey))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrFileNotFound
		}
		return "", fmt.Errorf("failed to list files: %w", err)
	}

	var matches []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasPrefix(e.Name(), base) {
			matches = append(matches, e.Name())
		}
	}
	if len(matches) == 0 {
		return "", ErrFileNotFound
	}
	sort.Strings(matches)

	return dirKey + matches[0], nil
}

// Delete removes the file stored under key. Missing files are not an error.
func (s *Local) Delete(_ context.Context, key string) error {
	if !validKey(key) {
		return fmt.Errorf("invalid storage key %q", key)
	}

	p := s.resolve(key)
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	// Drop the per-task directory once it is empty.
	if dir := filepath.Dir(p); dir != filepath.Clean(s.basePath) {
		_ = os.Remove(dir)
	}
	return nil
}

func (s *Local) resolve(key string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(key))
}
